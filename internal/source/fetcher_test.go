package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrsandeep/chapterdl/internal/models"
)

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.png":
			if r.Header.Get("Authorization") != "Bearer tok" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Write([]byte("\x89PNG-bytes"))
		case "/slow-down.png":
			w.WriteHeader(http.StatusTooManyRequests)
		case "/empty.png":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	client, _, err := NewHTTPClient(5 * time.Second)
	require.NoError(t, err)
	f := NewHTTPFetcher(client, "chapterdl-test")
	ctx := context.Background()

	data, err := f.Fetch(ctx, srv.URL+"/ok.png", "tok", "http://site.test/")
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG-bytes"), data)

	_, err = f.Fetch(ctx, srv.URL+"/ok.png", "", "")
	var statusErr *models.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)

	_, err = f.Fetch(ctx, srv.URL+"/slow-down.png", "tok", "")
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)

	_, err = f.Fetch(ctx, srv.URL+"/empty.png", "tok", "")
	assert.ErrorIs(t, err, ErrEmptyImage)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = f.Fetch(cancelled, srv.URL+"/ok.png", "tok", "")
	assert.ErrorIs(t, err, context.Canceled)
}
