package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrsandeep/chapterdl/internal/models"
)

func newExtractor(t *testing.T, h http.HandlerFunc) *APIExtractor {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	client, _, err := NewHTTPClient(5 * time.Second)
	require.NoError(t, err)
	e, err := NewAPIExtractor(client, srv.URL+"/api", "chapterdl-test")
	require.NoError(t, err)
	return e
}

func TestAPIExtractor_JSON(t *testing.T) {
	var gotAuth, gotReferer, gotPath string
	e := newExtractor(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotReferer = r.Header.Get("Referer")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"images":[
			{"page":2,"url":"https://cdn.test/2.jpg"},
			{"page":1,"url":"/img/1.jpg"},
			{"page":3,"url":"https://cdn.test/3.jpg"}]}`)
	})

	images, err := e.Extract(context.Background(), "abc", "tok", "https://site.test/chapter/1")
	require.NoError(t, err)
	require.Len(t, images, 3)

	assert.Equal(t, "/api/chapters/abc/images", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "https://site.test/chapter/1", gotReferer)

	assert.Equal(t, []int{1, 2, 3}, []int{images[0].PageNumber, images[1].PageNumber, images[2].PageNumber})
	assert.Contains(t, images[0].OriginalURL, "/img/1.jpg")
	assert.Equal(t, models.ImagePending, images[0].DownloadStatus)
}

func TestAPIExtractor_HTMLFallback(t *testing.T) {
	e := newExtractor(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<div>
			<img data-src="https://cdn.test/a.jpg">
			<img src="https://cdn.test/b.jpg">
			<img alt="no source">
		</div>`)
	})

	images, err := e.Extract(context.Background(), "abc", "tok", "")
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, "https://cdn.test/a.jpg", images[0].OriginalURL)
	assert.Equal(t, 2, images[1].PageNumber)
}

func TestAPIExtractor_Errors(t *testing.T) {
	t.Run("status", func(t *testing.T) {
		e := newExtractor(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		})
		_, err := e.Extract(context.Background(), "abc", "expired", "")
		var statusErr *models.StatusError
		require.True(t, errors.As(err, &statusErr))
		assert.Equal(t, http.StatusForbidden, statusErr.StatusCode)
	})

	t.Run("malformed json", func(t *testing.T) {
		e := newExtractor(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"images":[`)
		})
		_, err := e.Extract(context.Background(), "abc", "tok", "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parse")
	})

	t.Run("empty list", func(t *testing.T) {
		e := newExtractor(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"images":[]}`)
		})
		images, err := e.Extract(context.Background(), "abc", "tok", "")
		require.NoError(t, err)
		assert.Empty(t, images)
	})
}
