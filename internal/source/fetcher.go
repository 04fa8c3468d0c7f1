package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

const maxImageBytes = 50 << 20

// ErrEmptyImage is returned when the server answers 2xx with no body.
var ErrEmptyImage = errors.New("fetch returned an empty image body")

// HTTPFetcher downloads single page images.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
}

func NewHTTPFetcher(client *http.Client, userAgent string) *HTTPFetcher {
	return &HTTPFetcher{client: client, userAgent: userAgent}
}

// Fetch performs the authenticated GET for imageURL. Non-2xx responses are
// returned as *models.StatusError.
func (f *HTTPFetcher) Fetch(ctx context.Context, imageURL, accessToken, refererURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid image url %q: %w", imageURL, err)
	}
	setCommonHeaders(req, f.userAgent, accessToken, refererURL)
	req.Header.Set("Accept", "image/avif,image/webp,image/*,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", imageURL, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: reading body: %w", imageURL, err)
	}
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	return data, nil
}
