// Package source talks to the content site: it mints access tokens, lists
// chapter images and fetches page bytes.
package source

import (
	"net/http"
	"net/http/cookiejar"
	"time"

	"golang.org/x/net/publicsuffix"
)

// NewHTTPClient returns a client with a cookie jar, so session cookies set
// while rendering a chapter page are sent with the API and image requests.
func NewHTTPClient(timeout time.Duration) (*http.Client, *cookiejar.Jar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, nil, err
	}
	return &http.Client{Jar: jar, Timeout: timeout}, jar, nil
}

func setCommonHeaders(req *http.Request, userAgent, accessToken, refererURL string) {
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	if refererURL != "" {
		req.Header.Set("Referer", refererURL)
	}
}
