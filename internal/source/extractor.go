package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/vrsandeep/chapterdl/internal/models"
)

// APIExtractor lists a chapter's images from the site's image endpoint:
// GET {base}/chapters/{contentID}/images.
type APIExtractor struct {
	client    *http.Client
	baseURL   *url.URL
	userAgent string
}

type imageListResponse struct {
	Images []struct {
		Page int    `json:"page"`
		URL  string `json:"url"`
	} `json:"images"`
}

func NewAPIExtractor(client *http.Client, baseURL, userAgent string) (*APIExtractor, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	return &APIExtractor{client: client, baseURL: u, userAgent: userAgent}, nil
}

// Extract returns the chapter's images ordered by page number, all pending.
// The endpoint normally answers JSON; an HTML reader page is also accepted
// and its <img> elements are used in document order.
func (e *APIExtractor) Extract(ctx context.Context, contentID, accessToken, refererURL string) ([]models.ImageDescriptor, error) {
	endpoint := e.baseURL.JoinPath("chapters", contentID, "images")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	setCommonHeaders(req, e.userAgent, accessToken, refererURL)
	req.Header.Set("Accept", "application/json, text/html;q=0.5")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image list: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/html" {
		return e.fromHTML(resp.Body, endpoint)
	}
	return e.fromJSON(resp.Body, endpoint)
}

func (e *APIExtractor) fromJSON(body io.Reader, base *url.URL) ([]models.ImageDescriptor, error) {
	var payload imageListResponse
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("parse image list: %w", err)
	}

	images := make([]models.ImageDescriptor, 0, len(payload.Images))
	for i, img := range payload.Images {
		if img.URL == "" {
			return nil, fmt.Errorf("invalid image list: entry %d has no url", i)
		}
		page := img.Page
		if page <= 0 {
			page = i + 1
		}
		images = append(images, models.ImageDescriptor{
			PageNumber:     page,
			OriginalURL:    resolve(base, img.URL),
			DownloadStatus: models.ImagePending,
		})
	}
	sort.SliceStable(images, func(i, j int) bool { return images[i].PageNumber < images[j].PageNumber })
	return images, nil
}

func (e *APIExtractor) fromHTML(body io.Reader, base *url.URL) ([]models.ImageDescriptor, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, fmt.Errorf("parse reader page: %w", err)
	}

	var images []models.ImageDescriptor
	doc.Find("img").Each(func(i int, s *goquery.Selection) {
		src, ok := s.Attr("data-src")
		if !ok || src == "" {
			src, _ = s.Attr("src")
		}
		if src == "" {
			return
		}
		page := len(images) + 1
		if p, err := strconv.Atoi(s.AttrOr("data-page", "")); err == nil && p > 0 {
			page = p
		}
		images = append(images, models.ImageDescriptor{
			PageNumber:     page,
			OriginalURL:    resolve(base, src),
			DownloadStatus: models.ImagePending,
		})
	})
	sort.SliceStable(images, func(i, j int) bool { return images[i].PageNumber < images[j].PageNumber })
	return images, nil
}

func resolve(base *url.URL, ref string) string {
	u, err := base.Parse(ref)
	if err != nil {
		return ref
	}
	return u.String()
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return &models.StatusError{StatusCode: resp.StatusCode, URL: resp.Request.URL.String()}
}
