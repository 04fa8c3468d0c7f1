package models

import (
	"context"
	"time"
)

// TokenBroker renders a chapter page and intercepts the signed request it
// issues. Only one session may run at a time.
type TokenBroker interface {
	Intercept(ctx context.Context, pageURL string, timeout time.Duration) (*TokenCapture, error)
}

// ImageExtractor lists the page images of a chapter, ordered by page number.
type ImageExtractor interface {
	Extract(ctx context.Context, contentID, accessToken, refererURL string) ([]ImageDescriptor, error)
}

// ImageFetcher performs the authenticated GET for a single page image.
type ImageFetcher interface {
	Fetch(ctx context.Context, imageURL, accessToken, refererURL string) ([]byte, error)
}

// ChapterStore is durable chapter storage keyed by (seriesID, chapterNumber).
type ChapterStore interface {
	IsDownloaded(ctx context.Context, seriesID string, chapterNumber float64) (bool, error)
	GetImages(ctx context.Context, seriesID string, chapterNumber float64) ([]ImageDescriptor, error)
	Save(ctx context.Context, seriesID, seriesTitle string, chapterNumber float64, images []ImageDescriptor) error
	Delete(ctx context.Context, seriesID string, chapterNumber float64) error
	Stats(ctx context.Context) (StorageStats, error)
	CleanupOldest(ctx context.Context) error
}

// Validator scores the integrity of a stored chapter.
type Validator interface {
	Check(ctx context.Context, seriesID string, chapterNumber float64, opts ValidationOptions) (*ValidationResult, error)
}
