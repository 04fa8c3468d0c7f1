// This file defines the data structures shared by the download queue, the
// download manager and the HTTP API.

package models

import (
	"fmt"
	"strconv"
	"time"
)

// DownloadID identifies one logical chapter download. It is derived from the
// series and chapter, so every retry of the same chapter shares it.
type DownloadID string

// NewDownloadID builds the DownloadID for a chapter.
func NewDownloadID(seriesID string, chapterNumber float64) DownloadID {
	return DownloadID(fmt.Sprintf("%s_%s", seriesID, FormatChapterNumber(chapterNumber)))
}

// FormatChapterNumber renders a chapter number without trailing zeros (12, 12.5).
func FormatChapterNumber(n float64) string {
	return strconv.FormatFloat(n, 'f', -1, 64)
}

// ParseChapterNumber is the inverse of FormatChapterNumber.
func ParseChapterNumber(s string) (float64, error) {
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chapter number %q: %w", s, err)
	}
	return n, nil
}

// DownloadContext is everything needed to (re)start a download once a token
// has been minted.
type DownloadContext struct {
	SeriesID      string  `json:"seriesId"`
	SeriesTitle   string  `json:"seriesTitle,omitempty"`
	ChapterNumber float64 `json:"chapterNumber"`
	ContentID     string  `json:"contentId"`
	AccessToken   string  `json:"accessToken"`
	RefererURL    string  `json:"refererUrl,omitempty"`
}

// ID returns the DownloadID of the chapter this context belongs to.
func (c DownloadContext) ID() DownloadID {
	return NewDownloadID(c.SeriesID, c.ChapterNumber)
}

// DownloadProgress is the live state of an active download. Only the batch
// loop mutates it; readers get copies.
type DownloadProgress struct {
	DownloadID                DownloadID `json:"downloadId"`
	TotalImages               int        `json:"totalImages"`
	DownloadedImages          int        `json:"downloadedImages"`
	FailedImages              int        `json:"failedImages"`
	ProgressPercent           int        `json:"progress"`
	StartTime                 time.Time  `json:"startTime"`
	DownloadedBytes           int64      `json:"downloadedBytes"`
	EstimatedSecondsRemaining *float64   `json:"estimatedTimeRemaining,omitempty"`
	BytesPerSecond            *float64   `json:"downloadSpeed,omitempty"`
}

// ImageStatus is the per-page outcome of a batch fetch.
type ImageStatus string

const (
	ImagePending   ImageStatus = "pending"
	ImageCompleted ImageStatus = "completed"
	ImageFailed    ImageStatus = "failed"
)

// ImageDescriptor describes a single page image. Data holds the fetched bytes
// between the batch loop and persistence and is never serialized.
type ImageDescriptor struct {
	PageNumber     int         `json:"pageNumber"`
	OriginalURL    string      `json:"originalUrl"`
	DownloadStatus ImageStatus `json:"downloadStatus"`
	FileSizeBytes  int64       `json:"fileSize,omitempty"`
	Error          string      `json:"error,omitempty"`
	Data           []byte      `json:"-"`
}

// PauseReason says who paused a download.
type PauseReason string

const (
	PauseUser             PauseReason = "user"
	PauseAppBackgrounded  PauseReason = "app-backgrounded"
	PauseRecoverableError PauseReason = "recoverable-error"
)

// PauseStatus tracks a paused record through its resume.
type PauseStatus string

const (
	PauseStatusPaused   PauseStatus = "paused"
	PauseStatusResuming PauseStatus = "resuming"
	PauseStatusActive   PauseStatus = "active"
)

// PausedDownloadRecord is the durable resume recipe for a paused download.
type PausedDownloadRecord struct {
	DownloadID DownloadID      `json:"downloadId"`
	Reason     PauseReason     `json:"reason"`
	Status     PauseStatus     `json:"status"`
	Timestamp  time.Time       `json:"timestamp"`
	Progress   int             `json:"progress"`
	Message    string          `json:"message,omitempty"`
	Context    DownloadContext `json:"context"`
}

// QueueItemStatus is the queue's view of an item.
type QueueItemStatus string

const (
	QueueStatusQueued QueueItemStatus = "queued"
	QueueStatusActive QueueItemStatus = "active"
)

// QueueItem is one unit of work in the download queue. Items are ordered by
// Priority descending, then AddedAt ascending.
type QueueItem struct {
	DownloadID    DownloadID      `json:"downloadId"`
	SeriesID      string          `json:"seriesId"`
	SeriesTitle   string          `json:"seriesTitle"`
	ChapterNumber float64         `json:"chapterNumber"`
	ChapterURL    string          `json:"chapterUrl"`
	Priority      int             `json:"priority"`
	AddedAt       time.Time       `json:"addedAt"`
	Status        QueueItemStatus `json:"status"`
	Progress      int             `json:"progress"`
	// Resume marks an item that restarts a paused download from its stored
	// context instead of minting a new token.
	Resume bool `json:"resume,omitempty"`
}

// DownloadStatus is the terminal (or current) state reported in a result.
type DownloadStatus string

const (
	StatusQueued      DownloadStatus = "queued"
	StatusDownloading DownloadStatus = "downloading"
	StatusCompleted   DownloadStatus = "completed"
	StatusFailed      DownloadStatus = "failed"
	StatusPaused      DownloadStatus = "paused"
	StatusCancelled   DownloadStatus = "cancelled"
	StatusSkipped     DownloadStatus = "skipped"
)

// DownloadResult is returned by every download manager entry point in place
// of an error.
type DownloadResult struct {
	DownloadID DownloadID        `json:"downloadId"`
	Success    bool              `json:"success"`
	Status     DownloadStatus    `json:"status"`
	Images     []ImageDescriptor `json:"images,omitempty"`
	Attempts   int               `json:"attempts"`
	Error      *DownloadError    `json:"error,omitempty"`
}

// StorageStats is the aggregate space usage of the chapter store.
type StorageStats struct {
	AvailableSpace int64 `json:"availableSpace"`
	TotalSize      int64 `json:"totalSize"`
	TotalChapters  int   `json:"totalChapters"`
}

// UsagePercent reports how full the store is, 0–100.
func (s StorageStats) UsagePercent() float64 {
	capacity := s.AvailableSpace + s.TotalSize
	if capacity <= 0 {
		return 100
	}
	return float64(s.TotalSize) / float64(capacity) * 100
}

// RecommendedAction is the validator's remediation advice.
type RecommendedAction string

const (
	ActionNone       RecommendedAction = "none"
	ActionReview     RecommendedAction = "review"
	ActionRedownload RecommendedAction = "redownload"
)

// ValidationOptions tunes a validator run.
type ValidationOptions struct {
	// ExpectedPages overrides the page count recorded for the chapter.
	ExpectedPages int
	// Deep decodes every image header instead of only checking entry sizes.
	Deep bool
}

// ValidationResult is the outcome of a chapter integrity check.
type ValidationResult struct {
	IsValid           bool              `json:"isValid"`
	IntegrityScore    int               `json:"integrityScore"`
	RecommendedAction RecommendedAction `json:"recommendedAction"`
	ValidPages        int               `json:"validPages"`
	ExpectedPages     int               `json:"expectedPages"`
	Issues            []string          `json:"issues,omitempty"`
}

// TokenCapture is what the token broker intercepts from a rendered page.
type TokenCapture struct {
	ContentID   string `json:"contentId"`
	AccessToken string `json:"accessToken"`
	RequestURL  string `json:"requestUrl,omitempty"`
}

// StoredChapter is a chapter row from the catalogue.
type StoredChapter struct {
	SeriesID      string            `json:"series_id"`
	SeriesTitle   string            `json:"series_title"`
	ChapterNumber float64           `json:"chapter_number"`
	Path          string            `json:"path"`
	PageCount     int               `json:"page_count"`
	FailedPages   int               `json:"failed_pages"`
	SizeBytes     int64             `json:"size_bytes"`
	Pages         []ImageDescriptor `json:"pages,omitempty"`
	Thumbnail     string            `json:"thumbnail,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// BadChapter records a stored chapter that failed validation.
type BadChapter struct {
	ID             int64     `json:"id"`
	SeriesID       string    `json:"series_id"`
	ChapterNumber  float64   `json:"chapter_number"`
	Path           string    `json:"path"`
	IntegrityScore int       `json:"integrity_score"`
	Issue          string    `json:"issue"`
	DetectedAt     time.Time `json:"detected_at"`
	LastChecked    time.Time `json:"last_checked"`
}
