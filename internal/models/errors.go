package models

import (
	"fmt"
	"net/http"
)

// DownloadErrorKind is the failure taxonomy used by the recovery policy.
type DownloadErrorKind string

const (
	ErrorNetwork     DownloadErrorKind = "network"
	ErrorStorageFull DownloadErrorKind = "storage-full"
	ErrorParsing     DownloadErrorKind = "parsing"
	ErrorCancelled   DownloadErrorKind = "cancelled"
	ErrorUnknown     DownloadErrorKind = "unknown"
)

// DownloadError is the failure carried inside a DownloadResult.
type DownloadError struct {
	Kind          DownloadErrorKind `json:"type"`
	Message       string            `json:"message"`
	Retryable     bool              `json:"retryable"`
	SeriesID      string            `json:"seriesId"`
	ChapterNumber float64           `json:"chapterNumber"`
	// StatusCode is the HTTP status behind a network error, 0 when unknown.
	StatusCode  int      `json:"statusCode,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	Cause       error    `json:"-"`
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *DownloadError) Unwrap() error { return e.Cause }

// StatusError is returned by HTTP collaborators for non-2xx responses.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}
