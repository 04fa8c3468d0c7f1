package models

import "time"

// EventType is the lifecycle stage a ChapterEvent reports.
type EventType string

const (
	EventStarted   EventType = "started"
	EventProgress  EventType = "progress"
	EventPaused    EventType = "paused"
	EventResumed   EventType = "resumed"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventDeleted   EventType = "deleted"
)

// ChapterEvent is broadcast on the event bus and to websocket clients.
type ChapterEvent struct {
	Type          EventType         `json:"type"`
	DownloadID    DownloadID        `json:"downloadId"`
	SeriesID      string            `json:"seriesId"`
	ChapterNumber float64           `json:"chapterNumber"`
	Progress      float64           `json:"progress"`
	Message       string            `json:"message,omitempty"`
	Detail        *DownloadProgress `json:"detail,omitempty"`
	Error         *DownloadError    `json:"error,omitempty"`
	Reason        PauseReason       `json:"reason,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}
