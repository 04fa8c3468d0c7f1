// A handler file for all downloader-related API endpoints.

package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vrsandeep/chapterdl/internal/downloader"
	"github.com/vrsandeep/chapterdl/internal/models"
)

// DownloadsResponse is the body of GET /api/downloads.
type DownloadsResponse struct {
	Queue  downloader.QueueSnapshot      `json:"queue"`
	Active []models.DownloadID           `json:"active"`
	Paused []models.PausedDownloadRecord `json:"paused"`
}

// EnqueuePayload is the expected structure for queuing a chapter.
type EnqueuePayload struct {
	SeriesID      string  `json:"series_id"`
	SeriesTitle   string  `json:"series_title"`
	ChapterNumber float64 `json:"chapter_number"`
	ChapterURL    string  `json:"chapter_url"`
	Priority      int     `json:"priority"`
}

func (s *Server) handleGetDownloads(w http.ResponseWriter, r *http.Request) {
	active := s.app.Manager().ActiveIDs()
	if active == nil {
		active = []models.DownloadID{}
	}
	paused := s.app.Manager().PausedRecords()
	if paused == nil {
		paused = []models.PausedDownloadRecord{}
	}
	RespondWithJSON(w, http.StatusOK, DownloadsResponse{
		Queue:  s.app.Queue().Snapshot(),
		Active: active,
		Paused: paused,
	})
}

func (s *Server) handleEnqueueDownload(w http.ResponseWriter, r *http.Request) {
	var payload EnqueuePayload
	if !decodeJSON(w, r, &payload) {
		return
	}
	payload.SeriesID = strings.TrimSpace(payload.SeriesID)
	if payload.SeriesID == "" || payload.ChapterURL == "" || payload.ChapterNumber < 0 {
		RespondWithError(w, http.StatusBadRequest, "series_id, chapter_number and chapter_url are required")
		return
	}

	item := models.QueueItem{
		SeriesID:      payload.SeriesID,
		SeriesTitle:   payload.SeriesTitle,
		ChapterNumber: payload.ChapterNumber,
		ChapterURL:    payload.ChapterURL,
		Priority:      payload.Priority,
	}
	if !s.app.Queue().Enqueue(item) {
		RespondWithError(w, http.StatusConflict, "Chapter is already queued or downloading")
		return
	}

	RespondWithJSON(w, http.StatusAccepted, map[string]string{
		"downloadId": string(models.NewDownloadID(item.SeriesID, item.ChapterNumber)),
		"message":    fmt.Sprintf("Chapter %s has been added to the download queue.", models.FormatChapterNumber(item.ChapterNumber)),
	})
}

func (s *Server) handleDequeueDownload(w http.ResponseWriter, r *http.Request) {
	seriesID, chapter, ok := chapterParams(w, r)
	if !ok {
		return
	}
	if !s.app.Queue().DequeueAndCancel(seriesID, chapter) {
		RespondWithError(w, http.StatusNotFound, "Chapter is not queued")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetDownloadProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := downloadIDParam(w, r)
	if !ok {
		return
	}
	progress, ok := s.app.Manager().GetProgress(id)
	if !ok {
		RespondWithError(w, http.StatusNotFound, "No progress for this download")
		return
	}
	RespondWithJSON(w, http.StatusOK, progress)
}

func (s *Server) handleDownloadAction(w http.ResponseWriter, r *http.Request) {
	id, ok := downloadIDParam(w, r)
	if !ok {
		return
	}

	var err error
	switch action := chi.URLParam(r, "action"); action {
	case "pause":
		err = s.app.Manager().PauseDownload(id, models.PauseUser)
	case "resume":
		err = s.app.Queue().ResumePaused(id)
	case "cancel":
		err = s.app.Manager().CancelDownload(id)
	case "retry":
		err = s.app.Queue().Retry(id)
	default:
		RespondWithError(w, http.StatusBadRequest, "Invalid action")
		return
	}

	switch {
	case errors.Is(err, downloader.ErrNotActive),
		errors.Is(err, downloader.ErrNoPausedRecord),
		errors.Is(err, downloader.ErrNotFailed):
		RespondWithError(w, http.StatusNotFound, err.Error())
	case err != nil:
		RespondWithError(w, http.StatusInternalServerError, err.Error())
	default:
		RespondWithJSON(w, http.StatusOK, map[string]string{"status": "success"})
	}
}

func (s *Server) handleDeleteChapter(w http.ResponseWriter, r *http.Request) {
	seriesID, chapter, ok := chapterParams(w, r)
	if !ok {
		return
	}
	stored, err := s.app.Library().IsDownloaded(r.Context(), seriesID, chapter)
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, "Failed to look up chapter")
		return
	}
	if !stored {
		RespondWithError(w, http.StatusNotFound, "Chapter is not stored")
		return
	}
	if err := s.app.Manager().DeleteChapter(r.Context(), seriesID, chapter); err != nil {
		RespondWithError(w, http.StatusInternalServerError, "Failed to delete chapter")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueueAction(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Action string `json:"action"`
	}
	if !decodeJSON(w, r, &payload) {
		return
	}

	q := s.app.Queue()
	switch payload.Action {
	case "pause":
		q.PauseQueue()
	case "resume":
		q.ResumeQueue()
	case "retry_failed":
		for _, item := range q.Snapshot().Failed {
			if err := q.Retry(item.DownloadID); err != nil && !errors.Is(err, downloader.ErrNotFailed) {
				RespondWithError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
	default:
		RespondWithError(w, http.StatusBadRequest, "Invalid action")
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]interface{}{"status": "success", "isPaused": q.IsPaused()})
}

func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	switch chi.URLParam(r, "state") {
	case "suspend":
		s.app.Lifecycle().OnSuspend()
	case "resume":
		s.app.Lifecycle().OnResume()
	default:
		RespondWithError(w, http.StatusBadRequest, "Invalid lifecycle state")
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]string{"status": "success"})
}
