package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vrsandeep/chapterdl/internal/models"
)

// chapterParams reads {seriesID} and {chapter} from the route.
func chapterParams(w http.ResponseWriter, r *http.Request) (string, float64, bool) {
	seriesID := chi.URLParam(r, "seriesID")
	chapter, err := strconv.ParseFloat(chi.URLParam(r, "chapter"), 64)
	if seriesID == "" || err != nil || chapter < 0 {
		RespondWithError(w, http.StatusBadRequest, "Invalid series or chapter number")
		return "", 0, false
	}
	return seriesID, chapter, true
}

func downloadIDParam(w http.ResponseWriter, r *http.Request) (models.DownloadID, bool) {
	seriesID, chapter, ok := chapterParams(w, r)
	if !ok {
		return "", false
	}
	return models.NewDownloadID(seriesID, chapter), true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.app.DB().PingContext(r.Context()); err != nil {
		RespondWithError(w, http.StatusServiceUnavailable, "Database connection failed")
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.app.Manager().Stats(r.Context())
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, "Failed to read storage stats")
		return
	}
	badChapters, err := s.app.Store().CountBadChapters(r.Context())
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, "Failed to count bad chapters")
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"storage":      stats,
		"bad_chapters": badChapters,
		"queue_length": s.app.Queue().Len(),
		"active":       s.app.Queue().ActiveCount(),
	})
}
