package downloader

import (
	"context"
	"sort"
	"time"

	"github.com/vrsandeep/chapterdl/internal/models"
	"github.com/vrsandeep/chapterdl/internal/store"
)

// LoadPaused reads the persisted paused records. Records left resuming or
// active by a previous process were interrupted and go back to paused.
func (m *Manager) LoadPaused(ctx context.Context) error {
	if m.state == nil {
		return nil
	}
	var records []models.PausedDownloadRecord
	found, err := m.state.GetState(ctx, store.PausedDownloadsKey, &records)
	if err != nil || !found {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	reset := 0
	for i := range records {
		rec := records[i]
		if rec.Status != models.PauseStatusPaused {
			rec.Status = models.PauseStatusPaused
			reset++
		}
		m.paused[rec.DownloadID] = &rec
	}
	if reset > 0 {
		m.schedulePausedLocked()
	}
	m.log.Info().Int("paused", len(records)).Int("interrupted", reset).Msg("Loaded paused downloads")
	return nil
}

func (m *Manager) pausedListLocked() []models.PausedDownloadRecord {
	out := make([]models.PausedDownloadRecord, 0, len(m.paused))
	for _, rec := range m.paused {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].DownloadID < out[j].DownloadID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// schedulePausedLocked rewrites the whole record list; the writer debounces.
func (m *Manager) schedulePausedLocked() {
	if m.pausedWriter == nil {
		return
	}
	m.pausedWriter.Schedule(m.pausedListLocked())
}

func (m *Manager) putPaused(rec models.PausedDownloadRecord) {
	m.mu.Lock()
	m.paused[rec.DownloadID] = &rec
	m.schedulePausedLocked()
	m.mu.Unlock()
}

func (m *Manager) setPausedStatus(id models.DownloadID, status models.PauseStatus) {
	m.mu.Lock()
	if rec, ok := m.paused[id]; ok {
		rec.Status = status
		m.schedulePausedLocked()
	}
	m.mu.Unlock()
}

func (m *Manager) forgetPaused(id models.DownloadID) {
	m.mu.Lock()
	if _, ok := m.paused[id]; ok {
		delete(m.paused, id)
		m.schedulePausedLocked()
	}
	m.mu.Unlock()
}

// holdPaused settles the record of a download the queue interrupted for
// reason. A record still marked resuming or active is paused again under
// reason; a record that is already paused keeps its reason. It reports
// whether a record exists.
func (m *Manager) holdPaused(id models.DownloadID, reason models.PauseReason) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.paused[id]
	if !ok {
		return false
	}
	if rec.Status != models.PauseStatusPaused {
		rec.Status = models.PauseStatusPaused
		rec.Reason = reason
		rec.Timestamp = time.Now()
		m.schedulePausedLocked()
	}
	return true
}
