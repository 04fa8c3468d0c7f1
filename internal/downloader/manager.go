// Package downloader turns chapter download requests into validated, stored
// chapters. The Manager runs the per-chapter pipeline with retries and
// pause/resume; the Queue feeds it one chapter at a time.
package downloader

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vrsandeep/chapterdl/internal/config"
	"github.com/vrsandeep/chapterdl/internal/events"
	"github.com/vrsandeep/chapterdl/internal/models"
	"github.com/vrsandeep/chapterdl/internal/recovery"
	"github.com/vrsandeep/chapterdl/internal/store"
)

var (
	// ErrCancelled is the cancellation cause of an explicitly cancelled download.
	ErrCancelled = errors.New("download cancelled")
	// ErrNotActive is returned when a control operation targets a download
	// that is not running.
	ErrNotActive = errors.New("download is not active")
	// ErrNoPausedRecord is returned when there is nothing to resume.
	ErrNoPausedRecord = errors.New("no paused download with that id")
)

// pauseCause cancels an active download without failing it.
type pauseCause struct {
	reason models.PauseReason
}

func (p *pauseCause) Error() string { return "download paused: " + string(p.reason) }

// pausedBy reports the pause reason ctx was cancelled with, if any.
func pausedBy(ctx context.Context) (models.PauseReason, bool) {
	var pc *pauseCause
	if errors.As(context.Cause(ctx), &pc) {
		return pc.reason, true
	}
	return "", false
}

// Deps are the collaborators a Manager drives. Validator and State are
// optional; without State paused records only live in memory.
type Deps struct {
	Store     models.ChapterStore
	Extractor models.ImageExtractor
	Fetcher   models.ImageFetcher
	Validator models.Validator
	Policy    *recovery.Policy
	Bus       *events.Bus
	State     *store.Store
}

// DownloadOptions changes how a download reacts to failure.
type DownloadOptions struct {
	// PauseOnRecoverableError parks a download that ran out of attempts on a
	// network-class error as paused instead of failing it.
	PauseOnRecoverableError bool
}

type activeDownload struct {
	id       models.DownloadID
	dc       models.DownloadContext
	cancel   context.CancelCauseFunc
	progress *models.DownloadProgress
}

// Manager owns the state machine of every chapter download.
type Manager struct {
	store     models.ChapterStore
	extractor models.ImageExtractor
	fetcher   models.ImageFetcher
	validator models.Validator
	policy    *recovery.Policy
	bus       *events.Bus
	opts      config.Options
	log       zerolog.Logger

	pausedWriter *store.SnapshotWriter
	state        *store.Store

	mu        sync.Mutex
	active    map[models.DownloadID]*activeDownload
	paused    map[models.DownloadID]*models.PausedDownloadRecord
	listeners progressListeners
}

func NewManager(deps Deps, opts config.Options, log zerolog.Logger) *Manager {
	m := &Manager{
		store:     deps.Store,
		extractor: deps.Extractor,
		fetcher:   deps.Fetcher,
		validator: deps.Validator,
		policy:    deps.Policy,
		bus:       deps.Bus,
		opts:      opts,
		log:       log,
		state:     deps.State,
		active:    make(map[models.DownloadID]*activeDownload),
		paused:    make(map[models.DownloadID]*models.PausedDownloadRecord),
		listeners: newProgressListeners(),
	}
	if deps.State != nil {
		m.pausedWriter = store.NewSnapshotWriter(deps.State, store.PausedDownloadsKey, opts.PersistDebounce, log)
	}
	return m
}

// DownloadFromToken downloads a chapter for which a token has already been
// minted. A chapter that is already stored completes at once without any
// network traffic.
func (m *Manager) DownloadFromToken(ctx context.Context, dc models.DownloadContext) models.DownloadResult {
	return m.Download(ctx, dc, DownloadOptions{})
}

// Download is DownloadFromToken with explicit options.
func (m *Manager) Download(ctx context.Context, dc models.DownloadContext, o DownloadOptions) models.DownloadResult {
	return m.run(ctx, dc, o, false)
}

// ResumeDownload restarts a paused download from image extraction using its
// stored context. Without a paused record it does nothing.
func (m *Manager) ResumeDownload(ctx context.Context, id models.DownloadID) models.DownloadResult {
	return m.Resume(ctx, id, DownloadOptions{})
}

// Resume is ResumeDownload with explicit options.
func (m *Manager) Resume(ctx context.Context, id models.DownloadID, o DownloadOptions) models.DownloadResult {
	m.mu.Lock()
	rec, ok := m.paused[id]
	if !ok {
		m.mu.Unlock()
		return models.DownloadResult{DownloadID: id, Status: models.StatusSkipped}
	}
	rec.Status = models.PauseStatusResuming
	dc := rec.Context
	m.schedulePausedLocked()
	m.mu.Unlock()

	m.log.Info().Str("download_id", string(id)).Str("reason", string(rec.Reason)).Msg("Resuming download")
	return m.run(ctx, dc, o, true)
}

// PauseDownload stops an active download and keeps its context so it can be
// resumed later.
func (m *Manager) PauseDownload(id models.DownloadID, reason models.PauseReason) error {
	m.mu.Lock()
	a, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotActive
	}
	pct := 0
	if a.progress != nil {
		pct = a.progress.ProgressPercent
	}
	m.paused[id] = &models.PausedDownloadRecord{
		DownloadID: id,
		Reason:     reason,
		Status:     models.PauseStatusPaused,
		Timestamp:  time.Now(),
		Progress:   pct,
		Context:    a.dc,
	}
	m.schedulePausedLocked()
	m.mu.Unlock()

	a.cancel(&pauseCause{reason: reason})

	ev := m.event(models.EventPaused, a.dc)
	ev.Progress = float64(pct)
	ev.Reason = reason
	m.bus.Publish(ev)

	m.log.Info().Str("download_id", string(id)).Str("reason", string(reason)).Int("progress", pct).Msg("Download paused")
	return nil
}

// CancelDownload aborts a download and forgets its progress and context. No
// event is published. A paused download is cancelled by dropping its record.
func (m *Manager) CancelDownload(id models.DownloadID) error {
	m.mu.Lock()
	a, active := m.active[id]
	_, paused := m.paused[id]
	if paused {
		delete(m.paused, id)
		m.schedulePausedLocked()
	}
	m.mu.Unlock()

	if active {
		a.cancel(ErrCancelled)
	}
	if !active && !paused {
		return ErrNotActive
	}
	m.log.Info().Str("download_id", string(id)).Msg("Download cancelled")
	return nil
}

// GetProgress returns the live progress of an active download.
func (m *Manager) GetProgress(id models.DownloadID) (models.DownloadProgress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.active[id]
	if !ok || a.progress == nil {
		return models.DownloadProgress{}, false
	}
	return copyProgress(a.progress), true
}

// AddProgressListener registers fn for progress updates of one download. The
// returned function unsubscribes it and may be called more than once.
func (m *Manager) AddProgressListener(id models.DownloadID, fn ProgressListener) func() {
	m.mu.Lock()
	handle := m.listeners.add(id, fn)
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.listeners.remove(id, handle)
			m.mu.Unlock()
		})
	}
}

// SuspendActive pauses every running download with reason and returns their
// ids.
func (m *Manager) SuspendActive(reason models.PauseReason) []models.DownloadID {
	m.mu.Lock()
	ids := make([]models.DownloadID, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var paused []models.DownloadID
	for _, id := range ids {
		if err := m.PauseDownload(id, reason); err == nil {
			paused = append(paused, id)
		}
	}
	return paused
}

// ActiveIDs lists the downloads currently running.
func (m *Manager) ActiveIDs() []models.DownloadID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]models.DownloadID, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// PausedRecords returns the paused downloads, oldest first.
func (m *Manager) PausedRecords() []models.PausedDownloadRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pausedListLocked()
}

// PausedRecord returns the paused record for id.
func (m *Manager) PausedRecord(id models.DownloadID) (models.PausedDownloadRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.paused[id]
	if !ok {
		return models.PausedDownloadRecord{}, false
	}
	return *rec, true
}

// DeleteChapter removes a stored chapter and publishes a deleted event.
func (m *Manager) DeleteChapter(ctx context.Context, seriesID string, chapterNumber float64) error {
	if err := m.store.Delete(ctx, seriesID, chapterNumber); err != nil {
		return err
	}
	m.PublishDeleted(seriesID, chapterNumber)
	return nil
}

// PublishDeleted announces that a stored chapter is gone, however it was
// removed.
func (m *Manager) PublishDeleted(seriesID string, chapterNumber float64) {
	dc := models.DownloadContext{SeriesID: seriesID, ChapterNumber: chapterNumber}
	m.bus.Publish(m.event(models.EventDeleted, dc))
}

// Stats reports space usage of the chapter store.
func (m *Manager) Stats(ctx context.Context) (models.StorageStats, error) {
	return m.store.Stats(ctx)
}

// Close writes pending paused records.
func (m *Manager) Close(ctx context.Context) error {
	if m.pausedWriter == nil {
		return nil
	}
	return m.pausedWriter.Flush(ctx)
}

func (m *Manager) event(t models.EventType, dc models.DownloadContext) models.ChapterEvent {
	return models.ChapterEvent{
		Type:          t,
		DownloadID:    dc.ID(),
		SeriesID:      dc.SeriesID,
		ChapterNumber: dc.ChapterNumber,
		Timestamp:     time.Now(),
	}
}

// begin registers dc as active. It fails if the same chapter is already
// running.
func (m *Manager) begin(parent context.Context, dc models.DownloadContext) (context.Context, *activeDownload, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := dc.ID()
	if _, busy := m.active[id]; busy {
		return nil, nil, false
	}
	ctx, cancel := context.WithCancelCause(parent)
	a := &activeDownload{id: id, dc: dc, cancel: cancel}
	m.active[id] = a
	return ctx, a, true
}

func (m *Manager) end(a *activeDownload) {
	m.mu.Lock()
	if m.active[a.id] == a {
		delete(m.active, a.id)
	}
	m.mu.Unlock()
	a.cancel(nil)
}

func (m *Manager) startProgress(a *activeDownload, total int) {
	m.mu.Lock()
	a.progress = newProgress(a.id, total, time.Now())
	m.mu.Unlock()
}

func (m *Manager) lastProgress(a *activeDownload) *models.DownloadProgress {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.progress == nil {
		return nil
	}
	p := copyProgress(a.progress)
	return &p
}
