package downloader

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vrsandeep/chapterdl/internal/config"
	"github.com/vrsandeep/chapterdl/internal/events"
	"github.com/vrsandeep/chapterdl/internal/models"
	"github.com/vrsandeep/chapterdl/internal/store"
)

var (
	// ErrNotFailed is returned by Retry for a chapter with no failed download.
	ErrNotFailed = errors.New("no failed download for that chapter")

	errShutdown = errors.New("download queue stopped")
)

// QueueSnapshot is the persisted state of the queue. Active items are stored
// with status active so a restart can tell they were interrupted.
type QueueSnapshot struct {
	Items         []models.QueueItem `json:"items"`
	IsPaused      bool               `json:"isPaused"`
	LastProcessed *time.Time         `json:"lastProcessed,omitempty"`
	Failed        []models.QueueItem `json:"failed,omitempty"`
}

type runningItem struct {
	item   *models.QueueItem
	cancel context.CancelCauseFunc
	// held is set when the queue itself paused the item.
	held models.PauseReason
}

// Queue admits chapter download requests and runs them through the Manager
// in priority order, never more than MaxConcurrent at a time.
type Queue struct {
	manager *Manager
	broker  models.TokenBroker
	bus     *events.Bus
	opts    config.Options
	state   *store.Store
	snap    *store.SnapshotWriter
	log     zerolog.Logger

	mu            sync.Mutex
	items         []*models.QueueItem
	active        map[models.DownloadID]*runningItem
	pendingResume map[models.DownloadID]*models.QueueItem
	failed        map[models.DownloadID]*models.QueueItem
	paused        bool
	suspended     bool
	stopped       bool
	lastProcessed *time.Time

	ctx         context.Context
	cancelAll   context.CancelCauseFunc
	wake        chan struct{}
	stop        chan struct{}
	wg          sync.WaitGroup
	unsubscribe func()
}

// NewQueue returns a stopped queue. state may be nil, in which case nothing
// survives a restart.
func NewQueue(manager *Manager, broker models.TokenBroker, bus *events.Bus, state *store.Store, opts config.Options, log zerolog.Logger) *Queue {
	ctx, cancel := context.WithCancelCause(context.Background())
	q := &Queue{
		manager:       manager,
		broker:        broker,
		bus:           bus,
		opts:          opts,
		state:         state,
		log:           log,
		active:        make(map[models.DownloadID]*runningItem),
		pendingResume: make(map[models.DownloadID]*models.QueueItem),
		failed:        make(map[models.DownloadID]*models.QueueItem),
		ctx:           ctx,
		cancelAll:     cancel,
		wake:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
	}
	if state != nil {
		q.snap = store.NewSnapshotWriter(state, store.QueueSnapshotKey, opts.PersistDebounce, log)
	}
	return q
}

// Start restores the persisted queue and begins processing. Items that were
// active when the previous process stopped go to the front.
func (q *Queue) Start(ctx context.Context) error {
	if q.state != nil {
		var snap QueueSnapshot
		found, err := q.state.GetState(ctx, store.QueueSnapshotKey, &snap)
		if err != nil {
			return err
		}
		if found {
			q.restore(snap)
		}
	}

	q.unsubscribe = q.bus.SubscribeAll(func(e models.ChapterEvent) {
		if e.Type == models.EventProgress {
			q.UpdateProgress(e.DownloadID, int(e.Progress))
		}
	})

	q.wg.Add(1)
	go q.dispatch()
	q.signal()
	return nil
}

func (q *Queue) restore(snap QueueSnapshot) {
	q.mu.Lock()
	defer q.mu.Unlock()

	top := 0
	for _, it := range snap.Items {
		if it.Priority > top {
			top = it.Priority
		}
	}

	interrupted := 0
	for i := range snap.Items {
		it := snap.Items[i]
		if it.Status == models.QueueStatusActive {
			it.Priority = top + 1
			interrupted++
		}
		it.Status = models.QueueStatusQueued
		q.items = append(q.items, &it)
	}
	for i := range snap.Failed {
		it := snap.Failed[i]
		q.failed[it.DownloadID] = &it
	}
	q.paused = snap.IsPaused
	q.lastProcessed = snap.LastProcessed
	q.sortLocked()

	q.log.Info().
		Int("items", len(q.items)).
		Int("interrupted", interrupted).
		Bool("paused", q.paused).
		Msg("Restored download queue")
}

// Stop persists the queue and aborts running downloads. Running items stay
// marked active in the snapshot so the next Start picks them up again.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	snap := q.snapshotLocked()
	q.mu.Unlock()

	var err error
	if q.snap != nil {
		q.snap.Schedule(snap)
		err = q.snap.Flush(ctx)
	}

	close(q.stop)
	q.cancelAll(errShutdown)
	q.wg.Wait()
	if q.unsubscribe != nil {
		q.unsubscribe()
	}
	return err
}

// Enqueue adds item unless the same chapter is already queued or running.
// It reports whether the item was added.
func (q *Queue) Enqueue(item models.QueueItem) bool {
	if item.DownloadID == "" {
		item.DownloadID = models.NewDownloadID(item.SeriesID, item.ChapterNumber)
	}
	if item.AddedAt.IsZero() {
		item.AddedAt = time.Now()
	}
	item.Status = models.QueueStatusQueued
	if !item.Resume {
		item.Progress = 0
	}

	q.mu.Lock()
	if q.stopped || q.containsLocked(item.DownloadID) {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, &item)
	q.sortLocked()
	q.scheduleSnapshotLocked()
	q.mu.Unlock()

	q.log.Info().
		Str("download_id", string(item.DownloadID)).
		Int("priority", item.Priority).
		Bool("resume", item.Resume).
		Msg("Chapter queued")
	q.signal()
	return true
}

// DequeueAndCancel removes a waiting item, or cancels it if it is running.
// It does not wait for a running download to stop.
func (q *Queue) DequeueAndCancel(seriesID string, chapterNumber float64) bool {
	id := models.NewDownloadID(seriesID, chapterNumber)

	q.mu.Lock()
	delete(q.pendingResume, id)
	for i, it := range q.items {
		if it.DownloadID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.scheduleSnapshotLocked()
			q.mu.Unlock()
			q.log.Info().Str("download_id", string(id)).Msg("Removed chapter from queue")
			return true
		}
	}
	running, ok := q.active[id]
	q.mu.Unlock()

	if !ok {
		return false
	}
	running.cancel(ErrCancelled)
	q.manager.CancelDownload(id)
	return true
}

// PauseQueue stops admitting items. Running downloads continue.
func (q *Queue) PauseQueue() {
	q.mu.Lock()
	q.paused = true
	q.scheduleSnapshotLocked()
	q.mu.Unlock()
	q.log.Info().Msg("Download queue paused")
}

// ResumeQueue admits items again.
func (q *Queue) ResumeQueue() {
	q.mu.Lock()
	q.paused = false
	q.scheduleSnapshotLocked()
	q.mu.Unlock()
	q.log.Info().Msg("Download queue resumed")
	q.signal()
}

// setSuspended holds admission while the host app is in the background,
// independent of the user's pause switch.
func (q *Queue) setSuspended(v bool) {
	q.mu.Lock()
	q.suspended = v
	q.mu.Unlock()
	if !v {
		q.signal()
	}
}

// holdRunning pauses every running item with reason. Items the Manager
// already paused are unaffected; an item that had not reached the Manager
// yet, such as one still waiting for its token, goes back to the front of
// the queue when it unwinds.
func (q *Queue) holdRunning(reason models.PauseReason) int {
	q.mu.Lock()
	held := make([]*runningItem, 0, len(q.active))
	for _, running := range q.active {
		running.held = reason
		held = append(held, running)
	}
	q.mu.Unlock()

	for _, running := range held {
		running.cancel(&pauseCause{reason: reason})
	}
	return len(held)
}

// ResumePaused queues a paused download to be resumed from its stored
// context, ahead of everything else waiting.
func (q *Queue) ResumePaused(id models.DownloadID) error {
	rec, ok := q.manager.PausedRecord(id)
	if !ok {
		return ErrNoPausedRecord
	}
	item := models.QueueItem{
		DownloadID:    id,
		SeriesID:      rec.Context.SeriesID,
		SeriesTitle:   rec.Context.SeriesTitle,
		ChapterNumber: rec.Context.ChapterNumber,
		ChapterURL:    rec.Context.RefererURL,
		AddedAt:       time.Now(),
		Progress:      rec.Progress,
		Resume:        true,
	}

	q.mu.Lock()
	item.Priority = q.topPriorityLocked() + 1
	if _, running := q.active[id]; running {
		// The pause has not finished unwinding yet.
		q.pendingResume[id] = &item
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	q.Enqueue(item)
	return nil
}

// ResumeAllPaused queues every paused download with the given reason.
func (q *Queue) ResumeAllPaused(reason models.PauseReason) []models.DownloadID {
	var ids []models.DownloadID
	for _, rec := range q.manager.PausedRecords() {
		if rec.Reason != reason {
			continue
		}
		if err := q.ResumePaused(rec.DownloadID); err == nil {
			ids = append(ids, rec.DownloadID)
		}
	}
	return ids
}

// Retry queues a failed chapter again with a fresh token request.
func (q *Queue) Retry(id models.DownloadID) error {
	q.mu.Lock()
	it, ok := q.failed[id]
	if ok {
		delete(q.failed, id)
	}
	q.mu.Unlock()
	if !ok {
		return ErrNotFailed
	}

	item := *it
	item.AddedAt = time.Now()
	item.Resume = false
	q.Enqueue(item)
	return nil
}

// UpdateProgress mirrors a running download's progress on its queue item.
func (q *Queue) UpdateProgress(id models.DownloadID, percent int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if running, ok := q.active[id]; ok && running.item.Progress != percent {
		running.item.Progress = percent
		q.scheduleSnapshotLocked()
	}
}

// Items lists running items first, then waiting ones in processing order.
func (q *Queue) Items() []models.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.itemsLocked()
}

// Len is the number of waiting items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// ActiveCount is the number of running items.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

func (q *Queue) IsPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Snapshot returns the queue state as it would be persisted.
func (q *Queue) Snapshot() QueueSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

func (q *Queue) dispatch() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		case <-q.wake:
		}
		for q.processNext() {
		}
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// processNext starts the highest-priority item if admission allows it.
func (q *Queue) processNext() bool {
	q.mu.Lock()
	limit := q.opts.MaxConcurrent
	if limit < 1 {
		limit = 1
	}
	if q.stopped || q.paused || q.suspended || len(q.items) == 0 || len(q.active) >= limit {
		q.mu.Unlock()
		return false
	}

	item := q.items[0]
	q.items = q.items[1:]
	item.Status = models.QueueStatusActive
	ctx, cancel := context.WithCancelCause(q.ctx)
	q.active[item.DownloadID] = &runningItem{item: item, cancel: cancel}
	q.scheduleSnapshotLocked()
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer cancel(nil)
		res := q.runItem(ctx, *item)
		q.finish(item, res)
	}()
	return true
}

func (q *Queue) runItem(ctx context.Context, item models.QueueItem) models.DownloadResult {
	o := DownloadOptions{PauseOnRecoverableError: q.opts.PauseOnRecoverableError}
	log := q.log.With().Str("download_id", string(item.DownloadID)).Logger()

	if item.Resume {
		log.Debug().Msg("Resuming download from stored context")
		return q.manager.Resume(ctx, item.DownloadID, o)
	}

	log.Debug().Str("url", item.ChapterURL).Msg("Requesting access token")
	capture, err := q.broker.Intercept(ctx, item.ChapterURL, q.opts.TokenTimeout)
	if _, held := pausedBy(ctx); held {
		log.Debug().Msg("Held before download started")
		return models.DownloadResult{DownloadID: item.DownloadID, Status: models.StatusPaused}
	}
	if err != nil {
		return q.manager.FailWithoutToken(ctx, item, err)
	}

	return q.manager.Download(ctx, models.DownloadContext{
		SeriesID:      item.SeriesID,
		SeriesTitle:   item.SeriesTitle,
		ChapterNumber: item.ChapterNumber,
		ContentID:     capture.ContentID,
		AccessToken:   capture.AccessToken,
		RefererURL:    item.ChapterURL,
	}, o)
}

func (q *Queue) finish(item *models.QueueItem, res models.DownloadResult) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	var heldFor models.PauseReason
	if running, ok := q.active[item.DownloadID]; ok {
		heldFor = running.held
	}
	delete(q.active, item.DownloadID)
	now := time.Now()
	q.lastProcessed = &now

	var requeue *models.QueueItem
	switch res.Status {
	case models.StatusCompleted:
		delete(q.failed, item.DownloadID)
	case models.StatusFailed:
		if item.Resume && res.Error != nil && tokenExpired(res.Error.StatusCode) {
			// The stored token no longer works; mint a new one.
			fresh := *item
			fresh.Resume = false
			fresh.AddedAt = now
			requeue = &fresh
		} else {
			failed := *item
			failed.Status = models.QueueStatusQueued
			failed.Resume = false
			q.failed[item.DownloadID] = &failed
		}
	}
	pending, resumeAsked := q.pendingResume[item.DownloadID]
	if resumeAsked {
		delete(q.pendingResume, item.DownloadID)
		if requeue == nil && res.Status == models.StatusPaused {
			requeue = pending
		}
	}
	top := q.topPriorityLocked()
	q.scheduleSnapshotLocked()
	q.mu.Unlock()

	if requeue == nil && res.Status == models.StatusPaused && heldFor != "" &&
		!q.manager.holdPaused(item.DownloadID, heldFor) {
		// Held before the Manager kept any context; start over with a new
		// token once admission opens again.
		fresh := *item
		fresh.Resume = false
		fresh.Progress = 0
		fresh.Priority = top + 1
		requeue = &fresh
	}

	q.log.Info().
		Str("download_id", string(item.DownloadID)).
		Str("status", string(res.Status)).
		Int("attempts", res.Attempts).
		Msg("Queue item finished")

	if requeue != nil {
		requeue.Status = models.QueueStatusQueued
		q.Enqueue(*requeue)
	}
	q.signal()
}

func tokenExpired(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

func (q *Queue) containsLocked(id models.DownloadID) bool {
	if _, ok := q.active[id]; ok {
		return true
	}
	for _, it := range q.items {
		if it.DownloadID == id {
			return true
		}
	}
	return false
}

// sortLocked orders by priority, highest first, then by arrival.
func (q *Queue) sortLocked() {
	sort.SliceStable(q.items, func(i, j int) bool {
		a, b := q.items[i], q.items[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.AddedAt.Before(b.AddedAt)
	})
}

func (q *Queue) topPriorityLocked() int {
	top := 0
	for _, it := range q.items {
		if it.Priority > top {
			top = it.Priority
		}
	}
	for _, r := range q.active {
		if r.item.Priority > top {
			top = r.item.Priority
		}
	}
	return top
}

func (q *Queue) itemsLocked() []models.QueueItem {
	out := make([]models.QueueItem, 0, len(q.active)+len(q.items))
	running := make([]models.QueueItem, 0, len(q.active))
	for _, r := range q.active {
		running = append(running, *r.item)
	}
	sort.Slice(running, func(i, j int) bool { return running[i].DownloadID < running[j].DownloadID })
	out = append(out, running...)
	for _, it := range q.items {
		out = append(out, *it)
	}
	return out
}

func (q *Queue) snapshotLocked() QueueSnapshot {
	snap := QueueSnapshot{
		Items:    q.itemsLocked(),
		IsPaused: q.paused,
	}
	if q.lastProcessed != nil {
		t := *q.lastProcessed
		snap.LastProcessed = &t
	}
	for _, it := range q.failed {
		snap.Failed = append(snap.Failed, *it)
	}
	sort.Slice(snap.Failed, func(i, j int) bool { return snap.Failed[i].DownloadID < snap.Failed[j].DownloadID })
	return snap
}

func (q *Queue) scheduleSnapshotLocked() {
	if q.snap == nil || q.stopped {
		return
	}
	q.snap.Schedule(q.snapshotLocked())
}
