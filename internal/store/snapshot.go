package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SnapshotWriter coalesces frequent state changes into one write per delay
// window. Only the latest scheduled value is written.
type SnapshotWriter struct {
	store *Store
	key   string
	delay time.Duration
	log   zerolog.Logger

	// writeMu keeps writes in the order their values were taken.
	writeMu sync.Mutex
	mu      sync.Mutex
	pending interface{}
	dirty   bool
	timer   *time.Timer
}

func NewSnapshotWriter(s *Store, key string, delay time.Duration, log zerolog.Logger) *SnapshotWriter {
	return &SnapshotWriter{store: s, key: key, delay: delay, log: log}
}

// Schedule records v as the next value to persist. v must not be mutated by
// the caller afterwards.
func (w *SnapshotWriter) Schedule(v interface{}) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = v
	w.dirty = true
	if w.delay <= 0 {
		go w.flushLogged()
		return
	}
	if w.timer == nil {
		w.timer = time.AfterFunc(w.delay, w.flushLogged)
	}
}

// Flush writes the pending value now, if any.
func (w *SnapshotWriter) Flush(ctx context.Context) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if !w.dirty {
		w.mu.Unlock()
		return nil
	}
	v := w.pending
	w.pending, w.dirty = nil, false
	w.mu.Unlock()

	return w.store.PutState(ctx, w.key, v)
}

func (w *SnapshotWriter) flushLogged() {
	if err := w.Flush(context.Background()); err != nil {
		w.log.Error().Err(err).Str("key", w.key).Msg("Failed to persist snapshot")
	}
}
