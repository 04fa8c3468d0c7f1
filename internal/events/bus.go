// Package events is an in-process publish/subscribe bus for chapter lifecycle
// events.
package events

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/vrsandeep/chapterdl/internal/models"
)

// Listener receives chapter events. Listeners run synchronously on the
// publisher's goroutine and must not block.
type Listener func(models.ChapterEvent)

type chapterKey struct {
	seriesID      string
	chapterNumber float64
}

type slot struct {
	key    chapterKey
	global bool
	fn     Listener
	live   bool
}

// Bus routes events to listeners registered for a chapter and to global
// listeners. Each subscription owns one slot; its disposer frees exactly that
// slot, so registering the same function twice yields two independent
// subscriptions.
type Bus struct {
	mu     sync.RWMutex
	slots  []slot
	free   []int
	byKey  map[chapterKey]map[int]struct{}
	global map[int]struct{}
	log    zerolog.Logger
}

func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		byKey:  make(map[chapterKey]map[int]struct{}),
		global: make(map[int]struct{}),
		log:    log,
	}
}

// Subscribe registers fn for events of one chapter. The returned function
// removes the subscription and is safe to call more than once.
func (b *Bus) Subscribe(seriesID string, chapterNumber float64, fn Listener) func() {
	key := chapterKey{seriesID, chapterNumber}

	b.mu.Lock()
	idx := b.alloc(slot{key: key, fn: fn, live: true})
	set, ok := b.byKey[key]
	if !ok {
		set = make(map[int]struct{})
		b.byKey[key] = set
	}
	set[idx] = struct{}{}
	b.mu.Unlock()

	return b.disposer(idx)
}

// SubscribeAll registers fn for every event.
func (b *Bus) SubscribeAll(fn Listener) func() {
	b.mu.Lock()
	idx := b.alloc(slot{global: true, fn: fn, live: true})
	b.global[idx] = struct{}{}
	b.mu.Unlock()

	return b.disposer(idx)
}

// Publish delivers e to the chapter's listeners and then to the global ones.
// A panicking listener is logged and does not stop delivery.
func (b *Bus) Publish(e models.ChapterEvent) {
	key := chapterKey{e.SeriesID, e.ChapterNumber}

	b.mu.RLock()
	targets := make([]Listener, 0, len(b.byKey[key])+len(b.global))
	for idx := range b.byKey[key] {
		targets = append(targets, b.slots[idx].fn)
	}
	for idx := range b.global {
		targets = append(targets, b.slots[idx].fn)
	}
	b.mu.RUnlock()

	for _, fn := range targets {
		b.deliver(fn, e)
	}
}

// ListenerCount reports the live subscriptions for a chapter, global ones
// excluded.
func (b *Bus) ListenerCount(seriesID string, chapterNumber float64) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byKey[chapterKey{seriesID, chapterNumber}])
}

func (b *Bus) deliver(fn Listener, e models.ChapterEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Interface("panic", r).
				Str("download_id", string(e.DownloadID)).
				Str("event", string(e.Type)).
				Msg("Event listener panicked")
		}
	}()
	fn(e)
}

func (b *Bus) alloc(s slot) int {
	if n := len(b.free); n > 0 {
		idx := b.free[n-1]
		b.free = b.free[:n-1]
		b.slots[idx] = s
		return idx
	}
	b.slots = append(b.slots, s)
	return len(b.slots) - 1
}

func (b *Bus) disposer(idx int) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			s := b.slots[idx]
			if !s.live {
				return
			}
			if s.global {
				delete(b.global, idx)
			} else if set := b.byKey[s.key]; set != nil {
				delete(set, idx)
				if len(set) == 0 {
					delete(b.byKey, s.key)
				}
			}
			b.slots[idx] = slot{}
			b.free = append(b.free, idx)
		})
	}
}
