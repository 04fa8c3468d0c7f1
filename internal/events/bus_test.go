package events

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/vrsandeep/chapterdl/internal/models"
)

func event(seriesID string, chapter float64, typ models.EventType) models.ChapterEvent {
	return models.ChapterEvent{
		Type:          typ,
		DownloadID:    models.NewDownloadID(seriesID, chapter),
		SeriesID:      seriesID,
		ChapterNumber: chapter,
	}
}

func TestBus_RoutesByChapter(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var got []models.EventType
	bus.Subscribe("s1", 1, func(e models.ChapterEvent) { got = append(got, e.Type) })

	bus.Publish(event("s1", 1, models.EventStarted))
	bus.Publish(event("s1", 2, models.EventStarted))
	bus.Publish(event("s2", 1, models.EventStarted))
	bus.Publish(event("s1", 1, models.EventCompleted))

	assert.Equal(t, []models.EventType{models.EventStarted, models.EventCompleted}, got)
}

func TestBus_GlobalListenersSeeEverything(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	count := 0
	unsubscribe := bus.SubscribeAll(func(models.ChapterEvent) { count++ })

	bus.Publish(event("s1", 1, models.EventStarted))
	bus.Publish(event("s2", 7.5, models.EventDeleted))
	assert.Equal(t, 2, count)

	unsubscribe()
	bus.Publish(event("s1", 1, models.EventCompleted))
	assert.Equal(t, 2, count)
}

func TestBus_DisposerRemovesOnlyItsOwnSubscription(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	calls := 0
	fn := func(models.ChapterEvent) { calls++ }

	first := bus.Subscribe("s1", 1, fn)
	bus.Subscribe("s1", 1, fn)
	assert.Equal(t, 2, bus.ListenerCount("s1", 1))

	first()
	first()
	assert.Equal(t, 1, bus.ListenerCount("s1", 1))

	bus.Publish(event("s1", 1, models.EventProgress))
	assert.Equal(t, 1, calls)
}

func TestBus_SlotsAreReused(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	a := bus.Subscribe("s1", 1, func(models.ChapterEvent) {})
	a()
	var hit bool
	bus.Subscribe("s2", 2, func(models.ChapterEvent) { hit = true })

	assert.Len(t, bus.slots, 1)
	bus.Publish(event("s2", 2, models.EventStarted))
	assert.True(t, hit)
	assert.Zero(t, bus.ListenerCount("s1", 1))
}

func TestBus_PanickingListenerDoesNotStopDelivery(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	delivered := false
	bus.Subscribe("s1", 1, func(models.ChapterEvent) { panic("bad listener") })
	bus.SubscribeAll(func(models.ChapterEvent) { delivered = true })

	assert.NotPanics(t, func() { bus.Publish(event("s1", 1, models.EventFailed)) })
	assert.True(t, delivered)
}

func TestBus_ConcurrentUse(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			dispose := bus.Subscribe("s1", 1, func(models.ChapterEvent) {})
			dispose()
		}()
		go func() {
			defer wg.Done()
			bus.Publish(event("s1", 1, models.EventProgress))
		}()
	}
	wg.Wait()
	assert.Zero(t, bus.ListenerCount("s1", 1))
}
