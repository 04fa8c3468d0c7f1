package downloader

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrsandeep/chapterdl/internal/models"
)

func TestLifecycle_UserPauseIsNotAutoResumed(t *testing.T) {
	h := newHarness(t, testOptions(), 3)
	gate := make(chan struct{})
	h.fetcher.SetGate(gate)
	q, _ := newTestQueue(t, h, nil)
	lc := NewLifecycle(q, h.manager, zerolog.Nop())
	require.NoError(t, q.Start(context.Background()))

	item := queueItem("s", 1, 0, time.Now())
	q.Enqueue(item)
	id := models.NewDownloadID("s", 1)
	require.Eventually(t, func() bool {
		_, ok := h.manager.GetProgress(id)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.manager.PauseDownload(id, models.PauseUser))
	require.Eventually(t, func() bool { return q.ActiveCount() == 0 }, 2*time.Second, 5*time.Millisecond)

	lc.OnSuspend()
	lc.OnResume()
	close(gate)

	assert.Never(t, func() bool {
		return h.extractor.Calls() > 1 || q.Len() > 0 || q.ActiveCount() > 0
	}, 200*time.Millisecond, 10*time.Millisecond)

	rec, ok := h.manager.PausedRecord(id)
	require.True(t, ok)
	assert.Equal(t, models.PauseUser, rec.Reason)
	assert.Equal(t, models.PauseStatusPaused, rec.Status)
}

func TestLifecycle_BackgroundPauseResumesOnForeground(t *testing.T) {
	h := newHarness(t, testOptions(), 3)
	gate := make(chan struct{})
	h.fetcher.SetGate(gate)
	q, broker := newTestQueue(t, h, nil)
	lc := NewLifecycle(q, h.manager, zerolog.Nop())
	require.NoError(t, q.Start(context.Background()))

	q.Enqueue(queueItem("s", 1, 0, time.Now()))
	id := models.NewDownloadID("s", 1)
	require.Eventually(t, func() bool {
		_, ok := h.manager.GetProgress(id)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	lc.OnSuspend()
	require.Eventually(t, func() bool { return q.ActiveCount() == 0 }, 2*time.Second, 5*time.Millisecond)
	rec, ok := h.manager.PausedRecord(id)
	require.True(t, ok)
	assert.Equal(t, models.PauseAppBackgrounded, rec.Reason)

	// Nothing new starts while the app is in the background.
	q.Enqueue(queueItem("s", 2, 0, time.Now()))
	assert.Never(t, func() bool { return len(broker.Calls()) > 1 }, 100*time.Millisecond, 10*time.Millisecond)

	close(gate)
	lc.OnResume()

	require.Eventually(t, func() bool {
		_, first := h.store.Saved("s", 1)
		_, second := h.store.Saved("s", 2)
		return first && second
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, len(broker.Calls()), "the resumed download reuses its token")
	_, ok = h.manager.PausedRecord(id)
	assert.False(t, ok)
	assert.Contains(t, h.events.types(), models.EventResumed)
}

func TestLifecycle_SuspendHoldsItemWaitingForToken(t *testing.T) {
	h := newHarness(t, testOptions(), 3)
	q, broker := newTestQueue(t, h, nil)
	gate := make(chan struct{})
	broker.SetGate(gate)
	lc := NewLifecycle(q, h.manager, zerolog.Nop())
	require.NoError(t, q.Start(context.Background()))

	q.Enqueue(queueItem("s", 1, 0, time.Now()))
	id := models.NewDownloadID("s", 1)
	require.Eventually(t, func() bool { return len(broker.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)

	lc.OnSuspend()
	require.Eventually(t, func() bool { return q.ActiveCount() == 0 && q.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	close(gate)

	assert.Never(t, func() bool {
		_, stored := h.store.Saved("s", 1)
		return stored || h.extractor.Calls() > 0
	}, 200*time.Millisecond, 10*time.Millisecond)
	_, paused := h.manager.PausedRecord(id)
	assert.False(t, paused, "no context was captured to resume from")
	items := q.Items()
	require.Len(t, items, 1)
	assert.Equal(t, id, items[0].DownloadID)
	assert.False(t, items[0].Resume)

	lc.OnResume()
	require.Eventually(t, func() bool {
		_, stored := h.store.Saved("s", 1)
		return stored
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, broker.Calls(), 2, "a held item asks for a new token")
}

func TestLifecycle_SuspendedItemGoesAheadOfWaitingOnes(t *testing.T) {
	h := newHarness(t, testOptions(), 2)
	q, broker := newTestQueue(t, h, nil)
	gate := make(chan struct{})
	broker.SetGate(gate)
	lc := NewLifecycle(q, h.manager, zerolog.Nop())
	require.NoError(t, q.Start(context.Background()))

	q.Enqueue(queueItem("s", 1, 0, time.Now()))
	require.Eventually(t, func() bool { return len(broker.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	q.Enqueue(queueItem("s", 2, 5, time.Now()))

	lc.OnSuspend()
	require.Eventually(t, func() bool { return q.ActiveCount() == 0 && q.Len() == 2 }, 2*time.Second, 5*time.Millisecond)

	items := q.Items()
	assert.Equal(t, models.NewDownloadID("s", 1), items[0].DownloadID)
	assert.Equal(t, 6, items[0].Priority)
	close(gate)
}
