package library

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrsandeep/chapterdl/internal/models"
	"github.com/vrsandeep/chapterdl/internal/testutil"
)

func TestWatcher_ReportsExternalRemoval(t *testing.T) {
	ctx := context.Background()
	lib, st := newTestLibrary(t, 0)
	require.NoError(t, lib.Save(ctx, "s1", "", 3, testutil.CompletedImages(t, 1)))

	var mu sync.Mutex
	var removed []models.StoredChapter
	w := NewWatcherService(lib.Root(), st, func(c models.StoredChapter) {
		mu.Lock()
		removed = append(removed, c)
		mu.Unlock()
	}, zerolog.Nop())
	w.SetDebounce(20 * time.Millisecond)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.Remove(ChapterPath(lib.Root(), "s1", 3)))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(removed) == 1
	}, 3*time.Second, 20*time.Millisecond)

	exists, err := st.ChapterExists(ctx, "s1", 3)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestWatcher_IgnoresLibraryDeletes(t *testing.T) {
	ctx := context.Background()
	lib, st := newTestLibrary(t, 0)
	require.NoError(t, lib.Save(ctx, "s1", "", 1, testutil.CompletedImages(t, 1)))

	called := make(chan struct{}, 1)
	w := NewWatcherService(lib.Root(), st, func(models.StoredChapter) { called <- struct{}{} }, zerolog.Nop())
	w.SetDebounce(10 * time.Millisecond)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, lib.Delete(ctx, "s1", 1))

	select {
	case <-called:
		t.Fatal("watcher should not report a delete done through the library")
	case <-time.After(200 * time.Millisecond):
	}
}
