package library

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrsandeep/chapterdl/internal/models"
	"github.com/vrsandeep/chapterdl/internal/store"
	"github.com/vrsandeep/chapterdl/internal/testutil"
)

func newTestLibrary(t *testing.T, quota int64) (*Library, *store.Store) {
	t.Helper()
	st := store.New(testutil.SetupTestDB(t))
	lib, err := New(t.TempDir(), quota, st, zerolog.Nop())
	require.NoError(t, err)
	return lib, st
}

func TestLibrary_SaveAndRead(t *testing.T) {
	ctx := context.Background()
	lib, _ := newTestLibrary(t, 0)

	images := testutil.CompletedImages(t, 3)
	images[1].DownloadStatus = models.ImageFailed
	images[1].Data = nil

	require.NoError(t, lib.Save(ctx, "series/one", "Series One", 7, images))

	ok, err := lib.IsDownloaded(ctx, "series/one", 7)
	require.NoError(t, err)
	assert.True(t, ok)

	path := ChapterPath(lib.Root(), "series/one", 7)
	assert.FileExists(t, path)
	assert.Equal(t, "series-one", filepath.Base(filepath.Dir(path)))

	got, err := lib.GetImages(ctx, "series/one", 7)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, models.ImageFailed, got[1].DownloadStatus)
	assert.Nil(t, got[0].Data)

	pages, err := lib.ReadPages(ctx, "series/one", 7)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, images[0].Data, pages[0])
	assert.Equal(t, images[2].Data, pages[1])

	c, err := lib.Chapter(ctx, "series/one", 7)
	require.NoError(t, err)
	assert.Equal(t, 2, c.PageCount)
	assert.Equal(t, 1, c.FailedPages)
	assert.Contains(t, c.Thumbnail, "data:image/jpeg;base64,")
}

func TestLibrary_SaveExistingIsRejected(t *testing.T) {
	ctx := context.Background()
	lib, _ := newTestLibrary(t, 0)

	require.NoError(t, lib.Save(ctx, "s1", "", 1, testutil.CompletedImages(t, 2)))
	err := lib.Save(ctx, "s1", "", 1, testutil.CompletedImages(t, 5))
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	pages, err := lib.ReadPages(ctx, "s1", 1)
	require.NoError(t, err)
	assert.Len(t, pages, 2)
}

func TestLibrary_SaveRespectsQuota(t *testing.T) {
	lib, _ := newTestLibrary(t, 10)

	err := lib.Save(context.Background(), "s1", "", 1, testutil.CompletedImages(t, 2))
	var dlErr *models.DownloadError
	require.True(t, errors.As(err, &dlErr))
	assert.Equal(t, models.ErrorStorageFull, dlErr.Kind)
	assert.False(t, dlErr.Retryable)
}

func TestLibrary_SaveWithoutPages(t *testing.T) {
	lib, _ := newTestLibrary(t, 0)
	err := lib.Save(context.Background(), "s1", "", 1, []models.ImageDescriptor{{PageNumber: 1, DownloadStatus: models.ImageFailed}})
	require.Error(t, err)
}

func TestLibrary_DeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	lib, _ := newTestLibrary(t, 0)
	require.NoError(t, lib.Save(ctx, "s1", "", 1, testutil.CompletedImages(t, 1)))

	require.NoError(t, lib.Delete(ctx, "s1", 1))
	require.NoError(t, lib.Delete(ctx, "s1", 1))

	ok, err := lib.IsDownloaded(ctx, "s1", 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoDirExists(t, filepath.Join(lib.Root(), "s1"))
}

func TestLibrary_StatsAndCleanup(t *testing.T) {
	ctx := context.Background()
	lib, _ := newTestLibrary(t, 1<<20)

	_, err := lib.Stats(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, lib.CleanupOldest(ctx), ErrNoChapters)

	require.NoError(t, lib.Save(ctx, "old", "", 1, testutil.CompletedImages(t, 1)))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, lib.Save(ctx, "new", "", 1, testutil.CompletedImages(t, 1)))

	stats, err := lib.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalChapters)
	assert.Equal(t, int64(1<<20)-stats.TotalSize, stats.AvailableSpace)

	require.NoError(t, lib.CleanupOldest(ctx))

	ok, _ := lib.IsDownloaded(ctx, "old", 1)
	assert.False(t, ok)
	ok, _ = lib.IsDownloaded(ctx, "new", 1)
	assert.True(t, ok)
}

func TestLibrary_IsDownloadedDropsMissingArchive(t *testing.T) {
	ctx := context.Background()
	lib, st := newTestLibrary(t, 0)
	require.NoError(t, lib.Save(ctx, "s1", "", 2, testutil.CompletedImages(t, 1)))

	require.NoError(t, os.Remove(ChapterPath(lib.Root(), "s1", 2)))

	ok, err := lib.IsDownloaded(ctx, "s1", 2)
	require.NoError(t, err)
	assert.False(t, ok)

	exists, err := st.ChapterExists(ctx, "s1", 2)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "a-b", SanitizeName("a/b"))
	assert.Equal(t, "hidden", SanitizeName("..hidden"))
	assert.Equal(t, "untitled", SanitizeName("///"))
}
