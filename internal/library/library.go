// Package library stores downloaded chapters as .cbz archives on disk and
// keeps the chapter catalogue in the database in step with them.
package library

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vrsandeep/chapterdl/internal/models"
	"github.com/vrsandeep/chapterdl/internal/store"
)

// ErrNoChapters is returned by CleanupOldest when there is nothing to evict.
var ErrNoChapters = errors.New("library has no chapters to clean up")

// Library is the on-disk ChapterStore.
type Library struct {
	root  string
	quota int64
	store *store.Store
	log   zerolog.Logger

	// mu serializes writes so space checks and catalogue updates agree.
	mu sync.Mutex
}

// New returns a library rooted at root. quota caps the total archive size;
// zero or less means unlimited.
func New(root string, quota int64, st *store.Store, log zerolog.Logger) (*Library, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create library root: %w", err)
	}
	return &Library{root: root, quota: quota, store: st, log: log}, nil
}

// Root is the library directory.
func (l *Library) Root() string { return l.root }

// IsDownloaded reports whether the chapter is catalogued and its archive is
// still on disk. A catalogue row whose archive vanished is dropped.
func (l *Library) IsDownloaded(ctx context.Context, seriesID string, chapterNumber float64) (bool, error) {
	c, err := l.store.GetChapter(ctx, seriesID, chapterNumber)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, statErr := os.Stat(c.Path); statErr != nil {
		if os.IsNotExist(statErr) {
			l.log.Warn().Str("path", c.Path).Msg("Catalogued chapter missing on disk, dropping row")
			_, err := l.store.DeleteChapter(ctx, seriesID, chapterNumber)
			return false, err
		}
		return false, statErr
	}
	return true, nil
}

// GetImages returns the page descriptors recorded when the chapter was
// saved.
func (l *Library) GetImages(ctx context.Context, seriesID string, chapterNumber float64) ([]models.ImageDescriptor, error) {
	c, err := l.store.GetChapter(ctx, seriesID, chapterNumber)
	if err != nil {
		return nil, err
	}
	return c.Pages, nil
}

// Chapter returns the catalogue row for a stored chapter.
func (l *Library) Chapter(ctx context.Context, seriesID string, chapterNumber float64) (*models.StoredChapter, error) {
	return l.store.GetChapter(ctx, seriesID, chapterNumber)
}

// Chapters lists stored chapters, optionally for one series.
func (l *Library) Chapters(ctx context.Context, seriesID string) ([]*models.StoredChapter, error) {
	return l.store.ListChapters(ctx, seriesID)
}

// Save packs the completed images into the chapter archive and catalogues
// it. Images without data are recorded as failed pages. Saving a chapter that
// already exists returns store.ErrAlreadyExists and leaves it untouched.
func (l *Library) Save(ctx context.Context, seriesID, seriesTitle string, chapterNumber float64, images []models.ImageDescriptor) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	exists, err := l.store.ChapterExists(ctx, seriesID, chapterNumber)
	if err != nil {
		return err
	}
	if exists {
		return store.ErrAlreadyExists
	}

	var completed []models.ImageDescriptor
	var required int64
	pages := make([]models.ImageDescriptor, 0, len(images))
	failed := 0
	for _, img := range images {
		meta := img
		meta.Data = nil
		if img.DownloadStatus == models.ImageCompleted && len(img.Data) > 0 {
			completed = append(completed, img)
			required += int64(len(img.Data))
			meta.FileSizeBytes = int64(len(img.Data))
		} else {
			meta.DownloadStatus = models.ImageFailed
			failed++
		}
		pages = append(pages, meta)
	}
	if len(completed) == 0 {
		return &models.DownloadError{Kind: models.ErrorParsing, Message: "no completed pages to save", Retryable: true}
	}

	stats, err := l.stats(ctx)
	if err != nil {
		return err
	}
	if stats.AvailableSpace < required {
		return &models.DownloadError{
			Kind:          models.ErrorStorageFull,
			Message:       fmt.Sprintf("insufficient storage space: need %d bytes, %d available", required, stats.AvailableSpace),
			SeriesID:      seriesID,
			ChapterNumber: chapterNumber,
		}
	}

	dest := ChapterPath(l.root, seriesID, chapterNumber)
	size, err := writeArchive(ctx, dest, completed)
	if err != nil {
		return err
	}

	thumb, err := GenerateThumbnail(completed[0].Data)
	if err != nil {
		l.log.Debug().Err(err).Str("path", dest).Msg("Could not generate chapter thumbnail")
	}

	row := &models.StoredChapter{
		SeriesID:      seriesID,
		SeriesTitle:   seriesTitle,
		ChapterNumber: chapterNumber,
		Path:          dest,
		PageCount:     len(completed),
		FailedPages:   failed,
		SizeBytes:     size,
		Pages:         pages,
		Thumbnail:     thumb,
		CreatedAt:     time.Now(),
	}
	if err := l.store.InsertChapter(ctx, row); err != nil {
		os.Remove(dest)
		return err
	}

	l.log.Info().
		Str("series_id", seriesID).
		Float64("chapter", chapterNumber).
		Int("pages", len(completed)).
		Int("failed_pages", failed).
		Int64("bytes", size).
		Msg("Chapter saved")
	return nil
}

// Delete removes the chapter's catalogue row and archive. Deleting a chapter
// that is not stored is not an error.
func (l *Library) Delete(ctx context.Context, seriesID string, chapterNumber float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delete(ctx, seriesID, chapterNumber)
}

func (l *Library) delete(ctx context.Context, seriesID string, chapterNumber float64) error {
	path := ChapterPath(l.root, seriesID, chapterNumber)
	if c, err := l.store.GetChapter(ctx, seriesID, chapterNumber); err == nil {
		path = c.Path
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	// The row goes first so the watcher does not report this removal.
	if _, err := l.store.DeleteChapter(ctx, seriesID, chapterNumber); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove chapter archive: %w", err)
	}

	// Drop the series directory once it is empty; failure just means it isn't.
	dir := filepath.Dir(path)
	if dir != l.root {
		os.Remove(dir)
	}
	return nil
}

// Stats reports space usage against the quota.
func (l *Library) Stats(ctx context.Context) (models.StorageStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats(ctx)
}

func (l *Library) stats(ctx context.Context) (models.StorageStats, error) {
	count, total, err := l.store.ChapterTotals(ctx)
	if err != nil {
		return models.StorageStats{}, err
	}
	available := int64(math.MaxInt64 / 2)
	if l.quota > 0 {
		available = l.quota - total
		if available < 0 {
			available = 0
		}
	}
	return models.StorageStats{AvailableSpace: available, TotalSize: total, TotalChapters: count}, nil
}

// CleanupOldest evicts the chapter that was stored first.
func (l *Library) CleanupOldest(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	oldest, err := l.store.OldestChapter(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNoChapters
	}
	if err != nil {
		return err
	}

	l.log.Info().
		Str("series_id", oldest.SeriesID).
		Float64("chapter", oldest.ChapterNumber).
		Int64("bytes", oldest.SizeBytes).
		Msg("Evicting oldest chapter to free space")
	return l.delete(ctx, oldest.SeriesID, oldest.ChapterNumber)
}

// ReadPages returns the image bytes of a stored chapter in page order.
func (l *Library) ReadPages(ctx context.Context, seriesID string, chapterNumber float64) ([][]byte, error) {
	c, err := l.store.GetChapter(ctx, seriesID, chapterNumber)
	if err != nil {
		return nil, err
	}
	entries, err := readArchive(ctx, c.Path)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = e.Data
	}
	return out, nil
}
