// This file manages the catalogue of chapters stored in the library.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/vrsandeep/chapterdl/internal/models"
)

var chapterColumns = []string{
	"series_id", "series_title", "chapter_number", "path", "page_count",
	"failed_pages", "size_bytes", "pages", "thumbnail", "created_at",
}

// InsertChapter catalogues a stored chapter. It returns ErrAlreadyExists if
// the (series, chapter) pair is already present.
func (s *Store) InsertChapter(ctx context.Context, c *models.StoredChapter) error {
	pages, err := json.Marshal(c.Pages)
	if err != nil {
		return fmt.Errorf("failed to encode pages: %w", err)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}

	query, args, err := s.sb.Insert("chapters").
		Columns(chapterColumns...).
		Values(c.SeriesID, c.SeriesTitle, c.ChapterNumber, c.Path, c.PageCount,
			c.FailedPages, c.SizeBytes, string(pages), c.Thumbnail, c.CreatedAt).
		Suffix("ON CONFLICT(series_id, chapter_number) DO NOTHING").
		ToSql()
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to insert chapter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// GetChapter returns a catalogued chapter or ErrNotFound.
func (s *Store) GetChapter(ctx context.Context, seriesID string, chapterNumber float64) (*models.StoredChapter, error) {
	query, args, err := s.sb.Select(chapterColumns...).
		From("chapters").
		Where(sq.Eq{"series_id": seriesID, "chapter_number": chapterNumber}).
		ToSql()
	if err != nil {
		return nil, err
	}

	c, err := scanChapter(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// GetChapterByPath looks a chapter up by its archive path.
func (s *Store) GetChapterByPath(ctx context.Context, path string) (*models.StoredChapter, error) {
	query, args, err := s.sb.Select(chapterColumns...).
		From("chapters").
		Where(sq.Eq{"path": path}).
		ToSql()
	if err != nil {
		return nil, err
	}

	c, err := scanChapter(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// ChapterExists reports whether the chapter is catalogued.
func (s *Store) ChapterExists(ctx context.Context, seriesID string, chapterNumber float64) (bool, error) {
	query, args, err := s.sb.Select("COUNT(*)").
		From("chapters").
		Where(sq.Eq{"series_id": seriesID, "chapter_number": chapterNumber}).
		ToSql()
	if err != nil {
		return false, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteChapter removes the catalogue row. Deleting a missing chapter is
// not an error; the return value reports whether a row was removed.
func (s *Store) DeleteChapter(ctx context.Context, seriesID string, chapterNumber float64) (bool, error) {
	query, args, err := s.sb.Delete("chapters").
		Where(sq.Eq{"series_id": seriesID, "chapter_number": chapterNumber}).
		ToSql()
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to delete chapter: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListChapters returns catalogued chapters ordered by series and chapter
// number. An empty seriesID lists every series.
func (s *Store) ListChapters(ctx context.Context, seriesID string) ([]*models.StoredChapter, error) {
	b := s.sb.Select(chapterColumns...).From("chapters").OrderBy("series_id ASC", "chapter_number ASC")
	if seriesID != "" {
		b = b.Where(sq.Eq{"series_id": seriesID})
	}
	return s.queryChapters(ctx, b)
}

// OldestChapter returns the chapter stored first, or ErrNotFound when the
// catalogue is empty.
func (s *Store) OldestChapter(ctx context.Context) (*models.StoredChapter, error) {
	chapters, err := s.queryChapters(ctx, s.sb.Select(chapterColumns...).
		From("chapters").
		OrderBy("created_at ASC", "series_id ASC", "chapter_number ASC").
		Limit(1))
	if err != nil {
		return nil, err
	}
	if len(chapters) == 0 {
		return nil, ErrNotFound
	}
	return chapters[0], nil
}

// ChapterTotals returns the number of catalogued chapters and their total
// size in bytes.
func (s *Store) ChapterTotals(ctx context.Context) (int, int64, error) {
	query, args, err := s.sb.Select("COUNT(*)", "COALESCE(SUM(size_bytes), 0)").From("chapters").ToSql()
	if err != nil {
		return 0, 0, err
	}
	var count int
	var size int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count, &size); err != nil {
		return 0, 0, err
	}
	return count, size, nil
}

func (s *Store) queryChapters(ctx context.Context, b sq.SelectBuilder) ([]*models.StoredChapter, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chapters: %w", err)
	}
	defer rows.Close()

	chapters := make([]*models.StoredChapter, 0)
	for rows.Next() {
		c, err := scanChapter(rows)
		if err != nil {
			return nil, err
		}
		chapters = append(chapters, c)
	}
	return chapters, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChapter(row rowScanner) (*models.StoredChapter, error) {
	var c models.StoredChapter
	var pages string
	err := row.Scan(&c.SeriesID, &c.SeriesTitle, &c.ChapterNumber, &c.Path, &c.PageCount,
		&c.FailedPages, &c.SizeBytes, &pages, &c.Thumbnail, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	if pages != "" {
		if err := json.Unmarshal([]byte(pages), &c.Pages); err != nil {
			return nil, fmt.Errorf("failed to decode pages for %s/%s: %w",
				c.SeriesID, models.FormatChapterNumber(c.ChapterNumber), err)
		}
	}
	return &c, nil
}
