// This file handles database operations for stored chapters that failed
// integrity validation.

package store

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/vrsandeep/chapterdl/internal/models"
)

// RecordBadChapter adds or refreshes the validation failure for a chapter.
// The original detection time is kept on refresh.
func (s *Store) RecordBadChapter(ctx context.Context, seriesID string, chapterNumber float64, path string, score int, issue string) error {
	now := time.Now()
	query, args, err := s.sb.Insert("bad_chapters").
		Columns("series_id", "chapter_number", "path", "integrity_score", "issue", "detected_at", "last_checked").
		Values(seriesID, chapterNumber, path, score, issue, now, now).
		Suffix(`ON CONFLICT(series_id, chapter_number) DO UPDATE SET
			path = excluded.path,
			integrity_score = excluded.integrity_score,
			issue = excluded.issue,
			last_checked = excluded.last_checked`).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to record bad chapter: %w", err)
	}
	return nil
}

// ListBadChapters returns every recorded failure, newest first.
func (s *Store) ListBadChapters(ctx context.Context) ([]*models.BadChapter, error) {
	query, args, err := s.sb.Select("id", "series_id", "chapter_number", "path", "integrity_score", "issue", "detected_at", "last_checked").
		From("bad_chapters").
		OrderBy("detected_at DESC", "id DESC").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bad chapters: %w", err)
	}
	defer rows.Close()

	// Initialize with an empty slice to ensure it's never nil
	bad := make([]*models.BadChapter, 0)
	for rows.Next() {
		b := &models.BadChapter{}
		if err := rows.Scan(&b.ID, &b.SeriesID, &b.ChapterNumber, &b.Path, &b.IntegrityScore, &b.Issue, &b.DetectedAt, &b.LastChecked); err != nil {
			return nil, fmt.Errorf("failed to scan bad chapter row: %w", err)
		}
		bad = append(bad, b)
	}
	return bad, rows.Err()
}

// ClearBadChapter removes the failure record for a chapter, e.g. after it
// validated cleanly.
func (s *Store) ClearBadChapter(ctx context.Context, seriesID string, chapterNumber float64) error {
	query, args, err := s.sb.Delete("bad_chapters").
		Where(sq.Eq{"series_id": seriesID, "chapter_number": chapterNumber}).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to clear bad chapter: %w", err)
	}
	return nil
}

// CountBadChapters returns the number of recorded failures.
func (s *Store) CountBadChapters(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM bad_chapters").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count bad chapters: %w", err)
	}
	return count, nil
}
