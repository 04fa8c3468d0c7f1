package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/vrsandeep/chapterdl/internal/store"
	"github.com/vrsandeep/chapterdl/internal/testutil"
)

func TestBadChapterStore(t *testing.T) {
	ctx := context.Background()
	s := store.New(testutil.SetupTestDB(t))

	if err := s.InsertChapter(ctx, storedChapter("s1", 4, 10, time.Now())); err != nil {
		t.Fatalf("Failed to insert chapter: %v", err)
	}

	t.Run("RecordBadChapter", func(t *testing.T) {
		if err := s.RecordBadChapter(ctx, "s1", 4, "/lib/s1/4.cbz", 20, "2 of 10 pages readable"); err != nil {
			t.Fatalf("Failed to record bad chapter: %v", err)
		}

		bad, err := s.ListBadChapters(ctx)
		if err != nil {
			t.Fatalf("Failed to list bad chapters: %v", err)
		}
		if len(bad) != 1 {
			t.Fatalf("Expected 1 bad chapter, got %d", len(bad))
		}
		if bad[0].IntegrityScore != 20 {
			t.Errorf("Expected score 20, got %d", bad[0].IntegrityScore)
		}
		if bad[0].DetectedAt.IsZero() {
			t.Error("Expected DetectedAt to be set")
		}
	})

	t.Run("RecordBadChapter_ReplaceExisting", func(t *testing.T) {
		if err := s.RecordBadChapter(ctx, "s1", 4, "/lib/s1/4.cbz", 40, "4 of 10 pages readable"); err != nil {
			t.Fatalf("Failed to refresh bad chapter: %v", err)
		}
		count, err := s.CountBadChapters(ctx)
		if err != nil {
			t.Fatalf("Failed to count bad chapters: %v", err)
		}
		if count != 1 {
			t.Errorf("Expected 1 bad chapter after refresh, got %d", count)
		}
		bad, _ := s.ListBadChapters(ctx)
		if bad[0].Issue != "4 of 10 pages readable" {
			t.Errorf("Expected refreshed issue, got %q", bad[0].Issue)
		}
	})

	t.Run("ClearBadChapter", func(t *testing.T) {
		if err := s.ClearBadChapter(ctx, "s1", 4); err != nil {
			t.Fatalf("Failed to clear bad chapter: %v", err)
		}
		count, _ := s.CountBadChapters(ctx)
		if count != 0 {
			t.Errorf("Expected 0 bad chapters, got %d", count)
		}
	})
}
