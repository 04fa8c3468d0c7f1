package library

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // Register JPEG decoder

	"github.com/rs/zerolog"

	"github.com/vrsandeep/chapterdl/internal/models"
	"github.com/vrsandeep/chapterdl/internal/store"
)

// Validator scores stored chapters by the share of expected pages that are
// present and readable.
type Validator struct {
	lib             *Library
	store           *store.Store
	redownloadBelow int
	reviewBelow     int
	log             zerolog.Logger
}

// NewValidator returns a validator. Scores under redownloadBelow recommend a
// redownload, scores under reviewBelow a review.
func NewValidator(lib *Library, st *store.Store, redownloadBelow, reviewBelow int, log zerolog.Logger) *Validator {
	return &Validator{
		lib:             lib,
		store:           st,
		redownloadBelow: redownloadBelow,
		reviewBelow:     reviewBelow,
		log:             log,
	}
}

// Check validates a stored chapter and records the outcome in the bad
// chapter table. A chapter that is not stored scores zero.
func (v *Validator) Check(ctx context.Context, seriesID string, chapterNumber float64, opts models.ValidationOptions) (*models.ValidationResult, error) {
	c, err := v.store.GetChapter(ctx, seriesID, chapterNumber)
	if errors.Is(err, store.ErrNotFound) {
		return v.score(0, opts.ExpectedPages, []string{"chapter is not stored"}), nil
	}
	if err != nil {
		return nil, err
	}

	expected := opts.ExpectedPages
	if expected <= 0 {
		expected = len(c.Pages)
	}
	if expected <= 0 {
		expected = c.PageCount
	}

	var issues []string
	if c.FailedPages > 0 {
		issues = append(issues, fmt.Sprintf("%d pages failed to download", c.FailedPages))
	}

	entries, err := readArchive(ctx, c.Path)
	if err != nil {
		res := v.score(0, expected, append(issues, err.Error()))
		v.record(ctx, c, res)
		return res, nil
	}

	valid := 0
	seen := make(map[int]bool, len(entries))
	for _, e := range entries {
		if n, ok := pageNumberFromName(e.Name); ok {
			if seen[n] {
				issues = append(issues, fmt.Sprintf("duplicate page %d", n))
				continue
			}
			seen[n] = true
		}
		if len(e.Data) == 0 {
			issues = append(issues, fmt.Sprintf("%s is empty", e.Name))
			continue
		}
		if opts.Deep && !decodable(e.Data) {
			issues = append(issues, fmt.Sprintf("%s is not a readable image", e.Name))
			continue
		}
		valid++
	}

	res := v.score(valid, expected, issues)
	v.record(ctx, c, res)
	return res, nil
}

func (v *Validator) score(valid, expected int, issues []string) *models.ValidationResult {
	score := 0
	if expected > 0 {
		score = valid * 100 / expected
	}
	if score > 100 {
		score = 100
	}

	action := models.ActionNone
	switch {
	case score < v.redownloadBelow:
		action = models.ActionRedownload
	case score < v.reviewBelow:
		action = models.ActionReview
	}

	return &models.ValidationResult{
		IsValid:           score >= v.reviewBelow,
		IntegrityScore:    score,
		RecommendedAction: action,
		ValidPages:        valid,
		ExpectedPages:     expected,
		Issues:            issues,
	}
}

func (v *Validator) record(ctx context.Context, c *models.StoredChapter, res *models.ValidationResult) {
	var err error
	if res.IsValid {
		err = v.store.ClearBadChapter(ctx, c.SeriesID, c.ChapterNumber)
	} else {
		issue := fmt.Sprintf("%d of %d pages readable", res.ValidPages, res.ExpectedPages)
		err = v.store.RecordBadChapter(ctx, c.SeriesID, c.ChapterNumber, c.Path, res.IntegrityScore, issue)
	}
	if err != nil {
		v.log.Warn().Err(err).Str("path", c.Path).Msg("Failed to record validation result")
	}
}

// decodable reports whether the image header parses. Formats without a
// registered decoder (webp) are accepted as long as they are non-empty.
func decodable(data []byte) bool {
	_, _, err := image.DecodeConfig(bytes.NewReader(data))
	return err == nil || errors.Is(err, image.ErrFormat)
}

// ValidateAll checks every stored chapter and returns the ones that failed.
func (v *Validator) ValidateAll(ctx context.Context, deep bool, progress func(done, total int)) ([]*models.ValidationResult, error) {
	chapters, err := v.lib.Chapters(ctx, "")
	if err != nil {
		return nil, err
	}

	var bad []*models.ValidationResult
	for i, c := range chapters {
		if err := ctx.Err(); err != nil {
			return bad, err
		}
		res, err := v.Check(ctx, c.SeriesID, c.ChapterNumber, models.ValidationOptions{Deep: deep})
		if err != nil {
			return bad, err
		}
		if !res.IsValid {
			bad = append(bad, res)
		}
		if progress != nil {
			progress(i+1, len(chapters))
		}
	}
	return bad, nil
}
