package downloader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vrsandeep/chapterdl/internal/models"
	"github.com/vrsandeep/chapterdl/internal/recovery"
	"github.com/vrsandeep/chapterdl/internal/store"
)

// permanentError ends the attempt loop without asking the recovery policy.
type permanentError struct {
	err *models.DownloadError
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// run drives one download from token to stored chapter. resumed downloads
// skip the storage check on their first attempt.
func (m *Manager) run(parent context.Context, dc models.DownloadContext, o DownloadOptions, resumed bool) models.DownloadResult {
	id := dc.ID()
	res := models.DownloadResult{DownloadID: id}

	if images, ok := m.alreadyStored(parent, dc); ok {
		return m.complete(dc, nil, res, images)
	}

	ctx, a, ok := m.begin(parent, dc)
	if !ok {
		res.Status = models.StatusSkipped
		res.Error = &models.DownloadError{
			Kind:          models.ErrorUnknown,
			Message:       "download already in progress",
			SeriesID:      dc.SeriesID,
			ChapterNumber: dc.ChapterNumber,
		}
		return res
	}
	defer m.end(a)

	if resumed {
		m.setPausedStatus(id, models.PauseStatusActive)
		m.bus.Publish(m.event(models.EventResumed, dc))
	} else {
		m.bus.Publish(m.event(models.EventStarted, dc))
	}

	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		log := m.log.With().
			Str("download_id", string(id)).
			Str("attempt_id", uuid.NewString()).
			Int("attempt", attempt).
			Logger()

		images, err := m.attempt(ctx, a, attempt, resumed && attempt == 1, log)
		if err == nil {
			return m.complete(dc, a, res, images)
		}
		if ctx.Err() != nil {
			return m.interrupted(ctx, a, res)
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return m.fail(a, res, perm.err)
		}

		rc := recovery.Context{SeriesID: dc.SeriesID, ChapterNumber: dc.ChapterNumber, CanCleanup: measuredFull(err)}
		d := m.policy.Decide(ctx, err, attempt, rc)
		if d.ShouldRetry {
			// Another path may have finished the chapter meanwhile.
			if images, ok := m.alreadyStored(ctx, dc); ok {
				return m.complete(dc, a, res, images)
			}
			log.Warn().
				Err(err).
				Str("strategy", string(d.Strategy)).
				Dur("delay", d.Delay).
				Msg(d.Message)
			if err := sleepCtx(ctx, d.Delay); err != nil {
				return m.interrupted(ctx, a, res)
			}
			continue
		}

		dlErr := m.policy.ToDownloadError(err, rc, d)
		if o.PauseOnRecoverableError && recovery.IsRecoverable(dlErr.Kind, dlErr.StatusCode) {
			return m.demote(a, res, dlErr)
		}
		return m.fail(a, res, dlErr)
	}
}

// attempt runs the five pipeline steps once.
func (m *Manager) attempt(ctx context.Context, a *activeDownload, n int, skipStorage bool, log zerolog.Logger) ([]models.ImageDescriptor, error) {
	dc := a.dc

	if !skipStorage {
		if err := m.checkStorage(ctx, dc, log); err != nil {
			return nil, err
		}
	}

	images, err := m.extractor.Extract(ctx, dc.ContentID, dc.AccessToken, dc.RefererURL)
	if err != nil {
		return nil, fmt.Errorf("extract chapter images: %w", err)
	}
	if len(images) == 0 {
		return nil, &models.DownloadError{
			Kind:          models.ErrorParsing,
			Message:       "no images found for chapter",
			Retryable:     true,
			SeriesID:      dc.SeriesID,
			ChapterNumber: dc.ChapterNumber,
		}
	}
	log.Debug().Int("images", len(images)).Msg("Extracted chapter images")

	m.startProgress(a, len(images))
	fetched, err := m.fetchImages(ctx, a, images)
	if err != nil {
		return nil, err
	}

	ok, pass := m.accepted(fetched)
	if !pass {
		return nil, &models.DownloadError{
			Kind:          models.ErrorNetwork,
			Message:       fmt.Sprintf("image fetch below acceptance threshold: %d of %d pages", ok, len(fetched)),
			Retryable:     true,
			SeriesID:      dc.SeriesID,
			ChapterNumber: dc.ChapterNumber,
		}
	}
	if ok < len(fetched) {
		log.Warn().Int("downloaded", ok).Int("total", len(fetched)).Msg("Accepting chapter with missing pages")
	}

	err = m.store.Save(ctx, dc.SeriesID, dc.SeriesTitle, dc.ChapterNumber, fetched)
	if err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		return nil, fmt.Errorf("save chapter: %w", err)
	}

	if err := m.validate(ctx, dc, len(fetched), n, log); err != nil {
		return nil, err
	}
	return fetched, nil
}

// checkStorage refuses to start when the store cannot hold another chapter.
// A cleanup that frees enough space lets the attempt go on; anything else is
// permanent.
func (m *Manager) checkStorage(ctx context.Context, dc models.DownloadContext, log zerolog.Logger) error {
	stats, err := m.store.Stats(ctx)
	if err != nil {
		// Not knowing the usage is not a full library.
		return &models.DownloadError{
			Kind:          models.ErrorUnknown,
			Message:       fmt.Sprintf("could not read library usage: %v", err),
			Retryable:     true,
			SeriesID:      dc.SeriesID,
			ChapterNumber: dc.ChapterNumber,
			Cause:         err,
		}
	}
	if stats.AvailableSpace >= m.opts.RequiredSpace {
		return nil
	}

	storageErr := &models.DownloadError{
		Kind:          models.ErrorStorageFull,
		Message:       fmt.Sprintf("insufficient storage space: %d bytes available, %d required", stats.AvailableSpace, m.opts.RequiredSpace),
		SeriesID:      dc.SeriesID,
		ChapterNumber: dc.ChapterNumber,
	}
	rc := recovery.Context{SeriesID: dc.SeriesID, ChapterNumber: dc.ChapterNumber, CanCleanup: true}
	d := m.policy.Decide(ctx, storageErr, 1, rc)

	if d.Strategy == recovery.StrategyCleanupAndRetry {
		log.Info().Msg(d.Message)
		if err := sleepCtx(ctx, d.Delay); err != nil {
			return err
		}
		if stats, err := m.store.Stats(ctx); err == nil && stats.AvailableSpace >= m.opts.RequiredSpace {
			return nil
		}
	}

	out := m.policy.ToDownloadError(storageErr, rc, d)
	out.Retryable = false
	if d.Message != "" {
		out.Message = d.Message
	}
	return &permanentError{err: out}
}

// measuredFull reports whether err is a storage-full error raised by an
// actual space measurement. Only those may evict stored chapters.
func measuredFull(err error) bool {
	var dlErr *models.DownloadError
	return errors.As(err, &dlErr) && dlErr.Kind == models.ErrorStorageFull
}

// validate scores the stored chapter. A very low score with attempts left
// deletes the chapter and fails the attempt so it is fetched again; any other
// score keeps what was downloaded.
func (m *Manager) validate(ctx context.Context, dc models.DownloadContext, expected, attempt int, log zerolog.Logger) error {
	if m.validator == nil {
		return nil
	}
	res, err := m.validator.Check(ctx, dc.SeriesID, dc.ChapterNumber, models.ValidationOptions{ExpectedPages: expected})
	if err != nil {
		log.Warn().Err(err).Msg("Validation could not run, keeping chapter")
		return nil
	}

	score := res.IntegrityScore
	switch {
	case score < m.opts.RedownloadScore && res.RecommendedAction == models.ActionRedownload && attempt < m.opts.MaxAttempts:
		log.Warn().Int("score", score).Msg("Stored chapter failed validation, downloading again")
		if err := m.store.Delete(ctx, dc.SeriesID, dc.ChapterNumber); err != nil {
			log.Error().Err(err).Msg("Failed to delete chapter that failed validation")
		}
		return &models.DownloadError{
			Kind:          models.ErrorParsing,
			Message:       fmt.Sprintf("stored chapter scored %d in validation", score),
			Retryable:     true,
			SeriesID:      dc.SeriesID,
			ChapterNumber: dc.ChapterNumber,
		}
	case score < m.opts.AcceptScore:
		log.Warn().Int("score", score).Strs("issues", res.Issues).Msg("Chapter stored with degraded quality")
	}
	return nil
}

// alreadyStored returns the stored images if the chapter is fully downloaded.
func (m *Manager) alreadyStored(ctx context.Context, dc models.DownloadContext) ([]models.ImageDescriptor, bool) {
	done, err := m.store.IsDownloaded(ctx, dc.SeriesID, dc.ChapterNumber)
	if err != nil {
		m.log.Warn().Err(err).Str("download_id", string(dc.ID())).Msg("Could not check stored chapter")
		return nil, false
	}
	if !done {
		return nil, false
	}
	images, err := m.store.GetImages(ctx, dc.SeriesID, dc.ChapterNumber)
	if err != nil {
		m.log.Warn().Err(err).Str("download_id", string(dc.ID())).Msg("Could not read stored chapter images")
		return nil, false
	}
	return images, true
}

// complete publishes success. a is nil when the chapter was already stored
// before any work started.
func (m *Manager) complete(dc models.DownloadContext, a *activeDownload, res models.DownloadResult, images []models.ImageDescriptor) models.DownloadResult {
	m.forgetPaused(dc.ID())

	ev := m.event(models.EventCompleted, dc)
	ev.Progress = 100
	if a != nil {
		ev.Detail = m.lastProgress(a)
	}
	m.bus.Publish(ev)

	res.Success = true
	res.Status = models.StatusCompleted
	res.Images = withoutData(images)
	m.log.Info().
		Str("download_id", string(dc.ID())).
		Int("attempts", res.Attempts).
		Int("pages", len(images)).
		Msg("Chapter download completed")
	return res
}

func (m *Manager) fail(a *activeDownload, res models.DownloadResult, dlErr *models.DownloadError) models.DownloadResult {
	m.forgetPaused(a.id)

	ev := m.event(models.EventFailed, a.dc)
	ev.Error = dlErr
	ev.Message = dlErr.Message
	ev.Detail = m.lastProgress(a)
	if ev.Detail != nil {
		ev.Progress = float64(ev.Detail.ProgressPercent)
	}
	m.bus.Publish(ev)

	m.log.Error().
		Str("download_id", string(a.id)).
		Str("kind", string(dlErr.Kind)).
		Int("attempts", res.Attempts).
		Msg(dlErr.Message)

	res.Status = models.StatusFailed
	res.Error = dlErr
	return res
}

// demote parks a download that failed on a recoverable error so that regained
// connectivity can resume it.
func (m *Manager) demote(a *activeDownload, res models.DownloadResult, dlErr *models.DownloadError) models.DownloadResult {
	pct := 0
	if p := m.lastProgress(a); p != nil {
		pct = p.ProgressPercent
	}
	m.putPaused(models.PausedDownloadRecord{
		DownloadID: a.id,
		Reason:     models.PauseRecoverableError,
		Status:     models.PauseStatusPaused,
		Timestamp:  time.Now(),
		Progress:   pct,
		Message:    dlErr.Message,
		Context:    a.dc,
	})

	ev := m.event(models.EventPaused, a.dc)
	ev.Reason = models.PauseRecoverableError
	ev.Progress = float64(pct)
	ev.Message = dlErr.Message
	ev.Error = dlErr
	m.bus.Publish(ev)

	m.log.Warn().
		Str("download_id", string(a.id)).
		Str("kind", string(dlErr.Kind)).
		Msg("Download paused after recoverable error")

	res.Status = models.StatusPaused
	res.Error = dlErr
	return res
}

// interrupted builds the result of a download whose context was cancelled.
func (m *Manager) interrupted(ctx context.Context, a *activeDownload, res models.DownloadResult) models.DownloadResult {
	cause := context.Cause(ctx)

	var pc *pauseCause
	if errors.As(cause, &pc) {
		res.Status = models.StatusPaused
		return res
	}

	res.Status = models.StatusCancelled
	res.Error = &models.DownloadError{
		Kind:          models.ErrorCancelled,
		Message:       cause.Error(),
		SeriesID:      a.dc.SeriesID,
		ChapterNumber: a.dc.ChapterNumber,
		Cause:         cause,
	}
	if errors.Is(cause, ErrCancelled) {
		m.forgetPaused(a.id)
	}
	m.log.Info().Str("download_id", string(a.id)).Str("cause", cause.Error()).Msg("Download stopped")
	return res
}

// FailWithoutToken reports a queued chapter whose token could not be
// minted. There is no context to resume from, so the failure is final.
func (m *Manager) FailWithoutToken(ctx context.Context, item models.QueueItem, err error) models.DownloadResult {
	dc := models.DownloadContext{
		SeriesID:      item.SeriesID,
		SeriesTitle:   item.SeriesTitle,
		ChapterNumber: item.ChapterNumber,
		RefererURL:    item.ChapterURL,
	}
	res := models.DownloadResult{DownloadID: item.DownloadID}
	rc := recovery.Context{SeriesID: dc.SeriesID, ChapterNumber: dc.ChapterNumber}

	if ctx.Err() != nil {
		res.Status = models.StatusCancelled
		res.Error = &models.DownloadError{
			Kind:          models.ErrorCancelled,
			Message:       context.Cause(ctx).Error(),
			SeriesID:      dc.SeriesID,
			ChapterNumber: dc.ChapterNumber,
		}
		return res
	}

	dlErr := m.policy.ToDownloadError(fmt.Errorf("token acquisition: %w", err), rc, recovery.Decision{
		Suggestions: []string{"Open the chapter page again", "Check that the source site is reachable"},
	})
	ev := m.event(models.EventFailed, dc)
	ev.Error = dlErr
	ev.Message = dlErr.Message
	m.bus.Publish(ev)

	m.log.Error().Err(err).Str("download_id", string(item.DownloadID)).Msg("Could not obtain access token")
	res.Status = models.StatusFailed
	res.Error = dlErr
	return res
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return context.Cause(ctx)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}
