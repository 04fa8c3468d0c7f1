package downloader

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vrsandeep/chapterdl/internal/models"
)

// fetchImages downloads images window by window. Results are written back at
// their source index, so the returned slice keeps page order whatever order
// the fetches finish in. A failed page is recorded and does not stop the
// batch; cancellation of ctx does.
func (m *Manager) fetchImages(ctx context.Context, a *activeDownload, images []models.ImageDescriptor) ([]models.ImageDescriptor, error) {
	out := make([]models.ImageDescriptor, len(images))
	copy(out, images)

	window := m.opts.WindowSize
	if window < 1 {
		window = 1
	}

	for start := 0; start < len(out); start += window {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		end := start + window
		if end > len(out) {
			end = len(out)
		}

		var g errgroup.Group
		g.SetLimit(window)
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				out[i] = m.fetchOne(ctx, a.dc, out[i])
				return nil
			})
		}
		g.Wait()

		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		m.foldWindow(a, out[start:end])
	}
	return out, nil
}

// fetchOne never fails; the outcome is carried in the descriptor.
func (m *Manager) fetchOne(ctx context.Context, dc models.DownloadContext, img models.ImageDescriptor) (res models.ImageDescriptor) {
	res = img
	res.Data = nil
	defer func() {
		if r := recover(); r != nil {
			res.DownloadStatus = models.ImageFailed
			res.Data = nil
			res.Error = fmt.Sprintf("panic while fetching page: %v", r)
		}
	}()

	fctx := ctx
	if m.opts.ImageTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, m.opts.ImageTimeout)
		defer cancel()
	}

	data, err := m.fetcher.Fetch(fctx, img.OriginalURL, dc.AccessToken, dc.RefererURL)
	if err != nil {
		res.DownloadStatus = models.ImageFailed
		res.Error = err.Error()
		m.log.Debug().
			Err(err).
			Str("download_id", string(dc.ID())).
			Int("page", img.PageNumber).
			Msg("Page fetch failed")
		return res
	}

	res.DownloadStatus = models.ImageCompleted
	res.Data = data
	res.FileSizeBytes = int64(len(data))
	res.Error = ""
	return res
}

// foldWindow updates the download's progress and notifies listeners and the
// event bus. Windows are folded in order, so downloaded counts never go
// backwards between events.
func (m *Manager) foldWindow(a *activeDownload, window []models.ImageDescriptor) {
	m.mu.Lock()
	if a.progress == nil {
		m.mu.Unlock()
		return
	}
	fold(a.progress, window, time.Now())
	snap := copyProgress(a.progress)
	listeners := m.listeners.snapshot(a.id)
	m.mu.Unlock()

	for _, fn := range listeners {
		m.notify(fn, snap)
	}

	ev := m.event(models.EventProgress, a.dc)
	ev.Progress = float64(snap.ProgressPercent)
	ev.Detail = &snap
	m.bus.Publish(ev)
}

func (m *Manager) notify(fn ProgressListener, p models.DownloadProgress) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Str("download_id", string(p.DownloadID)).Msg("Progress listener panicked")
		}
	}()
	fn(p)
}

// accepted reports whether enough pages arrived for the attempt to count.
func (m *Manager) accepted(images []models.ImageDescriptor) (int, bool) {
	ok := 0
	for _, img := range images {
		if img.DownloadStatus == models.ImageCompleted {
			ok++
		}
	}
	if ok == 0 {
		return 0, false
	}
	return ok, float64(ok) >= m.opts.AcceptanceRatio*float64(len(images))
}

// withoutData strips page bytes for results handed back to callers.
func withoutData(images []models.ImageDescriptor) []models.ImageDescriptor {
	out := make([]models.ImageDescriptor, len(images))
	for i, img := range images {
		img.Data = nil
		out[i] = img
	}
	return out
}
