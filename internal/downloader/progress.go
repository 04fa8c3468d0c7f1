package downloader

import (
	"math"
	"time"

	"github.com/vrsandeep/chapterdl/internal/models"
)

// ProgressListener receives a copy of a download's progress after every
// batch window.
type ProgressListener func(models.DownloadProgress)

// progressListeners is keyed by download, then by subscription handle, so
// an unsubscribe removes exactly its own entry.
type progressListeners struct {
	next int
	byID map[models.DownloadID]map[int]ProgressListener
}

func newProgressListeners() progressListeners {
	return progressListeners{byID: make(map[models.DownloadID]map[int]ProgressListener)}
}

func (l *progressListeners) add(id models.DownloadID, fn ProgressListener) int {
	l.next++
	set, ok := l.byID[id]
	if !ok {
		set = make(map[int]ProgressListener)
		l.byID[id] = set
	}
	set[l.next] = fn
	return l.next
}

func (l *progressListeners) remove(id models.DownloadID, handle int) {
	set := l.byID[id]
	delete(set, handle)
	if len(set) == 0 {
		delete(l.byID, id)
	}
}

func (l *progressListeners) snapshot(id models.DownloadID) []ProgressListener {
	set := l.byID[id]
	out := make([]ProgressListener, 0, len(set))
	for _, fn := range set {
		out = append(out, fn)
	}
	return out
}

func newProgress(id models.DownloadID, total int, now time.Time) *models.DownloadProgress {
	return &models.DownloadProgress{
		DownloadID:  id,
		TotalImages: total,
		StartTime:   now,
	}
}

// fold adds one finished window to p and recomputes the derived fields.
func fold(p *models.DownloadProgress, window []models.ImageDescriptor, now time.Time) {
	for _, img := range window {
		switch img.DownloadStatus {
		case models.ImageCompleted:
			p.DownloadedImages++
			p.DownloadedBytes += img.FileSizeBytes
		case models.ImageFailed:
			p.FailedImages++
		}
	}

	if p.TotalImages > 0 {
		p.ProgressPercent = int(math.Round(float64(p.DownloadedImages) / float64(p.TotalImages) * 100))
	}

	elapsed := now.Sub(p.StartTime).Seconds()
	if elapsed <= 0 || p.DownloadedBytes == 0 {
		p.BytesPerSecond, p.EstimatedSecondsRemaining = nil, nil
		return
	}
	bps := float64(p.DownloadedBytes) / elapsed
	p.BytesPerSecond = &bps

	// Remaining pages are assumed to be as large as the average so far.
	remaining := p.TotalImages - p.DownloadedImages - p.FailedImages
	avg := float64(p.DownloadedBytes) / float64(p.DownloadedImages)
	eta := float64(remaining) * avg / bps
	p.EstimatedSecondsRemaining = &eta
}

func copyProgress(p *models.DownloadProgress) models.DownloadProgress {
	out := *p
	if p.BytesPerSecond != nil {
		v := *p.BytesPerSecond
		out.BytesPerSecond = &v
	}
	if p.EstimatedSecondsRemaining != nil {
		v := *p.EstimatedSecondsRemaining
		out.EstimatedSecondsRemaining = &v
	}
	return out
}
