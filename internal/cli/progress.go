package cli

import (
	"fmt"
	"io"
	"sync"

	"github.com/cheggaaa/pb/v3"

	"github.com/vrsandeep/chapterdl/internal/models"
)

const barTemplate = `{{string . "prefix"}}{{counters . }} {{bar . }} {{percent . }} {{string . "speed"}} {{string . "eta"}}`

// progressBar renders manager progress snapshots. The bar is created on the
// first snapshot, once the page count is known.
type progressBar struct {
	mu    sync.Mutex
	out   io.Writer
	quiet bool
	bar   *pb.ProgressBar
	last  models.DownloadProgress
}

func newProgressBar(out io.Writer, quiet bool) *progressBar {
	return &progressBar{out: out, quiet: quiet}
}

func (p *progressBar) update(dp models.DownloadProgress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = dp
	if p.quiet {
		return
	}

	if p.bar == nil {
		p.bar = pb.ProgressBarTemplate(barTemplate).New(dp.TotalImages)
		p.bar.SetWriter(p.out)
		p.bar.Set("prefix", "Pages: ")
		p.bar.Start()
	}
	p.bar.SetCurrent(int64(dp.DownloadedImages + dp.FailedImages))
	if dp.BytesPerSecond != nil {
		p.bar.Set("speed", formatBytes(int64(*dp.BytesPerSecond))+"/s")
	}
	if dp.EstimatedSecondsRemaining != nil {
		p.bar.Set("eta", fmt.Sprintf("ETA %.0fs", *dp.EstimatedSecondsRemaining))
	}
}

// finish stops the bar and returns the last snapshot seen.
func (p *progressBar) finish() models.DownloadProgress {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil {
		p.bar.Finish()
	}
	return p.last
}

// formatBytes formats byte count as human-readable string
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
