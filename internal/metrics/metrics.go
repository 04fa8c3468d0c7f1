// Package metrics exposes download activity as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vrsandeep/chapterdl/internal/events"
	"github.com/vrsandeep/chapterdl/internal/models"
)

var (
	DownloadEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chapterdl",
			Name:      "download_events_total",
			Help:      "Count of chapter lifecycle events published.",
		},
		[]string{"type"},
	)

	ImageFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chapterdl",
			Name:      "image_fetches_total",
			Help:      "Page images of finished downloads by outcome.",
		},
		[]string{"result"},
	)

	DownloadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "chapterdl",
			Name:      "download_duration_seconds",
			Help:      "Time from the start of the page fetch to a completed chapter.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		},
	)
)

// Register adds the chapterdl collectors to reg. active and queued report
// the current number of running and waiting downloads.
func Register(reg prometheus.Registerer, active, queued func() float64) error {
	collectors := []prometheus.Collector{
		DownloadEvents,
		ImageFetches,
		DownloadDuration,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "chapterdl",
			Name:      "active_downloads",
			Help:      "Number of chapter downloads running.",
		}, active),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "chapterdl",
			Name:      "queue_length",
			Help:      "Number of chapters waiting in the download queue.",
		}, queued),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Observe feeds the counters from the event bus until the returned function
// is called.
func Observe(bus *events.Bus) func() {
	return bus.SubscribeAll(Record)
}

// Record accounts one event.
func Record(e models.ChapterEvent) {
	DownloadEvents.WithLabelValues(string(e.Type)).Inc()

	if e.Detail == nil {
		return
	}
	switch e.Type {
	case models.EventCompleted, models.EventFailed:
		ImageFetches.WithLabelValues("ok").Add(float64(e.Detail.DownloadedImages))
		ImageFetches.WithLabelValues("failed").Add(float64(e.Detail.FailedImages))
	}
	if e.Type == models.EventCompleted && !e.Detail.StartTime.IsZero() {
		DownloadDuration.Observe(e.Timestamp.Sub(e.Detail.StartTime).Seconds())
	}
}
