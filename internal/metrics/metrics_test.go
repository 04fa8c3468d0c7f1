package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrsandeep/chapterdl/internal/events"
	"github.com/vrsandeep/chapterdl/internal/models"
)

func resetCollectors() {
	DownloadEvents.Reset()
	ImageFetches.Reset()
}

func TestObserveCountsEvents(t *testing.T) {
	resetCollectors()
	bus := events.NewBus(zerolog.Nop())
	stop := Observe(bus)
	defer stop()

	start := time.Now()
	bus.Publish(models.ChapterEvent{Type: models.EventStarted, SeriesID: "s", ChapterNumber: 1})
	bus.Publish(models.ChapterEvent{
		Type:          models.EventCompleted,
		SeriesID:      "s",
		ChapterNumber: 1,
		Timestamp:     start.Add(3 * time.Second),
		Detail:        &models.DownloadProgress{DownloadedImages: 9, FailedImages: 1, StartTime: start},
	})

	expected := `# HELP chapterdl_download_events_total Count of chapter lifecycle events published.
# TYPE chapterdl_download_events_total counter
chapterdl_download_events_total{type="completed"} 1
chapterdl_download_events_total{type="started"} 1
`
	if err := testutil.CollectAndCompare(DownloadEvents, strings.NewReader(expected)); err != nil {
		t.Fatalf("unexpected events metric: %v", err)
	}
	assert.Equal(t, 9.0, testutil.ToFloat64(ImageFetches.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ImageFetches.WithLabelValues("failed")))

	stop()
	bus.Publish(models.ChapterEvent{Type: models.EventStarted, SeriesID: "s", ChapterNumber: 2})
	assert.Equal(t, 1.0, testutil.ToFloat64(DownloadEvents.WithLabelValues("started")))
}

func TestRegisterGaugeFuncs(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg, func() float64 { return 1 }, func() float64 { return 4 }))

	expected := `# HELP chapterdl_queue_length Number of chapters waiting in the download queue.
# TYPE chapterdl_queue_length gauge
chapterdl_queue_length 4
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "chapterdl_queue_length"); err != nil {
		t.Fatalf("unexpected queue gauge: %v", err)
	}
	assert.Error(t, Register(reg, func() float64 { return 0 }, func() float64 { return 0 }), "double registration is refused")
}
