package core

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrsandeep/chapterdl/internal/downloader"
	"github.com/vrsandeep/chapterdl/internal/jobs"
	"github.com/vrsandeep/chapterdl/internal/store"
	"github.com/vrsandeep/chapterdl/internal/testutil"
)

func TestNewWithConfig_StartAndShutdown(t *testing.T) {
	app, err := NewWithConfig(testutil.NewTestConfig(t), zerolog.Nop())
	require.NoError(t, err)
	defer app.Close()

	ctx := context.Background()
	require.NoError(t, app.Start(ctx))
	assert.False(t, app.Queue().IsPaused())

	var _ jobs.JobContext = app
	statuses := app.JobManager().GetStatus()
	require.Len(t, statuses, 2)
	assert.Equal(t, jobs.ResumeErroredJobID, statuses[0].ID)

	families, err := app.Registry().Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "chapterdl_queue_length")
	assert.Contains(t, names, "chapterdl_active_downloads")

	app.Queue().PauseQueue()
	require.NoError(t, app.Shutdown(ctx))

	var snap downloader.QueueSnapshot
	found, err := app.Store().GetState(ctx, store.QueueSnapshotKey, &snap)
	require.NoError(t, err)
	assert.True(t, found, "queue state is persisted on shutdown")
	assert.True(t, snap.IsPaused)
}

func TestNewWithConfig_BadContentPattern(t *testing.T) {
	cfg := testutil.NewTestConfig(t)
	cfg.Source.ContentPattern = "no-group"
	_, err := NewWithConfig(cfg, zerolog.Nop())
	assert.Error(t, err)
}
