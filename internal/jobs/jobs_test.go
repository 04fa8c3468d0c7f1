package jobs_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrsandeep/chapterdl/internal/config"
	"github.com/vrsandeep/chapterdl/internal/downloader"
	"github.com/vrsandeep/chapterdl/internal/events"
	"github.com/vrsandeep/chapterdl/internal/jobs"
	"github.com/vrsandeep/chapterdl/internal/library"
	"github.com/vrsandeep/chapterdl/internal/models"
	"github.com/vrsandeep/chapterdl/internal/recovery"
	"github.com/vrsandeep/chapterdl/internal/store"
	"github.com/vrsandeep/chapterdl/internal/testutil"
	"github.com/vrsandeep/chapterdl/internal/websocket"
)

type jobEnv struct {
	ctx       *fakeJobContext
	lib       *library.Library
	st        *store.Store
	manager   *downloader.Manager
	extractor *testutil.FakeExtractor
}

func setupJobEnv(t *testing.T) *jobEnv {
	t.Helper()
	st := store.New(testutil.SetupTestDB(t))
	lib, err := library.New(t.TempDir(), 0, st, zerolog.Nop())
	require.NoError(t, err)

	opts := config.DefaultOptions()
	opts.BackoffBase = time.Millisecond
	opts.PersistDebounce = 0
	opts.RequiredSpace = 0

	bus := events.NewBus(zerolog.Nop())
	extractor := &testutil.FakeExtractor{Pages: 2}
	validator := library.NewValidator(lib, st, opts.RedownloadScore, opts.AcceptScore, zerolog.Nop())
	manager := downloader.NewManager(downloader.Deps{
		Store:     lib,
		Extractor: extractor,
		Fetcher:   &testutil.FakeFetcher{Data: testutil.PNGPage(t, 4, 4, 10)},
		Validator: validator,
		Policy:    recovery.New(opts, lib, zerolog.Nop()),
		Bus:       bus,
	}, opts, zerolog.Nop())
	queue := downloader.NewQueue(manager, &testutil.FakeBroker{}, bus, nil, opts, zerolog.Nop())
	require.NoError(t, queue.Start(context.Background()))
	t.Cleanup(func() { queue.Stop(context.Background()) })

	hub := websocket.NewHub()
	go hub.Run()
	t.Cleanup(hub.Stop)

	ctx := &fakeJobContext{cfg: &config.Config{}, ws: hub, queue: queue, validator: validator}
	ctx.jobMgr = jobs.NewManager(ctx, zerolog.Nop())
	jobs.RegisterAll(ctx.jobMgr)
	return &jobEnv{ctx: ctx, lib: lib, st: st, manager: manager, extractor: extractor}
}

func TestRunResumeErrored(t *testing.T) {
	env := setupJobEnv(t)
	reset := errors.New("connection reset by peer")
	env.extractor.Errs = []error{reset, reset, reset}

	dc := models.DownloadContext{
		SeriesID:      "s1",
		SeriesTitle:   "Series One",
		ChapterNumber: 4,
		ContentID:     "c4",
		AccessToken:   "token",
		RefererURL:    "http://source.test/s1/4",
	}
	res := env.manager.Download(context.Background(), dc, downloader.DownloadOptions{PauseOnRecoverableError: true})
	require.Equal(t, models.StatusPaused, res.Status)

	require.NoError(t, env.ctx.jobMgr.RunJob(jobs.ResumeErroredJobID, env.ctx))
	env.ctx.jobMgr.Wait()

	require.Eventually(t, func() bool {
		ok, _ := env.lib.IsDownloaded(context.Background(), "s1", 4)
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	_, paused := env.manager.PausedRecord(dc.ID())
	assert.False(t, paused)

	var status jobs.JobStatus
	for _, s := range env.ctx.jobMgr.GetStatus() {
		if s.ID == jobs.ResumeErroredJobID {
			status = s
		}
	}
	assert.Equal(t, "success", status.Status)
	assert.Contains(t, status.Message, "1 paused")
}

func TestRunValidateLibrary(t *testing.T) {
	env := setupJobEnv(t)
	bg := context.Background()
	require.NoError(t, env.lib.Save(bg, "good", "", 1, testutil.CompletedImages(t, 2)))
	require.NoError(t, env.lib.Save(bg, "bad", "", 1, testutil.CompletedImages(t, 2)))
	require.NoError(t, os.WriteFile(library.ChapterPath(env.lib.Root(), "bad", 1), []byte("junk"), 0o644))

	msg, err := jobs.RunValidateLibrary(env.ctx)
	require.NoError(t, err)
	assert.Contains(t, msg, "1 bad")

	count, err := env.st.CountBadChapters(bg)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStartJobs_DisabledIntervals(t *testing.T) {
	_, ctx := newManager()
	s := jobs.StartJobs(ctx, zerolog.Nop())
	defer s.Stop()
	assert.Empty(t, s.Jobs())
}

func TestStartJobs_SchedulesConfiguredJobs(t *testing.T) {
	_, ctx := newManager()
	ctx.cfg.Downloader.ResumeErroredInterval = 5
	ctx.cfg.Jobs.ValidateInterval = 60
	s := jobs.StartJobs(ctx, zerolog.Nop())
	defer s.Stop()
	assert.Len(t, s.Jobs(), 2)
}
