package api

// A test file for the downloader API endpoints.
import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrsandeep/chapterdl/internal/core"
	"github.com/vrsandeep/chapterdl/internal/jobs"
	"github.com/vrsandeep/chapterdl/internal/models"
	"github.com/vrsandeep/chapterdl/internal/testutil"
)

type testServer struct {
	app     *core.App
	router  http.Handler
	broker  *testutil.FakeBroker
	fetcher *testutil.FakeFetcher
}

// setupTestServer wires a full core.App with in-memory collaborators and
// starts its background services.
func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	broker := &testutil.FakeBroker{}
	fetcher := &testutil.FakeFetcher{Data: testutil.PNGPage(t, 4, 4, 10)}
	app, err := core.NewWithConfig(testutil.NewTestConfig(t), zerolog.Nop(),
		core.WithBroker(broker),
		core.WithExtractor(&testutil.FakeExtractor{Pages: 3}),
		core.WithFetcher(fetcher),
	)
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	t.Cleanup(func() {
		app.Shutdown(context.Background())
		app.Close()
	})
	return &testServer{app: app, router: NewServer(app).Router(), broker: broker, fetcher: fetcher}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	ts.router.ServeHTTP(rr, req)
	return rr
}

func enqueuePayload(chapter float64) EnqueuePayload {
	return EnqueuePayload{
		SeriesID:      "s1",
		SeriesTitle:   "Series One",
		ChapterNumber: chapter,
		ChapterURL:    "http://source.test/chapter/abc",
	}
}

func TestDownloaderHandlers_EnqueueAndComplete(t *testing.T) {
	ts := setupTestServer(t)

	rr := ts.do(t, http.MethodPost, "/api/downloads", enqueuePayload(1))
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var accepted map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &accepted))
	assert.Equal(t, "s1_1", accepted["downloadId"])

	require.Eventually(t, func() bool {
		ok, _ := ts.app.Library().IsDownloaded(context.Background(), "s1", 1)
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return ts.app.Queue().ActiveCount() == 0 }, 2*time.Second, 5*time.Millisecond)

	rr = ts.do(t, http.MethodGet, "/api/downloads", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list DownloadsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	assert.Empty(t, list.Queue.Items)
	assert.Empty(t, list.Paused)
	assert.NotNil(t, list.Queue.LastProcessed)

	rr = ts.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var stats struct {
		Storage models.StorageStats `json:"storage"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Storage.TotalChapters)

	rr = ts.do(t, http.MethodDelete, "/api/chapters/s1/1", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = ts.do(t, http.MethodDelete, "/api/chapters/s1/1", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDownloaderHandlers_EnqueueValidation(t *testing.T) {
	ts := setupTestServer(t)
	ts.app.Queue().PauseQueue()

	rr := ts.do(t, http.MethodPost, "/api/downloads", EnqueuePayload{SeriesID: "s1", ChapterNumber: 1})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/downloads", bytes.NewReader([]byte(`{}`)))
	plain := httptest.NewRecorder()
	ts.router.ServeHTTP(plain, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, plain.Code)

	require.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/api/downloads", enqueuePayload(2)).Code)
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/api/downloads", enqueuePayload(2)).Code)

	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/api/downloads/s1/2", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/api/downloads/s1/2", nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodDelete, "/api/downloads/s1/abc", nil).Code)
	assert.Empty(t, ts.broker.Calls())
}

func TestDownloaderHandlers_PauseResumeActive(t *testing.T) {
	ts := setupTestServer(t)
	gate := make(chan struct{})
	ts.fetcher.SetGate(gate)

	require.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/api/downloads", enqueuePayload(3)).Code)
	require.Eventually(t, func() bool {
		return ts.do(t, http.MethodGet, "/api/downloads/s1/3/progress", nil).Code == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	rr := ts.do(t, http.MethodPost, "/api/downloads/s1/3/pause", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Eventually(t, func() bool { return ts.app.Queue().ActiveCount() == 0 }, 2*time.Second, 5*time.Millisecond)

	var list DownloadsResponse
	require.NoError(t, json.Unmarshal(ts.do(t, http.MethodGet, "/api/downloads", nil).Body.Bytes(), &list))
	require.Len(t, list.Paused, 1)
	assert.Equal(t, models.PauseUser, list.Paused[0].Reason)

	close(gate)
	rr = ts.do(t, http.MethodPost, "/api/downloads/s1/3/resume", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Eventually(t, func() bool {
		ok, _ := ts.app.Library().IsDownloaded(context.Background(), "s1", 3)
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, ts.broker.Calls(), 1, "resume reuses the captured token")
}

func TestDownloaderHandlers_Actions(t *testing.T) {
	ts := setupTestServer(t)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/downloads/s1/9/progress", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/downloads/s1/9/pause", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/downloads/s1/9/resume", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/downloads/s1/9/cancel", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/downloads/s1/9/retry", nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/downloads/s1/9/explode", nil).Code)
}

func TestQueueAndLifecycleHandlers(t *testing.T) {
	ts := setupTestServer(t)

	rr := ts.do(t, http.MethodPost, "/api/queue/action", map[string]string{"action": "pause"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, ts.app.Queue().IsPaused())
	rr = ts.do(t, http.MethodPost, "/api/queue/action", map[string]string{"action": "resume"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, ts.app.Queue().IsPaused())
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/queue/action", map[string]string{"action": "nuke"}).Code)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/lifecycle/suspend", nil).Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/lifecycle/resume", nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/lifecycle/sleep", nil).Code)
}

func TestJobHandlers(t *testing.T) {
	ts := setupTestServer(t)

	rr := ts.do(t, http.MethodGet, "/api/jobs/status", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var statuses []jobs.JobStatus
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &statuses))
	assert.Len(t, statuses, 2)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/jobs/run", map[string]string{"job_id": "nope"}).Code)
	assert.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/api/jobs/run", map[string]string{"job_id": jobs.ValidateLibraryJobID}).Code)
	ts.app.JobManager().Wait()
}

func TestHealthAndMetrics(t *testing.T) {
	ts := setupTestServer(t)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/health", nil).Code)

	rr := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "chapterdl_queue_length")
}
