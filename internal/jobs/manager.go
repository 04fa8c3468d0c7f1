package jobs

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vrsandeep/chapterdl/internal/config"
	"github.com/vrsandeep/chapterdl/internal/downloader"
	"github.com/vrsandeep/chapterdl/internal/library"
	"github.com/vrsandeep/chapterdl/internal/websocket"
)

var (
	ErrJobRunning  = errors.New("a job is already running")
	ErrJobNotFound = errors.New("job not found")
)

// JobContext provides the dependencies a job needs. core.App implements it.
type JobContext interface {
	Config() *config.Config
	WsHub() *websocket.Hub
	JobManager() *JobManager
	Queue() *downloader.Queue
	Validator() *library.Validator
}

// A task returns the message shown in the job status once it finishes.
type jobTask func(ctx JobContext) (string, error)

type JobStatus struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"` // "idle", "running", "success", "failed"
	Message   string    `json:"message"`
	RunID     string    `json:"run_id,omitempty"`
	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`
}

type JobManager struct {
	mu      sync.Mutex
	jobs    map[string]jobTask
	status  map[string]*JobStatus
	running bool
	appCtx  JobContext
	log     zerolog.Logger
	wg      sync.WaitGroup
}

func NewManager(appCtx JobContext, log zerolog.Logger) *JobManager {
	return &JobManager{
		jobs:   make(map[string]jobTask),
		status: make(map[string]*JobStatus),
		appCtx: appCtx,
		log:    log,
	}
}

func (jm *JobManager) Register(id, name string, task jobTask) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.jobs[id] = task
	jm.status[id] = &JobStatus{ID: id, Name: name, Status: "idle"}
}

// RunJob starts the job in the background. Only one job runs at a time.
func (jm *JobManager) RunJob(id string, ctx JobContext) error {
	jm.mu.Lock()
	if jm.running {
		jm.mu.Unlock()
		return ErrJobRunning
	}
	task, ok := jm.jobs[id]
	if !ok {
		jm.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if ctx == nil {
		ctx = jm.appCtx
	}

	jm.running = true
	status := jm.status[id]
	status.Status = "running"
	status.RunID = uuid.NewString()
	status.StartTime = time.Now()
	status.EndTime = time.Time{}
	status.Message = "Job started..."
	log := jm.log.With().Str("job", id).Str("run_id", status.RunID).Logger()
	jm.wg.Add(1)
	jm.mu.Unlock()

	log.Info().Msg("Starting job")
	go func() {
		defer jm.wg.Done()
		var (
			msg string
			err error
		)
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job panicked: %v", r)
			}

			jm.mu.Lock()
			status.EndTime = time.Now()
			if err != nil {
				status.Status = "failed"
				status.Message = err.Error()
			} else {
				status.Status = "success"
				if msg == "" {
					msg = "Job completed successfully."
				}
				status.Message = msg
			}
			jm.running = false
			jm.mu.Unlock()

			if err != nil {
				log.Error().Err(err).Msg("Job failed")
			} else {
				log.Info().Str("message", msg).Dur("took", status.EndTime.Sub(status.StartTime)).Msg("Finished job")
			}
		}()

		msg, err = task(ctx)
	}()
	return nil
}

// Wait blocks until the running job, if any, returns.
func (jm *JobManager) Wait() {
	jm.wg.Wait()
}

// GetStatus returns a copy of every job's status, ordered by id.
func (jm *JobManager) GetStatus() []JobStatus {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	statuses := make([]JobStatus, 0, len(jm.status))
	for _, s := range jm.status {
		statuses = append(statuses, *s)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses
}
