package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"

	"github.com/vrsandeep/chapterdl/internal/models"
)

const (
	ResumeErroredJobID   = "resume-errored"
	ValidateLibraryJobID = "validate-library"
)

// ProgressUpdate is broadcast to websocket clients while a job runs.
type ProgressUpdate struct {
	Type     string `json:"type"`
	JobID    string `json:"job_id"`
	Message  string `json:"message"`
	Progress int    `json:"progress"`
	Done     bool   `json:"done"`
}

// RegisterAll adds the built-in jobs to jm.
func RegisterAll(jm *JobManager) {
	jm.Register(ResumeErroredJobID, "Resume downloads paused by errors", RunResumeErrored)
	jm.Register(ValidateLibraryJobID, "Validate stored chapters", RunValidateLibrary)
}

// RunResumeErrored re-queues every download that was paused after its
// retries ran out on a recoverable error.
func RunResumeErrored(ctx JobContext) (string, error) {
	ids := ctx.Queue().ResumeAllPaused(models.PauseRecoverableError)
	msg := fmt.Sprintf("Re-queued %d paused download(s).", len(ids))
	ctx.WsHub().BroadcastJSON(ProgressUpdate{Type: "job_progress", JobID: ResumeErroredJobID, Message: msg, Progress: 100, Done: true})
	return msg, nil
}

// RunValidateLibrary checks every stored chapter. Failures are recorded as
// bad chapters by the validator; chapters that pass again are cleared.
func RunValidateLibrary(ctx JobContext) (string, error) {
	hub := ctx.WsHub()
	broadcast := func(msg string, progress int, done bool) {
		hub.BroadcastJSON(ProgressUpdate{Type: "job_progress", JobID: ValidateLibraryJobID, Message: msg, Progress: progress, Done: done})
	}

	broadcast("Validating library...", 0, false)
	bad, err := ctx.Validator().ValidateAll(context.Background(), true, func(done, total int) {
		if total > 0 {
			broadcast(fmt.Sprintf("Checked %d of %d chapters", done, total), done*100/total, false)
		}
	})
	if err != nil {
		broadcast("Validation failed: "+err.Error(), 100, true)
		return "", fmt.Errorf("validate library: %w", err)
	}

	msg := fmt.Sprintf("Validation finished, %d bad chapter(s).", len(bad))
	broadcast(msg, 100, true)
	return msg, nil
}

// StartJobs schedules the periodic jobs and starts the scheduler. The
// caller stops the returned scheduler on shutdown.
func StartJobs(app JobContext, log zerolog.Logger) *gocron.Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()

	cfg := app.Config()
	scheduleJob(s, app, log, ResumeErroredJobID, cfg.Downloader.ResumeErroredInterval)
	scheduleJob(s, app, log, ValidateLibraryJobID, cfg.Jobs.ValidateInterval)

	log.Info().Msg("Starting background job scheduler")
	s.StartAsync()
	return s
}

func scheduleJob(s *gocron.Scheduler, app JobContext, log zerolog.Logger, jobID string, interval int) {
	if interval <= 0 {
		log.Info().Str("job", jobID).Msg("Interval is 0, scheduled run is disabled")
		return
	}

	log.Info().Str("job", jobID).Int("minutes", interval).Msg("Scheduling job")
	_, err := s.Every(interval).Minutes().WaitForSchedule().Do(func() {
		// Go through the manager so scheduled runs never overlap manual ones.
		if err := app.JobManager().RunJob(jobID, app); err != nil {
			log.Warn().Err(err).Str("job", jobID).Msg("Scheduled job could not start")
		}
	})
	if err != nil {
		log.Error().Err(err).Str("job", jobID).Msg("Error scheduling job")
	}
}
