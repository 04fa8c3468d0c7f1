package downloader

import (
	"github.com/rs/zerolog"

	"github.com/vrsandeep/chapterdl/internal/models"
)

// Lifecycle connects host suspend/resume notifications to the downloader.
// The composition root decides what the host signal is.
type Lifecycle struct {
	queue   *Queue
	manager *Manager
	log     zerolog.Logger
}

func NewLifecycle(queue *Queue, manager *Manager, log zerolog.Logger) *Lifecycle {
	return &Lifecycle{queue: queue, manager: manager, log: log}
}

// OnSuspend holds the queue and pauses running downloads as backgrounded,
// including queue items that have not started downloading yet.
func (l *Lifecycle) OnSuspend() {
	l.queue.setSuspended(true)
	ids := l.manager.SuspendActive(models.PauseAppBackgrounded)
	held := l.queue.holdRunning(models.PauseAppBackgrounded)
	l.log.Info().Int("paused", len(ids)).Int("held", held).Msg("App suspended, downloads paused")
}

// OnResume resumes the downloads OnSuspend paused. Downloads the user paused
// stay paused.
func (l *Lifecycle) OnResume() {
	ids := l.queue.ResumeAllPaused(models.PauseAppBackgrounded)
	l.queue.setSuspended(false)
	l.log.Info().Int("resumed", len(ids)).Msg("App resumed")
}
