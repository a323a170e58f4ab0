package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cuongbtq/plotter-api/internal/controller"
	"github.com/cuongbtq/plotter-api/internal/domain"
	"github.com/cuongbtq/plotter-api/internal/metrics"
	"github.com/cuongbtq/plotter-api/internal/queue"
)

// Recorder mirrors controller job events into the queue registry
type Recorder struct {
	queue  *queue.Queue
	logger *slog.Logger
}

// NewRecorder creates a recorder writing to q
func NewRecorder(q *queue.Queue, logger *slog.Logger) *Recorder {
	return &Recorder{queue: q, logger: logger}
}

func (r *Recorder) OnJobEvent(_ context.Context, ev controller.Event) {
	job := ev.Job
	var err error

	switch ev.Type {
	case controller.EventStarted, controller.EventResumed:
		err = r.queue.Update(job.ID, func(j *domain.Job) {
			j.Status = domain.JobStatusRunning
			j.StartedAt = job.StartedAt
		})
	case controller.EventPaused:
		err = r.queue.Update(job.ID, func(j *domain.Job) {
			j.Status = domain.JobStatusPaused
			j.Result = job.Result
		})
	case controller.EventCompleted:
		err = r.queue.Complete(job.ID, job.Result)
	case controller.EventFailed:
		msg := "job failed"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		err = r.queue.Fail(job.ID, msg)
	case controller.EventStopped:
		err = r.queue.Update(job.ID, func(j *domain.Job) {
			j.Status = domain.JobStatusCancelled
			j.Result = job.Result
		})
	}

	switch ev.Type {
	case controller.EventCompleted, controller.EventFailed, controller.EventStopped, controller.EventCancelled:
		metrics.JobsFinishedTotal.WithLabelValues(string(job.Status)).Inc()
	}

	if err != nil && !domain.IsPersistenceWarning(err) {
		level := slog.LevelWarn
		if errors.Is(err, domain.ErrJobNotFound) {
			level = slog.LevelDebug
		}
		r.logger.Log(context.Background(), level, "Failed to record job event",
			slog.String("job_id", job.ID),
			slog.String("event", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}
