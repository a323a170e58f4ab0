package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cuongbtq/plotter-api/internal/domain"
)

// processJob starts a dequeued job and waits until it is terminal. A paused
// job keeps the device, so the loop waits through pauses too. It returns
// false when the loop should exit.
func (w *Worker) processJob(ctx context.Context, job *domain.Job) bool {
	run, err := w.ctrl.Execute(job)
	if err != nil {
		var derr *domain.DriverError
		if errors.As(err, &derr) {
			// the device is gone; the job keeps its place for the next Start
			w.logger.Error("Device unavailable, job requeued",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			w.requeue(job.ID)
			return false
		}
		if w.shouldRequeueJob(err) {
			w.logger.Info("Device busy, job requeued",
				slog.String("job_id", job.ID),
			)
			w.requeue(job.ID)
			return w.sleep(ctx, w.pollInterval)
		}

		w.logger.Error("Job could not be started",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		_ = w.queue.Fail(job.ID, err.Error())
		return true
	}

	select {
	case <-run.Done():
		final, runErr := run.Result()
		attrs := []any{slog.String("job_id", job.ID), slog.String("status", string(final.Status))}
		if runErr != nil {
			attrs = append(attrs, slog.String("error", runErr.Error()))
		}
		w.logger.Info("Job finished", attrs...)
		return true
	case <-w.stopChan:
		return false
	case <-ctx.Done():
		return false
	}
}

func (w *Worker) requeue(id string) {
	if err := w.queue.Requeue(id); err != nil && !domain.IsPersistenceWarning(err) {
		w.logger.Error("Failed to requeue job",
			slog.String("job_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// shouldRequeueJob reports whether a start failure is transient
func (w *Worker) shouldRequeueJob(err error) bool {
	if errors.Is(err, domain.ErrNoValidArtifact) {
		return false
	}
	return errors.Is(err, domain.ErrBusy)
}
