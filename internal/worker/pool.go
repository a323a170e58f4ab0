package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/plotter-api/internal/controller"
)

// dispatchLoop feeds queued jobs to the controller one at a time. It exits
// when the device reports a fatal error; Start restarts it.
func (w *Worker) dispatchLoop(ctx context.Context) {
	defer w.wg.Done()
	defer func() {
		w.mu.Lock()
		w.dispatch = false
		w.mu.Unlock()
	}()

	w.logger.Info("Dispatch loop started")

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Dispatch loop stopping - stopChan closed")
			return
		case <-ctx.Done():
			w.logger.Info("Dispatch loop stopping - context canceled")
			return
		default:
		}

		if st := w.ctrl.Snapshot(); st.State == controller.StateError {
			w.logger.Error("Device in error state, dispatch loop stopping",
				slog.String("error", st.LastError),
			)
			return
		}

		job := w.queue.DequeueNext()
		if job == nil {
			if !w.sleep(ctx, w.pollInterval) {
				return
			}
			continue
		}

		w.logger.Info("Dispatching job",
			slog.String("job_id", job.ID),
			slog.Int("priority", job.Priority),
		)

		if !w.processJob(ctx, job) {
			return
		}
	}
}

// janitorLoop evicts old terminal jobs and stale upload sessions
func (w *Worker) janitorLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cleanupInterval)
	defer ticker.Stop()

	w.cleanup()
	for {
		select {
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.cleanup()
		}
	}
}

func (w *Worker) cleanup() {
	if w.retention > 0 {
		if _, err := w.queue.Cleanup(w.retention); err != nil {
			w.logger.Warn("Job retention sweep failed", slog.String("error", err.Error()))
		}
	}
	if w.uploadTTL > 0 {
		for _, s := range w.uploads {
			s.SweepStale(w.uploadTTL)
		}
	}
}
