package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/plotter-api/internal/controller"
	"github.com/cuongbtq/plotter-api/internal/domain"
	"github.com/cuongbtq/plotter-api/internal/queue"
)

// Mode is the dispatch policy of a process
type Mode string

// Dispatch policies
const (
	ModeQueued Mode = "queued"
	ModeDirect Mode = "direct"
)

// Config holds worker configuration
type Config struct {
	Logger          *slog.Logger
	Queue           *queue.Queue
	Controller      *controller.Controller
	Mode            Mode
	PollInterval    time.Duration
	Retention       time.Duration
	CleanupInterval time.Duration

	// Uploads have their stale upload sessions swept with UploadTTL
	Uploads   []Sweeper
	UploadTTL time.Duration
}

// Sweeper forgets upload sessions idle for longer than maxAge
type Sweeper interface {
	SweepStale(maxAge time.Duration) int
}

// SubmitResult describes an accepted submission
type SubmitResult struct {
	Position int  `json:"queue_position,omitempty"`
	Started  bool `json:"started"`
}

// Worker dispatches jobs to the controller under the configured policy
type Worker struct {
	logger          *slog.Logger
	queue           *queue.Queue
	ctrl            *controller.Controller
	mode            Mode
	pollInterval    time.Duration
	retention       time.Duration
	cleanupInterval time.Duration
	uploads         []Sweeper
	uploadTTL       time.Duration

	wg       sync.WaitGroup
	stopChan chan struct{}
	notify   chan struct{}

	mu       sync.Mutex
	dispatch bool
	janitor  bool
	stopped  bool
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		logger:          cfg.Logger,
		queue:           cfg.Queue,
		ctrl:            cfg.Controller,
		mode:            cfg.Mode,
		pollInterval:    cfg.PollInterval,
		retention:       cfg.Retention,
		cleanupInterval: cfg.CleanupInterval,
		uploads:         cfg.Uploads,
		uploadTTL:       cfg.UploadTTL,
		stopChan:        make(chan struct{}),
		notify:          make(chan struct{}, 1),
	}
	if w.mode == "" {
		w.mode = ModeQueued
	}
	if w.pollInterval <= 0 {
		w.pollInterval = time.Second
	}
	return w
}

// Mode returns the dispatch policy
func (w *Worker) Mode() Mode {
	return w.mode
}

// Start launches the background loops. Calling Start again after the
// dispatch loop exited on a device error restarts it.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return errors.New("worker already stopped")
	}

	w.logger.Info("Starting worker",
		slog.String("mode", string(w.mode)),
		slog.Duration("poll_interval", w.pollInterval),
		slog.Duration("retention", w.retention),
	)

	if w.mode == ModeQueued && !w.dispatch {
		w.dispatch = true
		w.wg.Add(1)
		go w.dispatchLoop(ctx)
	}
	if w.cleanupInterval > 0 && !w.janitor {
		w.janitor = true
		w.wg.Add(1)
		go w.janitorLoop(ctx)
	}
	return nil
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	w.logger.Info("Stopping worker...")
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

// Running reports whether the dispatch loop is active
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dispatch
}

// Notify wakes the dispatch loop early
func (w *Worker) Notify() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Submit hands a job to the active policy. Queued mode enqueues it; direct
// mode starts it immediately or fails with domain.ErrBusy. A returned
// *domain.PersistenceError accompanies an accepted job.
func (w *Worker) Submit(job *domain.Job) (SubmitResult, error) {
	if w.mode == ModeQueued {
		pos, err := w.queue.Enqueue(job, job.Priority)
		if err != nil && !domain.IsPersistenceWarning(err) {
			return SubmitResult{}, err
		}
		w.Notify()
		return SubmitResult{Position: pos}, err
	}

	j := job.Clone()
	j.Status = domain.JobStatusQueued
	warn := w.queue.Track(j)
	if warn != nil && !domain.IsPersistenceWarning(warn) {
		return SubmitResult{}, warn
	}

	if _, err := w.ctrl.Execute(j); err != nil {
		if rmErr := w.queue.Remove(j.ID); rmErr != nil && !domain.IsPersistenceWarning(rmErr) {
			w.logger.Warn("Failed to drop rejected job", slog.String("job_id", j.ID), slog.String("error", rmErr.Error()))
		}
		return SubmitResult{}, fmt.Errorf("start job: %w", err)
	}
	return SubmitResult{Started: true}, warn
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-w.stopChan:
		return false
	case <-ctx.Done():
		return false
	case <-w.notify:
		return true
	case <-t.C:
		return true
	}
}
