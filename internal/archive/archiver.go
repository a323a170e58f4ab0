package archive

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/plotter-api/internal/controller"
	"github.com/cuongbtq/plotter-api/internal/domain"
)

// JobWriter persists a terminal job row
type JobWriter interface {
	UpsertJob(ctx context.Context, row *JobRow) error
}

// Archiver records terminal controller events in the history table. Writes
// happen on its own goroutine so a slow database never holds up the draw
// worker that emitted the event.
type Archiver struct {
	store   JobWriter
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time

	rows     chan *JobRow
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewArchiver creates an archiver buffering up to buffer pending rows
func NewArchiver(store JobWriter, buffer int, logger *slog.Logger) *Archiver {
	if buffer <= 0 {
		buffer = 64
	}
	a := &Archiver{
		store:   store,
		logger:  logger,
		timeout: 5 * time.Second,
		now:     time.Now,
		rows:    make(chan *JobRow, buffer),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *Archiver) OnJobEvent(_ context.Context, ev controller.Event) {
	var status domain.JobStatus
	switch ev.Type {
	case controller.EventCompleted:
		status = domain.JobStatusCompleted
	case controller.EventFailed:
		status = domain.JobStatusFailed
	case controller.EventStopped, controller.EventCancelled:
		status = domain.JobStatusCancelled
	default:
		return
	}

	job := ev.Job.Clone()
	job.Status = status
	if ev.Type == controller.EventFailed && job.ErrorMessage == nil && ev.Err != nil {
		job.SetError(ev.Err.Error())
	}
	row := RowFromJob(job, ev.At)

	select {
	case a.rows <- row:
	default:
		a.logger.Warn("Archive buffer full, dropping job record",
			slog.String("job_id", row.JobID),
		)
	}
}

func (a *Archiver) run() {
	defer a.wg.Done()
	for row := range a.rows {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := a.store.UpsertJob(ctx, row)
		cancel()
		if err != nil {
			a.logger.Error("Failed to archive job",
				slog.String("job_id", row.JobID),
				slog.String("error", err.Error()),
			)
			continue
		}
		a.logger.Debug("Job archived",
			slog.String("job_id", row.JobID),
			slog.String("status", row.Status),
		)
	}
}

// Close drains pending rows and stops the writer goroutine. OnJobEvent
// must not be called after Close.
func (a *Archiver) Close() {
	a.stopOnce.Do(func() {
		close(a.rows)
	})
	a.wg.Wait()
}
