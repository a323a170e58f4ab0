// Package queue implements the persisted priority job queue and job registry.
package queue

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/plotter-api/internal/domain"
	"github.com/cuongbtq/plotter-api/internal/filestore"
	"github.com/cuongbtq/plotter-api/internal/metrics"
)

const (
	// DefaultMaxSize is the capacity used when none is configured
	DefaultMaxSize = 100

	// RecentLimit bounds the terminal jobs returned by List
	RecentLimit = 50

	restartMessage = "interrupted by service restart"
)

// QueuedJob is a waiting job together with its 1-based position
type QueuedJob struct {
	*domain.Job
	Position int `json:"position"`
}

// Listing is a point-in-time view of the registry
type Listing struct {
	Queued []QueuedJob   `json:"queued"`
	Active []*domain.Job `json:"active"`
	Recent []*domain.Job `json:"recent"`
}

// Stats counts jobs per status
type Stats struct {
	Total       int `json:"total_jobs"`
	Queued      int `json:"queued"`
	Running     int `json:"running"`
	Paused      int `json:"paused"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	Cancelled   int `json:"cancelled"`
	QueueLength int `json:"queue_length"`
	MaxSize     int `json:"max_queue_size"`
}

type persistedState struct {
	Jobs        map[string]*domain.Job `json:"jobs"`
	Queue       []string               `json:"queue"`
	LastUpdated time.Time              `json:"last_updated"`
}

// Queue orders pending jobs by priority and keeps every known job record.
// The order slice holds only jobs in status queued.
type Queue struct {
	mu      sync.Mutex
	path    string
	maxSize int
	jobs    map[string]*domain.Job
	order   []string
	logger  *slog.Logger
	now     func() time.Time

	onCancel func(job *domain.Job)
}

// New creates a queue persisted at path and restores its previous state
func New(path string, maxSize int, logger *slog.Logger) (*Queue, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	q := &Queue{
		path:    path,
		maxSize: maxSize,
		jobs:    make(map[string]*domain.Job),
		logger:  logger,
		now:     time.Now,
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

// Enqueue inserts job before the first waiting job with strictly lower
// priority and returns its 1-based position. A *domain.PersistenceError
// means the job was queued but not written to disk.
func (q *Queue) Enqueue(job *domain.Job, priority int) (int, error) {
	if job == nil || job.ID == "" {
		return 0, fmt.Errorf("enqueue: job id is required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.order) >= q.maxSize {
		return 0, domain.ErrQueueFull
	}
	if _, exists := q.jobs[job.ID]; exists {
		return 0, fmt.Errorf("enqueue: job %s already exists", job.ID)
	}

	j := job.Clone()
	j.Priority = priority
	j.Status = domain.JobStatusQueued
	if j.SubmittedAt.IsZero() {
		j.SubmittedAt = q.now()
	}
	q.jobs[j.ID] = j

	pos := len(q.order)
	for i, id := range q.order {
		if q.jobs[id].Priority < priority {
			pos = i
			break
		}
	}
	q.insertAt(pos, j.ID)

	q.logger.Info("Job queued",
		slog.String("job_id", j.ID),
		slog.String("name", j.Name),
		slog.Int("priority", priority),
		slog.Int("position", pos+1),
	)
	return pos + 1, q.persist()
}

// DequeueNext takes the head of the queue, marks it running and stamps its
// start time. It returns nil when nothing is waiting.
func (q *Queue) DequeueNext() *domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.order) > 0 {
		id := q.order[0]
		q.order = q.order[1:]
		j, ok := q.jobs[id]
		if !ok || j.Status != domain.JobStatusQueued {
			continue
		}
		now := q.now()
		j.Status = domain.JobStatusRunning
		j.StartedAt = &now
		_ = q.persist()
		return j.Clone()
	}
	return nil
}

// Requeue puts a job that could not start back at the head of the queue
func (q *Queue) Requeue(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if j.Status != domain.JobStatusRunning {
		return fmt.Errorf("%w: job %s is %s", domain.ErrInvalidState, id, j.Status)
	}
	j.Status = domain.JobStatusQueued
	j.StartedAt = nil
	q.insertAt(0, id)
	return q.persist()
}

// SetCancelListener registers fn to be told about jobs cancelled before they
// started. It is called outside the queue lock. Call before the queue is used.
func (q *Queue) SetCancelListener(fn func(job *domain.Job)) {
	q.onCancel = fn
}

// Cancel cancels a waiting job. Running or paused jobs must be stopped
// through the controller instead.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()

	j, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return domain.ErrJobNotFound
	}
	if j.Status != domain.JobStatusQueued {
		q.mu.Unlock()
		return fmt.Errorf("%w: job %s is %s", domain.ErrInvalidState, id, j.Status)
	}
	q.finish(j, domain.JobStatusCancelled)
	q.logger.Info("Job cancelled", slog.String("job_id", id))
	err := q.persist()
	cancelled := j.Clone()
	q.mu.Unlock()

	q.notifyCancelled(cancelled)
	return err
}

// Reorder moves a waiting job to a 1-based position, clamped to the queue bounds
func (q *Queue) Reorder(id string, position int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return 0, domain.ErrJobNotFound
	}
	if j.Status != domain.JobStatusQueued {
		return 0, fmt.Errorf("%w: job %s is %s", domain.ErrInvalidState, id, j.Status)
	}

	q.remove(id)
	idx := position - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(q.order) {
		idx = len(q.order)
	}
	q.insertAt(idx, id)

	q.logger.Info("Job reordered", slog.String("job_id", id), slog.Int("position", idx+1))
	return idx + 1, q.persist()
}

// Track registers a job that bypasses the queue, as in direct dispatch
func (q *Queue) Track(job *domain.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j := job.Clone()
	if j.SubmittedAt.IsZero() {
		j.SubmittedAt = q.now()
	}
	q.jobs[j.ID] = j
	return q.persist()
}

// Remove forgets a job that was never started
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.jobs[id]; !ok {
		return domain.ErrJobNotFound
	}
	delete(q.jobs, id)
	q.remove(id)
	return q.persist()
}

// Update applies fn to the stored job and persists the result. Jobs moved
// to a terminal status leave the queue and get a completion time.
func (q *Queue) Update(id string, fn func(j *domain.Job)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	before := j.Status
	fn(j)
	if j.Status.IsTerminal() && !before.IsTerminal() {
		q.finish(j, j.Status)
	}
	return q.persist()
}

// Complete marks a job completed with its result
func (q *Queue) Complete(id string, result *domain.JobResult) error {
	return q.Update(id, func(j *domain.Job) {
		j.Status = domain.JobStatusCompleted
		j.Result = result
		j.ProgressArtifact = nil
	})
}

// Fail marks a job failed with msg
func (q *Queue) Fail(id, msg string) error {
	return q.Update(id, func(j *domain.Job) {
		j.Status = domain.JobStatusFailed
		j.SetError(msg)
		j.ProgressArtifact = nil
	})
}

// Get returns a copy of a job
func (q *Queue) Get(id string) (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return j.Clone(), nil
}

// Position returns the 1-based position of a waiting job, or 0
func (q *Queue) Position(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, qid := range q.order {
		if qid == id {
			return i + 1
		}
	}
	return 0
}

// Len returns the number of waiting jobs
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// List returns waiting jobs in order, active jobs and recent terminal jobs
func (q *Queue) List() Listing {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := Listing{
		Queued: make([]QueuedJob, 0, len(q.order)),
		Active: []*domain.Job{},
		Recent: []*domain.Job{},
	}
	for i, id := range q.order {
		out.Queued = append(out.Queued, QueuedJob{Job: q.jobs[id].Clone(), Position: i + 1})
	}

	var terminal []*domain.Job
	for _, j := range q.jobs {
		switch {
		case j.Status == domain.JobStatusRunning || j.Status == domain.JobStatusPaused:
			out.Active = append(out.Active, j.Clone())
		case j.Status.IsTerminal():
			terminal = append(terminal, j)
		}
	}
	sort.Slice(terminal, func(a, b int) bool {
		return completedAt(terminal[a]).After(completedAt(terminal[b]))
	})
	if len(terminal) > RecentLimit {
		terminal = terminal[:RecentLimit]
	}
	for _, j := range terminal {
		out.Recent = append(out.Recent, j.Clone())
	}
	return out
}

// Stats counts jobs per status
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{Total: len(q.jobs), QueueLength: len(q.order), MaxSize: q.maxSize}
	for _, j := range q.jobs {
		switch j.Status {
		case domain.JobStatusQueued:
			s.Queued++
		case domain.JobStatusRunning:
			s.Running++
		case domain.JobStatusPaused:
			s.Paused++
		case domain.JobStatusCompleted:
			s.Completed++
		case domain.JobStatusFailed:
			s.Failed++
		case domain.JobStatusCancelled:
			s.Cancelled++
		}
	}
	return s
}

// Clear cancels every waiting job and returns how many were cancelled
func (q *Queue) Clear() (int, error) {
	q.mu.Lock()

	ids := append([]string(nil), q.order...)
	cancelled := make([]*domain.Job, 0, len(ids))
	for _, id := range ids {
		j := q.jobs[id]
		q.finish(j, domain.JobStatusCancelled)
		cancelled = append(cancelled, j.Clone())
	}
	q.logger.Info("Queue cleared", slog.Int("cancelled", len(ids)))
	err := q.persist()
	q.mu.Unlock()

	q.notifyCancelled(cancelled...)
	return len(ids), err
}

func (q *Queue) notifyCancelled(jobs ...*domain.Job) {
	if q.onCancel == nil {
		return
	}
	for _, j := range jobs {
		q.onCancel(j)
	}
}

// Cleanup evicts terminal jobs that completed more than maxAge ago
func (q *Queue) Cleanup(maxAge time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-maxAge)
	removed := 0
	for id, j := range q.jobs {
		if j.Status.IsTerminal() && completedAt(j).Before(cutoff) {
			delete(q.jobs, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	q.logger.Info("Old jobs cleaned up", slog.Int("removed", removed))
	return removed, q.persist()
}

func (q *Queue) finish(j *domain.Job, status domain.JobStatus) {
	now := q.now()
	j.Status = status
	j.CompletedAt = &now
	j.ProgressArtifact = nil
	q.remove(j.ID)
}

func (q *Queue) insertAt(idx int, id string) {
	q.order = append(q.order, "")
	copy(q.order[idx+1:], q.order[idx:])
	q.order[idx] = id
}

func (q *Queue) remove(id string) {
	for i, qid := range q.order {
		if qid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}

// persist writes the state file; the caller holds q.mu
func (q *Queue) persist() error {
	metrics.QueueLength.Set(float64(len(q.order)))

	state := persistedState{
		Jobs:        q.jobs,
		Queue:       q.order,
		LastUpdated: q.now(),
	}
	if err := filestore.WriteJSON(q.path, state); err != nil {
		metrics.PersistenceFailuresTotal.Inc()
		q.logger.Warn("Failed to persist queue state, continuing from memory",
			slog.String("path", q.path),
			slog.String("error", err.Error()),
		)
		return &domain.PersistenceError{Path: q.path, Err: err}
	}
	return nil
}

func (q *Queue) load() error {
	var state persistedState
	found, err := filestore.ReadJSON(q.path, &state)
	if err != nil {
		return fmt.Errorf("load queue state: %w", err)
	}
	if !found {
		return nil
	}

	now := q.now()
	recovered := 0
	for id, j := range state.Jobs {
		if j == nil {
			continue
		}
		j.ID = id
		if j.Status == domain.JobStatusRunning || j.Status == domain.JobStatusPaused {
			j.Status = domain.JobStatusFailed
			j.SetError(restartMessage)
			j.CompletedAt = &now
			recovered++
		}
		q.jobs[id] = j
	}
	for _, id := range state.Queue {
		if j, ok := q.jobs[id]; ok && j.Status == domain.JobStatusQueued {
			q.order = append(q.order, id)
		}
	}
	metrics.QueueLength.Set(float64(len(q.order)))

	q.logger.Info("Queue state loaded",
		slog.Int("jobs", len(q.jobs)),
		slog.Int("queued", len(q.order)),
		slog.Int("interrupted", recovered),
	)
	if recovered > 0 {
		_ = q.persist()
	}
	return nil
}

func completedAt(j *domain.Job) time.Time {
	if j.CompletedAt != nil {
		return *j.CompletedAt
	}
	return j.SubmittedAt
}
