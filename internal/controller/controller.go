// Package controller owns the single plotting device and arbitrates access to it.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/plotter-api/internal/domain"
	"github.com/cuongbtq/plotter-api/internal/driver"
	"github.com/cuongbtq/plotter-api/internal/metrics"
)

// ErrUnknownCommand is returned for an unsupported utility command
var ErrUnknownCommand = errors.New("unknown utility command")

// Config holds controller dependencies
type Config struct {
	Logger  *slog.Logger
	Factory driver.Factory
	// Defaults returns the option values applied before a job's overrides
	Defaults func() map[string]any
}

// Run tracks one job from Execute until it completes, fails or is stopped.
// A paused job keeps its run open.
type Run struct {
	jobID   string
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	stopped bool // guarded by Controller.mu

	final *domain.Job
	err   error
}

// JobID returns the id of the job being run
func (r *Run) JobID() string {
	return r.jobID
}

// Done is closed once the job reaches a terminal status
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Result returns the terminal job and its driver error. Valid after Done is closed.
func (r *Run) Result() (*domain.Job, error) {
	return r.final, r.err
}

func (r *Run) finish(job *domain.Job, err error) {
	r.once.Do(func() {
		r.final = job
		r.err = err
		close(r.done)
	})
}

// Controller is the device state machine. Transitions happen under one lock;
// draw calls run on their own goroutine outside it.
type Controller struct {
	logger    *slog.Logger
	factory   driver.Factory
	defaults  func() map[string]any
	observers []Observer
	now       func() time.Time

	emitMu sync.Mutex

	mu        sync.Mutex
	state     State
	drv       driver.Driver
	connected bool
	device    *driver.DeviceInfo
	job       *domain.Job
	run       *Run
	drawing   bool
	utility   bool
	lastErr   string
	stats     Stats

	// connecting is set while Execute reconnects a device released by Stop
	connecting bool
}

// New creates a controller in state DISCONNECTED
func New(cfg Config) *Controller {
	defaults := cfg.Defaults
	if defaults == nil {
		defaults = func() map[string]any { return nil }
	}
	c := &Controller{
		logger:   cfg.Logger,
		factory:  cfg.Factory,
		defaults: defaults,
		now:      time.Now,
	}
	c.setState(StateDisconnected)
	return c
}

// AddObserver registers an observer. Call before the controller is used.
func (c *Controller) AddObserver(o Observer) {
	c.observers = append(c.observers, o)
}

// Initialize performs the device handshake. On failure the controller moves
// to ERROR and stays there until Initialize succeeds.
func (c *Controller) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.active() || c.connecting {
		c.mu.Unlock()
		return domain.ErrBusy
	}
	c.mu.Unlock()

	drv := c.factory()
	info, err := drv.Connect(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active() || c.connecting {
		_ = drv.Disconnect()
		return domain.ErrBusy
	}
	if err != nil {
		c.connected = false
		c.lastErr = err.Error()
		c.setState(StateError)
		c.logger.Error("Device initialization failed", slog.String("error", err.Error()))
		return domain.NewDriverError("connect", err)
	}

	if c.drv != nil && c.connected {
		_ = c.drv.Disconnect()
	}
	c.drv = drv
	c.connected = true
	c.device = info
	c.lastErr = ""
	c.setState(StateIdle)

	c.logger.Info("Device initialized",
		slog.String("firmware", info.Firmware),
		slog.String("nickname", info.Nickname),
	)
	return nil
}

// Execute claims the device for job and starts drawing it in the background.
// It fails with domain.ErrBusy unless the device is IDLE. A device released
// by Stop is reconnected first; if that handshake fails the controller moves
// to ERROR and Execute returns a *domain.DriverError without claiming the job.
func (c *Controller) Execute(job *domain.Job) (*Run, error) {
	c.mu.Lock()
	err := c.idleLocked()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	artifact, err := job.ResolveArtifact()
	if err != nil {
		return nil, err
	}

	if err := c.reconnect(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if err := c.idleLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	j := job.Clone()
	now := c.now()
	j.Status = domain.JobStatusRunning
	j.StartedAt = &now
	j.CompletedAt = nil
	j.ErrorMessage = nil
	j.ProgressArtifact = nil
	j.Result = &domain.JobResult{}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Run{jobID: j.ID, ctx: ctx, cancel: cancel, done: make(chan struct{})}

	c.job = j
	c.run = r
	c.drawing = true
	c.lastErr = ""
	c.setState(StatePlotting)
	drv := c.drv
	snapshot := j.Clone()
	c.mu.Unlock()

	c.logger.Info("Job started",
		slog.String("job_id", j.ID),
		slog.String("name", j.Name),
		slog.Int("artifact_bytes", len(artifact)),
	)

	go c.drawJob(r, drv, snapshot, artifact)
	return r, nil
}

// reconnect performs the handshake for an IDLE device left disconnected by
// Stop. The device counts as busy while the handshake runs.
func (c *Controller) reconnect() error {
	c.mu.Lock()
	if err := c.idleLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	drv := c.drv
	c.mu.Unlock()

	info, err := drv.Connect(context.Background())

	c.mu.Lock()
	defer c.mu.Unlock()
	c.connecting = false

	if err != nil {
		c.lastErr = err.Error()
		if c.state == StateIdle {
			c.setState(StateError)
		}
		c.logger.Error("Device reconnect failed", slog.String("error", err.Error()))
		return domain.NewDriverError("connect", err)
	}
	if c.state != StateIdle || c.drv != drv {
		_ = drv.Disconnect()
		return domain.ErrBusy
	}
	c.connected = true
	c.device = info
	return nil
}

// Pause asks the driver to halt at its next safe boundary. The state is
// PAUSED immediately; Resume becomes possible once the progress artifact arrives.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StatePlotting {
		return fmt.Errorf("%w: cannot pause while %s", domain.ErrInvalidState, c.state)
	}
	c.job.Status = domain.JobStatusPaused
	c.setState(StatePaused)
	c.drv.RequestPause()

	c.logger.Info("Pause requested", slog.String("job_id", c.job.ID))
	return nil
}

// Resume continues a paused job from its progress artifact
func (c *Controller) Resume() error {
	c.mu.Lock()

	if c.state != StatePaused {
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot resume while %s", domain.ErrInvalidState, c.state)
	}
	if c.drawing || len(c.job.ProgressArtifact) == 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: pause has not taken effect yet", domain.ErrInvalidState)
	}

	j := c.job
	artifact := j.ProgressArtifact
	j.ProgressArtifact = nil
	j.Status = domain.JobStatusRunning
	c.drawing = true
	c.setState(StatePlotting)
	r := c.run
	drv := c.drv
	snapshot := j.Clone()
	c.mu.Unlock()

	c.logger.Info("Job resumed", slog.String("job_id", j.ID))

	go c.resumeJob(r, drv, snapshot, artifact)
	return nil
}

// Stop aborts the current job, discards its progress and disconnects the
// device. The controller is IDLE when Stop returns.
func (c *Controller) Stop() error {
	c.mu.Lock()

	if !c.active() {
		c.mu.Unlock()
		return fmt.Errorf("%w: nothing to stop while %s", domain.ErrInvalidState, c.state)
	}

	r := c.run
	j := c.job
	now := c.now()
	j.Status = domain.JobStatusCancelled
	j.CompletedAt = &now
	j.ProgressArtifact = nil
	r.stopped = true
	r.cancel()

	old := c.drv
	c.drv = c.factory()
	c.connected = false
	c.job = nil
	c.run = nil
	c.drawing = false
	c.setState(StateIdle)
	final := j.Clone()
	c.mu.Unlock()

	if err := old.Disconnect(); err != nil {
		c.logger.Warn("Device disconnect failed", slog.String("error", err.Error()))
	}
	c.logger.Info("Job stopped", slog.String("job_id", final.ID))

	c.emit(r, Event{Type: EventStopped, Job: final})
	r.finish(final, nil)
	return nil
}

// Utility runs a maintenance command on a throwaway driver session.
// It is rejected with domain.ErrBusy while a job is drawing.
func (c *Controller) Utility(ctx context.Context, command string, params UtilityParams) (string, error) {
	configure, err := utilityOptions(command, params)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.state == StatePlotting || c.utility || c.connecting {
		c.mu.Unlock()
		metrics.BusyRejectionsTotal.Inc()
		return "", domain.ErrBusy
	}
	c.utility = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.utility = false
		c.mu.Unlock()
	}()

	d := c.factory()
	if _, err := d.Connect(ctx); err != nil {
		return "", domain.NewDriverError("connect", err)
	}
	defer d.Disconnect()

	opts := d.Options()
	*opts = driver.DefaultOptions()
	opts.Apply(c.defaults(), c.logger)
	configure(opts)

	out, err := d.Draw(ctx)
	if err != nil {
		return "", domain.NewDriverError("utility "+command, err)
	}

	c.logger.Info("Utility command executed", slog.String("command", command))
	return out.Report, nil
}

// Snapshot returns a copy of the controller state
func (c *Controller) Snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:          c.state,
		LastError:      c.lastErr,
		Stats:          c.stats,
		UtilityRunning: c.utility,
	}
	if c.job != nil {
		st.HasProgress = len(c.job.ProgressArtifact) > 0
		st.Job = c.job.Clone()
		st.Job.ProgressArtifact = nil
	}
	if c.device != nil {
		d := *c.device
		st.Device = &d
	}
	return st
}

// Close stops any active job and disconnects the device
func (c *Controller) Close() error {
	c.mu.Lock()
	active := c.active()
	c.mu.Unlock()
	if active {
		if err := c.Stop(); err != nil && !errors.Is(err, domain.ErrInvalidState) {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if c.drv != nil && c.connected {
		err = c.drv.Disconnect()
	}
	c.connected = false
	c.setState(StateDisconnected)
	return err
}

func (c *Controller) drawJob(r *Run, drv driver.Driver, job *domain.Job, artifact []byte) {
	c.emit(r, Event{Type: EventStarted, Job: job})

	if err := c.prepare(r.ctx, drv, job, artifact); err != nil {
		c.finishDraw(r, nil, err, 0)
		return
	}
	c.draw(r, drv)
}

func (c *Controller) resumeJob(r *Run, drv driver.Driver, job *domain.Job, artifact []byte) {
	c.emit(r, Event{Type: EventResumed, Job: job})

	opts := drv.Options()
	layer, err := c.configure(opts, job)
	if err != nil {
		c.finishDraw(r, nil, err, 0)
		return
	}
	opts.Mode = driver.ModeResPlot
	if layer >= 0 {
		opts.Layer = layer
	}
	if err := drv.Prepare(artifact); err != nil {
		c.finishDraw(r, nil, domain.NewDriverError("prepare", err), 0)
		return
	}
	c.draw(r, drv)
}

// prepare loads the artifact into the driver. A resume offset first runs the
// driver's offset adjustment and then plots the derived artifact in resume mode.
func (c *Controller) prepare(ctx context.Context, drv driver.Driver, job *domain.Job, artifact []byte) error {
	opts := drv.Options()
	layer, err := c.configure(opts, job)
	if err != nil {
		return err
	}

	if job.StartMM != nil && *job.StartMM > 0 {
		opts.Mode = driver.ModeResAdjust
		opts.Dist = *job.StartMM
		if err := drv.Prepare(artifact); err != nil {
			return domain.NewDriverError("prepare", err)
		}
		out, err := drv.Draw(ctx)
		if err != nil {
			return domain.NewDriverError("offset adjust", err)
		}
		artifact = out.Artifact

		if _, err := c.configure(opts, job); err != nil {
			return err
		}
		opts.Mode = driver.ModeResPlot
		c.logger.Info("Resume offset applied",
			slog.String("job_id", job.ID),
			slog.Float64("start_mm", *job.StartMM),
		)
	} else if layer >= 0 {
		opts.Mode = driver.ModeLayers
	}

	if err := drv.Prepare(artifact); err != nil {
		return domain.NewDriverError("prepare", err)
	}
	return nil
}

// configure resets opts to defaults, then settings, then job overrides.
// It returns the selected layer or -1 for all layers.
func (c *Controller) configure(opts *driver.Options, job *domain.Job) (int, error) {
	*opts = driver.DefaultOptions()
	opts.Apply(c.defaults(), c.logger)
	opts.Apply(job.ConfigOverrides, c.logger)

	layer, err := ParseLayer(job.Layer)
	if err != nil {
		return -1, err
	}
	if layer >= 0 {
		opts.Layer = layer
	}
	return layer, nil
}

func (c *Controller) draw(r *Run, drv driver.Driver) {
	start := c.now()
	out, err := drv.Draw(r.ctx)
	elapsed := c.now().Sub(start)
	if err != nil {
		err = domain.NewDriverError("draw", err)
	}
	c.finishDraw(r, out, err, elapsed)
}

func (c *Controller) finishDraw(r *Run, out *driver.Outcome, err error, elapsed time.Duration) {
	c.mu.Lock()
	if c.run != r {
		c.mu.Unlock()
		return
	}

	c.drawing = false
	j := c.job
	if out != nil {
		j.Result.DrawnMM += out.DrawnMM
	}
	j.Result.PlotTimeSeconds += elapsed.Seconds()
	if elapsed > 0 {
		metrics.PlotDurationSeconds.Observe(elapsed.Seconds())
	}

	switch {
	case err != nil:
		now := c.now()
		j.Status = domain.JobStatusFailed
		j.SetError(err.Error())
		j.CompletedAt = &now
		j.ProgressArtifact = nil
		c.stats.TotalJobs++
		c.stats.FailedJobs++
		c.lastErr = err.Error()
		c.job = nil
		c.run = nil
		c.setState(StateIdle)
		final := j.Clone()
		c.mu.Unlock()

		c.logger.Error("Job failed",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
		c.emit(r, Event{Type: EventFailed, Job: final, Err: err})
		r.finish(final, err)

	case out.Paused:
		j.Status = domain.JobStatusPaused
		j.ProgressArtifact = out.Artifact
		c.setState(StatePaused)
		snapshot := j.Clone()
		c.mu.Unlock()

		c.logger.Info("Job paused",
			slog.String("job_id", j.ID),
			slog.Float64("drawn_mm", snapshot.Result.DrawnMM),
		)
		c.emit(r, Event{Type: EventPaused, Job: snapshot})

	default:
		now := c.now()
		j.Status = domain.JobStatusCompleted
		j.CompletedAt = &now
		j.ProgressArtifact = nil
		c.stats.TotalJobs++
		c.stats.SuccessfulJobs++
		c.stats.TotalPlotSeconds += j.Result.PlotTimeSeconds
		c.stats.LastJobSeconds = j.Result.PlotTimeSeconds
		c.stats.TotalDrawnMM += j.Result.DrawnMM
		c.stats.LastJobCompletedAt = &now
		c.job = nil
		c.run = nil
		c.setState(StateIdle)
		final := j.Clone()
		c.mu.Unlock()

		c.logger.Info("Job completed",
			slog.String("job_id", j.ID),
			slog.Float64("drawn_mm", final.Result.DrawnMM),
			slog.Float64("plot_time_seconds", final.Result.PlotTimeSeconds),
		)
		c.emit(r, Event{Type: EventCompleted, Job: final})
		r.finish(final, nil)
	}
}

// emit delivers an event to observers in order. Events of a stopped run are
// dropped, except the stop event itself.
func (c *Controller) emit(r *Run, ev Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	if ev.Type != EventStopped {
		c.mu.Lock()
		stale := r.stopped
		c.mu.Unlock()
		if stale {
			return
		}
	}
	c.deliver(ev)
}

// AnnounceCancelled tells observers about a job cancelled before it reached
// the device. It fits queue.Queue.SetCancelListener.
func (c *Controller) AnnounceCancelled(job *domain.Job) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.deliver(Event{Type: EventCancelled, Job: job})
}

// deliver runs the observers; the caller holds emitMu
func (c *Controller) deliver(ev Event) {
	ev.At = c.now()
	for _, o := range c.observers {
		o.OnJobEvent(context.Background(), ev)
	}
}

func (c *Controller) idleLocked() error {
	if c.state != StateIdle || c.utility || c.connecting {
		metrics.BusyRejectionsTotal.Inc()
		return domain.ErrBusy
	}
	return nil
}

func (c *Controller) active() bool {
	return c.state == StatePlotting || c.state == StatePaused
}

func (c *Controller) setState(s State) {
	c.state = s
	metrics.SetDeviceState(string(s), allStates)
}

// ParseLayer converts a layer selector to a layer number, -1 meaning all layers.
// Accepted forms are "", "all", "3" and "layer_3".
func ParseLayer(sel string) (int, error) {
	if sel == "" || sel == domain.LayerAll {
		return -1, nil
	}
	n, err := strconv.Atoi(strings.TrimPrefix(sel, "layer_"))
	if err != nil || n < 0 {
		return -1, fmt.Errorf("%w: %q", domain.ErrInvalidLayer, sel)
	}
	return n, nil
}

func utilityOptions(command string, p UtilityParams) (func(o *driver.Options), error) {
	simple := map[string]string{
		CommandHome:      driver.UtilityHome,
		CommandRaisePen:  driver.UtilityRaisePen,
		CommandLowerPen:  driver.UtilityLowerPen,
		CommandTogglePen: driver.UtilityTogglePen,
	}
	if cmd, ok := simple[command]; ok {
		return func(o *driver.Options) {
			o.Mode = driver.ModeUtility
			o.UtilityCmd = cmd
		}, nil
	}

	switch command {
	case CommandGetInfo:
		return func(o *driver.Options) { o.Mode = driver.ModeSysInfo }, nil
	case CommandMove:
		var cmd string
		switch {
		case p.Direction == "x" && (p.Units == "" || p.Units == "mm"):
			cmd = driver.UtilityWalkMMX
		case p.Direction == "y" && (p.Units == "" || p.Units == "mm"):
			cmd = driver.UtilityWalkMMY
		case p.Direction == "x" && p.Units == "in":
			cmd = driver.UtilityWalkX
		case p.Direction == "y" && p.Units == "in":
			cmd = driver.UtilityWalkY
		default:
			return nil, fmt.Errorf("%w: move needs direction x|y and units mm|in", ErrUnknownCommand)
		}
		if p.Distance == 0 {
			return nil, fmt.Errorf("%w: move distance must be non-zero", ErrUnknownCommand)
		}
		return func(o *driver.Options) {
			o.Mode = driver.ModeUtility
			o.UtilityCmd = cmd
			o.Dist = p.Distance
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}
}
