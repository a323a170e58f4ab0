package controller

import (
	"context"
	"time"

	"github.com/cuongbtq/plotter-api/internal/domain"
	"github.com/cuongbtq/plotter-api/internal/driver"
)

// State is the device state
type State string

// Device states
const (
	StateDisconnected State = "DISCONNECTED"
	StateIdle         State = "IDLE"
	StatePlotting     State = "PLOTTING"
	StatePaused       State = "PAUSED"
	StateError        State = "ERROR"
)

var allStates = []string{
	string(StateDisconnected),
	string(StateIdle),
	string(StatePlotting),
	string(StatePaused),
	string(StateError),
}

// Stats accumulates per-process draw statistics
type Stats struct {
	TotalJobs          int        `json:"total_jobs"`
	SuccessfulJobs     int        `json:"successful_jobs"`
	FailedJobs         int        `json:"failed_jobs"`
	TotalPlotSeconds   float64    `json:"total_plot_time"`
	LastJobSeconds     float64    `json:"last_job_time"`
	TotalDrawnMM       float64    `json:"total_drawn_mm"`
	LastJobCompletedAt *time.Time `json:"last_job_completed_at,omitempty"`
}

// Status is a read-only snapshot of the controller
type Status struct {
	State          State              `json:"state"`
	Job            *domain.Job        `json:"current_job,omitempty"`
	LastError      string             `json:"last_error,omitempty"`
	Stats          Stats              `json:"stats"`
	HasProgress    bool               `json:"has_progress_artifact"`
	Device         *driver.DeviceInfo `json:"device,omitempty"`
	UtilityRunning bool               `json:"utility_running"`
}

// EventType names a job lifecycle event
type EventType string

// Job lifecycle events
const (
	EventStarted   EventType = "started"
	EventPaused    EventType = "paused"
	EventResumed   EventType = "resumed"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventStopped   EventType = "stopped"
	EventCancelled EventType = "cancelled"
)

// Event describes a job lifecycle transition
type Event struct {
	Type EventType
	Job  *domain.Job
	Err  error
	At   time.Time
}

// Observer receives job events outside the controller lock, one at a time
// and in order. Observers must not call controller transition methods.
type Observer interface {
	OnJobEvent(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(ctx context.Context, ev Event)

func (f ObserverFunc) OnJobEvent(ctx context.Context, ev Event) {
	f(ctx, ev)
}

// UtilityParams are the arguments of a utility command
type UtilityParams struct {
	Direction string  `json:"direction"`
	Distance  float64 `json:"distance"`
	Units     string  `json:"units"`
}

// Utility command names
const (
	CommandHome      = "home"
	CommandRaisePen  = "raise_pen"
	CommandLowerPen  = "lower_pen"
	CommandTogglePen = "toggle_pen"
	CommandMove      = "move"
	CommandGetInfo   = "get_info"
)
