package domain

// JobStatus is the lifecycle state of a submitted plot job
type JobStatus string

// Job status constants
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// LayerStatus is the upload state of a single project layer
type LayerStatus string

// Layer status constants
const (
	LayerStatusNotStarted LayerStatus = "not_started"
	LayerStatusUploading  LayerStatus = "uploading"
	LayerStatusComplete   LayerStatus = "complete"
	LayerStatusError      LayerStatus = "error"
)

// ProjectStatus is the overall state of the active project
type ProjectStatus string

// Project status constants
const (
	ProjectStatusCreated   ProjectStatus = "created"
	ProjectStatusUploading ProjectStatus = "uploading"
	ProjectStatusReady     ProjectStatus = "ready"
	ProjectStatusPlotting  ProjectStatus = "plotting"
	ProjectStatusComplete  ProjectStatus = "complete"
	ProjectStatusError     ProjectStatus = "error"
)

const (
	// DefaultPriority is applied when a submission omits priority
	DefaultPriority = 1

	// LayerAll selects every layer of an artifact
	LayerAll = "all"
)
