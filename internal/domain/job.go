package domain

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// JobResult holds statistics recorded when a draw finishes
type JobResult struct {
	DrawnMM         float64 `json:"drawn_mm"`
	PlotTimeSeconds float64 `json:"plot_time_seconds"`
}

// Job represents a unit of plotting work
type Job struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Description      string         `json:"description,omitempty"`
	Priority         int            `json:"priority"`
	SVGContent       string         `json:"svg_content,omitempty"`
	SVGFile          string         `json:"svg_file,omitempty"`
	OriginalFilename string         `json:"original_filename,omitempty"`
	FileSize         int64          `json:"file_size,omitempty"`
	ConfigOverrides  map[string]any `json:"config_overrides,omitempty"`
	StartMM          *float64       `json:"start_mm,omitempty"`
	Layer            string         `json:"layer,omitempty"`
	ProjectID        string         `json:"project_id,omitempty"`
	LayerID          string         `json:"layer_id,omitempty"`
	Status           JobStatus      `json:"status"`
	SubmittedAt      time.Time      `json:"submitted_at"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage     *string        `json:"error_message,omitempty"`
	Result           *JobResult     `json:"result,omitempty"`

	// ProgressArtifact is only set while the job is paused
	ProgressArtifact []byte `json:"-"`
}

// Validate checks the submission invariants of a job
func (j *Job) Validate() error {
	hasContent := strings.TrimSpace(j.SVGContent) != ""
	hasFile := j.SVGFile != ""
	if hasContent == hasFile {
		if hasContent {
			return fmt.Errorf("%w: svg_content and svg_file are mutually exclusive", ErrNoValidArtifact)
		}
		return ErrNoValidArtifact
	}
	if j.StartMM != nil && *j.StartMM < 0 {
		return fmt.Errorf("%w: start_mm must be >= 0", ErrInvalidJob)
	}
	return nil
}

// ResolveArtifact returns the source bytes of the job
func (j *Job) ResolveArtifact() ([]byte, error) {
	if strings.TrimSpace(j.SVGContent) != "" {
		return []byte(j.SVGContent), nil
	}
	if j.SVGFile == "" {
		return nil, ErrNoValidArtifact
	}
	data, err := os.ReadFile(j.SVGFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoValidArtifact, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrNoValidArtifact, j.SVGFile)
	}
	return data, nil
}

// Clone returns a deep copy safe to hand to other goroutines
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.ConfigOverrides != nil {
		c.ConfigOverrides = make(map[string]any, len(j.ConfigOverrides))
		for k, v := range j.ConfigOverrides {
			c.ConfigOverrides[k] = v
		}
	}
	if j.StartMM != nil {
		v := *j.StartMM
		c.StartMM = &v
	}
	if j.StartedAt != nil {
		v := *j.StartedAt
		c.StartedAt = &v
	}
	if j.CompletedAt != nil {
		v := *j.CompletedAt
		c.CompletedAt = &v
	}
	if j.ErrorMessage != nil {
		v := *j.ErrorMessage
		c.ErrorMessage = &v
	}
	if j.Result != nil {
		v := *j.Result
		c.Result = &v
	}
	if j.ProgressArtifact != nil {
		c.ProgressArtifact = append([]byte(nil), j.ProgressArtifact...)
	}
	return &c
}

// SetError records a failure message on the job
func (j *Job) SetError(msg string) {
	j.ErrorMessage = &msg
}
