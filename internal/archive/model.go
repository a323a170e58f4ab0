package archive

import (
	"time"

	"github.com/cuongbtq/plotter-api/internal/domain"
)

// JobRow is a terminal plot job as stored in plot_jobs
type JobRow struct {
	JobID        string     `db:"job_id" json:"job_id"`
	Name         string     `db:"name" json:"name"`
	Status       string     `db:"status" json:"status"`
	Priority     int        `db:"priority" json:"priority"`
	Source       string     `db:"source" json:"source"`
	ProjectID    string     `db:"project_id" json:"project_id,omitempty"`
	LayerID      string     `db:"layer_id" json:"layer_id,omitempty"`
	DrawnMM      float64    `db:"drawn_mm" json:"drawn_mm"`
	PlotSeconds  float64    `db:"plot_seconds" json:"plot_seconds"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	SubmittedAt  time.Time  `db:"submitted_at" json:"submitted_at"`
	StartedAt    *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt  time.Time  `db:"completed_at" json:"completed_at"`
}

// RowFromJob flattens a job snapshot. Inline content is recorded as
// "inline" so the table never holds drawing bodies.
func RowFromJob(job *domain.Job, now time.Time) *JobRow {
	row := &JobRow{
		JobID:        job.ID,
		Name:         job.Name,
		Status:       string(job.Status),
		Priority:     job.Priority,
		Source:       "inline",
		ProjectID:    job.ProjectID,
		LayerID:      job.LayerID,
		ErrorMessage: job.ErrorMessage,
		SubmittedAt:  job.SubmittedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  now,
	}
	if job.SVGFile != "" {
		row.Source = job.SVGFile
		if job.OriginalFilename != "" {
			row.Source = job.OriginalFilename
		}
	}
	if job.CompletedAt != nil {
		row.CompletedAt = *job.CompletedAt
	}
	if job.Result != nil {
		row.DrawnMM = job.Result.DrawnMM
		row.PlotSeconds = job.Result.PlotTimeSeconds
	}
	return row
}
