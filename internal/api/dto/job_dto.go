package dto

import (
	"github.com/cuongbtq/plotter-api/internal/archive"
	"github.com/cuongbtq/plotter-api/internal/controller"
	"github.com/cuongbtq/plotter-api/internal/domain"
	"github.com/cuongbtq/plotter-api/internal/queue"
	"github.com/cuongbtq/plotter-api/internal/upload"
)

// SubmitJobRequest is the JSON body of POST /api/v1/jobs. Multipart
// submissions carry the same fields as form values, with
// config_overrides JSON encoded.
type SubmitJobRequest struct {
	Name            string         `json:"name" form:"name"`
	Description     string         `json:"description" form:"description"`
	Priority        *int           `json:"priority" form:"priority"`
	SVGContent      string         `json:"svg_content" form:"-"`
	SVGFile         string         `json:"svg_file" form:"-"`
	ConfigOverrides map[string]any `json:"config_overrides" form:"-"`
	StartMM         *float64       `json:"start_mm" form:"start_mm"`
	Layer           string         `json:"layer" form:"layer"`
}

type SubmitJobResponse struct {
	JobID         string           `json:"job_id"`
	Status        domain.JobStatus `json:"status"`
	QueuePosition int              `json:"queue_position,omitempty"`
	Started       bool             `json:"started"`
	Message       string           `json:"message"`
	Warning       string           `json:"warning,omitempty"`
}

// ChunkUploadResponse reports upload progress. Job is set on the response
// that submitted the completed file; persistence warnings ride on Job.
type ChunkUploadResponse struct {
	upload.Progress
	Job *SubmitJobResponse `json:"job,omitempty"`
}

type ListJobsResponse struct {
	queue.Listing
	Stats queue.Stats `json:"stats"`
}

type ReorderRequest struct {
	Position int `json:"position" binding:"required,min=1"`
}

type ReorderResponse struct {
	JobID    string `json:"job_id"`
	Position int    `json:"position"`
	Warning  string `json:"warning,omitempty"`
}

type UtilityRequest struct {
	Command   string  `json:"command" binding:"required"`
	Direction string  `json:"direction"`
	Distance  float64 `json:"distance"`
	Units     string  `json:"units"`
}

type DispatcherStatus struct {
	Mode    string `json:"mode"`
	Running bool   `json:"running"`
}

type StatusResponse struct {
	Device     controller.Status `json:"device"`
	Queue      queue.Stats       `json:"queue"`
	Dispatcher DispatcherStatus  `json:"dispatcher"`
}

type HistoryRequest struct {
	Status    string `form:"status"`
	ProjectID string `form:"project_id"`
	PageSize  int    `form:"page_size"`
	Cursor    string `form:"cursor"`
}

type HistoryResponse struct {
	Jobs       []archive.JobRow `json:"jobs"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
