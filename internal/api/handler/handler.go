package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/plotter-api/internal/archive"
	"github.com/cuongbtq/plotter-api/internal/controller"
	"github.com/cuongbtq/plotter-api/internal/project"
	"github.com/cuongbtq/plotter-api/internal/queue"
	"github.com/cuongbtq/plotter-api/internal/settings"
	"github.com/cuongbtq/plotter-api/internal/upload"
	"github.com/cuongbtq/plotter-api/internal/worker"
)

// HistoryStore reads archived terminal jobs
type HistoryStore interface {
	ListJobs(ctx context.Context, filter archive.JobFilter) ([]archive.JobRow, error)
	GetJobByID(ctx context.Context, jobID string) (*archive.JobRow, error)
}

// HealthChecker reports whether an optional backend is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger     *slog.Logger
	Queue      *queue.Queue
	Controller *controller.Controller
	Worker     *worker.Worker
	Uploads    *upload.Assembler
	Projects   *project.Manager
	Settings   *settings.Store

	// History is nil when the archive database is disabled
	History HistoryStore
	// Checks are run by /health, keyed by backend name
	Checks map[string]HealthChecker

	// Background outlives requests; the dispatch loop runs under it
	Background  context.Context
	InitTimeout time.Duration

	UploadDir      string
	LogFile        string
	MaxInlineBytes int64
	MaxUploadBytes int64
	ServiceName    string
}
