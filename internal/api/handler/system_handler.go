package handler

import (
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/cuongbtq/plotter-api/internal/api/dto"
	"github.com/cuongbtq/plotter-api/internal/archive"
	"github.com/cuongbtq/plotter-api/shared/logger"
	"github.com/gin-gonic/gin"
)

const (
	defaultLogLines = 100
	maxLogLines     = 5000
	defaultPageSize = 20
	maxPageSize     = 100
)

// SystemHandler serves health, logs and job history
type SystemHandler struct {
	logger      *slog.Logger
	history     HistoryStore
	checks      map[string]HealthChecker
	logFile     string
	serviceName string
}

// NewSystemHandler creates a new SystemHandler instance
func NewSystemHandler(deps *Dependencies) *SystemHandler {
	name := deps.ServiceName
	if name == "" {
		name = "plotter-api"
	}
	return &SystemHandler{
		logger:      deps.Logger,
		history:     deps.History,
		checks:      deps.Checks,
		logFile:     deps.LogFile,
		serviceName: name,
	}
}

// Health handles GET /health
func (h *SystemHandler) Health(c *gin.Context) {
	status := http.StatusOK
	backends := gin.H{}
	for name, chk := range h.checks {
		if err := chk.HealthCheck(c.Request.Context()); err != nil {
			backends[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		backends[name] = "ok"
	}

	state := "healthy"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{
		"status":   state,
		"service":  h.serviceName,
		"backends": backends,
	})
}

// Logs handles GET /api/v1/logs?lines=N
func (h *SystemHandler) Logs(c *gin.Context) {
	if h.logFile == "" {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "file logging is not enabled", Code: "not_configured"})
		return
	}

	n := defaultLogLines
	if raw := c.Query("lines"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			badRequest(c, "lines must be a positive integer")
			return
		}
		n = min(v, maxLogLines)
	}

	lines, err := logger.Tail(h.logFile, n)
	if errors.Is(err, fs.ErrNotExist) {
		lines = []string{}
	} else if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"file":  h.logFile,
		"lines": lines,
		"count": len(lines),
	})
}

// History handles GET /api/v1/history
// Lists archived terminal jobs, newest first, with cursor pagination
func (h *SystemHandler) History(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "job history database is not enabled", Code: "not_configured"})
		return
	}

	var req dto.HistoryRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, "invalid query parameters: "+err.Error())
		return
	}
	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := archive.DecodeCursor(req.Cursor)
	if err != nil {
		badRequest(c, "invalid cursor")
		return
	}

	rows, err := h.history.ListJobs(c.Request.Context(), archive.JobFilter{
		Status:    req.Status,
		ProjectID: req.ProjectID,
		PageSize:  req.PageSize,
		Cursor:    cursor,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	rows, next := archive.Page(rows, req.PageSize)
	if rows == nil {
		rows = []archive.JobRow{}
	}
	c.JSON(http.StatusOK, dto.HistoryResponse{Jobs: rows, NextCursor: next})
}
