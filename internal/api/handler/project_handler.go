package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/cuongbtq/plotter-api/internal/api/dto"
	"github.com/cuongbtq/plotter-api/internal/project"
	"github.com/gin-gonic/gin"
)

// ProjectHandler manages the active multi-layer project
type ProjectHandler struct {
	logger         *slog.Logger
	projects       *project.Manager
	jobs           *JobHandler
	maxUploadBytes int64
}

// NewProjectHandler creates a new ProjectHandler instance
func NewProjectHandler(deps *Dependencies, jobs *JobHandler) *ProjectHandler {
	return &ProjectHandler{
		logger:         deps.Logger,
		projects:       deps.Projects,
		jobs:           jobs,
		maxUploadBytes: deps.MaxUploadBytes,
	}
}

// CreateProject handles POST /api/v1/project
// Replaces any existing project and its files
func (h *ProjectHandler) CreateProject(c *gin.Context) {
	var req dto.CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if len(req.LayerNames) > req.TotalLayers {
		badRequest(c, "layer_names has more entries than total_layers")
		return
	}

	p, err := h.projects.Create(project.CreateRequest{
		Name:        req.Name,
		Description: req.Description,
		TotalLayers: req.TotalLayers,
		LayerNames:  req.LayerNames,
		Config:      req.Config,
		Metadata:    req.Metadata,
	})
	msg, ok := warning(err)
	if !ok {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, dto.ProjectResponse{Project: p, Warning: msg})
}

// GetProject handles GET /api/v1/project
func (h *ProjectHandler) GetProject(c *gin.Context) {
	p, err := h.projects.Current()
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.ProjectResponse{Project: p})
}

// DeleteProject handles DELETE /api/v1/project
func (h *ProjectHandler) DeleteProject(c *gin.Context) {
	if err := h.projects.Delete(); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// UploadLayer handles POST /api/v1/project/layers/:layer_id
func (h *ProjectHandler) UploadLayer(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)

	fh, err := c.FormFile("svg_file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.jobs.rejectBody(c, err)
			return
		}
		badRequest(c, "svg_file is required")
		return
	}
	if !strings.EqualFold(filepath.Ext(fh.Filename), ".svg") {
		badRequest(c, "only .svg files are accepted")
		return
	}
	f, err := fh.Open()
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	defer f.Close()

	layer, err := h.projects.UploadLayer(c.Param("layer_id"), filepath.Base(fh.Filename), f)
	msg, ok := warning(err)
	if !ok {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.LayerResponse{Layer: layer, Warning: msg})
}

// UploadLayerChunk handles POST /api/v1/project/layers/:layer_id/chunk
func (h *ProjectHandler) UploadLayerChunk(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)

	chunk, err := readChunk(c)
	if err != nil {
		h.jobs.rejectBody(c, err)
		return
	}

	progress, layer, err := h.projects.UploadLayerChunk(c.Param("layer_id"), chunk)
	msg, ok := warning(err)
	if !ok {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"upload":  progress,
		"layer":   layer,
		"warning": msg,
	})
}

// PlotLayer handles POST /api/v1/plot/layers/:layer_id
// Submits a job for a completed layer with project config under the overrides
func (h *ProjectHandler) PlotLayer(c *gin.Context) {
	var req dto.PlotLayerRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body: "+err.Error())
			return
		}
	}

	job, err := h.projects.LayerJob(c.Param("layer_id"), req.ConfigOverrides)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if req.Name != "" {
		job.Name = req.Name
	}
	if req.Priority != nil {
		job.Priority = *req.Priority
	}
	job.StartMM = req.StartMM

	resp, status, err := h.jobs.enqueue(job, "project")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(status, resp)
}
