package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/plotter-api/internal/api/dto"
	"github.com/cuongbtq/plotter-api/internal/controller"
	"github.com/cuongbtq/plotter-api/internal/queue"
	"github.com/cuongbtq/plotter-api/internal/worker"
	"github.com/gin-gonic/gin"
)

// PlotterHandler exposes the device state machine
type PlotterHandler struct {
	logger      *slog.Logger
	ctrl        *controller.Controller
	queue       *queue.Queue
	worker      *worker.Worker
	background  context.Context
	initTimeout time.Duration
}

// NewPlotterHandler creates a new PlotterHandler instance
func NewPlotterHandler(deps *Dependencies) *PlotterHandler {
	bg := deps.Background
	if bg == nil {
		bg = context.Background()
	}
	timeout := deps.InitTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PlotterHandler{
		logger:      deps.Logger,
		ctrl:        deps.Controller,
		queue:       deps.Queue,
		worker:      deps.Worker,
		background:  bg,
		initTimeout: timeout,
	}
}

// Status handles GET /api/v1/status
func (h *PlotterHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, dto.StatusResponse{
		Device: h.ctrl.Snapshot(),
		Queue:  h.queue.Stats(),
		Dispatcher: dto.DispatcherStatus{
			Mode:    string(h.worker.Mode()),
			Running: h.worker.Running(),
		},
	})
}

// Initialize handles POST /api/v1/plotter/initialize
// Reconnects the device and restarts the dispatch loop if it had exited
func (h *PlotterHandler) Initialize(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.initTimeout)
	defer cancel()

	if err := h.ctrl.Initialize(ctx); err != nil {
		respondError(c, h.logger, err)
		return
	}
	if err := h.worker.Start(h.background); err != nil {
		h.logger.Warn("Dispatcher not restarted", slog.String("error", err.Error()))
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Plotter initialized",
		"device":  h.ctrl.Snapshot().Device,
	})
}

// Pause handles POST /api/v1/plotter/pause
func (h *PlotterHandler) Pause(c *gin.Context) {
	h.transition(c, h.ctrl.Pause, "Pause requested")
}

// Resume handles POST /api/v1/plotter/resume
func (h *PlotterHandler) Resume(c *gin.Context) {
	h.transition(c, h.ctrl.Resume, "Job resumed")
}

// Stop handles POST /api/v1/plotter/stop
// Aborts the active job; a stopped job cannot be resumed
func (h *PlotterHandler) Stop(c *gin.Context) {
	h.transition(c, h.ctrl.Stop, "Job stopped")
}

func (h *PlotterHandler) transition(c *gin.Context, fn func() error, msg string) {
	if err := fn(); err != nil {
		respondError(c, h.logger, err)
		return
	}
	st := h.ctrl.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"message": msg,
		"state":   st.State,
	})
}

// Utility handles POST /api/v1/plotter/utility
// Runs home, pen and move commands; rejected while a job is drawing
func (h *PlotterHandler) Utility(c *gin.Context) {
	var req dto.UtilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	report, err := h.ctrl.Utility(c.Request.Context(), req.Command, controller.UtilityParams{
		Direction: req.Direction,
		Distance:  req.Distance,
		Units:     req.Units,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"command": req.Command,
		"result":  report,
	})
}
