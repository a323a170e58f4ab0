package handler

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/plotter-api/internal/api/dto"
	"github.com/cuongbtq/plotter-api/internal/settings"
	"github.com/gin-gonic/gin"
)

// SettingsHandler reads and writes the persisted plotter defaults
type SettingsHandler struct {
	logger   *slog.Logger
	settings *settings.Store
}

// NewSettingsHandler creates a new SettingsHandler instance
func NewSettingsHandler(deps *Dependencies) *SettingsHandler {
	return &SettingsHandler{logger: deps.Logger, settings: deps.Settings}
}

// GetSettings handles GET /api/v1/config
func (h *SettingsHandler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, dto.SettingsResponse{PlotterSettings: h.settings.Values()})
}

// UpdateSettings handles PUT /api/v1/config
// Either every value is applied or none
func (h *SettingsHandler) UpdateSettings(c *gin.Context) {
	var body struct {
		PlotterSettings map[string]any `json:"plotter_settings" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	values, err := h.settings.Update(body.PlotterSettings)
	h.respond(c, values, err)
}

// ResetSettings handles POST /api/v1/config/reset
func (h *SettingsHandler) ResetSettings(c *gin.Context) {
	values, err := h.settings.Reset()
	h.respond(c, values, err)
}

func (h *SettingsHandler) respond(c *gin.Context, values map[string]any, err error) {
	msg, ok := warning(err)
	if !ok {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.SettingsResponse{PlotterSettings: values, Warning: msg})
}
