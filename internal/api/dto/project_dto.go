package dto

import "github.com/cuongbtq/plotter-api/internal/domain"

type CreateProjectRequest struct {
	Name        string         `json:"name" binding:"required"`
	Description string         `json:"description"`
	TotalLayers int            `json:"total_layers" binding:"required,min=1,max=100"`
	LayerNames  []string       `json:"layer_names"`
	Config      map[string]any `json:"config"`
	Metadata    map[string]any `json:"metadata"`
}

type ProjectResponse struct {
	Project *domain.Project `json:"project"`
	Warning string          `json:"warning,omitempty"`
}

type LayerResponse struct {
	Layer   *domain.Layer `json:"layer"`
	Warning string        `json:"warning,omitempty"`
}

type PlotLayerRequest struct {
	Name            string         `json:"name"`
	Priority        *int           `json:"priority"`
	ConfigOverrides map[string]any `json:"config_overrides"`
	StartMM         *float64       `json:"start_mm"`
}

type SettingsResponse struct {
	PlotterSettings map[string]any `json:"plotter_settings"`
	Warning         string         `json:"warning,omitempty"`
}
