package domain

import (
	"fmt"
	"time"
)

// Layer is one upload slot of a project
type Layer struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Status        LayerStatus `json:"status"`
	FilePath      string      `json:"file_path,omitempty"`
	FileSize      int64       `json:"file_size,omitempty"`
	UploadPercent int         `json:"upload_progress"`
	UploadedAt    *time.Time  `json:"uploaded_at,omitempty"`
	ErrorMessage  string      `json:"error_message,omitempty"`
}

// Project groups the layers of a multi-pass drawing
type Project struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Status         ProjectStatus  `json:"status"`
	TotalLayers    int            `json:"total_layers"`
	UploadedLayers int            `json:"uploaded_layers"`
	Layers         []*Layer       `json:"layers"`
	Config         map[string]any `json:"config,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// LayerID builds the identifier of the layer at index i
func LayerID(i int) string {
	return fmt.Sprintf("layer_%d", i)
}

// Layer looks up a layer by identifier
func (p *Project) Layer(id string) (*Layer, error) {
	for _, l := range p.Layers {
		if l.ID == id {
			return l, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrInvalidLayer, id)
}

// Recount refreshes UploadedLayers and moves the project to ready once all layers are complete
func (p *Project) Recount() {
	n := 0
	for _, l := range p.Layers {
		if l.Status == LayerStatusComplete {
			n++
		}
	}
	p.UploadedLayers = n
	if n == p.TotalLayers {
		if p.Status == ProjectStatusCreated || p.Status == ProjectStatusUploading {
			p.Status = ProjectStatusReady
		}
	} else if n > 0 || p.anyUploading() {
		if p.Status == ProjectStatusCreated || p.Status == ProjectStatusReady {
			p.Status = ProjectStatusUploading
		}
	}
}

func (p *Project) anyUploading() bool {
	for _, l := range p.Layers {
		if l.Status == LayerStatusUploading {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the project
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	c := *p
	c.Layers = make([]*Layer, len(p.Layers))
	for i, l := range p.Layers {
		lc := *l
		if l.UploadedAt != nil {
			t := *l.UploadedAt
			lc.UploadedAt = &t
		}
		c.Layers[i] = &lc
	}
	c.Config = copyMap(p.Config)
	c.Metadata = copyMap(p.Metadata)
	return &c
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
