// Package project manages the single active multi-layer project.
package project

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/plotter-api/internal/controller"
	"github.com/cuongbtq/plotter-api/internal/domain"
	"github.com/cuongbtq/plotter-api/internal/filestore"
	"github.com/cuongbtq/plotter-api/internal/upload"
)

const (
	stateFile = "project_state.json"
	layersDir = "layers"
	tempDir   = "temp"

	// MaxLayers bounds the layer count of a project
	MaxLayers = 100
)

// CreateRequest describes a new project
type CreateRequest struct {
	Name        string
	Description string
	TotalLayers int
	LayerNames  []string
	Config      map[string]any
	Metadata    map[string]any
}

// Manager holds the single active project. Creating a project discards
// the previous one together with its files.
type Manager struct {
	root   string
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	project   *domain.Project
	dir       string
	assembler *upload.Assembler
}

// NewManager creates a manager rooted at root and restores the most recent project
func NewManager(root string, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create projects dir: %w", err)
	}
	m := &Manager{root: root, logger: logger, now: time.Now}
	if err := m.restore(); err != nil {
		return nil, err
	}
	return m, nil
}

// Create replaces the active project with a new one
func (m *Manager) Create(req CreateRequest) (*domain.Project, error) {
	if req.Name == "" {
		return nil, errors.New("project name is required")
	}
	if req.TotalLayers < 1 || req.TotalLayers > MaxLayers {
		return nil, fmt.Errorf("total_layers must be between 1 and %d", MaxLayers)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.discardLocked()

	now := m.now()
	p := &domain.Project{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		Status:      domain.ProjectStatusCreated,
		TotalLayers: req.TotalLayers,
		Layers:      make([]*domain.Layer, req.TotalLayers),
		Config:      req.Config,
		Metadata:    req.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for i := range p.Layers {
		name := fmt.Sprintf("Layer %d", i+1)
		if i < len(req.LayerNames) && req.LayerNames[i] != "" {
			name = req.LayerNames[i]
		}
		p.Layers[i] = &domain.Layer{ID: domain.LayerID(i), Name: name, Status: domain.LayerStatusNotStarted}
	}

	dir := filepath.Join(m.root, p.ID)
	asm, err := upload.NewAssembler(filepath.Join(dir, tempDir), filepath.Join(dir, layersDir), m.logger)
	if err != nil {
		return nil, err
	}
	m.project = p
	m.dir = dir
	m.assembler = asm

	m.logger.Info("Project created",
		slog.String("project_id", p.ID),
		slog.String("name", p.Name),
		slog.Int("total_layers", p.TotalLayers),
	)
	return p.Clone(), m.saveLocked()
}

// SweepStale forgets layer upload sessions of the active project idle for
// longer than maxAge
func (m *Manager) SweepStale(maxAge time.Duration) int {
	m.mu.Lock()
	asm := m.assembler
	m.mu.Unlock()
	if asm == nil {
		return 0
	}
	return asm.SweepStale(maxAge)
}

// Current returns the active project
func (m *Manager) Current() (*domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.project == nil {
		return nil, domain.ErrNoActiveProject
	}
	return m.project.Clone(), nil
}

// Delete discards the active project and its files
func (m *Manager) Delete() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.project == nil {
		return domain.ErrNoActiveProject
	}
	m.discardLocked()
	return nil
}

// UploadLayer stores a whole layer file
func (m *Manager) UploadLayer(layerID, filename string, r io.Reader) (*domain.Layer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	layer, err := m.layerLocked(layerID)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(m.dir, layersDir, upload.OutputName(layerID+"_"+filename, m.now()))
	var size int64
	err = filestore.WriteAtomic(path, 0o644, func(w io.Writer) error {
		n, err := io.Copy(w, r)
		size = n
		return err
	})
	if err != nil {
		layer.Status = domain.LayerStatusError
		layer.ErrorMessage = err.Error()
		_ = m.saveLocked()
		return nil, fmt.Errorf("store layer %s: %w", layerID, err)
	}
	if size == 0 {
		_ = os.Remove(path)
		return nil, fmt.Errorf("%w: empty layer file", domain.ErrNoValidArtifact)
	}

	m.completeLayerLocked(layer, path, size)
	return cloneLayer(layer), m.saveLocked()
}

// UploadLayerChunk accepts one chunk of a layer file
func (m *Manager) UploadLayerChunk(layerID string, c upload.Chunk) (upload.Progress, *domain.Layer, error) {
	m.mu.Lock()
	layer, err := m.layerLocked(layerID)
	if err != nil {
		m.mu.Unlock()
		return upload.Progress{}, nil, err
	}
	asm := m.assembler
	if layer.Status == domain.LayerStatusNotStarted || layer.Status == domain.LayerStatusError {
		layer.Status = domain.LayerStatusUploading
		layer.ErrorMessage = ""
		m.project.Recount()
	}
	m.mu.Unlock()

	sessionID := c.SessionID
	c.SessionID = layerID + "-" + sessionID
	progress, err := asm.Accept(c)
	progress.SessionID = sessionID

	m.mu.Lock()
	defer m.mu.Unlock()

	// the project may have been replaced while the chunk was written
	if m.assembler != asm {
		return progress, nil, domain.ErrNoActiveProject
	}
	layer, lerr := m.layerLocked(layerID)
	if lerr != nil {
		return progress, nil, lerr
	}
	if err != nil {
		return progress, cloneLayer(layer), err
	}

	layer.UploadPercent = progress.Percent
	if progress.Complete && layer.Status != domain.LayerStatusComplete {
		m.completeLayerLocked(layer, progress.FinalPath, progress.Size)
		asm.Discard(c.SessionID)
	}
	return progress, cloneLayer(layer), m.saveLocked()
}

// LayerJob builds a job plotting a completed layer. Project config is
// applied first and overrides win.
func (m *Manager) LayerJob(layerID string, overrides map[string]any) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	layer, err := m.layerLocked(layerID)
	if err != nil {
		return nil, err
	}
	if layer.Status != domain.LayerStatusComplete {
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrProjectNotReady, layerID, layer.Status)
	}

	cfg := make(map[string]any, len(m.project.Config)+len(overrides))
	for k, v := range m.project.Config {
		cfg[k] = v
	}
	for k, v := range overrides {
		cfg[k] = v
	}

	return &domain.Job{
		ID:               uuid.NewString(),
		Name:             fmt.Sprintf("%s - %s", m.project.Name, layer.Name),
		Description:      m.project.Description,
		Priority:         domain.DefaultPriority,
		SVGFile:          layer.FilePath,
		OriginalFilename: filepath.Base(layer.FilePath),
		FileSize:         layer.FileSize,
		ConfigOverrides:  cfg,
		ProjectID:        m.project.ID,
		LayerID:          layer.ID,
		SubmittedAt:      m.now(),
	}, nil
}

// OnJobEvent moves the project status along with its layer jobs
func (m *Manager) OnJobEvent(_ context.Context, ev controller.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.project == nil || ev.Job == nil || ev.Job.ProjectID != m.project.ID {
		return
	}

	switch ev.Type {
	case controller.EventStarted, controller.EventResumed:
		m.project.Status = domain.ProjectStatusPlotting
	case controller.EventCompleted:
		m.project.Status = domain.ProjectStatusComplete
	case controller.EventFailed:
		m.project.Status = domain.ProjectStatusError
	case controller.EventStopped:
		m.project.Status = domain.ProjectStatusReady
	default:
		return
	}
	_ = m.saveLocked()
}

func (m *Manager) layerLocked(layerID string) (*domain.Layer, error) {
	if m.project == nil {
		return nil, domain.ErrNoActiveProject
	}
	return m.project.Layer(layerID)
}

func (m *Manager) completeLayerLocked(layer *domain.Layer, path string, size int64) {
	if layer.FilePath != "" && layer.FilePath != path {
		_ = os.Remove(layer.FilePath)
	}
	now := m.now()
	layer.Status = domain.LayerStatusComplete
	layer.FilePath = path
	layer.FileSize = size
	layer.UploadPercent = 100
	layer.UploadedAt = &now
	layer.ErrorMessage = ""

	m.project.Recount()
	m.logger.Info("Layer uploaded",
		slog.String("project_id", m.project.ID),
		slog.String("layer_id", layer.ID),
		slog.Int64("size", size),
		slog.Int("uploaded_layers", m.project.UploadedLayers),
	)
}

func (m *Manager) discardLocked() {
	if m.project == nil {
		return
	}
	if err := os.RemoveAll(m.dir); err != nil {
		m.logger.Warn("Failed to remove project dir", slog.String("dir", m.dir), slog.String("error", err.Error()))
	}
	m.logger.Info("Project discarded", slog.String("project_id", m.project.ID))
	m.project = nil
	m.dir = ""
	m.assembler = nil
}

func (m *Manager) saveLocked() error {
	m.project.UpdatedAt = m.now()
	path := filepath.Join(m.dir, stateFile)
	if err := filestore.WriteJSON(path, m.project); err != nil {
		m.logger.Warn("Failed to persist project state", slog.String("path", path), slog.String("error", err.Error()))
		return &domain.PersistenceError{Path: path, Err: err}
	}
	return nil
}

// restore loads the newest persisted project and wipes every upload scratch dir
func (m *Manager) restore() error {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return fmt.Errorf("read projects dir: %w", err)
	}

	var newest *domain.Project
	var newestDir string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(m.root, e.Name())
		_ = os.RemoveAll(filepath.Join(dir, tempDir))

		var p domain.Project
		found, err := filestore.ReadJSON(filepath.Join(dir, stateFile), &p)
		if err != nil || !found {
			if err != nil {
				m.logger.Warn("Skipping unreadable project state", slog.String("dir", dir), slog.String("error", err.Error()))
			}
			continue
		}
		if newest == nil || p.CreatedAt.After(newest.CreatedAt) {
			pc := p
			newest = &pc
			newestDir = dir
		}
	}
	if newest == nil {
		return nil
	}

	// interrupted uploads restart from scratch
	for _, l := range newest.Layers {
		if l.Status == domain.LayerStatusUploading {
			l.Status = domain.LayerStatusNotStarted
			l.UploadPercent = 0
		}
	}
	if newest.Status == domain.ProjectStatusPlotting {
		newest.Status = domain.ProjectStatusReady
	}
	newest.Recount()

	asm, err := upload.NewAssembler(filepath.Join(newestDir, tempDir), filepath.Join(newestDir, layersDir), m.logger)
	if err != nil {
		return err
	}
	m.project = newest
	m.dir = newestDir
	m.assembler = asm

	m.logger.Info("Project restored",
		slog.String("project_id", newest.ID),
		slog.String("status", string(newest.Status)),
		slog.Int("uploaded_layers", newest.UploadedLayers),
	)
	return nil
}

func cloneLayer(l *domain.Layer) *domain.Layer {
	c := *l
	return &c
}
