// Package settings persists the plotter option defaults applied to every job.
package settings

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cuongbtq/plotter-api/internal/domain"
	"github.com/cuongbtq/plotter-api/internal/driver"
	"github.com/cuongbtq/plotter-api/internal/filestore"
)

// ErrInvalidSetting is returned for unknown names or out of range values
var ErrInvalidSetting = errors.New("invalid setting")

type bounds struct{ min, max int }

var ranges = map[string]bounds{
	"speed_pendown":  {1, 100},
	"speed_penup":    {1, 100},
	"accel":          {1, 100},
	"pen_pos_down":   {0, 100},
	"pen_pos_up":     {0, 100},
	"pen_rate_lower": {1, 100},
	"pen_rate_raise": {1, 100},
	"handling":       {1, 4},
	"model":          {1, 10},
	"penlift":        {1, 3},
	"reordering":     {0, 4},
}

type persisted struct {
	PlotterSettings map[string]any `json:"plotter_settings"`
}

// Store holds the current option defaults
type Store struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	base   driver.Options
	values driver.Options
}

// New creates a store whose factory values are the driver defaults overlaid
// with base, then restores any persisted values from path
func New(path string, base map[string]any, logger *slog.Logger) (*Store, error) {
	opts := driver.DefaultOptions()
	if err := apply(&opts, base); err != nil {
		return nil, fmt.Errorf("plotter defaults: %w", err)
	}
	s := &Store{path: path, logger: logger, base: opts, values: opts}

	var p persisted
	found, err := filestore.ReadJSON(path, &p)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if found {
		restored := opts
		if err := apply(&restored, p.PlotterSettings); err != nil {
			logger.Warn("Ignoring invalid persisted settings", slog.String("error", err.Error()))
		} else {
			s.values = restored
		}
	}
	return s, nil
}

// Values returns the current settings keyed by option name
func (s *Store) Values() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values.Values()
}

// Update validates and applies changes. Nothing is applied when any value is invalid.
// A *domain.PersistenceError means the change is live but not on disk.
func (s *Store) Update(changes map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.values
	if err := apply(&next, changes); err != nil {
		return nil, err
	}
	s.values = next
	s.logger.Info("Plotter settings updated", slog.Int("changed", len(changes)))
	return s.values.Values(), s.persistLocked()
}

// Reset restores the factory values
func (s *Store) Reset() (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values = s.base
	s.logger.Info("Plotter settings reset")
	return s.values.Values(), s.persistLocked()
}

func (s *Store) persistLocked() error {
	if err := filestore.WriteJSON(s.path, persisted{PlotterSettings: s.values.Values()}); err != nil {
		s.logger.Warn("Failed to persist settings", slog.String("path", s.path), slog.String("error", err.Error()))
		return &domain.PersistenceError{Path: s.path, Err: err}
	}
	return nil
}

func apply(opts *driver.Options, values map[string]any) error {
	for name, v := range values {
		if err := opts.Set(name, v); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSetting, err)
		}
		b, ok := ranges[name]
		if !ok {
			continue
		}
		n, _ := opts.Get(name)
		if iv := n.(int); iv < b.min || iv > b.max {
			return fmt.Errorf("%w: %s must be between %d and %d", ErrInvalidSetting, name, b.min, b.max)
		}
	}
	return nil
}
