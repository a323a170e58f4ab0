package driver

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
)

// ErrUnknownOption is returned by Options.Set for names the driver does not recognise
var ErrUnknownOption = errors.New("unknown driver option")

// Mode selects what a Draw call does
type Mode string

// Driver modes
const (
	ModePlot      Mode = "plot"
	ModeResPlot   Mode = "res_plot"
	ModeResAdjust Mode = "res_adj_mm"
	ModeLayers    Mode = "layers"
	ModeUtility   Mode = "utility"
	ModeSysInfo   Mode = "sysinfo"
)

// plots reports whether the mode moves the pen over the drawing and can be paused
func (m Mode) plots() bool {
	return m == ModePlot || m == ModeResPlot || m == ModeLayers
}

// Utility commands understood in ModeUtility
const (
	UtilityHome      = "find_home"
	UtilityRaisePen  = "raise_pen"
	UtilityLowerPen  = "lower_pen"
	UtilityTogglePen = "toggle"
	UtilityWalkMMX   = "walk_mmx"
	UtilityWalkMMY   = "walk_mmy"
	UtilityWalkX     = "walk_x"
	UtilityWalkY     = "walk_y"
)

// Options is the typed option set of a driver session
type Options struct {
	Mode       Mode
	UtilityCmd string
	Dist       float64
	Layer      int

	SpeedPenDown int
	SpeedPenUp   int
	Accel        int
	PenPosDown   int
	PenPosUp     int
	PenRateLower int
	PenRateRaise int
	Handling     int
	Model        int
	Penlift      int
	Reordering   int

	Homing      bool
	AutoRotate  bool
	RandomStart bool
	Hiding      bool
	ReportTime  bool
}

// DefaultOptions returns the factory option values
func DefaultOptions() Options {
	return Options{
		Mode:         ModePlot,
		SpeedPenDown: 25,
		SpeedPenUp:   75,
		Accel:        75,
		PenPosDown:   40,
		PenPosUp:     60,
		PenRateLower: 50,
		PenRateRaise: 50,
		Handling:     1,
		Model:        8,
		Penlift:      1,
		Homing:       true,
		AutoRotate:   true,
		ReportTime:   true,
	}
}

type option struct {
	set func(o *Options, v any) error
	get func(o *Options) any
}

func intOption(field func(o *Options) *int) option {
	return option{
		set: func(o *Options, v any) error {
			n, err := toInt(v)
			if err != nil {
				return err
			}
			*field(o) = n
			return nil
		},
		get: func(o *Options) any { return *field(o) },
	}
}

func boolOption(field func(o *Options) *bool) option {
	return option{
		set: func(o *Options, v any) error {
			b, err := toBool(v)
			if err != nil {
				return err
			}
			*field(o) = b
			return nil
		},
		get: func(o *Options) any { return *field(o) },
	}
}

// registry maps recognised option names to typed accessors
var registry = map[string]option{
	"speed_pendown":  intOption(func(o *Options) *int { return &o.SpeedPenDown }),
	"speed_penup":    intOption(func(o *Options) *int { return &o.SpeedPenUp }),
	"accel":          intOption(func(o *Options) *int { return &o.Accel }),
	"pen_pos_down":   intOption(func(o *Options) *int { return &o.PenPosDown }),
	"pen_pos_up":     intOption(func(o *Options) *int { return &o.PenPosUp }),
	"pen_rate_lower": intOption(func(o *Options) *int { return &o.PenRateLower }),
	"pen_rate_raise": intOption(func(o *Options) *int { return &o.PenRateRaise }),
	"handling":       intOption(func(o *Options) *int { return &o.Handling }),
	"model":          intOption(func(o *Options) *int { return &o.Model }),
	"penlift":        intOption(func(o *Options) *int { return &o.Penlift }),
	"reordering":     intOption(func(o *Options) *int { return &o.Reordering }),
	"homing":         boolOption(func(o *Options) *bool { return &o.Homing }),
	"auto_rotate":    boolOption(func(o *Options) *bool { return &o.AutoRotate }),
	"random_start":   boolOption(func(o *Options) *bool { return &o.RandomStart }),
	"hiding":         boolOption(func(o *Options) *bool { return &o.Hiding }),
	"report_time":    boolOption(func(o *Options) *bool { return &o.ReportTime }),
}

// OptionNames returns the recognised option names, sorted
func OptionNames() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsOption reports whether name is a recognised option
func IsOption(name string) bool {
	_, ok := registry[name]
	return ok
}

// Set assigns a named option
func (o *Options) Set(name string, value any) error {
	opt, ok := registry[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOption, name)
	}
	if err := opt.set(o, value); err != nil {
		return fmt.Errorf("option %s: %w", name, err)
	}
	return nil
}

// Get reads a named option
func (o *Options) Get(name string) (any, bool) {
	opt, ok := registry[name]
	if !ok {
		return nil, false
	}
	return opt.get(o), true
}

// Values returns every recognised option keyed by name
func (o *Options) Values() map[string]any {
	out := make(map[string]any, len(registry))
	for name, opt := range registry {
		out[name] = opt.get(o)
	}
	return out
}

// Apply sets each entry of values. Unknown names are dropped with a debug
// note and values of the wrong type with a warning; neither is an error.
func (o *Options) Apply(values map[string]any, logger *slog.Logger) {
	for name, v := range values {
		err := o.Set(name, v)
		switch {
		case err == nil:
		case errors.Is(err, ErrUnknownOption):
			logger.Debug("Ignoring unknown driver option", slog.String("option", name))
		default:
			logger.Warn("Ignoring invalid driver option", slog.String("option", name), slog.String("error", err.Error()))
		}
	}
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("expected integer, got %v", n)
		}
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func toBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		return strconv.ParseBool(b)
	case int:
		return b != 0, nil
	case float64:
		return b != 0, nil
	default:
		return false, fmt.Errorf("expected boolean, got %T", v)
	}
}
