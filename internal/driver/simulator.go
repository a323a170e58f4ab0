package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const progressPrefix = "<!-- sim-progress drawn="

// SimConfig tunes the simulated device
type SimConfig struct {
	// MMPerByte converts source size into path length
	MMPerByte float64
	StepMM    float64
	StepDelay time.Duration
	Firmware  string
	Nickname  string
}

// DefaultSimConfig returns a simulator tuned for demos
func DefaultSimConfig() SimConfig {
	return SimConfig{
		MMPerByte: 0.5,
		StepMM:    10,
		StepDelay: 50 * time.Millisecond,
		Firmware:  "sim-3.0.2",
		Nickname:  "simulator",
	}
}

// SimDevice is a simulated plotter shared by every session it hands out
type SimDevice struct {
	cfg SimConfig

	mu         sync.Mutex
	penUp      bool
	x, y       float64
	calls      []string
	connectErr error
	drawErr    error
}

// NewSimDevice creates a simulated device
func NewSimDevice(cfg SimConfig) *SimDevice {
	if cfg.MMPerByte <= 0 {
		cfg.MMPerByte = 1
	}
	if cfg.StepMM <= 0 {
		cfg.StepMM = 1
	}
	return &SimDevice{cfg: cfg, penUp: true}
}

// Factory returns a Factory producing sessions on this device
func (d *SimDevice) Factory() Factory {
	return func() Driver {
		return &Simulator{dev: d, opts: DefaultOptions()}
	}
}

// FailConnect makes subsequent handshakes fail with err until cleared with nil
func (d *SimDevice) FailConnect(err error) {
	d.mu.Lock()
	d.connectErr = err
	d.mu.Unlock()
}

// FailNextDraw makes the next plotting Draw call fail with err
func (d *SimDevice) FailNextDraw(err error) {
	d.mu.Lock()
	d.drawErr = err
	d.mu.Unlock()
}

// Calls returns the recorded driver calls
func (d *SimDevice) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// PenUp reports the simulated pen state
func (d *SimDevice) PenUp() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.penUp
}

// Position returns the simulated carriage position in mm
func (d *SimDevice) Position() (float64, float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.x, d.y
}

// PathLength returns the simulated path length of a source artifact in mm
func (d *SimDevice) PathLength(src []byte) float64 {
	_, body, _ := ParseProgress(src)
	return float64(len(body)) * d.cfg.MMPerByte
}

func (d *SimDevice) record(call string) {
	d.mu.Lock()
	d.calls = append(d.calls, call)
	d.mu.Unlock()
}

// Simulator is a driver session on a SimDevice
type Simulator struct {
	dev       *SimDevice
	opts      Options
	artifact  []byte
	connected atomic.Bool
	pause     atomic.Bool
}

var _ Driver = (*Simulator)(nil)

func (s *Simulator) Connect(ctx context.Context) (*DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.dev.mu.Lock()
	err := s.dev.connectErr
	s.dev.mu.Unlock()
	s.dev.record("connect")
	if err != nil {
		return nil, err
	}
	s.connected.Store(true)
	return &DeviceInfo{
		Firmware: s.dev.cfg.Firmware,
		Software: "simulator",
		Nickname: s.dev.cfg.Nickname,
		Port:     "sim0",
	}, nil
}

func (s *Simulator) Disconnect() error {
	s.connected.Store(false)
	s.dev.record("disconnect")
	return nil
}

func (s *Simulator) Options() *Options {
	return &s.opts
}

func (s *Simulator) Prepare(artifact []byte) error {
	s.artifact = append([]byte(nil), artifact...)
	return nil
}

func (s *Simulator) RequestPause() {
	s.pause.Store(true)
}

func (s *Simulator) Draw(ctx context.Context) (*Outcome, error) {
	if !s.connected.Load() {
		return nil, errors.New("device not connected")
	}
	s.dev.record("draw:" + string(s.opts.Mode))

	switch s.opts.Mode {
	case ModeUtility:
		return &Outcome{}, s.utility()
	case ModeSysInfo:
		return &Outcome{Report: fmt.Sprintf("firmware %s, pen up: %t", s.dev.cfg.Firmware, s.dev.PenUp())}, nil
	case ModeResAdjust:
		_, body, _ := ParseProgress(s.artifact)
		total := float64(len(body)) * s.dev.cfg.MMPerByte
		return &Outcome{Artifact: WithProgress(math.Min(s.opts.Dist, total), body)}, nil
	case ModePlot, ModeLayers, ModeResPlot:
	default:
		return nil, fmt.Errorf("unsupported mode %q", s.opts.Mode)
	}

	s.dev.mu.Lock()
	failErr := s.dev.drawErr
	s.dev.drawErr = nil
	s.dev.mu.Unlock()
	if failErr != nil {
		return nil, failErr
	}
	if len(s.artifact) == 0 {
		return nil, errors.New("no artifact prepared")
	}

	drawn, body, hasProgress := ParseProgress(s.artifact)
	start := 0.0
	if s.opts.Mode == ModeResPlot {
		if !hasProgress {
			return nil, errors.New("resume requested without progress data")
		}
		start = drawn
	}
	return s.run(ctx, body, start)
}

func (s *Simulator) run(ctx context.Context, body []byte, start float64) (*Outcome, error) {
	total := float64(len(body)) * s.dev.cfg.MMPerByte
	pos := start

	for pos < total {
		if s.pause.CompareAndSwap(true, false) {
			return &Outcome{Artifact: WithProgress(pos, body), Paused: true, DrawnMM: pos - start}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.dev.cfg.StepDelay):
		}
		pos = math.Min(pos+s.dev.cfg.StepMM, total)
	}
	s.pause.Store(false)
	return &Outcome{Artifact: WithProgress(total, body), DrawnMM: total - start}, nil
}

func (s *Simulator) utility() error {
	d := s.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	switch s.opts.UtilityCmd {
	case UtilityHome:
		d.x, d.y = 0, 0
	case UtilityRaisePen:
		d.penUp = true
	case UtilityLowerPen:
		d.penUp = false
	case UtilityTogglePen:
		d.penUp = !d.penUp
	case UtilityWalkMMX:
		d.x += s.opts.Dist
	case UtilityWalkMMY:
		d.y += s.opts.Dist
	case UtilityWalkX:
		d.x += s.opts.Dist * 25.4
	case UtilityWalkY:
		d.y += s.opts.Dist * 25.4
	default:
		return fmt.Errorf("unknown utility command %q", s.opts.UtilityCmd)
	}
	return nil
}

// WithProgress prefixes body with a progress marker
func WithProgress(drawn float64, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(progressPrefix)
	buf.WriteString(strconv.FormatFloat(drawn, 'f', -1, 64))
	buf.WriteString(" -->\n")
	buf.Write(body)
	return buf.Bytes()
}

// ParseProgress splits a simulator progress artifact into its drawn
// distance and the original source
func ParseProgress(artifact []byte) (float64, []byte, bool) {
	if !bytes.HasPrefix(artifact, []byte(progressPrefix)) {
		return 0, artifact, false
	}
	nl := bytes.IndexByte(artifact, '\n')
	if nl < 0 {
		return 0, artifact, false
	}
	head := bytes.TrimSuffix(artifact[len(progressPrefix):nl], []byte(" -->"))
	drawn, err := strconv.ParseFloat(string(head), 64)
	if err != nil {
		return 0, artifact, false
	}
	return drawn, artifact[nl+1:], true
}
