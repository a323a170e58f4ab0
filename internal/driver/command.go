package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// CommandConfig configures the external driver executable
type CommandConfig struct {
	Binary  string
	Args    []string
	WorkDir string
	Port    string
}

// commandResult is the JSON line the executable prints last on stdout
type commandResult struct {
	Paused   bool    `json:"paused"`
	DrawnMM  float64 `json:"drawn_mm"`
	Report   string  `json:"report"`
	Firmware string  `json:"firmware"`
	Software string  `json:"software"`
	Nickname string  `json:"nickname"`
}

// Command drives the device through an external executable, one process per call.
// A pause request is delivered as an interrupt to a plotting process only; a
// request that arrives while none runs waits for the next one.
type Command struct {
	cfg    CommandConfig
	logger *slog.Logger

	opts      Options
	artifact  []byte
	connected atomic.Bool

	mu           sync.Mutex
	proc         *os.Process
	plotting     bool
	pausePending bool
}

var _ Driver = (*Command)(nil)

// NewCommandFactory returns a Factory for executable backed sessions
func NewCommandFactory(cfg CommandConfig, logger *slog.Logger) Factory {
	return func() Driver {
		return &Command{cfg: cfg, logger: logger, opts: DefaultOptions()}
	}
}

func (c *Command) Connect(ctx context.Context) (*DeviceInfo, error) {
	saved := c.opts.Mode
	c.opts.Mode = ModeSysInfo
	defer func() { c.opts.Mode = saved }()

	res, _, err := c.invoke(ctx, nil)
	if err != nil {
		return nil, err
	}
	c.connected.Store(true)
	return &DeviceInfo{
		Firmware: res.Firmware,
		Software: res.Software,
		Nickname: res.Nickname,
		Port:     c.cfg.Port,
	}, nil
}

func (c *Command) Disconnect() error {
	c.connected.Store(false)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc != nil {
		return c.proc.Kill()
	}
	return nil
}

func (c *Command) Options() *Options {
	return &c.opts
}

func (c *Command) Prepare(artifact []byte) error {
	c.artifact = append([]byte(nil), artifact...)
	return nil
}

func (c *Command) RequestPause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc == nil || !c.plotting {
		c.pausePending = true
		return
	}
	if err := c.proc.Signal(os.Interrupt); err != nil {
		c.logger.Warn("Failed to signal driver process", slog.String("error", err.Error()))
	}
}

func (c *Command) Draw(ctx context.Context) (*Outcome, error) {
	if !c.connected.Load() {
		return nil, errors.New("device not connected")
	}
	res, artifact, err := c.invoke(ctx, c.artifact)
	if c.opts.Mode.plots() {
		// a pause that missed the plotting process must not reach the next job
		c.mu.Lock()
		c.pausePending = false
		c.mu.Unlock()
	}
	if err != nil {
		return nil, err
	}
	return &Outcome{
		Artifact: artifact,
		Paused:   res.Paused,
		DrawnMM:  res.DrawnMM,
		Report:   res.Report,
	}, nil
}

func (c *Command) invoke(ctx context.Context, input []byte) (*commandResult, []byte, error) {
	dir, err := os.MkdirTemp(c.cfg.WorkDir, "driver-*")
	if err != nil {
		return nil, nil, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	outPath := filepath.Join(dir, "output.svg")
	args := append(append([]string(nil), c.cfg.Args...), c.flags()...)
	args = append(args, "--output="+outPath)
	if input != nil {
		inPath := filepath.Join(dir, "input.svg")
		if err := os.WriteFile(inPath, input, 0o600); err != nil {
			return nil, nil, fmt.Errorf("write input: %w", err)
		}
		args = append(args, inPath)
	}

	cmd := exec.CommandContext(ctx, c.cfg.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := c.start(cmd); err != nil {
		return nil, nil, err
	}
	waitErr := cmd.Wait()

	c.mu.Lock()
	c.proc = nil
	c.plotting = false
	c.mu.Unlock()

	if waitErr != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, fmt.Errorf("%s: %w: %s", c.opts.Mode, waitErr, strings.TrimSpace(stderr.String()))
	}

	res, err := parseResult(stdout.Bytes())
	if err != nil {
		return nil, nil, err
	}
	artifact, err := os.ReadFile(outPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("read output: %w", err)
	}
	return res, artifact, nil
}

func (c *Command) start(cmd *exec.Cmd) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start driver: %w", err)
	}
	c.proc = cmd.Process
	c.plotting = c.opts.Mode.plots()
	if c.plotting && c.pausePending {
		c.pausePending = false
		_ = c.proc.Signal(os.Interrupt)
	}
	return nil
}

func (c *Command) flags() []string {
	flags := []string{"--mode=" + string(c.opts.Mode)}
	switch c.opts.Mode {
	case ModeUtility:
		flags = append(flags, "--utility_cmd="+c.opts.UtilityCmd, "--dist="+formatFloat(c.opts.Dist))
	case ModeResAdjust:
		flags = append(flags, "--dist="+formatFloat(c.opts.Dist))
	case ModeLayers:
		flags = append(flags, "--layer="+strconv.Itoa(c.opts.Layer))
	}
	if c.cfg.Port != "" {
		flags = append(flags, "--port="+c.cfg.Port)
	}
	for _, name := range OptionNames() {
		v, _ := c.opts.Get(name)
		flags = append(flags, fmt.Sprintf("--%s=%v", name, v))
	}
	return flags
}

func parseResult(stdout []byte) (*commandResult, error) {
	lines := bytes.Split(bytes.TrimSpace(stdout), []byte("\n"))
	last := lines[len(lines)-1]
	var res commandResult
	if len(last) == 0 {
		return &res, nil
	}
	if err := json.Unmarshal(last, &res); err != nil {
		return nil, fmt.Errorf("parse driver output: %w", err)
	}
	return &res, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
