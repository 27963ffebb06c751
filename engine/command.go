// Package engine holds the engines shipped with the beacon agent.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/yirzhou/beacon"
)

// CommandType is the configuration type tag of CommandConfig.
const CommandType = "command"

const (
	outputTail = 4096
	// waitDelay bounds how long Run waits for output pipes held open by
	// children of a killed command.
	waitDelay = 2 * time.Second
)

// CommandConfig runs Command through "sh -c" unless Args is set, in which
// case Command is executed directly with Args.
type CommandConfig struct {
	Command string            `codec:"command" json:"command"`
	Args    []string          `codec:"args" json:"args,omitempty"`
	Env     map[string]string `codec:"env" json:"env,omitempty"`
	Timeout time.Duration     `codec:"timeout" json:"timeout,omitempty"`
}

// Register makes the command engine known to both the serializer and the
// engine registry.
func Register(serializer *beacon.MsgpackSerializer, engines *beacon.EngineRegistry, logger hclog.Logger) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	serializer.Register(CommandType, func() any { return &CommandConfig{} })
	engines.Register(CommandType, func(job *beacon.Job, config any) (beacon.Engine, error) {
		cfg, err := commandConfig(config)
		if err != nil {
			return nil, err
		}
		return NewCommand(job.ID, cfg, logger), nil
	})
}

func commandConfig(config any) (CommandConfig, error) {
	switch c := config.(type) {
	case *CommandConfig:
		if c == nil {
			break
		}
		return *c, c.validate()
	case CommandConfig:
		return c, c.validate()
	}
	return CommandConfig{}, fmt.Errorf("%w: expected command configuration, got %T", beacon.ErrValidation, config)
}

func (c CommandConfig) validate() error {
	if c.Command == "" {
		return fmt.Errorf("%w: command is required", beacon.ErrValidation)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative", beacon.ErrValidation)
	}
	return nil
}

func (c CommandConfig) same(o CommandConfig) bool {
	if c.Command != o.Command || c.Timeout != o.Timeout || !slices.Equal(c.Args, o.Args) || len(c.Env) != len(o.Env) {
		return false
	}
	for k, v := range c.Env {
		if ov, ok := o.Env[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Command is an engine that runs one external process per job.
type Command struct {
	jobID  string
	cfg    CommandConfig
	logger hclog.Logger

	start  time.Time
	output tail
	errs   atomic.Uint64

	mu       sync.Mutex
	exitCode int
	runs     int
}

var _ beacon.Engine = (*Command)(nil)

func NewCommand(jobID string, cfg CommandConfig, logger hclog.Logger) *Command {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Command{
		jobID:    jobID,
		cfg:      cfg,
		logger:   logger.Named("command").With("job_id", jobID),
		exitCode: -1,
	}
}

// Run executes the command. A passive engine holds the job without running
// anything until ctx is done.
func (c *Command) Run(ctx context.Context, mode beacon.ProcessMode) error {
	c.mu.Lock()
	c.start = time.Now()
	c.runs++
	c.mu.Unlock()

	if mode == beacon.ProcessModePassive {
		<-ctx.Done()
		return nil
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	var cmd *exec.Cmd
	if len(c.cfg.Args) > 0 {
		cmd = exec.CommandContext(ctx, c.cfg.Command, c.cfg.Args...)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", c.cfg.Command)
	}
	if len(c.cfg.Env) > 0 {
		cmd.Env = cmd.Environ()
		for k, v := range c.cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	cmd.Stdout = &c.output
	cmd.Stderr = &c.output
	cmd.WaitDelay = waitDelay

	c.logger.Debug("starting command", "command", c.cfg.Command)
	err := cmd.Run()

	c.mu.Lock()
	if cmd.ProcessState != nil {
		c.exitCode = cmd.ProcessState.ExitCode()
	}
	c.mu.Unlock()

	if err == nil {
		return nil
	}
	c.errs.Add(1)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("command timed out after %s", c.cfg.Timeout)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("command exited with code %d", exitErr.ExitCode())
	}
	return fmt.Errorf("command execution failed: %w", err)
}

// Reconfigure accepts only an identical configuration. Any real change
// needs a new process, so the worker restarts the engine.
func (c *Command) Reconfigure(config any) error {
	cfg, err := commandConfig(config)
	if err != nil {
		return err
	}
	if !cfg.same(c.cfg) {
		return errors.New("command changed, restart required")
	}
	return nil
}

type commandState struct {
	ExitCode int    `json:"exit_code"`
	Runs     int    `json:"runs"`
	Output   string `json:"output,omitempty"`
}

// State reports the exit code of the last run and the tail of its output.
func (c *Command) State() []byte {
	c.mu.Lock()
	st := commandState{ExitCode: c.exitCode, Runs: c.runs}
	c.mu.Unlock()
	st.Output = string(c.output.Bytes())
	raw, err := json.Marshal(st)
	if err != nil {
		return nil
	}
	return raw
}

func (c *Command) Diagnostics() *beacon.DiagnosticInfo {
	c.mu.Lock()
	start := c.start
	c.mu.Unlock()
	return &beacon.DiagnosticInfo{
		StartTime:   start,
		EgressCount: c.output.Total(),
		Errors:      c.errs.Load(),
	}
}

// tail keeps the last outputTail bytes written to it.
type tail struct {
	mu    sync.Mutex
	buf   []byte
	total uint64
}

func (t *tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total += uint64(len(p))
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - outputTail; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tail) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.buf)
}

func (t *tail) Total() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}
