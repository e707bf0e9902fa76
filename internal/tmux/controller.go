// Package tmux drives the tmux server that keeps broker shells alive.
//
// All broker sessions live on a dedicated tmux socket (tmux -L) so they never
// mix with the user's own tmux server. Every operation is best-effort: failures
// are logged and reported as a bool or an empty result, never as fatal errors.
package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/remote-agent-terminal/broker/internal/logging"
	"github.com/remote-agent-terminal/broker/internal/metrics"
	"github.com/remote-agent-terminal/broker/internal/model"
)

// Options configures a Controller.
type Options struct {
	Binary       string
	Socket       string
	Shell        string
	Workdir      string
	Term         string
	HistoryLimit int

	// Timeout bounds each tmux invocation.
	Timeout time.Duration

	// Concurrency caps simultaneous tmux processes.
	Concurrency int64
}

// Controller issues tmux commands against the broker socket.
type Controller struct {
	opts    Options
	sem     *semaphore.Weighted
	log     *logging.Logger
	metrics *metrics.Metrics
}

// NewController creates a Controller. Zero option values fall back to defaults.
func NewController(opts Options, log *logging.Logger, m *metrics.Metrics) *Controller {
	if opts.Binary == "" {
		opts.Binary = "tmux"
	}
	if opts.Socket == "" {
		opts.Socket = "broker"
	}
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}
	if opts.Term == "" {
		opts.Term = "xterm-256color"
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50000
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Controller{
		opts:    opts,
		sem:     semaphore.NewWeighted(opts.Concurrency),
		log:     log.Named("tmux"),
		metrics: m,
	}
}

// Binary returns the tmux executable.
func (c *Controller) Binary() string {
	return c.opts.Binary
}

// Term returns the terminal type sessions are configured with.
func (c *Controller) Term() string {
	return c.opts.Term
}

// AttachArgs returns the arguments that attach a client to the named session.
func (c *Controller) AttachArgs(name string) []string {
	return c.args("attach-session", "-t", exact(name))
}

// Exists reports whether the named session is running.
func (c *Controller) Exists(ctx context.Context, name string) bool {
	_, err := c.run(ctx, "has-session", "has-session", "-t", exact(name))
	if err != nil && !isSessionNotFoundError(err) {
		c.log.Warn("has-session failed", zap.String("session_id", name), zap.Error(err))
	}
	return err == nil
}

// Create starts a detached session running the configured shell.
// Server options, the session and its status bar are set in one invocation.
func (c *Controller) Create(ctx context.Context, name string, cols, rows int) bool {
	_, err := c.run(ctx, "create",
		"start-server", ";",
		"set-option", "-g", "history-limit", strconv.Itoa(c.opts.HistoryLimit), ";",
		"set-option", "-g", "default-terminal", c.opts.Term, ";",
		"new-session", "-d",
		"-s", name,
		"-x", strconv.Itoa(cols),
		"-y", strconv.Itoa(rows),
		"-c", c.opts.Workdir,
		c.opts.Shell, ";",
		// Exact-match targets do not resolve to a session created earlier in
		// the same command chain.
		"set-option", "-t", name, "status", "off",
	)
	if err != nil {
		c.log.Error("failed to create tmux session", zap.String("session_id", name), zap.Error(err))
		c.Kill(context.Background(), name)
		return false
	}
	c.log.Info("tmux session created", zap.String("session_id", name), zap.Int("cols", cols), zap.Int("rows", rows))
	return true
}

// Kill destroys the named session and the shell inside it.
func (c *Controller) Kill(ctx context.Context, name string) {
	_, err := c.run(ctx, "kill", "kill-session", "-t", exact(name))
	switch {
	case err == nil:
		c.log.Info("tmux session killed", zap.String("session_id", name))
	case isSessionNotFoundError(err):
		c.log.Debug("tmux session already gone", zap.String("session_id", name))
	default:
		c.log.Warn("failed to kill tmux session", zap.String("session_id", name), zap.Error(err))
	}
}

// List returns the broker-owned sessions on the socket.
func (c *Controller) List(ctx context.Context) []string {
	out, err := c.run(ctx, "list", "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if !isSessionNotFoundError(err) {
			c.log.Warn("failed to list tmux sessions", zap.Error(err))
		}
		return nil
	}

	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		name := strings.TrimSpace(line)
		if model.ValidSessionID(name) {
			names = append(names, name)
		}
	}
	return names
}

// run executes one tmux invocation under the worker limit and per-call timeout.
func (c *Controller) run(ctx context.Context, op string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.metrics.RecordTmux(op, false)
		return nil, fmt.Errorf("tmux %s: waiting for worker: %w", op, err)
	}
	defer c.sem.Release(1)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.opts.Binary, c.args(args...)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	c.metrics.RecordTmux(op, err == nil)
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("tmux %s: %w: %s", op, err, msg)
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("tmux %s: timed out after %s", op, c.opts.Timeout)
		}
		return nil, fmt.Errorf("tmux %s: %w", op, err)
	}
	return stdout.Bytes(), nil
}

func (c *Controller) args(args ...string) []string {
	return append([]string{"-L", c.opts.Socket}, args...)
}

// exact builds a target that matches the session name literally rather than by prefix.
func exact(name string) string {
	return "=" + name
}

func isSessionNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "session not found") ||
		strings.Contains(errStr, "no such session") ||
		strings.Contains(errStr, "no server running") ||
		strings.Contains(errStr, "can't find session") ||
		strings.Contains(errStr, "error connecting to")
}
