// Package command runs one-off shell commands outside any terminal session.
// It backs the exec channel of the WebSocket protocol and the startup sync task.
package command

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/remote-agent-terminal/broker/internal/logging"
	"github.com/remote-agent-terminal/broker/internal/metrics"
)

// Exec status labels.
const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusTimeout = "timeout"
)

// ErrTimeout is returned when a command runs past its deadline.
var ErrTimeout = errors.New("command timed out")

// Options configures a Runner.
type Options struct {
	Shell     string
	Dir       string
	Timeout   time.Duration
	MaxOutput int
}

// Result is the captured outcome of a command.
type Result struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	Truncated bool
}

// Runner executes commands through the shell with a deadline and capped output.
type Runner struct {
	opts    Options
	log     *logging.Logger
	metrics *metrics.Metrics
}

// NewRunner creates a Runner. m may be nil.
func NewRunner(opts Options, log *logging.Logger, m *metrics.Metrics) *Runner {
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxOutput <= 0 {
		opts.MaxOutput = 1 << 20
	}
	return &Runner{opts: opts, log: log.Named("command"), metrics: m}
}

// Run executes command with `<shell> -c`. The returned error is non-nil when
// the command could not start, exited non-zero, or timed out; the Result holds
// whatever output was captured either way.
func (r *Runner) Run(ctx context.Context, command string) (Result, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.opts.Shell, "-c", command)
	cmd.Dir = r.opts.Dir
	// Run in its own process group so a timeout takes the children down too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	stdout := newCappedBuffer(r.opts.MaxOutput)
	stderr := newCappedBuffer(r.opts.MaxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	res := Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  cmd.ProcessState.ExitCode(),
		Duration:  time.Since(start),
		Truncated: stdout.truncated || stderr.truncated,
	}

	status := StatusOK
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		status = StatusTimeout
		err = fmt.Errorf("%w after %s", ErrTimeout, r.opts.Timeout)
	case err != nil:
		status = StatusFailed
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = fmt.Errorf("command exited with code %d", exitErr.ExitCode())
		} else {
			err = fmt.Errorf("failed to run command: %w", err)
		}
	}

	if r.metrics != nil {
		r.metrics.RecordExec(status, res.Duration)
	}
	r.log.Debug("command finished",
		zap.String("status", status),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration),
		zap.Bool("truncated", res.Truncated))

	return res, err
}

// cappedBuffer keeps the first max bytes written and discards the rest.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.max - len(b.buf)
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
