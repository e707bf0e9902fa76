// Package bgsync runs the one-shot sync command at process start.
package bgsync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/remote-agent-terminal/broker/internal/command"
	"github.com/remote-agent-terminal/broker/internal/logging"
)

// Runner executes a shell command.
type Runner interface {
	Run(ctx context.Context, command string) (command.Result, error)
}

// Task runs a sync command once in the background. It never touches session state.
type Task struct {
	runner  Runner
	command string
	timeout time.Duration
	log     *logging.Logger

	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
	result command.Result
	err    error
}

// New creates a Task. An empty command makes Start a no-op.
func New(runner Runner, cmd string, timeout time.Duration, log *logging.Logger) *Task {
	return &Task{
		runner:  runner,
		command: cmd,
		timeout: timeout,
		log:     log.Named("bgsync"),
		done:    make(chan struct{}),
	}
}

// Start launches the task. Calls after the first are ignored.
func (t *Task) Start(ctx context.Context) {
	t.once.Do(func() {
		if t.command == "" {
			close(t.done)
			return
		}

		var cancel context.CancelFunc
		if t.timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, t.timeout)
		} else {
			ctx, cancel = context.WithCancel(ctx)
		}
		t.cancel = cancel

		go t.run(ctx)
	})
}

func (t *Task) run(ctx context.Context) {
	defer close(t.done)
	defer t.cancel()

	t.log.Info("background sync started")
	t.result, t.err = t.runner.Run(ctx, t.command)
	if t.err != nil {
		t.log.Warn("background sync failed",
			zap.Error(t.err),
			zap.String("stderr", t.result.Stderr))
		return
	}
	t.log.Info("background sync finished", zap.Duration("duration", t.result.Duration))
}

// Stop cancels a running task and waits for it to return. A task that was
// never started will not start afterwards.
func (t *Task) Stop() {
	t.once.Do(func() { close(t.done) })
	if t.cancel != nil {
		t.cancel()
	}
	<-t.done
}

// Done is closed when the task has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the task's error once Done is closed.
func (t *Task) Err() error {
	<-t.done
	return t.err
}
