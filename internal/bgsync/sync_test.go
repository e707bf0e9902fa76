package bgsync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-agent-terminal/broker/internal/command"
	"github.com/remote-agent-terminal/broker/internal/logging"
)

type stubRunner struct {
	calls atomic.Int32
	block bool
	err   error
}

func (s *stubRunner) Run(ctx context.Context, cmd string) (command.Result, error) {
	s.calls.Add(1)
	if s.block {
		<-ctx.Done()
		return command.Result{}, ctx.Err()
	}
	return command.Result{Stdout: cmd}, s.err
}

func waitDone(t *testing.T, task *Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task never finished")
	}
}

func TestStartRunsOnce(t *testing.T) {
	runner := &stubRunner{}
	task := New(runner, "git pull", time.Minute, logging.NewNop())

	task.Start(context.Background())
	task.Start(context.Background())
	waitDone(t, task)

	assert.NoError(t, task.Err())
	assert.Equal(t, int32(1), runner.calls.Load())
}

func TestEmptyCommandIsNoop(t *testing.T) {
	runner := &stubRunner{}
	task := New(runner, "", time.Minute, logging.NewNop())

	task.Start(context.Background())
	waitDone(t, task)
	assert.Equal(t, int32(0), runner.calls.Load())
}

func TestFailureIsReported(t *testing.T) {
	runner := &stubRunner{err: errors.New("exit 1")}
	task := New(runner, "false", time.Minute, logging.NewNop())

	task.Start(context.Background())
	assert.EqualError(t, task.Err(), "exit 1")
}

func TestTimeoutCancelsRun(t *testing.T) {
	runner := &stubRunner{block: true}
	task := New(runner, "sleep 100", 20*time.Millisecond, logging.NewNop())

	task.Start(context.Background())
	waitDone(t, task)
	assert.ErrorIs(t, task.Err(), context.DeadlineExceeded)
}

func TestStop(t *testing.T) {
	t.Run("cancels a running task", func(t *testing.T) {
		runner := &stubRunner{block: true}
		task := New(runner, "sleep 100", time.Minute, logging.NewNop())

		task.Start(context.Background())
		require.Eventually(t, func() bool { return runner.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
		task.Stop()
		assert.ErrorIs(t, task.Err(), context.Canceled)
	})

	t.Run("prevents a later start", func(t *testing.T) {
		runner := &stubRunner{}
		task := New(runner, "git pull", time.Minute, logging.NewNop())

		task.Stop()
		task.Start(context.Background())
		waitDone(t, task)
		assert.Equal(t, int32(0), runner.calls.Load())
	})
}
