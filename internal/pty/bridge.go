// Package pty runs multiplexer attach clients under a pseudo-terminal.
package pty

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	creackpty "github.com/creack/pty"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/remote-agent-terminal/broker/internal/logging"
)

const (
	// DefaultReadBufferSize is the buffer size for reading PTY output.
	DefaultReadBufferSize = 32 * 1024

	// DefaultOutputQueue is the number of chunks buffered before the reader blocks.
	DefaultOutputQueue = 64

	// DefaultKillTimeout is how long Kill waits after SIGHUP before SIGKILL.
	DefaultKillTimeout = 2 * time.Second
)

// ErrClosed is returned when writing to a handle that has been killed or has exited.
var ErrClosed = errors.New("pty closed")

// Attacher describes the command that attaches to a multiplexer session.
type Attacher interface {
	Binary() string
	AttachArgs(target string) []string
	Term() string
}

// Bridge spawns attach processes.
type Bridge struct {
	attacher    Attacher
	log         *logging.Logger
	killTimeout time.Duration
}

// NewBridge creates a Bridge for the given attacher.
func NewBridge(attacher Attacher, log *logging.Logger) *Bridge {
	return &Bridge{
		attacher:    attacher,
		log:         log.Named("pty"),
		killTimeout: DefaultKillTimeout,
	}
}

// Handle is one running attach process. The caller owns it exclusively.
type Handle struct {
	cmd  *exec.Cmd
	ptmx *os.File
	log  *logging.Logger

	output chan []byte
	done   chan struct{}
	killed chan struct{}

	killOnce    sync.Once
	killTimeout time.Duration
	exitCode    int
}

// Spawn attaches to target with the given initial size.
func (b *Bridge) Spawn(ctx context.Context, target string, cols, rows int) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(b.attacher.Binary(), b.attacher.AttachArgs(target)...)
	cmd.Env = attachEnv(b.attacher.Term())

	ptmx, err := creackpty.StartWithSize(cmd, &creackpty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start attach process: %w", err)
	}

	h := &Handle{
		cmd:         cmd,
		ptmx:        ptmx,
		log:         b.log.With(zap.String("session_id", target), zap.Int("pid", cmd.Process.Pid)),
		output:      make(chan []byte, DefaultOutputQueue),
		done:        make(chan struct{}),
		killed:      make(chan struct{}),
		killTimeout: b.killTimeout,
	}

	readerDone := make(chan struct{})
	go h.readLoop(readerDone)
	go h.waitLoop(readerDone)

	h.log.Debug("attach process started")
	return h, nil
}

// attachEnv inherits the broker environment minus TMUX, which would make
// tmux refuse to attach when the broker itself runs inside tmux.
func attachEnv(term string) []string {
	env := make([]string, 0, len(os.Environ())+1)
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "TMUX=") || strings.HasPrefix(kv, "TERM=") {
			continue
		}
		env = append(env, kv)
	}
	return append(env, "TERM="+term)
}

// Output delivers terminal output. It is closed once the PTY reaches EOF.
// Chunks never end in the middle of a UTF-8 sequence.
func (h *Handle) Output() <-chan []byte {
	return h.output
}

// Done is closed after the process has exited and Output has been closed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitCode returns the exit status. Valid after Done is closed; -1 when
// the process was ended by a signal.
func (h *Handle) ExitCode() int {
	<-h.done
	return h.exitCode
}

// PID returns the attach process id.
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// Write sends input to the PTY.
func (h *Handle) Write(data []byte) error {
	select {
	case <-h.killed:
		return ErrClosed
	case <-h.done:
		return ErrClosed
	default:
	}
	if _, err := h.ptmx.Write(data); err != nil {
		return fmt.Errorf("failed to write to PTY: %w", err)
	}
	return nil
}

// Resize changes the PTY window size.
func (h *Handle) Resize(cols, rows int) error {
	select {
	case <-h.killed:
		return ErrClosed
	case <-h.done:
		return ErrClosed
	default:
	}
	if err := creackpty.Setsize(h.ptmx, &creackpty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}); err != nil {
		return fmt.Errorf("failed to resize PTY: %w", err)
	}
	return nil
}

// Kill detaches the client by hanging it up. It never blocks and only ever
// ends the attach process; the multiplexer session is untouched.
func (h *Handle) Kill() {
	h.killOnce.Do(func() {
		close(h.killed)

		if err := h.cmd.Process.Signal(unix.SIGHUP); err != nil && !errors.Is(err, os.ErrProcessDone) {
			h.log.Debug("SIGHUP failed", zap.Error(err))
		}
		h.ptmx.Close()

		go func() {
			select {
			case <-h.done:
			case <-time.After(h.killTimeout):
				h.log.Warn("attach process ignored SIGHUP, sending SIGKILL")
				h.cmd.Process.Signal(unix.SIGKILL)
			}
		}()
	})
}

// readLoop copies PTY output to the output channel until EOF or kill.
func (h *Handle) readLoop(readerDone chan<- struct{}) {
	defer close(readerDone)
	defer close(h.output)

	buf := make([]byte, DefaultReadBufferSize)
	var pending []byte

	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 {
			chunk := append(pending, buf[:n]...)
			chunk, pending = splitIncompleteUTF8(chunk)
			pending = append([]byte(nil), pending...)
			if len(chunk) > 0 && !h.send(chunk) {
				return
			}
		}
		if err != nil {
			if len(pending) > 0 {
				h.send(pending)
			}
			if !errors.Is(err, io.EOF) && !isHangup(err) {
				select {
				case <-h.killed:
				default:
					h.log.Debug("PTY read ended", zap.Error(err))
				}
			}
			return
		}
	}
}

// send blocks until the consumer takes the chunk or the handle is killed.
func (h *Handle) send(chunk []byte) bool {
	select {
	case h.output <- chunk:
		return true
	case <-h.killed:
		return false
	}
}

func (h *Handle) waitLoop(readerDone <-chan struct{}) {
	err := h.cmd.Wait()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	<-readerDone
	h.ptmx.Close()
	h.exitCode = code
	close(h.done)

	h.log.Debug("attach process exited", zap.Int("exit_code", code))
}

// isHangup reports the EIO Linux returns once the slave side is closed.
func isHangup(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr.Err, unix.EIO)
	}
	return errors.Is(err, unix.EIO)
}

// splitIncompleteUTF8 splits b before a trailing partial UTF-8 sequence.
func splitIncompleteUTF8(b []byte) (complete, tail []byte) {
	limit := len(b) - utf8.UTFMax
	if limit < 0 {
		limit = 0
	}
	for i := len(b) - 1; i >= limit; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				return b[:i], b[i:]
			}
			break
		}
	}
	return b, nil
}
