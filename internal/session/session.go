package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/remote-agent-terminal/broker/internal/logging"
	"github.com/remote-agent-terminal/broker/internal/metrics"
	"github.com/remote-agent-terminal/broker/internal/model"
	"github.com/remote-agent-terminal/broker/internal/protocol"
)

// Session is one terminal backed by a tmux session. All mutable state is
// owned by a single actor goroutine and changed only through its inbox.
type Session struct {
	id        string
	reg       *Registry
	log       *logging.Logger
	createdAt time.Time

	inbox   chan event
	stopped chan struct{}

	// Actor-owned state.
	conn        Conn
	term        Terminal
	cols, rows  int
	alive       bool
	fresh       bool // tmux session created by this process and never attached
	finished    bool
	ptyGen      uint64
	ready       bool   // attach client has started reading its terminal
	pending     []byte // input received before ready
	readyTimer  *time.Timer
	hbGen       uint64
	hbTimer     *time.Timer
	graceGen    uint64
	graceTimer  *time.Timer
	detachedAt  time.Time
	attachCount int

	infoMu sync.Mutex
	info   model.SessionInfo
}

func newSession(reg *Registry, id string, cols, rows int, fresh bool) *Session {
	now := time.Now()
	s := &Session{
		id:        id,
		reg:       reg,
		log:       reg.log.With(zap.String("session_id", id)),
		createdAt: now,
		inbox:     make(chan event, inboxSize),
		stopped:   make(chan struct{}),
		cols:      cols,
		rows:      rows,
		fresh:     fresh,
		info: model.SessionInfo{
			ID:        id,
			State:     model.SessionStateUnattached,
			Cols:      cols,
			Rows:      rows,
			CreatedAt: now,
		},
	}
	go s.run()
	return s
}

// ID returns the session id, which is also the tmux session name.
func (s *Session) ID() string {
	return s.id
}

// Info returns a snapshot of the session state.
func (s *Session) Info() model.SessionInfo {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()
	return s.info
}

// Attach binds conn to the session, replacing any previous connection and
// attach process. It returns model.ErrSessionClosed if the session ended
// before the request was handled.
func (s *Session) Attach(ctx context.Context, conn Conn, cols, rows int) error {
	reply := make(chan error, 1)
	if !s.post(attachEvent{ctx: ctx, conn: conn, cols: cols, rows: rows, reply: reply}) {
		return model.ErrSessionClosed
	}
	return s.await(reply)
}

// Detach releases conn if it is still the attached connection.
func (s *Session) Detach(conn Conn) {
	s.post(detachEvent{conn: conn})
}

// Input forwards keystrokes from conn to the shell.
func (s *Session) Input(conn Conn, data []byte) {
	s.post(inputEvent{conn: conn, data: data})
}

// Resize changes the terminal size on behalf of conn.
func (s *Session) Resize(conn Conn, cols, rows int) {
	s.post(resizeEvent{conn: conn, cols: cols, rows: rows})
}

// Pong marks conn as alive.
func (s *Session) Pong(conn Conn) {
	s.post(pongEvent{conn: conn})
}

// destroy ends the session and its tmux session.
func (s *Session) destroy() error {
	reply := make(chan error, 1)
	if !s.post(destroyEvent{reply: reply}) {
		return model.ErrSessionClosed
	}
	return s.await(reply)
}

// reclaim arms the grace window for a session found orphaned at startup.
func (s *Session) reclaim(detachedAt time.Time, remaining time.Duration) {
	s.post(reclaimEvent{detachedAt: detachedAt, remaining: remaining})
}

// shutdown releases the connection and PTY but leaves tmux running.
func (s *Session) shutdown() {
	reply := make(chan error, 1)
	if s.post(shutdownEvent{reply: reply}) {
		s.await(reply)
	}
}

// post delivers an event unless the actor has stopped.
func (s *Session) post(ev event) bool {
	select {
	case <-s.stopped:
		return false
	default:
	}
	select {
	case s.inbox <- ev:
		return true
	case <-s.stopped:
		return false
	}
}

func (s *Session) await(reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-s.stopped:
		select {
		case err := <-reply:
			return err
		default:
			return model.ErrSessionClosed
		}
	}
}

func (s *Session) run() {
	for !s.finished {
		s.handle(<-s.inbox)
	}
	close(s.stopped)
}

func (s *Session) handle(ev event) {
	switch ev := ev.(type) {
	case attachEvent:
		ev.reply <- s.onAttach(ev)
	case detachEvent:
		if ev.conn == s.conn && s.conn != nil {
			s.detach()
		}
	case inputEvent:
		if ev.conn == s.conn && s.term != nil {
			s.write(ev.data)
		}
	case resizeEvent:
		if ev.conn == s.conn && s.term != nil {
			s.cols, s.rows = ev.cols, ev.rows
			s.updateInfo()
			if err := s.term.Resize(ev.cols, ev.rows); err != nil {
				s.log.Debug("resize failed", zap.Error(err))
			}
		}
	case pongEvent:
		if ev.conn == s.conn {
			s.alive = true
		}
	case ptyOutputEvent:
		if ev.gen == s.ptyGen && s.term != nil && !s.ready {
			s.markReady()
		}
		if ev.gen == s.ptyGen && s.conn != nil {
			s.conn.SendOutput(ev.data)
		}
	case readyEvent:
		if ev.gen == s.ptyGen && s.term != nil && !s.ready {
			s.log.Debug("attach client produced no output, releasing held input")
			s.markReady()
		}
	case ptyExitEvent:
		if ev.gen == s.ptyGen && s.term != nil {
			s.onExit(ev.code)
		}
	case heartbeatEvent:
		if ev.gen == s.hbGen && s.conn != nil {
			s.onHeartbeat()
		}
	case graceEvent:
		if ev.gen == s.graceGen && s.conn == nil {
			s.onGraceExpired()
		}
	case destroyEvent:
		s.onDestroy()
		ev.reply <- nil
	case shutdownEvent:
		s.onShutdown()
		ev.reply <- nil
	case reclaimEvent:
		if s.conn == nil {
			s.detachedAt = ev.detachedAt
			s.armGrace(ev.remaining)
			s.updateInfo()
		}
	}
}

func (s *Session) onAttach(ev attachEvent) error {
	s.cancelGrace()

	if s.conn != nil && s.conn != ev.conn {
		old := s.conn
		s.conn = nil
		s.stopHeartbeat()
		old.Close()
		s.log.Info("replaced attached connection", zap.String("old_conn", old.ID()), zap.String("new_conn", ev.conn.ID()))
	}
	s.killTerm()

	term, err := s.reg.spawner.Spawn(ev.ctx, s.id, ev.cols, ev.rows)
	if err != nil {
		s.log.Error("failed to spawn attach process", zap.Error(err))
		s.conn = nil
		if s.fresh {
			s.end(model.SessionStatusKilled, metrics.EventKilled)
		} else {
			s.armGrace(s.reg.opts.GraceWindow)
			s.updateInfo()
		}
		return fmt.Errorf("%w: %v", model.ErrSpawnFailed, err)
	}

	s.ptyGen++
	s.term = term
	s.conn = ev.conn
	s.cols, s.rows = ev.cols, ev.rows
	s.fresh = false
	s.attachCount++
	s.ready = false
	s.pending = nil
	gen := s.ptyGen
	s.readyTimer = time.AfterFunc(s.reg.opts.ReadyTimeout, func() {
		s.post(readyEvent{gen: gen})
	})
	go s.forward(gen, term)

	s.conn.Send(protocol.NewSession(s.id))
	s.startHeartbeat()

	s.updateInfo()
	s.reg.record(s.id, model.SessionStatusAttached, s.cols, s.rows)
	s.reg.metrics.RecordSessionEvent(metrics.EventAttached)
	s.log.Info("connection attached", zap.String("conn", ev.conn.ID()), zap.Int("attach_count", s.attachCount))
	return nil
}

// forward turns PTY output and exit into actor events tagged with gen.
func (s *Session) forward(gen uint64, term Terminal) {
	for data := range term.Output() {
		if !s.post(ptyOutputEvent{gen: gen, data: data}) {
			term.Kill()
			return
		}
	}
	<-term.Done()
	s.post(ptyExitEvent{gen: gen, code: term.ExitCode()})
}

// detach drops the current connection and starts the grace window.
func (s *Session) detach() {
	s.conn = nil
	s.stopHeartbeat()
	s.killTerm()
	s.detachedAt = time.Now()
	s.armGrace(s.reg.opts.GraceWindow)

	s.updateInfo()
	s.reg.record(s.id, model.SessionStatusDetached, s.cols, s.rows)
	s.reg.metrics.RecordSessionEvent(metrics.EventDetached)
	s.log.Info("connection detached, grace window started", zap.Duration("grace", s.reg.opts.GraceWindow))
}

// onExit handles the end of the attach client. The shell has exited only if
// tmux no longer has the session; otherwise the client was detached from
// inside the terminal or killed, and the session enters its grace window.
func (s *Session) onExit(code int) {
	s.term = nil

	ctx, cancel := context.WithTimeout(context.Background(), s.reg.opts.MuxTimeout)
	alive := s.reg.mux.Exists(ctx, s.id)
	cancel()

	if alive {
		s.log.Info("attach client exited while tmux session is alive", zap.Int("exit_code", code))
		if s.conn != nil {
			s.conn.Close()
			s.detach()
		} else {
			s.killTerm()
		}
		return
	}

	s.log.Info("shell exited", zap.Int("exit_code", code))
	if s.conn != nil {
		s.conn.Send(protocol.NewExit(code))
		s.conn.Close()
		s.conn = nil
	}
	s.end(model.SessionStatusExited, metrics.EventExited)
}

func (s *Session) onHeartbeat() {
	if !s.alive {
		s.log.Warn("heartbeat timed out, terminating connection", zap.String("conn", s.conn.ID()))
		s.reg.metrics.HeartbeatTimeouts.Inc()
		s.conn.Terminate()
		s.detach()
		return
	}
	s.alive = false
	if err := s.conn.Ping(); err != nil {
		s.log.Debug("ping failed", zap.Error(err))
	}
	s.scheduleHeartbeat()
}

func (s *Session) onGraceExpired() {
	s.log.Info("grace window elapsed, reaping session")
	s.end(model.SessionStatusReaped, metrics.EventReaped)
}

func (s *Session) onDestroy() {
	if s.conn != nil {
		s.conn.Send(protocol.NewError("session destroyed"))
		s.conn.Close()
		s.conn = nil
	}
	s.stopHeartbeat()
	s.killTerm()
	s.end(model.SessionStatusKilled, metrics.EventKilled)
}

func (s *Session) onShutdown() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
		s.detachedAt = time.Now()
	}
	s.stopHeartbeat()
	s.cancelGrace()
	s.killTerm()
	s.reg.record(s.id, model.SessionStatusDetached, s.cols, s.rows)
	s.finish()
}

// end removes the session for good. tmux is killed before the registry entry
// goes away so a racing reconnect cannot rehydrate a dying session.
func (s *Session) end(status model.SessionStatus, event string) {
	s.stopHeartbeat()
	s.cancelGrace()
	s.killTerm()

	ctx, cancel := context.WithTimeout(context.Background(), s.reg.opts.MuxTimeout)
	s.reg.mux.Kill(ctx, s.id)
	cancel()
	s.reg.remove(s)

	s.reg.record(s.id, status, s.cols, s.rows)
	s.reg.metrics.RecordSessionEvent(event)
	s.finish()
}

func (s *Session) finish() {
	s.finished = true
	s.infoMu.Lock()
	s.info.State = model.SessionStateDestroyed
	s.infoMu.Unlock()
}

func (s *Session) killTerm() {
	if s.term != nil {
		s.term.Kill()
		s.term = nil
		s.ptyGen++
	}
	s.ready = false
	s.pending = nil
	if s.readyTimer != nil {
		s.readyTimer.Stop()
		s.readyTimer = nil
	}
}

// write sends input to the attach client. Until the client has produced
// output, input is held: tmux discards bytes queued on the terminal when it
// switches it to raw mode.
func (s *Session) write(data []byte) {
	if !s.ready {
		if len(s.pending)+len(data) > maxPendingInput {
			s.log.Debug("dropped input while attach client starts", zap.Int("bytes", len(data)))
			return
		}
		s.pending = append(s.pending, data...)
		return
	}
	if err := s.term.Write(data); err != nil {
		s.log.Debug("dropped input", zap.Error(err))
	}
}

// markReady releases held input once the attach client is running.
func (s *Session) markReady() {
	s.ready = true
	if s.readyTimer != nil {
		s.readyTimer.Stop()
		s.readyTimer = nil
	}
	if len(s.pending) > 0 {
		held := s.pending
		s.pending = nil
		s.write(held)
	}
}

func (s *Session) startHeartbeat() {
	s.alive = true
	s.scheduleHeartbeat()
}

func (s *Session) scheduleHeartbeat() {
	s.stopHeartbeat()
	gen := s.hbGen
	s.hbTimer = time.AfterFunc(s.reg.opts.HeartbeatInterval, func() {
		s.post(heartbeatEvent{gen: gen})
	})
}

func (s *Session) stopHeartbeat() {
	s.hbGen++
	if s.hbTimer != nil {
		s.hbTimer.Stop()
		s.hbTimer = nil
	}
}

func (s *Session) armGrace(d time.Duration) {
	s.cancelGrace()
	gen := s.graceGen
	s.graceTimer = time.AfterFunc(d, func() {
		s.post(graceEvent{gen: gen})
	})
}

func (s *Session) cancelGrace() {
	s.graceGen++
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
}

func (s *Session) updateInfo() {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()

	s.info.Cols, s.info.Rows = s.cols, s.rows
	s.info.PID = 0
	if s.term != nil {
		s.info.PID = s.term.PID()
	}
	if s.conn != nil {
		s.info.State = model.SessionStateAttached
		s.info.DetachedAt = nil
	} else {
		s.info.State = model.SessionStateUnattached
		if !s.detachedAt.IsZero() {
			at := s.detachedAt
			s.info.DetachedAt = &at
		}
	}
}
