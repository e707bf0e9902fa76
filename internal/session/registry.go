// Package session keeps the set of live terminal sessions and their lifecycle:
// attach and reattach, heartbeats, and reaping after the grace window.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/remote-agent-terminal/broker/internal/logging"
	"github.com/remote-agent-terminal/broker/internal/metrics"
	"github.com/remote-agent-terminal/broker/internal/model"
	"github.com/remote-agent-terminal/broker/internal/protocol"
)

// Conn is the transport side of an attachment.
type Conn interface {
	ID() string
	// Send queues a control frame.
	Send(frame protocol.Outbound)
	// SendOutput queues terminal output; old output may be dropped for slow clients.
	SendOutput(data []byte)
	// Ping queues a transport-level liveness ping.
	Ping() error
	// Close flushes queued frames and closes the connection.
	Close()
	// Terminate closes the connection immediately.
	Terminate()
}

// Terminal is a running attach process.
type Terminal interface {
	Output() <-chan []byte
	Done() <-chan struct{}
	ExitCode() int
	Write(data []byte) error
	Resize(cols, rows int) error
	Kill()
	PID() int
}

// Spawner starts attach processes.
type Spawner interface {
	Spawn(ctx context.Context, target string, cols, rows int) (Terminal, error)
}

// SpawnFunc adapts a function to Spawner.
type SpawnFunc func(ctx context.Context, target string, cols, rows int) (Terminal, error)

// Spawn calls f.
func (f SpawnFunc) Spawn(ctx context.Context, target string, cols, rows int) (Terminal, error) {
	return f(ctx, target, cols, rows)
}

// Multiplexer manages the durable tmux sessions.
type Multiplexer interface {
	Exists(ctx context.Context, name string) bool
	Create(ctx context.Context, name string, cols, rows int) bool
	Kill(ctx context.Context, name string)
	List(ctx context.Context) []string
}

// Journal records session lifecycle transitions.
type Journal interface {
	Record(ctx context.Context, id string, status model.SessionStatus, cols, rows int) error
	Get(ctx context.Context, id string) (*model.SessionRecord, error)
	ListOpen(ctx context.Context) ([]*model.SessionRecord, error)
}

// Options configures a Registry.
type Options struct {
	GraceWindow       time.Duration
	HeartbeatInterval time.Duration
	MaxSessions       int
	MuxTimeout        time.Duration
	// ReadyTimeout bounds how long input is held back while a new attach
	// client starts up and has not produced output yet.
	ReadyTimeout time.Duration
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		GraceWindow:       5 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
		MaxSessions:       32,
		MuxTimeout:        5 * time.Second,
		ReadyTimeout:      time.Second,
	}
}

const (
	defaultCols = 80
	defaultRows = 24
)

// Registry maps session ids to live sessions. The mutex guards map
// membership only; session state belongs to each session's actor.
type Registry struct {
	mux     Multiplexer
	spawner Spawner
	journal Journal
	opts    Options
	log     *logging.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
	reserved int
	closed   bool
}

// NewRegistry creates a Registry. journal may be nil.
func NewRegistry(mux Multiplexer, spawner Spawner, journal Journal, opts Options, log *logging.Logger, m *metrics.Metrics) *Registry {
	def := DefaultOptions()
	if opts.GraceWindow <= 0 {
		opts.GraceWindow = def.GraceWindow
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = def.HeartbeatInterval
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = def.MaxSessions
	}
	if opts.MuxTimeout <= 0 {
		opts.MuxTimeout = def.MuxTimeout
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = def.ReadyTimeout
	}
	return &Registry{
		mux:      mux,
		spawner:  spawner,
		journal:  journal,
		opts:     opts,
		log:      log.Named("session"),
		metrics:  m,
		sessions: make(map[string]*Session),
	}
}

// Resolve returns the session a connection should attach to.
//
// A known id is returned directly. An unknown id that names a surviving tmux
// session is rehydrated. Anything else gets a brand new session under a new id.
func (r *Registry) Resolve(ctx context.Context, requestedID string, cols, rows int) (*Session, error) {
	if requestedID != "" {
		if s, ok := r.Get(requestedID); ok {
			return s, nil
		}
		if model.ValidSessionID(requestedID) && r.mux.Exists(ctx, requestedID) {
			s, created, err := r.insert(requestedID, cols, rows, false)
			if err != nil {
				return nil, err
			}
			if created {
				r.metrics.RecordSessionEvent(metrics.EventRecovered)
				r.log.Info("recovered session from tmux", zap.String("session_id", requestedID))
			}
			return s, nil
		}
		r.log.Info("requested session is gone, starting a new one", zap.String("requested_id", requestedID))
	}
	return r.create(ctx, cols, rows)
}

func (r *Registry) create(ctx context.Context, cols, rows int) (*Session, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, model.ErrSessionClosed
	}
	if len(r.sessions)+r.reserved >= r.opts.MaxSessions {
		r.mu.Unlock()
		return nil, model.ErrTooManySessions
	}
	r.reserved++
	r.mu.Unlock()

	id := model.NewSessionID()
	ok := r.mux.Create(ctx, id, cols, rows)

	r.mu.Lock()
	r.reserved--
	r.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: could not create tmux session", model.ErrSpawnFailed)
	}

	s, _, err := r.insert(id, cols, rows, true)
	if err != nil {
		r.mux.Kill(context.Background(), id)
		return nil, err
	}
	r.metrics.RecordSessionEvent(metrics.EventCreated)
	r.log.Info("session created", zap.String("session_id", id))
	return s, nil
}

// insert adds a session for id unless one is already present. Recovered
// sessions bypass the cap because their tmux session already exists.
func (r *Registry) insert(id string, cols, rows int, fresh bool) (*Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, false, model.ErrSessionClosed
	}
	if s, ok := r.sessions[id]; ok {
		return s, false, nil
	}
	s := newSession(r, id, cols, rows, fresh)
	r.sessions[id] = s
	r.metrics.SessionsActive.Set(float64(len(r.sessions)))
	return s, true, nil
}

// Get returns the live session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot returns the state of every live session, oldest first.
func (r *Registry) Snapshot() []model.SessionInfo {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	infos := make([]model.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Destroy ends a session and its shell. Sessions that survive only in tmux
// are killed there directly. Malformed ids fail with model.ErrInvalidSessionID.
func (r *Registry) Destroy(ctx context.Context, id string) error {
	if !model.ValidSessionID(id) {
		return model.ErrInvalidSessionID
	}
	if s, ok := r.Get(id); ok {
		if err := s.destroy(); err != nil && !errors.Is(err, model.ErrSessionClosed) {
			return err
		}
		return nil
	}
	if !r.mux.Exists(ctx, id) {
		return model.ErrSessionNotFound
	}
	r.mux.Kill(ctx, id)
	r.record(id, model.SessionStatusKilled, defaultCols, defaultRows)
	r.metrics.RecordSessionEvent(metrics.EventKilled)
	return nil
}

// Reclaim adopts tmux sessions left behind by a previous broker process.
// Each one gets whatever remains of its grace window, measured from the
// detach time in the journal, or a full window when nothing was recorded.
// Journal entries whose tmux session is gone are closed out as reaped.
func (r *Registry) Reclaim(ctx context.Context) (int, error) {
	names := r.mux.List(ctx)
	live := make(map[string]bool, len(names))
	now := time.Now()
	adopted := 0

	for _, name := range names {
		live[name] = true
		if _, ok := r.Get(name); ok {
			continue
		}

		cols, rows := defaultCols, defaultRows
		detachedAt := now
		remaining := r.opts.GraceWindow
		if rec := r.lookup(ctx, name); rec != nil {
			if rec.Cols > 0 && rec.Rows > 0 {
				cols, rows = rec.Cols, rec.Rows
			}
			detachedAt = rec.UpdatedAt
			if rec.DetachedAt != nil {
				detachedAt = *rec.DetachedAt
			}
			remaining = r.opts.GraceWindow - now.Sub(detachedAt)
			if rec.Status.Terminal() {
				remaining = 0
			}
		}

		if remaining <= 0 {
			r.log.Info("reaping expired orphan session", zap.String("session_id", name))
			r.mux.Kill(ctx, name)
			r.record(name, model.SessionStatusReaped, cols, rows)
			r.metrics.RecordSessionEvent(metrics.EventReaped)
			continue
		}

		s, created, err := r.insert(name, cols, rows, false)
		if err != nil {
			return adopted, err
		}
		if created {
			s.reclaim(detachedAt, remaining)
			r.record(name, model.SessionStatusDetached, cols, rows)
			r.metrics.RecordSessionEvent(metrics.EventRecovered)
			r.log.Info("reclaimed orphan session", zap.String("session_id", name), zap.Duration("grace_remaining", remaining))
			adopted++
		}
	}

	if r.journal == nil {
		return adopted, nil
	}
	open, err := r.journal.ListOpen(ctx)
	if err != nil {
		return adopted, fmt.Errorf("failed to list open sessions: %w", err)
	}
	for _, rec := range open {
		if live[rec.ID] {
			continue
		}
		if _, ok := r.Get(rec.ID); ok {
			continue
		}
		r.record(rec.ID, model.SessionStatusReaped, rec.Cols, rec.Rows)
	}
	return adopted, nil
}

// Close detaches every session without killing tmux, so a restarted broker
// can recover them.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.shutdown()
		}(s)
	}
	wg.Wait()

	r.metrics.SessionsActive.Set(0)
	r.log.Info("registry closed", zap.Int("sessions", len(sessions)))
}

// remove drops s from the map if it is still the registered entry for its id.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.id]; ok && cur == s {
		delete(r.sessions, s.id)
		r.metrics.SessionsActive.Set(float64(len(r.sessions)))
	}
}

func (r *Registry) record(id string, status model.SessionStatus, cols, rows int) {
	if r.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.journal.Record(ctx, id, status, cols, rows); err != nil {
		r.log.Warn("failed to record session status",
			zap.String("session_id", id),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

func (r *Registry) lookup(ctx context.Context, id string) *model.SessionRecord {
	if r.journal == nil {
		return nil
	}
	rec, err := r.journal.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, model.ErrSessionNotFound) {
			r.log.Warn("failed to read session record", zap.String("session_id", id), zap.Error(err))
		}
		return nil
	}
	return rec
}
