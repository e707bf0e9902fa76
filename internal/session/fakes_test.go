package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/remote-agent-terminal/broker/internal/logging"
	"github.com/remote-agent-terminal/broker/internal/metrics"
	"github.com/remote-agent-terminal/broker/internal/model"
	"github.com/remote-agent-terminal/broker/internal/protocol"
)

// fakeMux is an in-memory tmux server.
type fakeMux struct {
	mu       sync.Mutex
	sessions map[string]bool
	creates  int
	kills    []string
	exists   int
	failNext bool
}

func newFakeMux(existing ...string) *fakeMux {
	m := &fakeMux{sessions: make(map[string]bool)}
	for _, name := range existing {
		m.sessions[name] = true
	}
	return m
}

func (m *fakeMux) Exists(_ context.Context, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exists++
	return m.sessions[name]
}

func (m *fakeMux) Create(_ context.Context, name string, _, _ int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		m.failNext = false
		return false
	}
	m.creates++
	m.sessions[name] = true
	return true
}

func (m *fakeMux) Kill(_ context.Context, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kills = append(m.kills, name)
	delete(m.sessions, name)
}

func (m *fakeMux) List(_ context.Context) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name := range m.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// drop removes a session the way tmux does when its shell exits.
func (m *fakeMux) drop(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, name)
}

func (m *fakeMux) has(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[name]
}

func (m *fakeMux) stats() (creates, exists int, kills []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates, m.exists, append([]string(nil), m.kills...)
}

// fakeTerm is an attach process driven by the test.
type fakeTerm struct {
	target string
	output chan []byte
	done   chan struct{}
	pid    int

	// hold keeps output open after Kill, like a process that is slow to die.
	hold bool

	mu       sync.Mutex
	killed   bool
	finished bool
	code     int
	input    []byte
	size     [2]int
}

func (t *fakeTerm) Output() <-chan []byte { return t.output }
func (t *fakeTerm) Done() <-chan struct{} { return t.done }
func (t *fakeTerm) PID() int              { return t.pid }

func (t *fakeTerm) ExitCode() int {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.code
}

func (t *fakeTerm) Write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.killed || t.finished {
		return errors.New("closed")
	}
	t.input = append(t.input, data...)
	return nil
}

func (t *fakeTerm) Resize(cols, rows int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.size = [2]int{cols, rows}
	return nil
}

func (t *fakeTerm) Kill() {
	t.mu.Lock()
	t.killed = true
	hold := t.hold
	t.mu.Unlock()
	if !hold {
		t.finish(-1)
	}
}

// emit writes output as if the shell printed it.
func (t *fakeTerm) emit(s string) {
	t.output <- []byte(s)
}

// finish ends the process with code.
func (t *fakeTerm) finish(code int) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.finished = true
	t.code = code
	t.mu.Unlock()
	close(t.output)
	close(t.done)
}

func (t *fakeTerm) isKilled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.killed
}

func (t *fakeTerm) received() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.input)
}

func (t *fakeTerm) currentSize() [2]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// fakeSpawner hands out fakeTerms and remembers them.
type fakeSpawner struct {
	mu    sync.Mutex
	terms []*fakeTerm
	fail  error
	hold  bool
}

func (s *fakeSpawner) Spawn(_ context.Context, target string, cols, rows int) (Terminal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	t := &fakeTerm{
		target: target,
		output: make(chan []byte, 16),
		done:   make(chan struct{}),
		pid:    1000 + len(s.terms),
		hold:   s.hold,
		size:   [2]int{cols, rows},
	}
	s.terms = append(s.terms, t)
	return t, nil
}

func (s *fakeSpawner) all() []*fakeTerm {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeTerm(nil), s.terms...)
}

func (s *fakeSpawner) last() *fakeTerm {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.terms) == 0 {
		return nil
	}
	return s.terms[len(s.terms)-1]
}

// live counts spawned terminals that are neither killed nor finished.
func (s *fakeSpawner) live() int {
	n := 0
	for _, t := range s.all() {
		t.mu.Lock()
		if !t.killed && !t.finished {
			n++
		}
		t.mu.Unlock()
	}
	return n
}

var connSeq atomic.Int64

// fakeConn records everything the session sends it.
type fakeConn struct {
	id     string
	onPing func()

	mu         sync.Mutex
	frames     []protocol.Outbound
	output     []byte
	pings      int
	closed     bool
	terminated bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{id: fmt.Sprintf("conn-%d", connSeq.Add(1))}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(frame protocol.Outbound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
}

func (c *fakeConn) SendOutput(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.output = append(c.output, data...)
}

func (c *fakeConn) Ping() error {
	c.mu.Lock()
	c.pings++
	onPing := c.onPing
	c.mu.Unlock()
	if onPing != nil {
		onPing()
	}
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) Terminate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminated = true
	c.closed = true
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) isTerminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

func (c *fakeConn) outputString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.output)
}

func (c *fakeConn) framesOf(kind string) []protocol.Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Outbound
	for _, f := range c.frames {
		if f.Kind() == kind {
			out = append(out, f)
		}
	}
	return out
}

// fakeJournal is an in-memory ledger.
type fakeJournal struct {
	mu      sync.Mutex
	records map[string]*model.SessionRecord
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{records: make(map[string]*model.SessionRecord)}
}

func (j *fakeJournal) Record(_ context.Context, id string, status model.SessionStatus, cols, rows int) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := time.Now()
	rec, ok := j.records[id]
	if !ok {
		rec = &model.SessionRecord{ID: id, CreatedAt: now}
		j.records[id] = rec
	}
	rec.Status = status
	rec.Cols, rec.Rows = cols, rows
	rec.UpdatedAt = now
	if status == model.SessionStatusDetached {
		rec.DetachedAt = &now
	}
	return nil
}

func (j *fakeJournal) Get(_ context.Context, id string) (*model.SessionRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.records[id]
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	cp := *rec
	return &cp, nil
}

func (j *fakeJournal) ListOpen(_ context.Context) ([]*model.SessionRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var open []*model.SessionRecord
	for _, rec := range j.records {
		if !rec.Status.Terminal() {
			cp := *rec
			open = append(open, &cp)
		}
	}
	return open, nil
}

func (j *fakeJournal) put(rec model.SessionRecord) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records[rec.ID] = &rec
}

func (j *fakeJournal) status(id string) model.SessionStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	if rec, ok := j.records[id]; ok {
		return rec.Status
	}
	return ""
}

type testEnv struct {
	reg     *Registry
	mux     *fakeMux
	spawner *fakeSpawner
	journal *fakeJournal
	metrics *metrics.Metrics
}

func setupTestRegistry(opts Options, existing ...string) *testEnv {
	env := &testEnv{
		mux:     newFakeMux(existing...),
		spawner: &fakeSpawner{},
		journal: newFakeJournal(),
		metrics: metrics.New(),
	}
	env.reg = NewRegistry(env.mux, env.spawner, env.journal, opts, logging.NewNop(), env.metrics)
	return env
}
