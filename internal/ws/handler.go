package ws

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/remote-agent-terminal/broker/internal/command"
	"github.com/remote-agent-terminal/broker/internal/logging"
	"github.com/remote-agent-terminal/broker/internal/metrics"
	"github.com/remote-agent-terminal/broker/internal/model"
	"github.com/remote-agent-terminal/broker/internal/protocol"
	"github.com/remote-agent-terminal/broker/internal/session"
)

// ExecRunner runs exec frames.
type ExecRunner interface {
	Run(ctx context.Context, command string) (command.Result, error)
}

// Options configures a Handler.
type Options struct {
	// MaxMessageBytes caps inbound frame size.
	MaxMessageBytes int64
	// OutputBufferBytes bounds unsent terminal output per connection.
	OutputBufferBytes int
	// ExecConcurrency bounds in-flight exec frames per connection.
	ExecConcurrency int64
	// CheckOrigin validates the Origin header. Nil allows every origin.
	CheckOrigin func(r *http.Request) bool
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		MaxMessageBytes:   64 * 1024,
		OutputBufferBytes: 1 << 20,
		ExecConcurrency:   4,
	}
}

// Handler upgrades HTTP requests and bridges each WebSocket to a session.
type Handler struct {
	registry *session.Registry
	runner   ExecRunner
	opts     Options
	upgrader websocket.Upgrader
	log      *logging.Logger
	metrics  *metrics.Metrics
}

// NewHandler creates a new WebSocket handler.
func NewHandler(registry *session.Registry, runner ExecRunner, opts Options, log *logging.Logger, m *metrics.Metrics) *Handler {
	def := DefaultOptions()
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = def.MaxMessageBytes
	}
	if opts.OutputBufferBytes <= 0 {
		opts.OutputBufferBytes = def.OutputBufferBytes
	}
	if opts.ExecConcurrency <= 0 {
		opts.ExecConcurrency = def.ExecConcurrency
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}

	return &Handler{
		registry: registry,
		runner:   runner,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		log:     log.Named("ws"),
		metrics: m,
	}
}

// ServeHTTP handles a connection for its whole lifetime. Query parameters:
// sessionId (optional), cols and rows (default 80x24).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestedID := r.URL.Query().Get("sessionId")
	cols, rows := parseSize(r.URL.Query().Get("cols"), r.URL.Query().Get("rows"))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(h.opts.MaxMessageBytes)

	client := NewClient(uuid.NewString(), conn, h.opts.OutputBufferBytes, h.log, h.metrics)
	h.metrics.WSConnections.Inc()
	defer h.metrics.WSConnections.Dec()
	go client.writePump()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := h.attach(ctx, client, requestedID, cols, rows)
	if err != nil {
		h.log.Warn("failed to attach connection",
			zap.String("conn", client.ID()),
			zap.String("requested_id", requestedID),
			zap.Error(err))
		client.Send(protocol.NewError(attachErrorMessage(err)))
		client.Close()
		h.drain(conn)
		return
	}

	conn.SetPongHandler(func(string) error {
		sess.Pong(client)
		return nil
	})

	h.readPump(ctx, client, sess)
}

// attach resolves the session and binds client to it. A session that ended
// between lookup and attach is resolved once more.
func (h *Handler) attach(ctx context.Context, client *Client, requestedID string, cols, rows int) (*session.Session, error) {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var sess *session.Session
		sess, err = h.registry.Resolve(ctx, requestedID, cols, rows)
		if err != nil {
			return nil, err
		}
		err = sess.Attach(ctx, client, cols, rows)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, model.ErrSessionClosed) {
			return nil, err
		}
	}
	return nil, err
}

// readPump pumps frames from the WebSocket connection to the session until
// the socket fails or closes.
func (h *Handler) readPump(ctx context.Context, client *Client, sess *session.Session) {
	defer func() {
		sess.Detach(client)
		client.Terminate()
	}()

	execSem := semaphore.NewWeighted(h.opts.ExecConcurrency)

	for {
		messageType, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Debug("websocket read error", zap.String("conn", client.ID()), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			h.log.Warn("dropping invalid frame", zap.String("conn", client.ID()), zap.Error(err))
			h.metrics.WSFrames.WithLabelValues("in", "invalid").Inc()
			continue
		}
		h.metrics.WSFrames.WithLabelValues("in", msg.Kind()).Inc()

		switch m := msg.(type) {
		case protocol.Input:
			sess.Input(client, []byte(m.Data))
		case protocol.Command:
			sess.Input(client, m.Line())
		case protocol.Resize:
			sess.Resize(client, m.Cols, m.Rows)
		case protocol.Ping:
			client.Send(protocol.NewPong())
		case protocol.Exec:
			h.exec(ctx, client, execSem, m)
		}
	}
}

// exec runs an exec frame off the read loop. Results go out as control
// frames, never as terminal output.
func (h *Handler) exec(ctx context.Context, client *Client, sem *semaphore.Weighted, m protocol.Exec) {
	if !sem.TryAcquire(1) {
		client.Send(protocol.NewExecResult(m.ID, "", "", errors.New("too many concurrent exec requests")))
		return
	}

	go func() {
		defer sem.Release(1)
		res, err := h.runner.Run(ctx, m.Command)
		client.Send(protocol.NewExecResult(m.ID, res.Stdout, res.Stderr, err))
	}()
}

// drain reads until the peer closes so the close handshake can finish.
func (h *Handler) drain(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(writeWait))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func parseSize(colsParam, rowsParam string) (int, int) {
	cols, err := strconv.Atoi(colsParam)
	if err != nil {
		cols = 0
	}
	rows, err := strconv.Atoi(rowsParam)
	if err != nil {
		rows = 0
	}
	if !protocol.ValidSize(cols, rows) {
		return 80, 24
	}
	return cols, rows
}

func attachErrorMessage(err error) string {
	switch {
	case errors.Is(err, model.ErrTooManySessions):
		return "too many sessions"
	case errors.Is(err, model.ErrSpawnFailed):
		return "failed to start terminal"
	case errors.Is(err, model.ErrSessionClosed):
		return "server is shutting down"
	default:
		return "failed to attach session"
	}
}
