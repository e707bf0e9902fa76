package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/remote-agent-terminal/broker/internal/buffer"
	"github.com/remote-agent-terminal/broker/internal/logging"
	"github.com/remote-agent-terminal/broker/internal/metrics"
	"github.com/remote-agent-terminal/broker/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Control frames queued per client before it counts as a slow consumer.
	controlQueueSize = 256
)

// ErrClientClosed is returned when sending to a client that has gone away.
var ErrClientClosed = errors.New("client closed")

// Client is one WebSocket connection. Control frames go through a bounded
// queue; terminal output goes through a drop-oldest ring so a slow reader
// loses old output instead of stalling the session. A single writer
// goroutine owns the socket for writes.
type Client struct {
	id      string
	conn    *websocket.Conn
	log     *logging.Logger
	metrics *metrics.Metrics

	control chan []byte
	output  *buffer.RingBuffer
	notify  chan struct{}
	ping    chan struct{}

	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	termOnce  sync.Once

	mu          sync.Mutex
	closed      bool
	lastDropped uint64
}

// NewClient wraps conn. outputBytes bounds the unsent terminal output.
func NewClient(id string, conn *websocket.Conn, outputBytes int, log *logging.Logger, m *metrics.Metrics) *Client {
	return &Client{
		id:      id,
		conn:    conn,
		log:     log.With(zap.String("conn", id)),
		metrics: m,
		control: make(chan []byte, controlQueueSize),
		output:  buffer.NewRingBuffer(outputBytes),
		notify:  make(chan struct{}, 1),
		ping:    make(chan struct{}, 1),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// Send queues a control frame. A full queue terminates the connection.
func (c *Client) Send(frame protocol.Outbound) {
	data, err := protocol.Encode(frame)
	if err != nil {
		c.log.Error("failed to encode frame", zap.String("type", frame.Kind()), zap.Error(err))
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.control <- data:
		c.mu.Unlock()
		c.metrics.WSFrames.WithLabelValues("out", frame.Kind()).Inc()
	default:
		c.mu.Unlock()
		c.log.Warn("control queue full, dropping slow client")
		c.Terminate()
	}
}

// SendOutput queues terminal output, discarding the oldest unsent bytes when
// the client falls behind.
func (c *Client) SendOutput(data []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.output.Write(data)
	if dropped := c.output.Dropped(); dropped > c.lastDropped {
		c.metrics.OutputDropped.Add(float64(dropped - c.lastDropped))
		c.lastDropped = dropped
	}
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Ping asks the writer to send a WebSocket ping. It never blocks.
func (c *Client) Ping() error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClientClosed
	}

	select {
	case c.ping <- struct{}{}:
	default:
	}
	return nil
}

// Close flushes everything already queued, sends a close frame and closes
// the socket. It does not wait for the flush.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.closing)
	})
}

// Terminate closes the socket immediately, discarding queued frames.
func (c *Client) Terminate() {
	c.termOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}

// Done is closed once the connection has been torn down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// writePump pumps queued frames to the WebSocket connection. Control frames
// always go out before pending output.
func (c *Client) writePump() {
	defer c.Terminate()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.control:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.notify:
			if err := c.flushControl(); err != nil {
				return
			}
			if err := c.flushOutput(); err != nil {
				return
			}
		case <-c.ping:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closing:
			if c.flushControl() != nil || c.flushOutput() != nil {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) flushControl() error {
	for {
		select {
		case data := <-c.control:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (c *Client) flushOutput() error {
	data := c.output.Drain(0)
	if len(data) == 0 {
		return nil
	}
	frame, err := protocol.Encode(protocol.NewOutput(data))
	if err != nil {
		return err
	}
	c.metrics.WSFrames.WithLabelValues("out", protocol.TypeOutput).Inc()
	return c.write(websocket.TextMessage, frame)
}

func (c *Client) write(messageType int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		c.log.Debug("write failed", zap.Error(err))
		return err
	}
	return nil
}
