package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultWriteTimeout   = 10 * time.Second
	defaultRequestTimeout = 30 * time.Second

	// maxRequestSize bounds the initial request message.
	maxRequestSize = 64 * 1024
)

// Options tunes a WebSocket sink.
type Options struct {
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// RequestTimeout bounds the wait for the initial request.
	RequestTimeout time.Duration

	// PingInterval enables keepalive pings. The peer must answer within two
	// intervals. Zero disables pings and the read deadline.
	PingInterval time.Duration
}

// ErrorMessage is the single structured message sent when a session fails
// before streaming.
type ErrorMessage struct {
	Error string `json:"error"`
}

// WebSocket is a Sink over a websocket connection. Frames are sent as binary
// messages; peer closure is detected by a background read loop started with
// Watch.
type WebSocket struct {
	conn   *websocket.Conn
	opts   Options
	logger *slog.Logger

	writeMu sync.Mutex

	watching   atomic.Bool
	closed     atomic.Bool
	peerClosed chan struct{}
	peerOnce   sync.Once

	released  chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var _ Sink = (*WebSocket)(nil)

// NewWebSocket wraps an upgraded connection.
func NewWebSocket(conn *websocket.Conn, opts Options, logger *slog.Logger) *WebSocket {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &WebSocket{
		conn:       conn,
		opts:       opts,
		logger:     logger,
		peerClosed: make(chan struct{}),
		released:   make(chan struct{}),
	}
}

// RemoteAddr returns the peer address.
func (w *WebSocket) RemoteAddr() string {
	return w.conn.RemoteAddr().String()
}

// ReadRequest reads the initial client message. It must be called before
// Watch.
func (w *WebSocket) ReadRequest(ctx context.Context) ([]byte, error) {
	if w.watching.Load() {
		return nil, errors.New("sink: request read after watch started")
	}

	deadline := time.Now().Add(w.opts.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = w.conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = w.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	w.conn.SetReadLimit(maxRequestSize)
	_, msg, err := w.conn.ReadMessage()
	if err != nil {
		w.markPeerClosed()
		return nil, fmt.Errorf("sink: read request: %w", err)
	}
	_ = w.conn.SetReadDeadline(time.Time{})

	return msg, nil
}

// Watch starts the read loop that detects peer closure, and the keepalive
// pings when enabled. Further calls are no-ops.
func (w *WebSocket) Watch() {
	if !w.watching.CompareAndSwap(false, true) {
		return
	}

	if w.opts.PingInterval > 0 {
		pongWait := 2 * w.opts.PingInterval
		_ = w.conn.SetReadDeadline(time.Now().Add(pongWait))
		w.conn.SetPongHandler(func(string) error {
			return w.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go w.pingLoop()
	}

	go w.readLoop()
}

// Send writes frame as one binary message.
func (w *WebSocket) Send(ctx context.Context, frame []byte) error {
	if w.Closed() {
		return ErrClosed
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	return w.write(ctx, websocket.BinaryMessage, frame)
}

// SendError writes the structured error message as text.
func (w *WebSocket) SendError(ctx context.Context, msg string) error {
	if w.Closed() {
		return ErrClosed
	}

	data, err := json.Marshal(ErrorMessage{Error: msg})
	if err != nil {
		return fmt.Errorf("sink: marshal error message: %w", err)
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	return w.write(ctx, websocket.TextMessage, data)
}

func (w *WebSocket) write(ctx context.Context, messageType int, data []byte) error {
	deadline := time.Now().Add(w.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = w.conn.SetWriteDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = w.conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	if err := w.conn.WriteMessage(messageType, data); err != nil {
		if w.Closed() || errors.Is(err, websocket.ErrCloseSent) {
			return ErrClosed
		}
		return fmt.Errorf("sink: write: %w", err)
	}

	return nil
}

// Closed reports whether the peer has closed the connection or the sink has
// been released.
func (w *WebSocket) Closed() bool { return w.closed.Load() }

// Done is closed when the peer closes the connection.
func (w *WebSocket) Done() <-chan struct{} { return w.peerClosed }

// Close sends a close frame and releases the connection.
func (w *WebSocket) Close() error {
	w.closeOnce.Do(func() {
		if !w.Closed() {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(w.opts.WriteTimeout))
		}
		w.closed.Store(true)
		w.closeErr = w.conn.Close()
		close(w.released)
	})
	return w.closeErr
}

func (w *WebSocket) markPeerClosed() {
	w.peerOnce.Do(func() {
		w.closed.Store(true)
		close(w.peerClosed)
	})
}

// readLoop discards client messages until the connection fails.
func (w *WebSocket) readLoop() {
	defer w.markPeerClosed()

	for {
		_, r, err := w.conn.NextReader()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				select {
				case <-w.released:
				default:
					w.logger.Debug("websocket read error", "err", err)
				}
			}
			return
		}
		if _, err := io.Copy(io.Discard, r); err != nil {
			return
		}
	}
}

func (w *WebSocket) pingLoop() {
	ticker := time.NewTicker(w.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.opts.WriteTimeout)); err != nil {
				return
			}
		case <-w.peerClosed:
			return
		case <-w.released:
			return
		}
	}
}
