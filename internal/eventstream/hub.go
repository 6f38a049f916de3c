// Package eventstream broadcasts engine events to websocket clients.
//
// Every event is wrapped in an [Envelope] and marshalled once; each client
// receives it through its own bounded queue. A client whose queue is full is
// disconnected rather than allowed to slow down publishers, which run on the
// engine's event dispatch goroutines.
package eventstream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/drillcycle/internal/observe"
)

// DefaultClientBuffer is the per-client queue length.
const DefaultClientBuffer = 64

// DefaultWriteTimeout bounds a single websocket write.
const DefaultWriteTimeout = 5 * time.Second

// Envelope kinds.
const (
	KindCycle      = "cycle"
	KindTiming     = "timing"
	KindCommentary = "commentary"
	KindDriving    = "driving"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("eventstream: hub closed")

// Envelope is the JSON frame sent to clients.
type Envelope struct {
	Kind      string          `json:"kind"`
	SessionID string          `json:"session_id,omitempty"`
	Seq       uint64          `json:"seq"`
	At        time.Time       `json:"at"`
	Data      json.RawMessage `json:"data"`
}

// Option configures a [Hub].
type Option func(*Hub)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.log = l }
}

// WithMetrics tracks the number of connected clients.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithSessionID stamps every envelope with id.
func WithSessionID(id string) Option {
	return func(h *Hub) { h.sessionID = id }
}

// WithClientBuffer sets the per-client queue length.
func WithClientBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithOriginPatterns allows cross-origin clients matching the patterns. See
// [websocket.AcceptOptions].
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Hub) { h.origins = patterns }
}

type client struct {
	send   chan []byte
	cancel context.CancelFunc
}

// Hub fans envelopes out to websocket clients. It implements
// [http.Handler]; mount it on the events route.
type Hub struct {
	log       *slog.Logger
	metrics   *observe.Metrics
	sessionID string
	buffer    int
	origins   []string
	now       func() time.Time

	mu      sync.Mutex
	clients map[*client]struct{}
	seq     uint64
	closed  bool
	wg      sync.WaitGroup
}

// New creates an empty hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		log:     slog.Default(),
		buffer:  DefaultClientBuffer,
		now:     time.Now,
		clients: make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish marshals data and queues it for every connected client. It never
// blocks; clients that cannot keep up are disconnected.
func (h *Hub) Publish(kind string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	h.seq++
	frame, err := json.Marshal(Envelope{
		Kind:      kind,
		SessionID: h.sessionID,
		Seq:       h.seq,
		At:        h.now().UTC(),
		Data:      raw,
	})
	if err != nil {
		return err
	}
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			h.log.Warn("eventstream: client too slow, disconnecting", "kind", kind, "seq", h.seq)
			h.dropLocked(c)
		}
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams envelopes until the client
// disconnects or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.log.Debug("eventstream: accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	// Reads are only needed for control frames; CloseRead handles them and
	// cancels ctx when the peer goes away.
	ctx, cancel := context.WithCancel(conn.CloseRead(r.Context()))
	c := &client{send: make(chan []byte, h.buffer), cancel: cancel}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	h.clients[c] = struct{}{}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	h.metrics.AddStreamClients(ctx, 1)
	defer h.metrics.AddStreamClients(context.WithoutCancel(ctx), -1)
	h.log.Debug("eventstream: client connected", "remote", r.RemoteAddr)

	err = h.writeLoop(ctx, conn, c)

	h.mu.Lock()
	h.dropLocked(c)
	h.mu.Unlock()

	switch {
	case err == nil, errors.Is(err, context.Canceled):
		conn.Close(websocket.StatusNormalClosure, "")
	default:
		h.log.Debug("eventstream: client write failed", "remote", r.RemoteAddr, "err", err)
		conn.Close(websocket.StatusInternalError, "write failed")
	}
}

func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, c *client) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, DefaultWriteTimeout)
			err := conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.cancel()
}

// Close disconnects every client and rejects further publishes.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	for c := range h.clients {
		h.dropLocked(c)
	}
	h.mu.Unlock()
	h.wg.Wait()
	return nil
}

// Forward publishes every value delivered through subscribe under kind and
// returns the unsubscribe function. Publish errors are logged.
func Forward[T any](h *Hub, kind string, subscribe func(func(T)) func()) (unsubscribe func()) {
	return subscribe(func(v T) {
		if err := h.Publish(kind, v); err != nil && !errors.Is(err, ErrClosed) {
			h.log.Warn("eventstream: publish failed", "kind", kind, "err", err)
		}
	})
}
