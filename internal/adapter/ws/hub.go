// Package ws implements the push-channel adapter for operator UI clients.
//
// Fan-out is non-blocking: each delta lands on a bounded per-subscriber
// buffer drained by that subscriber's writer goroutine. When a buffer fills,
// the buffered deltas are coalesced into one fresh full-status snapshot;
// full snapshots are never dropped. This bounds memory per subscriber while
// keeping every client eventually consistent.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// SnapshotFunc supplies the current full-status payload fields.
type SnapshotFunc func() map[string]any

// Options configures the hub.
type Options struct {
	BufferSize   int           // per-subscriber outbound buffer, in deltas
	SendTimeout  time.Duration // per-write bound before a subscriber is slow
	PingInterval time.Duration
	FullStatus   SnapshotFunc // full_status_update payload
	Charts       SnapshotFunc // get_chart_updates payload
	LogReplay    func() []string
}

// delta is one buffered outbound message.
type delta struct {
	data []byte
	full bool
}

// Hub manages all active push-channel subscribers.
type Hub struct {
	opts  Options
	mu    sync.RWMutex
	conns map[*conn]struct{}
}

// NewHub creates a hub. BufferSize < 1 falls back to 1.
func NewHub(opts Options) *Hub {
	if opts.BufferSize < 1 {
		opts.BufferSize = 1
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	return &Hub{opts: opts, conns: make(map[*conn]struct{})}
}

// envelope marshals {"type": typ} merged with fields.
func envelope(typ string, fields map[string]any) ([]byte, bool) {
	m := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		m[k] = v
	}
	m["type"] = typ
	data, err := json.Marshal(m)
	if err != nil {
		slog.Error("marshal ws message failed", "type", typ, "error", err)
		return nil, false
	}
	return data, true
}

// Publish broadcasts one delta to all subscribers without blocking.
func (h *Hub) Publish(typ string, fields map[string]any) {
	data, ok := envelope(typ, fields)
	if !ok {
		return
	}
	h.each(func(c *conn) { c.enqueue(delta{data: data}) })
}

// PublishFull broadcasts a full-status snapshot. A full snapshot subsumes
// everything buffered before it for each subscriber.
func (h *Hub) PublishFull(fields map[string]any) {
	data, ok := envelope(TypeFullStatus, fields)
	if !ok {
		return
	}
	h.each(func(c *conn) { c.enqueue(delta{data: data, full: true}) })
}

func (h *Hub) each(fn func(*conn)) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns {
		fn(c)
	}
}

// ConnectionCount returns the number of active subscribers.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// HandleWS upgrades the request and attaches the client as a subscriber.
// The client immediately receives a full-status snapshot, then deltas.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := newConn(sock, h, cancel)

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	slog.Info("subscriber connected", "remote", r.RemoteAddr, "total", h.ConnectionCount())

	c.sendInitial()

	go c.writeLoop(ctx)
	go c.pingLoop(ctx, h.opts.PingInterval)
	go c.readLoop(ctx)
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
		slog.Info("subscriber disconnected", "total", len(h.conns))
	}
}

// ---------------------------------------------------------------------------
// conn
// ---------------------------------------------------------------------------

// conn wraps one subscriber connection and its bounded outbound buffer.
type conn struct {
	ws     *websocket.Conn
	hub    *Hub
	cancel context.CancelFunc

	mu     sync.Mutex
	buf    []delta
	notify chan struct{}
}

func newConn(sock *websocket.Conn, h *Hub, cancel context.CancelFunc) *conn {
	return &conn{
		ws:     sock,
		hub:    h,
		cancel: cancel,
		notify: make(chan struct{}, 1),
	}
}

// enqueue appends a delta to the buffer, coalescing on overflow. A full
// snapshot replaces everything buffered before it.
func (c *conn) enqueue(d delta) {
	c.mu.Lock()
	switch {
	case d.full:
		c.buf = c.buf[:0]
		c.buf = append(c.buf, d)
	case len(c.buf) >= c.hub.opts.BufferSize:
		c.coalesceLocked()
	default:
		c.buf = append(c.buf, d)
	}
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// coalesceLocked replaces the buffered deltas with one fresh full snapshot.
// Must be called with c.mu held.
func (c *conn) coalesceLocked() {
	fields := map[string]any{}
	if c.hub.opts.FullStatus != nil {
		fields = c.hub.opts.FullStatus()
	}
	data, ok := envelope(TypeFullStatus, fields)
	if !ok {
		return
	}
	c.buf = c.buf[:0]
	c.buf = append(c.buf, delta{data: data, full: true})
}

// coalesce is the unlocked form, used when a send timeout marks the
// subscriber slow.
func (c *conn) coalesce() {
	c.mu.Lock()
	c.coalesceLocked()
	c.mu.Unlock()
}

// drain removes and returns all buffered deltas.
func (c *conn) drain() []delta {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.buf
	c.buf = nil
	return out
}

// sendInitial queues the full snapshot plus a bounded log replay for a
// freshly attached subscriber.
func (c *conn) sendInitial() {
	fields := map[string]any{}
	if c.hub.opts.FullStatus != nil {
		fields = c.hub.opts.FullStatus()
	}
	if data, ok := envelope(TypeFullStatus, fields); ok {
		c.enqueue(delta{data: data, full: true})
	}
	if c.hub.opts.LogReplay == nil {
		return
	}
	lines := c.hub.opts.LogReplay()
	// Replay at most half the buffer so the snapshot is not coalesced away.
	limit := c.hub.opts.BufferSize / 2
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	for _, line := range lines {
		if data, ok := envelope(TypeLog, map[string]any{"log_line": line}); ok {
			c.enqueue(delta{data: data})
		}
	}
}

// writeLoop drains the buffer to the socket. A write timeout coalesces the
// buffer and keeps going; a hard write error detaches the subscriber.
func (c *conn) writeLoop(ctx context.Context) {
	defer func() {
		c.hub.remove(c)
		_ = c.ws.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.notify:
		}

		for _, d := range c.drain() {
			wctx, cancel := context.WithTimeout(ctx, c.hub.opts.SendTimeout)
			err := c.ws.Write(wctx, websocket.MessageText, d.data)
			cancel()
			if err == nil {
				continue
			}
			if wctx.Err() != nil && ctx.Err() == nil {
				// Slow subscriber: collapse whatever is pending into a
				// fresh snapshot and try again on the next wakeup.
				slog.Warn("subscriber slow, coalescing buffer")
				c.coalesce()
				select {
				case c.notify <- struct{}{}:
				default:
				}
				break
			}
			slog.Debug("subscriber write failed", "error", err)
			return
		}
	}
}

// readLoop consumes inbound control messages until the peer goes away.
func (c *conn) readLoop(ctx context.Context) {
	defer c.hub.remove(c)
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Action == "" {
			slog.Warn("rejecting untyped ws message", "payload", string(data))
			continue
		}
		switch msg.Action {
		case ActionGetFullStatus:
			fields := map[string]any{}
			if c.hub.opts.FullStatus != nil {
				fields = c.hub.opts.FullStatus()
			}
			if d, ok := envelope(TypeFullStatus, fields); ok {
				c.enqueue(delta{data: d, full: true})
			}
		case ActionGetChartUpdates:
			fields := map[string]any{}
			if c.hub.opts.Charts != nil {
				fields = c.hub.opts.Charts()
			}
			if d, ok := envelope(TypeSpecific, fields); ok {
				c.enqueue(delta{data: d})
			}
		default:
			slog.Warn("unknown ws action", "action", msg.Action)
		}
	}
}

// pingLoop keeps the connection warm.
func (c *conn) pingLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if data, ok := envelope(TypePing, nil); ok {
				c.enqueue(delta{data: data})
			}
		}
	}
}
