// Package stream broadcasts poller updates to WebSocket clients and serves
// the latest update over HTTP.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/gaitmon/internal/errors"
	"codeberg.org/mutker/gaitmon/internal/logger"
	"codeberg.org/mutker/gaitmon/internal/poller"
	"codeberg.org/mutker/gaitmon/internal/sample"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v4"
)

const (
	DefaultQueueSize = 16

	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Message is the JSON document pushed to clients for every update.
type Message struct {
	Session string          `json:"session"`
	Latest  sample.Sample   `json:"latest"`
	History []sample.Sample `json:"history"`
	Summary sample.Summary  `json:"summary"`
}

// frame is one encoded update. seq increases with every update so a client
// never receives the same or an older update twice.
type frame struct {
	seq  uint64
	data []byte
}

type client struct {
	conn    *websocket.Conn
	send    chan frame
	done    chan struct{}
	closed  atomic.Bool
	dropped atomic.Uint64
}

func (c *client) close() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.done)
		c.conn.Close()
	}
}

// Hub is a poller sink fanning updates out to connected clients. A slow
// client loses messages instead of delaying the poll loop.
type Hub struct {
	log       logger.Logger
	queueSize int
	clients   *xsync.Map[uint64, *client]
	nextID    atomic.Uint64
	seq       atomic.Uint64
	latest    atomic.Pointer[frame]
	upgrader  websocket.Upgrader
}

func NewHub(queueSize int, log logger.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	return &Hub{
		log:       log.With("stream"),
		queueSize: queueSize,
		clients:   xsync.NewMap[uint64, *client](),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Dashboards are served from other origins during development.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Update marshals u once and queues it for every client.
func (h *Hub) Update(_ context.Context, u poller.Update) error {
	payload, err := json.Marshal(Message{
		Session: u.SessionID,
		Latest:  u.Latest,
		History: u.History,
		Summary: sample.Summarize(u.History),
	})
	if err != nil {
		return errors.New().Wrap(ErrEncodeFailed, err)
	}

	f := &frame{seq: h.seq.Add(1), data: payload}
	h.latest.Store(f)

	h.clients.Range(func(id uint64, c *client) bool {
		select {
		case c.send <- *f:
		default:
			if n := c.dropped.Add(1); n == 1 || n%100 == 0 {
				h.log.Debug().Uint64("client", id).Uint64("dropped", n).Msg("Client queue full, dropping message")
			}
		}
		return true
	})

	return nil
}

// Latest returns the last broadcast message, or nil before the first update.
func (h *Hub) Latest() []byte {
	if f := h.latest.Load(); f != nil {
		return f.data
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	return h.clients.Size()
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.clients.Range(func(id uint64, c *client) bool {
		c.close()
		h.clients.Delete(id)
		return true
	})
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		h.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	c := &client{
		conn: conn,
		send: make(chan frame, h.queueSize),
		done: make(chan struct{}),
	}

	// Register before catching up so no update is missed; the writer skips
	// a catch-up frame that a broadcast already delivered.
	id := h.nextID.Add(1)
	h.clients.Store(id, c)
	if f := h.latest.Load(); f != nil {
		select {
		case c.send <- *f:
		default:
		}
	}
	h.log.Debug().Uint64("client", id).Str("remote", r.RemoteAddr).Msg("Client connected")

	go h.writePump(id, c)
	h.readPump(id, c)
}

// readPump discards client messages and notices disconnects.
func (h *Hub) readPump(id uint64, c *client) {
	defer h.remove(id, c)

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(id uint64, c *client) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	defer h.remove(id, c)

	var sent uint64
	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			if f.seq <= sent {
				continue
			}
			sent = f.seq
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(id uint64, c *client) {
	if _, ok := h.clients.LoadAndDelete(id); ok {
		h.log.Debug().Uint64("client", id).Uint64("dropped", c.dropped.Load()).Msg("Client disconnected")
	}
	c.close()
}
