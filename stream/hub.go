// Package stream broadcasts captured CAN messages to WebSocket clients.
package stream

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gavinwade12/cancat"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Path is where the WebSocket endpoint is served.
const Path = "/ws"

// DefaultClientBuffer is the number of messages queued per client before the
// client is considered too slow and disconnected.
const DefaultClientBuffer = 256

const idleDelay = time.Millisecond * 10

// Message is the JSON form of a CAN message sent to clients.
type Message struct {
	Index int `json:"idx"`
	// Timestamp is in seconds since the epoch.
	Timestamp float64 `json:"ts"`
	ArbID     uint32  `json:"arbid"`
	Data      string  `json:"data"`
}

// NewMessage converts a captured message.
func NewMessage(m cancat.CANMessage) Message {
	return Message{
		Index:     m.Index,
		Timestamp: float64(m.Timestamp.UnixNano()) / 1e9,
		ArbID:     m.ArbID,
		Data:      hex.EncodeToString(m.Data),
	}
}

// Options configures a Hub.
type Options struct {
	Logger       cancat.Logger
	ClientBuffer int
}

type client struct {
	conn  *websocket.Conn
	send  chan []byte
	close sync.Once
}

func (c *client) drop() {
	c.close.Do(func() { c.conn.Close() })
}

// Hub fans messages out to every connected client.
type Hub struct {
	logger   cancat.Logger
	buffer   int
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub returns a Hub without clients.
func NewHub(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = cancat.NopLogger
	}
	if opts.ClientBuffer <= 0 {
		opts.ClientBuffer = DefaultClientBuffer
	}
	return &Hub{
		logger: opts.Logger,
		buffer: opts.ClientBuffer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Handler returns an http.Handler serving the hub at Path.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(Path, h)
	return mux
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnf("websocket upgrade: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, h.buffer)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debugf("stream client %s connected (%d total)", conn.RemoteAddr(), n)

	go func() {
		defer c.drop()
		for msg := range c.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, c)
			n := len(h.clients)
			h.mu.Unlock()
			close(c.send)
			h.logger.Debugf("stream client %s disconnected (%d total)", conn.RemoteAddr(), n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				c.drop()
				return
			}
		}
	}()
}

// Publish sends m to every client. Clients whose queue is full are disconnected.
func (h *Hub) Publish(m cancat.CANMessage) {
	data, err := json.Marshal(NewMessage(m))
	if err != nil {
		h.logger.Warnf("encoding message %d: %v", m.Index, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warnf("dropping slow stream client %s", c.conn.RemoteAddr())
			c.drop()
		}
	}
}

// Source is the capture Follow reads from. *cancat.Device implements it.
type Source interface {
	CANMessageCount() int
	CANMessages(start, stop int, arbids []uint32) []cancat.CANMessage
	WaitForCANMessage(ctx context.Context, after int, timeout time.Duration) bool
}

// Follow publishes every message captured by src from index start on until ctx
// is canceled. Only messages with one of arbids are published when arbids is set.
func (h *Hub) Follow(ctx context.Context, src Source, start int, arbids []uint32) error {
	next := start
	for {
		if !src.WaitForCANMessage(ctx, next, time.Second) {
			// the wait also ends early once the transport is gone for good
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(idleDelay):
			}
			continue
		}
		count := src.CANMessageCount()
		for _, m := range src.CANMessages(next, count, arbids) {
			h.Publish(m)
		}
		next = count
	}
}

// ListenAndServe serves the hub on addr until ctx is canceled.
func (h *Hub) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: h.Handler()}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	h.logger.Debugf("streaming on %s%s", addr, Path)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "serving stream")
	}
	return nil
}
