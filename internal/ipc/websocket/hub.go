// Package websocket carries bridge events between the background process and
// foreground clients over a local websocket connection. Each text frame is
// one JSON encoded receiver.Event.
package websocket

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"

	"github.com/tinywideclouds/go-push-receiver/internal/metrics"
	"github.com/tinywideclouds/go-push-receiver/pkg/receiver"
)

// ErrNoClients is returned by Send when no foreground client is connected.
var ErrNoClients = errors.New("no foreground client connected")

type Config struct {
	// AuthToken, when set, must be presented as ?token= or a Bearer header.
	AuthToken string
	// AllowedOrigins restricts browser origins; empty allows any.
	AllowedOrigins []string
	WriteTimeout   time.Duration
	// OutboundBuffer bounds the per-connection queue.
	OutboundBuffer int
}

type conn struct {
	ws *websocket.Conn
	// bounded outbound queue (backpressure)
	out chan []byte
}

type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.RWMutex
	conns   map[*conn]struct{}
	inbound func(receiver.Event)
}

func NewHub(cfg Config, logger *slog.Logger) *Hub {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = 256
	}
	h := &Hub{
		cfg:    cfg,
		logger: logger.With("component", "WebsocketHub"),
		conns:  make(map[*conn]struct{}),
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

// OnEvent installs the receiver of inbound events.
func (h *Hub) OnEvent(handler func(receiver.Event)) {
	h.mu.Lock()
	h.inbound = handler
	h.mu.Unlock()
}

// Len reports the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Send broadcasts ev to every connected client without blocking.
func (h *Hub) Send(_ context.Context, ev receiver.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.conns) == 0 {
		metrics.EventsDropped.Inc()
		return ErrNoClients
	}
	for c := range h.conns {
		select {
		case c.out <- b:
		default:
			metrics.EventsDropped.Inc()
			h.logger.Warn("Outbound queue full, dropping event", "event", ev.Name)
		}
	}
	return nil
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug("Websocket upgrade failed", "err", err)
		return
	}

	c := &conn{ws: ws, out: make(chan []byte, h.cfg.OutboundBuffer)}
	h.add(c)
	h.logger.Info("Foreground client connected", "remote", r.RemoteAddr)

	go h.writeLoop(c)
	h.readLoop(c)

	h.remove(c)
	h.logger.Info("Foreground client disconnected", "remote", r.RemoteAddr)
}

func (h *Hub) readLoop(c *conn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var ev receiver.Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.Name == "" {
			h.logger.Warn("Discarding malformed inbound frame", "err", err)
			continue
		}

		h.mu.RLock()
		inbound := h.inbound
		h.mu.RUnlock()
		if inbound == nil {
			h.logger.Warn("No inbound handler installed", "event", ev.Name)
			continue
		}
		inbound(ev)
	}
}

func (h *Hub) writeLoop(c *conn) {
	defer func() {
		_ = c.ws.Close()
	}()
	for b := range c.out {
		_ = c.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
		if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
	}
}

func (h *Hub) add(c *conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()
	metrics.ForegroundClients.Set(float64(n))
}

// remove closes the outbound queue, which ends writeLoop and the socket.
func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		close(c.out)
	}
	n := len(h.conns)
	h.mu.Unlock()
	metrics.ForegroundClients.Set(float64(n))
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	for c := range h.conns {
		delete(h.conns, c)
		close(c.out)
	}
	h.mu.Unlock()
	metrics.ForegroundClients.Set(0)
}

func (h *Hub) authorized(r *http.Request) bool {
	if h.cfg.AuthToken == "" {
		return true
	}
	presented := r.URL.Query().Get("token")
	if presented == "" {
		presented = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(h.cfg.AuthToken)) == 1
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients send no Origin.
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}
