package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opswarden/opswarden/internal/action"
)

const (
	// feedBuffer is how many audit events may wait for delivery before new
	// ones are dropped.
	feedBuffer   = 256
	writeTimeout = 5 * time.Second
)

// newUpgrader creates a WebSocket upgrader. When allowAllOrigins is false,
// only same-origin requests are accepted (Origin host must equal Host).
func newUpgrader(allowAllOrigins bool) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if allowAllOrigins {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients don't send Origin
			}
			u, err := url.Parse(origin)
			return err == nil && strings.EqualFold(u.Host, r.Host)
		},
	}
}

// feedFilter narrows what one client receives. Empty fields match all.
type feedFilter struct {
	proposalID string
	types      map[action.EventType]bool
}

func filterFrom(r *http.Request) feedFilter {
	f := feedFilter{proposalID: r.URL.Query().Get("proposal_id")}
	if raw := r.URL.Query().Get("type"); raw != "" {
		f.types = make(map[action.EventType]bool)
		for _, t := range strings.Split(raw, ",") {
			f.types[action.EventType(strings.TrimSpace(t))] = true
		}
	}
	return f
}

func (f feedFilter) match(e *action.AuditEvent) bool {
	if f.proposalID != "" && e.ProposalID != f.proposalID {
		return false
	}
	return f.types == nil || f.types[e.Type]
}

// WebSocketHub fans audit events out to connected clients. Clients may
// narrow the feed with ?proposal_id= and a comma-separated ?type=.
type WebSocketHub struct {
	mu       sync.RWMutex
	clients  map[*websocket.Conn]feedFilter
	upgrader websocket.Upgrader
	feed     chan *action.AuditEvent
	logger   *slog.Logger
	done     chan struct{}
	once     sync.Once
}

// NewWebSocketHub creates a new WebSocket hub.
func NewWebSocketHub(logger *slog.Logger, allowAllOrigins bool) *WebSocketHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHub{
		clients:  make(map[*websocket.Conn]feedFilter),
		upgrader: newUpgrader(allowAllOrigins),
		feed:     make(chan *action.AuditEvent, feedBuffer),
		logger:   logger.With("component", "api.WebSocketHub"),
		done:     make(chan struct{}),
	}
}

// Publish queues an event for broadcast. It never blocks: the auditor calls
// it while holding the chain lock.
func (h *WebSocketHub) Publish(e *action.AuditEvent) {
	select {
	case h.feed <- e:
	default:
		h.logger.Warn("audit feed full, dropping event", "event_id", e.ID, "type", e.Type)
	}
}

// Run delivers queued events until Close.
func (h *WebSocketHub) Run() {
	for {
		select {
		case <-h.done:
			return
		case e := <-h.feed:
			h.Broadcast(e)
		}
	}
}

// Close shuts down the hub and all connections.
func (h *WebSocketHub) Close() {
	h.once.Do(func() { close(h.done) })
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.Close()
		delete(h.clients, conn)
	}
}

// HandleWebSocket upgrades an HTTP connection to WebSocket.
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	filter := filterFrom(r)
	h.mu.Lock()
	h.clients[conn] = filter
	h.mu.Unlock()

	h.logger.Debug("websocket client connected", "remote", conn.RemoteAddr(), "proposal_id", filter.proposalID)

	// Read pump: notices client disconnects.
	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			_ = conn.Close()
			h.logger.Debug("websocket client disconnected", "remote", conn.RemoteAddr())
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Broadcast sends an audit event to all connected clients.
func (h *WebSocketHub) Broadcast(e *action.AuditEvent) {
	msg, err := json.Marshal(map[string]interface{}{
		"type": "audit",
		"data": e,
	})
	if err != nil {
		h.logger.Error("failed to marshal websocket message", "error", err)
		return
	}

	// Collect dead connections under RLock, then clean up under WLock.
	h.mu.RLock()
	var dead []*websocket.Conn
	for conn, filter := range h.clients {
		if !filter.match(e) {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.logger.Debug("failed to write to websocket client", "error", err)
			dead = append(dead, conn)
		}
	}
	h.mu.RUnlock()

	if len(dead) > 0 {
		h.mu.Lock()
		for _, c := range dead {
			delete(h.clients, c)
			_ = c.Close()
		}
		h.mu.Unlock()
	}
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
