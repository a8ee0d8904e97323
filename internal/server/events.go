package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/limiquantix/placement/internal/registry"
)

// EventSource delivers registry events.
type EventSource interface {
	Subscribe(buffer int) (<-chan registry.Event, func())
}

// EventHub keeps the recent registry events and streams new ones to WebSocket clients.
type EventHub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	// Recent events, oldest first
	recent    []registry.Event
	recentMu  sync.RWMutex
	maxRecent int

	clients   map[*websocket.Conn]bool
	clientsMu sync.Mutex
}

// NewEventHub creates a new event hub keeping up to maxRecent events.
func NewEventHub(maxRecent int, logger *zap.Logger) *EventHub {
	if maxRecent <= 0 {
		maxRecent = 500
	}
	return &EventHub{
		logger: logger.Named("events"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		recent:    make([]registry.Event, 0, maxRecent),
		maxRecent: maxRecent,
		clients:   make(map[*websocket.Conn]bool),
	}
}

// RegisterRoutes registers the event routes.
func (h *EventHub) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/events", h.handleGetEvents)
	mux.HandleFunc("/api/v1/events/stream", h.handleEventStream)
}

// Run consumes events from src until ctx is cancelled.
func (h *EventHub) Run(ctx context.Context, src EventSource) {
	events, cancel := src.Subscribe(256)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			h.closeClients()
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.add(ev)
		}
	}
}

// Recent returns up to limit of the most recent events, oldest first.
func (h *EventHub) Recent(limit int) []registry.Event {
	h.recentMu.RLock()
	defer h.recentMu.RUnlock()

	start := 0
	if limit > 0 && len(h.recent) > limit {
		start = len(h.recent) - limit
	}
	out := make([]registry.Event, len(h.recent)-start)
	copy(out, h.recent[start:])
	return out
}

// handleGetEvents handles GET /api/v1/events
func (h *EventHub) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 && l <= h.maxRecent {
			limit = l
		}
	}

	events := h.Recent(limit)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"events": events,
		"total":  len(events),
	})
}

// handleEventStream handles WebSocket connections for event streaming
func (h *EventHub) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket", zap.Error(err))
		return
	}
	defer conn.Close()

	h.logger.Info("Event stream client connected")

	h.clientsMu.Lock()
	h.clients[conn] = true
	h.clientsMu.Unlock()

	defer func() {
		h.clientsMu.Lock()
		delete(h.clients, conn)
		h.clientsMu.Unlock()
		h.logger.Info("Event stream client disconnected")
	}()

	// Drain client messages until the connection closes
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// add records an event and broadcasts it.
func (h *EventHub) add(ev registry.Event) {
	h.recentMu.Lock()
	h.recent = append(h.recent, ev)
	if len(h.recent) > h.maxRecent {
		h.recent = h.recent[len(h.recent)-h.maxRecent:]
	}
	h.recentMu.Unlock()

	h.broadcast(ev)
}

// broadcast sends an event to all connected WebSocket clients.
func (h *EventHub) broadcast(ev registry.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}

	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	for client := range h.clients {
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debug("Failed to send event to client", zap.Error(err))
		}
	}
}

func (h *EventHub) closeClients() {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	for client := range h.clients {
		client.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		client.Close()
	}
}
