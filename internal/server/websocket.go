// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/noldarim/shipyard/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
)

const (
	maxMessageSize = 4096
	maxFilters     = 50
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	writeWait      = 10 * time.Second
	maxClients     = 1000
	sendBuffer     = 64
)

// newUpgrader accepts any origin when allowedOrigins is empty.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := lo.SliceToMap(allowedOrigins, func(o string) (string, struct{}) { return o, struct{}{} })

	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			_, ok := allowed[r.Header.Get("Origin")]
			return ok
		},
	}
}

// SubscriptionFilter selects events for one client. Empty fields match
// anything; a client without filters receives every event.
type SubscriptionFilter struct {
	RunID string `json:"run_id,omitempty"`
	// Type is a run lifecycle type such as "stage_failed".
	Type string `json:"type,omitempty"`
}

type wsClient struct {
	conn    *websocket.Conn
	send    chan []byte
	filters []SubscriptionFilter
	mu      sync.RWMutex
}

// ClientRegistry tracks connected WebSocket clients.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[*wsClient]struct{}),
	}
}

// Len is the number of connected clients.
func (r *ClientRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Broadcast queues event for every matching client. A client whose buffer is
// full misses the event.
func (r *ClientRegistry) Broadcast(event protocol.Event) {
	data, err := marshalEvent(event)
	if err != nil {
		getLog().Error().Err(err).Msg("Failed to marshal event for WebSocket broadcast")
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for c := range r.clients {
		if !c.matchesAny(event) {
			continue
		}
		select {
		case c.send <- data:
		default:
			getLog().Warn().Msg("Dropping event for slow WebSocket client")
		}
	}
}

func (r *ClientRegistry) add(c *wsClient) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.clients) >= maxClients {
		return false
	}
	r.clients[c] = struct{}{}
	return true
}

func (r *ClientRegistry) remove(c *wsClient) {
	r.mu.Lock()
	delete(r.clients, c)
	r.mu.Unlock()
}

func (c *wsClient) matchesAny(event protocol.Event) bool {
	c.mu.RLock()
	filters := append([]SubscriptionFilter(nil), c.filters...)
	c.mu.RUnlock()
	if len(filters) == 0 {
		return true
	}

	runID, typ := eventKeys(event)
	return lo.SomeBy(filters, func(f SubscriptionFilter) bool {
		return (f.RunID == "" || f.RunID == runID) && (f.Type == "" || f.Type == typ)
	})
}

type runScoped interface {
	GetRunID() string
}

// eventKeys returns the run id and lifecycle type an event is filtered on.
func eventKeys(event protocol.Event) (runID, typ string) {
	if rs, ok := event.(runScoped); ok {
		runID = rs.GetRunID()
	}
	switch e := event.(type) {
	case protocol.RunLifecycleEvent:
		typ = string(e.Type)
	case protocol.ErrorEvent:
		typ = "error"
	}
	return runID, typ
}

// wsMessage is a client request to change its subscriptions.
type wsMessage struct {
	Type    string             `json:"type"` // "subscribe" or "unsubscribe"
	Filters SubscriptionFilter `json:"filters"`
}

// wsOutMessage is what the server sends to clients.
type wsOutMessage struct {
	Type      string      `json:"type"` // "event" or "error"
	EventType string      `json:"event_type,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Message   string      `json:"message,omitempty"`
}

func marshalEvent(event protocol.Event) ([]byte, error) {
	name := fmt.Sprintf("%T", event)
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return json.Marshal(wsOutMessage{
		Type:      "event",
		EventType: name,
		Payload:   event,
	})
}

// HandleWebSocket upgrades the connection and streams run events to it.
// A run_id query parameter installs an initial subscription.
func HandleWebSocket(registry *ClientRegistry, allowedOrigins []string) http.HandlerFunc {
	upgrader := newUpgrader(allowedOrigins)

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			getLog().Error().Err(err).Msg("WebSocket upgrade failed")
			return
		}

		client := &wsClient{
			conn: conn,
			send: make(chan []byte, sendBuffer),
		}
		if runID := r.URL.Query().Get("run_id"); runID != "" {
			client.filters = append(client.filters, SubscriptionFilter{RunID: runID})
		}
		if !registry.add(client) {
			getLog().Warn().Msg("WebSocket connection limit reached")
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"))
			conn.Close()
			return
		}
		getLog().Info().Str("remote", r.RemoteAddr).Msg("WebSocket client connected")

		go client.writePump()
		client.readPump(registry)
	}
}

func (c *wsClient) readPump(registry *ClientRegistry) {
	defer func() {
		registry.remove(c)
		close(c.send)
		c.conn.Close()
		getLog().Info().Msg("WebSocket client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				getLog().Error().Err(err).Msg("WebSocket read error")
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			getLog().Warn().Err(err).Msg("Invalid WebSocket message")
			c.reply(wsOutMessage{Type: "error", Message: "invalid message"})
			continue
		}
		c.apply(msg)
	}
}

func (c *wsClient) apply(msg wsMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Type {
	case "subscribe":
		if len(c.filters) >= maxFilters {
			getLog().Warn().Msg("WebSocket client hit max filter limit")
			return
		}
		c.filters = append(c.filters, msg.Filters)
		getLog().Debug().
			Str("run_id", msg.Filters.RunID).
			Str("type", msg.Filters.Type).
			Msg("WebSocket client subscribed")
	case "unsubscribe":
		c.filters = lo.Reject(c.filters, func(f SubscriptionFilter, _ int) bool { return f == msg.Filters })
		getLog().Debug().Msg("WebSocket client unsubscribed")
	default:
		getLog().Debug().Str("type", msg.Type).Msg("Ignoring unknown WebSocket message")
	}
}

// reply queues a message for this client only. It never blocks the reader.
func (c *wsClient) reply(out wsOutMessage) {
	data, err := json.Marshal(out)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				getLog().Error().Err(err).Msg("WebSocket write error")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
