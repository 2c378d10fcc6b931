// internal/handler/websocket_types.go
package handler

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"growdash-agent/internal/model"
)

// Client represents a WebSocket client
type Client struct {
	ID          string          `json:"id"`
	Connection  *websocket.Conn `json:"-"`
	Send        chan []byte     `json:"-"`
	Type        string          `json:"type"` // events, device
	DeviceID    *string         `json:"device_id,omitempty"`
	UserAgent   string          `json:"user_agent"`
	RemoteAddr  string          `json:"remote_addr"`
	ConnectedAt time.Time       `json:"connected_at"`

	subMu         sync.RWMutex
	subscriptions map[model.EventType]bool
}

// Subscribe limits the client to the given event type. With no
// subscriptions the client receives every event.
func (c *Client) Subscribe(eventType model.EventType) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.subscriptions == nil {
		c.subscriptions = make(map[model.EventType]bool)
	}
	c.subscriptions[eventType] = true
}

// Unsubscribe removes an event type filter
func (c *Client) Unsubscribe(eventType model.EventType) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	delete(c.subscriptions, eventType)
}

// Subscriptions returns the current event type filter
func (c *Client) Subscriptions() []model.EventType {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	types := make([]model.EventType, 0, len(c.subscriptions))
	for t := range c.subscriptions {
		types = append(types, t)
	}
	return types
}

// Wants reports whether the event passes the client's filters
func (c *Client) Wants(event model.Event) bool {
	if c.DeviceID != nil && *c.DeviceID != event.DeviceID {
		return false
	}

	c.subMu.RLock()
	defer c.subMu.RUnlock()
	if len(c.subscriptions) == 0 {
		return true
	}
	return c.subscriptions[event.Type]
}

// WebSocketMessage represents a WebSocket message
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// ConnectionManager manages WebSocket connections. A client's Send channel
// is closed exactly once, on Unregister, and never written after that.
type ConnectionManager struct {
	clients map[string]*Client
	mutex   sync.RWMutex
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		clients: make(map[string]*Client),
	}
}

// Register registers a new client
func (cm *ConnectionManager) Register(client *Client) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.clients[client.ID] = client
}

// Unregister unregisters a client and closes its send channel
func (cm *ConnectionManager) Unregister(client *Client) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	if _, ok := cm.clients[client.ID]; ok {
		delete(cm.clients, client.ID)
		close(client.Send)
	}
}

// CloseAll unregisters every client
func (cm *ConnectionManager) CloseAll() {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	for id, client := range cm.clients {
		delete(cm.clients, id)
		close(client.Send)
	}
}

// Send queues a message for one client. It reports false when the client is
// gone or its queue is full.
func (cm *ConnectionManager) Send(client *Client, message []byte) bool {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	if _, ok := cm.clients[client.ID]; !ok {
		return false
	}
	select {
	case client.Send <- message:
		return true
	default:
		return false
	}
}

// Matching returns the clients that want the event
func (cm *ConnectionManager) Matching(event model.Event) []*Client {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	var clients []*Client
	for _, client := range cm.clients {
		if client.Wants(event) {
			clients = append(clients, client)
		}
	}
	return clients
}

// GetStats returns connection statistics
func (cm *ConnectionManager) GetStats() *ConnectionStats {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	stats := &ConnectionStats{
		TotalConnections: len(cm.clients),
		ByType:           make(map[string]int),
		Clients:          make([]*Client, 0, len(cm.clients)),
	}

	for _, client := range cm.clients {
		stats.ByType[client.Type]++
		stats.Clients = append(stats.Clients, client)
	}

	return stats
}

// ConnectionStats represents connection statistics
type ConnectionStats struct {
	TotalConnections int            `json:"total_connections"`
	ByType           map[string]int `json:"by_type"`
	Clients          []*Client      `json:"clients"`
}
