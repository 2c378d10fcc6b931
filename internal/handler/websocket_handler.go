// internal/handler/websocket_handler.go
package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"growdash-agent/internal/model"
	"growdash-agent/internal/service"
	"growdash-agent/internal/utils"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsWriteWait  = 10 * time.Second
)

// WebSocketHandler streams fleet events to local WebSocket clients
type WebSocketHandler struct {
	upgrader      websocket.Upgrader
	connections   *ConnectionManager
	deviceService *service.DeviceService
	eventBus      *EventBus
	logger        *utils.ServiceLogger
}

// NewWebSocketHandler creates a new WebSocket handler and starts forwarding
// bus events to connected clients
func NewWebSocketHandler(deviceService *service.DeviceService, eventBus *EventBus, allowedOrigins []string, logger *zap.Logger) *WebSocketHandler {
	h := &WebSocketHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		connections:   NewConnectionManager(),
		deviceService: deviceService,
		eventBus:      eventBus,
		logger:        utils.NewServiceLogger(logger, "websocket-handler"),
	}

	go h.forward(eventBus.Subscribe(AllEvents))

	return h
}

// originChecker accepts any origin when none are configured. Requests
// without an Origin header come from non-browser clients and are accepted.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		set[origin] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// HandleEventConnection streams every fleet event
func (h *WebSocketHandler) HandleEventConnection(c *gin.Context) {
	h.accept(c, "events", nil)
}

// HandleDeviceConnection streams events of one device
func (h *WebSocketHandler) HandleDeviceConnection(c *gin.Context) {
	deviceID := c.Param("device_id")
	if deviceID == "" {
		utils.ErrorResponse(c, http.StatusBadRequest, "device_id is required", nil)
		return
	}
	h.accept(c, "device", &deviceID)
}

// GetConnectionStats returns connection statistics
func (h *WebSocketHandler) GetConnectionStats(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Connection stats retrieved", h.connections.GetStats())
}

// Close disconnects every client
func (h *WebSocketHandler) Close() {
	h.connections.CloseAll()
}

func (h *WebSocketHandler) accept(c *gin.Context, clientType string, deviceID *string) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:          uuid.New().String(),
		Connection:  conn,
		Send:        make(chan []byte, 256),
		Type:        clientType,
		DeviceID:    deviceID,
		UserAgent:   c.Request.UserAgent(),
		RemoteAddr:  c.Request.RemoteAddr,
		ConnectedAt: time.Now(),
	}

	h.connections.Register(client)
	h.logger.Info("WebSocket client connected",
		zap.String("client_id", client.ID),
		zap.String("type", clientType),
		zap.String("remote_addr", client.RemoteAddr),
	)

	h.sendMessage(client, &WebSocketMessage{
		Type:      "connected",
		Data:      map[string]interface{}{"client_id": client.ID},
		Timestamp: time.Now(),
	})
	if deviceID != nil {
		h.sendInitialDeviceStatus(client, *deviceID)
	}

	go h.handleClientRead(client)
	go h.handleClientWrite(client)
}

// forward relays bus events until the subscription closes
func (h *WebSocketHandler) forward(events <-chan model.Event) {
	for event := range events {
		h.broadcast(event)
	}
	h.logger.Debug("Event forwarding stopped")
}

func (h *WebSocketHandler) broadcast(event model.Event) {
	clients := h.connections.Matching(event)
	if len(clients) == 0 {
		return
	}

	messageBytes, err := json.Marshal(&WebSocketMessage{
		Type:      "event",
		Data:      event,
		Timestamp: time.Now(),
	})
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	for _, client := range clients {
		if !h.connections.Send(client, messageBytes) {
			h.logger.Warn("Client send channel full during broadcast",
				zap.String("client_id", client.ID),
			)
		}
	}
}

// handleClientRead handles reading messages from WebSocket client
func (h *WebSocketHandler) handleClientRead(client *Client) {
	defer func() {
		h.connections.Unregister(client)
		client.Connection.Close()
		h.logger.Info("WebSocket client disconnected", zap.String("client_id", client.ID))
	}()

	client.Connection.SetReadDeadline(time.Now().Add(wsPongWait))
	client.Connection.SetPongHandler(func(string) error {
		client.Connection.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, messageBytes, err := client.Connection.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("WebSocket read error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
			}
			return
		}

		var message WebSocketMessage
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			h.sendError(client, "invalid message")
			continue
		}

		h.handleClientMessage(client, &message)
	}
}

// handleClientWrite handles writing messages to WebSocket client
func (h *WebSocketHandler) handleClientWrite(client *Client) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		client.Connection.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.Connection.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				client.Connection.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.Connection.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Error("WebSocket write error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
				return
			}

		case <-ticker.C:
			client.Connection.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.Connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleClientMessage handles incoming client messages
func (h *WebSocketHandler) handleClientMessage(client *Client, message *WebSocketMessage) {
	switch message.Type {
	case "subscribe", "unsubscribe":
		data, _ := message.Data.(map[string]interface{})
		eventType, _ := data["event_type"].(string)
		if eventType == "" {
			h.sendError(client, "event_type is required")
			return
		}

		if message.Type == "subscribe" {
			client.Subscribe(model.EventType(eventType))
		} else {
			client.Unsubscribe(model.EventType(eventType))
		}
		h.sendMessage(client, &WebSocketMessage{
			Type:      message.Type + "d",
			Data:      map[string]interface{}{"event_types": client.Subscriptions()},
			Timestamp: time.Now(),
			RequestID: message.RequestID,
		})
	case "ping":
		h.sendMessage(client, &WebSocketMessage{
			Type:      "pong",
			Timestamp: time.Now(),
			RequestID: message.RequestID,
		})
	default:
		h.logger.Warn("Unknown message type",
			zap.String("type", message.Type),
			zap.String("client_id", client.ID),
		)
		h.sendError(client, "unknown message type: "+message.Type)
	}
}

// sendInitialDeviceStatus sends the current worker snapshot, if any
func (h *WebSocketHandler) sendInitialDeviceStatus(client *Client, deviceID string) {
	device, err := h.deviceService.GetDevice(model.DeviceIdentity(deviceID))
	if err != nil {
		h.sendMessage(client, &WebSocketMessage{
			Type:      "initial_status",
			Data:      map[string]interface{}{"device_id": deviceID, "state": model.WorkerAbsent},
			Timestamp: time.Now(),
		})
		return
	}

	h.sendMessage(client, &WebSocketMessage{
		Type:      "initial_status",
		Data:      device,
		Timestamp: time.Now(),
	})
}

// sendMessage sends a message to a client
func (h *WebSocketHandler) sendMessage(client *Client, message *WebSocketMessage) {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal WebSocket message", zap.Error(err))
		return
	}

	if !h.connections.Send(client, messageBytes) {
		h.logger.Warn("Client send channel full, dropping message",
			zap.String("client_id", client.ID),
		)
	}
}

// sendError sends an error message to a client
func (h *WebSocketHandler) sendError(client *Client, errorMsg string) {
	h.sendMessage(client, &WebSocketMessage{
		Type:      "error",
		Data:      map[string]interface{}{"error": errorMsg},
		Timestamp: time.Now(),
	})
}
