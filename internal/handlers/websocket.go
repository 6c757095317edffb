package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/portalguard/internal/interfaces"
	"github.com/ternarybob/portalguard/internal/models"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Local daemon; popups and proxies connect from anywhere on the host
	},
}

// WebSocketHandler fans broker broadcasts out to every listening context
type WebSocketHandler struct {
	logger      arbor.ILogger
	indicator   interfaces.StatusIndicator
	instanceID  string
	clients     map[*websocket.Conn]bool
	clientMutex map[*websocket.Conn]*sync.Mutex
	mu          sync.RWMutex
}

// NewWebSocketHandler creates the handler and subscribes it to broker events
func NewWebSocketHandler(eventService interfaces.EventService, indicator interfaces.StatusIndicator, instanceID string, logger arbor.ILogger) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:      logger,
		indicator:   indicator,
		instanceID:  instanceID,
		clients:     make(map[*websocket.Conn]bool),
		clientMutex: make(map[*websocket.Conn]*sync.Mutex),
	}

	if eventService != nil {
		if err := eventService.Subscribe(interfaces.EventLoginSuccess, h.onLoginSuccess); err != nil {
			logger.Warn().Err(err).Msg("Failed to subscribe websocket to login_success")
		}
		if err := eventService.Subscribe(interfaces.EventStatusChanged, h.onStatusChanged); err != nil {
			logger.Warn().Err(err).Msg("Failed to subscribe websocket to status_changed")
		}
	}

	return h
}

// HandleWebSocket handles WebSocket connections
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Hijacked responses skip middleware headers, so the instance id is passed explicitly
	var header http.Header
	if h.instanceID != "" {
		header = http.Header{HeaderInstance: []string{h.instanceID}}
	}

	conn, err := upgrader.Upgrade(w, r, header)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	mutex := &sync.Mutex{}
	h.mu.Lock()
	h.clients[conn] = true
	h.clientMutex[conn] = mutex
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Int("clients", clientCount).Msg("WebSocket client connected")

	// New listeners get the current indicator straight away
	if h.indicator != nil {
		status := h.indicator.Current()
		badge := h.indicator.Badge()
		h.send(conn, mutex, models.Broadcast{Action: models.ActionStatusChanged, Status: status, Badge: &badge})
	}

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		delete(h.clientMutex, conn)
		clientCount := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().Int("clients", clientCount).Msg("WebSocket client disconnected")
	}()

	// Read until the client goes away; inbound frames are ignored
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}
	}
}

func (h *WebSocketHandler) send(conn *websocket.Conn, mutex *sync.Mutex, msg models.Broadcast) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal broadcast")
		return
	}

	mutex.Lock()
	defer mutex.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.logger.Debug().Err(err).Msg("Failed to send broadcast to client")
	}
}

// Broadcast sends msg to all connected clients
func (h *WebSocketHandler) Broadcast(msg models.Broadcast) {
	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
		mutexes = append(mutexes, h.clientMutex[conn])
	}
	h.mu.RUnlock()

	for i, conn := range clients {
		h.send(conn, mutexes[i], msg)
	}
}

// ClientCount returns the number of connected listeners
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WebSocketHandler) onLoginSuccess(ctx context.Context, event interfaces.Event) error {
	h.Broadcast(models.Broadcast{Action: models.ActionLoginSuccess})
	return nil
}

func (h *WebSocketHandler) onStatusChanged(ctx context.Context, event interfaces.Event) error {
	payload, ok := event.Payload.(interfaces.StatusChangedPayload)
	if !ok {
		return nil
	}
	badge := payload.Badge
	h.Broadcast(models.Broadcast{Action: models.ActionStatusChanged, Status: payload.Status, Badge: &badge})
	return nil
}
