package handlers

import (
	"context"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/portalguard/internal/models"
)

// Headers a remote page uses to identify itself to the broker
const (
	HeaderTabID   = "X-Portalguard-Tab"
	HeaderPageURL = "X-Portalguard-Page"
)

// HeaderInstance carries the daemon instance id on every response
const HeaderInstance = "X-Portalguard-Instance"

// MessageBroker is the broker surface the HTTP layer needs
type MessageBroker interface {
	Handle(ctx context.Context, sender models.Sender, req models.Message) interface{}
	Status() *models.BrokerStatus
}

// MessageHandler exposes the broker message interface over HTTP
type MessageHandler struct {
	broker MessageBroker
	logger arbor.ILogger
}

func NewMessageHandler(broker MessageBroker, logger arbor.ILogger) *MessageHandler {
	return &MessageHandler{
		broker: broker,
		logger: logger,
	}
}

// MessagesHandler handles POST /api/messages
func (h *MessageHandler) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var msg models.Message
	if err := decodeJSON(w, r, &msg); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid message body")
		return
	}
	if msg.Action == "" {
		WriteError(w, http.StatusBadRequest, "action is required")
		return
	}

	sender := models.Sender{
		TabID: r.Header.Get(HeaderTabID),
		URL:   r.Header.Get(HeaderPageURL),
	}

	h.logger.Debug().
		Str("action", msg.Action).
		Str("tab_id", sender.TabID).
		Msg("Broker message received")

	// Broker failures are reported in the body; the HTTP status stays 200
	WriteJSON(w, http.StatusOK, h.broker.Handle(r.Context(), sender, msg))
}

// StatusHandler handles GET /api/status
func (h *MessageHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, h.broker.Status())
}
