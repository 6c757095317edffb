package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Broadcast channel
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// Broker message interface
	mux.HandleFunc("/api/messages", s.app.MessageHandler.MessagesHandler) // POST
	mux.HandleFunc("/api/status", s.app.MessageHandler.StatusHandler)     // GET - getStatus snapshot

	// Popup settings form
	mux.HandleFunc("/api/settings", s.app.SettingsHandler.SettingsRoute) // GET, PUT

	// System
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)

	mux.HandleFunc("/", s.app.APIHandler.NotFoundHandler)

	return mux
}
