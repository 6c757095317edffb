package handlers

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/portalguard/internal/interfaces"
	"github.com/ternarybob/portalguard/internal/models"
)

// SettingsView is what GET /api/settings returns. The password is never echoed.
type SettingsView struct {
	Username    string `json:"username"`
	HasPassword bool   `json:"hasPassword"`
	AutoSubmit  bool   `json:"autoSubmit"`
}

// SettingsHandler reads and writes the stored credentials
type SettingsHandler struct {
	credentials interfaces.CredentialStorage
	validate    *validator.Validate
	logger      arbor.ILogger
}

func NewSettingsHandler(credentials interfaces.CredentialStorage, logger arbor.ILogger) *SettingsHandler {
	return &SettingsHandler{
		credentials: credentials,
		validate:    validator.New(),
		logger:      logger,
	}
}

// SettingsRoute dispatches GET and PUT on /api/settings
func (h *SettingsHandler) SettingsRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.GetSettingsHandler(w, r)
	case http.MethodPut, http.MethodPost:
		h.SaveSettingsHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// GetSettingsHandler returns the credentials without the password
func (h *SettingsHandler) GetSettingsHandler(w http.ResponseWriter, r *http.Request) {
	creds, err := h.credentials.Load(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to load settings")
		WriteError(w, http.StatusInternalServerError, "Failed to load settings")
		return
	}

	WriteJSON(w, http.StatusOK, SettingsView{
		Username:    creds.Username,
		HasPassword: creds.Password != "",
		AutoSubmit:  creds.AutoSubmit,
	})
}

// SaveSettingsHandler overwrites the stored credentials, keeping the password when none is given
func (h *SettingsHandler) SaveSettingsHandler(w http.ResponseWriter, r *http.Request) {
	var creds models.Credentials
	if err := decodeJSON(w, r, &creds); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid settings body")
		return
	}
	if err := h.validate.Struct(creds); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The password is never sent to clients, so an empty one means unchanged
	if creds.Password == "" {
		current, err := h.credentials.Load(r.Context())
		if err != nil {
			h.logger.Error().Err(err).Msg("Failed to load settings")
			WriteError(w, http.StatusInternalServerError, "Failed to load settings")
			return
		}
		creds.Password = current.Password
	}

	if err := h.credentials.Save(r.Context(), creds); err != nil {
		h.logger.Error().Err(err).Msg("Failed to save settings")
		WriteError(w, http.StatusInternalServerError, "Failed to save settings")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Settings saved",
	})
}
