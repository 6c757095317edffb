package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/portalguard/internal/interfaces"
	"github.com/ternarybob/portalguard/internal/models"
	"github.com/ternarybob/portalguard/internal/services/events"
	"github.com/ternarybob/portalguard/internal/services/status"
)

type recordingBroker struct {
	sender models.Sender
	msg    models.Message
}

func (b *recordingBroker) Handle(ctx context.Context, sender models.Sender, req models.Message) interface{} {
	b.sender = sender
	b.msg = req
	return &models.Response{Success: true, Message: "ok"}
}

func (b *recordingBroker) Status() *models.BrokerStatus {
	return &models.BrokerStatus{Success: true, Method: models.BrokerMethod, IsActive: true}
}

type memoryCredentials struct {
	creds models.Credentials
}

func (m *memoryCredentials) Load(ctx context.Context) (models.Credentials, error) {
	return m.creds, nil
}

func (m *memoryCredentials) Save(ctx context.Context, creds models.Credentials) error {
	m.creds = creds
	return nil
}

func TestMessagesHandler(t *testing.T) {
	broker := &recordingBroker{}
	handler := NewMessageHandler(broker, arbor.NewLogger())

	body := `{"action":"backgroundLogin","currentUrl":"https://example.com/","trigger":"passive-detection"}`
	req := httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(body))
	req.Header.Set(HeaderTabID, "page-7")
	rec := httptest.NewRecorder()

	handler.MessagesHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "page-7", broker.sender.TabID)
	assert.Equal(t, models.ActionBackgroundLogin, broker.msg.Action)
	assert.Equal(t, models.TriggerPassiveDetection, broker.msg.Trigger)

	var resp models.Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Success)
}

func TestMessagesHandler_BadRequests(t *testing.T) {
	handler := NewMessageHandler(&recordingBroker{}, arbor.NewLogger())

	rec := httptest.NewRecorder()
	handler.MessagesHandler(rec, httptest.NewRequest(http.MethodGet, "/api/messages", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	handler.MessagesHandler(rec, httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	handler.MessagesHandler(rec, httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusHandler(t *testing.T) {
	handler := NewMessageHandler(&recordingBroker{}, arbor.NewLogger())
	rec := httptest.NewRecorder()

	handler.StatusHandler(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var snapshot map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snapshot))
	assert.Equal(t, "enhanced-background-v2.1", snapshot["method"])
	assert.Equal(t, true, snapshot["isActive"])
	assert.Contains(t, snapshot, "lastLoginAttempt")
	assert.Contains(t, snapshot, "backgroundLoginTabs")
}

func TestSettingsRoute(t *testing.T) {
	store := &memoryCredentials{creds: models.Credentials{AutoSubmit: true}}
	handler := NewSettingsHandler(store, arbor.NewLogger())

	body := `{"username":"guest","password":"secret","autoSubmit":false}`
	rec := httptest.NewRecorder()
	handler.SettingsRoute(rec, httptest.NewRequest(http.MethodPut, "/api/settings", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "secret", store.creds.Password)

	rec = httptest.NewRecorder()
	handler.SettingsRoute(rec, httptest.NewRequest(http.MethodGet, "/api/settings", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret", "password is never echoed")

	var view SettingsView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	assert.Equal(t, "guest", view.Username)
	assert.True(t, view.HasPassword)
	assert.False(t, view.AutoSubmit)

	rec = httptest.NewRecorder()
	handler.SettingsRoute(rec, httptest.NewRequest(http.MethodPut, "/api/settings", strings.NewReader(`{"username":"other","autoSubmit":true}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "other", store.creds.Username)
	assert.Equal(t, "secret", store.creds.Password, "empty password keeps the stored one")
}

func TestSettingsRoute_Validation(t *testing.T) {
	handler := NewSettingsHandler(&memoryCredentials{}, arbor.NewLogger())

	long := strings.Repeat("u", 300)
	body, err := json.Marshal(models.Credentials{Username: long, Password: "x"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.SettingsRoute(rec, httptest.NewRequest(http.MethodPut, "/api/settings", bytes.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	handler.SettingsRoute(rec, httptest.NewRequest(http.MethodDelete, "/api/settings", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebSocket_Broadcasts(t *testing.T) {
	logger := arbor.NewLogger()
	eventService := events.NewService(logger)
	indicator := status.NewIndicator(eventService, logger)
	defer indicator.Close()
	indicator.Reset(context.Background(), models.StatusMonitoring)

	handler := NewWebSocketHandler(eventService, indicator, "instance-1", logger)
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "instance-1", resp.Header.Get(HeaderInstance))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var initial models.Broadcast
	require.NoError(t, conn.ReadJSON(&initial))
	assert.Equal(t, models.ActionStatusChanged, initial.Action)
	assert.Equal(t, models.StatusMonitoring, initial.Status)

	require.Eventually(t, func() bool { return handler.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, eventService.PublishSync(context.Background(), interfaces.Event{Type: interfaces.EventLoginSuccess}))

	var msg models.Broadcast
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, models.ActionLoginSuccess, msg.Action)

	require.NoError(t, indicator.Set(context.Background(), models.StatusDisconnected))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, models.ActionStatusChanged, msg.Action)
	assert.Equal(t, models.StatusDisconnected, msg.Status)
	require.NotNil(t, msg.Badge)
	assert.Equal(t, "OFF", msg.Badge.Text)
}
