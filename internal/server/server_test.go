package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/portalguard/internal/app"
	"github.com/ternarybob/portalguard/internal/client"
	"github.com/ternarybob/portalguard/internal/common"
	"github.com/ternarybob/portalguard/internal/handlers"
	"github.com/ternarybob/portalguard/internal/models"
	"github.com/ternarybob/portalguard/internal/services/events"
	"github.com/ternarybob/portalguard/internal/services/status"
)

type stubBroker struct {
	last models.Message
}

func (b *stubBroker) Handle(ctx context.Context, sender models.Sender, req models.Message) interface{} {
	b.last = req
	return &models.Response{Success: true, Message: "Background login initiated", LoginTabID: "tab-1"}
}

func (b *stubBroker) Status() *models.BrokerStatus {
	return &models.BrokerStatus{Success: true, Method: models.BrokerMethod, IsActive: true, Status: models.StatusMonitoring}
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

func newTestServer(t *testing.T) (*httptest.Server, *stubBroker) {
	t.Helper()
	logger := arbor.NewLogger()
	eventService := events.NewService(logger)
	t.Cleanup(func() { eventService.Close() })
	indicator := status.NewIndicator(eventService, logger)
	t.Cleanup(indicator.Close)
	broker := &stubBroker{}

	application := &app.App{
		Config:          common.NewDefaultConfig(),
		Logger:          logger,
		InstanceID:      "instance-test",
		EventService:    eventService,
		APIHandler:      handlers.NewAPIHandler("instance-test", logger),
		MessageHandler:  handlers.NewMessageHandler(broker, logger),
		SettingsHandler: handlers.NewSettingsHandler(&memoryCredentials{}, logger),
		WSHandler:       handlers.NewWebSocketHandler(eventService, indicator, "instance-test", logger),
	}

	ts := httptest.NewServer(New(application).Handler())
	t.Cleanup(ts.Close)
	return ts, broker
}

func TestServer_InstanceHeaderOnEveryRoute(t *testing.T) {
	ts, _ := newTestServer(t)

	for _, path := range []string{"/api/health", "/api/version", "/api/status", "/api/settings", "/missing"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err, path)
		resp.Body.Close()
		assert.Equal(t, "instance-test", resp.Header.Get(handlers.HeaderInstance), path)
	}
}

func TestServer_NotFound(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_CORSPreflight(t *testing.T) {
	ts, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/messages", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), handlers.HeaderTabID)
}

func TestServer_ClientRoundTrip(t *testing.T) {
	ts, broker := newTestServer(t)
	c := client.New(ts.URL, arbor.NewLogger())
	ctx := context.Background()

	resp, err := c.BackgroundLogin(ctx, models.Message{CurrentURL: models.ManualTriggerURL, Manual: true})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "tab-1", resp.LoginTabID)
	assert.Equal(t, models.ActionBackgroundLogin, broker.last.Action)
	assert.True(t, broker.last.Manual)

	require.NoError(t, c.SaveSettings(ctx, models.Credentials{Username: "guest", Password: "pw", AutoSubmit: true}))
	view, err := c.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "guest", view.Username)
	assert.True(t, view.HasPassword)

	snapshot, err := c.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.BrokerMethod, snapshot.Method)

	assert.Equal(t, "instance-test", c.Instance())
	assert.True(t, c.Valid())
}

func TestServer_WebSocketReceivesInitialStatus(t *testing.T) {
	ts, _ := newTestServer(t)
	c := client.New(ts.URL, arbor.NewLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan models.Broadcast, 1)
	go c.Subscribe(ctx, func(b models.Broadcast) {
		select {
		case got <- b:
		default:
		}
	})

	select {
	case b := <-got:
		assert.Equal(t, models.ActionStatusChanged, b.Action)
		assert.Equal(t, models.StatusStarting, b.Status)
	case <-ctx.Done():
		t.Fatal("no initial broadcast")
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	s := &Server{app: &app.App{Logger: arbor.NewLogger()}}
	handler := s.recoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
