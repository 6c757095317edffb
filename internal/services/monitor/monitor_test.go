package monitor

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/portalguard/internal/interfaces"
	"github.com/ternarybob/portalguard/internal/models"
)

type fakeChannel struct {
	mu       sync.Mutex
	valid    bool
	statuses []models.Status
	logins   []models.Message
	resp     *models.Response
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{valid: true, resp: &models.Response{Success: true, LoginTabID: "T1"}}
}

func (c *fakeChannel) Valid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.valid
}

func (c *fakeChannel) setValid(valid bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = valid
}

func (c *fakeChannel) BackgroundLogin(ctx context.Context, req models.Message) (*models.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logins = append(c.logins, req)
	return c.resp, nil
}

func (c *fakeChannel) StatusUpdate(ctx context.Context, status models.Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses = append(c.statuses, status)
	return errors.New("receiver gone")
}

func (c *fakeChannel) loginCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.logins)
}

func (c *fakeChannel) sent() []models.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Status(nil), c.statuses...)
}

func testConfig() Config {
	return Config{
		FailureThreshold: 2,
		OfflineStreak:    3,
		MinLoginInterval: 10 * time.Second,
		InFlightHold:     50 * time.Millisecond,
		Debounce:         20 * time.Millisecond,
		PortalHost:       "192.168.1.254",
		ExcludedHosts:    []string{"portalguard.local"},
	}
}

func newTestMonitor(t *testing.T, opts Options) *Monitor {
	t.Helper()
	m := New(testConfig(), opts, arbor.NewLogger())
	m.jitter = func() time.Duration { return 0 }
	t.Cleanup(m.Stop)
	return m
}

// failingTransport returns a dial error for every request
type failingTransport struct{ err error }

func (f failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, f.err
}

type statusTransport struct{ code int }

func (s statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return &http.Response{StatusCode: s.code, Body: http.NoBody, Request: req}, nil
}

func dialError() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
}

func get(t *testing.T, rt http.RoundTripper, url string) error {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := rt.RoundTrip(req)
	if resp != nil {
		resp.Body.Close()
	}
	return err
}

func TestExcluded(t *testing.T) {
	portal := "192.168.1.254"

	assert.True(t, Excluded("http://192.168.1.254:8090/", portal))
	assert.True(t, Excluded("http://localhost:8765/api/status", portal))
	assert.True(t, Excluded("http://127.0.0.1/", portal))
	assert.True(t, Excluded("http://[::1]:80/", portal))
	assert.True(t, Excluded("chrome://settings", portal))
	assert.True(t, Excluded("file:///tmp/x", portal))
	assert.False(t, Excluded("https://example.com/", portal))
	assert.False(t, Excluded("http://10.0.0.5/", portal))
}

func TestTransport_SuccessResetsStreak(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	ch := newFakeChannel()
	m := newTestMonitor(t, Options{Channel: ch})
	m.Start()

	require.Error(t, get(t, m.Transport(failingTransport{dialError()}), "https://example.com/"))
	assert.Equal(t, 1, m.Snapshot().FailureStreak)

	// httptest listens on loopback, which is excluded; route through a status transport instead
	require.NoError(t, get(t, m.Transport(statusTransport{404}), "https://example.com/"))

	snap := m.Snapshot()
	assert.Equal(t, 0, snap.FailureStreak)
	assert.Equal(t, models.StatusConnected, snap.Status)
	assert.NotNil(t, snap.LastCheck)

	// Loopback traffic passes through unobserved
	require.NoError(t, get(t, m.Transport(nil), server.URL))
	assert.Equal(t, 0, ch.loginCount())
}

func TestTransport_ServerErrorChangesNothing(t *testing.T) {
	m := newTestMonitor(t, Options{Channel: newFakeChannel()})
	m.Start()

	require.Error(t, get(t, m.Transport(failingTransport{dialError()}), "https://example.com/"))
	require.NoError(t, get(t, m.Transport(statusTransport{503}), "https://example.com/"))

	snap := m.Snapshot()
	assert.Equal(t, 1, snap.FailureStreak)
	assert.Equal(t, models.StatusDisconnected, snap.Status)
}

func TestTransport_CancellationIsNotFailure(t *testing.T) {
	m := newTestMonitor(t, Options{Channel: newFakeChannel()})
	m.Start()

	err := get(t, m.Transport(failingTransport{context.Canceled}), "https://example.com/")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, m.Snapshot().FailureStreak)
}

func TestTransport_StreakTriggersSingleLogin(t *testing.T) {
	ch := newFakeChannel()
	m := newTestMonitor(t, Options{PageURL: "https://example.com/page", Channel: ch})
	m.Start()

	rt := m.Transport(failingTransport{dialError()})
	_ = get(t, rt, "https://example.com/")
	assert.Equal(t, 0, ch.loginCount(), "one failure is not enough")
	_ = get(t, rt, "https://example.com/")

	assert.Eventually(t, func() bool {
		return m.Snapshot().Status == models.StatusLoginRequested
	}, time.Second, 5*time.Millisecond)

	// Further failures while the attempt is in flight do not trigger another
	_ = get(t, rt, "https://example.com/")
	_ = get(t, rt, "https://example.com/")
	assert.Equal(t, 1, ch.loginCount())

	// The in-flight flag clears, the rate limit still holds
	time.Sleep(100 * time.Millisecond)
	_ = get(t, rt, "https://example.com/")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, ch.loginCount())

	login := ch.logins[0]
	assert.Equal(t, models.ActionBackgroundLogin, login.Action)
	assert.Equal(t, "https://example.com/page", login.CurrentURL)
	assert.Equal(t, models.TriggerPassiveDetection, login.Trigger)
}

func TestTransport_RefusedLoginReportsFailure(t *testing.T) {
	ch := newFakeChannel()
	ch.resp = &models.Response{Success: false, Message: "Login cooldown active (wait 3s)"}
	m := newTestMonitor(t, Options{Channel: ch})
	m.Start()

	rt := m.Transport(failingTransport{dialError()})
	_ = get(t, rt, "https://example.com/")
	_ = get(t, rt, "https://example.com/")

	assert.Eventually(t, func() bool {
		return m.Snapshot().Status == models.StatusLoginRequestFailed
	}, time.Second, 5*time.Millisecond)
}

func TestTransport_IdempotentWrap(t *testing.T) {
	m := newTestMonitor(t, Options{Channel: newFakeChannel()})

	once := m.Transport(http.DefaultTransport)
	twice := m.Transport(once)
	assert.Same(t, once, twice)
}

func TestInactiveMonitor(t *testing.T) {
	ch := newFakeChannel()
	m := newTestMonitor(t, Options{PageURL: "http://192.168.1.254:8090/", Channel: ch})
	m.Start()

	rt := m.Transport(failingTransport{dialError()})
	_ = get(t, rt, "https://example.com/")
	_ = get(t, rt, "https://example.com/")
	m.LinkChanged(false)

	assert.False(t, m.Active())
	snap := m.Snapshot()
	assert.False(t, snap.IsActive)
	assert.Equal(t, 0, snap.FailureStreak)
	assert.Equal(t, models.StatusStarting, snap.Status)
	assert.Equal(t, 0, ch.loginCount())
}

func TestDebounceSendsLastStatus(t *testing.T) {
	ch := newFakeChannel()
	m := newTestMonitor(t, Options{Channel: ch})
	m.Start()

	m.setStatus(models.StatusDisconnected)
	m.setStatus(models.StatusConnected)

	assert.Eventually(t, func() bool { return len(ch.sent()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []models.Status{models.StatusConnected}, ch.sent())
}

func TestLinkEvents(t *testing.T) {
	ch := newFakeChannel()
	m := newTestMonitor(t, Options{Channel: ch})
	m.Start()

	m.LinkChanged(false)
	assert.Equal(t, 3, m.Snapshot().FailureStreak)
	assert.Eventually(t, func() bool { return ch.loginCount() == 1 }, time.Second, 5*time.Millisecond)

	m.LinkChanged(true)
	snap := m.Snapshot()
	assert.Equal(t, 0, snap.FailureStreak)
}

func TestRecoveryReloadsOncePerSession(t *testing.T) {
	stale := newFakeChannel()
	stale.setValid(false)
	fresh := newFakeChannel()

	var reloads atomic.Int32
	sentinel := NewMemorySentinel()
	m := newTestMonitor(t, Options{
		Channel:  stale,
		Sentinel: sentinel,
		Reloader: func(ctx context.Context) (interfaces.BrokerChannel, error) {
			reloads.Add(1)
			return fresh, nil
		},
	})
	m.Start()

	m.LinkChanged(false)
	assert.Eventually(t, func() bool { return reloads.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return m.Channel() == interfaces.BrokerChannel(fresh) }, time.Second, 5*time.Millisecond)

	_, set := sentinel.Get()
	assert.True(t, set, "sentinel written before reload")
	assert.Empty(t, stale.sent(), "nothing sent over an invalid channel")
	assert.Equal(t, 0, stale.loginCount())

	// The reloaded monitor reported monitoring on the new channel
	assert.Eventually(t, func() bool { return len(fresh.sent()) > 0 }, time.Second, 5*time.Millisecond)

	// Invalid again within the session: no second reload
	fresh.setValid(false)
	m.recoverRuntime()
	time.Sleep(900 * time.Millisecond)
	assert.Equal(t, int32(1), reloads.Load())
	assert.Equal(t, models.StatusExtensionInvalidated, m.Snapshot().Status)
}

func TestStartClearsStaleSentinel(t *testing.T) {
	sentinel := NewMemorySentinel()
	sentinel.Set(time.Now().Add(-2 * time.Minute))

	m := newTestMonitor(t, Options{Channel: newFakeChannel(), Sentinel: sentinel})
	m.Start()

	_, set := sentinel.Get()
	assert.False(t, set)
	assert.Equal(t, models.StatusMonitoring, m.Snapshot().Status)

	sentinel.Set(time.Now())
	m.Start()
	_, set = sentinel.Get()
	assert.True(t, set, "fresh sentinel kept")
}

func TestDialer(t *testing.T) {
	m := newTestMonitor(t, Options{Channel: newFakeChannel()})
	m.Start()

	failing := m.Dialer(func(ctx context.Context, network, address string) (net.Conn, error) {
		return nil, dialError()
	})
	_, err := failing(context.Background(), "tcp", "example.com:443")
	require.Error(t, err)
	assert.Equal(t, 1, m.Snapshot().FailureStreak)

	// Portal tunnels are not observed
	_, _ = failing(context.Background(), "tcp", "192.168.1.254:8090")
	assert.Equal(t, 1, m.Snapshot().FailureStreak)

	// A completed dial leaves the streak alone
	ok := m.Dialer(func(ctx context.Context, network, address string) (net.Conn, error) {
		client, server := net.Pipe()
		go func() {
			server.Write([]byte("hello"))
			server.Close()
		}()
		return client, nil
	})
	conn, err := ok(context.Background(), "tcp", "example.com:443")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Snapshot().FailureStreak)

	// Upstream answered before closing, so the close is not a failure
	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	conn.Close()
	assert.Equal(t, 1, m.Snapshot().FailureStreak)
}

func TestDialer_SilentUpstreamCloseIsFailure(t *testing.T) {
	m := newTestMonitor(t, Options{Channel: newFakeChannel()})
	m.Start()

	dial := m.Dialer(func(ctx context.Context, network, address string) (net.Conn, error) {
		client, server := net.Pipe()
		server.Close()
		return client, nil
	})
	conn, err := dial(context.Background(), "tcp", "example.com:443")
	require.NoError(t, err)
	assert.Equal(t, 0, m.Snapshot().FailureStreak)

	buf := make([]byte, 16)
	_, err = conn.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
	_, _ = conn.Read(buf)
	conn.Close()

	snap := m.Snapshot()
	assert.Equal(t, 1, snap.FailureStreak, "counted once per tunnel")
	assert.Equal(t, models.StatusDisconnected, snap.Status)
}

func TestDialer_LocalCloseIsNotFailure(t *testing.T) {
	m := newTestMonitor(t, Options{Channel: newFakeChannel()})
	m.Start()

	dial := m.Dialer(func(ctx context.Context, network, address string) (net.Conn, error) {
		client, _ := net.Pipe()
		return client, nil
	})
	conn, err := dial(context.Background(), "tcp", "example.com:443")
	require.NoError(t, err)
	conn.Close()

	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Equal(t, 0, m.Snapshot().FailureStreak)
}

// redirectTransport sends every request to addr whatever the URL host
func redirectTransport(addr string) *http.Transport {
	return &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, network, addr)
		},
		DisableKeepAlives: true,
	}
}

func TestTransport_PortalCertificateIsFailure(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ch := newFakeChannel()
	m := newTestMonitor(t, Options{Channel: ch})
	m.Start()

	rt := m.Transport(redirectTransport(server.Listener.Addr().String()))
	err := get(t, rt, "https://example.test/")
	require.Error(t, err)
	assert.True(t, IsNetworkError(err), "unexpected error %v", err)
	assert.Equal(t, 1, m.Snapshot().FailureStreak)

	_ = get(t, rt, "https://example.test/")
	assert.Eventually(t, func() bool { return ch.loginCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestTransport_ClosedWithoutResponseIsFailure(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	ch := newFakeChannel()
	m := newTestMonitor(t, Options{Channel: ch})
	m.Start()

	rt := m.Transport(redirectTransport(listener.Addr().String()))
	err = get(t, rt, "http://example.test/")
	require.Error(t, err)
	assert.True(t, IsNetworkError(err), "unexpected error %v", err)

	_ = get(t, rt, "http://example.test/")
	assert.Equal(t, 2, m.Snapshot().FailureStreak)
	assert.Eventually(t, func() bool { return ch.loginCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestIsNetworkError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"dial", dialError(), true},
		{"dns", &net.DNSError{Err: "no such host", Name: "example.com"}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"eof", io.EOF, true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"wrapped eof", fmt.Errorf("net/http: transport connection broken: %w", io.EOF), true},
		{"record header", tls.RecordHeaderError{Msg: "first record does not look like a TLS handshake"}, true},
		{"verification", &tls.CertificateVerificationError{Err: x509.UnknownAuthorityError{}}, true},
		{"unknown authority", x509.UnknownAuthorityError{}, true},
		{"hostname", x509.HostnameError{Certificate: &x509.Certificate{}, Host: "example.com"}, true},
		{"invalid cert", x509.CertificateInvalidError{Cert: &x509.Certificate{}, Reason: x509.Expired}, true},
		{"canceled", context.Canceled, false},
		{"wrapped canceled", fmt.Errorf("dial: %w", context.Canceled), false},
		{"plain", errors.New("http: bad status"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsNetworkError(tt.err))
		})
	}
}
