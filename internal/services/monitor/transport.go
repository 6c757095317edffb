package monitor

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
)

// DialFunc matches net.Dialer.DialContext
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type observedTransport struct {
	base    http.RoundTripper
	monitor *Monitor
}

// Transport wraps base so every response feeds the monitor.
// Wrapping an already observed transport returns it unchanged.
func (m *Monitor) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if observed, ok := base.(*observedTransport); ok {
		return observed
	}
	return &observedTransport{base: base, monitor: m}
}

func (t *observedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	m := t.monitor
	if !m.active || req.URL == nil || m.excludes(req.URL) {
		return t.base.RoundTrip(req)
	}

	resp, err := t.base.RoundTrip(req)
	switch {
	case err != nil:
		if IsNetworkError(err) {
			m.recordFailure(err)
		}
	case resp.StatusCode < http.StatusInternalServerError:
		m.recordSuccess()
	}
	return resp, err
}

// Dialer wraps dial so tunnel connections feed the monitor
func (m *Monitor) Dialer(dial DialFunc) DialFunc {
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		conn, err := dial(ctx, network, address)
		if !m.active {
			return conn, err
		}

		host, _, splitErr := net.SplitHostPort(address)
		if splitErr != nil {
			host = address
		}
		if excludedHost(host, m.config.PortalHost) || m.excludedDaemonHost(host) {
			return conn, err
		}

		if err != nil {
			if IsNetworkError(err) {
				m.recordFailure(err)
			}
			return conn, err
		}
		// A completed dial proves nothing behind a portal that accepts every connect
		return &tunnelConn{Conn: conn, monitor: m}, nil
	}
}

// tunnelConn counts a failure when upstream closes before sending a single byte
type tunnelConn struct {
	net.Conn
	monitor  *Monitor
	received atomic.Bool
	settled  atomic.Bool
}

func (c *tunnelConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.received.Store(true)
		c.settled.Store(true)
	}
	if err != nil && !c.received.Load() && !errors.Is(err, net.ErrClosed) && c.settled.CompareAndSwap(false, true) {
		if IsNetworkError(err) && c.monitor.active {
			c.monitor.recordFailure(err)
		}
	}
	return n, err
}

// Close settles the tunnel so our own teardown is not read as an upstream failure
func (c *tunnelConn) Close() error {
	c.settled.Store(true)
	return c.Conn.Close()
}

func (m *Monitor) excludedDaemonHost(host string) bool {
	for _, excluded := range m.config.ExcludedHosts {
		if strings.EqualFold(host, excluded) {
			return true
		}
	}
	return false
}

// IsNetworkError reports whether err is a transport-level failure: dial, DNS, reset, timeout,
// a certificate the portal substituted, or a connection closed before any response.
// Caller cancellation is not a network failure.
func IsNetworkError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var (
		netErr       net.Error
		recordErr    tls.RecordHeaderError
		verifyErr    *tls.CertificateVerificationError
		authorityErr x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		invalidErr   x509.CertificateInvalidError
	)
	switch {
	case errors.As(err, &netErr),
		errors.As(err, &recordErr),
		errors.As(err, &verifyErr),
		errors.As(err, &authorityErr),
		errors.As(err, &hostnameErr),
		errors.As(err, &invalidErr):
		return true
	}
	return false
}
