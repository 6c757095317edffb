package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/portalguard/internal/common"
	"github.com/ternarybob/portalguard/internal/services/monitor"
)

const dialTimeout = 10 * time.Second

// Headers that apply to a single hop and must not be forwarded
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Proxy is a local forward proxy whose upstream traffic feeds a monitor
type Proxy struct {
	monitor   *monitor.Monitor
	transport http.RoundTripper
	dial      monitor.DialFunc
	logger    arbor.ILogger

	mu     sync.Mutex
	server *http.Server
}

// Option configures a Proxy
type Option func(*proxyOptions)

type proxyOptions struct {
	transport http.RoundTripper
	dial      monitor.DialFunc
}

// WithBaseTransport sets the upstream transport for plain HTTP requests
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(o *proxyOptions) {
		o.transport = rt
	}
}

// WithBaseDial sets the upstream dialer for CONNECT tunnels
func WithBaseDial(dial monitor.DialFunc) Option {
	return func(o *proxyOptions) {
		o.dial = dial
	}
}

// New creates a proxy observed by mon
func New(mon *monitor.Monitor, logger arbor.ILogger, opts ...Option) *Proxy {
	o := &proxyOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.transport == nil {
		o.transport = &http.Transport{
			Proxy:               nil,
			DialContext:         (&net.Dialer{Timeout: dialTimeout}).DialContext,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
	}
	if o.dial == nil {
		o.dial = (&net.Dialer{Timeout: dialTimeout}).DialContext
	}

	return &Proxy{
		monitor:   mon,
		transport: mon.Transport(o.transport),
		dial:      mon.Dialer(o.dial),
		logger:    logger,
	}
}

// ServeHTTP dispatches CONNECT tunnels and plain forward requests
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.tunnel(w, r)
		return
	}
	p.forward(w, r)
}

func (p *Proxy) forward(w http.ResponseWriter, r *http.Request) {
	if !r.URL.IsAbs() {
		http.Error(w, "portalguard proxy: absolute URL required", http.StatusBadRequest)
		return
	}

	out := r.Clone(r.Context())
	out.RequestURI = ""
	removeHopHeaders(out.Header)

	resp, err := p.transport.RoundTrip(out)
	if err != nil {
		p.logger.Debug().Err(err).Str("url", r.URL.String()).Msg("Upstream request failed")
		http.Error(w, "portalguard proxy: upstream unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	removeHopHeaders(resp.Header)
	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.logger.Debug().Err(err).Str("url", r.URL.String()).Msg("Response copy interrupted")
	}
}

func (p *Proxy) tunnel(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), dialTimeout)
	upstream, err := p.dial(ctx, "tcp", r.Host)
	cancel()
	if err != nil {
		p.logger.Debug().Err(err).Str("host", r.Host).Msg("Tunnel dial failed")
		http.Error(w, "portalguard proxy: upstream unreachable", http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "portalguard proxy: hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, buf, err := hijacker.Hijack()
	if err != nil {
		upstream.Close()
		p.logger.Warn().Err(err).Msg("Hijack failed")
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		clientConn.Close()
		upstream.Close()
		return
	}

	// Bytes the client pipelined behind the CONNECT line
	if n := buf.Reader.Buffered(); n > 0 {
		pending, _ := buf.Reader.Peek(n)
		if _, err := upstream.Write(pending); err != nil {
			clientConn.Close()
			upstream.Close()
			return
		}
	}

	common.SafeGo(p.logger, "proxyTunnel", func() {
		pipe(clientConn, upstream)
	})
}

// pipe copies both directions and closes both ends when either side finishes
func pipe(a, b net.Conn) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			a.Close()
			b.Close()
		})
	}

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(a, b)
		closeBoth()
		done <- struct{}{}
	}()
	go func() {
		io.Copy(b, a)
		closeBoth()
		done <- struct{}{}
	}()
	<-done
	<-done
}

func removeHopHeaders(h http.Header) {
	for _, header := range hopHeaders {
		h.Del(header)
	}
}

// ListenAndServe serves the proxy on addr until Shutdown
func (p *Proxy) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return p.Serve(listener)
}

// Serve serves the proxy on an existing listener
func (p *Proxy) Serve(listener net.Listener) error {
	p.mu.Lock()
	p.server = &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       90 * time.Second,
	}
	server := p.server
	p.mu.Unlock()

	p.logger.Info().Str("address", listener.Addr().String()).Msg("Forward proxy listening")

	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("proxy failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections. Open tunnels are left to drain.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	server := p.server
	p.mu.Unlock()

	p.monitor.Stop()
	if server == nil {
		return nil
	}
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("proxy shutdown failed: %w", err)
	}
	return nil
}
