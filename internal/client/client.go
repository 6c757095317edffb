package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/portalguard/internal/handlers"
	"github.com/ternarybob/portalguard/internal/interfaces"
	"github.com/ternarybob/portalguard/internal/models"
)

const defaultTimeout = 10 * time.Second

// Client talks to a running portalguard daemon over HTTP.
// It implements interfaces.BrokerChannel for monitors outside the daemon process.
type Client struct {
	baseURL string
	http    *http.Client
	logger  arbor.ILogger
	tabID   string
	pageURL string

	mu       sync.Mutex
	instance string
	replaced bool
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithSender identifies the page this client speaks for
func WithSender(tabID, pageURL string) Option {
	return func(c *Client) {
		c.tabID = tabID
		c.pageURL = pageURL
	}
}

// New creates a client for the daemon at baseURL, e.g. http://localhost:8765
func New(baseURL string, logger arbor.ILogger, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Valid is false once the daemon answered with a different instance id
func (c *Client) Valid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.replaced
}

// Instance returns the first daemon instance id seen, empty before any response
func (c *Client) Instance() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instance
}

func (c *Client) observe(header http.Header) {
	id := header.Get(handlers.HeaderInstance)
	if id == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.instance == "":
		c.instance = id
	case c.instance != id && !c.replaced:
		c.replaced = true
		c.logger.Info().
			Str("previous", c.instance).
			Str("current", id).
			Msg("Daemon instance changed, channel invalidated")
	}
}

// BackgroundLogin asks the broker to open a hidden login tab
func (c *Client) BackgroundLogin(ctx context.Context, req models.Message) (*models.Response, error) {
	req.Action = models.ActionBackgroundLogin
	var resp models.Response
	if err := c.send(ctx, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StatusUpdate reports a monitor status to the broker
func (c *Client) StatusUpdate(ctx context.Context, status models.Status) error {
	var resp models.Response
	if err := c.send(ctx, models.Message{Action: models.ActionStatusUpdate, Status: status.String()}, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("status update rejected: %s", resp.Error)
	}
	return nil
}

// LoginSuccess reports that a login tab finished the portal form
func (c *Client) LoginSuccess(ctx context.Context, tabID string) (*models.Response, error) {
	var resp models.Response
	if err := c.send(ctx, models.Message{Action: models.ActionLoginSuccess, TabID: tabID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetStatus returns the broker snapshot
func (c *Client) GetStatus(ctx context.Context) (*models.BrokerStatus, error) {
	var status models.BrokerStatus
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Settings returns the stored credentials without the password
func (c *Client) Settings(ctx context.Context) (*handlers.SettingsView, error) {
	var view handlers.SettingsView
	if err := c.do(ctx, http.MethodGet, "/api/settings", nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// SaveSettings overwrites the stored credentials
func (c *Client) SaveSettings(ctx context.Context, creds models.Credentials) error {
	return c.do(ctx, http.MethodPut, "/api/settings", creds, nil)
}

func (c *Client) send(ctx context.Context, msg models.Message, out interface{}) error {
	return c.do(ctx, http.MethodPost, "/api/messages", msg, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tabID != "" {
		req.Header.Set(handlers.HeaderTabID, c.tabID)
	}
	if c.pageURL != "" {
		req.Header.Set(handlers.HeaderPageURL, c.pageURL)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable: %w", err)
	}
	defer resp.Body.Close()

	c.observe(resp.Header)

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %d: %s", method, path, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("%s %s: %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// Reconnect returns a reloader that builds a fresh client with the same options
// and confirms the daemon answers before handing it to the monitor
func Reconnect(baseURL string, logger arbor.ILogger, opts ...Option) func(ctx context.Context) (interfaces.BrokerChannel, error) {
	return func(ctx context.Context) (interfaces.BrokerChannel, error) {
		c := New(baseURL, logger, opts...)
		if _, err := c.GetStatus(ctx); err != nil {
			return nil, fmt.Errorf("daemon not ready: %w", err)
		}
		return c, nil
	}
}
