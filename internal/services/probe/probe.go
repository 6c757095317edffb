package probe

import (
	"context"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/portalguard/internal/common"
)

// Checker issues the popup's connectivity probe. Monitors never use it.
type Checker struct {
	url     string
	timeout time.Duration
	client  *http.Client
	logger  arbor.ILogger
}

// NewChecker creates a probe against url
func NewChecker(url string, timeout time.Duration, logger arbor.ILogger) *Checker {
	if url == "" {
		url = common.DefaultProbeURL
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Checker{
		url:     url,
		timeout: timeout,
		client: &http.Client{
			// Portals answer with redirects; any answer at all proves a route
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		logger: logger,
	}
}

// NewCheckerFromConfig creates a probe from the probe config section
func NewCheckerFromConfig(config common.ProbeConfig, logger arbor.ILogger) *Checker {
	return NewChecker(config.URL, common.MustDuration(config.Timeout, 3*time.Second), logger)
}

// Check reports whether any HTTP response came back within the timeout
func (c *Checker) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.url, nil)
	if err != nil {
		c.logger.Warn().Err(err).Str("url", c.url).Msg("Invalid probe request")
		return false
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("url", c.url).Msg("Probe failed")
		return false
	}
	resp.Body.Close()

	c.logger.Debug().Int("status", resp.StatusCode).Str("url", c.url).Msg("Probe answered")
	return true
}
