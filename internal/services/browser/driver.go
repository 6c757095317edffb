package browser

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/portalguard/internal/common"
	"github.com/ternarybob/portalguard/internal/interfaces"
)

const commandTimeout = 10 * time.Second

type tabEntry struct {
	ctx     context.Context
	cancel  context.CancelFunc
	url     string
	started bool
}

// Driver owns one Chrome instance and the background tabs opened in it
type Driver struct {
	config       common.BrowserConfig
	loginURL     string
	agent        *LoginAgent
	eventService interfaces.EventService
	logger       arbor.ILogger

	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	tabs map[string]*tabEntry
	mu   sync.Mutex
}

// NewDriver creates a driver. agent may be nil; when set BeginLogin runs it on tabs opened at loginURL.
func NewDriver(config common.BrowserConfig, loginURL string, agent *LoginAgent, eventService interfaces.EventService, logger arbor.ILogger) *Driver {
	return &Driver{
		config:       config,
		loginURL:     loginURL,
		agent:        agent,
		eventService: eventService,
		logger:       logger,
		tabs:         make(map[string]*tabEntry),
	}
}

// allocatorOptions builds the exec allocator flags for a locally launched Chrome
func allocatorOptions(config common.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", config.Headless),
		chromedp.Flag("disable-gpu", config.DisableGPU),
		chromedp.Flag("no-sandbox", config.NoSandbox),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-first-run", true),
		// Login tabs live in the background; throttling would stall the portal's scripts
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-backgrounding-occluded-windows", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
	)
	if config.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(config.UserAgent))
	}
	return opts
}

// Start launches or attaches to Chrome and begins listening for destroyed targets
func (d *Driver) Start() error {
	if d.config.RemoteURL != "" {
		d.logger.Info().Str("remote_url", d.config.RemoteURL).Msg("Attaching to running browser")
		d.allocCtx, d.allocCancel = chromedp.NewRemoteAllocator(context.Background(), d.config.RemoteURL)
	} else {
		d.logger.Info().Bool("headless", d.config.Headless).Msg("Launching browser")
		d.allocCtx, d.allocCancel = chromedp.NewExecAllocator(context.Background(), allocatorOptions(d.config)...)
	}

	d.browserCtx, d.browserCancel = chromedp.NewContext(d.allocCtx)
	if err := chromedp.Run(d.browserCtx); err != nil {
		d.Close()
		return fmt.Errorf("failed to start browser: %w", err)
	}

	chromedp.ListenBrowser(d.browserCtx, func(ev interface{}) {
		if e, ok := ev.(*target.EventTargetDestroyed); ok {
			d.handleTargetDestroyed(string(e.TargetID))
		}
	})

	err := chromedp.Run(d.browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return target.SetDiscoverTargets(true).Do(cdp.WithExecutor(ctx, chromedp.FromContext(ctx).Browser))
	}))
	if err != nil {
		d.logger.Warn().Err(err).Msg("Target discovery unavailable, tab removal events disabled")
	}

	return nil
}

func (d *Driver) handleTargetDestroyed(tabID string) {
	d.mu.Lock()
	entry, tracked := d.tabs[tabID]
	delete(d.tabs, tabID)
	d.mu.Unlock()

	if !tracked {
		return
	}
	entry.cancel()

	d.logger.Debug().Str("tab_id", tabID).Msg("Tab destroyed")
	if d.eventService == nil {
		return
	}
	_ = d.eventService.Publish(context.Background(), interfaces.Event{
		Type:    interfaces.EventTabRemoved,
		Payload: interfaces.TabPayload{TabID: tabID},
	})
}

// OpenTab creates a background target at rawURL. The tab is never activated.
func (d *Driver) OpenTab(ctx context.Context, rawURL string) (string, error) {
	if d.browserCtx == nil {
		return "", fmt.Errorf("browser not started")
	}

	cmdCtx, cancel := context.WithTimeout(d.browserCtx, commandTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	targetID, err := target.CreateTarget(rawURL).
		WithBackground(true).
		Do(cdp.WithExecutor(cmdCtx, chromedp.FromContext(d.browserCtx).Browser))
	if err != nil {
		return "", fmt.Errorf("create target: %w", err)
	}
	tabID := string(targetID)

	tabCtx, tabCancel := chromedp.NewContext(d.browserCtx, chromedp.WithTargetID(targetID))
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		_ = d.closeTarget(tabID)
		return "", fmt.Errorf("attach tab %s: %w", tabID, err)
	}

	d.mu.Lock()
	d.tabs[tabID] = &tabEntry{ctx: tabCtx, cancel: tabCancel, url: rawURL}
	d.mu.Unlock()

	d.logger.Debug().Str("tab_id", tabID).Str("url", rawURL).Msg("Background tab opened")
	return tabID, nil
}

// BeginLogin runs the login agent once in a tracked tab opened at the login page
func (d *Driver) BeginLogin(tabID string) {
	d.mu.Lock()
	entry, tracked := d.tabs[tabID]
	run := tracked && d.agent != nil && !entry.started && IsLoginURL(entry.url, d.loginURL)
	if run {
		entry.started = true
	}
	d.mu.Unlock()

	if !run {
		d.logger.Debug().Str("tab_id", tabID).Bool("tracked", tracked).Msg("Login agent not started")
		return
	}
	common.SafeGo(d.logger, "loginAgent", func() {
		d.agent.Run(entry.ctx, tabID)
	})
}

// CloseTab closes a tab. A tab that is already gone returns ErrTabNotFound.
func (d *Driver) CloseTab(ctx context.Context, tabID string) error {
	d.mu.Lock()
	entry, tracked := d.tabs[tabID]
	delete(d.tabs, tabID)
	d.mu.Unlock()

	if tracked {
		entry.cancel()
	}

	if err := d.closeTarget(tabID); err != nil {
		if tracked {
			// Cancelling the tab context may already have closed the target
			d.logger.Debug().Err(err).Str("tab_id", tabID).Msg("Close target after detach")
			return nil
		}
		return fmt.Errorf("%w: %s: %v", interfaces.ErrTabNotFound, tabID, err)
	}
	return nil
}

func (d *Driver) closeTarget(tabID string) error {
	if d.browserCtx == nil {
		return fmt.Errorf("browser not started")
	}
	closeCtx, cancel := context.WithTimeout(d.browserCtx, 5*time.Second)
	defer cancel()
	return target.CloseTarget(target.ID(tabID)).Do(cdp.WithExecutor(closeCtx, chromedp.FromContext(closeCtx).Browser))
}

// OpenTabs returns how many tabs the driver is tracking
func (d *Driver) OpenTabs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tabs)
}

// Close shuts the browser down
func (d *Driver) Close() {
	d.mu.Lock()
	for id, entry := range d.tabs {
		entry.cancel()
		delete(d.tabs, id)
	}
	d.mu.Unlock()

	if d.browserCancel != nil {
		d.browserCancel()
	}
	if d.allocCancel != nil {
		d.allocCancel()
	}
}

// IsLoginURL reports whether rawURL points at the portal login page
func IsLoginURL(rawURL, loginURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	login, err := url.Parse(loginURL)
	if err != nil {
		return false
	}
	if !strings.EqualFold(u.Host, login.Host) {
		return false
	}
	return strings.HasPrefix(u.Path, strings.TrimSuffix(login.Path, "/"))
}
