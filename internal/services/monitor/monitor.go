package monitor

import (
	"context"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/portalguard/internal/common"
	"github.com/ternarybob/portalguard/internal/interfaces"
	"github.com/ternarybob/portalguard/internal/models"
	"github.com/ternarybob/portalguard/internal/services/telemetry"
	"golang.org/x/time/rate"
)

const (
	sentinelMaxAge  = 60 * time.Second
	reloadBaseDelay = 400 * time.Millisecond
	reloadJitter    = 400 * time.Millisecond
	sendTimeout     = 3 * time.Second
)

// Config holds the monitor thresholds
type Config struct {
	FailureThreshold int
	OfflineStreak    int
	MinLoginInterval time.Duration
	InFlightHold     time.Duration
	Debounce         time.Duration
	PortalHost       string
	ExcludedHosts    []string // Daemon API hosts on top of loopback
	Debug            bool
}

// NewConfig derives monitor settings from the application config
func NewConfig(config *common.Config) Config {
	return Config{
		FailureThreshold: config.Monitor.FailureThreshold,
		OfflineStreak:    config.Monitor.OfflineStreak,
		MinLoginInterval: common.MustDuration(config.Monitor.MinLoginInterval, 10*time.Second),
		InFlightHold:     common.MustDuration(config.Monitor.InFlightHold, 5*time.Second),
		Debounce:         common.MustDuration(config.Monitor.Debounce, 100*time.Millisecond),
		PortalHost:       config.PortalHost(),
		ExcludedHosts:    []string{config.Server.Host},
		Debug:            config.Monitor.Debug,
	}
}

// Reloader rebuilds the broker channel after the daemon was replaced
type Reloader func(ctx context.Context) (interfaces.BrokerChannel, error)

// Options are the collaborators of one monitor
type Options struct {
	PageURL  string // Page hosting this monitor; empty observes all traffic
	Channel  interfaces.BrokerChannel
	Reloader Reloader
	Sentinel Sentinel
	Metrics  *telemetry.Metrics
	Source   string // Metric label for the traffic source
}

// Monitor infers connectivity from the outcome of real requests.
// It never issues requests of its own.
type Monitor struct {
	config   Config
	pageURL  string
	reloader Reloader
	sentinel Sentinel
	metrics  *telemetry.Metrics
	source   string
	logger   arbor.ILogger
	now      func() time.Time
	jitter   func() time.Duration

	active  bool
	machine *models.StateMachine
	limiter *rate.Limiter

	mu        sync.Mutex
	channel   interfaces.BrokerChannel
	streak    int
	lastCheck *time.Time
	inFlight  bool
	reloading bool
	pending   models.Status
	debounce  *time.Timer
}

// New creates a monitor. A monitor for an excluded page URL is inactive.
func New(config Config, opts Options, logger arbor.ILogger) *Monitor {
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 2
	}
	if opts.Sentinel == nil {
		opts.Sentinel = NewMemorySentinel()
	}

	m := &Monitor{
		config:   config,
		pageURL:  opts.PageURL,
		reloader: opts.Reloader,
		sentinel: opts.Sentinel,
		metrics:  opts.Metrics,
		source:   opts.Source,
		logger:   logger,
		now:      time.Now,
		jitter:   func() time.Duration { return rand.N(reloadJitter) },
		machine:  models.NewStateMachine(models.StatusStarting),
		limiter:  rate.NewLimiter(rate.Every(config.MinLoginInterval), 1),
		channel:  opts.Channel,
	}

	m.active = true
	if opts.PageURL != "" {
		if u, err := url.Parse(opts.PageURL); err != nil || m.excludes(u) {
			m.active = false
		}
	}
	return m
}

// excludes applies the shared exclusion rule plus the daemon hosts
func (m *Monitor) excludes(u *url.URL) bool {
	return excludedURL(u, m.config.PortalHost) || m.excludedDaemonHost(u.Hostname())
}

// Active is false for monitors that observe nothing
func (m *Monitor) Active() bool {
	return m.active
}

// Start runs the page-load steps: clear a stale reload sentinel and report monitoring
func (m *Monitor) Start() {
	if !m.active {
		return
	}

	if at, ok := m.sentinel.Get(); ok && m.now().Sub(at) > sentinelMaxAge {
		m.sentinel.Clear()
	}

	m.machine.Reset(models.StatusMonitoring)
	m.scheduleStatus(models.StatusMonitoring)

	if m.config.Debug {
		m.logger.Info().Str("page", m.pageURL).Str("source", m.source).Msg("Passive monitoring active")
	}
}

// Stop cancels a pending status delivery
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.debounce != nil {
		m.debounce.Stop()
	}
}

// Snapshot returns the current monitor state
func (m *Monitor) Snapshot() models.MonitorState {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lastCheck *time.Time
	if m.lastCheck != nil {
		t := *m.lastCheck
		lastCheck = &t
	}
	return models.MonitorState{
		IsActive:      m.active,
		Status:        m.machine.Current(),
		FailureStreak: m.streak,
		LastCheck:     lastCheck,
	}
}

// Channel returns the current broker channel
func (m *Monitor) Channel() interfaces.BrokerChannel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channel
}

func (m *Monitor) channelValid() bool {
	ch := m.Channel()
	return ch != nil && ch.Valid()
}

// recordSuccess handles any HTTP response below 500
func (m *Monitor) recordSuccess() {
	m.mu.Lock()
	now := m.now()
	m.streak = 0
	m.lastCheck = &now
	m.mu.Unlock()

	m.setStatus(models.StatusConnected)
}

// recordFailure handles a network-level failure
func (m *Monitor) recordFailure(err error) {
	m.mu.Lock()
	now := m.now()
	m.streak++
	m.lastCheck = &now
	streak := m.streak
	m.mu.Unlock()

	m.metrics.RecordMonitorFailure(context.Background(), m.source)
	if m.config.Debug {
		m.logger.Info().Err(err).Int("streak", streak).Msg("Network failure on real traffic")
	}

	m.setStatus(models.StatusDisconnected)
	if streak >= m.config.FailureThreshold {
		m.attemptLogin()
	}
}

// LinkChanged applies an interface up/down transition
func (m *Monitor) LinkChanged(up bool) {
	if !m.active {
		return
	}

	m.mu.Lock()
	now := m.now()
	m.lastCheck = &now
	if up {
		m.streak = 0
	} else {
		m.streak = m.config.OfflineStreak
	}
	m.mu.Unlock()

	if m.config.Debug {
		m.logger.Info().Bool("up", up).Msg("Link event")
	}

	if up {
		m.setStatus(models.StatusConnected)
		return
	}
	m.setStatus(models.StatusDisconnected)
	m.attemptLogin()
}

// setStatus moves the local state and queues a report to the broker
func (m *Monitor) setStatus(status models.Status) {
	if _, err := m.machine.Transition(status); err != nil {
		m.logger.Debug().Err(err).Str("source", m.source).Msg("Monitor status change dropped")
		return
	}
	m.scheduleStatus(status)
}

// scheduleStatus debounces reports; only the last status in the window is sent
func (m *Monitor) scheduleStatus(status models.Status) {
	if !m.channelValid() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.pending = status
	if m.debounce != nil {
		m.debounce.Stop()
	}
	m.debounce = time.AfterFunc(m.config.Debounce, m.flushStatus)
}

func (m *Monitor) flushStatus() {
	m.mu.Lock()
	status := m.pending
	ch := m.channel
	m.mu.Unlock()

	if ch == nil || !ch.Valid() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := ch.StatusUpdate(ctx, status); err != nil {
		m.logger.Debug().Err(err).Str("status", status.String()).Msg("Status update not delivered")
	}
}

// attemptLogin asks the broker for a login unless one is in flight or the rate limit forbids it
func (m *Monitor) attemptLogin() {
	m.mu.Lock()
	if m.inFlight || !m.limiter.AllowN(m.now(), 1) {
		m.mu.Unlock()
		return
	}
	m.inFlight = true
	m.mu.Unlock()

	common.SafeGo(m.logger, "monitorLogin", func() {
		defer m.releaseInFlight()
		m.requestLogin()
	})
}

func (m *Monitor) releaseInFlight() {
	time.AfterFunc(m.config.InFlightHold, func() {
		m.mu.Lock()
		m.inFlight = false
		m.mu.Unlock()
	})
}

func (m *Monitor) requestLogin() {
	m.setStatus(models.StatusLoggingIn)

	if !m.channelValid() {
		m.recoverRuntime()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	resp, err := m.Channel().BackgroundLogin(ctx, models.Message{
		Action:     models.ActionBackgroundLogin,
		CurrentURL: m.pageURL,
		Trigger:    models.TriggerPassiveDetection,
	})
	switch {
	case err != nil:
		m.logger.Debug().Err(err).Msg("Login request error")
		m.setStatus(models.StatusLoginRequestFailed)
	case resp == nil || !resp.Success:
		if m.config.Debug && resp != nil {
			m.logger.Info().Str("message", resp.Message).Msg("Login request refused")
		}
		m.setStatus(models.StatusLoginRequestFailed)
	default:
		if m.config.Debug {
			m.logger.Info().Str("tab_id", resp.LoginTabID).Msg("Login tab opened invisibly")
		}
		m.setStatus(models.StatusLoginRequested)
	}
}

// recoverRuntime reloads the page once per session after the broker was replaced
func (m *Monitor) recoverRuntime() {
	m.setStatus(models.StatusExtensionInvalidated)

	if _, ok := m.sentinel.Get(); ok {
		m.logger.Debug().Msg("Broker channel invalid, reload already done this session")
		return
	}
	if m.reloader == nil {
		m.logger.Warn().Msg("Broker channel invalid and no reloader configured")
		return
	}

	m.mu.Lock()
	if m.reloading {
		m.mu.Unlock()
		return
	}
	m.reloading = true
	m.mu.Unlock()

	m.sentinel.Set(m.now())

	delay := reloadBaseDelay + m.jitter()
	m.logger.Info().Dur("delay", delay).Msg("Broker channel invalid, reloading")

	time.AfterFunc(delay, func() {
		defer common.Recover(m.logger, "monitorReload")
		defer func() {
			m.mu.Lock()
			m.reloading = false
			m.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		ch, err := m.reloader(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Msg("Reload failed")
			return
		}

		m.mu.Lock()
		m.channel = ch
		m.streak = 0
		m.mu.Unlock()

		m.Start()
	})
}
