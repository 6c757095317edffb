package broker

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/portalguard/internal/common"
	"github.com/ternarybob/portalguard/internal/interfaces"
	"github.com/ternarybob/portalguard/internal/models"
	"github.com/ternarybob/portalguard/internal/services/telemetry"
)

// MethodBackgroundTab is reported for accepted login requests
const MethodBackgroundTab = "background-tab"

// Config holds the broker pacing and tab lifetime settings
type Config struct {
	LoginURL      string
	Cooldown      time.Duration
	TabLifetime   time.Duration
	SweepInterval time.Duration
	StaleAfter    time.Duration
	KeepAlive     string // cron spec
}

// NewConfig derives the broker settings from the application config
func NewConfig(config *common.Config) Config {
	return Config{
		LoginURL:      config.Portal.LoginURL,
		Cooldown:      common.MustDuration(config.Broker.Cooldown, 5*time.Second),
		TabLifetime:   common.MustDuration(config.Broker.TabLifetime, 30*time.Second),
		SweepInterval: common.MustDuration(config.Broker.SweepInterval, 30*time.Second),
		StaleAfter:    common.MustDuration(config.Broker.StaleAfter, 60*time.Second),
		KeepAlive:     config.Broker.KeepAlive,
	}
}

// Tab events that arrived while OpenTab had not yet returned the id
const (
	earlySuccess = "success"
	earlyRemoved = "removed"
)

type trackedTab struct {
	record models.LoginTab
	timer  *time.Timer
}

// Broker is the single owner of hidden login tabs
type Broker struct {
	config       Config
	driver       interfaces.TabDriver
	credentials  interfaces.CredentialStorage
	indicator    interfaces.StatusIndicator
	eventService interfaces.EventService
	metrics      *telemetry.Metrics
	logger       arbor.ILogger
	now          func() time.Time

	cron       *cron.Cron
	subscribed bool

	mu          sync.Mutex
	tabs        map[string]*trackedTab
	opening     int
	early       map[string]string
	lastAttempt time.Time
	startTime   time.Time
}

// New creates a broker. metrics may be nil.
func New(
	config Config,
	driver interfaces.TabDriver,
	credentials interfaces.CredentialStorage,
	indicator interfaces.StatusIndicator,
	eventService interfaces.EventService,
	metrics *telemetry.Metrics,
	logger arbor.ILogger,
) *Broker {
	return &Broker{
		config:       config,
		driver:       driver,
		credentials:  credentials,
		indicator:    indicator,
		eventService: eventService,
		metrics:      metrics,
		logger:       logger,
		now:          time.Now,
		tabs:         make(map[string]*trackedTab),
		early:        make(map[string]string),
	}
}

// Start clears tracking, resets the indicator and schedules the sweep and keep-alive
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	for id, tab := range b.tabs {
		tab.timer.Stop()
		delete(b.tabs, id)
	}
	b.startTime = b.now()
	b.mu.Unlock()

	b.indicator.Reset(ctx, models.StatusMonitoring)

	if !b.subscribed {
		if err := b.eventService.Subscribe(interfaces.EventLoginTabSucceeded, b.onLoginTabSucceeded); err != nil {
			return fmt.Errorf("subscribe %s: %w", interfaces.EventLoginTabSucceeded, err)
		}
		if err := b.eventService.Subscribe(interfaces.EventTabRemoved, b.onTabRemoved); err != nil {
			return fmt.Errorf("subscribe %s: %w", interfaces.EventTabRemoved, err)
		}
		b.subscribed = true
	}

	if b.cron != nil {
		b.cron.Stop()
	}
	b.cron = cron.New()
	if _, err := b.cron.AddFunc(fmt.Sprintf("@every %s", b.config.SweepInterval), b.Sweep); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	if _, err := b.cron.AddFunc(b.config.KeepAlive, b.keepAlive); err != nil {
		return fmt.Errorf("schedule keep-alive: %w", err)
	}
	b.cron.Start()

	b.logger.Info().
		Dur("cooldown", b.config.Cooldown).
		Dur("tab_lifetime", b.config.TabLifetime).
		Dur("sweep_interval", b.config.SweepInterval).
		Msg("Login broker started")

	return nil
}

// Stop halts scheduled work and cancels pending tab timers
func (b *Broker) Stop() {
	if b.cron != nil {
		<-b.cron.Stop().Done()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, tab := range b.tabs {
		tab.timer.Stop()
	}
}

func (b *Broker) keepAlive() {
	b.mu.Lock()
	count := len(b.tabs)
	b.mu.Unlock()

	b.logger.Debug().Int("login_tabs", count).Msg("Broker keep-alive")
}

// Handle dispatches a message. The result is a *models.Response, or a
// *models.BrokerStatus for getStatus.
func (b *Broker) Handle(ctx context.Context, sender models.Sender, req models.Message) interface{} {
	switch req.Action {
	case models.ActionBackgroundLogin:
		return b.BackgroundLogin(ctx, sender, req)
	case models.ActionStatusUpdate:
		return b.StatusUpdate(ctx, req)
	case models.ActionLoginSuccess:
		return b.LoginSuccess(ctx, sender, req)
	case models.ActionGetStatus:
		return b.Status()
	default:
		return &models.Response{
			Success: false,
			Message: "unknown action",
			Error:   fmt.Sprintf("unsupported action %q", req.Action),
		}
	}
}

// BackgroundLogin opens a hidden login tab unless the cooldown is active
func (b *Broker) BackgroundLogin(ctx context.Context, sender models.Sender, req models.Message) (resp *models.Response) {
	if remaining, ok := b.claimAttempt(req.Manual); !ok {
		secs := int(math.Ceil(remaining.Seconds()))
		b.logger.Debug().Int("remaining_s", secs).Msg("Login cooldown active")
		b.metrics.RecordLoginRequest(ctx, telemetry.OutcomeCooldown, req.Manual)
		return &models.Response{
			Success:           false,
			Message:           fmt.Sprintf("Login cooldown active (wait %ds)", secs),
			CooldownRemaining: secs,
		}
	}

	defer func() {
		if r := recover(); r != nil {
			resp = b.loginFailed(ctx, req.Manual, fmt.Errorf("panic: %v", r))
		}
	}()

	from := sender.URL
	if from == "" {
		from = req.CurrentURL
	}
	b.logger.Info().
		Bool("manual", req.Manual).
		Str("from", from).
		Str("trigger", req.Trigger).
		Msg("Handling login request")

	creds, err := b.credentials.Load(ctx)
	if err != nil {
		return b.loginFailed(ctx, req.Manual, err)
	}
	if !creds.Complete() {
		b.metrics.RecordLoginRequest(ctx, telemetry.OutcomeNoCredentials, req.Manual)
		return &models.Response{Success: false, Message: "No credentials configured"}
	}

	if err := b.indicator.Set(ctx, models.StatusLoggingIn); err != nil {
		b.logger.Debug().Err(err).Msg("Indicator kept its state")
	}

	b.mu.Lock()
	b.opening++
	b.mu.Unlock()
	defer b.doneOpening()

	tabID, err := b.driver.OpenTab(ctx, b.config.LoginURL)
	if err != nil {
		return b.loginFailed(ctx, req.Manual, err)
	}

	priority := req.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	trigger := req.Trigger
	if trigger == "" {
		trigger = req.CurrentURL
	}

	b.mu.Lock()
	b.tabs[tabID] = &trackedTab{
		record: models.LoginTab{
			TabID:         tabID,
			OriginalTabID: sender.TabID,
			CreatedAt:     b.now(),
			Status:        models.LoginTabCreated,
			Priority:      priority,
			Trigger:       trigger,
		},
		timer: time.AfterFunc(b.config.TabLifetime, func() {
			b.retire(tabID, telemetry.RetireTimeout)
		}),
	}
	early := b.early[tabID]
	delete(b.early, tabID)
	b.mu.Unlock()

	b.metrics.RecordLoginRequest(ctx, telemetry.OutcomeAccepted, req.Manual)
	b.metrics.RecordTabOpened(ctx)
	b.logger.Info().Str("tab_id", tabID).Str("priority", string(priority)).Msg("Background login tab created")

	switch early {
	case earlySuccess:
		b.LoginSuccess(ctx, models.Sender{TabID: tabID}, models.Message{Action: models.ActionLoginSuccess})
	case earlyRemoved:
		b.forget(ctx, tabID)
	default:
		b.driver.BeginLogin(tabID)
	}

	return &models.Response{
		Success:    true,
		Method:     MethodBackgroundTab,
		LoginTabID: tabID,
		Message:    "Background login tab created",
	}
}

// doneOpening drops buffered events once no OpenTab call is pending
func (b *Broker) doneOpening() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opening--
	if b.opening == 0 {
		clear(b.early)
	}
}

// bufferEarly keeps an event for an unknown tab while an OpenTab call may still return it.
// Callers hold b.mu.
func (b *Broker) bufferEarly(tabID, kind string) bool {
	if b.opening == 0 {
		return false
	}
	if b.early[tabID] != earlySuccess {
		b.early[tabID] = kind
	}
	return true
}

// claimAttempt stamps the attempt time. Non-manual calls inside the cooldown are refused with the time left.
func (b *Broker) claimAttempt(manual bool) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if !manual && !b.lastAttempt.IsZero() {
		if elapsed := now.Sub(b.lastAttempt); elapsed < b.config.Cooldown {
			return b.config.Cooldown - elapsed, false
		}
	}
	b.lastAttempt = now
	return 0, true
}

func (b *Broker) loginFailed(ctx context.Context, manual bool, err error) *models.Response {
	b.logger.Error().Err(err).Msg("Background login failed")
	b.metrics.RecordLoginRequest(ctx, telemetry.OutcomeFailed, manual)

	// Reported whatever state the indicator was in
	b.indicator.Reset(ctx, models.StatusLoginRequestFailed)

	return &models.Response{
		Success: false,
		Message: "Background login failed",
		Error:   err.Error(),
	}
}

// LoginSuccess retires the reporting tab and marks the network connected
func (b *Broker) LoginSuccess(ctx context.Context, sender models.Sender, req models.Message) *models.Response {
	tabID := req.TabID
	if tabID == "" {
		tabID = sender.TabID
	}

	if tabID == "" {
		b.markConnected(ctx)
		return &models.Response{Success: true, Message: "Login success acknowledged"}
	}

	b.mu.Lock()
	tab, tracked := b.tabs[tabID]
	buffered := false
	if tracked {
		delete(b.tabs, tabID)
	} else {
		buffered = b.bufferEarly(tabID, earlySuccess)
	}
	b.mu.Unlock()

	if buffered {
		b.logger.Debug().Str("tab_id", tabID).Msg("Login success held until the tab is recorded")
		return &models.Response{Success: true, Message: "Login success acknowledged"}
	}
	if !tracked {
		b.logger.Debug().Str("tab_id", tabID).Msg("Login success from untracked tab ignored")
		return &models.Response{Success: true, Message: "Login tab not tracked"}
	}

	tab.timer.Stop()
	tab.record.Status = models.LoginTabSuccess

	if err := b.driver.CloseTab(ctx, tabID); err != nil {
		b.logger.Debug().Err(err).Str("tab_id", tabID).Msg("Login tab already closed")
	}
	b.metrics.RecordTabRetired(ctx, telemetry.RetireSuccess)

	b.logger.Info().
		Str("tab_id", tabID).
		Dur("elapsed", b.now().Sub(tab.record.CreatedAt)).
		Msg("Login succeeded, tab closed")

	b.markConnected(ctx)

	return &models.Response{Success: true, Message: "Login success acknowledged - tab closed"}
}

func (b *Broker) markConnected(ctx context.Context) {
	b.mu.Lock()
	b.lastAttempt = b.now()
	b.mu.Unlock()

	if err := b.indicator.Set(ctx, models.StatusConnected); err != nil {
		b.logger.Debug().Err(err).Msg("Indicator kept its state")
	}

	err := b.eventService.Publish(ctx, interfaces.Event{Type: interfaces.EventLoginSuccess})
	if err != nil {
		b.logger.Warn().Err(err).Msg("Failed to broadcast login success")
	}
}

// StatusUpdate applies a monitor report to the indicator
func (b *Broker) StatusUpdate(ctx context.Context, req models.Message) *models.Response {
	status, err := models.ParseStatus(req.Status)
	if err != nil {
		return &models.Response{Success: false, Error: err.Error()}
	}

	if err := b.indicator.Set(ctx, status); err != nil {
		b.logger.Debug().Err(err).Str("status", req.Status).Msg("Status update ignored")
	}
	return &models.Response{Success: true}
}

// Status returns the diagnostic snapshot
func (b *Broker) Status() *models.BrokerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	var last int64
	if !b.lastAttempt.IsZero() {
		last = b.lastAttempt.UnixMilli()
	}

	return &models.BrokerStatus{
		Success:             true,
		LastLoginAttempt:    last,
		BackgroundLoginTabs: len(b.tabs),
		Method:              models.BrokerMethod,
		IsActive:            true,
		StartTime:           b.startTime.UnixMilli(),
		Status:              b.indicator.Current(),
		Badge:               b.indicator.Badge(),
	}
}

// Tabs returns a copy of the tracked records
func (b *Broker) Tabs() []models.LoginTab {
	b.mu.Lock()
	defer b.mu.Unlock()

	records := make([]models.LoginTab, 0, len(b.tabs))
	for _, tab := range b.tabs {
		records = append(records, tab.record)
	}
	return records
}

// Sweep force-closes every tab older than the stale limit
func (b *Broker) Sweep() {
	now := b.now()

	b.mu.Lock()
	var stale []string
	for id, tab := range b.tabs {
		if tab.record.Age(now) > b.config.StaleAfter {
			stale = append(stale, id)
		}
	}
	b.mu.Unlock()

	for _, id := range stale {
		b.logger.Info().Str("tab_id", id).Msg("Removing stale login tab")
		b.retire(id, telemetry.RetireStale)
	}
}

// retire closes a tracked tab and drops its record
func (b *Broker) retire(tabID, reason string) {
	b.mu.Lock()
	tab, tracked := b.tabs[tabID]
	delete(b.tabs, tabID)
	b.mu.Unlock()

	if !tracked {
		return
	}
	tab.timer.Stop()

	ctx := context.Background()
	if err := b.driver.CloseTab(ctx, tabID); err != nil {
		b.logger.Debug().Err(err).Str("tab_id", tabID).Msg("Login tab already closed")
	}
	b.metrics.RecordTabRetired(ctx, reason)

	b.logger.Info().Str("tab_id", tabID).Str("reason", reason).Msg("Login tab retired")
}

func (b *Broker) onLoginTabSucceeded(ctx context.Context, event interfaces.Event) error {
	payload, ok := event.Payload.(interfaces.TabPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", event.Payload)
	}
	b.LoginSuccess(ctx, models.Sender{TabID: payload.TabID}, models.Message{Action: models.ActionLoginSuccess})
	return nil
}

func (b *Broker) onTabRemoved(ctx context.Context, event interfaces.Event) error {
	payload, ok := event.Payload.(interfaces.TabPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", event.Payload)
	}
	b.forget(ctx, payload.TabID)
	return nil
}

// forget drops the record of a tab closed outside the broker
func (b *Broker) forget(ctx context.Context, tabID string) {
	b.mu.Lock()
	tab, tracked := b.tabs[tabID]
	delete(b.tabs, tabID)
	if !tracked {
		b.bufferEarly(tabID, earlyRemoved)
	}
	b.mu.Unlock()

	if tracked {
		tab.timer.Stop()
		b.metrics.RecordTabRetired(ctx, telemetry.RetireRemoved)
		b.logger.Debug().Str("tab_id", tabID).Msg("Cleaned up removed login tab")
	}
}
