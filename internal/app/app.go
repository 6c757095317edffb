package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/portalguard/internal/common"
	"github.com/ternarybob/portalguard/internal/handlers"
	"github.com/ternarybob/portalguard/internal/interfaces"
	"github.com/ternarybob/portalguard/internal/services/broker"
	"github.com/ternarybob/portalguard/internal/services/browser"
	"github.com/ternarybob/portalguard/internal/services/events"
	"github.com/ternarybob/portalguard/internal/services/status"
	"github.com/ternarybob/portalguard/internal/services/telemetry"
	"github.com/ternarybob/portalguard/internal/storage/badger"
)

// App holds all daemon components
type App struct {
	Config     *common.Config
	Logger     arbor.ILogger
	InstanceID string // Changes on every start; remote monitors use it to detect a restart

	StorageManager *badger.Manager
	EventService   interfaces.EventService
	Telemetry      *telemetry.Telemetry
	Indicator      *status.Indicator
	Driver         *browser.Driver
	Broker         *broker.Broker

	APIHandler      *handlers.APIHandler
	MessageHandler  *handlers.MessageHandler
	SettingsHandler *handlers.SettingsHandler
	WSHandler       *handlers.WebSocketHandler
}

// New initializes the daemon components in dependency order
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config:     cfg,
		Logger:     logger,
		InstanceID: uuid.New().String(),
	}

	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := app.initServices(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	logger.Info().Str("instance_id", app.InstanceID).Msg("Application initialized")
	return app, nil
}

func (a *App) initDatabase() error {
	manager, err := badger.NewManager(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return err
	}
	a.StorageManager = manager
	return nil
}

func (a *App) initServices() error {
	ctx := context.Background()

	tel, err := telemetry.Init(ctx, a.Config.Telemetry)
	if err != nil {
		return err
	}
	a.Telemetry = tel
	if tel.Enabled() {
		a.Logger.Info().Str("endpoint", a.Config.Telemetry.Endpoint).Msg("Metrics export enabled")
	}

	a.EventService = events.NewService(a.Logger)
	a.Indicator = status.NewIndicator(a.EventService, a.Logger)

	agent := browser.NewLoginAgent(a.Config.Portal, a.StorageManager.CredentialStorage(), a.EventService, a.Logger)
	a.Driver = browser.NewDriver(a.Config.Browser, a.Config.Portal.LoginURL, agent, a.EventService, a.Logger)
	if err := a.Driver.Start(); err != nil {
		// The broker reports every login as failed until a browser is reachable
		a.Logger.Error().Err(err).Msg("Browser unavailable, background logins will fail")
	}

	a.Broker = broker.New(
		broker.NewConfig(a.Config),
		a.Driver,
		a.StorageManager.CredentialStorage(),
		a.Indicator,
		a.EventService,
		tel.Metrics,
		a.Logger,
	)
	return a.Broker.Start(ctx)
}

func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(a.InstanceID, a.Logger)
	a.MessageHandler = handlers.NewMessageHandler(a.Broker, a.Logger)
	a.SettingsHandler = handlers.NewSettingsHandler(a.StorageManager.CredentialStorage(), a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.EventService, a.Indicator, a.InstanceID, a.Logger)
}

// Close releases every component in reverse order
func (a *App) Close() error {
	if a.Broker != nil {
		a.Broker.Stop()
	}
	if a.Driver != nil {
		a.Driver.Close()
	}
	if a.Indicator != nil {
		a.Indicator.Close()
	}
	if a.EventService != nil {
		_ = a.EventService.Close()
	}
	if a.Telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.Telemetry.Shutdown(ctx)
		cancel()
	}
	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close storage")
			return err
		}
	}
	a.Logger.Info().Msg("Application closed")
	return nil
}
