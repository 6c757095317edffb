package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/ternarybob/portalguard/internal/app"
	"github.com/ternarybob/portalguard/internal/common"
	"github.com/ternarybob/portalguard/internal/models"
	"github.com/ternarybob/portalguard/internal/proxy"
	"github.com/ternarybob/portalguard/internal/server"
	"github.com/ternarybob/portalguard/internal/services/broker"
	"github.com/ternarybob/portalguard/internal/services/monitor"
)

var flagEmbeddedProxy bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon that owns the login broker",
	Long: `Starts the portalguard daemon: the login broker, the hidden-tab browser
driver and the local HTTP API. With --proxy the forward proxy runs in the same
process and reports to the broker directly.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&flagEmbeddedProxy, "proxy", false, "also run the forward proxy in-process")
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	common.InstallCrashHandler(filepath.Join(filepath.Dir(config.Storage.Badger.Path), "logs"))
	common.PrintBanner(config, logger)

	application, err := app.New(config, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize application")
		return err
	}
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(application)
	serverErr := make(chan error, 1)
	common.SafeGo(logger, "httpServer", func() {
		serverErr <- srv.Start()
	})

	var fwd *proxy.Proxy
	if flagEmbeddedProxy {
		fwd = startEmbeddedProxy(ctx, application, serverErr)
	}

	logger.Info().Str("url", config.ServerURL()).Msg("Server ready - Press Ctrl+C to stop")

	select {
	case <-ctx.Done():
		logger.Info().Msg("Interrupt signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("Server failed")
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if fwd != nil {
		if err := fwd.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Proxy shutdown failed")
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}
	return nil
}

// startEmbeddedProxy runs the forward proxy against the in-process broker
func startEmbeddedProxy(ctx context.Context, application *app.App, errs chan<- error) *proxy.Proxy {
	channel := broker.NewLocalChannel(application.Broker, models.Sender{TabID: "embedded-proxy"})

	mon := monitor.New(monitor.NewConfig(config), monitor.Options{
		Channel: channel,
		Metrics: application.Telemetry.Metrics,
		Source:  "embedded-proxy",
	}, logger)
	mon.Start()

	watchLink(ctx, mon)

	fwd := proxy.New(mon, logger)
	common.SafeGo(logger, "forwardProxy", func() {
		if err := fwd.ListenAndServe(config.Proxy.Listen); err != nil {
			errs <- err
		}
	})
	return fwd
}

// watchLink feeds interface transitions to the monitor until ctx ends
func watchLink(ctx context.Context, mon *monitor.Monitor) {
	interval := common.MustDuration(config.Monitor.LinkPollInterval, 2*time.Second)
	watcher := monitor.NewLinkWatcher(interval, nil, logger)
	watcher.OnChange(mon.LinkChanged)
	common.SafeGo(logger, "linkWatcher", func() {
		watcher.Run(ctx)
	})
}
