package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/ternarybob/portalguard/internal/client"
	"github.com/ternarybob/portalguard/internal/common"
	"github.com/ternarybob/portalguard/internal/proxy"
	"github.com/ternarybob/portalguard/internal/services/monitor"
	"github.com/ternarybob/portalguard/internal/services/telemetry"
)

var flagListen string

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Run a local forward proxy that watches traffic for portal expiry",
	Long: `Runs a forward proxy. Every request and tunnel through it feeds a
connectivity monitor, which asks the daemon for a background login after
repeated network failures. If the daemon restarts, the proxy reconnects once.`,
	RunE: runProxy,
}

func init() {
	proxyCmd.Flags().StringVar(&flagListen, "listen", envOrDefault("PORTALGUARD_PROXY_LISTEN", ""), "proxy listen address (overrides config)")
}

func runProxy(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	if flagListen != "" {
		config.Proxy.Listen = flagListen
	}
	common.PrintBanner(config, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Init(ctx, config.Telemetry)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize telemetry")
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tel.Shutdown(shutdownCtx)
	}()

	sender := client.WithSender("proxy-"+uuid.New().String(), "")
	daemon := client.New(config.ServerURL(), logger, sender)
	if _, err := daemon.GetStatus(ctx); err != nil {
		logger.Warn().Err(err).Str("daemon", config.ServerURL()).Msg("Daemon not reachable yet, status reports will be retried on traffic")
	}

	mon := monitor.New(monitor.NewConfig(config), monitor.Options{
		Channel:  daemon,
		Reloader: client.Reconnect(config.ServerURL(), logger, sender),
		Metrics:  tel.Metrics,
		Source:   "proxy",
	}, logger)
	mon.Start()

	watchLink(ctx, mon)

	fwd := proxy.New(mon, logger)
	proxyErr := make(chan error, 1)
	common.SafeGo(logger, "forwardProxy", func() {
		proxyErr <- fwd.ListenAndServe(config.Proxy.Listen)
	})

	select {
	case <-ctx.Done():
		logger.Info().Msg("Interrupt signal received")
	case err := <-proxyErr:
		if err != nil {
			logger.Error().Err(err).Msg("Proxy failed")
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return fwd.Shutdown(shutdownCtx)
}
