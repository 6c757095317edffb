package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/portalguard/internal/common"
)

var (
	// Global flags
	flagConfig []string
	flagPort   int
	flagHost   string

	// Resolved by loadConfig
	config *common.Config
	logger arbor.ILogger
)

var rootCmd = &cobra.Command{
	Use:   "portalguard",
	Short: "Keeps a captive portal session logged in",
	Long: `portalguard watches real network traffic for signs that a captive portal
session expired and logs back in from a hidden browser tab.

The daemon (serve) owns the login broker. The forward proxy, the popup and
the one-shot commands talk to it over its local HTTP API.`,
	SilenceUsage: true,
}

func main() {
	defer common.RecoverWithCrashFile()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringSliceVarP(&flagConfig, "config", "c", nil, "configuration file (repeatable, later files override earlier ones)")
	rootCmd.PersistentFlags().IntVarP(&flagPort, "port", "p", envIntOrDefault("PORTALGUARD_PORT", 0), "daemon API port (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagHost, "host", envOrDefault("PORTALGUARD_HOST", ""), "daemon API host (overrides config)")

	rootCmd.AddCommand(serveCmd, proxyCmd, popupCmd, connectCmd, settingsCmd, statusCmd, versionCmd)
}

// loadConfig resolves configuration and the logger.
// Order: defaults -> file1 -> file2 -> ... -> env -> CLI flags.
func loadConfig() error {
	paths := flagConfig

	// Auto-discover config file if not specified
	if len(paths) == 0 {
		if _, err := os.Stat("portalguard.toml"); err == nil {
			paths = append(paths, "portalguard.toml")
		} else if _, err := os.Stat("deployments/local/portalguard.toml"); err == nil {
			paths = append(paths, "deployments/local/portalguard.toml")
		}
	}

	cfg, err := common.LoadFromFiles(paths...)
	if err != nil {
		arbor.NewLogger().Error().Strs("paths", paths).Err(err).Msg("Failed to load configuration")
		return err
	}

	common.ApplyFlagOverrides(cfg, flagPort, flagHost)

	config = cfg
	logger = common.InitLogger(cfg)

	logger.Debug().
		Strs("config_files", paths).
		Str("log_level", cfg.Logging.Level).
		Strs("log_output", cfg.Logging.Output).
		Str("badger_path", cfg.Storage.Badger.Path).
		Msg("Resolved configuration")
	return nil
}
