package common

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application banner and the resolved endpoints
func PrintBanner(config *Config, logger arbor.ILogger) {
	banner.Print("Portalguard", GetVersion())

	logger.Info().
		Str("api", config.ServerURL()).
		Str("login_url", config.Portal.LoginURL).
		Str("probe_url", config.Probe.URL).
		Msg("Portalguard configured")
}
