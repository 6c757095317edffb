package common

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// DefaultLoginURL is the captive portal login page of the managed network.
const DefaultLoginURL = "http://192.168.1.254:8090/"

// DefaultProbeURL is the canonical connectivity probe endpoint.
// The popup check and the test harness used different Google endpoints;
// this one is used everywhere.
const DefaultProbeURL = "https://clients3.google.com/generate_204"

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Storage   StorageConfig   `toml:"storage"`
	Logging   LoggingConfig   `toml:"logging"`
	Portal    PortalConfig    `toml:"portal"`
	Browser   BrowserConfig   `toml:"browser"`
	Broker    BrokerConfig    `toml:"broker"`
	Monitor   MonitorConfig   `toml:"monitor"`
	Probe     ProbeConfig     `toml:"probe"`
	Proxy     ProxyConfig     `toml:"proxy"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05")
}

// PortalConfig describes the captive portal login page and how to drive its form
type PortalConfig struct {
	LoginURL         string `toml:"login_url"`
	UsernameSelector string `toml:"username_selector"`
	PasswordSelector string `toml:"password_selector"`
	SubmitSelector   string `toml:"submit_selector"`
	SuccessSelector  string `toml:"success_selector"` // Element that only exists once the portal accepted the login
	FormTimeout      string `toml:"form_timeout"`     // e.g. "20s" - how long the agent waits for the form and the success marker
}

// BrowserConfig controls the Chrome instance that hosts the hidden login tabs
type BrowserConfig struct {
	RemoteURL  string `toml:"remote_url"` // DevTools websocket of a running browser; empty launches a new one
	Headless   bool   `toml:"headless"`
	NoSandbox  bool   `toml:"no_sandbox"`
	DisableGPU bool   `toml:"disable_gpu"`
	UserAgent  string `toml:"user_agent"`
}

// BrokerConfig holds the login broker pacing and tab lifetime limits
type BrokerConfig struct {
	Cooldown      string `toml:"cooldown"`       // Minimum gap between automatic login attempts
	TabLifetime   string `toml:"tab_lifetime"`   // Forced close of a login tab after this long
	SweepInterval string `toml:"sweep_interval"` // How often stale tabs are swept
	StaleAfter    string `toml:"stale_after"`    // Age after which the sweep evicts a tab
	KeepAlive     string `toml:"keep_alive"`     // Cron spec for the keep-alive wake-up
}

// MonitorConfig holds the passive connectivity monitor thresholds
type MonitorConfig struct {
	FailureThreshold int    `toml:"failure_threshold"`  // Consecutive network failures before a login is requested
	OfflineStreak    int    `toml:"offline_streak"`     // Streak forced by a link-down event
	MinLoginInterval string `toml:"min_login_interval"` // Local rate limit between login attempts
	InFlightHold     string `toml:"in_flight_hold"`     // How long the in-flight flag stays set after an attempt settles
	Debounce         string `toml:"debounce"`           // Status update debounce window
	LinkPollInterval string `toml:"link_poll_interval"` // How often interface state is read
	Debug            bool   `toml:"debug"`
}

type ProbeConfig struct {
	URL     string `toml:"url"`
	Timeout string `toml:"timeout"`
}

type ProxyConfig struct {
	Listen string `toml:"listen"`
}

// TelemetryConfig configures the optional OTLP metrics exporter
type TelemetryConfig struct {
	Endpoint string `toml:"endpoint"` // OTLP/HTTP base URL; empty disables export
	Headers  string `toml:"headers"`  // Comma-separated key=value pairs
}

// NewDefaultConfig returns the configuration used when no file overrides a value
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8765,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05",
		},
		Portal: PortalConfig{
			LoginURL:         DefaultLoginURL,
			UsernameSelector: `input[name="username"]`,
			PasswordSelector: `input[name="password"]`,
			SubmitSelector:   `#loginbutton`,
			SuccessSelector:  `#signin-caption`,
			FormTimeout:      "20s",
		},
		Browser: BrowserConfig{
			Headless:   true,
			DisableGPU: true,
			UserAgent:  "Portalguard/1.0",
		},
		Broker: BrokerConfig{
			Cooldown:      "5s",
			TabLifetime:   "30s",
			SweepInterval: "30s",
			StaleAfter:    "60s",
			KeepAlive:     "@every 1m",
		},
		Monitor: MonitorConfig{
			FailureThreshold: 2,
			OfflineStreak:    3,
			MinLoginInterval: "10s",
			InFlightHold:     "5s",
			Debounce:         "100ms",
			LinkPollInterval: "2s",
		},
		Probe: ProbeConfig{
			URL:     DefaultProbeURL,
			Timeout: "3s",
		},
		Proxy: ProxyConfig{
			Listen: "127.0.0.1:8766",
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority: default -> file1 -> file2 -> ... -> env
// Later files override earlier files. CLI flags are applied afterwards by ApplyFlagOverrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		// Unmarshal into config (merges with existing values, later values override)
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if port := os.Getenv("PORTALGUARD_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("PORTALGUARD_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if badgerPath := os.Getenv("PORTALGUARD_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	if level := os.Getenv("PORTALGUARD_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("PORTALGUARD_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	if loginURL := os.Getenv("PORTALGUARD_LOGIN_URL"); loginURL != "" {
		config.Portal.LoginURL = loginURL
	}
	if remote := os.Getenv("PORTALGUARD_BROWSER_REMOTE_URL"); remote != "" {
		config.Browser.RemoteURL = remote
	}
	if headless := os.Getenv("PORTALGUARD_BROWSER_HEADLESS"); headless != "" {
		if b, err := strconv.ParseBool(headless); err == nil {
			config.Browser.Headless = b
		}
	}
	if debug := os.Getenv("PORTALGUARD_MONITOR_DEBUG"); debug != "" {
		if b, err := strconv.ParseBool(debug); err == nil {
			config.Monitor.Debug = b
		}
	}

	// Standard OTEL variable wins over nothing, loses to an explicit config value
	if config.Telemetry.Endpoint == "" {
		config.Telemetry.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if config.Telemetry.Headers == "" {
		config.Telemetry.Headers = os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks that every duration and URL in the configuration parses
func (c *Config) Validate() error {
	durations := map[string]string{
		"portal.form_timeout":        c.Portal.FormTimeout,
		"broker.cooldown":            c.Broker.Cooldown,
		"broker.tab_lifetime":        c.Broker.TabLifetime,
		"broker.sweep_interval":      c.Broker.SweepInterval,
		"broker.stale_after":         c.Broker.StaleAfter,
		"monitor.min_login_interval": c.Monitor.MinLoginInterval,
		"monitor.in_flight_hold":     c.Monitor.InFlightHold,
		"monitor.debounce":           c.Monitor.Debounce,
		"monitor.link_poll_interval": c.Monitor.LinkPollInterval,
		"probe.timeout":              c.Probe.Timeout,
	}
	for name, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %q: %w", name, value, err)
		}
	}

	if _, err := cron.ParseStandard(c.Broker.KeepAlive); err != nil {
		return fmt.Errorf("invalid cron spec for broker.keep_alive: %q: %w", c.Broker.KeepAlive, err)
	}

	if c.Monitor.FailureThreshold < 1 {
		return fmt.Errorf("monitor.failure_threshold must be at least 1, got %d", c.Monitor.FailureThreshold)
	}

	u, err := url.Parse(c.Portal.LoginURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid portal.login_url %q", c.Portal.LoginURL)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}

	return nil
}

// ServerURL returns the base URL of the daemon API
func (c *Config) ServerURL() string {
	return fmt.Sprintf("http://%s:%d", c.Server.Host, c.Server.Port)
}

// PortalHost returns the host of the login URL, used for self-exclusion
func (c *Config) PortalHost() string {
	u, err := url.Parse(c.Portal.LoginURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// MustDuration parses a duration that Validate already accepted.
// Falls back to the given default when the value is empty or malformed.
func MustDuration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
