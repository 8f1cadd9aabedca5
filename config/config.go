// Package config resolves the agent's runtime configuration from the
// environment and command-line flags, following
// cmd/flowersec-tunnel/main.go's env-fallback-then-flag idiom: every value
// is first seeded from CAPYDEPLOY_* environment variables via
// internal/cmdutil, then registered as a flag default so a flag always
// wins if given.
package config

import (
	"flag"
	"os"
	"path/filepath"
	"time"

	"github.com/capydeploy/agent/internal/cmdutil"
)

// Config is the full set of knobs cmd/capydeploy-agent needs to start the
// session server, the bulk transfer listener, and the background pumps.
type Config struct {
	Listen        string // control channel listen address, host:port or host:0
	MetricsListen string // Prometheus metrics listen address; empty disables it
	SettingsPath  string // path to the JSON-backed settings document

	AgentName string // display name advertised in agent_status/mDNS; empty uses hostname

	DiscoveryEnabled bool // whether to run the mDNS announcer

	// WriteTimeout is parsed and validated but not read by the agent:
	// sessions use a fixed 10s per-frame write deadline.
	WriteTimeout time.Duration

	// TelemetryInterval is parsed and validated but not read by the agent:
	// the telemetry pump takes its interval from the settings store.
	TelemetryInterval time.Duration
}

// DefaultConfig returns the agent's baseline configuration before env or
// flag overrides are applied.
func DefaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		Listen:            "0.0.0.0:0",
		MetricsListen:     "",
		SettingsPath:      filepath.Join(home, ".config", "capydeploy", "settings.json"),
		AgentName:         "",
		DiscoveryEnabled:  true,
		WriteTimeout:      10 * time.Second,
		TelemetryInterval: 2 * time.Second,
	}
}

// FromEnv overlays CAPYDEPLOY_* environment variables onto DefaultConfig's
// values. Parse errors on numeric/duration/bool env vars are returned so
// the caller can fail fast at startup rather than silently ignore a typo.
func FromEnv() (Config, error) {
	cfg := DefaultConfig()

	cfg.Listen = cmdutil.EnvString("CAPYDEPLOY_LISTEN", cfg.Listen)
	cfg.MetricsListen = cmdutil.EnvString("CAPYDEPLOY_METRICS_LISTEN", cfg.MetricsListen)
	cfg.SettingsPath = cmdutil.EnvString("CAPYDEPLOY_SETTINGS_PATH", cfg.SettingsPath)
	cfg.AgentName = cmdutil.EnvString("CAPYDEPLOY_AGENT_NAME", cfg.AgentName)

	discoveryEnabled, err := cmdutil.EnvBool("CAPYDEPLOY_DISCOVERY_ENABLED", cfg.DiscoveryEnabled)
	if err != nil {
		return cfg, err
	}
	cfg.DiscoveryEnabled = discoveryEnabled

	writeTimeout, err := cmdutil.EnvDuration("CAPYDEPLOY_WRITE_TIMEOUT", cfg.WriteTimeout)
	if err != nil {
		return cfg, err
	}
	cfg.WriteTimeout = writeTimeout

	telemetryInterval, err := cmdutil.EnvDuration("CAPYDEPLOY_TELEMETRY_INTERVAL", cfg.TelemetryInterval)
	if err != nil {
		return cfg, err
	}
	cfg.TelemetryInterval = telemetryInterval

	return cfg, nil
}

// RegisterFlags registers a flag for every field in cfg, using cfg's
// current values (normally the result of FromEnv) as the flag defaults, so
// precedence is env < flag.
func (cfg *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "control channel listen address (env: CAPYDEPLOY_LISTEN)")
	fs.StringVar(&cfg.MetricsListen, "metrics-listen", cfg.MetricsListen, "metrics listen address, empty disables (env: CAPYDEPLOY_METRICS_LISTEN)")
	fs.StringVar(&cfg.SettingsPath, "settings-path", cfg.SettingsPath, "path to the settings JSON document (env: CAPYDEPLOY_SETTINGS_PATH)")
	fs.StringVar(&cfg.AgentName, "agent-name", cfg.AgentName, "display name advertised to hubs (env: CAPYDEPLOY_AGENT_NAME)")
	fs.BoolVar(&cfg.DiscoveryEnabled, "discovery", cfg.DiscoveryEnabled, "advertise via mDNS (env: CAPYDEPLOY_DISCOVERY_ENABLED)")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "websocket write deadline; accepted but not applied (env: CAPYDEPLOY_WRITE_TIMEOUT)")
	fs.DurationVar(&cfg.TelemetryInterval, "telemetry-interval", cfg.TelemetryInterval, "telemetry sample interval; accepted but not applied (env: CAPYDEPLOY_TELEMETRY_INTERVAL)")
}
