package config

import (
	"flag"
	"testing"
	"time"
)

func TestFromEnvAppliesOverrides(t *testing.T) {
	t.Setenv("CAPYDEPLOY_LISTEN", "127.0.0.1:9001")
	t.Setenv("CAPYDEPLOY_DISCOVERY_ENABLED", "false")
	t.Setenv("CAPYDEPLOY_TELEMETRY_INTERVAL", "5s")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Listen != "127.0.0.1:9001" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.DiscoveryEnabled {
		t.Error("expected DiscoveryEnabled = false")
	}
	if cfg.TelemetryInterval != 5*time.Second {
		t.Errorf("TelemetryInterval = %s", cfg.TelemetryInterval)
	}
}

func TestFromEnvRejectsBadDuration(t *testing.T) {
	t.Setenv("CAPYDEPLOY_WRITE_TIMEOUT", "not-a-duration")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected an error for an invalid duration")
	}
}

func TestRegisterFlagsOverridesEnvDefault(t *testing.T) {
	t.Setenv("CAPYDEPLOY_LISTEN", "127.0.0.1:9001")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	if err := fs.Parse([]string{"-listen", "0.0.0.0:1234"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Listen != "0.0.0.0:1234" {
		t.Errorf("Listen = %q, want flag override", cfg.Listen)
	}
}

func TestRegisterFlagsKeepsEnvValueWhenFlagNotGiven(t *testing.T) {
	t.Setenv("CAPYDEPLOY_AGENT_NAME", "My Deck")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.AgentName != "My Deck" {
		t.Errorf("AgentName = %q, want env value preserved", cfg.AgentName)
	}
}
