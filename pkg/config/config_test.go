package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Telemetry.Port != 10001 {
		t.Errorf("expected telemetry port 10001, got %d", cfg.Telemetry.Port)
	}
	if cfg.Control.Port != 7125 {
		t.Errorf("expected control port 7125, got %d", cfg.Control.Port)
	}
	if cfg.Telemetry.WindowSize != 100 {
		t.Errorf("expected window size 100, got %d", cfg.Telemetry.WindowSize)
	}
	if cfg.Telemetry.ReconnectSteps != 3 || cfg.Telemetry.ReconnectStepSec != 1 {
		t.Errorf("expected 3x1s telemetry backoff, got %dx%ds",
			cfg.Telemetry.ReconnectSteps, cfg.Telemetry.ReconnectStepSec)
	}
	if len(cfg.Control.Subscriptions) != 5 {
		t.Errorf("expected 5 default subscriptions, got %d", len(cfg.Control.Subscriptions))
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hepic.yaml")
	content := []byte(`
host: 192.168.1.50
telemetry:
  port: 10002
  wheel_diameter_mm: 30.0
control:
  reconnect_delay_sec: 5
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Host != "192.168.1.50" {
		t.Errorf("host not overridden: %q", cfg.Host)
	}
	if cfg.Telemetry.Port != 10002 {
		t.Errorf("telemetry port not overridden: %d", cfg.Telemetry.Port)
	}
	if cfg.Telemetry.WheelDiameterMM != 30.0 {
		t.Errorf("wheel diameter not overridden: %v", cfg.Telemetry.WheelDiameterMM)
	}
	if cfg.Control.ReconnectDelaySec != 5 {
		t.Errorf("reconnect delay not overridden: %d", cfg.Control.ReconnectDelaySec)
	}
	// Untouched values keep their defaults.
	if cfg.Control.Port != 7125 {
		t.Errorf("control port lost its default: %d", cfg.Control.Port)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") failed: %v", err)
	}
	if cfg.Host != Default().Host {
		t.Errorf("empty path should return defaults")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("does-not-exist.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.Host = "" },
		func(c *Config) { c.Telemetry.Port = 0 },
		func(c *Config) { c.Control.Port = 70000 },
		func(c *Config) { c.Telemetry.WindowSize = 1 },
		func(c *Config) { c.Telemetry.StepsPerRev = 0 },
		func(c *Config) { c.Telemetry.WheelDiameterMM = -1 },
		func(c *Config) { c.Control.Subscriptions = nil },
	}
	for i, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}
