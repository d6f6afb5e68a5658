// Configuration loading for the HEPiC communications core
//
// All tunables the clients need (hosts, ports, reconnect delays, queue
// sizes, encoder geometry) live in one YAML file. Client constructors take
// explicit config structs; nothing reads ambient globals.
//
// Copyright (C) 2026  HEPiC Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config is the root configuration.
type Config struct {
	// Host is the single-board computer running the data server and Moonraker.
	Host string `yaml:"host"`

	Telemetry TelemetryConfig `yaml:"telemetry"`
	Control   ControlConfig   `yaml:"control"`
	Log       LogConfig       `yaml:"log"`
}

// TelemetryConfig configures the sensor stream client.
type TelemetryConfig struct {
	// Port of the newline-JSON data server.
	Port int `yaml:"port"`

	// DialTimeoutSec bounds the TCP connect attempt.
	DialTimeoutSec int `yaml:"dial_timeout_sec"`

	// WindowSize is the velocity window capacity in samples.
	WindowSize int `yaml:"window_size"`

	// StepsPerRev is the rotary encoder resolution.
	StepsPerRev int `yaml:"steps_per_rev"`

	// WheelDiameterMM is the measuring wheel diameter in millimeters.
	WheelDiameterMM float64 `yaml:"wheel_diameter_mm"`

	// QueueSize bounds the reader-to-processor queue.
	QueueSize int `yaml:"queue_size"`

	// ReconnectSteps and ReconnectStepSec shape the countdown backoff.
	ReconnectSteps   int `yaml:"reconnect_steps"`
	ReconnectStepSec int `yaml:"reconnect_step_sec"`
}

// ControlConfig configures the Moonraker session client.
type ControlConfig struct {
	// Port of the Moonraker WebSocket/HTTP API.
	Port int `yaml:"port"`

	// DialTimeoutSec bounds the WebSocket connect attempt.
	DialTimeoutSec int `yaml:"dial_timeout_sec"`

	// ReconnectDelaySec is the single fixed pause between reconnect attempts.
	ReconnectDelaySec int `yaml:"reconnect_delay_sec"`

	// QueueSize bounds the shared message queue.
	QueueSize int `yaml:"queue_size"`

	// QueryIntervalSec is the period of the status poll task.
	QueryIntervalSec int `yaml:"query_interval_sec"`

	// Subscriptions lists the printer objects to watch.
	Subscriptions []string `yaml:"subscriptions"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Default returns the configuration matching the standard bench deployment.
func Default() *Config {
	return &Config{
		Host: "127.0.0.1",
		Telemetry: TelemetryConfig{
			Port:             10001,
			DialTimeoutSec:   2,
			WindowSize:       100,
			StepsPerRev:      1000,
			WheelDiameterMM:  28.6,
			QueueSize:        128,
			ReconnectSteps:   3,
			ReconnectStepSec: 1,
		},
		Control: ControlConfig{
			Port:              7125,
			DialTimeoutSec:    2,
			ReconnectDelaySec: 3,
			QueueSize:         64,
			QueryIntervalSec:  1,
			Subscriptions: []string{
				"extruder",
				"print_stats",
				"motion_report",
				"toolhead",
				"virtual_sdcard",
			},
		},
		Log: LogConfig{
			Level: "INFO",
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the clients cannot run with.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("config: host must not be empty")
	}
	if c.Telemetry.Port <= 0 || c.Telemetry.Port > 65535 {
		return fmt.Errorf("config: telemetry.port %d out of range", c.Telemetry.Port)
	}
	if c.Control.Port <= 0 || c.Control.Port > 65535 {
		return fmt.Errorf("config: control.port %d out of range", c.Control.Port)
	}
	if c.Telemetry.WindowSize < 2 {
		return fmt.Errorf("config: telemetry.window_size must be >= 2")
	}
	if c.Telemetry.StepsPerRev <= 0 {
		return fmt.Errorf("config: telemetry.steps_per_rev must be positive")
	}
	if c.Telemetry.WheelDiameterMM <= 0 {
		return fmt.Errorf("config: telemetry.wheel_diameter_mm must be positive")
	}
	if len(c.Control.Subscriptions) == 0 {
		return fmt.Errorf("config: control.subscriptions must not be empty")
	}
	return nil
}
