// hepic-comms is the communications core for the HEPiC extrusion test rig.
// It verifies the rig is reachable, then maintains two independent sessions:
// a newline-JSON TCP stream for sensor telemetry and a JSON-RPC WebSocket
// session against Moonraker for machine control, and prints everything both
// report.
//
// Usage:
//
//	hepic-comms [options]
//
// Options:
//
//	-config string     YAML configuration file (optional)
//	-host string       Rig address, overrides the config file
//	-log-level string  DEBUG, INFO, WARN or ERROR (default INFO)
//	-logfile string    Rotating log file path (default: stderr)
//	-skip-check        Skip the pre-flight diagnostic
//	-metrics string    Serve Prometheus metrics on this address
//
// Examples:
//
//	# Connect to a rig on the local network
//	hepic-comms -host 192.168.1.50
//
//	# Full configuration from file, debug logging
//	hepic-comms -config rig.yaml -log-level DEBUG
//
// Copyright (C) 2026  HEPiC Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ZLoverty/HEPiC/pkg/config"
	"github.com/ZLoverty/HEPiC/pkg/conntest"
	"github.com/ZLoverty/HEPiC/pkg/control"
	"github.com/ZLoverty/HEPiC/pkg/log"
	"github.com/ZLoverty/HEPiC/pkg/metrics"
	"github.com/ZLoverty/HEPiC/pkg/telemetry"
)

func main() {
	configFile := flag.String("config", "", "YAML configuration file")
	host := flag.String("host", "", "Rig address (overrides config)")
	logLevel := flag.String("log-level", "", "Log level: DEBUG, INFO, WARN, ERROR")
	logFile := flag.String("logfile", "", "Rotating log file path (default: stderr)")
	skipCheck := flag.Bool("skip-check", false, "Skip the pre-flight diagnostic")
	metricsAddr := flag.String("metrics", "", "Serve Prometheus metrics on this address (e.g. :9100)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFile != "" {
		cfg.Log.File = *logFile
	}

	// Logging must be settled before any client derives its logger.
	root := log.GetLogger("")
	root.SetLevel(log.ParseLevel(cfg.Log.Level))
	if cfg.Log.File != "" {
		out := log.FileOutput(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups)
		defer out.Close()
		root.SetWriter(out)
		root.SetColorize(false)
	}
	logger := log.GetLogger("main")

	logger.Info("HEPiC communications core starting, rig at %s", cfg.Host)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	if !*skipCheck {
		tester := conntest.New(cfg.Host, cfg.Telemetry.Port, cfg.Control.Port, func(msg string) {
			fmt.Println(msg)
		})
		checkCtx, checkCancel := context.WithTimeout(ctx, 30*time.Second)
		err := tester.Run(checkCtx)
		checkCancel()
		if err != nil {
			logger.Error("pre-flight diagnostic failed: %v", err)
			os.Exit(1)
		}
	}

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Default().Handler())
		go func() {
			logger.Info("metrics on %s/metrics", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Error("metrics server failed: %v", err)
			}
		}()
	}

	tele := telemetry.New(telemetry.Config{
		Host:            cfg.Host,
		Port:            cfg.Telemetry.Port,
		DialTimeout:     time.Duration(cfg.Telemetry.DialTimeoutSec) * time.Second,
		WindowSize:      cfg.Telemetry.WindowSize,
		StepsPerRev:     cfg.Telemetry.StepsPerRev,
		WheelDiameterMM: cfg.Telemetry.WheelDiameterMM,
		QueueSize:       cfg.Telemetry.QueueSize,
		ReconnectSteps:  cfg.Telemetry.ReconnectSteps,
		ReconnectStep:   time.Duration(cfg.Telemetry.ReconnectStepSec) * time.Second,
	})
	ctrl := control.New(control.Config{
		Host:           cfg.Host,
		Port:           cfg.Control.Port,
		DialTimeout:    time.Duration(cfg.Control.DialTimeoutSec) * time.Second,
		ReconnectDelay: time.Duration(cfg.Control.ReconnectDelaySec) * time.Second,
		QueueSize:      cfg.Control.QueueSize,
		QueryInterval:  time.Duration(cfg.Control.QueryIntervalSec) * time.Second,
		Subscriptions:  cfg.Control.Subscriptions,
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		tele.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		ctrl.Run(ctx)
	}()

	// Event pump: surface everything both sessions report. The periodic
	// snapshot line is the rig operator's heartbeat.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

pump:
	for {
		select {
		case ev := <-tele.StatusEvents():
			logger.Info("telemetry: %s", ev.Message)
		case ev := <-ctrl.StatusEvents():
			logger.Info("control: %s", ev.Message)
		case ev := <-ctrl.Errors():
			logger.Error("controller error %d: %s", ev.Code, ev.Message)
		case resp := <-ctrl.Responses():
			logger.Info("gcode: %s", resp)
		case <-ticker.C:
			s := tele.Sample()
			st := ctrl.Status()
			logger.WithFields(log.INFO, log.Fields{
				"force_n":     fmt.Sprintf("%.2f", s.ExtrusionForce),
				"filament_mm": fmt.Sprintf("%.2f", s.MeterCount),
				"vel_mm_s":    fmt.Sprintf("%.2f", s.FilamentVelocity),
				"hotend_c":    fmt.Sprintf("%.1f", st.HotendTemperature),
				"state":       st.PrintState,
				"line":        st.CurrentLine,
			}, "snapshot")
		case <-ctx.Done():
			break pump
		}
	}

	tele.Stop()
	ctrl.Stop()
	wg.Wait()
	logger.Info("HEPiC communications core stopped")
}
