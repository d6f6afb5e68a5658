// mock-rig emulates the HEPiC extrusion rig on the loopback interface so the
// communications core can be exercised without hardware. It serves a
// Moonraker-compatible API on one port and a synthetic telemetry stream on
// another, and slowly ramps the virtual hotend toward its target.
//
// Usage:
//
//	mock-rig [options]
//
// Options:
//
//	-moonraker-port int  Moonraker API port (default 7125)
//	-data-port int       Telemetry stream port (default 10001)
//	-rate duration       Telemetry sample period (default 100ms)
//	-log-level string    DEBUG, INFO, WARN or ERROR (default INFO)
//
// Copyright (C) 2026  HEPiC Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ZLoverty/HEPiC/pkg/log"
	"github.com/ZLoverty/HEPiC/pkg/mock"
)

func main() {
	moonrakerPort := flag.Int("moonraker-port", 7125, "Moonraker API port")
	dataPort := flag.Int("data-port", 10001, "Telemetry stream port")
	rate := flag.Duration("rate", 100*time.Millisecond, "Telemetry sample period")
	logLevel := flag.String("log-level", "INFO", "Log level: DEBUG, INFO, WARN, ERROR")
	flag.Parse()

	log.GetLogger("").SetLevel(log.ParseLevel(*logLevel))
	logger := log.GetLogger("mock-rig")

	moonraker := mock.NewMoonrakerServer()
	moonraker.BroadcastInterval = time.Second
	moonraker.Start()
	defer moonraker.Stop()

	go func() {
		addr := fmt.Sprintf(":%d", *moonrakerPort)
		logger.Info("moonraker API on %s", addr)
		if err := http.ListenAndServe(addr, moonraker.Handler()); err != nil {
			logger.Error("moonraker server failed: %v", err)
			os.Exit(1)
		}
	}()

	source := mock.NewTelemetrySource()
	source.Interval = *rate
	if err := source.Start(fmt.Sprintf(":%d", *dataPort)); err != nil {
		logger.Error("telemetry source failed: %v", err)
		os.Exit(1)
	}
	defer source.Stop()

	// Virtual thermal plant: first-order lag toward the commanded target.
	go func() {
		const ambient = 25.0
		temp := ambient
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for range ticker.C {
			target := ambient
			for _, script := range moonraker.Scripts() {
				var t float64
				if _, err := fmt.Sscanf(script, "M104 S%f", &t); err == nil {
					target = t
				}
			}
			temp += (target - temp) * 0.2
			moonraker.SetObjectField("extruder", "temperature", temp)
			moonraker.SetObjectField("extruder", "target", target)
		}
	}()

	logger.Info("mock rig ready, press Ctrl+C to stop")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("mock rig stopped")
}
