// Session metrics for the communications core
//
// A small registry of counters and gauges exposed in Prometheus text format.
// The clients are the only writers; the registry exists so a bench operator
// can scrape drop and reconnect counts instead of grepping logs.
//
// Copyright (C) 2026  HEPiC Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Counter is a monotonically increasing value.
type Counter struct {
	name  string
	help  string
	value uint64
}

// Inc adds one to the counter.
func (c *Counter) Inc() {
	atomic.AddUint64(&c.value, 1)
}

// Add adds delta to the counter.
func (c *Counter) Add(delta uint64) {
	atomic.AddUint64(&c.value, delta)
}

// Value returns the current count.
func (c *Counter) Value() uint64 {
	return atomic.LoadUint64(&c.value)
}

func (c *Counter) write(sb *strings.Builder) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s counter\n%s %d\n",
		c.name, c.help, c.name, c.name, c.Value())
}

// Gauge is a value that moves in both directions. NaN readings are skipped
// on exposition; Prometheus has no use for them.
type Gauge struct {
	name string
	help string
	bits uint64
}

// Set replaces the gauge value.
func (g *Gauge) Set(v float64) {
	atomic.StoreUint64(&g.bits, math.Float64bits(v))
}

// Value returns the current gauge value.
func (g *Gauge) Value() float64 {
	return math.Float64frombits(atomic.LoadUint64(&g.bits))
}

func (g *Gauge) write(sb *strings.Builder) {
	v := g.Value()
	if math.IsNaN(v) {
		return
	}
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s gauge\n%s %s\n",
		g.name, g.help, g.name, g.name, strconv.FormatFloat(v, 'g', -1, 64))
}

type metric interface {
	write(sb *strings.Builder)
}

// Registry holds a fixed set of metrics and renders them for scraping.
type Registry struct {
	mu      sync.Mutex
	metrics []metric
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// NewCounter registers and returns a counter.
func (r *Registry) NewCounter(name, help string) *Counter {
	c := &Counter{name: name, help: help}
	r.mu.Lock()
	r.metrics = append(r.metrics, c)
	r.mu.Unlock()
	return c
}

// NewGauge registers and returns a gauge, initialized to NaN so an unset
// gauge never renders.
func (r *Registry) NewGauge(name, help string) *Gauge {
	g := &Gauge{name: name, help: help}
	g.Set(math.NaN())
	r.mu.Lock()
	r.metrics = append(r.metrics, g)
	r.mu.Unlock()
	return g
}

// Render returns the registry in Prometheus text exposition format.
func (r *Registry) Render() string {
	var sb strings.Builder
	r.mu.Lock()
	for _, m := range r.metrics {
		m.write(&sb)
	}
	r.mu.Unlock()
	return sb.String()
}

// Handler serves the registry over HTTP.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprint(w, r.Render())
	})
}

// The default registry and the fixed metric set the clients write to.
var (
	defaultRegistry = NewRegistry()

	// TelemetrySamples counts processed sensor samples.
	TelemetrySamples = defaultRegistry.NewCounter(
		"hepic_telemetry_samples_total", "Sensor samples processed")

	// TelemetryDrops counts frames discarded on decode failure or overflow.
	TelemetryDrops = defaultRegistry.NewCounter(
		"hepic_telemetry_drops_total", "Telemetry frames dropped")

	// TelemetryReconnects counts completed telemetry reconnect cycles.
	TelemetryReconnects = defaultRegistry.NewCounter(
		"hepic_telemetry_reconnects_total", "Telemetry stream reconnect attempts")

	// ControlScripts counts G-code scripts forwarded to the controller.
	ControlScripts = defaultRegistry.NewCounter(
		"hepic_control_scripts_total", "G-code scripts sent")

	// ControlStatusUpdates counts applied status notifications and results.
	ControlStatusUpdates = defaultRegistry.NewCounter(
		"hepic_control_status_updates_total", "Status updates applied")

	// ControlReconnects counts control session reconnect attempts.
	ControlReconnects = defaultRegistry.NewCounter(
		"hepic_control_reconnects_total", "Control session reconnect attempts")

	// ControlRemoteErrors counts error responses and error echoes.
	ControlRemoteErrors = defaultRegistry.NewCounter(
		"hepic_control_remote_errors_total", "Remote errors reported")

	// ExtrusionForce mirrors the latest calibrated force reading.
	ExtrusionForce = defaultRegistry.NewGauge(
		"hepic_extrusion_force_newtons", "Latest calibrated extrusion force")

	// FilamentVelocity mirrors the latest windowed velocity estimate.
	FilamentVelocity = defaultRegistry.NewGauge(
		"hepic_filament_velocity_mm_s", "Latest filament velocity estimate")

	// HotendTemperature mirrors the latest reported hotend temperature.
	HotendTemperature = defaultRegistry.NewGauge(
		"hepic_hotend_celsius", "Latest hotend temperature")
)

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}
