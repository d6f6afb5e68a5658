// Telemetry stream client for the extrusion rig's data server
//
// The rig pushes one JSON object per line over a plain TCP socket after the
// client sends a literal "start" line. Each object optionally carries an
// extrusion force reading and/or a filament meter count; absent keys mean
// "no new value this tick". The client keeps the connection alive across
// peer reboots with a short countdown backoff, derives a calibrated meter
// count in millimeters from the raw encoder value, and computes filament
// velocity over a sliding window.
//
// Copyright (C) 2026  HEPiC Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ZLoverty/HEPiC/pkg/errors"
	"github.com/ZLoverty/HEPiC/pkg/log"
	"github.com/ZLoverty/HEPiC/pkg/metrics"
)

// State is the connection state of the client.
type State int

const (
	// Idle: Run has not been called yet.
	Idle State = iota
	// Connecting: dialing or counting down to the next attempt.
	Connecting
	// Streaming: start line sent, both loops running.
	Streaming
	// Disconnected: a session ended and a reconnect is pending.
	Disconnected
	// Stopped: Stop was called; the client will not reconnect.
	Stopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Disconnected:
		return "disconnected"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Sample is the published telemetry snapshot. Force and meter count are the
// raw values minus their calibration offsets; MeterCount is additionally
// converted from encoder steps to millimeters. Values are NaN until the
// first reading arrives.
type Sample struct {
	ExtrusionForceRaw float64
	ExtrusionForce    float64
	MeterCountRaw     float64
	MeterCount        float64
	FilamentVelocity  float64
}

// StatusEvent reports a state transition with a human-readable message.
type StatusEvent struct {
	State   State
	Message string
}

// Config holds the explicit construction parameters; zero values take the
// defaults below.
type Config struct {
	Host string
	Port int

	// DialTimeout bounds each connect attempt (default 2s).
	DialTimeout time.Duration

	// StartWord is the handshake line that arms the stream (default "start").
	StartWord string

	// WindowSize is the velocity window capacity in samples (default 100).
	WindowSize int

	// StepsPerRev is the rotary encoder resolution (default 1000).
	StepsPerRev int

	// WheelDiameterMM is the measuring wheel diameter (default 28.6).
	WheelDiameterMM float64

	// QueueSize bounds the reader-to-processor queue (default 128).
	QueueSize int

	// ReconnectSteps countdown messages of ReconnectStep each between
	// attempts (defaults 3 x 1s).
	ReconnectSteps int
	ReconnectStep  time.Duration

	Logger *log.Logger
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.StartWord == "" {
		c.StartWord = "start"
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 100
	}
	if c.StepsPerRev <= 0 {
		c.StepsPerRev = 1000
	}
	if c.WheelDiameterMM <= 0 {
		c.WheelDiameterMM = 28.6
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.ReconnectSteps <= 0 {
		c.ReconnectSteps = 3
	}
	if c.ReconnectStep <= 0 {
		c.ReconnectStep = time.Second
	}
	if c.Logger == nil {
		c.Logger = log.GetLogger("telemetry")
	}
}

// Client maintains the reconnecting telemetry stream. Create with New, drive
// with Run, and stop with Stop. Published fields are written only by the
// processor loop; external callers read snapshots or invoke the Zero
// operations.
type Client struct {
	cfg    Config
	logger *log.Logger

	mu          sync.Mutex
	state       State
	sample      Sample
	forceOffset float64
	countOffset float64
	window      *velocityWindow

	statusCh chan StatusEvent
	sampleCh chan Sample

	connMu sync.Mutex
	conn   net.Conn

	stopOnce sync.Once
	stopCh   chan struct{}

	now func() time.Time
}

// New creates a telemetry client. Run must be called to start it.
func New(cfg Config) *Client {
	cfg.applyDefaults()
	c := &Client{
		cfg:    cfg,
		logger: cfg.Logger,
		sample: Sample{
			ExtrusionForceRaw: math.NaN(),
			ExtrusionForce:    math.NaN(),
			MeterCountRaw:     math.NaN(),
			MeterCount:        math.NaN(),
			FilamentVelocity:  math.NaN(),
		},
		window:   newVelocityWindow(cfg.WindowSize),
		statusCh: make(chan StatusEvent, 64),
		sampleCh: make(chan Sample, 64),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
	return c
}

// StatusEvents returns the status event channel. Events are dropped, not
// blocked on, when the consumer falls behind.
func (c *Client) StatusEvents() <-chan StatusEvent {
	return c.statusCh
}

// Samples returns the decoded sample channel. The latest snapshot is always
// available from Sample even when channel events are dropped.
func (c *Client) Samples() <-chan Sample {
	return c.sampleCh
}

// Sample returns a copy of the current published telemetry values.
func (c *Client) Sample() Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sample
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	c.mu.Lock()
	if c.state == Stopped && s != Stopped {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.logger.Info("%s", msg)
	select {
	case c.statusCh <- StatusEvent{State: s, Message: msg}:
	default:
		c.logger.Debug("status channel full, dropping event")
	}
}

func (c *Client) stopped() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// Run drives the connect/stream/reconnect loop until Stop is called or ctx
// is cancelled. It blocks; start it on its own goroutine.
func (c *Client) Run(ctx context.Context) {
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))

	for {
		if c.stopped() || ctx.Err() != nil {
			c.setState(Stopped, "telemetry client stopped")
			return
		}

		c.setState(Connecting, "connecting to data server %s ...", addr)
		d := net.Dialer{Timeout: c.cfg.DialTimeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			cerr := errors.Classify(err)
			c.logger.Warn("dial failed: %v", cerr)
			c.setState(Disconnected, "data server unreachable: %v", cerr)
			if !c.backoff(ctx) {
				c.setState(Stopped, "telemetry client stopped")
				return
			}
			continue
		}

		err = c.runSession(ctx, conn)
		if c.stopped() || ctx.Err() != nil {
			c.setState(Stopped, "telemetry client stopped")
			return
		}
		c.setState(Disconnected, "data stream lost: %v", err)
		if !c.backoff(ctx) {
			c.setState(Stopped, "telemetry client stopped")
			return
		}
	}
}

// backoff emits one countdown status per step. Returns false if stopped or
// cancelled during the wait.
func (c *Client) backoff(ctx context.Context) bool {
	metrics.TelemetryReconnects.Inc()
	for i := c.cfg.ReconnectSteps; i >= 1; i-- {
		c.setState(Connecting, "reconnecting in %ds ...",
			i*int(c.cfg.ReconnectStep/time.Second))
		select {
		case <-time.After(c.cfg.ReconnectStep):
		case <-c.stopCh:
			return false
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// runSession owns one connection: sends the start line, then runs the reader
// and processor loops until either exits. Always closes conn.
func (c *Client) runSession(ctx context.Context, conn net.Conn) error {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		conn.Close()
	}()

	// The wire protocol requires an explicit start signal before the peer
	// begins streaming. A failed write here poisons the whole session.
	conn.SetWriteDeadline(c.now().Add(c.cfg.DialTimeout))
	if _, err := conn.Write([]byte(c.cfg.StartWord + "\n")); err != nil {
		return errors.Wrap(err, errors.ErrHandshake, "start line write failed")
	}
	conn.SetWriteDeadline(time.Time{})

	c.setState(Streaming, "data server connected, streaming")

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Close the socket when the session is torn down so a blocked read
	// unblocks promptly.
	go func() {
		select {
		case <-sctx.Done():
		case <-c.stopCh:
		}
		conn.Close()
	}()

	queue := make(chan map[string]any, c.cfg.QueueSize)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.processLoop(sctx, queue)
	}()

	err := c.readLoop(sctx, conn, queue)
	cancel()
	wg.Wait()
	return err
}

// readLoop reads newline-delimited JSON from the socket and enqueues decoded
// objects. Malformed lines are dropped and logged; a full queue drops the
// newest object rather than stalling the socket read.
func (c *Client) readLoop(ctx context.Context, conn net.Conn, queue chan<- map[string]any) error {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 256*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal(line, &obj); err != nil {
			c.logger.Warn("dropping malformed sample line: %v", err)
			metrics.TelemetryDrops.Inc()
			continue
		}
		select {
		case queue <- obj:
		case <-ctx.Done():
			return ctx.Err()
		default:
			c.logger.Warn("sample queue full, dropping sample")
			metrics.TelemetryDrops.Inc()
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Classify(err)
	}
	return errors.New(errors.ErrConnClosed, "peer closed the data stream")
}

// processLoop consumes decoded objects and updates the published sample.
// This goroutine is the sole writer of the sample fields.
func (c *Client) processLoop(ctx context.Context, queue <-chan map[string]any) {
	for {
		select {
		case obj := <-queue:
			c.process(obj)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) process(obj map[string]any) {
	c.mu.Lock()

	// Key presence decides whether a reading arrived; a literal zero is a
	// valid sensor value.
	if v, ok := numberField(obj, "extrusion_force"); ok {
		c.sample.ExtrusionForceRaw = v
		c.sample.ExtrusionForce = v - c.forceOffset
	}
	if v, ok := numberField(obj, "meter_count"); ok {
		c.sample.MeterCountRaw = v
		mm := (v - c.countOffset) / float64(c.cfg.StepsPerRev) * math.Pi * c.cfg.WheelDiameterMM
		c.sample.MeterCount = mm
		c.window.push(mm, c.now())
		c.sample.FilamentVelocity = c.window.velocity()
	}
	snapshot := c.sample
	c.mu.Unlock()

	metrics.TelemetrySamples.Inc()
	metrics.ExtrusionForce.Set(snapshot.ExtrusionForce)
	metrics.FilamentVelocity.Set(snapshot.FilamentVelocity)

	select {
	case c.sampleCh <- snapshot:
	default:
		// Consumer is behind; it can still read Sample().
	}
}

func numberField(obj map[string]any, key string) (float64, bool) {
	v, ok := obj[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// ZeroForce captures the current raw force reading as the new calibration
// offset. A warning no-op when no sample has been received yet.
func (c *Client) ZeroForce() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if math.IsNaN(c.sample.ExtrusionForceRaw) {
		c.logger.Warn("cannot zero extrusion force: no reading yet")
		return
	}
	c.forceOffset = c.sample.ExtrusionForceRaw
	c.sample.ExtrusionForce = 0
	c.logger.Info("extrusion force zeroed at raw value %.4f", c.forceOffset)
}

// ZeroMeterCount captures the current raw meter count as the new calibration
// offset. A warning no-op when no sample has been received yet.
func (c *Client) ZeroMeterCount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if math.IsNaN(c.sample.MeterCountRaw) {
		c.logger.Warn("cannot zero meter count: no reading yet")
		return
	}
	c.countOffset = c.sample.MeterCountRaw
	c.sample.MeterCount = 0
	c.logger.Info("meter count zeroed at raw value %.4f", c.countOffset)
}

// Stop flips the client to Stopped, cancels both loops, and closes the
// socket. Idempotent; safe to call before Run or more than once.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.connMu.Unlock()
		c.setState(Stopped, "telemetry client stopping")
	})
}
