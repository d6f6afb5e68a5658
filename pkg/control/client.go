// Moonraker session client for the extrusion rig's motion/heater controller
//
// Maintains a JSON-RPC session over a persistent WebSocket: subscribes to
// printer object status on connect, dispatches G-code scripts and the
// emergency stop, correlates responses by request id, and republishes the
// telemetry embedded in status notifications. The client's own outbound
// requests round-trip through the same message queue the listener feeds, so
// ordering between commands and inbound traffic is preserved end to end.
//
// Copyright (C) 2026  HEPiC Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package control

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ZLoverty/HEPiC/pkg/errors"
	"github.com/ZLoverty/HEPiC/pkg/gcodemap"
	"github.com/ZLoverty/HEPiC/pkg/log"
	"github.com/ZLoverty/HEPiC/pkg/metrics"
	"github.com/ZLoverty/HEPiC/pkg/rpc"
)

// State is the connection state of the client.
type State int

const (
	// Idle: Run has not been called yet.
	Idle State = iota
	// Connecting: dialing or waiting out the reconnect delay.
	Connecting
	// Subscribing: socket open, subscribe request in flight.
	Subscribing
	// Active: subscribed, both loops running.
	Active
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
	case Subscribing:
		return "subscribing"
	case Active:
		return "active"
	case Disconnected:
		return "disconnected"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Fixed request ids. Each method the client originates has its own id, so a
// Result or ErrorResponse maps back to the operation that caused it.
const (
	idEmergencyStop  = 0
	idSubscribe      = 1
	idQuery          = 2
	idScript         = 3
	idSetTemperature = 104
)

// Status is the published machine state snapshot. Temperatures are NaN until
// the first reading arrives; fields absent from an update keep their prior
// value, they are never reset.
type Status struct {
	HotendTemperature float64
	TargetTemperature float64
	FeedrateMMS       float64
	Progress          float64
	FilePosition      int
	CurrentLine       int
	PrintState        string
}

// StatusEvent reports a state transition with a human-readable message.
type StatusEvent struct {
	State   State
	Message string
}

// ErrorEvent is a protocol-level error reported by the peer. Code is zero
// for G-code error strings that arrive without a numeric code.
type ErrorEvent struct {
	Code    int
	Message string
}

// Config holds the explicit construction parameters; zero values take the
// defaults below.
type Config struct {
	Host string
	Port int

	// DialTimeout bounds each WebSocket connect attempt (default 2s).
	DialTimeout time.Duration

	// ReconnectDelay is the single fixed pause between attempts (default 3s).
	// Command loss during a short outage is costlier to mask than telemetry
	// loss, so there is no countdown here.
	ReconnectDelay time.Duration

	// QueueSize bounds the shared message queue (default 64).
	QueueSize int

	// QueryInterval is the period of the status poll task (default 1s).
	QueryInterval time.Duration

	// Subscriptions lists the printer objects to watch (default: extruder,
	// print_stats, motion_report, toolhead, virtual_sdcard).
	Subscriptions []string

	// UploadBase overrides the base URL for the out-of-band file upload
	// (default "http://<host>", the Moonraker front-door).
	UploadBase string

	Logger *log.Logger
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 3 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.QueryInterval <= 0 {
		c.QueryInterval = time.Second
	}
	if len(c.Subscriptions) == 0 {
		c.Subscriptions = []string{
			"extruder", "print_stats", "motion_report", "toolhead", "virtual_sdcard",
		}
	}
	if c.UploadBase == "" {
		c.UploadBase = "http://" + c.Host
	}
	if c.Logger == nil {
		c.Logger = log.GetLogger("control")
	}
}

// Client maintains the reconnecting Moonraker session. The dispatcher loop
// is the single writer of the published Status; external callers read
// snapshots and enqueue commands.
type Client struct {
	cfg    Config
	logger *log.Logger

	mu     sync.Mutex
	state  State
	status Status
	mapper *gcodemap.Mapper

	// queue carries both inbound frames from the listener and the client's
	// own outbound requests; the dispatcher is its sole consumer.
	queue chan rpc.Message

	statusCh   chan StatusEvent
	errorCh    chan ErrorEvent
	responseCh chan string

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{}

	httpClient *http.Client
}

// New creates a control client. Run must be called to start it.
func New(cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:    cfg,
		logger: cfg.Logger,
		status: Status{
			HotendTemperature: math.NaN(),
			TargetTemperature: math.NaN(),
		},
		queue:      make(chan rpc.Message, cfg.QueueSize),
		statusCh:   make(chan StatusEvent, 64),
		errorCh:    make(chan ErrorEvent, 64),
		responseCh: make(chan string, 64),
		stopCh:     make(chan struct{}),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// StatusEvents returns the status event channel. Events are dropped, not
// blocked on, when the consumer falls behind.
func (c *Client) StatusEvents() <-chan StatusEvent {
	return c.statusCh
}

// Errors returns the protocol error channel.
func (c *Client) Errors() <-chan ErrorEvent {
	return c.errorCh
}

// Responses returns the G-code response/echo channel.
func (c *Client) Responses() <-chan string {
	return c.responseCh
}

// Status returns a copy of the current published machine state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
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

func (c *Client) emitError(ev ErrorEvent) {
	c.logger.Error("remote error %d: %s", ev.Code, ev.Message)
	metrics.ControlRemoteErrors.Inc()
	select {
	case c.errorCh <- ev:
	default:
		c.logger.Debug("error channel full, dropping event")
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

// enqueue adds a message to the shared queue, dropping the newest item with
// a log entry if the dispatcher cannot keep up.
func (c *Client) enqueue(msg rpc.Message) {
	select {
	case c.queue <- msg:
	default:
		c.logger.Warn("message queue full, dropping %T", msg)
	}
}

// Run drives the connect/subscribe/dispatch/reconnect loop until Stop is
// called or ctx is cancelled. It blocks; start it on its own goroutine.
func (c *Client) Run(ctx context.Context) {
	uri := fmt.Sprintf("ws://%s/websocket", net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port)))

	for {
		if c.stopped() || ctx.Err() != nil {
			c.setState(Stopped, "control client stopped")
			return
		}

		c.setState(Connecting, "connecting to Moonraker %s ...", uri)
		dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
		conn, _, err := dialer.DialContext(ctx, uri, nil)
		if err != nil {
			cerr := errors.Classify(err)
			c.logger.Warn("dial failed: %v", cerr)
			c.setState(Disconnected, "Moonraker unreachable: %v", cerr)
			if !c.delay(ctx) {
				c.setState(Stopped, "control client stopped")
				return
			}
			continue
		}

		err = c.runSession(ctx, conn)
		if c.stopped() || ctx.Err() != nil {
			c.setState(Stopped, "control client stopped")
			return
		}
		c.setState(Disconnected, "Moonraker session lost: %v, reconnecting in %s", err, c.cfg.ReconnectDelay)
		if !c.delay(ctx) {
			c.setState(Stopped, "control client stopped")
			return
		}
	}
}

// delay waits the fixed reconnect pause. Returns false if stopped or
// cancelled during the wait.
func (c *Client) delay(ctx context.Context) bool {
	metrics.ControlReconnects.Inc()
	select {
	case <-time.After(c.cfg.ReconnectDelay):
		return true
	case <-c.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// runSession owns one connection: performs the subscribe handshake, then
// runs the listener, dispatcher and poll loops until the socket dies.
func (c *Client) runSession(ctx context.Context, conn *websocket.Conn) error {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		conn.Close()
	}()

	// Stale commands queued while disconnected would fire at an unknown
	// machine state; drop them before subscribing.
	c.drainQueue()

	c.setState(Subscribing, "subscribing to printer objects")
	if err := c.writeMessage(conn, c.subscribeRequest()); err != nil {
		return errors.Wrap(err, errors.ErrHandshake, "subscribe request failed")
	}
	c.setState(Active, "Moonraker connected")

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

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.dispatchLoop(sctx, conn)
	}()
	go func() {
		defer wg.Done()
		c.pollLoop(sctx)
	}()

	err := c.listenLoop(sctx, conn)
	cancel()
	wg.Wait()
	return err
}

func (c *Client) drainQueue() {
	for {
		select {
		case <-c.queue:
		default:
			return
		}
	}
}

func (c *Client) subscribeRequest() rpc.Request {
	objects := make(map[string]any, len(c.cfg.Subscriptions))
	for _, name := range c.cfg.Subscriptions {
		objects[name] = nil
	}
	return rpc.Request{
		ID:     idSubscribe,
		Method: "printer.objects.subscribe",
		Params: map[string]any{"objects": objects},
	}
}

func (c *Client) queryRequest() rpc.Request {
	return rpc.Request{
		ID:     idQuery,
		Method: "printer.objects.query",
		Params: map[string]any{
			"objects": map[string]any{
				"extruder":       nil,
				"motion_report":  nil,
				"virtual_sdcard": nil,
			},
		},
	}
}

// listenLoop reads frames from the socket and enqueues decoded messages.
// Decode failures drop the frame; socket errors end the session.
func (c *Client) listenLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Classify(err)
		}
		msg, err := rpc.Decode(data)
		if err != nil {
			c.logger.Warn("dropping undecodable frame: %v", err)
			continue
		}
		c.enqueue(msg)
	}
}

// pollLoop periodically enqueues a one-shot status query so progress and
// feedrate stay fresh even when the subscription is quiet.
func (c *Client) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.QueryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.enqueue(c.queryRequest())
		case <-ctx.Done():
			return
		}
	}
}

// dispatchLoop consumes the shared queue. This goroutine is the single
// writer of the published Status fields.
func (c *Client) dispatchLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case msg := <-c.queue:
			c.dispatch(msg, conn)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) dispatch(msg rpc.Message, conn *websocket.Conn) {
	switch m := msg.(type) {
	case rpc.Request:
		// The client's own outbound intents loop back through the queue;
		// forward them to the socket. A failed write is reported but does
		// not kill the dispatcher, the listener notices the dead socket.
		switch m.Method {
		case "printer.gcode.script", "printer.objects.subscribe",
			"printer.objects.query", "printer.emergency_stop":
			if err := c.writeMessage(conn, m); err != nil {
				c.logger.Error("forwarding %s failed: %v", m.Method, err)
			} else if m.Method == "printer.gcode.script" {
				metrics.ControlScripts.Inc()
			}
		default:
			c.logger.Debug("ignoring queued request %s", m.Method)
		}

	case rpc.Notification:
		switch m.Method {
		case "notify_status_update":
			c.handleStatusUpdate(m.Params)
		case "notify_gcode_response":
			c.handleGcodeResponse(m.Params)
		case "notify_proc_stat_update":
			// High-rate host statistics, not interesting here.
		default:
			c.logger.Debug("ignoring notification %s", m.Method)
		}

	case rpc.ErrorResponse:
		c.emitError(ErrorEvent{Code: m.Code, Message: m.Message})

	case rpc.Result:
		if m.ID == idQuery || m.ID == idSubscribe {
			c.handleStatusResult(m.Result)
		} else {
			c.logger.Debug("result for request id %d", m.ID)
		}
	}
}

func (c *Client) writeMessage(conn *websocket.Conn, msg rpc.Message) error {
	data, err := rpc.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// SendScript enqueues one G-code script for dispatch as a single atomic
// unit; Moonraker executes the whole text as one script. A position mapper
// for the script is installed so later file-position reports translate back
// to source lines.
func (c *Client) SendScript(script string) {
	c.mu.Lock()
	c.mapper = gcodemap.New(script)
	c.mu.Unlock()

	c.enqueue(rpc.Request{
		ID:     idScript,
		Method: "printer.gcode.script",
		Params: map[string]any{"script": script},
	})
	c.logger.Debug("queued gcode script (%d bytes)", len(script))
}

// SetTemperature enqueues the M104 wrapper for the given hotend target.
func (c *Client) SetTemperature(target float64) {
	c.enqueue(rpc.Request{
		ID:     idSetTemperature,
		Method: "printer.gcode.script",
		Params: map[string]any{
			"script": fmt.Sprintf("M104 S%s", strconv.FormatFloat(target, 'f', -1, 64)),
		},
	})
	c.logger.Info("set hotend target to %.1f C", target)
}

// RestartFirmware enqueues the fixed firmware restart command.
func (c *Client) RestartFirmware() {
	c.enqueue(rpc.Request{
		ID:     idScript,
		Method: "printer.gcode.script",
		Params: map[string]any{"script": "FIRMWARE_RESTART"},
	})
	c.logger.Info("firmware restart requested")
}

// EmergencyStop writes the dedicated stop method straight to the socket,
// bypassing the command queue: it must go out even when the queue is backed
// up. Reported as an error if no session is up.
func (c *Client) EmergencyStop() {
	c.logger.Warn("sending emergency stop")

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		c.emitError(ErrorEvent{Message: "emergency stop failed: not connected"})
		return
	}
	err := c.writeMessage(conn, rpc.Request{
		ID:     idEmergencyStop,
		Method: "printer.emergency_stop",
	})
	if err != nil {
		c.emitError(ErrorEvent{Message: fmt.Sprintf("emergency stop failed: %v", err)})
	}
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
		c.setState(Stopped, "control client stopping")
	})
}
