// Mock telemetry data source
//
// Emulates the rig's acquisition MCU: a TCP listener that waits for the
// "start" handshake line and then streams newline-delimited JSON samples.
// The default signal is a slow force sinusoid over a monotonically rising
// meter count, enough to light up every downstream surface.
package mock

import (
	"bufio"
	"encoding/json"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ZLoverty/HEPiC/pkg/log"
)

// TelemetrySample is one emitted reading.
type TelemetrySample struct {
	ExtrusionForce float64 `json:"extrusion_force"`
	MeterCount     float64 `json:"meter_count"`
}

// TelemetrySource streams synthetic sensor samples to each client that
// completes the handshake.
type TelemetrySource struct {
	// Interval between samples (default 100ms).
	Interval time.Duration

	// Signal produces the sample for elapsed time t since the stream
	// began. The default is a 10N-centered sinusoid and a 5000-steps/s
	// rising count.
	Signal func(t time.Duration) TelemetrySample

	logger *log.Logger

	mu      sync.Mutex
	ln      net.Listener
	conns   map[net.Conn]struct{}
	stopped bool
}

// NewTelemetrySource creates a source with the default signal.
func NewTelemetrySource() *TelemetrySource {
	return &TelemetrySource{
		Interval: 100 * time.Millisecond,
		Signal: func(t time.Duration) TelemetrySample {
			sec := t.Seconds()
			return TelemetrySample{
				ExtrusionForce: 10 + 5*math.Sin(sec/3),
				MeterCount:     5000 * sec,
			}
		},
		logger: log.GetLogger("mock-telemetry"),
		conns:  make(map[net.Conn]struct{}),
	}
}

// Start listens on addr ("host:port"; port 0 picks a free one) and begins
// accepting clients.
func (s *TelemetrySource) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.logger.Info("telemetry source listening on %s", ln.Addr())

	go s.acceptLoop(ln)
	return nil
}

// Addr returns the bound listener address.
func (s *TelemetrySource) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop closes the listener and every live stream.
func (s *TelemetrySource) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.ln != nil {
		s.ln.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.conns = make(map[net.Conn]struct{})
	s.mu.Unlock()
}

func (s *TelemetrySource) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.serve(conn)
	}
}

func (s *TelemetrySource) serve(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	// The stream is gated on the handshake so a half-configured client
	// never sees data.
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil || strings.TrimSpace(line) != "start" {
		s.logger.Warn("client %s failed handshake", conn.RemoteAddr())
		return
	}
	s.logger.Info("client %s streaming", conn.RemoteAddr())

	begin := time.Now()
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	enc := json.NewEncoder(conn)

	for range ticker.C {
		conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if err := enc.Encode(s.Signal(time.Since(begin))); err != nil {
			s.logger.Debug("client %s gone: %v", conn.RemoteAddr(), err)
			return
		}
	}
}
