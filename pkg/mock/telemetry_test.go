package mock

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"
)

func TestTelemetrySourceStreamsAfterHandshake(t *testing.T) {
	src := NewTelemetrySource()
	src.Interval = 10 * time.Millisecond
	if err := src.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	defer src.Stop()

	conn, err := net.DialTimeout("tcp", src.Addr().String(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("start\n")); err != nil {
		t.Fatal(err)
	}

	r := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var prev float64
	for i := 0; i < 3; i++ {
		line, err := r.ReadBytes('\n')
		if err != nil {
			t.Fatalf("read sample %d: %v", i, err)
		}
		var s TelemetrySample
		if err := json.Unmarshal(line, &s); err != nil {
			t.Fatalf("sample %d not JSON: %v (%s)", i, err, line)
		}
		if s.ExtrusionForce <= 0 {
			t.Errorf("sample %d force = %v, want positive", i, s.ExtrusionForce)
		}
		if s.MeterCount < prev {
			t.Errorf("meter count went backwards: %v -> %v", prev, s.MeterCount)
		}
		prev = s.MeterCount
	}
}

func TestTelemetrySourceRejectsBadHandshake(t *testing.T) {
	src := NewTelemetrySource()
	src.Interval = 10 * time.Millisecond
	if err := src.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	defer src.Stop()

	conn, err := net.DialTimeout("tcp", src.Addr().String(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello\n")); err != nil {
		t.Fatal(err)
	}

	// The source drops the connection instead of streaming.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	if n, err := conn.Read(buf); err == nil {
		t.Fatalf("unexpected data after bad handshake: %q", buf[:n])
	}
}
