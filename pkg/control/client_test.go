package control

import (
	"context"
	"math"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ZLoverty/HEPiC/pkg/mock"
)

// testRig wires a mock Moonraker behind an httptest server and a client
// pointed at it.
type testRig struct {
	srv    *mock.MoonrakerServer
	ts     *httptest.Server
	client *Client
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	srv := mock.NewMoonrakerServer()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Stop)

	host, portStr, err := net.SplitHostPort(ts.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)

	c := New(Config{
		Host:           host,
		Port:           port,
		ReconnectDelay: 50 * time.Millisecond,
		UploadBase:     ts.URL,
	})
	return &testRig{srv: srv, ts: ts, client: c}
}

func (r *testRig) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.client.Run(ctx)
	t.Cleanup(r.client.Stop)
	waitClientState(t, r.client, Active)
	// The subscribe result seeds PrintState; once it lands the server has
	// registered the subscription and broadcasts reach this client.
	waitStatus(t, r.client, func(s Status) bool { return s.PrintState != "" })
}

func waitClientState(t *testing.T, c *Client, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %v, current %v", want, c.State())
}

// waitStatus polls the published snapshot until pred holds.
func waitStatus(t *testing.T, c *Client, pred func(Status) bool) Status {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s := c.Status()
		if pred(s) {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for status, last: %+v", c.Status())
	return Status{}
}

func TestSubscribeSeedsStatus(t *testing.T) {
	r := newTestRig(t)
	r.start(t)

	// The subscribe result carries the full printer state; the snapshot
	// picks it up without waiting for a notification.
	s := waitStatus(t, r.client, func(s Status) bool { return s.PrintState == "standby" })
	if s.HotendTemperature != 25.0 {
		t.Errorf("hotend = %v, want 25.0", s.HotendTemperature)
	}
	if s.TargetTemperature != 0.0 {
		t.Errorf("target = %v, want 0.0", s.TargetTemperature)
	}
}

func TestPartialStatusUpdateMergesFields(t *testing.T) {
	r := newTestRig(t)
	r.start(t)
	waitStatus(t, r.client, func(s Status) bool { return s.PrintState == "standby" })

	// A notification naming only the temperature must not disturb the
	// other fields.
	r.srv.Notify(map[string]any{"extruder": map[string]any{"temperature": 205.3}})

	s := waitStatus(t, r.client, func(s Status) bool { return s.HotendTemperature == 205.3 })
	if s.TargetTemperature != 0.0 {
		t.Errorf("target changed to %v on a partial update", s.TargetTemperature)
	}
	if s.PrintState != "standby" {
		t.Errorf("print state changed to %q on a partial update", s.PrintState)
	}
}

func TestScriptDispatchAndLineTracking(t *testing.T) {
	r := newTestRig(t)
	r.start(t)

	script := "G28\nG1 X10 F3000\nG1 X20\n"
	r.client.SendScript(script)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(r.srv.Scripts()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	scripts := r.srv.Scripts()
	if len(scripts) != 1 || scripts[0] != script {
		t.Fatalf("server received scripts %q, want the sent script", scripts)
	}

	// Byte 4 is the start of the second command.
	r.srv.Notify(map[string]any{"virtual_sdcard": map[string]any{"file_position": 4}})
	s := waitStatus(t, r.client, func(s Status) bool { return s.FilePosition == 4 })
	if s.CurrentLine != 2 {
		t.Errorf("current line = %d, want 2", s.CurrentLine)
	}

	// An offset past the end clamps to the last line.
	r.srv.Notify(map[string]any{"virtual_sdcard": map[string]any{"file_position": 9999}})
	s = waitStatus(t, r.client, func(s Status) bool { return s.FilePosition == 9999 })
	if s.CurrentLine != 3 {
		t.Errorf("current line = %d, want 3 (clamped)", s.CurrentLine)
	}
}

func TestSetTemperatureWrapsGcode(t *testing.T) {
	r := newTestRig(t)
	r.start(t)

	r.client.SetTemperature(215)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, s := range r.srv.Scripts() {
			if s == "M104 S215" {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("M104 S215 never arrived, scripts: %q", r.srv.Scripts())
}

func TestRemoteErrorIsSurfaced(t *testing.T) {
	r := newTestRig(t)
	r.start(t)

	r.srv.Broadcast(map[string]any{
		"jsonrpc": "2.0",
		"error":   map[string]any{"code": -32601, "message": "Method not found"},
		"id":      3,
	})

	select {
	case ev := <-r.client.Errors():
		if ev.Code != -32601 || !strings.Contains(ev.Message, "Method not found") {
			t.Errorf("unexpected error event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error event for remote error response")
	}
}

func TestGcodeResponseRouting(t *testing.T) {
	r := newTestRig(t)
	r.start(t)

	r.srv.NotifyGcodeResponse("ok")
	select {
	case resp := <-r.client.Responses():
		if resp != "ok" {
			t.Errorf("response = %q, want ok", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no gcode response delivered")
	}

	// Klipper error echoes go to both surfaces.
	r.srv.NotifyGcodeResponse("!! Move out of range")
	select {
	case resp := <-r.client.Responses():
		if !strings.HasPrefix(resp, "!!") {
			t.Errorf("response = %q, want error echo", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error echo not delivered as response")
	}
	select {
	case ev := <-r.client.Errors():
		if !strings.Contains(ev.Message, "Move out of range") {
			t.Errorf("unexpected error event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error echo not delivered as error event")
	}
}

func TestEmergencyStopBypassesQueue(t *testing.T) {
	r := newTestRig(t)
	r.start(t)

	r.client.EmergencyStop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.srv.EmergencyStops() == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("emergency stop never arrived, count %d", r.srv.EmergencyStops())
}

func TestEmergencyStopWithoutSession(t *testing.T) {
	c := New(Config{Host: "127.0.0.1", Port: 1})

	c.EmergencyStop()
	select {
	case ev := <-c.Errors():
		if !strings.Contains(ev.Message, "not connected") {
			t.Errorf("unexpected error event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no error event for stop without session")
	}
}

func TestReconnectAfterServerDrop(t *testing.T) {
	r := newTestRig(t)
	r.start(t)

	r.srv.CloseClients()

	// The client reports the loss, waits the fixed delay, and resubscribes.
	sawDisconnect := false
	deadline := time.After(2 * time.Second)
	for !sawDisconnect {
		select {
		case ev := <-r.client.StatusEvents():
			if ev.State == Disconnected {
				sawDisconnect = true
			}
		case <-deadline:
			t.Fatal("no disconnect event after server drop")
		}
	}

	waitClientState(t, r.client, Active)
	if r.srv.ClientCount() != 1 {
		t.Errorf("client count after reconnect = %d, want 1", r.srv.ClientCount())
	}
}

func TestUploadProgram(t *testing.T) {
	r := newTestRig(t)
	r.start(t)

	path := filepath.Join(t.TempDir(), "sample.gcode")
	content := "G28\nG1 X5\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := r.client.UploadProgram(path, true); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	ups := r.srv.Uploads()
	if len(ups) != 1 {
		t.Fatalf("uploads recorded = %d, want 1", len(ups))
	}
	if ups[0].Filename != "sample.gcode" || ups[0].Size != len(content) || !ups[0].Print {
		t.Errorf("unexpected upload record: %+v", ups[0])
	}

	// The local file is a temporary artifact and must be gone.
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("local file still present after upload")
	}
}

func TestUploadWithoutAutoStart(t *testing.T) {
	r := newTestRig(t)
	r.start(t)

	path := filepath.Join(t.TempDir(), "hold.gcode")
	if err := os.WriteFile(path, []byte("G28\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := r.client.UploadProgram(path, false); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	ups := r.srv.Uploads()
	if len(ups) != 1 || ups[0].Print {
		t.Errorf("unexpected upload record: %+v", ups)
	}
}

func TestControlStopIsIdempotent(t *testing.T) {
	c := New(Config{Host: "127.0.0.1", Port: 1})
	c.Stop()
	c.Stop()
	if c.State() != Stopped {
		t.Errorf("state = %v, want Stopped", c.State())
	}

	done := make(chan struct{})
	go func() {
		c.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return for a stopped client")
	}
}

func TestInitialTemperaturesAreNaN(t *testing.T) {
	c := New(Config{Host: "127.0.0.1", Port: 1})
	s := c.Status()
	if !math.IsNaN(s.HotendTemperature) || !math.IsNaN(s.TargetTemperature) {
		t.Errorf("fresh snapshot should carry NaN temperatures: %+v", s)
	}
}
