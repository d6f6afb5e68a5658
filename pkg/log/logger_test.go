package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func newBufLogger() (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := New("test")
	l.SetWriter(&buf)
	l.SetColorize(false)
	return l, &buf
}

func TestLevelFiltering(t *testing.T) {
	l, buf := newBufLogger()
	l.SetLevel(WARN)

	l.Debug("debug message")
	l.Info("info message")
	l.Warn("warn message")
	l.Error("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Errorf("messages below WARN were not filtered: %q", out)
	}
	if !strings.Contains(out, "warn message") || !strings.Contains(out, "error message") {
		t.Errorf("WARN/ERROR messages missing: %q", out)
	}
}

func TestTextFormat(t *testing.T) {
	l, buf := newBufLogger()
	l.Info("connected to %s", "moonraker")

	out := buf.String()
	if !strings.Contains(out, "[INFO ]") {
		t.Errorf("missing level tag: %q", out)
	}
	if !strings.Contains(out, "test: connected to moonraker") {
		t.Errorf("missing prefix or message: %q", out)
	}
}

func TestJSONFormat(t *testing.T) {
	l, buf := newBufLogger()
	l.SetFormat(FormatJSON)
	l.WithFields(INFO, Fields{"host": "pi.local", "port": 7125}, "connected")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v (%q)", err, buf.String())
	}
	if entry["level"] != "INFO" || entry["message"] != "connected" {
		t.Errorf("unexpected entry: %v", entry)
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["host"] != "pi.local" {
		t.Errorf("fields not carried through: %v", entry)
	}
}

func TestWithPrefix(t *testing.T) {
	l, buf := newBufLogger()
	tl := l.WithPrefix("telemetry")
	tl.Info("sample received")

	if !strings.Contains(buf.String(), "telemetry: sample received") {
		t.Errorf("derived prefix not used: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"Warning": WARN,
		"error":   ERROR,
		"bogus":   INFO,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
