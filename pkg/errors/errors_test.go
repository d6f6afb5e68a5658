package errors

import (
	"fmt"
	"syscall"
	"testing"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"refused", syscall.ECONNREFUSED, ErrConnRefused},
		{"reset", syscall.ECONNRESET, ErrConnReset},
		{"broken pipe", syscall.EPIPE, ErrConnReset},
		{"wrapped refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), ErrConnRefused},
		{"net timeout", timeoutErr{}, ErrConnTimeout},
		{"unknown", fmt.Errorf("EOF"), ErrConnClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got.Code != tt.want {
				t.Errorf("Classify(%v) code = %s, want %s", tt.err, got.Code, tt.want)
			}
			if got.Unwrap() == nil {
				t.Error("classified error lost its cause")
			}
		})
	}

	if Classify(nil) != nil {
		t.Error("Classify(nil) should be nil")
	}
}

func TestIsRecoverable(t *testing.T) {
	if !IsRecoverable(New(ErrConnReset, "reset")) {
		t.Error("connectivity errors must be recoverable")
	}
	if !IsRecoverable(Wrap(fmt.Errorf("write failed"), ErrHandshake, "start line")) {
		t.Error("handshake failures must be recoverable")
	}
	if IsRecoverable(New(ErrDiagnostic, "ping failed")) {
		t.Error("diagnostic failures must not be recoverable")
	}
	if IsRecoverable(fmt.Errorf("plain")) {
		t.Error("foreign errors must not be recoverable")
	}
}

func TestCodeOfAndRemote(t *testing.T) {
	err := Remote(-32601, "Method not found")
	if CodeOf(err) != ErrProtocolRemote {
		t.Errorf("CodeOf = %s", CodeOf(err))
	}
	if err.RemoteCode != -32601 {
		t.Errorf("RemoteCode = %d", err.RemoteCode)
	}

	wrapped := fmt.Errorf("session: %w", err)
	if CodeOf(wrapped) != ErrProtocolRemote {
		t.Error("CodeOf should see through wrapping")
	}
	if CodeOf(fmt.Errorf("plain")) != "" {
		t.Error("foreign error should have empty code")
	}
}
