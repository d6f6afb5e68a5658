// Unified error handling for the HEPiC communications core
//
// Copyright (C) 2026  HEPiC Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Connectivity errors - always recoverable via the reconnect policy
	ErrConnRefused ErrorCode = "CONN_REFUSED"
	ErrConnTimeout ErrorCode = "CONN_TIMEOUT"
	ErrConnReset   ErrorCode = "CONN_RESET"
	ErrConnClosed  ErrorCode = "CONN_CLOSED"

	// Framing/decoding errors - offending unit is dropped and logged
	ErrDecodeFrame ErrorCode = "DECODE_FRAME"

	// Protocol-level errors - reported by the peer, session stays open
	ErrProtocolRemote ErrorCode = "PROTOCOL_REMOTE"

	// Resource errors - queue overflow, producer drops newest and logs
	ErrQueueOverflow ErrorCode = "QUEUE_OVERFLOW"

	// Handshake errors - failure during the mandatory initial exchange;
	// handled like a connection failure
	ErrHandshake ErrorCode = "HANDSHAKE"

	// Diagnostic errors - a pre-flight check failed
	ErrDiagnostic ErrorCode = "DIAGNOSTIC"
)

// CommError is the unified error type for the communications core
type CommError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// RemoteCode carries the peer's numeric error code for protocol errors
	RemoteCode int

	// Err wraps the underlying error
	Err error
}

// Error implements the error interface
func (e *CommError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *CommError) Unwrap() error {
	return e.Err
}

// New creates a new CommError
func New(code ErrorCode, message string) *CommError {
	return &CommError{Code: code, Message: message}
}

// Wrap wraps an existing error with a category and message
func Wrap(err error, code ErrorCode, message string) *CommError {
	return &CommError{Code: code, Message: message, Err: err}
}

// Remote creates a protocol-level error from a peer error response
func Remote(code int, message string) *CommError {
	return &CommError{
		Code:       ErrProtocolRemote,
		Message:    message,
		RemoteCode: code,
	}
}

// CodeOf returns the category of err, or empty string for foreign errors
func CodeOf(err error) ErrorCode {
	var ce *CommError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsRecoverable reports whether err should trigger the reconnect path rather
// than surface as a session-ending failure. Connectivity and handshake
// failures reconnect; everything else is reported upward.
func IsRecoverable(err error) bool {
	switch CodeOf(err) {
	case ErrConnRefused, ErrConnTimeout, ErrConnReset, ErrConnClosed, ErrHandshake:
		return true
	}
	return false
}

// Classify maps a raw socket or dial error onto the connectivity taxonomy.
// Unrecognized errors are treated as a closed connection, which still routes
// them through the reconnect path.
func Classify(err error) *CommError {
	switch {
	case err == nil:
		return nil
	case os.IsTimeout(err):
		return Wrap(err, ErrConnTimeout, "connection timed out")
	case errors.Is(err, syscall.ECONNREFUSED):
		return Wrap(err, ErrConnRefused, "connection refused")
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return Wrap(err, ErrConnReset, "connection reset")
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return Wrap(err, ErrConnTimeout, "connection timed out")
	}
	return Wrap(err, ErrConnClosed, "connection closed")
}
