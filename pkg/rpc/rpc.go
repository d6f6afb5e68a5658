// Package rpc implements the JSON-RPC 2.0 dialect spoken by Moonraker.
//
// Incoming frames are decoded into a closed tagged variant so every message
// shape the session can see is matched exhaustively at the dispatch site.
// A frame is classified by which envelope keys are present: "error" beats
// "result", "method" with an id is a request, "method" without one is a
// notification.
package rpc

import (
	"encoding/json"
	"fmt"
)

// Version is the fixed jsonrpc envelope version.
const Version = "2.0"

// Message is the closed variant over the four frame shapes. Only types in
// this package implement it.
type Message interface {
	isMessage()
}

// Request is a method call carrying an id the caller chose, matched against
// exactly one later Result or ErrorResponse.
type Request struct {
	ID     int64
	Method string
	Params any
}

// Notification is a method call without an id; the peer never answers it.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Result is the success response to an earlier Request, correlated by id.
type Result struct {
	ID     int64
	Result json.RawMessage
}

// ErrorResponse is the failure response to an earlier Request.
type ErrorResponse struct {
	ID      int64
	Code    int
	Message string
}

func (Request) isMessage()       {}
func (Notification) isMessage()  {}
func (Result) isMessage()        {}
func (ErrorResponse) isMessage() {}

// frame is the wire envelope used for both decoding and encoding.
type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *frameError     `json:"error,omitempty"`
	ID      *int64          `json:"id,omitempty"`
}

type frameError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// decodeFrame mirrors frame but keeps params raw.
type decodeFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *frameError     `json:"error"`
	ID      *int64          `json:"id"`
}

// Decode classifies a raw frame into one of the four variants. Frames that
// fit none of them return an error; callers drop and log those.
func Decode(data []byte) (Message, error) {
	var f decodeFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("rpc: malformed frame: %w", err)
	}

	switch {
	case f.Error != nil:
		var id int64
		if f.ID != nil {
			id = *f.ID
		}
		return ErrorResponse{ID: id, Code: f.Error.Code, Message: f.Error.Message}, nil

	case f.Method != "" && f.ID != nil:
		var params any
		if len(f.Params) > 0 {
			if err := json.Unmarshal(f.Params, &params); err != nil {
				return nil, fmt.Errorf("rpc: malformed params: %w", err)
			}
		}
		return Request{ID: *f.ID, Method: f.Method, Params: params}, nil

	case f.Method != "":
		return Notification{Method: f.Method, Params: f.Params}, nil

	case f.Result != nil:
		var id int64
		if f.ID != nil {
			id = *f.ID
		}
		return Result{ID: id, Result: f.Result}, nil
	}

	return nil, fmt.Errorf("rpc: unrecognized frame shape: %s", truncate(data, 120))
}

// Encode serializes an outbound message into a jsonrpc 2.0 frame.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case Request:
		id := m.ID
		return json.Marshal(frame{
			JSONRPC: Version,
			Method:  m.Method,
			Params:  m.Params,
			ID:      &id,
		})
	case Notification:
		var params any
		if len(m.Params) > 0 {
			params = m.Params
		}
		return json.Marshal(frame{
			JSONRPC: Version,
			Method:  m.Method,
			Params:  params,
		})
	case Result:
		id := m.ID
		return json.Marshal(frame{
			JSONRPC: Version,
			Result:  m.Result,
			ID:      &id,
		})
	case ErrorResponse:
		id := m.ID
		return json.Marshal(frame{
			JSONRPC: Version,
			Error:   &frameError{Code: m.Code, Message: m.Message},
			ID:      &id,
		})
	}
	return nil, fmt.Errorf("rpc: unknown message type %T", msg)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
