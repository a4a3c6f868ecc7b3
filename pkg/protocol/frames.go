// Package protocol defines the stable wire names of agentos: lifecycle
// events, audit action types and the JSON frames the CLI emits.
package protocol

import "encoding/json"

// ProtocolVersion is bumped when frame shapes change.
const ProtocolVersion = 1

// Frame types
const (
	FrameTypeEvent  = "event"
	FrameTypeResult = "res"
)

// EventFrame carries one lifecycle event.
type EventFrame struct {
	Type    string          `json:"type"`  // always "event"
	Event   string          `json:"event"` // event name
	PID     string          `json:"pid,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     int64           `json:"seq,omitempty"` // ordering sequence number
}

// ResultFrame is the JSON form of a CLI command result.
type ResultFrame struct {
	Type    string      `json:"type"` // always "res"
	OK      bool        `json:"ok"`
	Payload any         `json:"payload,omitempty"`
	Error   *ErrorShape `json:"error,omitempty"`
}

// ErrorShape describes a failure.
type ErrorShape struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// NewEvent creates an event frame.
func NewEvent(event, pid string, payload json.RawMessage) *EventFrame {
	return &EventFrame{
		Type:    FrameTypeEvent,
		Event:   event,
		PID:     pid,
		Payload: payload,
	}
}

// NewOKResult creates a success result frame.
func NewOKResult(payload any) *ResultFrame {
	return &ResultFrame{Type: FrameTypeResult, OK: true, Payload: payload}
}

// NewErrorResult creates a failure result frame.
func NewErrorResult(code, message string, retryable bool) *ResultFrame {
	return &ResultFrame{
		Type:  FrameTypeResult,
		Error: &ErrorShape{Code: code, Message: message, Retryable: retryable},
	}
}
