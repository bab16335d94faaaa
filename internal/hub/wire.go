package hub

import "encoding/json"

// MessageType distinguishes the kinds of frames exchanged over the realtime
// channel, in either direction.
type MessageType string

const (
	// MessageTypeEvent is a server-to-client push: a named event with
	// JSON-encoded arguments, fanned out to the handlers registered for its
	// target name
	MessageTypeEvent MessageType = "event"
	// MessageTypeInvocation is a client-to-server remote call, keyed by an
	// invocation id so its completion can be matched up
	MessageTypeInvocation MessageType = "invocation"
	// MessageTypeCompletion carries the result (or error) of a prior
	// invocation back to the client
	MessageTypeCompletion MessageType = "completion"
	// MessageTypePing is a keepalive in either direction and carries no
	// payload
	MessageTypePing MessageType = "ping"
)

// Message is the JSON frame format shared by every transport.
type Message struct {
	Type         MessageType       `json:"type"`
	Target       string            `json:"target,omitempty"`
	Arguments    []json.RawMessage `json:"arguments,omitempty"`
	InvocationID string            `json:"invocationId,omitempty"`
	Result       json.RawMessage   `json:"result,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// negotiateResponse is the payload returned by the hub's negotiate endpoint
// before a transport is attempted.
type negotiateResponse struct {
	ConnectionID        string   `json:"connectionId"`
	AvailableTransports []string `json:"availableTransports"`
}
