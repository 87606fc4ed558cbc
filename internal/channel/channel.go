// Package channel provides the named-event duplex channel the upload protocol runs on.
//
// A Channel carries structured events (JSON payloads) and raw byte events (chunk data)
// over a single logical connection. Handlers are invoked from the channel's own
// delivery goroutine, one message at a time, in the order the peer sent them.
package channel

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrClosed is returned by Send once the channel or its peer has gone away.
var ErrClosed = errors.New("channel closed")

// Message is one inbound event.
type Message struct {
	Event string

	// Data holds the JSON payload of a structured event (may be empty)
	Data json.RawMessage

	// Binary holds the payload of a raw byte event such as a chunk
	Binary []byte
}

// Decode unmarshals the JSON payload into v. Empty payloads leave v untouched.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Event, err)
	}
	return nil
}

// Handler receives inbound events.
type Handler func(Message)

// Channel is the event channel contract consumed by the upload engine and the sender.
type Channel interface {
	// Send emits an event to the peer. A []byte payload is sent as a raw byte event,
	// nil sends the event with no payload, anything else is JSON encoded.
	Send(event string, payload any) error

	// On registers a handler for every delivery of event.
	On(event string, h Handler)

	// Once registers a handler that is removed after its first delivery.
	Once(event string, h Handler)

	// RemoveAllListeners drops every handler registered for event.
	RemoveAllListeners(event string)

	// Close tears the connection down. It is safe to call more than once.
	Close() error

	// Done is closed when the connection is gone.
	Done() <-chan struct{}
}

// encode turns a Send payload into either a JSON body or a raw byte body.
func encode(event string, payload any) (json.RawMessage, []byte, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil, nil
	case []byte:
		return nil, v, nil
	case json.RawMessage:
		return v, nil, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode %s payload: %w", event, err)
		}
		return data, nil, nil
	}
}
