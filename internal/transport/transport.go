// Package transport maintains the duplex notification channel. It owns
// reconnection entirely: connection failures are retried with bounded
// exponential backoff and never surface to the caller as events other
// than the connected/disconnected pseudo-events.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Pseudo-events emitted alongside server frames on the same channel, so
// the consumer sees one ordered stream of everything that happened.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
)

// Event is one inbound item: either a decoded server frame or a
// connection lifecycle marker with empty Data.
type Event struct {
	Kind string
	Ref  string
	Data json.RawMessage
}

// ErrNotConnected is returned by Send while the channel is down.
// Callers fail fast; nothing is queued.
var ErrNotConnected = errors.New("notification channel not connected")

// ErrClosed is returned once Close has been called.
var ErrClosed = errors.New("notification channel closed")

// ApplicationError is a server-reported failure of a specific request.
// The connection stays healthy; only the operation failed.
type ApplicationError struct {
	Code    string
	Message string
	Ref     string
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("server rejected request: %s (%s)", e.Message, e.Code)
}

// Transport is the engine's view of the channel.
type Transport interface {
	// Start begins connecting and keeps the channel alive until Close.
	Start() error
	// Send transmits one frame, or fails fast when disconnected.
	Send(event, ref string, payload any) error
	// Events delivers frames and lifecycle markers in arrival order.
	// The channel closes after Close.
	Events() <-chan Event
	Close() error
}
