// ABOUTME: Transport abstraction the registry, delivery and heartbeat code talk to
// ABOUTME: A Conn is one live client connection with fire-and-forget and acknowledged sends

package session

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrConnClosed is returned by sends on a connection that has gone away.
var ErrConnClosed = errors.New("connection closed")

// Conn is a single client connection.
type Conn interface {
	// ID is unique per transport connection.
	ID() string
	RemoteAddr() string

	// Emit queues an event without waiting for an acknowledgment.
	Emit(event string, payload any) error

	// EmitWithAck sends an event carrying an ack id and blocks until the
	// peer acknowledges it, ctx is done, or the connection closes.
	EmitWithAck(ctx context.Context, event string, payload any) (json.RawMessage, error)

	// Close terminates the connection. Safe to call more than once.
	Close(reason string) error

	// Done is closed once the connection is gone.
	Done() <-chan struct{}
}
