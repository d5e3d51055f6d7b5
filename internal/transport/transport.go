// Package transport abstracts the real-time, event-based connection scoped
// to a task's chat room. The session manager depends only on the Channel
// interface; the concrete implementation here speaks JSON frames over a
// websocket.
package transport

import (
	"context"

	"github.com/taskhive/taskchat/pkg/models"
)

// ConnState is the connection status of a channel.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateError        ConnState = "error"
)

// Status is a snapshot of the channel's connection state.
type Status struct {
	State ConnState `json:"state"`
	Err   string    `json:"error,omitempty"`

	// LastEventAt is the unix timestamp of the last inbound frame.
	LastEventAt int64 `json:"last_event_at,omitempty"`
}

// Unsubscribe releases an event subscription. It is safe to call more than
// once.
type Unsubscribe func()

// Channel is the real-time connection contract. One connection may serve
// several tasks: connect once, join and leave rooms per task.
//
// Connect is idempotent and must never be run concurrently with itself; it
// may fail into an error status without blocking callers. Sends are
// fire-and-forget: no delivery acknowledgment is assumed.
type Channel interface {
	// Connect establishes the connection. A no-op when already connected.
	Connect(ctx context.Context) error

	// JoinRoom scopes event delivery to taskID's room.
	JoinRoom(ctx context.Context, taskID int64) error

	// LeaveRoom leaves taskID's room. Leaving a room that was never joined
	// is a no-op.
	LeaveRoom(ctx context.Context, taskID int64) error

	// SendMessage emits a chat message into the room. correlationID lets
	// the sender match the server's echo to this send.
	SendMessage(ctx context.Context, taskID int64, content, correlationID string) error

	// TypingStart and TypingStop emit presence signals.
	TypingStart(ctx context.Context, taskID int64) error
	TypingStop(ctx context.Context, taskID int64) error

	// Subscribe registers a handler for every inbound event. The returned
	// Unsubscribe must be called on teardown so handlers do not leak
	// across task switches.
	Subscribe(fn func(models.Event)) Unsubscribe

	// Connected reports whether the channel is currently usable.
	Connected() bool

	// Status returns the current connection status.
	Status() Status

	// Close tears the connection down. Safe to call when Connect never
	// succeeded, and safe to call twice.
	Close() error
}
