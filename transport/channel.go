package transport

import (
	"context"
	"errors"
)

var (
	// ErrChannelClosed indicates a send on a closed channel.
	ErrChannelClosed = errors.New("channel is closed")
	// ErrChannelNotOpen indicates use of a channel before Open.
	ErrChannelNotOpen = errors.New("channel is not open")
)

// MessageHandler processes one inbound wire frame.
type MessageHandler func(data []byte)

// CloseHandler is invoked once when the channel closes for good.
type CloseHandler func()

// ErrorHandler is invoked for channel-level failures.
type ErrorHandler func(err error)

// Channel is the reliable, ordered, message-oriented link between two
// endpoints. Implementations own framing, reconnection and (optionally)
// encryption; the core above never sees any of that.
type Channel interface {
	// Open establishes the link. It blocks until the channel is usable or
	// the context is done.
	Open(ctx context.Context) error

	// Send transmits one frame. A non-nil error means the frame was not
	// accepted and the channel should be considered unusable.
	Send(data []byte) error

	// SetMessageHandler registers the inbound frame handler. Must be called
	// before Open.
	SetMessageHandler(h MessageHandler)

	// SetCloseHandler registers the close notification handler.
	SetCloseHandler(h CloseHandler)

	// SetErrorHandler registers the failure notification handler.
	SetErrorHandler(h ErrorHandler)

	// Close shuts the channel down. Safe to call more than once.
	Close() error
}
