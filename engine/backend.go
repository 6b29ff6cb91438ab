package engine

import "context"

// Backend is the transport an Engine drives frames over. Exactly one
// Engine owns a Backend; the handle is never shared.
type Backend interface {
	// Send writes one encoded request frame.
	Send(ctx context.Context, frame []byte) error
	// Frames is the inbound channel carrying response and notification
	// frames. It is closed when the backend dies.
	Frames() <-chan []byte
	// Close releases the backend. Must be safe to call more than once.
	Close() error
}
