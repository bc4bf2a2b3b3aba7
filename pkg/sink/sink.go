// Package sink provides the outbound side of a relay connection.
package sink

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send once the peer has gone away or the sink has
// been released.
var ErrClosed = errors.New("sink: closed")

// Sink receives the frames of a pipeline.
type Sink interface {
	// Send writes one frame. The sink does not retain frame.
	Send(ctx context.Context, frame []byte) error

	// Closed reports whether the peer has closed the connection.
	Closed() bool

	// Done is closed when Closed starts to report true.
	Done() <-chan struct{}

	// Close releases the connection. Safe to call more than once.
	Close() error
}
