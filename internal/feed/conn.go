package feed

import (
	"context"
	"time"
)

// Conn is one established feed connection.
type Conn interface {
	// Next blocks for the next message until deadline. It returns an error
	// wrapping errors.ErrIdleTimeout when the deadline passes and
	// errors.ErrConnectionClosed after Close or a peer close.
	Next(deadline time.Time) ([]byte, error)

	// Close releases the connection and unblocks a pending Next.
	Close() error
}

// Dialer establishes feed connections. Errors wrapping
// errors.ErrFatalConnection stop the manager; all others are retried.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial calls f(ctx).
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}

// TickSink receives every raw message read while connected.
type TickSink interface {
	Accept(raw []byte)
}
