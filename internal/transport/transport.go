// Package transport carries room messages between a replica and the relay.
package transport

import (
	"context"
	"errors"

	"pagesync/internal/room"
)

var ErrClosed = errors.New("connection closed")

// Conn is one live connection of one replica to one room.
type Conn interface {
	// Send queues a message; messages are written in Send order.
	Send(ctx context.Context, m room.Message) error
	// Receive is closed when the connection ends; Err then reports why.
	Receive() <-chan room.Message
	Err() error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, id room.ID, replica string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, id room.ID, replica string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, id room.ID, replica string) (Conn, error) {
	return f(ctx, id, replica)
}
