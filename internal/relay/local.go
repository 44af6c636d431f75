package relay

import (
	"context"
	"errors"
	"sync"

	"pagesync/internal/room"
	"pagesync/internal/transport"
)

var ErrUnreachable = errors.New("relay unreachable")

// LocalDialer joins rooms of an in-process hub. Messages are copied through
// the wire encoding in both directions. Each dialer stands for one client
// network, so faults injected on it only hit its own connections.
type LocalDialer struct {
	hub *Hub

	mu          sync.Mutex
	unreachable bool
	conns       map[*localConn]struct{}
}

func (h *Hub) LocalDialer() *LocalDialer {
	return &LocalDialer{hub: h, conns: make(map[*localConn]struct{})}
}

// SetReachable makes later dials fail, or succeed again. Existing
// connections are not touched; use Drop for that.
func (d *LocalDialer) SetReachable(reachable bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unreachable = !reachable
}

// Drop disconnects this dialer's connections to id, as a network failure
// would, and reports how many it dropped.
func (d *LocalDialer) Drop(id room.ID) int {
	d.mu.Lock()
	var dropped []*localConn
	for c := range d.conns {
		if c.peer.room.id == id {
			dropped = append(dropped, c)
			delete(d.conns, c)
		}
	}
	d.mu.Unlock()
	for _, c := range dropped {
		c.peer.close(errors.New("connection dropped"))
		d.hub.leave(c.peer)
	}
	return len(dropped)
}

func (d *LocalDialer) Dial(ctx context.Context, id room.ID, replica string) (transport.Conn, error) {
	d.mu.Lock()
	unreachable := d.unreachable
	d.mu.Unlock()
	if unreachable {
		return nil, ErrUnreachable
	}
	p, err := d.hub.join(ctx, id, replica, "")
	if err != nil {
		return nil, err
	}
	c := &localConn{dialer: d, hub: d.hub, peer: p, receive: make(chan room.Message, cap(p.out))}
	d.mu.Lock()
	d.conns[c] = struct{}{}
	d.mu.Unlock()
	go c.pump()
	return c, nil
}

type localConn struct {
	dialer  *LocalDialer
	hub     *Hub
	peer    *peer
	receive chan room.Message
	sendMu  sync.Mutex
}

func (c *localConn) pump() {
	defer close(c.receive)
	for {
		select {
		case <-c.peer.done:
			return
		case m := <-c.peer.out:
			copied, err := roundTrip(m)
			if err != nil {
				continue
			}
			select {
			case c.receive <- copied:
			case <-c.peer.done:
				return
			}
		}
	}
}

func (c *localConn) Send(ctx context.Context, m room.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	copied, err := roundTrip(m)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.peer.closed() {
		return transport.ErrClosed
	}
	return c.hub.handle(ctx, c.peer, copied)
}

func (c *localConn) Receive() <-chan room.Message {
	return c.receive
}

func (c *localConn) Err() error {
	return c.peer.err()
}

func (c *localConn) Close() error {
	c.dialer.mu.Lock()
	delete(c.dialer.conns, c)
	c.dialer.mu.Unlock()
	c.hub.leave(c.peer)
	return nil
}

func roundTrip(m room.Message) (room.Message, error) {
	payload, err := room.Encode(m)
	if err != nil {
		return room.Message{}, err
	}
	return room.Decode(payload)
}
