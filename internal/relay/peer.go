package relay

import (
	"errors"
	"sync"

	"pagesync/internal/room"
	"pagesync/internal/transport"
)

var errSlowConsumer = errors.New("outbound queue full")

// peer is one replica connection joined to a room. The hub only ever queues
// messages on out; whoever owns the connection drains it in order.
type peer struct {
	id      string
	replica string
	user    string
	room    *roomState

	out  chan room.Message
	done chan struct{}

	once   sync.Once
	mu     sync.Mutex
	reason error
}

func newPeer(id, replica, user string, buffer int) *peer {
	return &peer{
		id:      id,
		replica: replica,
		user:    user,
		out:     make(chan room.Message, buffer),
		done:    make(chan struct{}),
	}
}

// deliver never blocks; a peer that cannot keep up is disconnected and
// resynchronizes when it comes back.
func (p *peer) deliver(m room.Message) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.out <- m:
		return true
	default:
		p.close(errSlowConsumer)
		return false
	}
}

func (p *peer) close(reason error) {
	p.once.Do(func() {
		if reason == nil {
			reason = transport.ErrClosed
		}
		p.mu.Lock()
		p.reason = reason
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *peer) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *peer) err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}
