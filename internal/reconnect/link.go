// Package reconnect keeps a replica's room connection alive.
//
// A Link dials its room, hands every message to a Handler and, when the
// connection drops, moves through disconnected and reconnecting back to
// connected, waiting a capped exponential backoff between attempts. The
// Handler's Connected hook runs on every successful connect so the owner can
// resynchronize state.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"pagesync/internal/room"
	"pagesync/internal/transport"
)

var (
	ErrOffline = errors.New("room link is not connected")
	ErrClosed  = errors.New("room link is closed")
)

type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Handler interface {
	// Connected runs after every successful dial, before the connection is
	// used by Send and before any of its messages is delivered. An error
	// drops the connection and schedules a reconnect.
	Connected(ctx context.Context, conn transport.Conn) error
	Message(m room.Message)
	Disconnected(err error)
}

type Settings struct {
	MinDelay   time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     float64
}

func DefaultSettings() Settings {
	return Settings{
		MinDelay:   250 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

type Link struct {
	id       room.ID
	replica  string
	dialer   transport.Dialer
	handler  Handler
	settings Settings
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	firstOnce sync.Once
	first     chan struct{}
	firstErr  error

	mu        sync.Mutex
	state     State
	conn      transport.Conn
	downSince time.Time
	attempts  int
	listeners map[int]func(State)
	nextID    int
	started   bool
}

func New(id room.ID, replica string, dialer transport.Dialer, handler Handler, settings Settings, logger *slog.Logger) *Link {
	if settings.MinDelay <= 0 {
		settings.MinDelay = DefaultSettings().MinDelay
	}
	if settings.MaxDelay < settings.MinDelay {
		settings.MaxDelay = settings.MinDelay
	}
	if settings.Multiplier < 1 {
		settings.Multiplier = DefaultSettings().Multiplier
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Link{
		id:        id,
		replica:   replica,
		dialer:    dialer,
		handler:   handler,
		settings:  settings,
		logger:    logger.With("room", id.String(), "replica", replica),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		first:     make(chan struct{}),
		state:     StateConnecting,
		listeners: make(map[int]func(State)),
	}
}

func (l *Link) Start() {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()
	go l.run()
}

// WaitFirstAttempt blocks until the first dial has finished and returns its
// error. A failed first attempt leaves the link reconnecting in the
// background.
func (l *Link) WaitFirstAttempt(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.first:
		return l.firstErr
	}
}

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// DownFor reports how long the link has been without a connection.
func (l *Link) DownFor() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateConnected || l.downSince.IsZero() {
		return 0
	}
	return time.Since(l.downSince)
}

func (l *Link) Attempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}

// OnStateChange registers fn for every transition and returns a function
// removing it.
func (l *Link) OnStateChange(fn func(State)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	l.listeners[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.listeners, id)
	}
}

func (l *Link) Send(ctx context.Context, m room.Message) error {
	l.mu.Lock()
	conn := l.conn
	state := l.state
	l.mu.Unlock()
	if state == StateClosed {
		return ErrClosed
	}
	if conn == nil {
		return ErrOffline
	}
	if err := conn.Send(ctx, m); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return ErrOffline
		}
		return err
	}
	return nil
}

// Close cancels any in-flight dial or backoff wait, drops the connection and
// waits for the link's goroutine to exit.
func (l *Link) Close() {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return
	}
	started := l.started
	l.mu.Unlock()

	// Cancel before reading conn: run closes a conn it publishes after this.
	l.cancel()
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	if started {
		<-l.done
	}
	l.signalFirst(ErrClosed)
	l.transition(StateClosed)
}

func (l *Link) run() {
	defer close(l.done)
	b := newBackOff(l.settings)
	for {
		if l.ctx.Err() != nil {
			return
		}
		l.mu.Lock()
		l.attempts++
		l.mu.Unlock()

		conn, err := l.dialer.Dial(l.ctx, l.id, l.replica)
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			l.logger.Info("room dial failed", "error", err)
			l.markDown()
			l.signalFirst(err)
			l.transition(StateReconnecting)
			if !l.wait(nextDelay(b, l.settings)) {
				return
			}
			continue
		}

		// The conn stays private until the handler has resynchronized, so
		// Send cannot slip a message ahead of the resync.
		if err := l.handler.Connected(l.ctx, conn); err != nil {
			_ = conn.Close()
			if l.ctx.Err() != nil {
				return
			}
			l.logger.Warn("room resync failed", "error", err)
			l.markDown()
			l.signalFirst(err)
			l.transition(StateReconnecting)
			if !l.wait(nextDelay(b, l.settings)) {
				return
			}
			continue
		}
		b.Reset()

		l.mu.Lock()
		l.conn = conn
		l.mu.Unlock()
		if l.ctx.Err() != nil {
			_ = conn.Close()
		}
		l.transition(StateConnected)
		l.signalFirst(nil)

		for m := range conn.Receive() {
			l.handler.Message(m)
		}

		cause := conn.Err()
		_ = conn.Close()
		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
		if l.ctx.Err() != nil {
			return
		}
		l.markDown()
		l.transition(StateDisconnected)
		l.logger.Info("room disconnected", "error", cause)
		l.handler.Disconnected(cause)
		l.transition(StateReconnecting)
		if !l.wait(nextDelay(b, l.settings)) {
			return
		}
	}
}

func (l *Link) wait(delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-l.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (l *Link) markDown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.downSince.IsZero() || l.state == StateConnected {
		l.downSince = time.Now()
	}
}

func (l *Link) signalFirst(err error) {
	l.firstOnce.Do(func() {
		l.firstErr = err
		close(l.first)
	})
}

func (l *Link) transition(next State) {
	l.mu.Lock()
	if l.state == next || l.state == StateClosed {
		l.mu.Unlock()
		return
	}
	l.state = next
	if next == StateConnected {
		l.downSince = time.Time{}
	}
	listeners := make([]func(State), 0, len(l.listeners))
	for _, fn := range l.listeners {
		listeners = append(listeners, fn)
	}
	l.mu.Unlock()

	l.logger.Debug("room link state", "state", next.String())
	for _, fn := range listeners {
		fn(next)
	}
}

func newBackOff(settings Settings) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = settings.MinDelay
	b.MaxInterval = settings.MaxDelay
	b.Multiplier = settings.Multiplier
	b.RandomizationFactor = settings.Jitter
	b.Reset()
	return b
}

// nextDelay never exceeds MaxDelay, jitter included.
func nextDelay(b *backoff.ExponentialBackOff, settings Settings) time.Duration {
	delay := b.NextBackOff()
	if delay <= 0 || delay > settings.MaxDelay {
		return settings.MaxDelay
	}
	return delay
}
