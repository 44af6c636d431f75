package reconnect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagesync/internal/room"
	"pagesync/internal/transport"
)

type fakeConn struct {
	mu       sync.Mutex
	sent     []room.Message
	receive  chan room.Message
	once     sync.Once
	closeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{receive: make(chan room.Message, 16)}
}

func (c *fakeConn) Send(_ context.Context, m room.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return transport.ErrClosed
	}
	c.sent = append(c.sent, m)
	return nil
}

func (c *fakeConn) Receive() <-chan room.Message { return c.receive }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

func (c *fakeConn) Close() error {
	c.drop(transport.ErrClosed)
	return nil
}

func (c *fakeConn) drop(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeErr = err
		c.mu.Unlock()
		close(c.receive)
	})
}

func (c *fakeConn) Sent() []room.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]room.Message(nil), c.sent...)
}

// scriptedDialer fails the first `failures` dials, then hands out fresh conns.
type scriptedDialer struct {
	mu       sync.Mutex
	failures int
	conns    []*fakeConn
	dialed   chan *fakeConn
}

func newScriptedDialer(failures int) *scriptedDialer {
	return &scriptedDialer{failures: failures, dialed: make(chan *fakeConn, 16)}
}

func (d *scriptedDialer) Dial(ctx context.Context, _ room.ID, _ string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("relay unreachable")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	d.dialed <- conn
	return conn, nil
}

type recordingHandler struct {
	mu           sync.Mutex
	connects     int
	messages     []room.Message
	disconnects  int
	connectHello bool
}

func (h *recordingHandler) Connected(ctx context.Context, conn transport.Conn) error {
	h.mu.Lock()
	h.connects++
	hello := h.connectHello
	h.mu.Unlock()
	if hello {
		return conn.Send(ctx, room.Message{Type: room.TypeSync})
	}
	return nil
}

func (h *recordingHandler) Message(m room.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, m)
}

func (h *recordingHandler) Disconnected(error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects++
}

func (h *recordingHandler) counts() (int, int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connects, len(h.messages), h.disconnects
}

func fastSettings() Settings {
	return Settings{MinDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 2}
}

func testRoom(t *testing.T) room.ID {
	t.Helper()
	id, err := room.Document("p1", "e1")
	require.NoError(t, err)
	return id
}

func stateRecorder(link *Link) (func() []State, func()) {
	var mu sync.Mutex
	var states []State
	cancel := link.OnStateChange(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	})
	return func() []State {
		mu.Lock()
		defer mu.Unlock()
		return append([]State(nil), states...)
	}, cancel
}

func waitConn(t *testing.T, d *scriptedDialer) *fakeConn {
	t.Helper()
	select {
	case conn := <-d.dialed:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

func TestLinkConnectsAndResyncsOnEveryConnect(t *testing.T) {
	dialer := newScriptedDialer(0)
	handler := &recordingHandler{connectHello: true}
	link := New(testRoom(t), "r1", dialer, handler, fastSettings(), nil)
	states, _ := stateRecorder(link)
	link.Start()
	defer link.Close()

	require.NoError(t, link.WaitFirstAttempt(context.Background()))
	first := waitConn(t, dialer)
	require.Eventually(t, func() bool { return len(first.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, room.TypeSync, first.Sent()[0].Type)

	first.receive <- room.Message{Type: room.TypeAck, Seq: 3}
	require.Eventually(t, func() bool { _, n, _ := handler.counts(); return n == 1 }, time.Second, 5*time.Millisecond)

	first.drop(errors.New("network reset"))
	second := waitConn(t, dialer)
	require.Eventually(t, func() bool { return len(second.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return link.State() == StateConnected }, time.Second, 5*time.Millisecond)

	connects, _, disconnects := handler.counts()
	assert.Equal(t, 2, connects)
	assert.Equal(t, 1, disconnects)
	assert.Equal(t, []State{StateConnected, StateDisconnected, StateReconnecting, StateConnected}, states())
}

func TestLinkFirstDialFailureKeepsRetrying(t *testing.T) {
	dialer := newScriptedDialer(3)
	handler := &recordingHandler{}
	link := New(testRoom(t), "r1", dialer, handler, fastSettings(), nil)
	link.Start()
	defer link.Close()

	err := link.WaitFirstAttempt(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay unreachable")
	assert.ErrorIs(t, link.Send(context.Background(), room.Message{Type: room.TypeSync}), ErrOffline)

	waitConn(t, dialer)
	require.Eventually(t, func() bool { return link.State() == StateConnected }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, link.Attempts(), 4)
	assert.Equal(t, time.Duration(0), link.DownFor())
}

func TestLinkReportsDowntime(t *testing.T) {
	dialer := newScriptedDialer(1000)
	link := New(testRoom(t), "r1", dialer, &recordingHandler{}, fastSettings(), nil)
	link.Start()
	defer link.Close()

	require.Error(t, link.WaitFirstAttempt(context.Background()))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateReconnecting, link.State())
	assert.GreaterOrEqual(t, link.DownFor(), 20*time.Millisecond)
}

func TestLinkCloseCancelsReconnect(t *testing.T) {
	dialer := newScriptedDialer(1000)
	settings := fastSettings()
	settings.MinDelay = time.Hour
	settings.MaxDelay = time.Hour
	link := New(testRoom(t), "r1", dialer, &recordingHandler{}, settings, nil)
	link.Start()
	require.Error(t, link.WaitFirstAttempt(context.Background()))

	done := make(chan struct{})
	go func() {
		link.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("close did not cancel the backoff wait")
	}
	assert.Equal(t, StateClosed, link.State())
	assert.Equal(t, 1, link.Attempts())
	assert.ErrorIs(t, link.Send(context.Background(), room.Message{Type: room.TypeSync}), ErrClosed)
}

func TestLinkCloseWhileConnected(t *testing.T) {
	dialer := newScriptedDialer(0)
	link := New(testRoom(t), "r1", dialer, &recordingHandler{}, fastSettings(), nil)
	link.Start()
	require.NoError(t, link.WaitFirstAttempt(context.Background()))
	conn := waitConn(t, dialer)
	require.Eventually(t, func() bool { return link.State() == StateConnected }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		link.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not return with a live connection")
	}
	assert.Equal(t, StateClosed, link.State())
	assert.ErrorIs(t, conn.Err(), transport.ErrClosed)
	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	assert.Len(t, dialer.conns, 1, "closing must not trigger a reconnect")
}

// gatedHandler holds Connected open until release is closed.
type gatedHandler struct {
	recordingHandler
	entered chan struct{}
	release chan struct{}
	err     error
}

func (h *gatedHandler) Connected(ctx context.Context, conn transport.Conn) error {
	if err := h.recordingHandler.Connected(ctx, conn); err != nil {
		return err
	}
	select {
	case h.entered <- struct{}{}:
	default:
	}
	select {
	case <-h.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return h.err
}

func TestLinkSendWaitsForResync(t *testing.T) {
	dialer := newScriptedDialer(0)
	handler := &gatedHandler{
		recordingHandler: recordingHandler{connectHello: true},
		entered:          make(chan struct{}, 1),
		release:          make(chan struct{}),
	}
	link := New(testRoom(t), "r1", dialer, handler, fastSettings(), nil)
	link.Start()
	defer link.Close()

	conn := waitConn(t, dialer)
	<-handler.entered
	assert.Equal(t, StateConnecting, link.State())
	assert.ErrorIs(t, link.Send(context.Background(), room.Message{Type: room.TypeUpdate}), ErrOffline)

	close(handler.release)
	require.NoError(t, link.WaitFirstAttempt(context.Background()))
	require.Eventually(t, func() bool { return link.State() == StateConnected }, time.Second, 5*time.Millisecond)
	require.NoError(t, link.Send(context.Background(), room.Message{Type: room.TypeUpdate}))

	sent := conn.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, room.TypeSync, sent[0].Type, "the resync goes out first")
	assert.Equal(t, room.TypeUpdate, sent[1].Type)
}

func TestLinkResyncFailureReconnects(t *testing.T) {
	dialer := newScriptedDialer(0)
	handler := &gatedHandler{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
		err:     errors.New("resync rejected"),
	}
	close(handler.release)
	settings := Settings{MinDelay: 50 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 1}
	link := New(testRoom(t), "r1", dialer, handler, settings, nil)
	link.Start()
	defer link.Close()

	err := link.WaitFirstAttempt(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resync rejected")

	first := waitConn(t, dialer)
	assert.ErrorIs(t, first.Err(), transport.ErrClosed)
	waitConn(t, dialer)
	assert.NotEqual(t, StateConnected, link.State())
	assert.ErrorIs(t, link.Send(context.Background(), room.Message{Type: room.TypeSync}), ErrOffline)
}

func TestLinkCloseWithoutStart(t *testing.T) {
	link := New(testRoom(t), "r1", newScriptedDialer(0), &recordingHandler{}, fastSettings(), nil)
	link.Close()
	assert.Equal(t, StateClosed, link.State())
	assert.ErrorIs(t, link.WaitFirstAttempt(context.Background()), ErrClosed)
}

func TestNextDelayIsCapped(t *testing.T) {
	settings := Settings{MinDelay: 10 * time.Millisecond, MaxDelay: 80 * time.Millisecond, Multiplier: 3, Jitter: 0.5}
	b := newBackOff(settings)
	for i := 0; i < 20; i++ {
		delay := nextDelay(b, settings)
		assert.Greater(t, delay, time.Duration(0))
		assert.LessOrEqual(t, delay, settings.MaxDelay)
	}
	b.Reset()
	assert.LessOrEqual(t, nextDelay(b, settings), 15*time.Millisecond)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "state(42)", State(42).String())
}
