package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagesync/internal/doc"
	"pagesync/internal/room"
	"pagesync/internal/transport"
)

func docRoom(t *testing.T) room.ID {
	t.Helper()
	id, err := room.Document("p1", "e1")
	require.NoError(t, err)
	return id
}

func presenceRoom(t *testing.T) room.ID {
	t.Helper()
	id, err := room.Presence("p1")
	require.NoError(t, err)
	return id
}

func dial(t *testing.T, d transport.Dialer, id room.ID, replica string) transport.Conn {
	t.Helper()
	conn, err := d.Dial(context.Background(), id, replica)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func recv(t *testing.T, conn transport.Conn) room.Message {
	t.Helper()
	select {
	case m, ok := <-conn.Receive():
		require.True(t, ok, "connection closed")
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for room message")
		return room.Message{}
	}
}

func expectNothing(t *testing.T, conn transport.Conn) {
	t.Helper()
	select {
	case m := <-conn.Receive():
		t.Fatalf("unexpected message %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func update(replica string, seq uint64, value string) doc.Update {
	return doc.Update{ID: doc.OpID{Replica: replica, Seq: seq}, Clock: seq, Field: doc.DefaultField, Value: value}
}

func presenceState(t *testing.T, user, page string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]string{"userId": user, "pageId": page})
	require.NoError(t, err)
	return raw
}

func TestSyncOnEmptyRoomReportsEmpty(t *testing.T) {
	hub := NewHub(Options{})
	conn := dial(t, hub.LocalDialer(), docRoom(t), "a")

	require.NoError(t, conn.Send(context.Background(), room.Message{Type: room.TypeSync, Replica: "a"}))
	m := recv(t, conn)
	assert.Equal(t, room.TypeSyncState, m.Type)
	assert.True(t, m.Empty)
	require.NotNil(t, m.State)
	assert.Empty(t, m.State.Entries)
}

func TestUpdatesAreAckedBroadcastAndDeduplicated(t *testing.T) {
	hub := NewHub(Options{})
	dialer := hub.LocalDialer()
	a := dial(t, dialer, docRoom(t), "a")
	b := dial(t, dialer, docRoom(t), "b")
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, room.UpdateMessage(update("a", 1, "<p>one</p>"))))
	ack := recv(t, a)
	assert.Equal(t, room.TypeAck, ack.Type)
	assert.Equal(t, "a", ack.Replica)
	assert.Equal(t, uint64(1), ack.Seq)

	got := recv(t, b)
	require.Equal(t, room.TypeUpdate, got.Type)
	assert.Equal(t, "<p>one</p>", got.Update.Value)

	// A resend after reconnect is acknowledged again but not re-broadcast.
	require.NoError(t, a.Send(ctx, room.UpdateMessage(update("a", 1, "<p>one</p>"))))
	assert.Equal(t, room.TypeAck, recv(t, a).Type)
	expectNothing(t, b)
	expectNothing(t, a)
}

func TestLateJoinerReceivesAccumulatedState(t *testing.T) {
	hub := NewHub(Options{})
	dialer := hub.LocalDialer()
	a := dial(t, dialer, docRoom(t), "a")
	ctx := context.Background()
	require.NoError(t, a.Send(ctx, room.UpdateMessage(update("a", 1, "first"))))
	require.NoError(t, a.Send(ctx, room.UpdateMessage(update("a", 2, "second"))))
	require.NoError(t, a.Close())

	late := dial(t, dialer, docRoom(t), "late")
	require.NoError(t, late.Send(ctx, room.Message{Type: room.TypeSync, Replica: "late"}))
	m := recv(t, late)
	require.Equal(t, room.TypeSyncState, m.Type)
	assert.False(t, m.Empty)
	assert.Equal(t, uint64(2), m.State.Vector["a"])

	replica := doc.New("late")
	_, err := replica.ApplyState(*m.State)
	require.NoError(t, err)
	assert.Equal(t, "second", replica.Content())
}

func TestUpdateRejectedInPresenceRoom(t *testing.T) {
	hub := NewHub(Options{})
	conn := dial(t, hub.LocalDialer(), presenceRoom(t), "a")
	err := conn.Send(context.Background(), room.UpdateMessage(update("a", 1, "x")))
	assert.ErrorIs(t, err, ErrWrongRoomKind)
}

func TestPresenceBroadcastAndCleanupOnDisconnect(t *testing.T) {
	hub := NewHub(Options{})
	dialer := hub.LocalDialer()
	a := dial(t, dialer, presenceRoom(t), "a")
	b := dial(t, dialer, presenceRoom(t), "b")
	ctx := context.Background()

	entry := room.AwarenessEntry{Replica: "a", Clock: 1, State: presenceState(t, "u1", "e1")}
	require.NoError(t, a.Send(ctx, room.Message{Type: room.TypeAwareness, Replica: "a", Awareness: []room.AwarenessEntry{entry}}))
	got := recv(t, b)
	require.Equal(t, room.TypeAwareness, got.Type)
	require.Len(t, got.Awareness, 1)
	assert.Equal(t, "a", got.Awareness[0].Replica)
	assert.False(t, got.Awareness[0].Removed())

	// A heartbeat with the same clock is not re-broadcast.
	require.NoError(t, a.Send(ctx, room.Message{Type: room.TypeAwareness, Replica: "a", Awareness: []room.AwarenessEntry{entry}}))
	expectNothing(t, b)

	// New joiners learn the current set by syncing.
	c := dial(t, dialer, presenceRoom(t), "c")
	require.NoError(t, c.Send(ctx, room.Message{Type: room.TypeSync, Replica: "c"}))
	snapshot := recv(t, c)
	require.Len(t, snapshot.Awareness, 1)

	require.NoError(t, a.Close())
	removal := recv(t, b)
	require.Len(t, removal.Awareness, 1)
	assert.Equal(t, "a", removal.Awareness[0].Replica)
	assert.True(t, removal.Awareness[0].Removed())
}

func TestPresenceIgnoresEntriesOfOtherReplicas(t *testing.T) {
	hub := NewHub(Options{})
	dialer := hub.LocalDialer()
	a := dial(t, dialer, presenceRoom(t), "a")
	b := dial(t, dialer, presenceRoom(t), "b")

	forged := room.AwarenessEntry{Replica: "b", Clock: 9, State: presenceState(t, "mallory", "e1")}
	require.NoError(t, a.Send(context.Background(), room.Message{Type: room.TypeAwareness, Replica: "a", Awareness: []room.AwarenessEntry{forged}}))
	expectNothing(t, b)
}

func TestSweepExpiresSilentReplicas(t *testing.T) {
	hub := NewHub(Options{AwarenessTimeout: time.Minute})
	now := time.Now()
	var clockMu sync.Mutex
	hub.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	dialer := hub.LocalDialer()
	a := dial(t, dialer, presenceRoom(t), "a")
	b := dial(t, dialer, presenceRoom(t), "b")

	entry := room.AwarenessEntry{Replica: "a", Clock: 1, State: presenceState(t, "u1", "e1")}
	require.NoError(t, a.Send(context.Background(), room.Message{Type: room.TypeAwareness, Replica: "a", Awareness: []room.AwarenessEntry{entry}}))
	recv(t, b)

	hub.Sweep()
	expectNothing(t, b)

	clockMu.Lock()
	now = now.Add(2 * time.Minute)
	clockMu.Unlock()
	hub.Sweep()
	expired := recv(t, b)
	require.Len(t, expired.Awareness, 1)
	assert.True(t, expired.Awareness[0].Removed())
}

type recordingSink struct {
	mu       sync.Mutex
	created  []string
	contents []string
	reverted []int64
}

func (s *recordingSink) VersionCreated(_ context.Context, _ room.ID, versionName, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, versionName)
	s.contents = append(s.contents, content)
	return nil
}

func (s *recordingSink) DocumentReverted(_ context.Context, _ room.ID, versionID int64, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reverted = append(s.reverted, versionID)
	return nil
}

func TestControlMessagesReachPeersAndSink(t *testing.T) {
	sink := &recordingSink{}
	hub := NewHub(Options{Sink: sink})
	dialer := hub.LocalDialer()
	a := dial(t, dialer, docRoom(t), "a")
	b := dial(t, dialer, docRoom(t), "b")
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, room.UpdateMessage(update("a", 1, "<p>v1</p>"))))
	recv(t, a)
	recv(t, b)

	created, err := room.ControlMessage("a", room.Control{Action: room.ActionVersionCreated, VersionName: "Draft"})
	require.NoError(t, err)
	require.NoError(t, a.Send(ctx, created))
	reverted, err := room.ControlMessage("a", room.Control{Action: room.ActionDocumentRevert, VersionID: 3, NewVersionName: "Revert #3"})
	require.NoError(t, err)
	require.NoError(t, a.Send(ctx, reverted))

	first := recv(t, b)
	control, ok, err := room.DecodeControl(first.Stateless)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Draft", control.VersionName)
	second := recv(t, b)
	control, ok, err = room.DecodeControl(second.Stateless)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), control.VersionID)
	expectNothing(t, a)

	hub.Wait()
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []string{"Draft"}, sink.created)
	assert.Equal(t, []string{"<p>v1</p>"}, sink.contents)
	assert.Equal(t, []int64{3}, sink.reverted)
}

func TestDropDisconnectsRoom(t *testing.T) {
	hub := NewHub(Options{})
	dialer := hub.LocalDialer()
	conn := dial(t, dialer, docRoom(t), "a")

	assert.Equal(t, 1, dialer.Drop(docRoom(t)))
	select {
	case _, ok := <-conn.Receive():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("receive not closed after drop")
	}
	assert.Error(t, conn.Err())
	assert.ErrorIs(t, conn.Send(context.Background(), room.Message{Type: room.TypeSync}), transport.ErrClosed)
}

func TestUnreachableDialer(t *testing.T) {
	hub := NewHub(Options{})
	dialer := hub.LocalDialer()
	dialer.SetReachable(false)
	_, err := dialer.Dial(context.Background(), docRoom(t), "a")
	assert.ErrorIs(t, err, ErrUnreachable)

	dialer.SetReachable(true)
	conn := dial(t, dialer, docRoom(t), "a")
	assert.NotNil(t, conn)
}

func TestDocumentRoomsOutliveTheirReplicas(t *testing.T) {
	hub := NewHub(Options{})
	dialer := hub.LocalDialer()
	a := dial(t, dialer, docRoom(t), "a")
	b := dial(t, dialer, presenceRoom(t), "a")
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())

	hub.mu.Lock()
	defer hub.mu.Unlock()
	_, docKept := hub.rooms[docRoom(t).String()]
	_, presenceKept := hub.rooms[presenceRoom(t).String()]
	assert.True(t, docKept)
	assert.False(t, presenceKept)
}
