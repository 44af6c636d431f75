package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagesync/internal/doc"
	"pagesync/internal/room"
)

// echoServer answers every message with the same payload and records the
// request it was upgraded from.
func echoServer(t *testing.T, requests chan<- *http.Request) *httptest.Server {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests != nil {
			requests <- r
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			messageType, payload, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(messageType, payload); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWebsocketDialSendsRoomReplicaAndToken(t *testing.T) {
	requests := make(chan *http.Request, 1)
	server := echoServer(t, requests)
	id, err := room.Document("p1", "e1")
	require.NoError(t, err)

	dialer := NewWebsocketDialer(wsURL(server), func(context.Context, room.ID) (string, error) {
		return "secret-token", nil
	}, nil, nil)
	conn, err := dialer.Dial(context.Background(), id, "replica-1")
	require.NoError(t, err)
	defer conn.Close()

	r := <-requests
	assert.Equal(t, "/rooms/project-p1-page-e1", r.URL.Path)
	assert.Equal(t, "replica-1", r.URL.Query().Get("replica"))
	assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
}

func TestWebsocketConnPreservesOrder(t *testing.T) {
	server := echoServer(t, nil)
	id, err := room.Document("p1", "e1")
	require.NoError(t, err)
	conn, err := NewWebsocketDialer(wsURL(server), nil, nil, nil).Dial(context.Background(), id, "r1")
	require.NoError(t, err)
	defer conn.Close()

	ctx := context.Background()
	for seq := uint64(1); seq <= 20; seq++ {
		u := doc.Update{ID: doc.OpID{Replica: "r1", Seq: seq}, Clock: seq, Field: doc.DefaultField, Value: "v"}
		require.NoError(t, conn.Send(ctx, room.UpdateMessage(u)))
	}
	for seq := uint64(1); seq <= 20; seq++ {
		select {
		case m := <-conn.Receive():
			require.Equal(t, room.TypeUpdate, m.Type)
			assert.Equal(t, seq, m.Update.ID.Seq)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for seq %d", seq)
		}
	}
}

func TestWebsocketConnCloseEndsReceive(t *testing.T) {
	server := echoServer(t, nil)
	id, err := room.Presence("p1")
	require.NoError(t, err)
	conn, err := NewWebsocketDialer(wsURL(server), nil, nil, nil).Dial(context.Background(), id, "r1")
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	select {
	case _, ok := <-conn.Receive():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("receive channel not closed")
	}
	assert.ErrorIs(t, conn.Err(), ErrClosed)
	assert.ErrorIs(t, conn.Send(context.Background(), room.Message{Type: room.TypeSync}), ErrClosed)
}

func TestWebsocketDialFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()
	id, err := room.Presence("p1")
	require.NoError(t, err)
	_, err = NewWebsocketDialer(wsURL(server), nil, nil, nil).Dial(context.Background(), id, "r1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}
