package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaddinnagiyev/connectify/internal/models"
)

// tokenAuth accepts a token equal to a known user id.
type tokenAuth map[string]bool

func (a tokenAuth) Verify(token string) (string, error) {
	if a[token] {
		return token, nil
	}
	return "", errors.New("unknown token")
}

type wsClient struct {
	t      *testing.T
	conn   *websocket.Conn
	frames chan Frame
}

func dialWS(t *testing.T, srv *httptest.Server, token string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &wsClient{t: t, conn: conn, frames: make(chan Frame, 64)}
	go func() {
		defer close(c.frames)
		for {
			var f Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			c.frames <- f
		}
	}()

	// A round trip guarantees the server has registered the session.
	c.send(EventGetChatRooms, "sync", nil)
	c.await(EventChatRooms)
	return c
}

func (c *wsClient) send(event, requestID string, data any) {
	c.t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(Frame{Event: event, RequestID: requestID, Data: payload}))
}

// await returns the next frame, which must carry event.
func (c *wsClient) await(event string) Frame {
	c.t.Helper()
	select {
	case f, ok := <-c.frames:
		require.True(c.t, ok, "connection closed while waiting for %s", event)
		require.Equal(c.t, event, f.Event, "frame data: %s", f.Data)
		return f
	case <-time.After(3 * time.Second):
		c.t.Fatalf("timed out waiting for %s", event)
		return Frame{}
	}
}

func decodeData[T any](t *testing.T, f Frame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(f.Data, &v))
	return v
}

func newWSServer(t *testing.T, env *testEnv, users ...string) *httptest.Server {
	t.Helper()
	auth := tokenAuth{}
	for _, u := range users {
		auth[u] = true
	}
	h := NewHandler(env.engine, auth, zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)
	return srv
}

func TestServeWSRejectsBadToken(t *testing.T) {
	env := newTestEnv(t, EngineConfig{})
	srv := newWSServer(t, env)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeWSFirstConversation(t *testing.T) {
	env := newTestEnv(t, EngineConfig{})
	a, b := env.user(t, "alice"), env.user(t, "bob")
	srv := newWSServer(t, env, a, b)

	ca, cb := dialWS(t, srv, a), dialWS(t, srv, b)

	ca.send(EventJoinRoom, "1", JoinRoomRequest{PeerID: b})
	room := decodeData[RoomJoinedEvent](t, ca.await(EventRoomJoined)).Room
	require.NotNil(t, room)

	ca.send(EventSendMessage, "2", SendMessageRequest{RoomID: room.ID, Type: models.MessageText, Content: "hi"})
	own := ca.await(EventNewMessage)
	assert.Equal(t, "2", own.RequestID)
	assert.Equal(t, "hi", decodeData[NewMessageEvent](t, own).Message.Content)

	unread := decodeData[UnreadCountUpdatedEvent](t, cb.await(EventUnreadCountUpdated))
	assert.Equal(t, room.ID, unread.RoomID)
	assert.Equal(t, int64(1), unread.Count)
	cb.await(EventLastMessageUpdated)

	ca.send(EventGetMessages, "3", GetMessagesRequest{RoomID: room.ID, Limit: 30})
	page := decodeData[MessagesEvent](t, ca.await(EventMessages))
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "hi", page.Messages[0].Content)
	assert.Equal(t, models.StatusSent, page.Messages[0].Status)
	assert.False(t, page.HasMore)
}

func TestServeWSDisconnectReleasesSubscriptions(t *testing.T) {
	env := newTestEnv(t, EngineConfig{})
	a, b := env.user(t, "alice"), env.user(t, "bob")
	srv := newWSServer(t, env, a)

	ca := dialWS(t, srv, a)
	ca.send(EventJoinRoom, "1", JoinRoomRequest{PeerID: b})
	room := decodeData[RoomJoinedEvent](t, ca.await(EventRoomJoined)).Room
	require.Len(t, env.engine.Hub().Subscribers(room.ID), 1)

	require.NoError(t, ca.conn.Close())
	require.Eventually(t, func() bool {
		return len(env.engine.Hub().Subscribers(room.ID)) == 0 && !env.engine.Hub().Online(a)
	}, 3*time.Second, 10*time.Millisecond)
}
