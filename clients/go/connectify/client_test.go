package connectify

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaddinnagiyev/connectify/internal/api"
	"github.com/mahaddinnagiyev/connectify/internal/chat"
	"github.com/mahaddinnagiyev/connectify/internal/crypto"
	"github.com/mahaddinnagiyev/connectify/internal/handlers"
	"github.com/mahaddinnagiyev/connectify/internal/models"
	"github.com/mahaddinnagiyev/connectify/internal/realtime"
	"github.com/mahaddinnagiyev/connectify/internal/store"
)

type testServer struct {
	url   string
	store *store.SQLiteStore
	priv  ed25519.PrivateKey
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	ds, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	t.Cleanup(ds.Close)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	verifier, err := crypto.NewTokenVerifier(base64.StdEncoding.EncodeToString(pub))
	require.NoError(t, err)

	engine := realtime.NewEngine(chat.NewService(ds, chat.Options{Logger: zerolog.Nop()}), realtime.EngineConfig{Logger: zerolog.Nop()})
	router := api.NewRouter(api.RouterConfig{
		Logger:   zerolog.Nop(),
		Handler:  handlers.NewHandler(handlers.Deps{Engine: engine, Store: ds, Logger: zerolog.Nop()}),
		Realtime: realtime.NewHandler(engine, verifier, zerolog.Nop()),
		Verifier: verifier,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	t.Cleanup(engine.Hub().CloseAll)

	return &testServer{url: srv.URL, store: ds, priv: priv}
}

func (s *testServer) client(t *testing.T, name string) (*Client, string) {
	t.Helper()
	id := uuid.NewString()
	require.NoError(t, s.store.UpsertUser(context.Background(), &models.User{ID: id, Username: name}))
	tok, err := crypto.IssueToken(s.priv, id, time.Hour)
	require.NoError(t, err)
	return NewClient(s.url, tok), id
}

func dial(t *testing.T, c *Client) *Conn {
	t.Helper()
	conn, err := c.Dial(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// The first reply proves the server registered the session.
	_, err = conn.ChatRooms(context.Background())
	require.NoError(t, err)
	return conn
}

// awaitEvent skips pushes until one named name arrives.
func awaitEvent(t *testing.T, conn *Conn, name string) Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-conn.Events():
			require.True(t, ok, "connection closed waiting for %s", name)
			if ev.Name == name {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", name)
		}
	}
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRealtimeConversation(t *testing.T) {
	srv := startServer(t)
	alice, aliceID := srv.client(t, "alice")
	bob, bobID := srv.client(t, "bob")

	ac, bc := dial(t, alice), dial(t, bob)

	room, err := ac.JoinRoom(ctxT(t), bobID)
	require.NoError(t, err)

	first, err := ac.SendMessage(ctxT(t), SendParams{RoomID: room.ID, Content: "first"})
	require.NoError(t, err)
	assert.Equal(t, aliceID, first.SenderID)

	var unread UnreadCountUpdatedEvent
	require.NoError(t, awaitEvent(t, bc, EventUnreadCountUpdated).Decode(&unread))
	assert.Equal(t, int64(1), unread.Count)

	joined, err := bc.JoinRoom(ctxT(t), aliceID)
	require.NoError(t, err)
	assert.Equal(t, room.ID, joined.ID)

	second, err := ac.SendMessage(ctxT(t), SendParams{RoomID: room.ID, Content: "second"})
	require.NoError(t, err)

	var incoming NewMessageEvent
	require.NoError(t, awaitEvent(t, bc, EventNewMessage).Decode(&incoming))
	assert.Equal(t, second.ID, incoming.Message.ID)

	var status MessageStatusEvent
	require.NoError(t, awaitEvent(t, ac, EventMessageStatus).Decode(&status))
	assert.Equal(t, second.ID, status.MessageID)
	assert.Equal(t, models.StatusDelivered, status.Status)

	page, err := bc.GetMessages(ctxT(t), room.ID, 10, "")
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, []string{first.ID, second.ID}, []string{page.Messages[0].ID, page.Messages[1].ID})

	n, err := bc.MarkRead(ctxT(t), room.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	var read MessagesReadEvent
	require.NoError(t, awaitEvent(t, ac, EventMessagesRead).Decode(&read))
	assert.Equal(t, bobID, read.ReaderID)

	require.NoError(t, ac.Unsend(ctxT(t), room.ID, first.ID))
	var unsent MessageUnsentEvent
	require.NoError(t, awaitEvent(t, bc, EventMessageUnsent).Decode(&unsent))
	assert.Equal(t, first.ID, unsent.MessageID)

	rooms, err := bc.ChatRooms(ctxT(t))
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, second.ID, rooms[0].LastMessage.ID)

	require.NoError(t, bc.LeaveRoom(ctxT(t), room.ID))
}

func TestRealtimeErrors(t *testing.T) {
	srv := startServer(t)
	alice, _ := srv.client(t, "alice")
	ac := dial(t, alice)

	_, err := ac.JoinRoom(ctxT(t), uuid.NewString())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, chat.CodeNotFound, apiErr.Code)

	_, err = ac.SendMessage(ctxT(t), SendParams{RoomID: "nope", Content: ""})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, chat.CodeValidation, apiErr.Code)
	assert.False(t, apiErr.Retryable)

	// The connection survives failed requests.
	_, err = ac.ChatRooms(ctxT(t))
	assert.NoError(t, err)
}

func TestDialRejectsBadToken(t *testing.T) {
	srv := startServer(t)
	_, err := NewClient(srv.url, "garbage").Dial(context.Background())

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

func TestConnCloseEndsRequests(t *testing.T) {
	srv := startServer(t)
	alice, _ := srv.client(t, "alice")
	ac := dial(t, alice)

	require.NoError(t, ac.Close())
	<-ac.Done()
	_, err := ac.ChatRooms(ctxT(t))
	assert.Error(t, err)

	_, open := <-ac.Events()
	assert.False(t, open)
}

func TestHTTPClient(t *testing.T) {
	srv := startServer(t)
	alice, aliceID := srv.client(t, "alice")
	bob, bobID := srv.client(t, "bob")
	ctx := ctxT(t)

	health, err := alice.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)

	room, err := alice.OpenRoom(ctx, bobID)
	require.NoError(t, err)

	msg, err := alice.Send(ctx, room.ID, SendParams{Content: "via http"})
	require.NoError(t, err)

	rooms, err := bob.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, int64(1), rooms[0].UnreadCount)
	assert.Equal(t, aliceID, rooms[0].Peer.ID)

	page, err := bob.GetMessages(ctx, room.ID, 0, "")
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)

	err = bob.Unsend(ctx, room.ID, msg.ID)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, chat.CodeForbidden, apiErr.Code)

	n, err := bob.MarkRead(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, alice.Unsend(ctx, room.ID, msg.ID))

	profile, err := alice.GetUser(ctx, bobID)
	require.NoError(t, err)
	assert.Equal(t, "bob", profile.Username)

	_, err = alice.CreateUpload(ctx, "a.png", "image/png", 10)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}
