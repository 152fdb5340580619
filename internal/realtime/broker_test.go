package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaddinnagiyev/connectify/internal/chat"
	"github.com/mahaddinnagiyev/connectify/internal/models"
	"github.com/mahaddinnagiyev/connectify/internal/store"
)

// Two instances share one database and one Redis; each hosts one user's session.
func TestRedisBrokerCrossInstanceFanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	presence := store.NewRedisStoreFromClient(client)

	ds := newTestStore(t)
	newInstance := func() *Engine {
		svc := chat.NewService(ds, chat.Options{Logger: zerolog.Nop()})
		e := NewEngine(svc, EngineConfig{
			Broker:   NewRedisBroker(client, zerolog.Nop()),
			Presence: presence,
			Logger:   zerolog.Nop(),
		})
		require.NoError(t, e.Start(ctx))
		return e
	}
	one, two := newInstance(), newInstance()

	a, b := uuid.NewString(), uuid.NewString()
	for _, id := range []string{a, b} {
		require.NoError(t, ds.UpsertUser(ctx, &models.User{ID: id, Username: id[:8]}))
	}

	sa := NewSession(uuid.NewString(), a, nil, zerolog.Nop())
	one.Connect(sa)
	sb := NewSession(uuid.NewString(), b, nil, zerolog.Nop())
	two.Connect(sb)

	online, err := presence.IsOnline(ctx, b)
	require.NoError(t, err)
	assert.True(t, online)

	room, err := one.JoinRoom(ctx, sa, b)
	require.NoError(t, err)
	_, err = two.JoinRoom(ctx, sb, a)
	require.NoError(t, err)

	msg, err := one.SendMessage(ctx, sa, chat.SendRequest{RoomID: room.ID, SenderID: a, Content: "across"}, nil)
	require.NoError(t, err)

	got := expect[NewMessageEvent](t, sb, EventNewMessage)
	assert.Equal(t, msg.ID, got.Message.ID)

	// The receiving instance records delivery and tells both sides.
	status := expect[MessageStatusEvent](t, sb, EventMessageStatus)
	assert.Equal(t, models.StatusDelivered, status.Status)
	status = expect[MessageStatusEvent](t, sa, EventMessageStatus)
	assert.Equal(t, msg.ID, status.MessageID)

	require.Eventually(t, func() bool {
		stored, err := ds.GetMessage(ctx, msg.ID)
		return err == nil && stored.Status == models.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)

	two.Disconnect(sb)
	online, err = presence.IsOnline(ctx, b)
	require.NoError(t, err)
	assert.False(t, online)
}

func TestEngineIgnoresOwnDeliveries(t *testing.T) {
	env := newTestEnv(t, EngineConfig{})
	s := env.connect(t, "u1")
	env.engine.Hub().Subscribe(s, "room")

	env.engine.applyRemote(Delivery{Origin: env.engine.instanceID, Target: TargetRoom, RoomID: "room", Frame: []byte(`{}`)})
	assertQuiet(t, s)

	env.engine.applyRemote(Delivery{Origin: "elsewhere", Target: TargetRoom, RoomID: "room", Frame: []byte(`{"event":"x"}`)})
	assert.Equal(t, "x", next(t, s).Event)
}
