package chat

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaddinnagiyev/connectify/internal/models"
	"github.com/mahaddinnagiyev/connectify/internal/store"
)

type fixture struct {
	svc   *Service
	store *store.SQLiteStore
	clock *fakeClock
}

// fakeClock hands out strictly increasing times unless frozen.
type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	frozen bool
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.frozen {
		c.t = c.t.Add(time.Millisecond)
	}
	return c.t
}

func newFixture(t *testing.T, cache UnreadCache) *fixture {
	t.Helper()
	ds, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(ds.Close)

	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	svc := NewService(ds, Options{Unread: cache, Logger: zerolog.Nop(), Now: clock.Now})
	return &fixture{svc: svc, store: ds, clock: clock}
}

func (f *fixture) user(t *testing.T, name string) string {
	t.Helper()
	id := uuid.NewString()
	require.NoError(t, f.store.UpsertUser(context.Background(), &models.User{ID: id, Username: name}))
	return id
}

func (f *fixture) send(t *testing.T, roomID, senderID, content string) *models.Message {
	t.Helper()
	msg, _, err := f.svc.Send(context.Background(), SendRequest{RoomID: roomID, SenderID: senderID, Content: content})
	require.NoError(t, err)
	return msg
}

func newRedisCache(t *testing.T) *store.RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return store.NewRedisStoreFromClient(client)
}

func TestResolveOrCreateIsOrderIndependent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a, b := f.user(t, "alice"), f.user(t, "bob")

	r1, err := f.svc.ResolveOrCreate(ctx, a, b)
	require.NoError(t, err)
	r2, err := f.svc.ResolveOrCreate(ctx, b, a)
	require.NoError(t, err)

	assert.Equal(t, r1.ID, r2.ID)
	assert.ElementsMatch(t, []string{a, b}, r1.ParticipantIDs())
}

func TestResolveOrCreateConcurrent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a, b := f.user(t, "alice"), f.user(t, "bob")

	const callers = 16
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			userID, peerID := a, b
			if i%2 == 1 {
				userID, peerID = b, a
			}
			room, err := f.svc.ResolveOrCreate(ctx, userID, peerID)
			if assert.NoError(t, err) {
				ids[i] = room.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	rooms, err := f.store.ListRoomsForUser(ctx, a)
	require.NoError(t, err)
	assert.Len(t, rooms, 1)
}

// racingStore loses the first insert race: the lookup misses, and by the time
// it inserts, another caller has already created the room.
type racingStore struct {
	store.DataStore
	raced bool
}

func (r *racingStore) GetRoomByPair(ctx context.Context, a, b string) (*models.Room, error) {
	if !r.raced {
		return nil, nil
	}
	return r.DataStore.GetRoomByPair(ctx, a, b)
}

func (r *racingStore) CreateRoom(ctx context.Context, room *models.Room) error {
	if !r.raced {
		r.raced = true
		winner := *room
		winner.ID = uuid.NewString()
		if err := r.DataStore.CreateRoom(ctx, &winner); err != nil {
			return err
		}
	}
	return r.DataStore.CreateRoom(ctx, room)
}

func TestResolveOrCreateRecoversFromConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a, b := f.user(t, "alice"), f.user(t, "bob")

	racing := &racingStore{DataStore: f.store}
	svc := NewService(racing, Options{Logger: zerolog.Nop()})

	room, err := svc.ResolveOrCreate(ctx, a, b)
	require.NoError(t, err)

	stored, err := f.store.GetRoomByPair(ctx, a, b)
	require.NoError(t, err)
	assert.Equal(t, stored.ID, room.ID)
}

func TestResolveOrCreateUnknownUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a := f.user(t, "alice")

	_, err := f.svc.ResolveOrCreate(ctx, a, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.ResolveOrCreate(ctx, a, a)
	assert.ErrorIs(t, err, ErrValidation)

	rooms, err := f.store.ListRoomsForUser(ctx, a)
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestSendBlockedEitherDirection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a, b := f.user(t, "alice"), f.user(t, "bob")
	room, err := f.svc.ResolveOrCreate(ctx, a, b)
	require.NoError(t, err)

	require.NoError(t, f.store.CreateBlock(ctx, a, b))

	for _, sender := range []string{a, b} {
		_, _, err := f.svc.Send(ctx, SendRequest{RoomID: room.ID, SenderID: sender, Content: "hello"})
		assert.ErrorIs(t, err, ErrBlocked)
		assert.Equal(t, CodeBlocked, Code(err))
	}

	page, err := f.svc.GetPage(ctx, room.ID, a, 30, "")
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
}

func TestSendValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a, b, c := f.user(t, "alice"), f.user(t, "bob"), f.user(t, "carol")
	room, err := f.svc.ResolveOrCreate(ctx, a, b)
	require.NoError(t, err)
	other, err := f.svc.ResolveOrCreate(ctx, a, c)
	require.NoError(t, err)
	foreign := f.send(t, other.ID, a, "elsewhere")

	size := int64(MaxMediaSizeBytes + 1)
	cases := []struct {
		name string
		req  SendRequest
		want error
	}{
		{"empty text", SendRequest{Content: "   "}, ErrValidation},
		{"long text", SendRequest{Content: string(make([]byte, MaxTextBytes+1))}, ErrValidation},
		{"unknown type", SendRequest{Type: "sticker", Content: "x"}, ErrValidation},
		{"media without url", SendRequest{Type: models.MessageImage, Content: "cat.png"}, ErrValidation},
		{"media too large", SendRequest{Type: models.MessageFile, Content: "https://cdn.example.com/f", MediaSizeBytes: &size}, ErrValidation},
		{"cross-room reply", SendRequest{Content: "re", ParentMessageID: &foreign.ID}, ErrValidation},
		{"not a participant", SendRequest{SenderID: c, Content: "hi"}, ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := tc.req
			req.RoomID = room.ID
			if req.SenderID == "" {
				req.SenderID = a
			}
			_, _, err := f.svc.Send(ctx, req)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	page, err := f.svc.GetPage(ctx, room.ID, a, 30, "")
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
}

func TestSendMedia(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a, b := f.user(t, "alice"), f.user(t, "bob")
	room, err := f.svc.ResolveOrCreate(ctx, a, b)
	require.NoError(t, err)

	size := int64(2048)
	msg, _, err := f.svc.Send(ctx, SendRequest{
		RoomID: room.ID, SenderID: a, Type: models.MessageImage,
		Content: "https://cdn.example.com/cat.png", MediaName: "cat.png", MediaSizeBytes: &size,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, msg.Status)

	stored, err := f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageImage, stored.Type)
	assert.Equal(t, "cat.png", stored.MediaName)
	require.NotNil(t, stored.MediaSizeBytes)
	assert.Equal(t, size, *stored.MediaSizeBytes)
}

func TestUnsendIsIdempotentAndSenderOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a, b := f.user(t, "alice"), f.user(t, "bob")
	room, err := f.svc.ResolveOrCreate(ctx, a, b)
	require.NoError(t, err)
	msg := f.send(t, room.ID, a, "oops")

	_, _, err = f.svc.Unsend(ctx, room.ID, msg.ID, b)
	assert.ErrorIs(t, err, ErrForbidden)

	_, changed, err := f.svc.Unsend(ctx, room.ID, msg.ID, a)
	require.NoError(t, err)
	assert.True(t, changed)

	_, changed, err = f.svc.Unsend(ctx, room.ID, msg.ID, a)
	require.NoError(t, err)
	assert.False(t, changed)

	page, err := f.svc.GetPage(ctx, room.ID, b, 30, "")
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
}

func TestReplyToUnsentParentResolvesDeleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a, b := f.user(t, "alice"), f.user(t, "bob")
	room, err := f.svc.ResolveOrCreate(ctx, a, b)
	require.NoError(t, err)

	m1 := f.send(t, room.ID, a, "first")
	m2, _, err := f.svc.Send(ctx, SendRequest{RoomID: room.ID, SenderID: a, Content: "second", ParentMessageID: &m1.ID})
	require.NoError(t, err)
	require.NotNil(t, m2.Parent)
	assert.Equal(t, "first", m2.Parent.Content)

	_, _, err = f.svc.Unsend(ctx, room.ID, m1.ID, a)
	require.NoError(t, err)

	page, err := f.svc.GetPage(ctx, room.ID, b, 30, "")
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	got := page.Messages[0]
	assert.Equal(t, m2.ID, got.ID)
	assert.Equal(t, "second", got.Content)
	require.NotNil(t, got.Parent)
	assert.True(t, got.Parent.Deleted)
	assert.Empty(t, got.Parent.Content)
}

func TestGetPageGrowingLimitAndCursor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a, b := f.user(t, "alice"), f.user(t, "bob")
	room, err := f.svc.ResolveOrCreate(ctx, a, b)
	require.NoError(t, err)

	var sent []string
	for i := 0; i < 7; i++ {
		sender := a
		if i%2 == 1 {
			sender = b
		}
		sent = append(sent, f.send(t, room.ID, sender, "m").ID)
	}

	page, err := f.svc.GetPage(ctx, room.ID, a, 3, "")
	require.NoError(t, err)
	assert.True(t, page.HasMore)
	assert.Equal(t, sent[4:], ids(page.Messages))

	grown, err := f.svc.GetPage(ctx, room.ID, a, 6, "")
	require.NoError(t, err)
	assert.True(t, grown.HasMore)
	assert.Equal(t, sent[1:], ids(grown.Messages))

	// Walk backwards with the cursor; merging must reconstruct history exactly once.
	seen := map[string]int{}
	var merged []string
	before := ""
	for {
		p, err := f.svc.GetPage(ctx, room.ID, b, 3, before)
		require.NoError(t, err)
		for _, m := range p.Messages {
			seen[m.ID]++
		}
		merged = append(ids(p.Messages), merged...)
		if !p.HasMore {
			break
		}
		before = p.Messages[0].ID
	}
	assert.Equal(t, sent, merged)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestGetPageTiesBreakByInsertion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a, b := f.user(t, "alice"), f.user(t, "bob")
	room, err := f.svc.ResolveOrCreate(ctx, a, b)
	require.NoError(t, err)

	f.clock.frozen = true
	first := f.send(t, room.ID, a, "1")
	second := f.send(t, room.ID, b, "2")
	third := f.send(t, room.ID, a, "3")

	for i := 0; i < 3; i++ {
		page, err := f.svc.GetPage(ctx, room.ID, a, 30, "")
		require.NoError(t, err)
		assert.Equal(t, []string{first.ID, second.ID, third.ID}, ids(page.Messages))
	}

	page, err := f.svc.GetPage(ctx, room.ID, a, 1, third.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{second.ID}, ids(page.Messages))
	assert.True(t, page.HasMore)
}

func TestPageLimit(t *testing.T) {
	f := newFixture(t, nil)

	n, err := f.svc.PageLimit(0)
	require.NoError(t, err)
	assert.Equal(t, DefaultPageLimit, n)

	_, err = f.svc.PageLimit(MaxPageLimit + 1)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.PageLimit(-1)
	assert.ErrorIs(t, err, ErrValidation)

	assert.Equal(t, MaxPageLimit, f.svc.ClampPageLimit(10_000))
	assert.Equal(t, DefaultPageLimit, f.svc.ClampPageLimit(-5))
	assert.Equal(t, 12, f.svc.ClampPageLimit(12))
}

func TestMarkReadIsMonotonic(t *testing.T) {
	for _, withCache := range []bool{false, true} {
		name := "store"
		if withCache {
			name = "redis-cache"
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var cache UnreadCache
			if withCache {
				cache = newRedisCache(t)
			}
			f := newFixture(t, cache)
			a, b := f.user(t, "alice"), f.user(t, "bob")
			room, err := f.svc.ResolveOrCreate(ctx, a, b)
			require.NoError(t, err)

			f.send(t, room.ID, a, "one")
			n, err := f.svc.UnreadCount(ctx, room.ID, b)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			f.send(t, room.ID, a, "two")
			f.send(t, room.ID, b, "mine")
			n, err = f.svc.UnreadCount(ctx, room.ID, b)
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			_, changed, err := f.svc.MarkRead(ctx, room.ID, b)
			require.NoError(t, err)
			assert.Equal(t, int64(2), changed)

			_, changed, err = f.svc.MarkRead(ctx, room.ID, b)
			require.NoError(t, err)
			assert.Zero(t, changed)

			n, err = f.svc.UnreadCount(ctx, room.ID, b)
			require.NoError(t, err)
			assert.Zero(t, n)

			f.send(t, room.ID, a, "three")
			n, err = f.svc.UnreadCount(ctx, room.ID, b)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			// The sender's own messages never count against them.
			n, err = f.svc.UnreadCount(ctx, room.ID, a)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
		})
	}
}

func TestUnsendDropsUnreadCount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newRedisCache(t))
	a, b := f.user(t, "alice"), f.user(t, "bob")
	room, err := f.svc.ResolveOrCreate(ctx, a, b)
	require.NoError(t, err)

	msg := f.send(t, room.ID, a, "regret")
	n, err := f.svc.UnreadCount(ctx, room.ID, b)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, _, err = f.svc.Unsend(ctx, room.ID, msg.ID, a)
	require.NoError(t, err)

	n, err = f.svc.UnreadCount(ctx, room.ID, b)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMarkDeliveredNeverRegresses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a, b := f.user(t, "alice"), f.user(t, "bob")
	room, err := f.svc.ResolveOrCreate(ctx, a, b)
	require.NoError(t, err)
	msg := f.send(t, room.ID, a, "hi")

	_, _, err = f.svc.MarkRead(ctx, room.ID, b)
	require.NoError(t, err)

	changed, err := f.svc.MarkDelivered(ctx, msg.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	stored, err := f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, stored.Status)
}

func TestListChatRooms(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a, b, c := f.user(t, "alice"), f.user(t, "bob"), f.user(t, "carol")

	withBob, err := f.svc.ResolveOrCreate(ctx, a, b)
	require.NoError(t, err)
	withCarol, err := f.svc.ResolveOrCreate(ctx, a, c)
	require.NoError(t, err)

	f.send(t, withBob.ID, b, "hey alice")
	f.send(t, withCarol.ID, c, "first")
	f.send(t, withCarol.ID, c, "second")

	rooms, err := f.svc.ListChatRooms(ctx, a)
	require.NoError(t, err)
	require.Len(t, rooms, 2)

	assert.Equal(t, withCarol.ID, rooms[0].Room.ID)
	assert.Equal(t, "carol", rooms[0].Peer.Username)
	assert.Equal(t, "second", rooms[0].LastMessage.Content)
	assert.Equal(t, int64(2), rooms[0].UnreadCount)

	assert.Equal(t, withBob.ID, rooms[1].Room.ID)
	assert.Equal(t, int64(1), rooms[1].UnreadCount)
}

func TestCodeMapping(t *testing.T) {
	assert.Equal(t, CodeNotFound, Code(ErrNotFound))
	assert.Equal(t, CodeValidation, Code(ErrValidation))
	assert.Equal(t, CodeInternal, Code(assert.AnError))
	assert.True(t, Retryable(CodeInternal))
	assert.False(t, Retryable(CodeBlocked))
	assert.Equal(t, 422, HTTPStatus(CodeValidation))
	assert.Equal(t, "internal error, please retry", PublicMessage(assert.AnError))
}

func ids(messages []models.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.ID
	}
	return out
}

// hookStore runs afterInsert once a message is durably appended, before the
// service continues with the send.
type hookStore struct {
	store.DataStore
	afterInsert func(msg *models.Message)
}

func (h *hookStore) InsertMessage(ctx context.Context, msg *models.Message) error {
	if err := h.DataStore.InsertMessage(ctx, msg); err != nil {
		return err
	}
	if h.afterInsert != nil {
		h.afterInsert(msg)
	}
	return nil
}

func TestReadBetweenAppendAndCacheUpdate(t *testing.T) {
	ctx := context.Background()
	cache := newRedisCache(t)
	f := newFixture(t, cache)
	a, b := f.user(t, "alice"), f.user(t, "bob")
	room, err := f.svc.ResolveOrCreate(ctx, a, b)
	require.NoError(t, err)

	f.send(t, room.ID, a, "one")
	n, err := f.svc.UnreadCount(ctx, room.ID, b)
	require.NoError(t, err)
	require.Equal(t, int64(1), n, "cache is warm")

	// Bob reads the room after alice's second message is stored but before
	// her send finishes its cache bookkeeping.
	hooked := &hookStore{DataStore: f.store}
	sender := NewService(hooked, Options{Unread: cache, Logger: zerolog.Nop(), Now: f.clock.Now})
	hooked.afterInsert = func(*models.Message) {
		_, read, err := f.svc.MarkRead(ctx, room.ID, b)
		require.NoError(t, err)
		assert.Equal(t, int64(2), read)
	}
	_, _, err = sender.Send(ctx, SendRequest{RoomID: room.ID, SenderID: a, Content: "two"})
	require.NoError(t, err)

	stored, err := f.store.CountUnread(ctx, room.ID, b)
	require.NoError(t, err)
	assert.Zero(t, stored)

	n, err = f.svc.UnreadCount(ctx, room.ID, b)
	require.NoError(t, err)
	assert.Zero(t, n, "cached count must agree with the store")
}

func TestStaleFillIsDiscarded(t *testing.T) {
	ctx := context.Background()
	cache := newRedisCache(t)
	f := newFixture(t, cache)
	a, b := f.user(t, "alice"), f.user(t, "bob")
	room, err := f.svc.ResolveOrCreate(ctx, a, b)
	require.NoError(t, err)

	// Bob's count misses the cache and is computed from the store; a send lands
	// before the computed value is written back.
	_, _, gen, err := cache.GetUnread(ctx, room.ID, b)
	require.NoError(t, err)
	stale, err := f.store.CountUnread(ctx, room.ID, b)
	require.NoError(t, err)
	f.send(t, room.ID, a, "late")
	require.NoError(t, cache.FillUnread(ctx, room.ID, b, stale, gen))

	n, err := f.svc.UnreadCount(ctx, room.ID, b)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
