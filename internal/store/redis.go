package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	unreadTTL    = time.Hour
	unreadGenTTL = 2 * unreadTTL
	presenceTTL  = 2 * time.Minute
)

// fillIfCurrent writes a recomputed counter only when the key is absent and its
// generation is still the one read on the miss. KEYS: counter, generation.
// ARGV: value, generation, ttl seconds.
var fillIfCurrent = redis.NewScript(`
local gen = redis.call("GET", KEYS[2]) or "0"
if gen ~= ARGV[2] then
	return 0
end
if redis.call("SET", KEYS[1], ARGV[1], "EX", ARGV[3], "NX") then
	return 1
end
return 0
`)

// RedisStore handles Redis operations for unread counters, presence and pub/sub.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Client exposes the underlying client for rate limiting and the broker.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// unreadKey returns the key for a user's unread counter in a room.
func unreadKey(roomID, userID string) string {
	return fmt.Sprintf("unread:%s:%s", roomID, userID)
}

// unreadGenKey returns the key counting invalidations of an unread counter.
func unreadGenKey(roomID, userID string) string {
	return fmt.Sprintf("unread-gen:%s:%s", roomID, userID)
}

// presenceKey returns the key for a user's live session set.
func presenceKey(userID string) string {
	return fmt.Sprintf("presence:%s", userID)
}

// GetUnread returns the cached unread count. On a miss ok is false and gen is the
// counter's current generation.
func (s *RedisStore) GetUnread(ctx context.Context, roomID, userID string) (n int64, ok bool, gen int64, err error) {
	pipe := s.client.Pipeline()
	val := pipe.Get(ctx, unreadKey(roomID, userID))
	genCmd := pipe.Get(ctx, unreadGenKey(roomID, userID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, false, 0, err
	}

	gen, err = genCmd.Int64()
	if errors.Is(err, redis.Nil) {
		gen, err = 0, nil
	}
	if err != nil {
		return 0, false, 0, err
	}

	n, err = val.Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, gen, nil
	}
	if err != nil {
		return 0, false, 0, err
	}
	return n, true, gen, nil
}

// FillUnread caches a count recomputed from the database. The write is skipped
// when the counter was invalidated after gen was read, or is already cached.
// The TTL is set once and never extended.
func (s *RedisStore) FillUnread(ctx context.Context, roomID, userID string, n, gen int64) error {
	keys := []string{unreadKey(roomID, userID), unreadGenKey(roomID, userID)}
	return fillIfCurrent.Run(ctx, s.client, keys, n, gen, int(unreadTTL.Seconds())).Err()
}

// InvalidateUnread drops a cached counter and bumps its generation so an
// in-flight fill computed before this call is discarded.
func (s *RedisStore) InvalidateUnread(ctx context.Context, roomID, userID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, unreadKey(roomID, userID))
	pipe.Incr(ctx, unreadGenKey(roomID, userID))
	pipe.Expire(ctx, unreadGenKey(roomID, userID), unreadGenTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// AddPresence records a live session for a user.
func (s *RedisStore) AddPresence(ctx context.Context, userID, sessionID string) error {
	key := presenceKey(userID)
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, key, sessionID)
	pipe.Expire(ctx, key, presenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// RefreshPresence extends a user's presence while any session is alive.
func (s *RedisStore) RefreshPresence(ctx context.Context, userID string) error {
	return s.client.Expire(ctx, presenceKey(userID), presenceTTL).Err()
}

// RemovePresence removes a session from a user's presence set.
func (s *RedisStore) RemovePresence(ctx context.Context, userID, sessionID string) error {
	return s.client.SRem(ctx, presenceKey(userID), sessionID).Err()
}

// IsOnline reports whether the user has a live session on any instance.
func (s *RedisStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := s.client.SCard(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
