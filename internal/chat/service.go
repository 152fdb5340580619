// Package chat implements direct messaging between two users: room resolution,
// the block gate, the send pipeline, history paging and unread state.
package chat

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaddinnagiyev/connectify/internal/models"
	"github.com/mahaddinnagiyev/connectify/internal/store"
)

const (
	DefaultPageLimit = 30
	MaxPageLimit     = 200
)

// UnreadCache is an optional cache of per-room unread counters.
// Every entry must be recomputable from the DataStore.
type UnreadCache interface {
	// GetUnread returns the cached count. On a miss ok is false and gen is the
	// key's generation, which FillUnread must still match.
	GetUnread(ctx context.Context, roomID, userID string) (n int64, ok bool, gen int64, err error)
	// FillUnread stores n unless the key exists or was invalidated after gen was read.
	FillUnread(ctx context.Context, roomID, userID string, n, gen int64) error
	InvalidateUnread(ctx context.Context, roomID, userID string) error
}

// Options configures a Service.
type Options struct {
	Unread       UnreadCache
	DefaultLimit int
	MaxLimit     int
	Logger       zerolog.Logger
	Now          func() time.Time
}

// Service is the messaging core shared by the realtime and HTTP surfaces.
type Service struct {
	store        store.DataStore
	unread       UnreadCache
	defaultLimit int
	maxLimit     int
	logger       zerolog.Logger
	now          func() time.Time
}

// NewService creates a Service over ds.
func NewService(ds store.DataStore, opts Options) *Service {
	s := &Service{
		store:        ds,
		unread:       opts.Unread,
		defaultLimit: opts.DefaultLimit,
		maxLimit:     opts.MaxLimit,
		logger:       opts.Logger,
		now:          opts.Now,
	}
	if s.maxLimit <= 0 {
		s.maxLimit = MaxPageLimit
	}
	if s.defaultLimit <= 0 || s.defaultLimit > s.maxLimit {
		s.defaultLimit = min(DefaultPageLimit, s.maxLimit)
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// timestamp is the creation time stamped on new rows; microsecond precision
// matches what both stores can represent.
func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// User looks up a directory entry.
func (s *Service) User(ctx context.Context, id string) (*models.User, error) {
	user, err := s.store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrNotFound
	}
	return user, nil
}
