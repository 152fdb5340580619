package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/mahaddinnagiyev/connectify/internal/crypto"
	"github.com/mahaddinnagiyev/connectify/internal/metrics"
	"github.com/mahaddinnagiyev/connectify/internal/models"
	"github.com/mahaddinnagiyev/connectify/internal/store"
)

const resolveAttempts = 3

// ResolveOrCreate returns the room of the unordered pair (userID, peerID), creating it on first use.
// Concurrent callers for the same pair all receive the same room: a losing insert
// hits the pair uniqueness constraint and re-reads the winner's row.
func (s *Service) ResolveOrCreate(ctx context.Context, userID, peerID string) (*models.Room, error) {
	if peerID == "" {
		return nil, fmt.Errorf("%w: peerId is required", ErrValidation)
	}
	if userID == peerID {
		return nil, fmt.Errorf("%w: cannot open a room with yourself", ErrValidation)
	}

	users, err := s.store.GetUsers(ctx, []string{userID, peerID})
	if err != nil {
		return nil, err
	}
	if users[userID] == nil || users[peerID] == nil {
		return nil, fmt.Errorf("user %w", ErrNotFound)
	}

	userA, userB, _ := models.PairKey(userID, peerID)
	for attempt := 0; attempt < resolveAttempts; attempt++ {
		room, err := s.store.GetRoomByPair(ctx, userA, userB)
		if err != nil {
			return nil, err
		}
		if room != nil {
			return room, nil
		}

		room = &models.Room{
			ID:        crypto.NewUUIDv7().String(),
			UserA:     userA,
			UserB:     userB,
			CreatedAt: s.timestamp(),
		}
		err = s.store.CreateRoom(ctx, room)
		if err == nil {
			metrics.RoomsCreated.Inc()
			s.logger.Debug().Str("room_id", room.ID).Msg("room created")
			return room, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("resolve room: pair kept conflicting after %d attempts", resolveAttempts)
}

// RoomFor returns a room the user participates in. Rooms of other users are
// reported as not found.
func (s *Service) RoomFor(ctx context.Context, roomID, userID string) (*models.Room, error) {
	if roomID == "" {
		return nil, fmt.Errorf("%w: roomId is required", ErrValidation)
	}
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room == nil || !room.HasParticipant(userID) {
		return nil, fmt.Errorf("room %w", ErrNotFound)
	}
	return room, nil
}

// ListChatRooms returns the user's rooms, most recently active first, each with
// the peer's profile, the newest visible message and the user's unread count.
func (s *Service) ListChatRooms(ctx context.Context, userID string) ([]models.RoomSummary, error) {
	rooms, err := s.store.ListRoomsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	peerIDs := make([]string, 0, len(rooms))
	for i := range rooms {
		peerIDs = append(peerIDs, rooms[i].Peer(userID))
	}
	peers, err := s.store.GetUsers(ctx, peerIDs)
	if err != nil {
		return nil, err
	}

	summaries := make([]models.RoomSummary, 0, len(rooms))
	for i := range rooms {
		room := rooms[i]
		last, err := s.store.LastMessage(ctx, room.ID)
		if err != nil {
			return nil, err
		}
		unread, err := s.UnreadCount(ctx, room.ID, userID)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, models.RoomSummary{
			Room:        room,
			Peer:        peers[room.Peer(userID)],
			LastMessage: last,
			UnreadCount: unread,
		})
	}
	return summaries, nil
}
