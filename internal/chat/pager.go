package chat

import (
	"context"
	"fmt"
	"slices"

	"github.com/mahaddinnagiyev/connectify/internal/models"
	"github.com/mahaddinnagiyev/connectify/internal/store"
)

// GetPage returns up to limit of the room's newest non-deleted messages, oldest first.
// When beforeID is set only messages strictly older than it are considered.
// HasMore reports whether older visible messages remain.
//
// limit must already be normalized with PageLimit or ClampPageLimit.
func (s *Service) GetPage(ctx context.Context, roomID, userID string, limit int, beforeID string) (*models.Page, error) {
	room, err := s.RoomFor(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}

	var cursor *store.Cursor
	if beforeID != "" {
		before, err := s.store.GetMessage(ctx, beforeID)
		if err != nil {
			return nil, err
		}
		if before == nil || before.RoomID != room.ID {
			return nil, fmt.Errorf("message %w", ErrNotFound)
		}
		cursor = store.CursorOf(before)
	}

	// Fetch one extra row to learn whether anything older remains.
	messages, err := s.store.ListMessages(ctx, room.ID, limit+1, cursor)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}
	slices.Reverse(messages)

	return &models.Page{Messages: messages, HasMore: hasMore}, nil
}
