package chat

import (
	"context"
	"fmt"

	"github.com/mahaddinnagiyev/connectify/internal/crypto"
	"github.com/mahaddinnagiyev/connectify/internal/metrics"
	"github.com/mahaddinnagiyev/connectify/internal/models"
)

// Send appends a message to a room after the block gate and validation pass.
// The returned message has status Sent. Nothing is written on any error.
func (s *Service) Send(ctx context.Context, req SendRequest) (*models.Message, *models.Room, error) {
	if err := req.validate(); err != nil {
		return nil, nil, err
	}

	room, err := s.RoomFor(ctx, req.RoomID, req.SenderID)
	if err != nil {
		return nil, nil, err
	}
	recipientID := room.Peer(req.SenderID)

	if err := s.CanSend(ctx, req.SenderID, recipientID); err != nil {
		return nil, nil, err
	}

	var parent *models.Message
	if req.ParentMessageID != nil {
		parent, err = s.store.GetMessage(ctx, *req.ParentMessageID)
		if err != nil {
			return nil, nil, err
		}
		if parent == nil {
			return nil, nil, fmt.Errorf("parent message %w", ErrNotFound)
		}
		if parent.RoomID != room.ID {
			return nil, nil, fmt.Errorf("%w: parent message belongs to another room", ErrValidation)
		}
	}

	now := s.timestamp()
	msg := &models.Message{
		ID:              crypto.NewMessageID(now),
		RoomID:          room.ID,
		SenderID:        req.SenderID,
		Type:            req.Type,
		Content:         req.Content,
		MediaName:       req.MediaName,
		MediaSizeBytes:  req.MediaSizeBytes,
		ParentMessageID: req.ParentMessageID,
		Status:          models.StatusPending,
		CreatedAt:       now,
	}
	// Pending becomes Sent by the durable append itself.
	msg.Status, _ = msg.Status.Advance(models.StatusSent)

	if err := s.store.InsertMessage(ctx, msg); err != nil {
		return nil, nil, fmt.Errorf("append message: %w", err)
	}
	metrics.MessagesSent.WithLabelValues(string(msg.Type)).Inc()

	if parent != nil {
		msg.Parent = previewOf(parent)
	}

	s.invalidateUnread(ctx, room.ID, recipientID)

	return msg, room, nil
}

func previewOf(parent *models.Message) *models.ParentPreview {
	if parent.Deleted() {
		return &models.ParentPreview{ID: parent.ID, Deleted: true}
	}
	return &models.ParentPreview{
		ID:       parent.ID,
		SenderID: parent.SenderID,
		Type:     parent.Type,
		Content:  parent.Content,
	}
}

// Unsend soft-deletes the requester's own message. Unsending an already
// unsent message succeeds with changed == false.
func (s *Service) Unsend(ctx context.Context, roomID, messageID, requesterID string) (room *models.Room, changed bool, err error) {
	if messageID == "" {
		return nil, false, fmt.Errorf("%w: messageId is required", ErrValidation)
	}
	room, err = s.RoomFor(ctx, roomID, requesterID)
	if err != nil {
		return nil, false, err
	}

	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, false, err
	}
	if msg == nil || msg.RoomID != room.ID {
		return nil, false, fmt.Errorf("message %w", ErrNotFound)
	}
	if msg.SenderID != requesterID {
		return nil, false, fmt.Errorf("%w: only the sender can unsend a message", ErrForbidden)
	}

	changed, err = s.store.SoftDeleteMessage(ctx, messageID, s.timestamp())
	if err != nil {
		return nil, false, fmt.Errorf("unsend message: %w", err)
	}

	if changed {
		s.invalidateUnread(ctx, room.ID, room.Peer(requesterID))
	}
	return room, changed, nil
}

// MarkRead marks every message the peer sent in the room as read and returns how many changed.
func (s *Service) MarkRead(ctx context.Context, roomID, readerID string) (*models.Room, int64, error) {
	room, err := s.RoomFor(ctx, roomID, readerID)
	if err != nil {
		return nil, 0, err
	}

	n, err := s.store.MarkRoomRead(ctx, room.ID, readerID)
	if err != nil {
		return nil, 0, fmt.Errorf("mark read: %w", err)
	}

	s.invalidateUnread(ctx, room.ID, readerID)
	return room, n, nil
}

// MarkDelivered advances a message to Delivered. It reports false when the
// message was already delivered or read.
func (s *Service) MarkDelivered(ctx context.Context, messageID string) (bool, error) {
	return s.store.AdvanceStatus(ctx, messageID, models.StatusDelivered)
}

// LastMessage returns the newest visible message of a room, or nil when there is none.
func (s *Service) LastMessage(ctx context.Context, roomID string) (*models.Message, error) {
	return s.store.LastMessage(ctx, roomID)
}

// UnreadCount returns how many visible peer messages in the room the user has not read.
// The store count is authoritative. A cached value is only written when no write
// to the room invalidated the key since the miss, and it is never extended, so a
// stale entry lives at most one TTL.
func (s *Service) UnreadCount(ctx context.Context, roomID, userID string) (int64, error) {
	var gen int64
	cached := s.unread != nil
	if cached {
		n, ok, g, err := s.unread.GetUnread(ctx, roomID, userID)
		switch {
		case err != nil:
			s.logger.Warn().Err(err).Str("room_id", roomID).Msg("unread cache read failed")
			cached = false
		case ok:
			return n, nil
		default:
			gen = g
		}
	}

	n, err := s.store.CountUnread(ctx, roomID, userID)
	if err != nil {
		return 0, err
	}

	if cached {
		if err := s.unread.FillUnread(ctx, roomID, userID, n, gen); err != nil {
			s.logger.Warn().Err(err).Str("room_id", roomID).Msg("unread cache fill failed")
		}
	}
	return n, nil
}

// invalidateUnread drops a cached counter after a write that changes it.
func (s *Service) invalidateUnread(ctx context.Context, roomID, userID string) {
	if s.unread == nil {
		return
	}
	if err := s.unread.InvalidateUnread(ctx, roomID, userID); err != nil {
		s.logger.Warn().Err(err).Str("room_id", roomID).Msg("unread cache invalidate failed")
	}
}
