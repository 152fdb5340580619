package store

import (
	"context"
	"errors"
	"time"

	"github.com/mahaddinnagiyev/connectify/internal/models"
)

// ErrConflict is returned when an insert violates a uniqueness constraint.
var ErrConflict = errors.New("store: unique constraint conflict")

// Cursor positions keyset pagination at a message; listings return rows strictly older.
type Cursor struct {
	CreatedAt time.Time
	Seq       int64
}

// CursorOf returns the cursor for msg.
func CursorOf(msg *models.Message) *Cursor {
	return &Cursor{CreatedAt: msg.CreatedAt, Seq: msg.Seq}
}

// DataStore defines the interface for persistent storage of users, blocks, rooms and messages.
// Both PostgresStore and SQLiteStore implement this interface.
// Getters return (nil, nil) when the row does not exist.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// User directory (owned by the profile service)
	UpsertUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUsers(ctx context.Context, ids []string) (map[string]*models.User, error)

	// Block list (owned by the friendship service)
	CreateBlock(ctx context.Context, blockerID, blockedID string) error
	DeleteBlock(ctx context.Context, blockerID, blockedID string) error
	IsBlocked(ctx context.Context, userA, userB string) (bool, error)

	// Room operations
	CreateRoom(ctx context.Context, room *models.Room) error
	GetRoom(ctx context.Context, id string) (*models.Room, error)
	GetRoomByPair(ctx context.Context, userA, userB string) (*models.Room, error)
	ListRoomsForUser(ctx context.Context, userID string) ([]models.Room, error)

	// Message operations
	InsertMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	ListMessages(ctx context.Context, roomID string, limit int, before *Cursor) ([]models.Message, error)
	LastMessage(ctx context.Context, roomID string) (*models.Message, error)
	SoftDeleteMessage(ctx context.Context, id string, at time.Time) (bool, error)
	AdvanceStatus(ctx context.Context, id string, status models.MessageStatus) (bool, error)
	MarkRoomRead(ctx context.Context, roomID, readerID string) (int64, error)
	CountUnread(ctx context.Context, roomID, userID string) (int64, error)
}

// parentColumns holds the nullable columns of a LEFT JOIN on the parent message.
type parentColumns struct {
	senderID *string
	msgType  *string
	content  *string
	deleted  bool
}

// resolveParent fills msg.Parent from the joined parent row. A parent that was unsent
// or no longer exists resolves to a deleted placeholder without content.
func resolveParent(msg *models.Message, p parentColumns) {
	if msg.ParentMessageID == nil {
		return
	}
	preview := &models.ParentPreview{ID: *msg.ParentMessageID}
	if p.senderID == nil || p.deleted {
		preview.Deleted = true
	} else {
		preview.SenderID = *p.senderID
		if p.msgType != nil {
			preview.Type = models.MessageType(*p.msgType)
		}
		if p.content != nil {
			preview.Content = *p.content
		}
	}
	msg.Parent = preview
}

// messageSelect is shared by both SQL stores; placeholders differ, columns do not.
const messageSelect = `
	SELECT m.seq, m.id, m.room_id, m.sender_id, m.type, m.content,
		COALESCE(m.media_name, ''), m.media_size_bytes, m.parent_id, m.status,
		m.created_at, m.deleted_at,
		p.sender_id, p.type, p.content, p.deleted_at
	FROM messages m
	LEFT JOIN messages p ON p.id = m.parent_id`
