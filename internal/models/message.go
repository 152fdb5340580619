package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType tags the kind of content a message carries.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageVideo MessageType = "video"
	MessageAudio MessageType = "audio"
	MessageFile  MessageType = "file"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageVideo, MessageAudio, MessageFile:
		return true
	}
	return false
}

// IsMedia reports whether the content is a media URL rather than a text body.
func (t MessageType) IsMedia() bool {
	return t.Valid() && t != MessageText
}

// MessageStatus is the delivery state of a message. Values are ordered so a
// transition is valid only when it moves to a greater value.
type MessageStatus int

const (
	StatusPending MessageStatus = iota
	StatusSent
	StatusDelivered
	StatusRead
)

var statusNames = [...]string{"pending", "sent", "delivered", "read"}

func (s MessageStatus) String() string {
	if s < StatusPending || s > StatusRead {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// Advance returns the next status if moving to next is allowed.
func (s MessageStatus) Advance(next MessageStatus) (MessageStatus, bool) {
	if next <= s || next > StatusRead {
		return s, false
	}
	return next, true
}

func (s MessageStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *MessageStatus) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	for i, n := range statusNames {
		if n == name {
			*s = MessageStatus(i)
			return nil
		}
	}
	return fmt.Errorf("unknown message status %q", name)
}

// Message is one entry in a room's history.
type Message struct {
	ID              string         `json:"id"` // ULID
	RoomID          string         `json:"roomId"`
	SenderID        string         `json:"senderId"`
	Type            MessageType    `json:"type"`
	Content         string         `json:"content"`
	MediaName       string         `json:"mediaName,omitempty"`
	MediaSizeBytes  *int64         `json:"mediaSizeBytes,omitempty"`
	ParentMessageID *string        `json:"parentMessageId,omitempty"`
	Parent          *ParentPreview `json:"parent,omitempty"`
	Status          MessageStatus  `json:"status"`
	CreatedAt       time.Time      `json:"createdAt"`
	DeletedAt       *time.Time     `json:"deletedAt,omitempty"`

	// Seq is the store insertion sequence used to break created_at ties.
	Seq int64 `json:"-"`
}

// Deleted reports whether the message has been unsent.
func (m *Message) Deleted() bool {
	return m.DeletedAt != nil
}

// ParentPreview is a reply target resolved when the message is read.
type ParentPreview struct {
	ID       string      `json:"id"`
	SenderID string      `json:"senderId,omitempty"`
	Type     MessageType `json:"type,omitempty"`
	Content  string      `json:"content,omitempty"`
	Deleted  bool        `json:"deleted"`
}

// Page is a chunk of history, oldest first.
type Page struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}
