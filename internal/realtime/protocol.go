package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/mahaddinnagiyev/connectify/internal/chat"
	"github.com/mahaddinnagiyev/connectify/internal/models"
)

// Client to server events.
const (
	EventJoinRoom       = "joinRoom"
	EventLeaveRoom      = "leaveRoom"
	EventSendMessage    = "sendMessage"
	EventGetMessages    = "getMessages"
	EventUnsendMessage  = "unsendMessage"
	EventSetMessageRead = "setMessageRead"
	EventGetChatRooms   = "getChatRooms"
)

// Server to client events.
const (
	EventRoomJoined         = "roomJoined"
	EventRoomLeft           = "roomLeft"
	EventNewMessage         = "newMessage"
	EventMessages           = "messages"
	EventMessageUnsent      = "messageUnsent"
	EventMessagesRead       = "messagesRead"
	EventMessageStatus      = "messageStatus"
	EventUnreadCountUpdated = "unreadCountUpdated"
	EventLastMessageUpdated = "lastMessageUpdated"
	EventChatRooms          = "chatRooms"
	EventError              = "error"
)

// Frame is the envelope of every message on the wire in both directions.
type Frame struct {
	Event     string          `json:"event"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type JoinRoomRequest struct {
	PeerID string `json:"peerId"`
}

type LeaveRoomRequest struct {
	RoomID string `json:"roomId"`
}

type SendMessageRequest struct {
	RoomID          string             `json:"roomId"`
	Type            models.MessageType `json:"type"`
	Content         string             `json:"content"`
	MediaName       string             `json:"mediaName,omitempty"`
	MediaSizeBytes  *int64             `json:"mediaSizeBytes,omitempty"`
	ParentMessageID *string            `json:"parentMessageId,omitempty"`
}

type GetMessagesRequest struct {
	RoomID string `json:"roomId"`
	Limit  int    `json:"limit,omitempty"`
	Before string `json:"before,omitempty"`
}

type UnsendMessageRequest struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
}

type SetMessageReadRequest struct {
	RoomID string `json:"roomId"`
}

type RoomJoinedEvent struct {
	Room *models.Room `json:"room"`
}

type RoomLeftEvent struct {
	RoomID string `json:"roomId"`
}

type NewMessageEvent struct {
	Message *models.Message `json:"message"`
}

type MessagesEvent struct {
	RoomID   string           `json:"roomId"`
	Messages []models.Message `json:"messages"`
	HasMore  bool             `json:"hasMore"`
}

type MessageUnsentEvent struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
}

type MessagesReadEvent struct {
	RoomID   string `json:"roomId"`
	ReaderID string `json:"readerId"`
	Count    int64  `json:"count"`
}

type MessageStatusEvent struct {
	RoomID    string               `json:"roomId"`
	MessageID string               `json:"messageId"`
	Status    models.MessageStatus `json:"status"`
}

type UnreadCountUpdatedEvent struct {
	RoomID string `json:"roomId"`
	Count  int64  `json:"count"`
}

type LastMessageUpdatedEvent struct {
	RoomID  string          `json:"roomId"`
	Message *models.Message `json:"message"`
}

type ChatRoomsEvent struct {
	Rooms []models.RoomSummary `json:"rooms"`
}

type ErrorEvent struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Event     string `json:"event,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// decodeStrict unmarshals exactly one JSON value into v, rejecting unknown fields.
// An empty payload decodes as {}.
func decodeStrict(raw []byte, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %s", chat.ErrValidation, err.Error())
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("%w: trailing data after payload", chat.ErrValidation)
	}
	return nil
}

// encodeFrame builds a wire frame. Payloads are plain structs, so marshal errors
// indicate a programming error and are returned to the caller.
func encodeFrame(event, requestID string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, RequestID: requestID, Data: payload})
}

func errorFrame(event, requestID string, err error) []byte {
	code := chat.Code(err)
	frame, _ := encodeFrame(EventError, requestID, ErrorEvent{
		Code:      code,
		Message:   chat.PublicMessage(err),
		Retryable: chat.Retryable(code),
		Event:     event,
		RequestID: requestID,
	})
	return frame
}
