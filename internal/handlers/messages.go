package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mahaddinnagiyev/connectify/internal/chat"
	"github.com/mahaddinnagiyev/connectify/internal/models"
)

// PostMessageRequest is the body of a send.
type PostMessageRequest struct {
	Type            models.MessageType `json:"type"`
	Content         string             `json:"content"`
	MediaName       string             `json:"mediaName,omitempty"`
	MediaSizeBytes  *int64             `json:"mediaSizeBytes,omitempty"`
	ParentMessageID *string            `json:"parentMessageId,omitempty"`
}

// MessageResponse wraps a single message.
type MessageResponse struct {
	Message *models.Message `json:"message"`
}

// UnsendResponse acknowledges an unsend.
type UnsendResponse struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
}

// ReadResponse acknowledges a mark-read.
type ReadResponse struct {
	RoomID   string `json:"roomId"`
	ReaderID string `json:"readerId"`
	Count    int64  `json:"count"`
}

// GetMessages returns a page of history. The limit is clamped into range.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			h.Fail(w, r, fmt.Errorf("%w: limit must be an integer", chat.ErrValidation))
			return
		}
	}

	svc := h.engine.Chat()
	page, err := svc.GetPage(r.Context(), chi.URLParam(r, "id"), userID, svc.ClampPageLimit(limit), r.URL.Query().Get("before"))
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	if page.Messages == nil {
		page.Messages = []models.Message{}
	}
	h.JSON(w, http.StatusOK, page)
}

// PostMessage sends a message with the same fan-out as the realtime path.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	var req PostMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}

	ctx, cancel := opContext(r)
	defer cancel()

	msg, err := h.engine.SendMessage(ctx, nil, chat.SendRequest{
		RoomID:          chi.URLParam(r, "id"),
		SenderID:        userID,
		Type:            req.Type,
		Content:         req.Content,
		MediaName:       req.MediaName,
		MediaSizeBytes:  req.MediaSizeBytes,
		ParentMessageID: req.ParentMessageID,
	}, nil)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, MessageResponse{Message: msg})
}

// DeleteMessage unsends one of the caller's messages.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	roomID, messageID := chi.URLParam(r, "id"), chi.URLParam(r, "messageId")

	ctx, cancel := opContext(r)
	defer cancel()

	if err := h.engine.Unsend(ctx, nil, userID, roomID, messageID); err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, UnsendResponse{RoomID: roomID, MessageID: messageID})
}

// MarkRead marks the peer's messages in the room read.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	roomID := chi.URLParam(r, "id")

	ctx, cancel := opContext(r)
	defer cancel()

	n, err := h.engine.MarkRead(ctx, nil, userID, roomID)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, ReadResponse{RoomID: roomID, ReaderID: userID, Count: n})
}
