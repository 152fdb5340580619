package realtime

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mahaddinnagiyev/connectify/internal/api/middleware"
	"github.com/mahaddinnagiyev/connectify/internal/chat"
	"github.com/mahaddinnagiyev/connectify/internal/crypto"
	"github.com/mahaddinnagiyev/connectify/internal/metrics"
	"github.com/mahaddinnagiyev/connectify/internal/models"
)

// upgrader upgrades HTTP connections to WebSocket
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the CORS middleware
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Authenticator resolves a bearer token to a user id.
type Authenticator interface {
	Verify(token string) (string, error)
}

// Handler serves the realtime endpoint.
type Handler struct {
	engine *Engine
	auth   Authenticator
	logger zerolog.Logger
}

// NewHandler creates a WebSocket handler.
func NewHandler(engine *Engine, auth Authenticator, logger zerolog.Logger) *Handler {
	return &Handler{engine: engine, auth: auth, logger: logger}
}

// ServeWS authenticates and upgrades the request, then runs the session until it disconnects.
// The token comes from the Authorization header or the token query parameter.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := middleware.BearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	userID, err := h.auth.Verify(token)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"unauthorized"}`))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	middleware.SetLogUser(r.Context(), userID)

	s := NewSession(crypto.NewUUIDv7().String(), userID, conn, h.logger)
	h.engine.Connect(s)

	go s.WritePump()
	go func() {
		defer h.engine.Disconnect(s)
		s.ReadPump(func(raw []byte) { h.engine.HandleFrame(s, raw) }, func() { h.engine.Touch(s) })
	}()
}

// HandleFrame runs one inbound frame. Failures go back to the session as an error
// frame; the connection stays open.
func (e *Engine) HandleFrame(s *Session, raw []byte) {
	var f Frame
	if err := decodeStrict(raw, &f); err != nil {
		metrics.WSEvents.WithLabelValues("malformed", chat.CodeValidation).Inc()
		s.Enqueue(errorFrame("", "", err))
		return
	}

	ctx, cancel := e.opContext(s.ctx)
	defer cancel()

	err := e.route(ctx, s, f)
	event := f.Event
	if !knownEvent(event) {
		event = "unknown"
	}
	if err == nil {
		metrics.WSEvents.WithLabelValues(event, "ok").Inc()
		return
	}

	code := chat.Code(err)
	metrics.WSEvents.WithLabelValues(event, code).Inc()
	logEvent := s.logger.Warn()
	if code == chat.CodeInternal {
		logEvent = s.logger.Error()
	}
	logEvent.Err(err).Str("event", f.Event).Str("request_id", f.RequestID).Msg("realtime action failed")
	s.Enqueue(errorFrame(f.Event, f.RequestID, err))
}

func knownEvent(event string) bool {
	switch event {
	case EventJoinRoom, EventLeaveRoom, EventSendMessage, EventGetMessages,
		EventUnsendMessage, EventSetMessageRead, EventGetChatRooms:
		return true
	}
	return false
}

func (e *Engine) route(ctx context.Context, s *Session, f Frame) error {
	reply := func(event string, data any) error {
		frame, err := encodeFrame(event, f.RequestID, data)
		if err != nil {
			return err
		}
		s.Enqueue(frame)
		return nil
	}

	switch f.Event {
	case EventJoinRoom:
		var req JoinRoomRequest
		if err := decodeStrict(f.Data, &req); err != nil {
			return err
		}
		room, err := e.JoinRoom(ctx, s, req.PeerID)
		if err != nil {
			return err
		}
		return reply(EventRoomJoined, RoomJoinedEvent{Room: room})

	case EventLeaveRoom:
		var req LeaveRoomRequest
		if err := decodeStrict(f.Data, &req); err != nil {
			return err
		}
		if req.RoomID == "" {
			return fmt.Errorf("%w: roomId is required", chat.ErrValidation)
		}
		e.LeaveRoom(s, req.RoomID)
		return reply(EventRoomLeft, RoomLeftEvent{RoomID: req.RoomID})

	case EventSendMessage:
		var req SendMessageRequest
		if err := decodeStrict(f.Data, &req); err != nil {
			return err
		}
		var replyErr error
		_, err := e.SendMessage(ctx, s, chat.SendRequest{
			RoomID:          req.RoomID,
			SenderID:        s.UserID,
			Type:            req.Type,
			Content:         req.Content,
			MediaName:       req.MediaName,
			MediaSizeBytes:  req.MediaSizeBytes,
			ParentMessageID: req.ParentMessageID,
		}, func(msg *models.Message) {
			replyErr = reply(EventNewMessage, NewMessageEvent{Message: msg})
		})
		if err != nil {
			return err
		}
		return replyErr

	case EventGetMessages:
		var req GetMessagesRequest
		if err := decodeStrict(f.Data, &req); err != nil {
			return err
		}
		limit, err := e.chat.PageLimit(req.Limit)
		if err != nil {
			return err
		}
		page, err := e.chat.GetPage(ctx, req.RoomID, s.UserID, limit, req.Before)
		if err != nil {
			return err
		}
		return reply(EventMessages, MessagesEvent{RoomID: req.RoomID, Messages: page.Messages, HasMore: page.HasMore})

	case EventUnsendMessage:
		var req UnsendMessageRequest
		if err := decodeStrict(f.Data, &req); err != nil {
			return err
		}
		if err := e.Unsend(ctx, s, s.UserID, req.RoomID, req.MessageID); err != nil {
			return err
		}
		return reply(EventMessageUnsent, MessageUnsentEvent{RoomID: req.RoomID, MessageID: req.MessageID})

	case EventSetMessageRead:
		var req SetMessageReadRequest
		if err := decodeStrict(f.Data, &req); err != nil {
			return err
		}
		n, err := e.MarkRead(ctx, s, s.UserID, req.RoomID)
		if err != nil {
			return err
		}
		return reply(EventMessagesRead, MessagesReadEvent{RoomID: req.RoomID, ReaderID: s.UserID, Count: n})

	case EventGetChatRooms:
		var req struct{}
		if err := decodeStrict(f.Data, &req); err != nil {
			return err
		}
		rooms, err := e.chat.ListChatRooms(ctx, s.UserID)
		if err != nil {
			return err
		}
		return reply(EventChatRooms, ChatRoomsEvent{Rooms: rooms})

	default:
		return fmt.Errorf("%w: unknown event %q", chat.ErrValidation, f.Event)
	}
}
