package realtime

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaddinnagiyev/connectify/internal/chat"
	"github.com/mahaddinnagiyev/connectify/internal/crypto"
	"github.com/mahaddinnagiyev/connectify/internal/metrics"
	"github.com/mahaddinnagiyev/connectify/internal/models"
	"github.com/mahaddinnagiyev/connectify/internal/notify"
)

const defaultOpTimeout = 10 * time.Second

// Presence records live sessions across instances.
type Presence interface {
	AddPresence(ctx context.Context, userID, sessionID string) error
	RefreshPresence(ctx context.Context, userID string) error
	RemovePresence(ctx context.Context, userID, sessionID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// Notifier dispatches a push notification to an offline user.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification) error
}

// EngineConfig wires optional collaborators. Nil fields disable the feature.
type EngineConfig struct {
	Broker    Broker
	Presence  Presence
	Notifier  Notifier
	Logger    zerolog.Logger
	OpTimeout time.Duration
}

// Engine runs realtime actions against the chat service and fans the results
// out to sessions. Both the WebSocket and the HTTP surfaces go through it.
type Engine struct {
	chat       *chat.Service
	hub        *Hub
	locks      *roomLocks
	broker     Broker
	presence   Presence
	notifier   Notifier
	logger     zerolog.Logger
	instanceID string
	opTimeout  time.Duration
}

// NewEngine creates an engine with its own hub.
func NewEngine(svc *chat.Service, cfg EngineConfig) *Engine {
	e := &Engine{
		chat:       svc,
		hub:        NewHub(),
		locks:      newRoomLocks(),
		broker:     cfg.Broker,
		presence:   cfg.Presence,
		notifier:   cfg.Notifier,
		logger:     cfg.Logger,
		instanceID: crypto.NewUUIDv7().String(),
		opTimeout:  cfg.OpTimeout,
	}
	if e.opTimeout <= 0 {
		e.opTimeout = defaultOpTimeout
	}
	return e
}

// Hub exposes the session registry.
func (e *Engine) Hub() *Hub {
	return e.hub
}

// Chat exposes the underlying service for read-only operations.
func (e *Engine) Chat() *chat.Service {
	return e.chat
}

// Start subscribes to the broker so deliveries from other instances reach local
// sessions. It is a no-op without a broker.
func (e *Engine) Start(ctx context.Context) error {
	if e.broker == nil {
		return nil
	}
	return e.broker.Subscribe(ctx, e.applyRemote)
}

// opContext detaches an operation from its caller so a disconnect mid-write still
// completes the write and the broadcast.
func (e *Engine) opContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), e.opTimeout)
}

// Connect registers a session.
func (e *Engine) Connect(s *Session) {
	e.hub.Register(s)
	metrics.WSConnections.Inc()

	if e.presence != nil {
		ctx, cancel := e.opContext(s.ctx)
		defer cancel()
		if err := e.presence.AddPresence(ctx, s.UserID, s.ID); err != nil {
			s.logger.Warn().Err(err).Msg("presence add failed")
		}
	}
	s.logger.Info().Msg("session connected")
}

// Disconnect drops a session and all of its subscriptions. No message state changes.
func (e *Engine) Disconnect(s *Session) {
	e.hub.Unregister(s)
	metrics.WSConnections.Dec()

	if e.presence != nil {
		ctx, cancel := e.opContext(s.ctx)
		defer cancel()
		if err := e.presence.RemovePresence(ctx, s.UserID, s.ID); err != nil {
			s.logger.Warn().Err(err).Msg("presence remove failed")
		}
	}
	s.logger.Info().Msg("session disconnected")
}

// Touch extends the session's presence.
func (e *Engine) Touch(s *Session) {
	if e.presence == nil {
		return
	}
	ctx, cancel := e.opContext(s.ctx)
	defer cancel()
	if err := e.presence.RefreshPresence(ctx, s.UserID); err != nil {
		s.logger.Debug().Err(err).Msg("presence refresh failed")
	}
}

// JoinRoom resolves the room with peerID and subscribes the session to it.
func (e *Engine) JoinRoom(ctx context.Context, s *Session, peerID string) (*models.Room, error) {
	room, err := e.chat.ResolveOrCreate(ctx, s.UserID, peerID)
	if err != nil {
		return nil, err
	}
	e.hub.Subscribe(s, room.ID)
	return room, nil
}

// LeaveRoom drops the session's subscription. Leaving a room never joined is a no-op.
func (e *Engine) LeaveRoom(s *Session, roomID string) {
	e.hub.Unsubscribe(s, roomID)
}

// SendMessage appends a message and fans it out. origin is the requesting session,
// or nil for HTTP callers; it always receives its own message exactly once, in
// the frame built by reply.
//
// The room is locked from the append until the room-list updates are queued, so
// every session sees a room's messages in store order.
func (e *Engine) SendMessage(ctx context.Context, origin *Session, req chat.SendRequest, reply func(*models.Message)) (*models.Message, error) {
	unlock := e.locks.lock(req.RoomID)
	msg, room, err := e.chat.Send(ctx, req)
	if err != nil {
		unlock()
		return nil, err
	}
	if reply != nil {
		reply(msg)
	}

	senderID := req.SenderID
	recipientID := room.Peer(senderID)
	exclude := sessionID(origin)

	frame, err := encodeFrame(EventNewMessage, "", NewMessageEvent{Message: msg})
	if err != nil {
		unlock()
		return nil, err
	}
	hits := e.dispatch(ctx, Delivery{
		Target:         TargetRoom,
		RoomID:         room.ID,
		ExcludeSession: exclude,
		Frame:          frame,
		TrackMessageID: msg.ID,
		Recipient:      recipientID,
	})
	if hits > 0 {
		e.markDelivered(ctx, room.ID, msg.ID)
	}

	// Room-list updates for sessions that are not looking at the room.
	if unread, err := e.chat.UnreadCount(ctx, room.ID, recipientID); err != nil {
		e.logger.Warn().Err(err).Str("room_id", room.ID).Msg("unread count failed")
	} else if frame, err := encodeFrame(EventUnreadCountUpdated, "", UnreadCountUpdatedEvent{RoomID: room.ID, Count: unread}); err == nil {
		e.dispatch(ctx, Delivery{Target: TargetOutside, RoomID: room.ID, Users: []string{recipientID}, Frame: frame})
	}
	if frame, err := encodeFrame(EventLastMessageUpdated, "", LastMessageUpdatedEvent{RoomID: room.ID, Message: msg}); err == nil {
		e.dispatch(ctx, Delivery{
			Target:         TargetOutside,
			RoomID:         room.ID,
			Users:          []string{recipientID, senderID},
			ExcludeSession: exclude,
			Frame:          frame,
		})
	}
	unlock()

	e.notifyIfOffline(ctx, recipientID, msg)
	return msg, nil
}

// Unsend soft-deletes a message and tells the room. Repeating it broadcasts nothing.
func (e *Engine) Unsend(ctx context.Context, origin *Session, userID, roomID, messageID string) error {
	defer e.locks.lock(roomID)()

	room, changed, err := e.chat.Unsend(ctx, roomID, messageID, userID)
	if err != nil || !changed {
		return err
	}

	frame, err := encodeFrame(EventMessageUnsent, "", MessageUnsentEvent{RoomID: room.ID, MessageID: messageID})
	if err != nil {
		return err
	}
	e.dispatch(ctx, Delivery{Target: TargetRoom, RoomID: room.ID, ExcludeSession: sessionID(origin), Frame: frame})

	// Both room lists may have lost their preview; the peer may also have lost an unread one.
	e.pushRoomState(ctx, room, room.Peer(userID), sessionID(origin))
	return nil
}

// MarkRead marks the peer's messages read and sends a read receipt to the room.
func (e *Engine) MarkRead(ctx context.Context, origin *Session, userID, roomID string) (int64, error) {
	room, n, err := e.chat.MarkRead(ctx, roomID, userID)
	if err != nil {
		return 0, err
	}

	if n > 0 {
		frame, err := encodeFrame(EventMessagesRead, "", MessagesReadEvent{RoomID: room.ID, ReaderID: userID, Count: n})
		if err != nil {
			return 0, err
		}
		e.dispatch(ctx, Delivery{Target: TargetRoom, RoomID: room.ID, ExcludeSession: sessionID(origin), Frame: frame})
	}

	// The reader's other devices clear their badge even when outside the room.
	if frame, err := encodeFrame(EventUnreadCountUpdated, "", UnreadCountUpdatedEvent{RoomID: room.ID}); err == nil {
		e.dispatch(ctx, Delivery{
			Target:         TargetOutside,
			RoomID:         room.ID,
			Users:          []string{userID},
			ExcludeSession: sessionID(origin),
			Frame:          frame,
		})
	}
	return n, nil
}

// pushRoomState refreshes the room-list entry of both participants on sessions
// outside the room: the last visible message for both, the unread count for peerID.
func (e *Engine) pushRoomState(ctx context.Context, room *models.Room, peerID, excludeSession string) {
	last, err := e.chat.LastMessage(ctx, room.ID)
	if err != nil {
		e.logger.Warn().Err(err).Str("room_id", room.ID).Msg("last message lookup failed")
	} else if frame, err := encodeFrame(EventLastMessageUpdated, "", LastMessageUpdatedEvent{RoomID: room.ID, Message: last}); err == nil {
		e.dispatch(ctx, Delivery{
			Target:         TargetOutside,
			RoomID:         room.ID,
			Users:          room.ParticipantIDs(),
			ExcludeSession: excludeSession,
			Frame:          frame,
		})
	}

	unread, err := e.chat.UnreadCount(ctx, room.ID, peerID)
	if err != nil {
		e.logger.Warn().Err(err).Str("room_id", room.ID).Msg("unread count failed")
		return
	}
	if frame, err := encodeFrame(EventUnreadCountUpdated, "", UnreadCountUpdatedEvent{RoomID: room.ID, Count: unread}); err == nil {
		e.dispatch(ctx, Delivery{Target: TargetOutside, RoomID: room.ID, Users: []string{peerID}, Frame: frame})
	}
}

// dispatch applies d locally and publishes it to other instances.
func (e *Engine) dispatch(ctx context.Context, d Delivery) int {
	d.Origin = e.instanceID
	hits := e.hub.Deliver(d)
	if e.broker != nil {
		if err := e.broker.Publish(ctx, d); err != nil {
			e.logger.Warn().Err(err).Str("room_id", d.RoomID).Msg("broker publish failed")
		}
	}
	return hits
}

// applyRemote delivers another instance's fan-out to local sessions.
func (e *Engine) applyRemote(d Delivery) {
	if d.Origin == e.instanceID {
		return
	}
	hits := e.hub.Deliver(d)
	if hits > 0 && d.TrackMessageID != "" {
		ctx, cancel := e.opContext(context.Background())
		defer cancel()
		e.markDelivered(ctx, d.RoomID, d.TrackMessageID)
	}
}

// markDelivered advances a message to delivered. Only the first instance to do so
// broadcasts the status change.
func (e *Engine) markDelivered(ctx context.Context, roomID, messageID string) {
	changed, err := e.chat.MarkDelivered(ctx, messageID)
	if err != nil {
		e.logger.Warn().Err(err).Str("message_id", messageID).Msg("mark delivered failed")
		return
	}
	if !changed {
		return
	}
	frame, err := encodeFrame(EventMessageStatus, "", MessageStatusEvent{
		RoomID:    roomID,
		MessageID: messageID,
		Status:    models.StatusDelivered,
	})
	if err != nil {
		return
	}
	e.dispatch(ctx, Delivery{Target: TargetRoom, RoomID: roomID, Frame: frame})
}

// notifyIfOffline sends a push notification when the recipient has no live session anywhere.
func (e *Engine) notifyIfOffline(ctx context.Context, recipientID string, msg *models.Message) {
	if e.notifier == nil || e.hub.Online(recipientID) {
		return
	}
	if e.presence != nil {
		online, err := e.presence.IsOnline(ctx, recipientID)
		if err != nil {
			e.logger.Warn().Err(err).Str("user_id", recipientID).Msg("presence lookup failed")
			return
		}
		if online {
			return
		}
	}

	preview := msg.Content
	if msg.Type.IsMedia() {
		preview = "Sent a " + string(msg.Type)
	}
	err := e.notifier.Notify(ctx, notify.Notification{
		UserID:    recipientID,
		RoomID:    msg.RoomID,
		MessageID: msg.ID,
		SenderID:  msg.SenderID,
		Preview:   notify.Preview(preview),
		CreatedAt: msg.CreatedAt,
	})
	if err != nil {
		metrics.Notifications.WithLabelValues("failed").Inc()
		e.logger.Warn().Err(err).Str("user_id", recipientID).Msg("notification dispatch failed")
	}
}

func sessionID(s *Session) string {
	if s == nil {
		return ""
	}
	return s.ID
}
