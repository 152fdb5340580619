package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024

	// Outbound frames buffered per session before it counts as a slow consumer
	sendBuffer = 256
)

// Session is one live connection of a user. A user may hold several.
type Session struct {
	ID     string
	UserID string

	conn   *websocket.Conn
	send   chan []byte
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	rooms map[string]struct{}
}

// NewSession creates a session for an upgraded connection. conn may be nil for
// sessions that are only used to collect frames.
func NewSession(id, userID string, conn *websocket.Conn, logger zerolog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:     id,
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		logger: logger.With().Str("conn_id", id).Str("user_id", userID).Logger(),
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]struct{}),
	}
}

// Done is closed once the session is shutting down.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Close starts shutting the session down. The write pump sends a close frame
// and the read pump then exits and unregisters.
func (s *Session) Close() {
	s.cancel()
}

// Enqueue queues a frame without blocking. A session whose buffer is full is
// closed and the frame is dropped.
func (s *Session) Enqueue(frame []byte) bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		s.logger.Warn().Msg("send buffer full, disconnecting slow consumer")
		s.Close()
		return false
	}
}

// Subscribed reports whether the session has joined roomID.
func (s *Session) Subscribed(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[roomID]
	return ok
}

func (s *Session) addRoom(roomID string) {
	s.mu.Lock()
	s.rooms[roomID] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) removeRoom(roomID string) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
}

// drainRooms returns and clears the subscription set.
func (s *Session) drainRooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	s.rooms = make(map[string]struct{})
	return ids
}

// ReadPump reads frames from the connection and hands each to handle, one at a time.
// onPong runs on every pong. It returns when the connection fails or the session closes.
func (s *Session) ReadPump(handle func(raw []byte), onPong func()) {
	defer s.Close()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		if onPong != nil {
			onPong()
		}
		return nil
	})

	for {
		msgType, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Msg("read error")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		handle(message)
	}
}

// WritePump writes queued frames and keepalive pings until the session closes.
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.Close()
				return
			}

			// Send any queued messages as separate frames
			n := len(s.send)
			for i := 0; i < n; i++ {
				if err := s.conn.WriteMessage(websocket.TextMessage, <-s.send); err != nil {
					s.Close()
					return
				}
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}

		case <-s.ctx.Done():
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
