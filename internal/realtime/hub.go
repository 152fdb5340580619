package realtime

import (
	"encoding/json"
	"sync"
)

// Delivery targets.
const (
	// TargetRoom reaches every session subscribed to the room.
	TargetRoom = "room"
	// TargetOutside reaches the sessions of Users that are not subscribed to the room.
	TargetOutside = "outside"
)

// Delivery is one fan-out unit. It is applied to local sessions and, when a
// broker is configured, published so other instances apply it too.
type Delivery struct {
	Origin         string          `json:"origin"`
	Target         string          `json:"target"`
	RoomID         string          `json:"roomId"`
	Users          []string        `json:"users,omitempty"`
	ExcludeSession string          `json:"excludeSession,omitempty"`
	Frame          json.RawMessage `json:"frame"`

	// When set, a recipient session receiving this frame moves the message to delivered.
	TrackMessageID string `json:"trackMessageId,omitempty"`
	Recipient      string `json:"recipient,omitempty"`
}

type roomSubscribers struct {
	mu       sync.RWMutex
	sessions map[*Session]struct{}
}

// Hub is the process-local session registry. Each room's subscriber set has its
// own lock, so fan-out in one room never waits on another.
type Hub struct {
	usersMu sync.RWMutex
	users   map[string]map[*Session]struct{}

	roomsMu sync.RWMutex
	rooms   map[string]*roomSubscribers
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		users: make(map[string]map[*Session]struct{}),
		rooms: make(map[string]*roomSubscribers),
	}
}

// Register adds a connected session.
func (h *Hub) Register(s *Session) {
	h.usersMu.Lock()
	defer h.usersMu.Unlock()
	set, ok := h.users[s.UserID]
	if !ok {
		set = make(map[*Session]struct{})
		h.users[s.UserID] = set
	}
	set[s] = struct{}{}
}

// Unregister removes a session and drops all of its subscriptions.
// It reports whether the user has no other session left on this instance.
func (h *Hub) Unregister(s *Session) (lastSession bool) {
	for _, roomID := range s.drainRooms() {
		h.removeSubscriber(roomID, s)
	}

	h.usersMu.Lock()
	defer h.usersMu.Unlock()
	set := h.users[s.UserID]
	delete(set, s)
	if len(set) == 0 {
		delete(h.users, s.UserID)
		return true
	}
	return false
}

// Subscribe adds the session to a room's subscribers.
func (h *Hub) Subscribe(s *Session, roomID string) {
	h.roomsMu.Lock()
	room, ok := h.rooms[roomID]
	if !ok {
		room = &roomSubscribers{sessions: make(map[*Session]struct{})}
		h.rooms[roomID] = room
	}
	room.mu.Lock()
	room.sessions[s] = struct{}{}
	room.mu.Unlock()
	h.roomsMu.Unlock()

	s.addRoom(roomID)
}

// Unsubscribe removes the session from a room's subscribers.
func (h *Hub) Unsubscribe(s *Session, roomID string) {
	s.removeRoom(roomID)
	h.removeSubscriber(roomID, s)
}

func (h *Hub) removeSubscriber(roomID string, s *Session) {
	h.roomsMu.Lock()
	defer h.roomsMu.Unlock()
	room, ok := h.rooms[roomID]
	if !ok {
		return
	}
	room.mu.Lock()
	delete(room.sessions, s)
	empty := len(room.sessions) == 0
	room.mu.Unlock()
	if empty {
		delete(h.rooms, roomID)
	}
}

// Subscribers returns the sessions subscribed to roomID.
func (h *Hub) Subscribers(roomID string) []*Session {
	h.roomsMu.RLock()
	room, ok := h.rooms[roomID]
	h.roomsMu.RUnlock()
	if !ok {
		return nil
	}

	room.mu.RLock()
	defer room.mu.RUnlock()
	out := make([]*Session, 0, len(room.sessions))
	for s := range room.sessions {
		out = append(out, s)
	}
	return out
}

// SessionsOf returns the user's sessions on this instance.
func (h *Hub) SessionsOf(userID string) []*Session {
	h.usersMu.RLock()
	defer h.usersMu.RUnlock()
	set := h.users[userID]
	out := make([]*Session, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// Online reports whether the user has a session on this instance.
func (h *Hub) Online(userID string) bool {
	h.usersMu.RLock()
	defer h.usersMu.RUnlock()
	return len(h.users[userID]) > 0
}

// CloseAll closes every local session. Their pumps unregister them on the way out.
func (h *Hub) CloseAll() {
	h.usersMu.RLock()
	var all []*Session
	for _, set := range h.users {
		for s := range set {
			all = append(all, s)
		}
	}
	h.usersMu.RUnlock()

	for _, s := range all {
		s.Close()
	}
}

// Deliver applies d to local sessions. It returns how many sessions of
// d.Recipient received the frame.
func (h *Hub) Deliver(d Delivery) (recipientHits int) {
	var targets []*Session
	switch d.Target {
	case TargetRoom:
		targets = h.Subscribers(d.RoomID)
	case TargetOutside:
		for _, userID := range d.Users {
			for _, s := range h.SessionsOf(userID) {
				if !s.Subscribed(d.RoomID) {
					targets = append(targets, s)
				}
			}
		}
	}

	for _, s := range targets {
		if s.ID == d.ExcludeSession {
			continue
		}
		if s.Enqueue(d.Frame) && d.Recipient != "" && s.UserID == d.Recipient {
			recipientHits++
		}
	}
	return recipientHits
}
