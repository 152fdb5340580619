package models

import (
	"encoding/json"
	"time"
)

// Room is the single conversation between exactly two users.
// UserA and UserB are stored in sorted order so the pair is unordered.
type Room struct {
	ID            string
	UserA         string
	UserB         string
	CreatedAt     time.Time
	LastMessageAt *time.Time
}

type roomJSON struct {
	ID             string     `json:"id"`
	ParticipantIDs []string   `json:"participantIds"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastMessageAt  *time.Time `json:"lastMessageAt,omitempty"`
}

func (r Room) MarshalJSON() ([]byte, error) {
	return json.Marshal(roomJSON{
		ID:             r.ID,
		ParticipantIDs: r.ParticipantIDs(),
		CreatedAt:      r.CreatedAt,
		LastMessageAt:  r.LastMessageAt,
	})
}

func (r *Room) UnmarshalJSON(b []byte) error {
	var v roomJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	r.ID, r.CreatedAt, r.LastMessageAt = v.ID, v.CreatedAt, v.LastMessageAt
	if len(v.ParticipantIDs) == 2 {
		r.UserA, r.UserB, _ = PairKey(v.ParticipantIDs[0], v.ParticipantIDs[1])
	}
	return nil
}

// ParticipantIDs returns both participants.
func (r *Room) ParticipantIDs() []string {
	return []string{r.UserA, r.UserB}
}

// HasParticipant reports whether userID is one of the two participants.
func (r *Room) HasParticipant(userID string) bool {
	return r.UserA == userID || r.UserB == userID
}

// Peer returns the other participant, or "" if userID is not in the room.
func (r *Room) Peer(userID string) string {
	switch userID {
	case r.UserA:
		return r.UserB
	case r.UserB:
		return r.UserA
	}
	return ""
}

// PairKey is the normalized key for an unordered pair of user ids.
func PairKey(a, b string) (string, string, string) {
	if b < a {
		a, b = b, a
	}
	return a, b, a + ":" + b
}

// RoomSummary is one entry of a user's chat room list.
type RoomSummary struct {
	Room        Room     `json:"room"`
	Peer        *User    `json:"peer,omitempty"`
	LastMessage *Message `json:"lastMessage,omitempty"`
	UnreadCount int64    `json:"unreadCount"`
}
