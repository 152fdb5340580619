package handlers

import (
	"net/http"

	"github.com/mahaddinnagiyev/connectify/internal/models"
)

// CreateRoomRequest resolves the room with a peer.
type CreateRoomRequest struct {
	PeerID string `json:"peerId"`
}

// RoomResponse wraps a single room.
type RoomResponse struct {
	Room *models.Room `json:"room"`
}

// RoomListResponse is the caller's chat room list.
type RoomListResponse struct {
	Rooms []models.RoomSummary `json:"rooms"`
}

// ListRooms returns the caller's rooms, most recent activity first.
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	rooms, err := h.engine.Chat().ListChatRooms(r.Context(), userID)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	if rooms == nil {
		rooms = []models.RoomSummary{}
	}
	h.JSON(w, http.StatusOK, RoomListResponse{Rooms: rooms})
}

// CreateRoom resolves or creates the room between the caller and a peer.
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	var req CreateRoomRequest
	if err := decodeJSON(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}

	ctx, cancel := opContext(r)
	defer cancel()

	room, err := h.engine.Chat().ResolveOrCreate(ctx, userID, req.PeerID)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, RoomResponse{Room: room})
}
