package handlers

import (
	"net/http"

	"github.com/mahaddinnagiyev/connectify/internal/chat"
	"github.com/mahaddinnagiyev/connectify/internal/media"
)

// CreateUpload presigns a direct upload of a message attachment.
func (h *Handler) CreateUpload(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	if h.media == nil {
		h.JSON(w, http.StatusNotFound, ErrorResponse{Error: "media uploads are not configured", Code: chat.CodeNotFound})
		return
	}

	var req media.UploadRequest
	if err := decodeJSON(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}

	upload, err := h.media.PresignUpload(r.Context(), userID, req)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, upload)
}
