package handlers

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mahaddinnagiyev/connectify/internal/chat"
)

// GetUser handles directory lookup of a public profile.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		h.Fail(w, r, fmt.Errorf("%w: invalid user ID format", chat.ErrValidation))
		return
	}

	user, err := h.engine.Chat().User(r.Context(), id)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, user)
}
