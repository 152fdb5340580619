package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaddinnagiyev/connectify/internal/api/middleware"
	"github.com/mahaddinnagiyev/connectify/internal/chat"
	"github.com/mahaddinnagiyev/connectify/internal/media"
	"github.com/mahaddinnagiyev/connectify/internal/realtime"
	"github.com/mahaddinnagiyev/connectify/internal/store"
)

const opTimeout = 10 * time.Second

// Uploader presigns media uploads.
type Uploader interface {
	PresignUpload(ctx context.Context, userID string, req media.UploadRequest) (*media.Upload, error)
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	engine *realtime.Engine
	ds     store.DataStore
	redis  *store.RedisStore
	media  Uploader
	logger zerolog.Logger
}

// Deps lists the collaborators of the HTTP surface. Redis and Media are optional.
type Deps struct {
	Engine *realtime.Engine
	Store  store.DataStore
	Redis  *store.RedisStore
	Media  Uploader
	Logger zerolog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(d Deps) *Handler {
	return &Handler{
		engine: d.Engine,
		ds:     d.Store,
		redis:  d.Redis,
		media:  d.Media,
		logger: d.Logger,
	}
}

// MediaEnabled reports whether upload presigning is configured.
func (h *Handler) MediaEnabled() bool {
	return h.media != nil
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Fail maps a domain error to its HTTP status and error body.
func (h *Handler) Fail(w http.ResponseWriter, r *http.Request, err error) {
	code := chat.Code(err)
	if code == chat.CodeInternal {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	h.JSON(w, chat.HTTPStatus(code), ErrorResponse{
		Error:     chat.PublicMessage(err),
		Code:      code,
		Retryable: chat.Retryable(code),
	})
}

// decodeJSON reads a strict JSON body into v. An empty body decodes as {}.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid JSON body: %v", chat.ErrValidation, err)
	}
	return nil
}

// currentUser returns the authenticated caller.
func currentUser(r *http.Request) (string, error) {
	userID := middleware.GetUserFromContext(r.Context())
	if userID == "" {
		return "", chat.ErrUnauthorized
	}
	return userID, nil
}

// opContext detaches a write from the request so the fan-out completes even if
// the client goes away.
func opContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), opTimeout)
}
