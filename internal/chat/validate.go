package chat

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/mahaddinnagiyev/connectify/internal/models"
)

const (
	MaxTextBytes      = 4096
	MaxMediaNameBytes = 255
	MaxMediaSizeBytes = 100 << 20
)

// SendRequest is a validated-on-use request to append a message.
type SendRequest struct {
	RoomID          string
	SenderID        string
	Type            models.MessageType
	Content         string
	MediaName       string
	MediaSizeBytes  *int64
	ParentMessageID *string
}

func (r *SendRequest) validate() error {
	if r.RoomID == "" {
		return fmt.Errorf("%w: roomId is required", ErrValidation)
	}
	if r.Type == "" {
		r.Type = models.MessageText
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unsupported message type %q", ErrValidation, r.Type)
	}
	if r.ParentMessageID != nil && *r.ParentMessageID == "" {
		r.ParentMessageID = nil
	}

	if r.Type == models.MessageText {
		if strings.TrimSpace(r.Content) == "" {
			return fmt.Errorf("%w: content must not be empty", ErrValidation)
		}
		if len(r.Content) > MaxTextBytes {
			return fmt.Errorf("%w: content exceeds %d bytes", ErrValidation, MaxTextBytes)
		}
		if r.MediaName != "" || r.MediaSizeBytes != nil {
			return fmt.Errorf("%w: text messages carry no media metadata", ErrValidation)
		}
		return nil
	}

	if !isMediaURL(r.Content) {
		return fmt.Errorf("%w: %s content must be an http(s) URL", ErrValidation, r.Type)
	}
	if len(r.MediaName) > MaxMediaNameBytes {
		return fmt.Errorf("%w: mediaName exceeds %d bytes", ErrValidation, MaxMediaNameBytes)
	}
	if r.MediaSizeBytes != nil && (*r.MediaSizeBytes < 0 || *r.MediaSizeBytes > MaxMediaSizeBytes) {
		return fmt.Errorf("%w: mediaSizeBytes out of range", ErrValidation)
	}
	return nil
}

func isMediaURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// PageLimit applies the default to an unset limit and rejects values out of range.
func (s *Service) PageLimit(limit int) (int, error) {
	if limit == 0 {
		return s.defaultLimit, nil
	}
	if limit < 0 || limit > s.maxLimit {
		return 0, fmt.Errorf("%w: limit must be between 1 and %d", ErrValidation, s.maxLimit)
	}
	return limit, nil
}

// ClampPageLimit applies the default to an unset limit and clamps the rest into range.
func (s *Service) ClampPageLimit(limit int) int {
	switch {
	case limit <= 0:
		return s.defaultLimit
	case limit > s.maxLimit:
		return s.maxLimit
	}
	return limit
}
