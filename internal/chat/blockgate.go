package chat

import (
	"context"

	"github.com/mahaddinnagiyev/connectify/internal/metrics"
)

// CanSend returns ErrBlocked if either user has blocked the other.
func (s *Service) CanSend(ctx context.Context, senderID, recipientID string) error {
	blocked, err := s.store.IsBlocked(ctx, senderID, recipientID)
	if err != nil {
		return err
	}
	if blocked {
		metrics.SendsBlocked.Inc()
		return ErrBlocked
	}
	return nil
}
