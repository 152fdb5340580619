package realtime

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DeliveryChannel is the Redis channel and NATS subject carrying deliveries between instances.
const DeliveryChannel = "connectify:deliveries"

// Broker carries deliveries between server instances.
type Broker interface {
	Publish(ctx context.Context, d Delivery) error
	// Subscribe calls handle for every delivery until ctx is done.
	Subscribe(ctx context.Context, handle func(Delivery)) error
	Close() error
}

// RedisBroker fans deliveries out over Redis pub/sub.
type RedisBroker struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisBroker creates a broker on an existing client.
func NewRedisBroker(client *redis.Client, logger zerolog.Logger) *RedisBroker {
	return &RedisBroker{client: client, logger: logger}
}

func (b *RedisBroker) Publish(ctx context.Context, d Delivery) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, DeliveryChannel, payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, handle func(Delivery)) error {
	sub := b.client.Subscribe(ctx, DeliveryChannel)
	// Wait for the subscription to be confirmed before returning control.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return err
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var d Delivery
				if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
					b.logger.Warn().Err(err).Msg("dropping malformed delivery")
					continue
				}
				handle(d)
			}
		}
	}()
	return nil
}

// Close is a no-op; the client is owned by the caller.
func (b *RedisBroker) Close() error {
	return nil
}
