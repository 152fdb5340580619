package realtime

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSBroker fans deliveries out over a NATS subject.
type NATSBroker struct {
	nc     *nats.Conn
	logger zerolog.Logger
}

// NewNATSBroker connects to the NATS server at url.
func NewNATSBroker(url string, logger zerolog.Logger) (*NATSBroker, error) {
	nc, err := nats.Connect(url,
		nats.Name("connectify"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}
	return &NATSBroker{nc: nc, logger: logger}, nil
}

func (b *NATSBroker) Publish(_ context.Context, d Delivery) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return b.nc.Publish(DeliveryChannel, payload)
}

func (b *NATSBroker) Subscribe(ctx context.Context, handle func(Delivery)) error {
	sub, err := b.nc.Subscribe(DeliveryChannel, func(msg *nats.Msg) {
		var d Delivery
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			b.logger.Warn().Err(err).Msg("dropping malformed delivery")
			return
		}
		handle(d)
	})
	if err != nil {
		return err
	}
	if err := b.nc.Flush(); err != nil {
		sub.Unsubscribe()
		return err
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()
	return nil
}

// Close drains pending messages and closes the connection.
func (b *NATSBroker) Close() error {
	return b.nc.Drain()
}
