package broadcast

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// DefaultDeliverTimeout bounds how long Deliver waits for a subscriber to
// acknowledge.
const DefaultDeliverTimeout = 2 * time.Second

// NATSBus publishes each channel as a NATS subject of the same name.
type NATSBus struct {
	nc             *nats.Conn
	logger         *logrus.Logger
	deliverTimeout time.Duration
}

func NewNATSBus(nc *nats.Conn, logger *logrus.Logger) *NATSBus {
	return &NATSBus{nc: nc, logger: logger, deliverTimeout: DefaultDeliverTimeout}
}

func (b *NATSBus) Publish(_ context.Context, channel, event string, payload interface{}) error {
	raw, err := Encode(event, payload)
	if err != nil {
		return err
	}
	return b.nc.Publish(channel, raw)
}

// Deliver sends the event as a request. Core NATS has no receiver count, so
// the result is 1 when any subscriber acknowledged and 0 when none exists.
func (b *NATSBus) Deliver(ctx context.Context, channel, event string, payload interface{}) (int64, error) {
	raw, err := Encode(event, payload)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, b.deliverTimeout)
	defer cancel()

	_, err = b.nc.RequestWithContext(ctx, channel, raw)
	switch {
	case err == nil:
		return 1, nil
	case errors.Is(err, nats.ErrNoResponders), errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return 0, nil
	default:
		return 0, err
	}
}

func (b *NATSBus) Subscribe(_ context.Context, channel string, h Handler) (func(), error) {
	sub, err := b.nc.Subscribe(channel, func(msg *nats.Msg) {
		env, err := Decode(msg.Data)
		if err != nil {
			b.logger.WithError(err).WithField("subject", msg.Subject).Warn("Dropping malformed bus event")
			return
		}
		h(env)
		if msg.Reply != "" {
			if err := msg.Respond(nil); err != nil {
				b.logger.WithError(err).WithField("subject", msg.Subject).Debug("NATS delivery ack failed")
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed && err != nats.ErrBadSubscription {
			b.logger.WithError(err).WithField("subject", channel).Warn("NATS unsubscribe failed")
		}
	}, nil
}

func (b *NATSBus) Close() error {
	return b.nc.Drain()
}
