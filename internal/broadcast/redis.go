package broadcast

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisBus multiplexes every local subscription over one Redis PubSub
// connection. A channel is subscribed in Redis while at least one local
// handler wants it.
type RedisBus struct {
	redis  *redis.Client
	pubsub *redis.PubSub
	logger *logrus.Logger

	// subMu orders Redis SUBSCRIBE/UNSUBSCRIBE calls with the handler table
	// changes that trigger them.
	subMu    sync.Mutex
	mu       sync.RWMutex
	handlers map[string]map[uint64]Handler
	nextID   uint64

	done chan struct{}
}

func NewRedisBus(ctx context.Context, redisClient *redis.Client, logger *logrus.Logger) *RedisBus {
	b := &RedisBus{
		redis:    redisClient,
		pubsub:   redisClient.Subscribe(ctx),
		logger:   logger,
		handlers: make(map[string]map[uint64]Handler),
		done:     make(chan struct{}),
	}
	go b.dispatch()
	return b
}

func (b *RedisBus) Publish(ctx context.Context, channel, event string, payload interface{}) error {
	raw, err := Encode(event, payload)
	if err != nil {
		return err
	}
	return b.redis.Publish(ctx, channel, raw).Err()
}

// Deliver returns the receiver count from PUBLISH. Every process holds one
// Redis subscription per channel, so the count is a count of processes.
func (b *RedisBus) Deliver(ctx context.Context, channel, event string, payload interface{}) (int64, error) {
	raw, err := Encode(event, payload)
	if err != nil {
		return 0, err
	}
	return b.redis.Publish(ctx, channel, raw).Result()
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string, h Handler) (func(), error) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.mu.Lock()
	subs, ok := b.handlers[channel]
	if !ok {
		subs = make(map[uint64]Handler)
		b.handlers[channel] = subs
	}
	b.nextID++
	id := b.nextID
	subs[id] = h
	b.mu.Unlock()

	if !ok {
		if err := b.pubsub.Subscribe(ctx, channel); err != nil {
			b.mu.Lock()
			delete(b.handlers, channel)
			b.mu.Unlock()
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(context.Background(), channel, id) })
	}, nil
}

func (b *RedisBus) remove(ctx context.Context, channel string, id uint64) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.mu.Lock()
	subs := b.handlers[channel]
	delete(subs, id)
	last := len(subs) == 0
	if last {
		delete(b.handlers, channel)
	}
	b.mu.Unlock()

	if last {
		if err := b.pubsub.Unsubscribe(ctx, channel); err != nil {
			b.logger.WithError(err).WithField("channel", channel).Warn("Redis unsubscribe failed")
		}
	}
}

// dispatch forwards every Redis message to the local handlers of its channel.
func (b *RedisBus) dispatch() {
	defer close(b.done)
	for msg := range b.pubsub.Channel() {
		env, err := Decode([]byte(msg.Payload))
		if err != nil {
			b.logger.WithError(err).WithField("channel", msg.Channel).Warn("Dropping malformed bus event")
			continue
		}

		b.mu.RLock()
		subs := make([]Handler, 0, len(b.handlers[msg.Channel]))
		for _, h := range b.handlers[msg.Channel] {
			subs = append(subs, h)
		}
		b.mu.RUnlock()

		for _, h := range subs {
			h(env)
		}
	}
}

func (b *RedisBus) Close() error {
	err := b.pubsub.Close()
	<-b.done
	return err
}
