package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"SigGate/pkg/logger"
)

// RedisBus is a Redis pub/sub transport for running stages in separate
// processes. Payloads cross the wire as JSON and are delivered to handlers
// as json.RawMessage.
type RedisBus struct {
	logger    *logger.Logger
	client    *redis.Client
	keyPrefix string

	mu       sync.Mutex
	pubsub   *redis.PubSub
	handlers map[string][]*redisHandler
	cancel   func()
	wg       sync.WaitGroup
	closed   bool
}

type redisHandler struct {
	fn HandlerFunc
}

// NewRedisBus creates a bus over an existing Redis client.
func NewRedisBus(lgr *logger.Logger, client *redis.Client, cfg *Config) *RedisBus {
	prefix := "siggate:bus"
	if cfg != nil && cfg.KeyPrefix != "" {
		prefix = cfg.KeyPrefix
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBus{
		logger:    lgr,
		client:    client,
		keyPrefix: prefix,
		handlers:  make(map[string][]*redisHandler),
		cancel:    cancel,
	}
	b.pubsub = client.Subscribe(ctx)
	b.wg.Add(1)
	go b.receive(ctx)
	return b
}

func (b *RedisBus) key(topic string) string {
	return b.keyPrefix + ":" + topic
}

// Publish marshals payload to JSON and publishes it on the prefixed channel.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := b.client.Publish(ctx, b.key(topic), data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers fn for topic and returns an unsubscribe func.
func (b *RedisBus) Subscribe(topic string, fn func(ctx context.Context, payload interface{})) func() {
	h := &redisHandler{fn: fn}

	b.mu.Lock()
	first := len(b.handlers[topic]) == 0
	b.handlers[topic] = append(b.handlers[topic], h)
	b.mu.Unlock()

	if first {
		if err := b.pubsub.Subscribe(context.Background(), b.key(topic)); err != nil && b.logger != nil {
			b.logger.Error("redis subscribe failed", logger.String("topic", topic), logger.Error(err))
		}
	}

	return func() {
		b.mu.Lock()
		list := b.handlers[topic]
		for i, cur := range list {
			if cur == h {
				b.handlers[topic] = append(list[:i], list[i+1:]...)
				break
			}
		}
		empty := len(b.handlers[topic]) == 0
		b.mu.Unlock()
		if empty {
			_ = b.pubsub.Unsubscribe(context.Background(), b.key(topic))
		}
	}
}

func (b *RedisBus) receive(ctx context.Context) {
	defer b.wg.Done()
	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.dispatch(ctx, msg)
		}
	}
}

func (b *RedisBus) dispatch(ctx context.Context, msg *redis.Message) {
	topic := msg.Channel
	if len(topic) > len(b.keyPrefix)+1 {
		topic = topic[len(b.keyPrefix)+1:]
	}

	b.mu.Lock()
	targets := make([]*redisHandler, len(b.handlers[topic]))
	copy(targets, b.handlers[topic])
	b.mu.Unlock()

	payload := json.RawMessage(msg.Payload)
	for _, h := range targets {
		func() {
			defer func() {
				if r := recover(); r != nil && b.logger != nil {
					b.logger.Error("bus handler panic",
						logger.String("topic", topic),
						logger.Any("panic", r),
					)
				}
			}()
			h.fn(ctx, payload)
		}()
	}
}

// Close stops the receive loop and closes the pub/sub connection.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	err := b.pubsub.Close()
	b.wg.Wait()
	return err
}

var _ Bus = (*RedisBus)(nil)
