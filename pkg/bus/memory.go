package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"SigGate/pkg/logger"
)

type event struct {
	topic   string
	payload interface{}
}

// subscription owns one bounded queue and one worker goroutine, so each
// subscriber sees events in single-producer publish order.
type subscription struct {
	topic string
	fn    HandlerFunc
	ch    chan event
	quit  chan struct{}
	once  sync.Once
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.quit) })
}

// MemoryBus is the in-process bus implementation. Publish never blocks: a
// full subscriber queue drops the event and counts the drop.
type MemoryBus struct {
	logger  *logger.Logger
	mu      sync.RWMutex
	subs    map[string][]*subscription
	bufSize int
	closed  bool
	dropped uint64
	wg      sync.WaitGroup
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(lgr *logger.Logger, cfg *Config) *MemoryBus {
	size := 1024
	if cfg != nil && cfg.BufferSize > 0 {
		size = cfg.BufferSize
	}
	return &MemoryBus{
		logger:  lgr,
		subs:    make(map[string][]*subscription),
		bufSize: size,
	}
}

// Publish delivers payload to every subscriber of topic.
func (b *MemoryBus) Publish(_ context.Context, topic string, payload interface{}) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus closed")
	}
	targets := b.subs[topic]
	b.mu.RUnlock()

	ev := event{topic: topic, payload: payload}
	for _, s := range targets {
		select {
		case s.ch <- ev:
		default:
			atomic.AddUint64(&b.dropped, 1)
			if b.logger != nil {
				b.logger.Warn("bus queue full, event dropped", logger.String("topic", topic))
			}
		}
	}
	return nil
}

// Subscribe registers fn for topic and returns an unsubscribe func.
func (b *MemoryBus) Subscribe(topic string, fn func(ctx context.Context, payload interface{})) func() {
	s := &subscription{
		topic: topic,
		fn:    fn,
		ch:    make(chan event, b.bufSize),
		quit:  make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], s)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.worker(s)

	return func() {
		b.mu.Lock()
		list := b.subs[topic]
		for i, cur := range list {
			if cur == s {
				b.subs[topic] = append(list[:i], list[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		s.stop()
	}
}

func (b *MemoryBus) worker(s *subscription) {
	defer b.wg.Done()
	for {
		select {
		case <-s.quit:
			return
		case ev := <-s.ch:
			b.invoke(s, ev)
		}
	}
}

// invoke shields the bus from handler panics; a bad payload must never stall
// delivery to other subscribers.
func (b *MemoryBus) invoke(s *subscription, ev event) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Error("bus handler panic",
				logger.String("topic", ev.topic),
				logger.Any("panic", r),
			)
		}
	}()
	s.fn(context.Background(), ev.payload)
}

// Dropped returns the number of events dropped on full subscriber queues.
func (b *MemoryBus) Dropped() uint64 { return atomic.LoadUint64(&b.dropped) }

// Close stops all subscriber workers.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*subscription
	for _, list := range b.subs {
		all = append(all, list...)
	}
	b.subs = make(map[string][]*subscription)
	b.mu.Unlock()

	for _, s := range all {
		s.stop()
	}
	b.wg.Wait()
	return nil
}

var _ Bus = (*MemoryBus)(nil)
