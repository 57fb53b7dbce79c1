package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"SigGate/internal/domain/models"
	"SigGate/internal/domain/repository"
	"SigGate/pkg/config"
	"SigGate/pkg/logger"

	"github.com/gorilla/websocket"
)

type feedQuote struct {
	S string  `json:"s"`
	B float64 `json:"b"`
	A float64 `json:"a"`
	P float64 `json:"p"`
	V float64 `json:"v"`
	T int64   `json:"t"` // ms
}

type feedMessage struct {
	Type string      `json:"type"`
	Data []feedQuote `json:"data"`
}

// MarketFeed streams venue quotes over WebSocket and publishes market
// references and connectivity heartbeats onto the bus. Updates are paced
// per symbol so a bursty venue cannot flood downstream stages.
type MarketFeed struct {
	bus     repository.Bus
	metrics repository.Metrics
	logger  *logger.Logger

	apiKey         string
	url            string
	symbols        []string
	source         string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	maxRPS         float64

	pace *limiter
	now  func() time.Time

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	cancel context.CancelFunc
	done   chan struct{}
}

func NewMarketFeed(cfg *config.Config, bus repository.Bus, metrics repository.Metrics, log *logger.Logger) *MarketFeed {
	return &MarketFeed{
		bus:            bus,
		metrics:        metrics,
		logger:         log,
		apiKey:         cfg.Feed.APIKey,
		url:            cfg.Feed.URL,
		symbols:        cfg.Feed.Symbols,
		source:         cfg.Feed.Source,
		reconnectDelay: cfg.Feed.ReconnectDelay,
		pingInterval:   cfg.Feed.PingInterval,
		maxRPS:         float64(cfg.Feed.MaxRPS),
		pace:           newLimiter(),
		now:            time.Now,
		done:           make(chan struct{}),
	}
}

// Start connects and runs the read loop until Stop or context cancellation.
// Connection errors trigger reconnects with the configured delay.
func (f *MarketFeed) Start(ctx context.Context) error {
	if f.url == "" {
		return fmt.Errorf("feed url is empty")
	}
	ctx, f.cancel = context.WithCancel(ctx)
	if err := f.connect(ctx); err != nil {
		return err
	}
	if err := f.subscribe(); err != nil {
		return err
	}
	go f.pingLoop(ctx)
	go f.run(ctx)
	return nil
}

// Stop cancels the loops and closes the connection.
func (f *MarketFeed) Stop() error {
	if f.cancel != nil {
		f.cancel()
	}
	err := f.close()
	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
	}
	return err
}

func (f *MarketFeed) connect(ctx context.Context) error {
	u := f.url
	if f.apiKey != "" {
		u = fmt.Sprintf("%s?token=%s", f.url, f.apiKey)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("feed connect: %w", err)
	}
	f.mu.Lock()
	f.conn = conn
	f.connected = true
	f.mu.Unlock()
	f.logger.Info("market feed connected", logger.String("source", f.source))
	return nil
}

func (f *MarketFeed) subscribe() error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("feed not connected")
	}
	for _, s := range f.symbols {
		msg := map[string]string{"type": "subscribe", "symbol": s}
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("subscribe %s: %w", s, err)
		}
	}
	return nil
}

func (f *MarketFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(f.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.mu.Lock()
			conn := f.conn
			f.mu.Unlock()
			if conn != nil {
				_ = conn.WriteMessage(websocket.PingMessage, nil)
			}
		}
	}
}

func (f *MarketFeed) run(ctx context.Context) {
	defer close(f.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		f.mu.Lock()
		conn := f.conn
		f.mu.Unlock()
		if conn == nil {
			if err := f.reconnect(ctx); err != nil {
				f.metrics.RecordError("feed_reconnect")
				continue
			}
			continue
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.metrics.RecordError("feed_read")
			f.logger.Warn("market feed read failed", logger.Error(err))
			if err := f.reconnect(ctx); err != nil {
				f.metrics.RecordError("feed_reconnect")
			}
			continue
		}
		f.handleFrame(ctx, raw)
	}
}

func (f *MarketFeed) handleFrame(ctx context.Context, raw []byte) {
	var m feedMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		// ignore non-quote frames
		return
	}
	if m.Type != "quote" && m.Type != "trade" {
		return
	}
	now := f.now()
	_ = f.bus.Publish(ctx, models.TopicHeartbeat, models.Heartbeat{
		Source:    f.source,
		Timestamp: now,
	})
	for _, q := range m.Data {
		if q.S == "" {
			continue
		}
		if !f.pace.allow(q.S, f.maxRPS, f.maxRPS) {
			continue
		}
		ref := models.MarketRef{
			Symbol:    q.S,
			Bid:       q.B,
			Ask:       q.A,
			Last:      q.P,
			VolumeUSD: q.V * q.P,
			Timestamp: now,
		}
		if q.T > 0 {
			ref.Timestamp = time.UnixMilli(q.T)
		}
		if q.B > 0 && q.A > q.B {
			mid := (q.A + q.B) / 2
			ref.SpreadBps = (q.A - q.B) / mid * 10000
		}
		_ = f.bus.Publish(ctx, models.TopicMarketRefs, ref)
	}
}

func (f *MarketFeed) reconnect(ctx context.Context) error {
	_ = f.close()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(f.reconnectDelay):
	}
	if err := f.connect(ctx); err != nil {
		return err
	}
	return f.subscribe()
}

func (f *MarketFeed) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	if f.conn != nil {
		err := f.conn.Close()
		f.conn = nil
		return err
	}
	return nil
}

// Connected reports connection status for the ops API.
func (f *MarketFeed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}
