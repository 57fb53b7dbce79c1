package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"SigGate/internal/domain/repository"
	"SigGate/pkg/config"
	"SigGate/pkg/kafka"
	"SigGate/pkg/logger"
)

// forwarder republishes one external Kafka topic onto a bus topic.
type forwarder struct {
	kafkaTopic string
	busTopic   string
	bus        repository.Bus
	metrics    repository.Metrics
}

func (f *forwarder) Topic() string { return f.kafkaTopic }

func (f *forwarder) Handle(ctx context.Context, data []byte) error {
	if !json.Valid(data) {
		f.metrics.RecordError("kafka_bad_payload")
		return fmt.Errorf("topic %s: payload is not valid JSON", f.kafkaTopic)
	}
	return f.bus.Publish(ctx, f.busTopic, json.RawMessage(data))
}

// Bridge connects the in-process bus to external Kafka: inbound topic
// mappings feed upstream payloads into the pipeline, and the egress mirror
// republishes selected bus topics for downstream consumers.
type Bridge struct {
	bus      repository.Bus
	metrics  repository.Metrics
	logger   *logger.Logger
	consumer *kafka.Consumer
	producer *kafka.Producer
	egress   struct {
		prefix string
		topics []string
	}
	unsubs []func()
}

func NewBridge(cfg *config.Config, bus repository.Bus, metrics repository.Metrics, log *logger.Logger) (*Bridge, error) {
	b := &Bridge{bus: bus, metrics: metrics, logger: log}
	if !cfg.Kafka.Enabled {
		return b, nil
	}

	if len(cfg.Kafka.Ingress) > 0 {
		consumer, err := kafka.NewConsumer(
			kafka.WithConsumerBrokers(cfg.Kafka.Brokers),
			kafka.WithConsumerGroupID(cfg.Kafka.GroupID),
			kafka.WithConsumerWorkers(cfg.Kafka.Workers),
			kafka.WithConsumerBufferSize(cfg.Kafka.BufferSize),
			kafka.WithConsumerRetry(3, 50*time.Millisecond, 2*time.Second),
			kafka.WithConsumerDLQ(cfg.Kafka.GroupID+".dlq"),
		)
		if err != nil {
			return nil, fmt.Errorf("create consumer: %w", err)
		}
		for _, m := range cfg.Kafka.Ingress {
			consumer.RegisterHandler(&forwarder{
				kafkaTopic: m.KafkaTopic,
				busTopic:   m.BusTopic,
				bus:        bus,
				metrics:    metrics,
			})
		}
		b.consumer = consumer
	}

	if cfg.Kafka.Egress.Enabled && len(cfg.Kafka.Egress.Topics) > 0 {
		producer, err := kafka.NewProducer(
			kafka.WithBrokers(cfg.Kafka.Brokers),
			kafka.WithAsync(true),
		)
		if err != nil {
			return nil, fmt.Errorf("create producer: %w", err)
		}
		b.producer = producer
		b.egress.prefix = cfg.Kafka.Egress.Prefix
		b.egress.topics = cfg.Kafka.Egress.Topics
	}

	return b, nil
}

// Start begins consuming mapped topics and mirroring egress topics.
func (b *Bridge) Start(ctx context.Context) error {
	if b.consumer != nil {
		if err := b.consumer.Start(); err != nil {
			return fmt.Errorf("start consumer: %w", err)
		}
		b.logger.Info("kafka ingress started")
	}
	if b.producer != nil {
		for _, topic := range b.egress.topics {
			t := topic
			out := b.egress.prefix + t
			unsub := b.bus.Subscribe(t, func(ctx context.Context, payload interface{}) {
				if err := b.producer.Publish(ctx, out, nil, payload); err != nil {
					b.metrics.RecordError("kafka_egress")
					b.logger.Error("egress publish failed", logger.String("topic", out), logger.Error(err))
				}
			})
			b.unsubs = append(b.unsubs, unsub)
		}
		b.logger.Info("kafka egress started", logger.Int("topics", len(b.egress.topics)))
	}
	return nil
}

// Stop halts consumption and closes the producer.
func (b *Bridge) Stop(ctx context.Context) error {
	for _, unsub := range b.unsubs {
		unsub()
	}
	b.unsubs = nil
	if b.consumer != nil {
		if err := b.consumer.Stop(ctx); err != nil {
			return err
		}
	}
	if b.producer != nil {
		return b.producer.Close()
	}
	return nil
}
