package kafka

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"sagasvc/internal/domain"
)

type ProducerConfig struct {
	Brokers  []string
	ClientID string
	TLS      TLSConfig
}

// Producer writes order events keyed by order id so that every event for one
// order lands on the same partition.
type Producer struct {
	client *kgo.Client
	log    *zap.Logger
}

func NewProducer(cfg ProducerConfig, log *zap.Logger, opts ...kgo.Opt) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.TLS.InsecureSkipVerify}))
	}
	kopts = append(kopts, opts...)
	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	return &Producer{client: cl, log: log}, nil
}

func (p *Producer) Publish(ctx context.Context, topic string, ev domain.OrderEvent) error {
	payload, err := domain.EncodeOrderEvent(ev)
	if err != nil {
		return err
	}
	rec := &kgo.Record{
		Topic: topic,
		Key:   []byte(strconv.FormatInt(ev.OrderID, 10)),
		Value: payload,
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	return nil
}

func (p *Producer) Close() { p.client.Close() }

// TopicPublisher binds a producer to a single topic. It satisfies both the
// outcome publisher used by the payment and stock services and the final
// publisher used by the join.
type TopicPublisher struct {
	Producer *Producer
	Topic    string
}

func (t TopicPublisher) PublishOutcome(ctx context.Context, ev domain.OrderEvent) error {
	return t.Producer.Publish(ctx, t.Topic, ev)
}

func (t TopicPublisher) PublishFinal(ctx context.Context, ev domain.OrderEvent) error {
	return t.Producer.Publish(ctx, t.Topic, ev)
}
