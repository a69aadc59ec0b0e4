// Package kafka carries every saga topic: key-sharded consumption with manual
// offset commits, and keyed JSON publication.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"sagasvc/internal/domain"
	"sagasvc/internal/hashroute"
)

// Handler processes one decoded order event. Returning an error wrapped in
// domain.ErrUnprocessable (or a not-found error) commits past the record;
// any other error leaves the offset uncommitted for redelivery.
type Handler interface {
	HandleRecord(ctx context.Context, topic string, ev domain.OrderEvent) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, topic string, ev domain.OrderEvent) error

func (f HandlerFunc) HandleRecord(ctx context.Context, topic string, ev domain.OrderEvent) error {
	return f(ctx, topic, ev)
}

type ConsumerConfig struct {
	Brokers        []string
	Topics         []string
	GroupID        string
	ClientID       string
	QueueCapacity  int
	MaxPollRecords int
	TLS            TLSConfig
	Fetch          FetchConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

func (c *ConsumerConfig) withDefaults() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 256
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
}

func (c ConsumerConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka brokers are required")
	}
	if len(c.Topics) == 0 {
		return errors.New("kafka topics are required")
	}
	if c.GroupID == "" {
		return errors.New("kafka group id is required")
	}
	return nil
}

// Consumer pulls records and fans them out to one worker queue per key shard.
// Records sharing a key always land on the same shard, preserving per-key
// order while shards run in parallel.
type Consumer struct {
	cfg     ConsumerConfig
	client  *kgo.Client
	handler Handler
	log     *zap.Logger

	shards [hashroute.ShardCount]chan *kgo.Record
	acks   chan recordAck
	closed atomic.Bool

	pauseMux sync.Mutex
	paused   bool

	markCommit   func(*kgo.Record)
	commitMarked func(context.Context) error
	pauseFetch   func(...string)
	resumeFetch  func(...string)
}

type recordAck struct {
	record *kgo.Record
	err    error
}

func NewConsumer(cfg ConsumerConfig, handler Handler, log *zap.Logger, opts ...kgo.Opt) (*Consumer, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(cfg.Fetch.MaxBytes),
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

	c := &Consumer{
		cfg:     cfg,
		client:  cl,
		handler: handler,
		log:     log,
		acks:    make(chan recordAck, hashroute.ShardCount*(cfg.QueueCapacity+1)),
	}
	for i := range c.shards {
		c.shards[i] = make(chan *kgo.Record, cfg.QueueCapacity)
	}
	c.markCommit = func(r *kgo.Record) { cl.MarkCommitRecords(r) }
	c.commitMarked = func(ctx context.Context) error { return cl.CommitMarkedOffsets(ctx) }
	c.pauseFetch = func(topics ...string) { _ = cl.PauseFetchTopics(topics...) }
	c.resumeFetch = func(topics ...string) { cl.ResumeFetchTopics(topics...) }
	return c, nil
}

func (c *Consumer) Start(ctx context.Context) error {
	defer c.client.Close()

	var workers sync.WaitGroup
	for i := range c.shards {
		workers.Add(1)
		go func(shard chan *kgo.Record) {
			defer workers.Done()
			c.runWorker(ctx, shard)
		}(c.shards[i])
	}
	acksDone := make(chan struct{})
	go func() {
		defer close(acksDone)
		c.handleAcks(ctx)
	}()

	pollErr := func() error {
		for {
			if ctx.Err() != nil || c.closed.Load() {
				return ctx.Err()
			}
			fetches := c.client.PollRecords(ctx, c.cfg.MaxPollRecords)
			if errs := fetches.Errors(); len(errs) > 0 {
				return errs[0].Err
			}
			fetches.EachPartition(func(p kgo.FetchTopicPartition) {
				for _, rec := range p.Records {
					c.dispatch(rec)
				}
			})
			c.client.AllowRebalance()
		}
	}()

	for i := range c.shards {
		close(c.shards[i])
	}
	workers.Wait()
	close(c.acks)
	<-acksDone
	if errors.Is(pollErr, context.Canceled) {
		return nil
	}
	return pollErr
}

func (c *Consumer) Close() { c.closed.Store(true) }

func (c *Consumer) dispatch(rec *kgo.Record) {
	shard := c.shards[hashroute.ShardForKey(string(rec.Key))]
	for {
		select {
		case shard <- rec:
			c.maybeResume()
			return
		default:
			c.maybePause()
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func (c *Consumer) runWorker(ctx context.Context, shard chan *kgo.Record) {
	for rec := range shard {
		ev, err := domain.DecodeOrderEvent(rec.Value)
		if err != nil {
			c.acks <- recordAck{record: rec, err: err}
			continue
		}
		err = c.handler.HandleRecord(ctx, rec.Topic, ev)
		c.acks <- recordAck{record: rec, err: err}
	}
}

// handleAcks commits offsets for records that succeeded or can never succeed.
// Transient failures stay uncommitted so the group redelivers them. The loop
// drains until the ack channel closes, flushing marks from finished workers.
func (c *Consumer) handleAcks(ctx context.Context) {
	for ack := range c.acks {
		if ack.record == nil {
			continue
		}
		if ack.err != nil {
			if !domain.Unprocessable(ack.err) {
				c.log.Error("record processing failed, leaving uncommitted",
					zap.String("topic", ack.record.Topic),
					zap.Int32("partition", ack.record.Partition),
					zap.Int64("offset", ack.record.Offset),
					zap.Error(ack.err),
				)
				continue
			}
			c.log.Warn("unprocessable record dropped",
				zap.String("topic", ack.record.Topic),
				zap.Int64("offset", ack.record.Offset),
				zap.Error(ack.err),
			)
		}
		c.markCommit(ack.record)
		_ = c.commitMarked(ctx)
	}
}

func (c *Consumer) maybePause() {
	c.pauseMux.Lock()
	defer c.pauseMux.Unlock()
	if c.paused {
		return
	}
	c.pauseFetch(c.cfg.Topics...)
	c.paused = true
}

func (c *Consumer) maybeResume() {
	c.pauseMux.Lock()
	defer c.pauseMux.Unlock()
	if !c.paused {
		return
	}
	c.resumeFetch(c.cfg.Topics...)
	c.paused = false
}
