package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"sagasvc/internal/config"
	"sagasvc/internal/domain"
	"sagasvc/internal/payment"
	"sagasvc/internal/query"
	"sagasvc/internal/saga"
	"sagasvc/internal/stock"
	"sagasvc/internal/storage"
	"sagasvc/internal/storage/sqlite"
	"sagasvc/internal/stream/kafka"
	"sagasvc/internal/stream/rabbitmq"
)

func main() {
	cfgPath := flag.String("config", "saga.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("node", cfg.Server.NodeID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("sagad exited", zap.Error(err))
	}
	logger.Info("sagad stopped")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	engine, err := openStorage(cfg.Storage)
	if err != nil {
		return err
	}
	defer engine.Close()
	if cfg.Storage.SeedFile != "" {
		if err := storage.Seed(ctx, engine, cfg.Storage.SeedFile); err != nil {
			return fmt.Errorf("seed storage: %w", err)
		}
	}

	producer, err := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:  cfg.Kafka.Brokers,
		ClientID: cfg.Kafka.ClientID,
		TLS:      kafkaTLS(cfg.Kafka.TLS),
	}, logger.Named("producer"))
	if err != nil {
		return err
	}
	defer producer.Close()

	paymentSvc := payment.NewService(engine,
		kafka.TopicPublisher{Producer: producer, Topic: kafka.TopicPaymentOutcome},
		logger.Named("payment"))
	stockSvc := stock.NewService(engine,
		kafka.TopicPublisher{Producer: producer, Topic: kafka.TopicStockOutcome},
		logger.Named("stock"))
	joiner := saga.NewJoiner(engine,
		kafka.TopicPublisher{Producer: producer, Topic: kafka.TopicOrdersFinal},
		cfg.Saga.JoinWindow,
		logger.Named("saga"))
	defer joiner.Stop()

	type namedConsumer struct {
		name     string
		consumer *kafka.Consumer
	}
	var consumers []namedConsumer
	addConsumer := func(name, group string, topics []string, h kafka.Handler) error {
		c, err := kafka.NewConsumer(consumerConfig(cfg.Kafka, group, topics), h, logger.Named(name))
		if err != nil {
			return fmt.Errorf("build %s consumer: %w", name, err)
		}
		consumers = append(consumers, namedConsumer{name: name, consumer: c})
		return nil
	}

	serviceTopics := []string{kafka.TopicOrdersNew, kafka.TopicOrdersFinal}
	if err := addConsumer("payment", cfg.Kafka.Groups.Payment, serviceTopics, serviceHandler(paymentSvc.Handle)); err != nil {
		return err
	}
	if err := addConsumer("stock", cfg.Kafka.Groups.Stock, serviceTopics, serviceHandler(stockSvc.Handle)); err != nil {
		return err
	}
	if err := addConsumer("join", cfg.Kafka.Groups.Join,
		[]string{kafka.TopicPaymentOutcome, kafka.TopicStockOutcome}, joinHandler(joiner)); err != nil {
		return err
	}

	if cfg.Relay.Enabled {
		relay, err := rabbitmq.NewRelay(rabbitmq.Config{
			Enabled:    true,
			URL:        cfg.Relay.URL,
			Endpoints:  cfg.Relay.Endpoints,
			Exchange:   cfg.Relay.Exchange,
			RoutingKey: cfg.Relay.RoutingKey,
			Auth:       rabbitmq.AuthConfig{Username: cfg.Relay.Username, Password: cfg.Relay.Password},
		}, logger.Named("relay"))
		if err != nil {
			return err
		}
		if err := relay.Start(ctx); err != nil {
			return err
		}
		defer relay.Close()
		if err := addConsumer("relay", cfg.Kafka.Groups.Relay, []string{kafka.TopicOrdersFinal}, relay); err != nil {
			return err
		}
	}

	errCh := make(chan error, len(consumers)+1)
	for _, nc := range consumers {
		nc := nc
		logger.Info("starting consumer", zap.String("name", nc.name))
		go func() {
			if err := nc.consumer.Start(ctx); err != nil {
				errCh <- fmt.Errorf("%s consumer: %w", nc.name, err)
				return
			}
			errCh <- nil
		}()
	}

	if cfg.Query.Enabled {
		qs := query.NewServer(query.Config{
			Network:        cfg.Query.Network,
			Address:        cfg.Query.Address,
			UnixSocketPath: cfg.Query.UnixSocketPath,
			AuthToken:      cfg.Query.AuthToken,
			MaxInflight:    cfg.Query.MaxInflight,
			QueueLimit:     cfg.Query.QueueLimit,
			Workers:        cfg.Query.Workers,
		}, engine, logger.Named("query"))
		logger.Info("starting query listener", zap.String("address", cfg.Query.Address))
		go func() {
			if err := qs.Start(ctx); err != nil {
				errCh <- fmt.Errorf("query server: %w", err)
				return
			}
			errCh <- nil
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func openStorage(cfg config.StorageConfig) (storage.Engine, error) {
	switch cfg.Driver {
	case "memory":
		return storage.NewMemoryEngine(), nil
	case "sqlite":
		return sqlite.NewStore(cfg.Dir)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func consumerConfig(k config.KafkaConfig, group string, topics []string) kafka.ConsumerConfig {
	return kafka.ConsumerConfig{
		Brokers:        k.Brokers,
		Topics:         topics,
		GroupID:        group,
		ClientID:       k.ClientID,
		QueueCapacity:  k.QueueCapacity,
		MaxPollRecords: k.MaxPollRecords,
		TLS:            kafkaTLS(k.TLS),
		Fetch: kafka.FetchConfig{
			MinBytes: k.Fetch.MinBytes,
			MaxBytes: k.Fetch.MaxBytes,
			MaxWait:  k.Fetch.MaxWait,
		},
	}
}

func kafkaTLS(t config.KafkaTLS) kafka.TLSConfig {
	return kafka.TLSConfig{Enabled: t.Enabled, InsecureSkipVerify: t.InsecureSkipVerify}
}

func serviceHandler(handle func(context.Context, domain.OrderEvent) error) kafka.Handler {
	return kafka.HandlerFunc(func(ctx context.Context, _ string, ev domain.OrderEvent) error {
		return handle(ctx, ev)
	})
}

func joinHandler(j *saga.Joiner) kafka.Handler {
	return kafka.HandlerFunc(func(ctx context.Context, topic string, ev domain.OrderEvent) error {
		side := saga.SideStock
		if topic == kafka.TopicPaymentOutcome {
			side = saga.SidePayment
		}
		return j.Offer(ctx, side, ev)
	})
}
