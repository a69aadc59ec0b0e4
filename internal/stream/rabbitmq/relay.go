// Package rabbitmq relays finalized orders onto a topic exchange for
// downstream consumers that live outside the Kafka estate.
package rabbitmq

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"sagasvc/internal/domain"
)

type Config struct {
	Enabled    bool
	URL        string
	Endpoints  []string
	Exchange   string
	RoutingKey string
	TLS        TLSConfig
	Auth       AuthConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
}

type AuthConfig struct {
	Username string
	Password string
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}
	if c.endpoint() == "" {
		return fmt.Errorf("rabbitmq url or endpoints is required")
	}
	return nil
}

func (c Config) endpoint() string {
	if strings.TrimSpace(c.URL) != "" {
		return strings.TrimSpace(c.URL)
	}
	for _, e := range c.Endpoints {
		if strings.TrimSpace(e) != "" {
			return strings.TrimSpace(e)
		}
	}
	return ""
}

// Relay publishes final order events to a durable topic exchange. The routing
// key carries the terminal status so consumers can bind to confirmations and
// rollbacks separately.
type Relay struct {
	cfg  Config
	log  *zap.Logger
	mu   sync.Mutex
	conn *amqp091.Connection
	ch   *amqp091.Channel
}

func NewRelay(cfg Config, log *zap.Logger) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = "orders.final"
	}
	return &Relay{cfg: cfg, log: log}, nil
}

func (r *Relay) Start(_ context.Context) error {
	dialCfg := amqp091.Config{}
	if r.cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: r.cfg.Auth.Username, Password: r.cfg.Auth.Password}}
	}
	if tlsCfg, err := r.buildTLSConfig(); err != nil {
		return err
	} else if tlsCfg != nil {
		dialCfg.TLSClientConfig = tlsCfg
	}
	conn, err := amqp091.DialConfig(r.cfg.endpoint(), dialCfg)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(r.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	r.mu.Lock()
	r.conn, r.ch = conn, ch
	r.mu.Unlock()
	return nil
}

// HandleRecord lets the relay sit behind a Kafka consumer group on the final
// orders topic. Publish failures are returned untouched so the offset stays
// uncommitted and the record is redelivered.
func (r *Relay) HandleRecord(ctx context.Context, _ string, ev domain.OrderEvent) error {
	return r.Publish(ctx, ev)
}

func (r *Relay) Publish(ctx context.Context, ev domain.OrderEvent) error {
	if !ev.Status.Terminal() {
		return fmt.Errorf("order %d status %s: %w", ev.OrderID, ev.Status, domain.ErrUnprocessable)
	}
	body, err := domain.EncodeOrderEvent(ev)
	if err != nil {
		return err
	}
	key := r.cfg.RoutingKey + "." + strings.ToLower(string(ev.Status))

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ch == nil {
		return fmt.Errorf("rabbitmq relay not started")
	}
	err = r.ch.PublishWithContext(ctx, r.cfg.Exchange, key, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    strconv.FormatInt(ev.OrderID, 10),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish final order %d: %w", ev.OrderID, err)
	}
	return nil
}

func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	if r.ch != nil {
		if err := r.ch.Close(); err != nil {
			errs = append(errs, err)
		}
		r.ch = nil
	}
	if r.conn != nil {
		if err := r.conn.Close(); err != nil {
			errs = append(errs, err)
		}
		r.conn = nil
	}
	return errors.Join(errs...)
}

func (r *Relay) buildTLSConfig() (*tls.Config, error) {
	if !r.cfg.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: r.cfg.TLS.InsecureSkipVerify, ServerName: r.cfg.TLS.ServerName}
	if r.cfg.TLS.CAFile != "" {
		pemBytes, err := os.ReadFile(r.cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read rabbitmq ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("parse rabbitmq ca_file")
		}
		tlsCfg.RootCAs = pool
	}
	if r.cfg.TLS.CertFile != "" || r.cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(r.cfg.TLS.CertFile, r.cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load rabbitmq cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
