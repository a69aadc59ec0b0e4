package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"sagasvc/internal/domain"
)

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"disabled needs nothing", Config{}, true},
		{"enabled valid", Config{Enabled: true, URL: "amqp://localhost:5672", Exchange: "orders"}, true},
		{"enabled endpoints", Config{Enabled: true, Endpoints: []string{" amqp://a:5672 "}, Exchange: "orders"}, true},
		{"missing exchange", Config{Enabled: true, URL: "amqp://localhost:5672"}, false},
		{"missing endpoint", Config{Enabled: true, Exchange: "orders"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestPublishRejectsNonTerminalStatus(t *testing.T) {
	relay, err := NewRelay(Config{Enabled: true, URL: "amqp://localhost:5672", Exchange: "orders"}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	err = relay.Publish(context.Background(), domain.OrderEvent{OrderID: 1, Status: domain.StatusAccept})
	if !errors.Is(err, domain.ErrUnprocessable) {
		t.Fatalf("want unprocessable, got %v", err)
	}
}

func TestPublishBeforeStartFails(t *testing.T) {
	relay, err := NewRelay(Config{Enabled: true, URL: "amqp://localhost:5672", Exchange: "orders"}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	err = relay.Publish(context.Background(), domain.OrderEvent{OrderID: 1, Status: domain.StatusConfirmed})
	if err == nil {
		t.Fatal("expected error publishing before Start")
	}
}

func TestRabbitContainerRelay(t *testing.T) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker/container runtime unavailable: %v", r)
		}
	}()

	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-alpine",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor:   wait.ForLog("Server startup complete"),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("docker/container runtime unavailable: %v", err)
	}
	defer func() { _ = ctr.Terminate(ctx) }()

	host, _ := ctr.Host(ctx)
	port, _ := ctr.MappedPort(ctx, "5672")
	url := fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())

	relay, err := NewRelay(Config{Enabled: true, URL: url, Exchange: "orders.final", RoutingKey: "orders.final"}, zap.NewNop())
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	if err := relay.Start(ctx); err != nil {
		t.Fatalf("start relay: %v", err)
	}
	defer relay.Close()

	conn, err := amqp091.Dial(url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		t.Fatalf("declare queue: %v", err)
	}
	if err := ch.QueueBind(q.Name, "orders.final.confirmed", "orders.final", false, nil); err != nil {
		t.Fatalf("bind: %v", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	ev := domain.OrderEvent{
		OrderID:    501,
		CustomerID: 2,
		Status:     domain.StatusConfirmed,
		Source:     "saga",
		Items:      []domain.OrderItem{{ProductCode: "SKU-1", Quantity: 1, UnitPrice: decimal.RequireFromString("19.99")}},
	}
	if err := relay.Publish(ctx, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case d := <-deliveries:
		got, err := domain.DecodeOrderEvent(d.Body)
		if err != nil {
			t.Fatalf("decode relayed body: %v", err)
		}
		if got.OrderID != 501 || got.Status != domain.StatusConfirmed {
			t.Fatalf("relayed %+v", got)
		}
	case <-time.After(8 * time.Second):
		t.Fatal("timed out waiting for relayed message")
	}
}
