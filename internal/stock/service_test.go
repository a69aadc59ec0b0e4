package stock

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"sagasvc/internal/domain"
	"sagasvc/internal/storage"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []domain.OrderEvent
}

func (c *capturePublisher) PublishOutcome(_ context.Context, ev domain.OrderEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *capturePublisher) last(t *testing.T) domain.OrderEvent {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		t.Fatal("no outcome published")
	}
	return c.events[len(c.events)-1]
}

func order(orderID int64, lines ...domain.OrderItem) domain.OrderEvent {
	return domain.OrderEvent{OrderID: orderID, CustomerID: 1, Status: domain.StatusNew, Source: "order", Items: lines}
}

func line(code string, qty int64) domain.OrderItem {
	return domain.OrderItem{ProductCode: code, Quantity: qty, UnitPrice: decimal.New(1, 0)}
}

func setup(t *testing.T, levels map[string]int64) (*Service, *storage.MemoryEngine, *capturePublisher) {
	t.Helper()
	engine := storage.NewMemoryEngine()
	for code, available := range levels {
		if err := engine.SaveStock(context.Background(), storage.StockEntry{ProductCode: code, Available: available}); err != nil {
			t.Fatal(err)
		}
	}
	pub := &capturePublisher{}
	return NewService(engine, pub, zap.NewNop()), engine, pub
}

func stockLevel(t *testing.T, engine *storage.MemoryEngine, code string) storage.StockEntry {
	t.Helper()
	entry, ok, err := engine.LoadStock(context.Background(), code)
	if err != nil || !ok {
		t.Fatalf("load stock %s: ok=%t err=%v", code, ok, err)
	}
	return entry
}

func TestReserveHoldsEveryLine(t *testing.T) {
	ctx := context.Background()
	svc, engine, pub := setup(t, map[string]int64{"P001": 10, "P002": 5})

	if err := svc.Handle(ctx, order(45, line("P001", 4), line("P002", 5))); err != nil {
		t.Fatalf("handle: %v", err)
	}

	p1 := stockLevel(t, engine, "P001")
	p2 := stockLevel(t, engine, "P002")
	if p1.Available != 6 || p1.Reserved != 4 || p2.Available != 0 || p2.Reserved != 5 {
		t.Fatalf("stock after reserve: %+v %+v", p1, p2)
	}
	if pub.last(t).Status != domain.StatusAccept {
		t.Fatalf("outcome = %+v", pub.last(t))
	}
}

func TestReserveIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	svc, engine, pub := setup(t, map[string]int64{"P001": 10, "P002": 2})

	// P001 alone would fit, but P002 is short: nothing may be held.
	if err := svc.Handle(ctx, order(45, line("P001", 4), line("P002", 3))); err != nil {
		t.Fatalf("handle: %v", err)
	}

	p1 := stockLevel(t, engine, "P001")
	p2 := stockLevel(t, engine, "P002")
	if p1.Reserved != 0 || p2.Reserved != 0 || p1.Available != 10 || p2.Available != 2 {
		t.Fatalf("partial hold detected: %+v %+v", p1, p2)
	}
	out := pub.last(t)
	if out.Status != domain.StatusReject || out.Reason != domain.ReasonStockRejected {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestReserveUnknownProductIsUnprocessable(t *testing.T) {
	svc, _, _ := setup(t, map[string]int64{"P001": 10})
	err := svc.Handle(context.Background(), order(45, line("P404", 1)))
	if !errors.Is(err, domain.ErrProductNotFound) || !domain.Unprocessable(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestConfirmSpendsReservedOnly(t *testing.T) {
	ctx := context.Background()
	svc, engine, _ := setup(t, map[string]int64{"P001": 10})
	if err := svc.Handle(ctx, order(45, line("P001", 4))); err != nil {
		t.Fatal(err)
	}

	final := order(45, line("P001", 4))
	final.Status = domain.StatusConfirmed
	if err := svc.Handle(ctx, final); err != nil {
		t.Fatal(err)
	}

	entry := stockLevel(t, engine, "P001")
	if entry.Available != 6 || entry.Reserved != 0 {
		t.Fatalf("stock after confirm: %+v", entry)
	}
}

func TestRollbackReturnsReservedToAvailable(t *testing.T) {
	ctx := context.Background()
	svc, engine, _ := setup(t, map[string]int64{"P001": 10})
	if err := svc.Handle(ctx, order(45, line("P001", 4))); err != nil {
		t.Fatal(err)
	}

	final := order(45, line("P001", 4))
	final.Status = domain.StatusRollback
	if err := svc.Handle(ctx, final); err != nil {
		t.Fatal(err)
	}

	entry := stockLevel(t, engine, "P001")
	if entry.Available != 10 || entry.Reserved != 0 {
		t.Fatalf("stock after rollback: %+v", entry)
	}
}

func TestDuplicateReserveAndSettleApplyOnce(t *testing.T) {
	ctx := context.Background()
	svc, engine, pub := setup(t, map[string]int64{"P001": 10})

	ev := order(45, line("P001", 4))
	if err := svc.Handle(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if err := svc.Handle(ctx, ev); err != nil {
		t.Fatal(err)
	}
	entry := stockLevel(t, engine, "P001")
	if entry.Available != 6 || entry.Reserved != 4 {
		t.Fatalf("duplicate reserve changed stock: %+v", entry)
	}
	if len(pub.events) != 2 || pub.events[1].Status != domain.StatusAccept {
		t.Fatalf("expected re-emitted accept, got %+v", pub.events)
	}

	final := order(45, line("P001", 4))
	final.Status = domain.StatusRollback
	if err := svc.Handle(ctx, final); err != nil {
		t.Fatal(err)
	}
	if err := svc.Handle(ctx, final); err != nil {
		t.Fatal(err)
	}
	entry = stockLevel(t, engine, "P001")
	if entry.Available != 10 || entry.Reserved != 0 {
		t.Fatalf("duplicate settle changed stock: %+v", entry)
	}
}

// flakyStock fails the combined save a set number of times, standing in for a
// store error between a record's delivery and its redelivery.
type flakyStock struct {
	*storage.MemoryEngine
	failSaves int
}

func (f *flakyStock) SaveStockAndReservation(ctx context.Context, entries []storage.StockEntry, r storage.StockReservation) error {
	if f.failSaves > 0 {
		f.failSaves--
		return errors.New("disk full")
	}
	return f.MemoryEngine.SaveStockAndReservation(ctx, entries, r)
}

func TestReserveRedeliveryAfterFailedSaveHoldsOnce(t *testing.T) {
	ctx := context.Background()
	engine := storage.NewMemoryEngine()
	for code, available := range map[string]int64{"P001": 10, "P002": 5} {
		if err := engine.SaveStock(ctx, storage.StockEntry{ProductCode: code, Available: available}); err != nil {
			t.Fatal(err)
		}
	}
	flaky := &flakyStock{MemoryEngine: engine, failSaves: 1}
	pub := &capturePublisher{}
	svc := NewService(flaky, pub, zap.NewNop())

	ev := order(45, line("P001", 4), line("P002", 5))
	if err := svc.Handle(ctx, ev); err == nil {
		t.Fatal("expected save failure to propagate")
	}
	// The failed save must leave every entry untouched, not just the last one.
	p1 := stockLevel(t, engine, "P001")
	p2 := stockLevel(t, engine, "P002")
	if p1.Reserved != 0 || p2.Reserved != 0 || p1.Available != 10 || p2.Available != 5 {
		t.Fatalf("stock mutated by failed save: %+v %+v", p1, p2)
	}

	if err := svc.Handle(ctx, ev); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	p1 = stockLevel(t, engine, "P001")
	p2 = stockLevel(t, engine, "P002")
	if p1.Available != 6 || p1.Reserved != 4 || p2.Available != 0 || p2.Reserved != 5 {
		t.Fatalf("stock after redelivery: %+v %+v", p1, p2)
	}
	if pub.last(t).Status != domain.StatusAccept {
		t.Fatal("redelivery must still accept")
	}
}

func TestSettleRedeliveryAfterFailedSaveReleasesOnce(t *testing.T) {
	ctx := context.Background()
	engine := storage.NewMemoryEngine()
	if err := engine.SaveStock(ctx, storage.StockEntry{ProductCode: "P001", Available: 10}); err != nil {
		t.Fatal(err)
	}
	flaky := &flakyStock{MemoryEngine: engine}
	svc := NewService(flaky, &capturePublisher{}, zap.NewNop())
	if err := svc.Handle(ctx, order(45, line("P001", 4))); err != nil {
		t.Fatal(err)
	}

	flaky.failSaves = 1
	final := order(45, line("P001", 4))
	final.Status = domain.StatusRollback
	if err := svc.Handle(ctx, final); err == nil {
		t.Fatal("expected save failure to propagate")
	}
	if err := svc.Handle(ctx, final); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	entry := stockLevel(t, engine, "P001")
	if entry.Available != 10 || entry.Reserved != 0 {
		t.Fatalf("stock after retried rollback: %+v", entry)
	}
}

func TestRepeatedProductStripeDoesNotDeadlock(t *testing.T) {
	// Two lines for the same product hash to the same stripe; the lock must
	// be taken once.
	svc, engine, pub := setup(t, map[string]int64{"P001": 10})
	if err := svc.Handle(context.Background(), order(45, line("P001", 2), line("P001", 3))); err != nil {
		t.Fatal(err)
	}
	entry := stockLevel(t, engine, "P001")
	if entry.Available != 5 || entry.Reserved != 5 {
		t.Fatalf("stock = %+v", entry)
	}
	if pub.last(t).Status != domain.StatusAccept {
		t.Fatal("expected accept")
	}
}
