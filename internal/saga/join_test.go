package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"sagasvc/internal/domain"
	"sagasvc/internal/storage"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []domain.OrderEvent
	fail   int
}

func (c *capturePublisher) PublishFinal(_ context.Context, ev domain.OrderEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail > 0 {
		c.fail--
		return errors.New("broker down")
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *capturePublisher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *capturePublisher) last(t *testing.T) domain.OrderEvent {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		t.Fatal("no final event published")
	}
	return c.events[len(c.events)-1]
}

// manualTimers captures armed window timers so tests fire them by hand.
type manualTimers struct {
	mu  sync.Mutex
	fns []func()
}

func (m *manualTimers) arm(_ time.Duration, f func()) *time.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fns = append(m.fns, f)
	return time.NewTimer(time.Hour)
}

func (m *manualTimers) fire(t *testing.T, i int) {
	t.Helper()
	m.mu.Lock()
	if i >= len(m.fns) {
		m.mu.Unlock()
		t.Fatalf("no timer %d armed", i)
	}
	f := m.fns[i]
	m.mu.Unlock()
	f()
}

func outcome(orderID int64, status domain.Status, reason string) domain.OrderEvent {
	return domain.OrderEvent{
		OrderID:    orderID,
		CustomerID: 1,
		Status:     status,
		Reason:     reason,
		Items:      []domain.OrderItem{{ProductCode: "P001", Quantity: 1, UnitPrice: decimal.New(10, 0)}},
	}
}

func setup(t *testing.T) (*Joiner, *storage.MemoryEngine, *capturePublisher, *manualTimers) {
	t.Helper()
	engine := storage.NewMemoryEngine()
	pub := &capturePublisher{}
	timers := &manualTimers{}
	j := NewJoiner(engine, pub, DefaultWindow, zap.NewNop())
	j.armTimer = timers.arm
	return j, engine, pub, timers
}

func TestBothAcceptConfirmsEitherArrivalOrder(t *testing.T) {
	ctx := context.Background()
	orders := []struct {
		name        string
		first, then Side
	}{
		{"payment first", SidePayment, SideStock},
		{"stock first", SideStock, SidePayment},
	}
	for i, tc := range orders {
		t.Run(tc.name, func(t *testing.T) {
			j, engine, pub, _ := setup(t)
			orderID := int64(100 + i)
			if err := j.Offer(ctx, tc.first, outcome(orderID, domain.StatusAccept, "")); err != nil {
				t.Fatal(err)
			}
			if pub.count() != 0 {
				t.Fatal("decided on one outcome")
			}
			if err := j.Offer(ctx, tc.then, outcome(orderID, domain.StatusAccept, "")); err != nil {
				t.Fatal(err)
			}
			final := pub.last(t)
			if final.Status != domain.StatusConfirmed || final.Reason != "" {
				t.Fatalf("final = %+v", final)
			}
			view, ok, err := engine.GetOrderView(ctx, orderID)
			if err != nil || !ok || view.Status != domain.StatusConfirmed {
				t.Fatalf("view = %+v ok=%t err=%v", view, ok, err)
			}
			if j.PendingCount() != 0 {
				t.Fatal("pending entry leaked after decision")
			}
		})
	}
}

func TestRejectDominatesRegardlessOfSideAndOrder(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name       string
		first      Side
		firstEv    domain.OrderEvent
		then       Side
		thenEv     domain.OrderEvent
		wantReason string
	}{
		{"payment rejects first", SidePayment, outcome(1, domain.StatusReject, domain.ReasonPaymentRejected), SideStock, outcome(1, domain.StatusAccept, ""), domain.ReasonPaymentRejected},
		{"stock rejects second", SidePayment, outcome(2, domain.StatusAccept, ""), SideStock, outcome(2, domain.StatusReject, domain.ReasonStockRejected), domain.ReasonStockRejected},
		{"both reject", SideStock, outcome(3, domain.StatusReject, domain.ReasonStockRejected), SidePayment, outcome(3, domain.StatusReject, domain.ReasonPaymentRejected), domain.ReasonPaymentRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			j, _, pub, _ := setup(t)
			if err := j.Offer(ctx, tc.first, tc.firstEv); err != nil {
				t.Fatal(err)
			}
			if err := j.Offer(ctx, tc.then, tc.thenEv); err != nil {
				t.Fatal(err)
			}
			final := pub.last(t)
			if final.Status != domain.StatusRollback {
				t.Fatalf("final status = %s", final.Status)
			}
			if final.Reason != tc.wantReason {
				t.Fatalf("reason = %q, want %q", final.Reason, tc.wantReason)
			}
		})
	}
}

func TestWindowExpiryRollsBackLoneAccept(t *testing.T) {
	ctx := context.Background()
	j, engine, pub, timers := setup(t)

	if err := j.Offer(ctx, SidePayment, outcome(45, domain.StatusAccept, "")); err != nil {
		t.Fatal(err)
	}
	timers.fire(t, 0)

	final := pub.last(t)
	if final.Status != domain.StatusRollback || final.Reason != domain.ReasonJoinWindowExpired {
		t.Fatalf("final = %+v", final)
	}
	view, ok, _ := engine.GetOrderView(ctx, 45)
	if !ok || view.Reason != domain.ReasonJoinWindowExpired {
		t.Fatalf("view = %+v ok=%t", view, ok)
	}
	if j.PendingCount() != 0 {
		t.Fatal("pending entry leaked after expiry")
	}
}

func TestLateOutcomeAfterExpiryIsAbsorbed(t *testing.T) {
	ctx := context.Background()
	j, _, pub, timers := setup(t)

	if err := j.Offer(ctx, SidePayment, outcome(45, domain.StatusAccept, "")); err != nil {
		t.Fatal(err)
	}
	timers.fire(t, 0)
	published := pub.count()

	// Zero grace: the stock outcome arriving after the window changes nothing.
	if err := j.Offer(ctx, SideStock, outcome(45, domain.StatusAccept, "")); err != nil {
		t.Fatal(err)
	}
	if pub.count() != published {
		t.Fatal("late outcome re-triggered a decision")
	}
	if pub.last(t).Status != domain.StatusRollback {
		t.Fatal("decision changed after the window closed")
	}
}

func TestDuplicateOutcomePairAfterDecisionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	j, engine, pub, _ := setup(t)

	if err := j.Offer(ctx, SidePayment, outcome(45, domain.StatusAccept, "")); err != nil {
		t.Fatal(err)
	}
	if err := j.Offer(ctx, SideStock, outcome(45, domain.StatusAccept, "")); err != nil {
		t.Fatal(err)
	}
	decided, _, _ := engine.GetOrderView(ctx, 45)
	published := pub.count()

	if err := j.Offer(ctx, SidePayment, outcome(45, domain.StatusAccept, "")); err != nil {
		t.Fatal(err)
	}
	if err := j.Offer(ctx, SideStock, outcome(45, domain.StatusAccept, "")); err != nil {
		t.Fatal(err)
	}
	if pub.count() != published {
		t.Fatal("duplicate pair re-published the decision")
	}
	after, _, _ := engine.GetOrderView(ctx, 45)
	if after.UpdatedAt != decided.UpdatedAt || after.Status != decided.Status {
		t.Fatalf("view changed by duplicates: %+v -> %+v", decided, after)
	}
}

func TestSameSideRedeliveryKeepsWaiting(t *testing.T) {
	ctx := context.Background()
	j, _, pub, _ := setup(t)

	if err := j.Offer(ctx, SidePayment, outcome(45, domain.StatusAccept, "")); err != nil {
		t.Fatal(err)
	}
	if err := j.Offer(ctx, SidePayment, outcome(45, domain.StatusAccept, "")); err != nil {
		t.Fatal(err)
	}
	if pub.count() != 0 {
		t.Fatal("decided without the peer outcome")
	}
	if j.PendingCount() != 1 {
		t.Fatalf("pending = %d", j.PendingCount())
	}
}

func TestNonOutcomeStatusIsUnprocessable(t *testing.T) {
	j, _, _, _ := setup(t)
	err := j.Offer(context.Background(), SidePayment, outcome(45, domain.StatusNew, ""))
	if !domain.Unprocessable(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestExpiryRetriesWhenPublishFails(t *testing.T) {
	ctx := context.Background()
	j, engine, pub, timers := setup(t)
	pub.fail = 1

	if err := j.Offer(ctx, SidePayment, outcome(45, domain.StatusAccept, "")); err != nil {
		t.Fatal(err)
	}
	timers.fire(t, 0)
	if pub.count() != 0 {
		t.Fatal("publish should have failed")
	}
	// The retry timer is armed as timer 1.
	timers.fire(t, 1)
	final := pub.last(t)
	if final.Status != domain.StatusRollback || final.Reason != domain.ReasonJoinWindowExpired {
		t.Fatalf("final = %+v", final)
	}
	if _, ok, _ := engine.GetOrderView(ctx, 45); !ok {
		t.Fatal("view missing after retried expiry")
	}
}

func TestPairedDecisionRetriesWhenPublishFails(t *testing.T) {
	ctx := context.Background()
	j, engine, pub, _ := setup(t)
	pub.fail = 1

	if err := j.Offer(ctx, SidePayment, outcome(45, domain.StatusAccept, "")); err != nil {
		t.Fatal(err)
	}
	// The pairing outcome hits the failing publish; its offset stays held, but
	// the payment side's record was committed when it was buffered.
	if err := j.Offer(ctx, SideStock, outcome(45, domain.StatusAccept, "")); err == nil {
		t.Fatal("expected publish error to propagate")
	}
	if j.PendingCount() != 1 {
		t.Fatal("failed pair must stay buffered for retry")
	}

	// Redelivery of the stock outcome finds the complete pair and must still
	// confirm, not restart the window with a lone side.
	if err := j.Offer(ctx, SideStock, outcome(45, domain.StatusAccept, "")); err != nil {
		t.Fatal(err)
	}
	final := pub.last(t)
	if final.Status != domain.StatusConfirmed || final.Reason != "" {
		t.Fatalf("final = %+v", final)
	}
	view, ok, _ := engine.GetOrderView(ctx, 45)
	if !ok || view.Status != domain.StatusConfirmed {
		t.Fatalf("view = %+v ok=%t", view, ok)
	}
	if j.PendingCount() != 0 {
		t.Fatal("pending entry leaked after retried decision")
	}
}

func TestPairedDecisionRetryTimerDecidesFromPair(t *testing.T) {
	ctx := context.Background()
	j, _, pub, timers := setup(t)
	pub.fail = 1

	if err := j.Offer(ctx, SidePayment, outcome(45, domain.StatusAccept, "")); err != nil {
		t.Fatal(err)
	}
	if err := j.Offer(ctx, SideStock, outcome(45, domain.StatusAccept, "")); err == nil {
		t.Fatal("expected publish error to propagate")
	}
	// Timer 0 is the original window, timer 1 the retry armed on failure. The
	// retry fires before any redelivery and must apply the pair's rule, not an
	// expiry rollback.
	timers.fire(t, 1)
	final := pub.last(t)
	if final.Status != domain.StatusConfirmed || final.Reason != "" {
		t.Fatalf("final = %+v", final)
	}
}

func TestOrderStateReadsMaterializedView(t *testing.T) {
	ctx := context.Background()
	j, _, _, _ := setup(t)

	if _, ok, err := j.OrderState(ctx, 45); err != nil || ok {
		t.Fatalf("unknown order: ok=%t err=%v", ok, err)
	}
	if err := j.Offer(ctx, SidePayment, outcome(45, domain.StatusAccept, "")); err != nil {
		t.Fatal(err)
	}
	if err := j.Offer(ctx, SideStock, outcome(45, domain.StatusAccept, "")); err != nil {
		t.Fatal(err)
	}
	ev, ok, err := j.OrderState(ctx, 45)
	if err != nil || !ok || ev.Status != domain.StatusConfirmed {
		t.Fatalf("state = %+v ok=%t err=%v", ev, ok, err)
	}
}

func TestStopCancelsPendingTimers(t *testing.T) {
	ctx := context.Background()
	j, _, _, _ := setup(t)
	if err := j.Offer(ctx, SidePayment, outcome(45, domain.StatusAccept, "")); err != nil {
		t.Fatal(err)
	}
	j.Stop()
	if j.PendingCount() != 0 {
		t.Fatal("pending not drained by Stop")
	}
}
