// Package saga joins the payment and stock outcome streams into one final
// order decision per orderId, bounded by a join window.
package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"sagasvc/internal/domain"
	"sagasvc/internal/storage"
)

// Side names which outcome stream an event arrived on.
type Side string

const (
	SidePayment Side = "payment"
	SideStock   Side = "stock"
)

// Publisher emits decided orders to the orders-final topic.
type Publisher interface {
	PublishFinal(ctx context.Context, ev domain.OrderEvent) error
}

const (
	DefaultWindow = 10 * time.Second
	expiryRetry   = time.Second
)

// Joiner is a continuous two-input windowed join keyed by orderId. The first
// outcome for an order buffers its side and arms a per-key timer; the peer
// arriving inside the window cancels the timer and decides. Once decided, an
// order's state lives only in the materialized view, which is what makes
// duplicate outcome deliveries idempotent after the window is long gone.
type Joiner struct {
	views  storage.OrderViewStore
	out    Publisher
	window time.Duration
	log    *zap.Logger

	now      func() time.Time
	armTimer func(time.Duration, func()) *time.Timer

	mu      sync.Mutex
	pending map[int64]*pendingJoin
}

type pendingJoin struct {
	payment *domain.OrderEvent
	stock   *domain.OrderEvent
	timer   *time.Timer
}

func (p *pendingJoin) side(s Side) **domain.OrderEvent {
	if s == SidePayment {
		return &p.payment
	}
	return &p.stock
}

func (p *pendingJoin) arrived() *domain.OrderEvent {
	if p.payment != nil {
		return p.payment
	}
	return p.stock
}

func NewJoiner(views storage.OrderViewStore, out Publisher, window time.Duration, log *zap.Logger) *Joiner {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Joiner{
		views:    views,
		out:      out,
		window:   window,
		log:      log,
		now:      time.Now,
		armTimer: time.AfterFunc,
		pending:  make(map[int64]*pendingJoin),
	}
}

// Offer feeds one outcome event into the join. Only ACCEPT and REJECT are
// meaningful here; anything else on an outcome topic is unprocessable.
func (j *Joiner) Offer(ctx context.Context, side Side, ev domain.OrderEvent) error {
	if ev.Status != domain.StatusAccept && ev.Status != domain.StatusReject {
		return fmt.Errorf("%w: outcome with status %q", domain.ErrUnprocessable, ev.Status)
	}

	// Already decided: absorb the duplicate without re-triggering settlement.
	if view, ok, err := j.views.GetOrderView(ctx, ev.OrderID); err != nil {
		return fmt.Errorf("get order view: %w", err)
	} else if ok && view.Status.Terminal() {
		j.log.Debug("outcome for decided order absorbed",
			zap.Int64("order_id", ev.OrderID),
			zap.String("side", string(side)),
		)
		return nil
	}

	j.mu.Lock()
	entry, ok := j.pending[ev.OrderID]
	if !ok {
		entry = &pendingJoin{}
		*entry.side(side) = &ev
		j.pending[ev.OrderID] = entry
		orderID := ev.OrderID
		entry.timer = j.armTimer(j.window, func() { j.expire(orderID) })
		j.mu.Unlock()
		return nil
	}

	*entry.side(side) = &ev
	if entry.payment == nil || entry.stock == nil {
		// Same side redelivered while waiting; the newest copy replaces the
		// buffered one and the window keeps running.
		j.mu.Unlock()
		return nil
	}
	delete(j.pending, ev.OrderID)
	entry.timer.Stop()
	payment, stock := *entry.payment, *entry.stock
	j.mu.Unlock()

	final, reason := decide(payment, stock)
	if err := j.decide(ctx, final, reason); err != nil {
		// The error holds this record's offset, but the peer's record was
		// committed when it was buffered. Dropping the pair here would leave
		// the redelivery a lone side that restarts the window and expires to a
		// rollback; re-buffer the complete pair so the redelivery (or the
		// retry timer) decides it again.
		orderID := ev.OrderID
		j.mu.Lock()
		if _, exists := j.pending[orderID]; !exists {
			j.pending[orderID] = entry
			entry.timer = j.armTimer(expiryRetry, func() { j.expire(orderID) })
		}
		j.mu.Unlock()
		return err
	}
	return nil
}

// decide publishes the final event and materializes it. Publish comes first:
// if the view write fails the inbound record is redelivered and the identical
// decision republished, which settlement consumers absorb.
func (j *Joiner) decide(ctx context.Context, final domain.OrderEvent, reason string) error {
	final.Source = "saga"
	final.Reason = reason
	if err := j.out.PublishFinal(ctx, final); err != nil {
		return fmt.Errorf("publish final order: %w", err)
	}
	view := storage.OrderView{
		OrderID:   final.OrderID,
		Status:    final.Status,
		Reason:    final.Reason,
		Event:     final,
		UpdatedAt: j.now().UTC(),
	}
	if err := j.views.PutOrderView(ctx, view); err != nil {
		return fmt.Errorf("put order view: %w", err)
	}
	j.log.Info("order decided",
		zap.Int64("order_id", final.OrderID),
		zap.String("status", string(final.Status)),
		zap.String("reason", final.Reason),
	)
	return nil
}

// expire resolves a pending order when its timer fires. A lone side means the
// peer outcome never arrived within the window: the survivor is overruled to
// ROLLBACK, an order is never confirmed on partial information. A complete
// pair means a decision failed and was re-buffered; its rule is re-applied.
func (j *Joiner) expire(orderID int64) {
	j.mu.Lock()
	entry, ok := j.pending[orderID]
	if !ok {
		// Peer arrived and won the race against the firing timer.
		j.mu.Unlock()
		return
	}
	delete(j.pending, orderID)
	payment, stock := entry.payment, entry.stock
	j.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), expiryRetry)
	defer cancel()
	if view, ok, err := j.views.GetOrderView(ctx, orderID); err == nil && ok && view.Status.Terminal() {
		return
	}

	var final domain.OrderEvent
	var reason string
	if payment != nil && stock != nil {
		final, reason = decide(*payment, *stock)
	} else {
		arrived := *entry.arrived()
		j.log.Warn("join window expired, rolling back",
			zap.Int64("order_id", orderID),
			zap.String("arrived_status", string(arrived.Status)),
			zap.Duration("window", j.window),
		)
		final = arrived
		final.Status = domain.StatusRollback
		reason = domain.ReasonJoinWindowExpired
	}
	if err := j.decide(ctx, final, reason); err != nil {
		// The timer has no inbound record to hold, so redelivery cannot retry
		// this path. Re-buffer what was held and re-arm a short timer instead.
		j.log.Error("pending decision failed, retrying", zap.Int64("order_id", orderID), zap.Error(err))
		j.mu.Lock()
		if _, exists := j.pending[orderID]; !exists {
			j.pending[orderID] = entry
			entry.timer = j.armTimer(expiryRetry, func() { j.expire(orderID) })
		}
		j.mu.Unlock()
	}
}

// decide applies the join rule: CONFIRMED iff both sides accepted; a single
// reject overrules the peer, whatever the arrival order.
func decide(payment, stock domain.OrderEvent) (domain.OrderEvent, string) {
	final := payment
	if payment.Status == domain.StatusAccept && stock.Status == domain.StatusAccept {
		final.Status = domain.StatusConfirmed
		return final, ""
	}
	final.Status = domain.StatusRollback
	if payment.Status == domain.StatusReject {
		return final, domain.ReasonPaymentRejected
	}
	return final, domain.ReasonStockRejected
}

// OrderState exposes the materialized view: the latest final event for an
// order, if it has been decided.
func (j *Joiner) OrderState(ctx context.Context, orderID int64) (domain.OrderEvent, bool, error) {
	view, ok, err := j.views.GetOrderView(ctx, orderID)
	if err != nil || !ok {
		return domain.OrderEvent{}, false, err
	}
	return view.Event, true, nil
}

// PendingCount reports how many orders are waiting for their peer outcome.
func (j *Joiner) PendingCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pending)
}

// Stop cancels every armed window timer. Buffered sides are dropped; on
// restart the transport redelivers their uncommitted records.
func (j *Joiner) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	for id, entry := range j.pending {
		entry.timer.Stop()
		delete(j.pending, id)
	}
}
