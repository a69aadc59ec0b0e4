// Package payment reserves customer funds against new orders and settles the
// hold once the saga decides.
package payment

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"sagasvc/internal/domain"
	"sagasvc/internal/hashroute"
	"sagasvc/internal/storage"
)

const sourceTag = "payment"

// Publisher emits reservation outcomes to the payment-outcome topic.
type Publisher interface {
	PublishOutcome(ctx context.Context, ev domain.OrderEvent) error
}

type Service struct {
	store storage.LedgerStore
	out   Publisher
	log   *zap.Logger

	// Consumers shard by orderId, but the balance is keyed by customerId, so
	// two orders for one customer can land on different workers. The striped
	// locks serialize every read-modify-write per customer.
	locks [hashroute.ShardCount]sync.Mutex
}

func NewService(store storage.LedgerStore, out Publisher, log *zap.Logger) *Service {
	return &Service{store: store, out: out, log: log}
}

func (s *Service) customerLock(customerID int64) *sync.Mutex {
	return &s.locks[hashroute.ShardForKey(fmt.Sprintf("c%d", customerID))]
}

// Handle dispatches one inbound order event. NEW events attempt a
// reservation; terminal events settle it. ACCEPT/REJECT are this component's
// own outputs echoed back on a shared consumer and are ignored.
func (s *Service) Handle(ctx context.Context, ev domain.OrderEvent) error {
	switch ev.Status {
	case domain.StatusNew:
		return s.reserve(ctx, ev)
	case domain.StatusConfirmed, domain.StatusRollback:
		return s.settle(ctx, ev)
	case domain.StatusAccept, domain.StatusReject:
		return nil
	default:
		return fmt.Errorf("%w: status %q", domain.ErrUnprocessable, ev.Status)
	}
}

// reserve decides the hold under the customer lock and publishes the outcome
// after the lock drops; the persisted reservation record already fixes it.
func (s *Service) reserve(ctx context.Context, ev domain.OrderEvent) error {
	state, err := s.hold(ctx, ev)
	if err != nil {
		return err
	}
	return s.publishOutcome(ctx, ev, priorStatus(state), priorReason(state))
}

func (s *Service) hold(ctx context.Context, ev domain.OrderEvent) (storage.ReservationState, error) {
	lock := s.customerLock(ev.CustomerID)
	lock.Lock()
	defer lock.Unlock()

	// Redelivered NEW event: the ledger was already mutated once, so only the
	// outcome is re-emitted.
	if prior, ok, err := s.store.LoadPaymentReservation(ctx, ev.OrderID); err != nil {
		return "", fmt.Errorf("load payment reservation: %w", err)
	} else if ok {
		return prior.State, nil
	}

	entry, ok, err := s.store.LoadBalance(ctx, ev.CustomerID)
	if err != nil {
		return "", fmt.Errorf("load balance: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("%w: customer %d", domain.ErrCustomerNotFound, ev.CustomerID)
	}

	total := ev.Total()
	reservation := storage.PaymentReservation{OrderID: ev.OrderID, CustomerID: ev.CustomerID, Amount: total}
	if entry.Available.GreaterThanOrEqual(total) {
		entry.Available = entry.Available.Sub(total)
		entry.Reserved = entry.Reserved.Add(total)
		reservation.State = storage.ReservationHeld
		// One write: a hold recorded without its reservation record would be
		// applied again on redelivery.
		if err := s.store.SaveBalanceAndReservation(ctx, entry, reservation); err != nil {
			return "", fmt.Errorf("save payment hold: %w", err)
		}
	} else {
		reservation.State = storage.ReservationRejected
		if err := s.store.SavePaymentReservation(ctx, reservation); err != nil {
			return "", fmt.Errorf("save payment reservation: %w", err)
		}
	}

	s.log.Info("payment reservation decided",
		zap.Int64("order_id", ev.OrderID),
		zap.Int64("customer_id", ev.CustomerID),
		zap.String("total", total.String()),
		zap.String("state", string(reservation.State)),
	)
	return reservation.State, nil
}

// settle applies the saga's final decision to the ledger. CONFIRMED turns the
// hold into a debit; ROLLBACK releases it back to available funds. No event
// is emitted from this path.
func (s *Service) settle(ctx context.Context, ev domain.OrderEvent) error {
	lock := s.customerLock(ev.CustomerID)
	lock.Lock()
	defer lock.Unlock()

	reservation, ok, err := s.store.LoadPaymentReservation(ctx, ev.OrderID)
	if err != nil {
		return fmt.Errorf("load payment reservation: %w", err)
	}
	if !ok || reservation.State != storage.ReservationHeld {
		// Nothing held: either payment rejected this order, never saw it, or
		// the settlement is a redelivery.
		return nil
	}

	entry, ok, err := s.store.LoadBalance(ctx, reservation.CustomerID)
	if err != nil {
		return fmt.Errorf("load balance: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: customer %d", domain.ErrCustomerNotFound, reservation.CustomerID)
	}

	entry.Reserved = entry.Reserved.Sub(reservation.Amount)
	switch ev.Status {
	case domain.StatusConfirmed:
		reservation.State = storage.ReservationConfirmed
	case domain.StatusRollback:
		entry.Available = entry.Available.Add(reservation.Amount)
		reservation.State = storage.ReservationReleased
	}
	if err := s.store.SaveBalanceAndReservation(ctx, entry, reservation); err != nil {
		return fmt.Errorf("save payment settlement: %w", err)
	}

	s.log.Info("payment reservation settled",
		zap.Int64("order_id", ev.OrderID),
		zap.Int64("customer_id", reservation.CustomerID),
		zap.String("state", string(reservation.State)),
	)
	return nil
}

func (s *Service) publishOutcome(ctx context.Context, ev domain.OrderEvent, status domain.Status, reason string) error {
	out := ev
	out.Status = status
	out.Source = sourceTag
	out.Reason = reason
	if err := s.out.PublishOutcome(ctx, out); err != nil {
		return fmt.Errorf("publish payment outcome: %w", err)
	}
	return nil
}

func priorStatus(state storage.ReservationState) domain.Status {
	if state == storage.ReservationRejected {
		return domain.StatusReject
	}
	return domain.StatusAccept
}

func priorReason(state storage.ReservationState) string {
	if state == storage.ReservationRejected {
		return domain.ReasonPaymentRejected
	}
	return ""
}
