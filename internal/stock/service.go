// Package stock reserves inventory against new orders and settles the hold
// once the saga decides. It mirrors the payment component with per-product
// quantities instead of per-customer funds.
package stock

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"sagasvc/internal/domain"
	"sagasvc/internal/hashroute"
	"sagasvc/internal/storage"
)

const sourceTag = "stock"

// Publisher emits reservation outcomes to the stock-outcome topic.
type Publisher interface {
	PublishOutcome(ctx context.Context, ev domain.OrderEvent) error
}

type Service struct {
	store storage.StockStore
	out   Publisher
	log   *zap.Logger

	// Stock entries are keyed by product code while consumers shard by
	// orderId, so concurrent orders can touch the same product. Stripe locks
	// are taken in sorted order across an order's products.
	locks [hashroute.ShardCount]sync.Mutex
}

func NewService(store storage.StockStore, out Publisher, log *zap.Logger) *Service {
	return &Service{store: store, out: out, log: log}
}

// lockProducts acquires the stripe locks covering the given product codes and
// returns the release function. Sorted unique stripes keep two orders with
// overlapping products from deadlocking.
func (s *Service) lockProducts(codes []string) func() {
	seen := make(map[int]struct{}, len(codes))
	stripes := make([]int, 0, len(codes))
	for _, code := range codes {
		stripe := hashroute.ShardForKey(code)
		if _, ok := seen[stripe]; ok {
			continue
		}
		seen[stripe] = struct{}{}
		stripes = append(stripes, stripe)
	}
	sort.Ints(stripes)
	for _, stripe := range stripes {
		s.locks[stripe].Lock()
	}
	return func() {
		for i := len(stripes) - 1; i >= 0; i-- {
			s.locks[stripes[i]].Unlock()
		}
	}
}

func productCodes(ev domain.OrderEvent) []string {
	codes := make([]string, 0, len(ev.Items))
	for _, it := range ev.Items {
		codes = append(codes, it.ProductCode)
	}
	return codes
}

// Handle dispatches one inbound order event, exactly as the payment side does.
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

// reserve holds stock for every line of the order or for none of them: a
// single short line rejects the whole order. The outcome publishes after the
// stripe locks drop; the persisted reservation record already fixes it.
func (s *Service) reserve(ctx context.Context, ev domain.OrderEvent) error {
	state, err := s.hold(ctx, ev)
	if err != nil {
		return err
	}
	return s.publishOutcome(ctx, ev, priorStatus(state), priorReason(state))
}

func (s *Service) hold(ctx context.Context, ev domain.OrderEvent) (storage.ReservationState, error) {
	release := s.lockProducts(productCodes(ev))
	defer release()

	if prior, ok, err := s.store.LoadStockReservation(ctx, ev.OrderID); err != nil {
		return "", fmt.Errorf("load stock reservation: %w", err)
	} else if ok {
		return prior.State, nil
	}

	// Quantities are aggregated per product first: an order may repeat a
	// product code, and each entry must be checked and mutated exactly once.
	required := make(map[string]int64, len(ev.Items))
	codes := make([]string, 0, len(ev.Items))
	for _, it := range ev.Items {
		if _, ok := required[it.ProductCode]; !ok {
			codes = append(codes, it.ProductCode)
		}
		required[it.ProductCode] += it.Quantity
	}

	entries := make(map[string]storage.StockEntry, len(codes))
	sufficient := true
	for _, code := range codes {
		entry, ok, err := s.store.LoadStock(ctx, code)
		if err != nil {
			return "", fmt.Errorf("load stock: %w", err)
		}
		if !ok {
			return "", fmt.Errorf("%w: product %s", domain.ErrProductNotFound, code)
		}
		if entry.Available < required[code] {
			sufficient = false
		}
		entries[code] = entry
	}

	reservation := storage.StockReservation{OrderID: ev.OrderID}
	if sufficient {
		held := make([]storage.StockEntry, 0, len(codes))
		for _, code := range codes {
			entry := entries[code]
			entry.Available -= required[code]
			entry.Reserved += required[code]
			held = append(held, entry)
			reservation.Lines = append(reservation.Lines, storage.StockLine{ProductCode: code, Quantity: required[code]})
		}
		reservation.State = storage.ReservationHeld
		// One write: entries held without their reservation record would be
		// held again on redelivery.
		if err := s.store.SaveStockAndReservation(ctx, held, reservation); err != nil {
			return "", fmt.Errorf("save stock hold: %w", err)
		}
	} else {
		reservation.State = storage.ReservationRejected
		if err := s.store.SaveStockReservation(ctx, reservation); err != nil {
			return "", fmt.Errorf("save stock reservation: %w", err)
		}
	}

	s.log.Info("stock reservation decided",
		zap.Int64("order_id", ev.OrderID),
		zap.Int("lines", len(ev.Items)),
		zap.String("state", string(reservation.State)),
	)
	return reservation.State, nil
}

func (s *Service) settle(ctx context.Context, ev domain.OrderEvent) error {
	release := s.lockProducts(productCodes(ev))
	defer release()

	reservation, ok, err := s.store.LoadStockReservation(ctx, ev.OrderID)
	if err != nil {
		return fmt.Errorf("load stock reservation: %w", err)
	}
	if !ok || reservation.State != storage.ReservationHeld {
		return nil
	}

	settled := make([]storage.StockEntry, 0, len(reservation.Lines))
	for _, line := range reservation.Lines {
		entry, ok, err := s.store.LoadStock(ctx, line.ProductCode)
		if err != nil {
			return fmt.Errorf("load stock: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: product %s", domain.ErrProductNotFound, line.ProductCode)
		}
		entry.Reserved -= line.Quantity
		if ev.Status == domain.StatusRollback {
			entry.Available += line.Quantity
		}
		settled = append(settled, entry)
	}

	if ev.Status == domain.StatusConfirmed {
		reservation.State = storage.ReservationConfirmed
	} else {
		reservation.State = storage.ReservationReleased
	}
	if err := s.store.SaveStockAndReservation(ctx, settled, reservation); err != nil {
		return fmt.Errorf("save stock settlement: %w", err)
	}

	s.log.Info("stock reservation settled",
		zap.Int64("order_id", ev.OrderID),
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
		return fmt.Errorf("publish stock outcome: %w", err)
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
		return domain.ReasonStockRejected
	}
	return ""
}
