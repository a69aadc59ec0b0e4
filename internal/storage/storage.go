package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"sagasvc/internal/domain"
)

// BalanceEntry is one customer's ledger: funds free to reserve plus funds held
// against in-flight orders. Available+Reserved is conserved across
// reserve/confirm/rollback.
type BalanceEntry struct {
	CustomerID int64
	Available  decimal.Decimal
	Reserved   decimal.Decimal
}

// StockEntry is the per-product mirror of BalanceEntry.
type StockEntry struct {
	ProductCode string
	Available   int64
	Reserved    int64
}

// ReservationState tracks what has already been applied for an order, which is
// what makes reserve and settle safe under at-least-once delivery.
type ReservationState string

const (
	ReservationHeld      ReservationState = "held"
	ReservationRejected  ReservationState = "rejected"
	ReservationConfirmed ReservationState = "confirmed"
	ReservationReleased  ReservationState = "released"
)

func (s ReservationState) Settled() bool {
	return s == ReservationConfirmed || s == ReservationReleased
}

type PaymentReservation struct {
	OrderID    int64
	CustomerID int64
	Amount     decimal.Decimal
	State      ReservationState
}

type StockLine struct {
	ProductCode string
	Quantity    int64
}

type StockReservation struct {
	OrderID int64
	State   ReservationState
	Lines   []StockLine
}

// OrderView is the materialized latest-value snapshot per order.
type OrderView struct {
	OrderID   int64
	Status    domain.Status
	Reason    string
	Event     domain.OrderEvent
	UpdatedAt time.Time
}

// LedgerStore is the durable persistence contract of the payment side.
// SaveBalanceAndReservation writes the ledger mutation and its reservation
// record atomically: under at-least-once delivery a partial write would make
// the redelivered event mutate the ledger a second time.
type LedgerStore interface {
	LoadBalance(ctx context.Context, customerID int64) (BalanceEntry, bool, error)
	SaveBalance(ctx context.Context, entry BalanceEntry) error
	LoadPaymentReservation(ctx context.Context, orderID int64) (PaymentReservation, bool, error)
	SavePaymentReservation(ctx context.Context, r PaymentReservation) error
	SaveBalanceAndReservation(ctx context.Context, entry BalanceEntry, r PaymentReservation) error
}

// StockStore is the durable persistence contract of the inventory side.
// SaveStockAndReservation carries the same atomicity guarantee as the ledger
// counterpart, covering every stock entry an order touches.
type StockStore interface {
	LoadStock(ctx context.Context, productCode string) (StockEntry, bool, error)
	SaveStock(ctx context.Context, entry StockEntry) error
	LoadStockReservation(ctx context.Context, orderID int64) (StockReservation, bool, error)
	SaveStockReservation(ctx context.Context, r StockReservation) error
	SaveStockAndReservation(ctx context.Context, entries []StockEntry, r StockReservation) error
}

// OrderViewStore holds the saga join's keyed view of final order state.
type OrderViewStore interface {
	GetOrderView(ctx context.Context, orderID int64) (OrderView, bool, error)
	PutOrderView(ctx context.Context, view OrderView) error
}

// Engine bundles the three stores behind one open/close lifecycle.
type Engine interface {
	LedgerStore
	StockStore
	OrderViewStore
	Close() error
}
