package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Status is the order lifecycle state carried on every event.
type Status string

const (
	StatusNew       Status = "NEW"
	StatusAccept    Status = "ACCEPT"
	StatusReject    Status = "REJECT"
	StatusConfirmed Status = "CONFIRMED"
	StatusRollback  Status = "ROLLBACK"
)

// ParseStatus maps a wire string to a Status, rejecting anything unknown.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusNew, StatusAccept, StatusReject, StatusConfirmed, StatusRollback:
		return Status(s), nil
	default:
		return "", fmt.Errorf("unknown order status %q", s)
	}
}

// Terminal reports whether the status is a final saga decision.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusRollback
}

// Reason tags on outcome and final events. Empty on NEW and on CONFIRMED.
const (
	ReasonPaymentRejected   = "payment_rejected"
	ReasonStockRejected     = "stock_rejected"
	ReasonJoinWindowExpired = "join_window_expired"
)

type OrderItem struct {
	ProductCode string
	Quantity    int64
	UnitPrice   decimal.Decimal
}

// OrderEvent is the envelope moving through every topic. OrderID is the join
// key across all topics; downstream stages change only Status, Reason and
// Source, never the order contents.
type OrderEvent struct {
	OrderID    int64
	CustomerID int64
	Status     Status
	Source     string
	Reason     string
	Items      []OrderItem
}

// Total is the order amount, Σ quantity × unit price.
func (e OrderEvent) Total() decimal.Decimal {
	total := decimal.Zero
	for _, it := range e.Items {
		total = total.Add(it.UnitPrice.Mul(decimal.NewFromInt(it.Quantity)))
	}
	return total
}

func (e OrderEvent) Validate() error {
	if e.OrderID <= 0 {
		return fmt.Errorf("%w: order_id is required", ErrUnprocessable)
	}
	if e.CustomerID <= 0 {
		return fmt.Errorf("%w: customer_id is required", ErrUnprocessable)
	}
	if len(e.Items) == 0 {
		return fmt.Errorf("%w: order without items", ErrUnprocessable)
	}
	for _, it := range e.Items {
		if it.ProductCode == "" {
			return fmt.Errorf("%w: item product_code is required", ErrUnprocessable)
		}
		if it.Quantity < 0 {
			return fmt.Errorf("%w: item quantity must be >= 0", ErrUnprocessable)
		}
		if it.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: item unit_price must be >= 0", ErrUnprocessable)
		}
	}
	if _, err := ParseStatus(string(e.Status)); err != nil {
		return fmt.Errorf("%w: %v", ErrUnprocessable, err)
	}
	return nil
}
