package domain

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Wire format shared by every topic. Field names follow the upstream order
// service contract; decimals travel as JSON strings so no precision is lost.
type wireOrderEvent struct {
	OrderID    int64           `json:"orderId"`
	CustomerID int64           `json:"customerId"`
	Status     string          `json:"status"`
	Source     string          `json:"source,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Items      []wireOrderItem `json:"items"`
}

type wireOrderItem struct {
	ProductCode string          `json:"productCode"`
	Quantity    int64           `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
}

func EncodeOrderEvent(e OrderEvent) ([]byte, error) {
	out := wireOrderEvent{
		OrderID:    e.OrderID,
		CustomerID: e.CustomerID,
		Status:     string(e.Status),
		Source:     e.Source,
		Reason:     e.Reason,
		Items:      make([]wireOrderItem, 0, len(e.Items)),
	}
	for _, it := range e.Items {
		out.Items = append(out.Items, wireOrderItem{ProductCode: it.ProductCode, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	return json.Marshal(out)
}

// DecodeOrderEvent parses and validates one envelope. Every failure wraps
// ErrUnprocessable: a payload that does not parse today will not parse on
// redelivery either.
func DecodeOrderEvent(payload []byte) (OrderEvent, error) {
	var in wireOrderEvent
	if err := json.Unmarshal(payload, &in); err != nil {
		return OrderEvent{}, fmt.Errorf("%w: parse order event: %v", ErrUnprocessable, err)
	}
	status, err := ParseStatus(in.Status)
	if err != nil {
		return OrderEvent{}, fmt.Errorf("%w: %v", ErrUnprocessable, err)
	}
	ev := OrderEvent{
		OrderID:    in.OrderID,
		CustomerID: in.CustomerID,
		Status:     status,
		Source:     in.Source,
		Reason:     in.Reason,
		Items:      make([]OrderItem, 0, len(in.Items)),
	}
	for _, it := range in.Items {
		ev.Items = append(ev.Items, OrderItem{ProductCode: it.ProductCode, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	if err := ev.Validate(); err != nil {
		return OrderEvent{}, err
	}
	return ev, nil
}
