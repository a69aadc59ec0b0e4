package storage

import (
	"context"
	"sync"
)

// MemoryEngine keeps all saga state in process. It backs tests and the
// `memory` storage driver; production deployments use the sqlite engine.
type MemoryEngine struct {
	mu         sync.RWMutex
	balances   map[int64]BalanceEntry
	payments   map[int64]PaymentReservation
	stock      map[string]StockEntry
	stockHolds map[int64]StockReservation
	views      map[int64]OrderView
}

func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		balances:   make(map[int64]BalanceEntry),
		payments:   make(map[int64]PaymentReservation),
		stock:      make(map[string]StockEntry),
		stockHolds: make(map[int64]StockReservation),
		views:      make(map[int64]OrderView),
	}
}

func (m *MemoryEngine) Close() error { return nil }

func (m *MemoryEngine) LoadBalance(_ context.Context, customerID int64) (BalanceEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.balances[customerID]
	return e, ok, nil
}

func (m *MemoryEngine) SaveBalance(_ context.Context, entry BalanceEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[entry.CustomerID] = entry
	return nil
}

func (m *MemoryEngine) LoadPaymentReservation(_ context.Context, orderID int64) (PaymentReservation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.payments[orderID]
	return r, ok, nil
}

func (m *MemoryEngine) SavePaymentReservation(_ context.Context, r PaymentReservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[r.OrderID] = r
	return nil
}

func (m *MemoryEngine) SaveBalanceAndReservation(_ context.Context, entry BalanceEntry, r PaymentReservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[entry.CustomerID] = entry
	m.payments[r.OrderID] = r
	return nil
}

func (m *MemoryEngine) LoadStock(_ context.Context, productCode string) (StockEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.stock[productCode]
	return e, ok, nil
}

func (m *MemoryEngine) SaveStock(_ context.Context, entry StockEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stock[entry.ProductCode] = entry
	return nil
}

func (m *MemoryEngine) LoadStockReservation(_ context.Context, orderID int64) (StockReservation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.stockHolds[orderID]
	return r, ok, nil
}

func (m *MemoryEngine) SaveStockReservation(_ context.Context, r StockReservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stockHolds[r.OrderID] = r
	return nil
}

func (m *MemoryEngine) SaveStockAndReservation(_ context.Context, entries []StockEntry, r StockReservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range entries {
		m.stock[entry.ProductCode] = entry
	}
	m.stockHolds[r.OrderID] = r
	return nil
}

func (m *MemoryEngine) GetOrderView(_ context.Context, orderID int64) (OrderView, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.views[orderID]
	return v, ok, nil
}

func (m *MemoryEngine) PutOrderView(_ context.Context, view OrderView) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.views[view.OrderID] = view
	return nil
}
