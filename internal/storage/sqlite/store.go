// Package sqlite is the durable storage engine: customer ledgers, stock
// levels, reservation records, and the materialized order view.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"sagasvc/internal/domain"
	"sagasvc/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS customers (
	customer_id INTEGER PRIMARY KEY,
	available TEXT NOT NULL,
	reserved TEXT NOT NULL,
	updated_at_utc_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS payment_reservations (
	order_id INTEGER PRIMARY KEY,
	customer_id INTEGER NOT NULL,
	amount TEXT NOT NULL,
	state TEXT NOT NULL,
	updated_at_utc_ns INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_payment_reservations_customer ON payment_reservations(customer_id);

CREATE TABLE IF NOT EXISTS stock (
	product_code TEXT PRIMARY KEY,
	available INTEGER NOT NULL,
	reserved INTEGER NOT NULL,
	updated_at_utc_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS stock_reservations (
	order_id INTEGER PRIMARY KEY,
	state TEXT NOT NULL,
	lines_json TEXT NOT NULL,
	updated_at_utc_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS order_view (
	order_id INTEGER PRIMARY KEY,
	status TEXT NOT NULL,
	reason TEXT NOT NULL,
	event_json TEXT NOT NULL,
	updated_at_utc_ns INTEGER NOT NULL
);
`

type Store struct {
	db *sql.DB
}

var _ storage.Engine = (*Store)(nil)

func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir base dir: %w", err)
	}
	db, err := openSQLite(filepath.Join(baseDir, "saga.db"))
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

func (s *Store) Close() error { return s.db.Close() }

// execer abstracts *sql.DB and *sql.Tx so the upserts serve both the
// standalone saves and the transactional combined saves.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) LoadBalance(ctx context.Context, customerID int64) (storage.BalanceEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT available, reserved FROM customers WHERE customer_id=?`, customerID)
	var available, reserved string
	if err := row.Scan(&available, &reserved); err == sql.ErrNoRows {
		return storage.BalanceEntry{}, false, nil
	} else if err != nil {
		return storage.BalanceEntry{}, false, err
	}
	entry := storage.BalanceEntry{CustomerID: customerID}
	var err error
	if entry.Available, err = decimal.NewFromString(available); err != nil {
		return storage.BalanceEntry{}, false, fmt.Errorf("corrupt available for customer %d: %w", customerID, err)
	}
	if entry.Reserved, err = decimal.NewFromString(reserved); err != nil {
		return storage.BalanceEntry{}, false, fmt.Errorf("corrupt reserved for customer %d: %w", customerID, err)
	}
	return entry, true, nil
}

func (s *Store) SaveBalance(ctx context.Context, entry storage.BalanceEntry) error {
	return saveBalance(ctx, s.db, entry)
}

func saveBalance(ctx context.Context, ex execer, entry storage.BalanceEntry) error {
	_, err := ex.ExecContext(ctx, `
INSERT INTO customers(customer_id, available, reserved, updated_at_utc_ns)
VALUES(?, ?, ?, ?)
ON CONFLICT(customer_id)
DO UPDATE SET available=excluded.available, reserved=excluded.reserved, updated_at_utc_ns=excluded.updated_at_utc_ns`,
		entry.CustomerID, entry.Available.String(), entry.Reserved.String(), nowNs())
	return err
}

func (s *Store) LoadPaymentReservation(ctx context.Context, orderID int64) (storage.PaymentReservation, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT customer_id, amount, state FROM payment_reservations WHERE order_id=?`, orderID)
	var amount, state string
	r := storage.PaymentReservation{OrderID: orderID}
	if err := row.Scan(&r.CustomerID, &amount, &state); err == sql.ErrNoRows {
		return storage.PaymentReservation{}, false, nil
	} else if err != nil {
		return storage.PaymentReservation{}, false, err
	}
	var err error
	if r.Amount, err = decimal.NewFromString(amount); err != nil {
		return storage.PaymentReservation{}, false, fmt.Errorf("corrupt amount for order %d: %w", orderID, err)
	}
	r.State = storage.ReservationState(state)
	return r, true, nil
}

func (s *Store) SavePaymentReservation(ctx context.Context, r storage.PaymentReservation) error {
	return savePaymentReservation(ctx, s.db, r)
}

func savePaymentReservation(ctx context.Context, ex execer, r storage.PaymentReservation) error {
	_, err := ex.ExecContext(ctx, `
INSERT INTO payment_reservations(order_id, customer_id, amount, state, updated_at_utc_ns)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(order_id)
DO UPDATE SET state=excluded.state, updated_at_utc_ns=excluded.updated_at_utc_ns`,
		r.OrderID, r.CustomerID, r.Amount.String(), string(r.State), nowNs())
	return err
}

func (s *Store) SaveBalanceAndReservation(ctx context.Context, entry storage.BalanceEntry, r storage.PaymentReservation) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := saveBalance(ctx, tx, entry); err != nil {
			return err
		}
		return savePaymentReservation(ctx, tx, r)
	})
}

func (s *Store) LoadStock(ctx context.Context, productCode string) (storage.StockEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT available, reserved FROM stock WHERE product_code=?`, productCode)
	entry := storage.StockEntry{ProductCode: productCode}
	if err := row.Scan(&entry.Available, &entry.Reserved); err == sql.ErrNoRows {
		return storage.StockEntry{}, false, nil
	} else if err != nil {
		return storage.StockEntry{}, false, err
	}
	return entry, true, nil
}

func (s *Store) SaveStock(ctx context.Context, entry storage.StockEntry) error {
	return saveStock(ctx, s.db, entry)
}

func saveStock(ctx context.Context, ex execer, entry storage.StockEntry) error {
	_, err := ex.ExecContext(ctx, `
INSERT INTO stock(product_code, available, reserved, updated_at_utc_ns)
VALUES(?, ?, ?, ?)
ON CONFLICT(product_code)
DO UPDATE SET available=excluded.available, reserved=excluded.reserved, updated_at_utc_ns=excluded.updated_at_utc_ns`,
		entry.ProductCode, entry.Available, entry.Reserved, nowNs())
	return err
}

func (s *Store) LoadStockReservation(ctx context.Context, orderID int64) (storage.StockReservation, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT state, lines_json FROM stock_reservations WHERE order_id=?`, orderID)
	var state, linesJSON string
	if err := row.Scan(&state, &linesJSON); err == sql.ErrNoRows {
		return storage.StockReservation{}, false, nil
	} else if err != nil {
		return storage.StockReservation{}, false, err
	}
	lines, err := decodeStockLines(linesJSON)
	if err != nil {
		return storage.StockReservation{}, false, fmt.Errorf("corrupt lines for order %d: %w", orderID, err)
	}
	return storage.StockReservation{OrderID: orderID, State: storage.ReservationState(state), Lines: lines}, true, nil
}

func (s *Store) SaveStockReservation(ctx context.Context, r storage.StockReservation) error {
	return saveStockReservation(ctx, s.db, r)
}

func saveStockReservation(ctx context.Context, ex execer, r storage.StockReservation) error {
	linesJSON, err := encodeStockLines(r.Lines)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `
INSERT INTO stock_reservations(order_id, state, lines_json, updated_at_utc_ns)
VALUES(?, ?, ?, ?)
ON CONFLICT(order_id)
DO UPDATE SET state=excluded.state, lines_json=excluded.lines_json, updated_at_utc_ns=excluded.updated_at_utc_ns`,
		r.OrderID, string(r.State), linesJSON, nowNs())
	return err
}

func (s *Store) SaveStockAndReservation(ctx context.Context, entries []storage.StockEntry, r storage.StockReservation) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, entry := range entries {
			if err := saveStock(ctx, tx, entry); err != nil {
				return err
			}
		}
		return saveStockReservation(ctx, tx, r)
	})
}

func (s *Store) GetOrderView(ctx context.Context, orderID int64) (storage.OrderView, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT status, reason, event_json, updated_at_utc_ns FROM order_view WHERE order_id=?`, orderID)
	var status, reason, eventJSON string
	var updatedNs int64
	if err := row.Scan(&status, &reason, &eventJSON, &updatedNs); err == sql.ErrNoRows {
		return storage.OrderView{}, false, nil
	} else if err != nil {
		return storage.OrderView{}, false, err
	}
	ev, err := domain.DecodeOrderEvent([]byte(eventJSON))
	if err != nil {
		return storage.OrderView{}, false, fmt.Errorf("corrupt view for order %d: %w", orderID, err)
	}
	return storage.OrderView{
		OrderID:   orderID,
		Status:    domain.Status(status),
		Reason:    reason,
		Event:     ev,
		UpdatedAt: time.Unix(0, updatedNs).UTC(),
	}, true, nil
}

func (s *Store) PutOrderView(ctx context.Context, view storage.OrderView) error {
	eventJSON, err := domain.EncodeOrderEvent(view.Event)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO order_view(order_id, status, reason, event_json, updated_at_utc_ns)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(order_id)
DO UPDATE SET status=excluded.status, reason=excluded.reason, event_json=excluded.event_json, updated_at_utc_ns=excluded.updated_at_utc_ns`,
		view.OrderID, string(view.Status), view.Reason, string(eventJSON), view.UpdatedAt.UTC().UnixNano())
	return err
}

func nowNs() int64 { return time.Now().UTC().UnixNano() }
