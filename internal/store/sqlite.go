package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"httptrading/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ AccountStore = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	account  TEXT PRIMARY KEY,
	currency TEXT NOT NULL,
	cash     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS positions (
	account    TEXT NOT NULL,
	trade_type TEXT NOT NULL,
	region     TEXT NOT NULL,
	ticker     TEXT NOT NULL,
	currency   TEXT NOT NULL,
	qty        INTEGER NOT NULL,
	PRIMARY KEY (account, trade_type, region, ticker)
);
CREATE TABLE IF NOT EXISTS orders (
	account       TEXT NOT NULL,
	id            TEXT NOT NULL,
	trade_type    TEXT NOT NULL,
	region        TEXT NOT NULL,
	ticker        TEXT NOT NULL,
	direction     TEXT NOT NULL,
	order_type    TEXT NOT NULL,
	limit_price   TEXT NOT NULL,
	currency      TEXT NOT NULL,
	qty           INTEGER NOT NULL,
	filled_qty    INTEGER NOT NULL DEFAULT 0,
	avg_price     TEXT NOT NULL DEFAULT '0',
	error_reason  TEXT NOT NULL DEFAULT '',
	canceled      INTEGER NOT NULL DEFAULT 0,
	filled        INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL,
	PRIMARY KEY (account, id)
);
`

// SQLiteStore implements AccountStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema and returns a ready-to-use SQLiteStore. ":memory:" is supported.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(dbPath))
	if err != nil {
		return nil, err
	}
	if isMemory(dbPath) {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// sharedFilePragmas let several stores, one per simulator instance, write
// the same file: writers wait for the lock instead of failing with
// SQLITE_BUSY, and transactions take the write lock up front.
const sharedFilePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"

func isMemory(dbPath string) bool {
	return dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory")
}

func sqliteDSN(dbPath string) string {
	if isMemory(dbPath) {
		return dbPath
	}
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + sharedFilePragmas
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

// EnsureAccount inserts the account with the opening balance if missing.
func (s *SQLiteStore) EnsureAccount(ctx context.Context, account string, opening domain.Cash) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO accounts (account, currency, cash) VALUES (?, ?, ?)`,
		account, opening.Currency, opening.Amount.String())
	return err
}

// Cash returns the account's cash balance.
func (s *SQLiteStore) Cash(ctx context.Context, account string) (domain.Cash, error) {
	var currency, amount string
	err := s.db.QueryRowContext(ctx,
		`SELECT currency, cash FROM accounts WHERE account = ?`, account).Scan(&currency, &amount)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Cash{}, fmt.Errorf("account %s: %w", account, ErrNotFound)
	}
	if err != nil {
		return domain.Cash{}, err
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return domain.Cash{}, fmt.Errorf("account %s: corrupt cash %q: %w", account, amount, err)
	}
	return domain.Cash{Currency: currency, Amount: d}, nil
}

// ---------------------------------------------------------------------------
// Positions
// ---------------------------------------------------------------------------

// Positions returns every non-flat position ordered by region and ticker.
func (s *SQLiteStore) Positions(ctx context.Context, account string) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT trade_type, region, ticker, currency, qty FROM positions
		 WHERE account = ? AND qty != 0 ORDER BY region, ticker`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var p domain.Position
		var tt, region string
		if err := rows.Scan(&tt, &region, &p.Contract.Ticker, &p.Currency, &p.Qty); err != nil {
			return nil, err
		}
		p.Contract.TradeType = domain.TradeType(tt)
		p.Contract.Region = domain.Region(region)
		p.Unit = domain.UnitShare
		out = append(out, p)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

const orderColumns = `id, trade_type, region, ticker, direction, order_type, limit_price,
	currency, qty, filled_qty, avg_price, error_reason, canceled, filled, created_at`

// SaveOrder inserts a new order.
func (s *SQLiteStore) SaveOrder(ctx context.Context, account string, o SimOrder) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (account, `+orderColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		account, o.Order.OrderID, string(o.Contract.TradeType), string(o.Contract.Region), o.Contract.Ticker,
		string(o.Direction), string(o.OrderType), o.LimitPrice.String(),
		o.Order.Currency, o.Order.Qty, o.Order.FilledQty, o.Order.AvgPrice.String(), o.Order.ErrorReason,
		o.Order.IsCanceled, o.Order.IsFilled, o.CreatedAt.UnixMilli())
	return err
}

// GetOrder retrieves one order by id.
func (s *SQLiteStore) GetOrder(ctx context.Context, account, id string) (SimOrder, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE account = ? AND id = ?`, account, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SimOrder{}, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return o, err
}

// WorkingOrders returns orders that can still change, oldest first.
func (s *SQLiteStore) WorkingOrders(ctx context.Context, account string) ([]SimOrder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE account = ? AND filled = 0 AND canceled = 0 AND error_reason = ''
		 ORDER BY created_at, id`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SimOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// UpdateOrder persists fill progress and terminal flags.
func (s *SQLiteStore) UpdateOrder(ctx context.Context, account string, o SimOrder) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET filled_qty = ?, avg_price = ?, error_reason = ?, canceled = ?, filled = ?
		 WHERE account = ? AND id = ?`,
		o.Order.FilledQty, o.Order.AvgPrice.String(), o.Order.ErrorReason, o.Order.IsCanceled, o.Order.IsFilled,
		account, o.Order.OrderID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("order %s: %w", o.Order.OrderID, ErrNotFound)
	}
	return nil
}

// ApplyFill fills the whole order at f.Price, debits or credits cash and
// adjusts the position, all in one transaction.
func (s *SQLiteStore) ApplyFill(ctx context.Context, account string, f Fill) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var amount string
	if err := tx.QueryRowContext(ctx, `SELECT cash FROM accounts WHERE account = ?`, account).Scan(&amount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("account %s: %w", account, ErrNotFound)
		}
		return err
	}
	cash, err := decimal.NewFromString(amount)
	if err != nil {
		return fmt.Errorf("account %s: corrupt cash %q: %w", account, amount, err)
	}
	cash = cash.Sub(f.Price.Mul(decimal.NewFromInt(f.Qty)))

	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET cash = ? WHERE account = ?`, cash.String(), account); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO positions (account, trade_type, region, ticker, currency, qty) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (account, trade_type, region, ticker) DO UPDATE SET qty = qty + excluded.qty`,
		account, string(f.Contract.TradeType), string(f.Contract.Region), f.Contract.Ticker, f.Currency, f.Qty); err != nil {
		return err
	}

	abs := f.Qty
	if abs < 0 {
		abs = -abs
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE orders SET filled_qty = ?, avg_price = ?, filled = 1
		 WHERE account = ? AND id = ? AND filled = 0 AND canceled = 0`,
		abs, f.Price.String(), account, f.OrderID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("order %s is not working: %w", f.OrderID, ErrNotFound)
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(r rowScanner) (SimOrder, error) {
	var (
		o                    SimOrder
		tt, region, dir, ot  string
		limitPrice, avgPrice string
		canceled, filled     bool
		createdAt            int64
	)
	err := r.Scan(&o.Order.OrderID, &tt, &region, &o.Contract.Ticker, &dir, &ot, &limitPrice,
		&o.Order.Currency, &o.Order.Qty, &o.Order.FilledQty, &avgPrice, &o.Order.ErrorReason,
		&canceled, &filled, &createdAt)
	if err != nil {
		return SimOrder{}, err
	}
	o.Contract.TradeType = domain.TradeType(tt)
	o.Contract.Region = domain.Region(region)
	o.Direction = domain.Direction(dir)
	o.OrderType = domain.OrderType(ot)
	o.Order.IsCanceled = canceled
	o.Order.IsFilled = filled
	o.CreatedAt = time.UnixMilli(createdAt).UTC()
	if o.LimitPrice, err = decimal.NewFromString(limitPrice); err != nil {
		return SimOrder{}, fmt.Errorf("order %s: corrupt limit price: %w", o.Order.OrderID, err)
	}
	if o.Order.AvgPrice, err = decimal.NewFromString(avgPrice); err != nil {
		return SimOrder{}, fmt.Errorf("order %s: corrupt avg price: %w", o.Order.OrderID, err)
	}
	return o, nil
}
