// Package store persists paper-trading state for the simulator adapter:
// account cash, positions and orders in SQLite, and quote fixtures in
// Parquet files.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"httptrading/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// SimOrder is the persisted form of a simulated order.
type SimOrder struct {
	Order      domain.Order
	Contract   domain.Contract
	Direction  domain.Direction
	OrderType  domain.OrderType
	LimitPrice decimal.Decimal // zero for Market orders
	CreatedAt  time.Time
}

// Fill describes one execution applied atomically to an account.
type Fill struct {
	OrderID  string
	Contract domain.Contract
	Currency string
	Qty      int64 // signed: positive buys, negative sells
	Price    decimal.Decimal
}

// AccountStore persists the state of simulated accounts. Every method is
// scoped by account so several simulator instances may share one database.
type AccountStore interface {
	// EnsureAccount creates the account with an opening balance unless it
	// already exists.
	EnsureAccount(ctx context.Context, account string, opening domain.Cash) error

	// Cash returns the account's cash balance.
	Cash(ctx context.Context, account string) (domain.Cash, error)

	// Positions returns every non-flat position of the account.
	Positions(ctx context.Context, account string) ([]domain.Position, error)

	// SaveOrder inserts a new order.
	SaveOrder(ctx context.Context, account string, o SimOrder) error

	// GetOrder retrieves one order by id.
	GetOrder(ctx context.Context, account, id string) (SimOrder, error)

	// WorkingOrders returns orders that are neither filled, canceled nor
	// rejected.
	WorkingOrders(ctx context.Context, account string) ([]SimOrder, error)

	// UpdateOrder persists the mutable fields of an existing order.
	UpdateOrder(ctx context.Context, account string, o SimOrder) error

	// ApplyFill marks the order filled and moves cash and position in one
	// transaction.
	ApplyFill(ctx context.Context, account string, f Fill) error

	Close() error
}

// QuoteSource serves quote fixtures.
type QuoteSource interface {
	Quote(contract domain.Contract) (domain.Quote, bool)
}
