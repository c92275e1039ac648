package broker

import (
	"context"
	"fmt"
	"strings"

	"httptrading/internal/domain"
)

// Op identifies one Broker operation.
type Op uint16

const (
	OpPing Op = 1 << iota
	OpCash
	OpPositions
	OpQuote
	OpMarketStatus
	OpPlaceOrder
	OpOrder
	OpCancelOrder
)

// AllOps is every operation.
const AllOps = OpPing | OpCash | OpPositions | OpQuote | OpMarketStatus | OpPlaceOrder | OpOrder | OpCancelOrder

var opNames = []struct {
	op   Op
	name string
}{
	{OpPing, "ping"},
	{OpCash, "cash"},
	{OpPositions, "positions"},
	{OpQuote, "quote"},
	{OpMarketStatus, "marketStatus"},
	{OpPlaceOrder, "placeOrder"},
	{OpOrder, "order"},
	{OpCancelOrder, "cancelOrder"},
}

func (o Op) String() string {
	var parts []string
	for _, n := range opNames {
		if o&n.op != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Capabilities is fixed when an adapter is constructed. Blocking ops must be
// dispatched through the blocking-call bridge.
type Capabilities struct {
	Supported Op
	Blocking  Op
}

// Supports reports whether op is implemented.
func (c Capabilities) Supports(op Op) bool { return c.Supported&op == op }

// Blocks reports whether op blocks on vendor I/O.
func (c Capabilities) Blocks(op Op) bool { return c.Blocking&op == op }

// Unsupported returns the error for an operation outside the capability set.
func Unsupported(broker string, op Op) error {
	return fmt.Errorf("%w: %s does not support %s", domain.ErrUnsupported, broker, op)
}

// Unimplemented can be embedded by adapters that implement a subset of
// Broker. Every operation fails with domain.ErrUnsupported except Ping, which
// reports true for adapters without a persistent connection.
type Unimplemented struct{}

func (Unimplemented) Start(context.Context) error { return nil }

func (Unimplemented) Close() error { return nil }

func (Unimplemented) Ping(context.Context) (bool, error) { return true, nil }

func (Unimplemented) Cash(context.Context) (domain.Cash, error) {
	return domain.Cash{}, Unsupported("broker", OpCash)
}

func (Unimplemented) Positions(context.Context) ([]domain.Position, error) {
	return nil, Unsupported("broker", OpPositions)
}

func (Unimplemented) Quote(context.Context, domain.Contract) (domain.Quote, error) {
	return domain.Quote{}, Unsupported("broker", OpQuote)
}

func (Unimplemented) MarketStatus(context.Context) (domain.MarketStatusMap, error) {
	return nil, Unsupported("broker", OpMarketStatus)
}

func (Unimplemented) PlaceOrder(context.Context, domain.OrderRequest) (string, error) {
	return "", Unsupported("broker", OpPlaceOrder)
}

func (Unimplemented) Order(context.Context, string) (domain.Order, error) {
	return domain.Order{}, Unsupported("broker", OpOrder)
}

func (Unimplemented) CancelOrder(context.Context, string) error {
	return Unsupported("broker", OpCancelOrder)
}
