// Package engine is the adapter-invocation boundary: it checks capabilities,
// hands blocking operations to the bridge and normalizes every error into the
// domain taxonomy before it reaches the HTTP layer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"httptrading/internal/bridge"
	"httptrading/internal/broker"
	"httptrading/internal/domain"
	"httptrading/internal/registry"
)

// Engine dispatches operations to instance adapters.
type Engine struct {
	bridge *bridge.Bridge
	log    *slog.Logger
}

// NewEngine creates an Engine that runs blocking operations on b.
func NewEngine(b *bridge.Bridge, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{bridge: b, log: log}
}

// Bridge returns the engine's blocking-call bridge.
func (e *Engine) Bridge() *bridge.Bridge { return e.bridge }

// call runs fn against inst honoring the adapter's declared capabilities.
func call[T any](ctx context.Context, e *Engine, inst *registry.Instance, op broker.Op, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if !inst.Caps.Supports(op) {
		return zero, broker.Unsupported(inst.Broker.Name(), op)
	}

	start := time.Now()
	var (
		v   T
		err error
	)
	if inst.Caps.Blocks(op) {
		v, err = bridge.Run(ctx, e.bridge, inst.ID, fn)
	} else {
		v, err = bridge.Protect(ctx, fn)
	}
	if err != nil {
		err = normalize(err)
		level := slog.LevelWarn
		if errors.Is(err, domain.ErrBadRequest) || errors.Is(err, domain.ErrNotFound) ||
			errors.Is(err, domain.ErrUnsupported) || errors.Is(err, domain.ErrConflict) {
			level = slog.LevelInfo
		}
		inst.Log.Log(ctx, level, "broker call failed", "op", op.String(),
			"duration", time.Since(start), "error", err)
		return zero, err
	}
	return v, nil
}

// normalize maps any error outside the taxonomy to ErrUpstream, keeping only
// the message text.
func normalize(err error) error {
	if domain.Classified(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s", domain.ErrTimeout, err.Error())
	}
	return fmt.Errorf("%w: %s", domain.ErrUpstream, err.Error())
}

// Ping checks the adapter.
func (e *Engine) Ping(ctx context.Context, inst *registry.Instance) (bool, error) {
	return call(ctx, e, inst, broker.OpPing, inst.Broker.Ping)
}

// Cash returns the instance's buying power.
func (e *Engine) Cash(ctx context.Context, inst *registry.Instance) (domain.Cash, error) {
	return call(ctx, e, inst, broker.OpCash, inst.Broker.Cash)
}

// Positions returns a full position snapshot, never nil.
func (e *Engine) Positions(ctx context.Context, inst *registry.Instance) ([]domain.Position, error) {
	positions, err := call(ctx, e, inst, broker.OpPositions, inst.Broker.Positions)
	if err != nil {
		return nil, err
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	return positions, nil
}

// Quote returns a snapshot quote for c.
func (e *Engine) Quote(ctx context.Context, inst *registry.Instance, c domain.Contract) (domain.Quote, error) {
	return call(ctx, e, inst, broker.OpQuote, func(ctx context.Context) (domain.Quote, error) {
		return inst.Broker.Quote(ctx, c)
	})
}

// MarketStatus returns session states grouped by trade type and region.
func (e *Engine) MarketStatus(ctx context.Context, inst *registry.Instance) (domain.MarketStatusMap, error) {
	m, err := call(ctx, e, inst, broker.OpMarketStatus, inst.Broker.MarketStatus)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = domain.MarketStatusMap{}
	}
	return m, nil
}

// PlaceOrder validates req and submits it.
func (e *Engine) PlaceOrder(ctx context.Context, inst *registry.Instance, req domain.OrderRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	id, err := call(ctx, e, inst, broker.OpPlaceOrder, func(ctx context.Context) (string, error) {
		return inst.Broker.PlaceOrder(ctx, req)
	})
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("%w: %s returned an empty order id", domain.ErrUpstream, inst.Broker.Name())
	}
	return id, nil
}

// Order returns the vendor-reported order state. Orders that break the
// quantity invariant are still returned but logged.
func (e *Engine) Order(ctx context.Context, inst *registry.Instance, orderID string) (domain.Order, error) {
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: orderId is required", domain.ErrBadRequest)
	}
	o, err := call(ctx, e, inst, broker.OpOrder, func(ctx context.Context) (domain.Order, error) {
		return inst.Broker.Order(ctx, orderID)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if err := o.Validate(); err != nil {
		inst.Log.Warn("adapter returned inconsistent order", "error", err)
	}
	return o, nil
}

// CancelOrder requests cancellation of orderID.
func (e *Engine) CancelOrder(ctx context.Context, inst *registry.Instance, orderID string) error {
	if orderID == "" {
		return fmt.Errorf("%w: orderId is required", domain.ErrBadRequest)
	}
	_, err := call(ctx, e, inst, broker.OpCancelOrder, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, inst.Broker.CancelOrder(ctx, orderID)
	})
	return err
}
