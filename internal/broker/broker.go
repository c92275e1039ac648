// Package broker defines the Broker interface every vendor adapter implements
// and provides the alpaca, longbridge and simulator adapters.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"httptrading/internal/domain"
)

// Broker abstracts one vendor account behind the vendor-neutral domain model.
// Adapters translate vendor errors into the domain error taxonomy; operations
// outside an adapter's Capabilities return domain.ErrUnsupported.
type Broker interface {
	// Name returns the registry identifier (e.g. "alpaca", "simulator").
	Name() string

	// Display returns a human-readable broker name.
	Display() string

	// Capabilities reports which operations are supported and which of
	// them block the calling goroutine on vendor I/O.
	Capabilities() Capabilities

	// Start opens vendor sessions. It is called once before the HTTP
	// listener accepts requests.
	Start(ctx context.Context) error

	// Close releases vendor sessions.
	Close() error

	// Ping checks liveness, reconnecting if the adapter has that notion.
	Ping(ctx context.Context) (bool, error)

	// Cash returns available buying power.
	Cash(ctx context.Context) (domain.Cash, error)

	// Positions returns a full position snapshot.
	Positions(ctx context.Context) ([]domain.Position, error)

	// Quote returns a point-in-time quote.
	Quote(ctx context.Context, contract domain.Contract) (domain.Quote, error)

	// MarketStatus returns session states grouped by trade type and region.
	MarketStatus(ctx context.Context) (domain.MarketStatusMap, error)

	// PlaceOrder submits an order and returns the vendor order id.
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error)

	// Order returns the vendor-reported state of one order.
	Order(ctx context.Context, orderID string) (domain.Order, error)

	// CancelOrder requests cancellation of a working order.
	CancelOrder(ctx context.Context, orderID string) error
}

// Args decodes adapter-specific configuration. *yaml.Node satisfies it.
type Args interface {
	Decode(v any) error
}

// Factory builds an adapter from its configuration arguments. instance is
// the owning instance id, used to namespace adapter state.
type Factory func(instance string, args Args, log *slog.Logger) (Broker, error)

// Meta describes a registered adapter.
type Meta struct {
	Name    string
	Display string

	// StateKey names the account or persisted state an instance built from
	// args would own. Two instances must never resolve to the same non-empty
	// key. Nil, or an empty key, means the instance shares nothing.
	StateKey func(instance string, args Args) (string, error)
}

var (
	registryMu sync.RWMutex
	factories  = map[string]registration{}
)

type registration struct {
	meta    Meta
	factory Factory
}

// Register makes an adapter available under meta.Name. It panics when the
// name is empty or already registered.
func Register(meta Meta, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if meta.Name == "" || f == nil {
		panic("broker: Register with empty name or nil factory")
	}
	if _, dup := factories[meta.Name]; dup {
		panic("broker: Register called twice for " + meta.Name)
	}
	factories[meta.Name] = registration{meta: meta, factory: f}
}

// New builds the adapter registered under name.
func New(name, instance string, args Args, log *slog.Logger) (Broker, error) {
	registryMu.RLock()
	reg, ok := factories[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown broker %q (known: %s)", name, strings.Join(Names(), ", "))
	}
	if log == nil {
		log = slog.Default()
	}
	return reg.factory(instance, args, log.With("broker", name))
}

// Known reports whether an adapter is registered under name.
func Known(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := factories[name]
	return ok
}

// Names returns the registered adapter names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the metadata of a registered adapter.
func Lookup(name string) (Meta, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	reg, ok := factories[name]
	return reg.meta, ok
}

// StateKey resolves the state key of an instance of the named adapter.
func StateKey(name, instance string, args Args) (string, error) {
	meta, ok := Lookup(name)
	if !ok {
		return "", fmt.Errorf("unknown broker %q", name)
	}
	if meta.StateKey == nil {
		return "", nil
	}
	if args == nil {
		args = NoArgs()
	}
	key, err := meta.StateKey(instance, args)
	if err != nil || key == "" {
		return "", err
	}
	return name + ":" + key, nil
}

// noArgs is used when an instance carries no args block.
type noArgs struct{}

func (noArgs) Decode(any) error { return nil }

// NoArgs returns an Args that leaves its target untouched.
func NoArgs() Args { return noArgs{} }
