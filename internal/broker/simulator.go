package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"httptrading/internal/domain"
	"httptrading/internal/store"
	"httptrading/internal/util"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

func init() {
	Register(Meta{Name: "simulator", Display: "Paper Simulator", StateKey: simulatorStateKey}, newSimulatorFromArgs)
}

// simulatorArgs decodes args and fills the defaults that depend on the
// owning instance. The account defaults to the instance id so instances
// sharing a db_path never share an account.
func simulatorArgs(instance string, args Args) (SimulatorArgs, error) {
	var a SimulatorArgs
	if err := args.Decode(&a); err != nil {
		return a, fmt.Errorf("simulator args: %w", err)
	}
	if a.DBPath == "" {
		a.DBPath = ":memory:"
	}
	if a.Account == "" {
		a.Account = instance
	}
	return a, nil
}

// simulatorStateKey is the account inside a database file. In-memory
// databases are private to their instance.
func simulatorStateKey(instance string, args Args) (string, error) {
	a, err := simulatorArgs(instance, args)
	if err != nil {
		return "", err
	}
	if a.DBPath == ":memory:" {
		return "", nil
	}
	path := a.DBPath
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return path + "#" + a.Account, nil
}

// SimulatorArgs configures a paper-trading instance.
type SimulatorArgs struct {
	Account     string        `yaml:"account"`      // namespace inside db_path, default instance id
	DBPath      string        `yaml:"db_path"`      // default :memory:
	Currency    string        `yaml:"currency"`     // default USD
	OpeningCash float64       `yaml:"opening_cash"` // default 100000
	QuotesPath  string        `yaml:"quotes_path"`  // optional Parquet fixture
	Quotes      []SimQuote    `yaml:"quotes"`       // optional inline fixtures
	Latency     time.Duration `yaml:"latency"`      // artificial per-call delay
}

// SimQuote is an inline quote fixture.
type SimQuote struct {
	TradeType string  `yaml:"trade_type"`
	Ticker    string  `yaml:"ticker"`
	Region    string  `yaml:"region"`
	Latest    float64 `yaml:"latest"`
	PreClose  float64 `yaml:"pre_close"`
	Open      float64 `yaml:"open"`
	High      float64 `yaml:"high"`
	Low       float64 `yaml:"low"`
}

// SimulatorBroker is a paper broker backed by an AccountStore and a quote
// book. Market orders and marketable limit orders fill at the latest price;
// other limit orders rest until the quote crosses them or they are canceled.
// Calls are serialized by a mutex and never block on network I/O.
type SimulatorBroker struct {
	account string
	store   store.AccountStore
	quotes  *store.QuoteBook
	opening domain.Cash
	latency time.Duration
	cal     *util.TradingCalendar
	log     *slog.Logger

	now func() time.Time
	seq atomic.Int64

	mu sync.Mutex
}

func newSimulatorFromArgs(instance string, args Args, log *slog.Logger) (Broker, error) {
	a, err := simulatorArgs(instance, args)
	if err != nil {
		return nil, err
	}

	st, err := store.NewSQLiteStore(a.DBPath)
	if err != nil {
		return nil, fmt.Errorf("simulator store: %w", err)
	}
	quotes := store.NewQuoteBook()
	if a.QuotesPath != "" {
		if quotes, err = store.LoadQuoteBook(a.QuotesPath); err != nil {
			st.Close()
			return nil, err
		}
	}
	for _, sq := range a.Quotes {
		q, err := sq.quote(time.Now())
		if err != nil {
			st.Close()
			return nil, err
		}
		quotes.Put(q)
	}
	return NewSimulatorBroker(a, st, quotes, log)
}

func (sq SimQuote) quote(at time.Time) (domain.Quote, error) {
	tt := sq.TradeType
	if tt == "" {
		tt = string(domain.TradeTypeSecurities)
	}
	c, err := domain.ParseContract(tt, sq.Ticker, sq.Region)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("simulator quote fixture: %w", err)
	}
	currency, err := c.Region.Currency()
	if err != nil {
		return domain.Quote{}, err
	}
	return domain.Quote{
		Contract:   c,
		Currency:   currency,
		IsTradable: true,
		Latest:     decimal.NewFromFloat(sq.Latest),
		PreClose:   decimal.NewFromFloat(sq.PreClose),
		OpenPrice:  decimal.NewFromFloat(sq.Open),
		HighPrice:  decimal.NewFromFloat(sq.High),
		LowPrice:   decimal.NewFromFloat(sq.Low),
		Time:       at.UTC(),
	}, nil
}

// NewSimulatorBroker creates a SimulatorBroker over an existing store and
// quote book. The store is owned by the broker and closed by Close.
func NewSimulatorBroker(a SimulatorArgs, st store.AccountStore, quotes *store.QuoteBook, log *slog.Logger) (*SimulatorBroker, error) {
	cal, err := util.NewTradingCalendar()
	if err != nil {
		return nil, fmt.Errorf("loading US calendar: %w", err)
	}
	if a.Account == "" {
		a.Account = "paper"
	}
	if a.Currency == "" {
		a.Currency = "USD"
	}
	if a.OpeningCash == 0 {
		a.OpeningCash = 100000
	}
	if quotes == nil {
		quotes = store.NewQuoteBook()
	}
	if log == nil {
		log = slog.Default()
	}
	return &SimulatorBroker{
		account: a.Account,
		store:   st,
		quotes:  quotes,
		opening: domain.Cash{Currency: a.Currency, Amount: decimal.NewFromFloat(a.OpeningCash)},
		latency: a.Latency,
		cal:     cal,
		log:     log,
		now:     time.Now,
	}, nil
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string { return "simulator" }

// Display returns "Paper Simulator".
func (b *SimulatorBroker) Display() string { return "Paper Simulator" }

// Capabilities reports every operation, none blocking.
func (b *SimulatorBroker) Capabilities() Capabilities {
	return Capabilities{Supported: AllOps}
}

// Quotes exposes the quote book so callers can move prices.
func (b *SimulatorBroker) Quotes() *store.QuoteBook { return b.quotes }

// Start creates the account with its opening balance on first use.
func (b *SimulatorBroker) Start(ctx context.Context) error {
	return b.store.EnsureAccount(ctx, b.account, b.opening)
}

// Close closes the store.
func (b *SimulatorBroker) Close() error {
	return b.store.Close()
}

// Ping always succeeds.
func (b *SimulatorBroker) Ping(ctx context.Context) (bool, error) {
	if err := b.delay(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Cash returns the account balance.
func (b *SimulatorBroker) Cash(ctx context.Context) (domain.Cash, error) {
	if err := b.delay(ctx); err != nil {
		return domain.Cash{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.sweep(ctx); err != nil {
		return domain.Cash{}, err
	}
	cash, err := b.store.Cash(ctx, b.account)
	return cash, simErr(err)
}

// Positions returns every non-flat position.
func (b *SimulatorBroker) Positions(ctx context.Context) ([]domain.Position, error) {
	if err := b.delay(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.sweep(ctx); err != nil {
		return nil, err
	}
	positions, err := b.store.Positions(ctx, b.account)
	if err != nil {
		return nil, simErr(err)
	}
	for i := range positions {
		positions[i].Broker = b.Name()
		positions[i].BrokerDisplay = b.Display()
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	return positions, nil
}

// Quote returns the fixture quote for c.
func (b *SimulatorBroker) Quote(ctx context.Context, c domain.Contract) (domain.Quote, error) {
	if err := b.delay(ctx); err != nil {
		return domain.Quote{}, err
	}
	q, ok := b.quotes.Quote(c)
	if !ok {
		return domain.Quote{}, fmt.Errorf("%w: no quote for %s", domain.ErrNotFound, c)
	}
	q.Contract = c
	return q, nil
}

// simSessions maps the calendar phase used as origin status.
var simSessions = statusMap{
	string(util.PhaseOvernight):  domain.StatusOvernight,
	string(util.PhasePreMarket):  domain.StatusPreHours,
	string(util.PhaseOpen):       domain.StatusRTH,
	string(util.PhaseAfterHours): domain.StatusAfterHours,
	string(util.PhaseClosed):     domain.StatusClosed,
}

// MarketStatus reports the US session from the trading calendar.
func (b *SimulatorBroker) MarketStatus(ctx context.Context) (domain.MarketStatusMap, error) {
	if err := b.delay(ctx); err != nil {
		return nil, err
	}
	origin := string(b.cal.Phase(b.now()))
	return domain.MarketStatusMap{
		domain.TradeTypeSecurities: {
			domain.RegionUS: {
				Region:        domain.RegionUS,
				OriginStatus:  origin,
				UnifiedStatus: simSessions.unify(origin),
			},
		},
	}, nil
}

// PlaceOrder records the order and fills it immediately when marketable.
// A buy the account cannot pay for is recorded as rejected.
func (b *SimulatorBroker) PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if err := b.delay(ctx); err != nil {
		return "", err
	}
	currency, err := req.Contract.Region.Currency()
	if err != nil {
		return "", err
	}
	q, ok := b.quotes.Quote(req.Contract)
	if req.OrderType == domain.OrderTypeMarket && !ok {
		return "", fmt.Errorf("%w: no quote to fill a market order for %s", domain.ErrNotFound, req.Contract)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	so := store.SimOrder{
		Order: domain.Order{
			OrderID:  b.nextID(now),
			Currency: currency,
			Qty:      req.Qty,
		},
		Contract:   req.Contract,
		Direction:  req.Direction,
		OrderType:  req.OrderType,
		LimitPrice: domain.PriceOrZero(req.Price),
		CreatedAt:  now,
	}
	if err := b.store.SaveOrder(ctx, b.account, so); err != nil {
		return "", simErr(err)
	}
	b.log.Info("order placed", "order_id", so.Order.OrderID, "contract", req.Contract.String(),
		"direction", req.Direction, "qty", req.Qty)

	if ok {
		if err := b.tryFill(ctx, so, q); err != nil {
			return "", err
		}
	}
	return so.Order.OrderID, nil
}

// Order returns the order after matching resting orders against the current
// quotes.
func (b *SimulatorBroker) Order(ctx context.Context, orderID string) (domain.Order, error) {
	if err := b.delay(ctx); err != nil {
		return domain.Order{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.sweep(ctx); err != nil {
		return domain.Order{}, err
	}
	so, err := b.store.GetOrder(ctx, b.account, orderID)
	if err != nil {
		return domain.Order{}, simErr(err)
	}
	return so.Order, nil
}

// CancelOrder cancels a working order. Completed orders are left untouched
// and reported as a conflict.
func (b *SimulatorBroker) CancelOrder(ctx context.Context, orderID string) error {
	if err := b.delay(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	so, err := b.store.GetOrder(ctx, b.account, orderID)
	if err != nil {
		return simErr(err)
	}
	if so.Order.IsCompleted() {
		return fmt.Errorf("%w: order %s is already completed", domain.ErrConflict, orderID)
	}
	so.Order.IsCanceled = true
	return simErr(b.store.UpdateOrder(ctx, b.account, so))
}

// sweep fills resting orders whose limit the current quote crosses. Callers
// hold b.mu.
func (b *SimulatorBroker) sweep(ctx context.Context) error {
	working, err := b.store.WorkingOrders(ctx, b.account)
	if err != nil {
		return simErr(err)
	}
	for _, so := range working {
		q, ok := b.quotes.Quote(so.Contract)
		if !ok {
			continue
		}
		if err := b.tryFill(ctx, so, q); err != nil {
			return err
		}
	}
	return nil
}

// tryFill fills so at the quote's latest price when marketable. Callers hold
// b.mu.
func (b *SimulatorBroker) tryFill(ctx context.Context, so store.SimOrder, q domain.Quote) error {
	if !q.IsTradable || !q.Latest.IsPositive() || !marketable(so, q.Latest) {
		return nil
	}

	signed := so.Order.Qty
	if so.Direction == domain.DirectionSell {
		signed = -signed
	}

	if signed > 0 {
		cash, err := b.store.Cash(ctx, b.account)
		if err != nil {
			return simErr(err)
		}
		cost := q.Latest.Mul(decimal.NewFromInt(signed))
		if cash.Amount.LessThan(cost) {
			so.Order.ErrorReason = "insufficient cash"
			b.log.Info("order rejected", "order_id", so.Order.OrderID, "reason", so.Order.ErrorReason)
			return simErr(b.store.UpdateOrder(ctx, b.account, so))
		}
	}

	err := b.store.ApplyFill(ctx, b.account, store.Fill{
		OrderID:  so.Order.OrderID,
		Contract: so.Contract,
		Currency: so.Order.Currency,
		Qty:      signed,
		Price:    q.Latest,
	})
	if err != nil {
		return simErr(err)
	}
	b.log.Info("order filled", "order_id", so.Order.OrderID, "price", q.Latest.String())
	return nil
}

func marketable(so store.SimOrder, latest decimal.Decimal) bool {
	if so.OrderType == domain.OrderTypeMarket {
		return true
	}
	if so.Direction == domain.DirectionBuy {
		return so.LimitPrice.GreaterThanOrEqual(latest)
	}
	return so.LimitPrice.LessThanOrEqual(latest)
}

func (b *SimulatorBroker) nextID(now time.Time) string {
	return fmt.Sprintf("SIM-%d-%d", now.UnixMilli(), b.seq.Add(1))
}

func (b *SimulatorBroker) delay(ctx context.Context) error {
	if b.latency <= 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
		}
		return nil
	}
	t := time.NewTimer(b.latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrTimeout, ctx.Err())
	case <-t.C:
		return nil
	}
}

func simErr(err error) error {
	switch {
	case err == nil:
		return nil
	case domain.Classified(err):
		return err
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %s", domain.ErrNotFound, strings.TrimPrefix(err.Error(), "store: "))
	}
	return fmt.Errorf("%w: simulator store: %s", domain.ErrUpstream, err.Error())
}
