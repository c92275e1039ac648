package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/longbridge/openapi-go/config"
	lbhttp "github.com/longbridge/openapi-go/http"
	"github.com/longbridge/openapi-go/quote"
	"github.com/longbridge/openapi-go/trade"

	"httptrading/internal/domain"
	"httptrading/internal/util"
)

// Compile-time interface check.
var _ Broker = (*LongbridgeBroker)(nil)

func init() {
	Register(Meta{Name: "longbridge", Display: "Longbridge"}, newLongbridgeFromArgs)
}

// LongbridgeArgs configures a longbridge instance.
type LongbridgeArgs struct {
	AppKey         string        `yaml:"app_key"`
	AppSecret      string        `yaml:"app_secret"`
	TokenFile      string        `yaml:"token_file"`
	Currency       string        `yaml:"currency"`        // cash currency, default USD
	ReloadInterval time.Duration `yaml:"reload_interval"` // token file poll, default 1m
}

// LongbridgeBroker implements Broker on the Longbridge OpenAPI SDK. The SDK
// contexts are rebuilt whenever the token file is rotated.
type LongbridgeBroker struct {
	Unimplemented

	args   LongbridgeArgs
	keeper *TokenKeeper
	log    *slog.Logger

	tradeLimiter *util.RateLimiter
	quoteLimiter *util.RateLimiter

	mu sync.RWMutex
	tc *trade.TradeContext
	qc *quote.QuoteContext

	stop chan struct{}
	wg   sync.WaitGroup
}

func newLongbridgeFromArgs(_ string, args Args, log *slog.Logger) (Broker, error) {
	var a LongbridgeArgs
	if err := args.Decode(&a); err != nil {
		return nil, fmt.Errorf("longbridge args: %w", err)
	}
	return NewLongbridgeBroker(a, log)
}

// NewLongbridgeBroker validates args and loads the session token. SDK
// contexts are created by Start.
func NewLongbridgeBroker(a LongbridgeArgs, log *slog.Logger) (*LongbridgeBroker, error) {
	if a.AppKey == "" || a.AppSecret == "" {
		return nil, errors.New("longbridge args: app_key and app_secret are required")
	}
	if a.Currency == "" {
		a.Currency = "USD"
	}
	if a.ReloadInterval <= 0 {
		a.ReloadInterval = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	keeper, err := LoadTokenKeeper(a.TokenFile, log)
	if err != nil {
		return nil, fmt.Errorf("longbridge token: %w", err)
	}
	return &LongbridgeBroker{
		args:         a,
		keeper:       keeper,
		log:          log,
		tradeLimiter: util.NewRateLimiter(1, 30),
		quoteLimiter: util.NewRateLimiter(10, 5),
		stop:         make(chan struct{}),
	}, nil
}

// Name returns "longbridge".
func (b *LongbridgeBroker) Name() string { return "longbridge" }

// Display returns "Longbridge".
func (b *LongbridgeBroker) Display() string { return "Longbridge" }

// Capabilities reports everything except market status, all blocking.
func (b *LongbridgeBroker) Capabilities() Capabilities {
	ops := AllOps &^ OpMarketStatus
	return Capabilities{Supported: ops, Blocking: ops}
}

// Start connects the SDK contexts and begins watching the token file.
func (b *LongbridgeBroker) Start(ctx context.Context) error {
	if err := b.connect(); err != nil {
		return err
	}
	b.wg.Add(1)
	go b.watchToken()
	return nil
}

// Close stops the token watcher and releases the SDK contexts.
func (b *LongbridgeBroker) Close() error {
	select {
	case <-b.stop:
	default:
		close(b.stop)
	}
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	closeContexts(b.tc, b.qc)
	b.tc, b.qc = nil, nil
	return nil
}

func (b *LongbridgeBroker) connect() error {
	cfg, err := config.New(config.WithConfigKey(b.args.AppKey, b.args.AppSecret, b.keeper.Token()))
	if err != nil {
		return fmt.Errorf("longbridge config: %w", err)
	}
	tc, err := trade.NewFromCfg(cfg)
	if err != nil {
		return fmt.Errorf("longbridge trade context: %w", err)
	}
	qc, err := quote.NewFromCfg(cfg)
	if err != nil {
		closeContexts(tc, nil)
		return fmt.Errorf("longbridge quote context: %w", err)
	}

	b.mu.Lock()
	oldTC, oldQC := b.tc, b.qc
	b.tc, b.qc = tc, qc
	b.mu.Unlock()

	closeContexts(oldTC, oldQC)
	return nil
}

func (b *LongbridgeBroker) watchToken() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.args.ReloadInterval)
	defer ticker.Stop()

	warned := false
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
		}

		changed, err := b.keeper.Reload()
		if err != nil {
			b.log.Error("token reload failed", "error", err)
			continue
		}
		if changed {
			warned = false
			if err := b.connect(); err != nil {
				b.log.Error("reconnect with rotated token failed", "error", err)
				continue
			}
			b.log.Info("reconnected with rotated token")
		}
		if b.keeper.ShouldRefresh() && !warned {
			warned = true
			b.log.Warn("session token expires soon; rotate the token file",
				"expiry", b.keeper.Expiry().Format(time.RFC3339))
		}
	}
}

func (b *LongbridgeBroker) contexts() (*trade.TradeContext, *quote.QuoteContext, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.tc == nil || b.qc == nil {
		return nil, nil, fmt.Errorf("%w: longbridge is not connected", domain.ErrUpstream)
	}
	return b.tc, b.qc, nil
}

// Ping reports whether the SDK is connected with an unexpired token.
func (b *LongbridgeBroker) Ping(context.Context) (bool, error) {
	if _, _, err := b.contexts(); err != nil {
		return false, nil
	}
	return !b.keeper.Expired(), nil
}

// Cash returns the available cash in the configured currency.
func (b *LongbridgeBroker) Cash(ctx context.Context) (domain.Cash, error) {
	tc, _, err := b.contexts()
	if err != nil {
		return domain.Cash{}, err
	}
	if err := waitLimiter(ctx, b.tradeLimiter); err != nil {
		return domain.Cash{}, err
	}
	balances, err := tc.AccountBalance(ctx, &trade.GetAccountBalance{})
	if err != nil {
		return domain.Cash{}, lbErr("AccountBalance", err)
	}
	for _, ab := range balances {
		for _, ci := range ab.CashInfos {
			if strings.EqualFold(ci.Currency, b.args.Currency) {
				return domain.Cash{Currency: ci.Currency, Amount: toDecimal(ci.AvailableCash)}, nil
			}
		}
	}
	return domain.Cash{}, fmt.Errorf("%w: no %s balance reported", domain.ErrUpstream, b.args.Currency)
}

// Positions returns every stock position whose symbol maps to a contract.
func (b *LongbridgeBroker) Positions(ctx context.Context) ([]domain.Position, error) {
	tc, _, err := b.contexts()
	if err != nil {
		return nil, err
	}
	if err := waitLimiter(ctx, b.tradeLimiter); err != nil {
		return nil, err
	}
	channels, err := tc.StockPositions(ctx, []string{})
	if err != nil {
		return nil, lbErr("StockPositions", err)
	}
	return b.positions(channels), nil
}

// lbAccountChannel is the channel holding the account's own stock
// positions. Other channels mirror the same holdings.
const lbAccountChannel = "lb"

func (b *LongbridgeBroker) positions(channels []*trade.StockPositionChannel) []domain.Position {
	var out []domain.Position
	for _, ch := range channels {
		if ch == nil || ch.AccountChannel != lbAccountChannel {
			continue
		}
		for _, p := range ch.Positions {
			c, ok := lbSymbolToContract(p.Symbol)
			if !ok {
				b.log.Debug("skipping unmapped position", "symbol", p.Symbol)
				continue
			}
			out = append(out, domain.Position{
				Broker:        b.Name(),
				BrokerDisplay: b.Display(),
				Contract:      c,
				Unit:          domain.UnitShare,
				Currency:      p.Currency,
				Qty:           toQty(p.Quantity),
			})
		}
	}
	return out
}

// Quote returns a snapshot quote.
func (b *LongbridgeBroker) Quote(ctx context.Context, c domain.Contract) (domain.Quote, error) {
	symbol, err := lbContractToSymbol(c)
	if err != nil {
		return domain.Quote{}, err
	}
	currency, err := c.Region.Currency()
	if err != nil {
		return domain.Quote{}, err
	}
	_, qc, err := b.contexts()
	if err != nil {
		return domain.Quote{}, err
	}
	if err := waitLimiter(ctx, b.quoteLimiter); err != nil {
		return domain.Quote{}, err
	}
	quotes, err := qc.Quote(ctx, []string{symbol})
	if err != nil {
		return domain.Quote{}, lbErr("Quote", err)
	}
	if len(quotes) == 0 {
		return domain.Quote{}, fmt.Errorf("%w: no quote for %s", domain.ErrNotFound, symbol)
	}
	q := quotes[0]
	return domain.Quote{
		Contract:   c,
		Currency:   currency,
		IsTradable: lbTradable(fmt.Sprint(q.TradeStatus)),
		Latest:     toDecimal(q.LastDone),
		PreClose:   toDecimal(q.PrevClose),
		OpenPrice:  toDecimal(q.Open),
		HighPrice:  toDecimal(q.High),
		LowPrice:   toDecimal(q.Low),
		Time:       time.Unix(q.Timestamp, 0).UTC(),
	}, nil
}

// lbTradable reports whether a security trade status means normal trading.
// The SDK renders the status either by name or by its numeric code.
func lbTradable(status string) bool {
	return status == "0" || strings.EqualFold(status, "Normal") || strings.EqualFold(status, "TradeStatusNormal")
}

// PlaceOrder submits an order. US market orders are only accepted for the
// regular session.
func (b *LongbridgeBroker) PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	so, err := lbSubmitOrder(req)
	if err != nil {
		return "", err
	}
	tc, _, err := b.contexts()
	if err != nil {
		return "", err
	}
	if err := waitLimiter(ctx, b.tradeLimiter); err != nil {
		return "", err
	}
	id, err := tc.SubmitOrder(ctx, so)
	if err != nil {
		return "", lbErr("SubmitOrder", err)
	}
	b.log.Info("order placed", "order_id", id, "symbol", so.Symbol, "direction", req.Direction, "qty", req.Qty)
	return id, nil
}

func lbSubmitOrder(req domain.OrderRequest) (*trade.SubmitOrder, error) {
	symbol, err := lbContractToSymbol(req.Contract)
	if err != nil {
		return nil, err
	}
	if req.Contract.Region == domain.RegionUS && req.OrderType == domain.OrderTypeMarket && req.Lifecycle != domain.LifecycleRTH {
		return nil, fmt.Errorf("%w: market orders are regular-session only", domain.ErrUnsupported)
	}

	so := &trade.SubmitOrder{
		Symbol:            symbol,
		SubmittedQuantity: uint64(req.Qty),
		Remark:            "httptrading",
	}

	switch req.Direction {
	case domain.DirectionBuy:
		so.Side = trade.OrderSide("Buy")
	case domain.DirectionSell:
		so.Side = trade.OrderSide("Sell")
	default:
		return nil, fmt.Errorf("%w: direction %q", domain.ErrBadRequest, req.Direction)
	}

	switch req.OrderType {
	case domain.OrderTypeLimit:
		so.OrderType = trade.OrderType("LO")
		so.SubmittedPrice = domain.PriceOrZero(req.Price)
	case domain.OrderTypeMarket:
		so.OrderType = trade.OrderType("MO")
	default:
		return nil, fmt.Errorf("%w: orderType %q", domain.ErrBadRequest, req.OrderType)
	}

	switch req.TimeInForce {
	case domain.TimeInForceDay:
		so.TimeInForce = trade.TimeType("Day")
	case domain.TimeInForceGTC:
		so.TimeInForce = trade.TimeType("GoodTilCanceled")
	default:
		return nil, fmt.Errorf("%w: timeInForce %q", domain.ErrBadRequest, req.TimeInForce)
	}

	switch req.Lifecycle {
	case domain.LifecycleRTH:
		so.OutsideRTH = trade.OutsideRTH("RTH_ONLY")
	case domain.LifecycleETH:
		so.OutsideRTH = trade.OutsideRTH("ANY_TIME")
	case domain.LifecycleOvernight:
		so.OutsideRTH = trade.OutsideRTH("OVERNIGHT")
	default:
		return nil, fmt.Errorf("%w: lifecycle %q", domain.ErrBadRequest, req.Lifecycle)
	}
	return so, nil
}

// lbOrderStatuses classifies Longbridge order statuses.
var lbOrderStatuses = orderStatusTable{
	Filled:        set("FilledStatus"),
	Canceled:      set("CanceledStatus"),
	Failed:        set("RejectedStatus", "ExpiredStatus", "PartialWithdrawal"),
	PendingCancel: set("PendingCancelStatus"),
}

// Order fetches the order's detail.
func (b *LongbridgeBroker) Order(ctx context.Context, orderID string) (domain.Order, error) {
	tc, _, err := b.contexts()
	if err != nil {
		return domain.Order{}, err
	}
	if err := waitLimiter(ctx, b.tradeLimiter); err != nil {
		return domain.Order{}, err
	}
	od, err := tc.OrderDetail(ctx, orderID)
	if err != nil {
		return domain.Order{}, lbErr("OrderDetail", err)
	}
	return lbOrderDetail(orderID, od)
}

func lbOrderDetail(orderID string, od trade.OrderDetail) (domain.Order, error) {
	if od.OrderId == "" {
		return domain.Order{}, fmt.Errorf("%w: order %s", domain.ErrNotFound, orderID)
	}
	return lbOrderStatuses.toDomain(vendorOrder{
		ID:        od.OrderId,
		Status:    string(od.Status),
		Currency:  od.Currency,
		Qty:       toDecimal(od.Quantity),
		FilledQty: toDecimal(od.ExecutedQuantity),
		AvgPrice:  toDecimal(od.ExecutedPrice),
		Message:   od.Msg,
	}), nil
}

// CancelOrder requests cancellation.
func (b *LongbridgeBroker) CancelOrder(ctx context.Context, orderID string) error {
	tc, _, err := b.contexts()
	if err != nil {
		return err
	}
	if err := waitLimiter(ctx, b.tradeLimiter); err != nil {
		return err
	}
	if err := tc.CancelOrder(ctx, orderID); err != nil {
		return lbErr("CancelOrder", err)
	}
	return nil
}

var (
	lbUSTicker = regexp.MustCompile(`^\w+$`)
	lbHKTicker = regexp.MustCompile(`^\d{5}$`)
	lbSHTicker = regexp.MustCompile(`^[56]\d{5}$`)
	lbSZTicker = regexp.MustCompile(`^[013]\d{5}$`)
	lbCNTicker = regexp.MustCompile(`^\d{6}$`)
	lbSymbol   = regexp.MustCompile(`^(\S+)\.(US|HK|SH|SZ)$`)
)

// lbContractToSymbol renders a contract in Longbridge symbology, e.g.
// AAPL.US, 00700.HK, 600519.SH, 000001.SZ.
func lbContractToSymbol(c domain.Contract) (string, error) {
	if c.TradeType != domain.TradeTypeSecurities {
		return "", fmt.Errorf("%w: longbridge trades securities only, got %s", domain.ErrUnsupported, c.TradeType)
	}
	t := c.Ticker
	switch {
	case c.Region == domain.RegionUS && lbUSTicker.MatchString(t):
		return strings.ToUpper(t) + ".US", nil
	case c.Region == domain.RegionHK && lbHKTicker.MatchString(t):
		return t + ".HK", nil
	case c.Region == domain.RegionCN && lbSHTicker.MatchString(t):
		return t + ".SH", nil
	case c.Region == domain.RegionCN && lbSZTicker.MatchString(t):
		return t + ".SZ", nil
	}
	return "", fmt.Errorf("%w: no longbridge symbol for %s", domain.ErrUnsupported, c)
}

// lbSymbolToContract parses a Longbridge symbol.
func lbSymbolToContract(symbol string) (domain.Contract, bool) {
	m := lbSymbol.FindStringSubmatch(symbol)
	if m == nil {
		return domain.Contract{}, false
	}
	ticker, suffix := m[1], m[2]
	c := domain.Contract{TradeType: domain.TradeTypeSecurities, Ticker: ticker}
	switch suffix {
	case "US":
		c.Region = domain.RegionUS
	case "HK":
		if !lbHKTicker.MatchString(ticker) {
			return domain.Contract{}, false
		}
		c.Region = domain.RegionHK
	case "SH", "SZ":
		if !lbCNTicker.MatchString(ticker) {
			return domain.Contract{}, false
		}
		c.Region = domain.RegionCN
	}
	return c, true
}

func lbErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s: %s", domain.ErrTimeout, op, err.Error())
	}
	var apiErr *lbhttp.ApiError
	if errors.As(err, &apiErr) {
		if apiErr.HttpStatus == 404 || strings.Contains(strings.ToLower(apiErr.Message), "not found") {
			return fmt.Errorf("%w: %s: %s", domain.ErrNotFound, op, apiErr.Message)
		}
	}
	return fmt.Errorf("%w: %s: %s", domain.ErrUpstream, op, err.Error())
}

func waitLimiter(ctx context.Context, rl *util.RateLimiter) error {
	if err := rl.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limit wait: %v", domain.ErrTimeout, err)
	}
	return nil
}

// closeContexts releases SDK contexts whose type exposes Close.
func closeContexts(tc *trade.TradeContext, qc *quote.QuoteContext) {
	if tc != nil {
		closeQuietly(tc)
	}
	if qc != nil {
		closeQuietly(qc)
	}
}

func closeQuietly(v any) {
	switch c := v.(type) {
	case interface{ Close() error }:
		_ = c.Close()
	case interface{ Close() }:
		c.Close()
	}
}
