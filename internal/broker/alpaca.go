package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"httptrading/internal/domain"
	"httptrading/internal/util"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

func init() {
	Register(Meta{Name: "alpaca", Display: "Alpaca"}, newAlpacaFromArgs)
}

// AlpacaArgs configures an alpaca instance.
type AlpacaArgs struct {
	APIKey        string `yaml:"api_key"`
	APISecret     string `yaml:"api_secret"`
	BaseURL       string `yaml:"base_url"` // paper or live trading endpoint
	DataURL       string `yaml:"data_url"`
	Feed          string `yaml:"feed"` // iex or sip
	RatePerMinute int    `yaml:"rate_per_minute"`
}

// alpacaTrading is the subset of *alpaca.Client the adapter calls.
type alpacaTrading interface {
	GetAccount() (*alpaca.Account, error)
	GetPositions() ([]alpaca.Position, error)
	GetAsset(symbol string) (*alpaca.Asset, error)
	GetClock() (*alpaca.Clock, error)
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	GetOrder(orderID string) (*alpaca.Order, error)
	CancelOrder(orderID string) error
}

// alpacaMarketData is the subset of *marketdata.Client the adapter calls.
type alpacaMarketData interface {
	GetSnapshot(symbol string, req marketdata.GetSnapshotRequest) (*marketdata.Snapshot, error)
}

// AlpacaBroker implements Broker on the Alpaca trading and market-data APIs.
// The SDK is synchronous and not context-aware, so every operation is
// flagged blocking.
type AlpacaBroker struct {
	trading  alpacaTrading
	data     alpacaMarketData
	feed     string
	limiter  *util.RateLimiter
	calendar *util.TradingCalendar
	log      *slog.Logger
}

func newAlpacaFromArgs(_ string, args Args, log *slog.Logger) (Broker, error) {
	var a AlpacaArgs
	if err := args.Decode(&a); err != nil {
		return nil, fmt.Errorf("alpaca args: %w", err)
	}
	if a.APIKey == "" || a.APISecret == "" {
		return nil, errors.New("alpaca args: api_key and api_secret are required")
	}
	if a.RatePerMinute <= 0 {
		a.RatePerMinute = 200
	}

	trading := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    a.APIKey,
		APISecret: a.APISecret,
		BaseURL:   a.BaseURL,
	})
	dataOpts := marketdata.ClientOpts{
		APIKey:    a.APIKey,
		APISecret: a.APISecret,
	}
	if a.DataURL != "" {
		dataOpts.BaseURL = a.DataURL
	}
	return NewAlpacaBroker(trading, marketdata.NewClient(dataOpts), a.Feed, a.RatePerMinute, log)
}

// NewAlpacaBroker creates an AlpacaBroker from SDK clients.
func NewAlpacaBroker(trading alpacaTrading, data alpacaMarketData, feed string, perMinute int, log *slog.Logger) (*AlpacaBroker, error) {
	cal, err := util.NewTradingCalendar()
	if err != nil {
		return nil, fmt.Errorf("loading US calendar: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &AlpacaBroker{
		trading:  trading,
		data:     data,
		feed:     feed,
		limiter:  util.NewRateLimiter(float64(perMinute)/60, 10),
		calendar: cal,
		log:      log,
	}, nil
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string { return "alpaca" }

// Display returns "Alpaca".
func (b *AlpacaBroker) Display() string { return "Alpaca" }

// Capabilities reports every operation, all blocking.
func (b *AlpacaBroker) Capabilities() Capabilities {
	return Capabilities{Supported: AllOps, Blocking: AllOps}
}

// Start verifies the credentials by fetching the account, retrying transient
// failures.
func (b *AlpacaBroker) Start(ctx context.Context) error {
	return util.Retry(ctx, 3, 500*time.Millisecond, retryableAlpaca, func(ctx context.Context) error {
		_, err := b.Cash(ctx)
		return err
	})
}

// Close is a no-op; the SDK holds no persistent session.
func (b *AlpacaBroker) Close() error { return nil }

// Ping reports whether the clock endpoint answers.
func (b *AlpacaBroker) Ping(ctx context.Context) (bool, error) {
	if err := b.wait(ctx); err != nil {
		return false, err
	}
	if _, err := b.trading.GetClock(); err != nil {
		b.log.Warn("ping failed", "error", err)
		return false, nil
	}
	return true, nil
}

// Cash returns the account's cash balance.
func (b *AlpacaBroker) Cash(ctx context.Context) (domain.Cash, error) {
	if err := b.wait(ctx); err != nil {
		return domain.Cash{}, err
	}
	acct, err := b.trading.GetAccount()
	if err != nil {
		return domain.Cash{}, alpacaErr("GetAccount", err)
	}
	currency := acct.Currency
	if currency == "" {
		currency = "USD"
	}
	return domain.Cash{Currency: currency, Amount: toDecimal(acct.Cash)}, nil
}

// Positions returns every open position. Short positions carry negative qty.
func (b *AlpacaBroker) Positions(ctx context.Context) ([]domain.Position, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	raw, err := b.trading.GetPositions()
	if err != nil {
		return nil, alpacaErr("GetPositions", err)
	}
	out := make([]domain.Position, 0, len(raw))
	for _, p := range raw {
		tradeType := domain.TradeTypeSecurities
		unit := domain.UnitShare
		if strings.EqualFold(fmt.Sprint(p.AssetClass), "crypto") {
			tradeType = domain.TradeTypeCryptocurrencies
			unit = domain.UnitSatoshi
		}
		qty := toQty(p.Qty)
		if strings.EqualFold(p.Side, "short") && qty > 0 {
			qty = -qty
		}
		out = append(out, domain.Position{
			Broker:        b.Name(),
			BrokerDisplay: b.Display(),
			Contract:      domain.Contract{TradeType: tradeType, Ticker: p.Symbol, Region: domain.RegionUS},
			Unit:          unit,
			Currency:      "USD",
			Qty:           qty,
		})
	}
	return out, nil
}

// Quote builds a quote from the latest trade and daily bars of a snapshot.
func (b *AlpacaBroker) Quote(ctx context.Context, c domain.Contract) (domain.Quote, error) {
	if c.TradeType != domain.TradeTypeSecurities || c.Region != domain.RegionUS {
		return domain.Quote{}, fmt.Errorf("%w: alpaca quotes US securities only, got %s", domain.ErrUnsupported, c)
	}
	symbol := strings.ToUpper(c.Ticker)

	if err := b.wait(ctx); err != nil {
		return domain.Quote{}, err
	}
	snap, err := b.data.GetSnapshot(symbol, marketdata.GetSnapshotRequest{Feed: b.feed})
	if err != nil {
		return domain.Quote{}, alpacaErr("GetSnapshot", err)
	}
	if snap == nil || snap.LatestTrade == nil {
		return domain.Quote{}, fmt.Errorf("%w: no snapshot for %s", domain.ErrNotFound, symbol)
	}

	q := domain.Quote{
		Contract: c,
		Currency: "USD",
		Latest:   decimal.NewFromFloat(snap.LatestTrade.Price),
		Time:     snap.LatestTrade.Timestamp.UTC(),
	}
	if bar := snap.DailyBar; bar != nil {
		q.OpenPrice = decimal.NewFromFloat(bar.Open)
		q.HighPrice = decimal.NewFromFloat(bar.High)
		q.LowPrice = decimal.NewFromFloat(bar.Low)
	}
	if bar := snap.PrevDailyBar; bar != nil {
		q.PreClose = decimal.NewFromFloat(bar.Close)
	}

	if err := b.wait(ctx); err != nil {
		return domain.Quote{}, err
	}
	asset, err := b.trading.GetAsset(symbol)
	if err != nil {
		return domain.Quote{}, alpacaErr("GetAsset", err)
	}
	q.IsTradable = asset.Tradable && strings.EqualFold(fmt.Sprint(asset.Status), "active")
	return q, nil
}

// alpacaSessions maps the origin status reported by MarketStatus.
var alpacaSessions = statusMap{
	string(util.PhaseOvernight):  domain.StatusOvernight,
	string(util.PhasePreMarket):  domain.StatusPreHours,
	string(util.PhaseOpen):       domain.StatusRTH,
	string(util.PhaseAfterHours): domain.StatusAfterHours,
	string(util.PhaseClosed):     domain.StatusClosed,
}

// MarketStatus reports the US session. The Alpaca clock is authoritative for
// the regular session; extended phases come from the trading calendar.
func (b *AlpacaBroker) MarketStatus(ctx context.Context) (domain.MarketStatusMap, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	clock, err := b.trading.GetClock()
	if err != nil {
		return nil, alpacaErr("GetClock", err)
	}

	origin := string(util.PhaseOpen)
	if !clock.IsOpen {
		origin = string(b.calendar.Phase(clock.Timestamp))
		if origin == string(util.PhaseOpen) {
			// Calendar disagrees with the exchange (unscheduled halt).
			origin = string(util.PhaseClosed)
		}
	}
	return domain.MarketStatusMap{
		domain.TradeTypeSecurities: {
			domain.RegionUS: {
				Region:        domain.RegionUS,
				OriginStatus:  origin,
				UnifiedStatus: alpacaSessions.unify(origin),
			},
		},
	}, nil
}

// PlaceOrder submits a US equity order. Extended hours require a DAY limit
// order; the overnight session is not offered through this API.
func (b *AlpacaBroker) PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	c := req.Contract
	if c.TradeType != domain.TradeTypeSecurities || c.Region != domain.RegionUS {
		return "", fmt.Errorf("%w: alpaca trades US securities only, got %s", domain.ErrUnsupported, c)
	}
	pr, err := alpacaOrderRequest(req)
	if err != nil {
		return "", err
	}

	if err := b.wait(ctx); err != nil {
		return "", err
	}
	o, err := b.trading.PlaceOrder(pr)
	if err != nil {
		return "", alpacaErr("PlaceOrder", err)
	}
	b.log.Info("order placed", "order_id", o.ID, "contract", c.String(), "direction", req.Direction, "qty", req.Qty)
	return o.ID, nil
}

func alpacaOrderRequest(req domain.OrderRequest) (alpaca.PlaceOrderRequest, error) {
	qty := decimal.NewFromInt(req.Qty)
	pr := alpaca.PlaceOrderRequest{
		Symbol: strings.ToUpper(req.Contract.Ticker),
		Qty:    &qty,
	}

	switch req.Direction {
	case domain.DirectionBuy:
		pr.Side = alpaca.Buy
	case domain.DirectionSell:
		pr.Side = alpaca.Sell
	default:
		return pr, fmt.Errorf("%w: direction %q", domain.ErrBadRequest, req.Direction)
	}

	switch req.OrderType {
	case domain.OrderTypeLimit:
		pr.Type = alpaca.Limit
		price := domain.PriceOrZero(req.Price)
		pr.LimitPrice = &price
	case domain.OrderTypeMarket:
		pr.Type = alpaca.Market
	default:
		return pr, fmt.Errorf("%w: orderType %q", domain.ErrBadRequest, req.OrderType)
	}

	switch req.TimeInForce {
	case domain.TimeInForceDay:
		pr.TimeInForce = alpaca.Day
	case domain.TimeInForceGTC:
		pr.TimeInForce = alpaca.GTC
	default:
		return pr, fmt.Errorf("%w: timeInForce %q", domain.ErrBadRequest, req.TimeInForce)
	}

	switch req.Lifecycle {
	case domain.LifecycleRTH:
	case domain.LifecycleETH:
		if req.OrderType != domain.OrderTypeLimit || req.TimeInForce != domain.TimeInForceDay {
			return pr, fmt.Errorf("%w: alpaca extended hours need a DAY limit order", domain.ErrUnsupported)
		}
		pr.ExtendedHours = true
	case domain.LifecycleOvernight:
		return pr, fmt.Errorf("%w: alpaca has no overnight session", domain.ErrUnsupported)
	default:
		return pr, fmt.Errorf("%w: lifecycle %q", domain.ErrBadRequest, req.Lifecycle)
	}
	return pr, nil
}

// alpacaOrderStatuses classifies Alpaca order statuses.
var alpacaOrderStatuses = orderStatusTable{
	Filled:        set("filled"),
	Canceled:      set("canceled", "replaced"),
	Failed:        set("expired", "rejected", "suspended", "stopped"),
	PendingCancel: set("pending_cancel"),
}

// Order fetches one order.
func (b *AlpacaBroker) Order(ctx context.Context, orderID string) (domain.Order, error) {
	if err := b.wait(ctx); err != nil {
		return domain.Order{}, err
	}
	o, err := b.trading.GetOrder(orderID)
	if err != nil {
		return domain.Order{}, alpacaErr("GetOrder", err)
	}
	return alpacaOrderStatuses.toDomain(vendorOrder{
		ID:        o.ID,
		Status:    o.Status,
		Currency:  "USD",
		Qty:       toDecimal(o.Qty),
		FilledQty: toDecimal(o.FilledQty),
		AvgPrice:  toDecimal(o.FilledAvgPrice),
	}), nil
}

// CancelOrder requests cancellation. Alpaca answers 422 for orders that can
// no longer be canceled.
func (b *AlpacaBroker) CancelOrder(ctx context.Context, orderID string) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	err := b.trading.CancelOrder(orderID)
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity {
		return fmt.Errorf("%w: order %s is not cancelable: %s", domain.ErrConflict, orderID, apiErr.Error())
	}
	if err != nil {
		return alpacaErr("CancelOrder", err)
	}
	return nil
}

func (b *AlpacaBroker) wait(ctx context.Context) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limit wait: %v", domain.ErrTimeout, err)
	}
	return nil
}

// alpacaErr maps SDK errors into the domain taxonomy. Only the message text
// survives.
func alpacaErr(op string, err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s: %s", domain.ErrNotFound, op, apiErr.Error())
	}
	return fmt.Errorf("%w: %s: %s", domain.ErrUpstream, op, err.Error())
}

func retryableAlpaca(err error) bool {
	return errors.Is(err, domain.ErrUpstream)
}
