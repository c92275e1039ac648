package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"httptrading/internal/domain"
)

// fakeAlpaca implements alpacaTrading with canned responses.
type fakeAlpaca struct {
	clock     *alpaca.Clock
	order     *alpaca.Order
	placed    []alpaca.PlaceOrderRequest
	cancelErr error
	err       error
}

func (f *fakeAlpaca) GetAccount() (*alpaca.Account, error)     { return nil, f.err }
func (f *fakeAlpaca) GetPositions() ([]alpaca.Position, error) { return nil, f.err }
func (f *fakeAlpaca) GetAsset(string) (*alpaca.Asset, error)   { return nil, f.err }
func (f *fakeAlpaca) GetClock() (*alpaca.Clock, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.clock, nil
}
func (f *fakeAlpaca) PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.placed = append(f.placed, req)
	return &alpaca.Order{ID: "alp-1"}, nil
}
func (f *fakeAlpaca) GetOrder(string) (*alpaca.Order, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.order, nil
}
func (f *fakeAlpaca) CancelOrder(string) error { return f.cancelErr }

func newTestAlpaca(t *testing.T, f *fakeAlpaca) *AlpacaBroker {
	t.Helper()
	b, err := NewAlpacaBroker(f, nil, "iex", 6000, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Skipf("calendar unavailable: %v", err)
	}
	return b
}

func usOrder(ot domain.OrderType, lc domain.Lifecycle, tif domain.TimeInForce, price *decimal.Decimal) domain.OrderRequest {
	return domain.OrderRequest{
		Contract:    domain.Contract{TradeType: domain.TradeTypeSecurities, Ticker: "aapl", Region: domain.RegionUS},
		Price:       price,
		Qty:         12,
		OrderType:   ot,
		TimeInForce: tif,
		Lifecycle:   lc,
		Direction:   domain.DirectionBuy,
	}
}

func TestAlpacaOrderRequest(t *testing.T) {
	price := decimal.RequireFromString("200.00")
	pr, err := alpacaOrderRequest(usOrder(domain.OrderTypeLimit, domain.LifecycleETH, domain.TimeInForceDay, &price))
	if err != nil {
		t.Fatalf("alpacaOrderRequest: %v", err)
	}
	if pr.Symbol != "AAPL" || pr.Side != alpaca.Buy || pr.Type != alpaca.Limit || pr.TimeInForce != alpaca.Day {
		t.Errorf("request = %+v", pr)
	}
	if !pr.ExtendedHours {
		t.Error("ETH limit order should set ExtendedHours")
	}
	if pr.LimitPrice == nil || !pr.LimitPrice.Equal(price) {
		t.Errorf("LimitPrice = %v, want %s", pr.LimitPrice, price)
	}
	if pr.Qty == nil || pr.Qty.IntPart() != 12 {
		t.Errorf("Qty = %v, want 12", pr.Qty)
	}

	unsupported := []domain.OrderRequest{
		usOrder(domain.OrderTypeMarket, domain.LifecycleETH, domain.TimeInForceDay, nil),
		usOrder(domain.OrderTypeLimit, domain.LifecycleETH, domain.TimeInForceGTC, &price),
		usOrder(domain.OrderTypeLimit, domain.LifecycleOvernight, domain.TimeInForceDay, &price),
	}
	for _, req := range unsupported {
		if _, err := alpacaOrderRequest(req); !errors.Is(err, domain.ErrUnsupported) {
			t.Errorf("alpacaOrderRequest(%s/%s/%s) error = %v, want ErrUnsupported", req.OrderType, req.Lifecycle, req.TimeInForce, err)
		}
	}

	pr, err = alpacaOrderRequest(usOrder(domain.OrderTypeMarket, domain.LifecycleRTH, domain.TimeInForceGTC, nil))
	if err != nil {
		t.Fatalf("market RTH order: %v", err)
	}
	if pr.Type != alpaca.Market || pr.LimitPrice != nil || pr.TimeInForce != alpaca.GTC {
		t.Errorf("market request = %+v", pr)
	}
}

func TestAlpacaPlaceOrder(t *testing.T) {
	f := &fakeAlpaca{}
	b := newTestAlpaca(t, f)
	price := decimal.RequireFromString("150")

	id, err := b.PlaceOrder(context.Background(), usOrder(domain.OrderTypeLimit, domain.LifecycleRTH, domain.TimeInForceDay, &price))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if id != "alp-1" || len(f.placed) != 1 {
		t.Errorf("PlaceOrder = %q with %d requests", id, len(f.placed))
	}

	hk := usOrder(domain.OrderTypeLimit, domain.LifecycleRTH, domain.TimeInForceDay, &price)
	hk.Contract.Region = domain.RegionHK
	if _, err := b.PlaceOrder(context.Background(), hk); !errors.Is(err, domain.ErrUnsupported) {
		t.Errorf("HK order error = %v, want ErrUnsupported", err)
	}
}

func TestAlpacaOrder(t *testing.T) {
	b := newTestAlpaca(t, &fakeAlpaca{order: &alpaca.Order{ID: "o1", Status: "canceled"}})
	o, err := b.Order(context.Background(), "o1")
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	if o.OrderID != "o1" || !o.IsCanceled || !o.IsCompleted() || o.Currency != "USD" {
		t.Errorf("Order = %+v", o)
	}
}

func TestAlpacaErrors(t *testing.T) {
	b := newTestAlpaca(t, &fakeAlpaca{
		err:       &alpaca.APIError{StatusCode: 404},
		cancelErr: &alpaca.APIError{StatusCode: 422},
	})
	ctx := context.Background()

	if _, err := b.Order(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Order(missing) error = %v, want ErrNotFound", err)
	}
	if err := b.CancelOrder(ctx, "done"); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("CancelOrder(done) error = %v, want ErrConflict", err)
	}

	b = newTestAlpaca(t, &fakeAlpaca{err: errors.New("connection reset")})
	_, err := b.Cash(ctx)
	if !errors.Is(err, domain.ErrUpstream) {
		t.Errorf("Cash error = %v, want ErrUpstream", err)
	}
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		t.Error("vendor error type leaked past the adapter")
	}
	if ok, _ := b.Ping(ctx); ok {
		t.Error("Ping() = true with failing clock")
	}
}

func TestAlpacaMarketStatus(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	tests := []struct {
		clock alpaca.Clock
		want  domain.UnifiedStatus
	}{
		{alpaca.Clock{IsOpen: true, Timestamp: time.Date(2025, 3, 14, 10, 0, 0, 0, ny)}, domain.StatusRTH},
		{alpaca.Clock{Timestamp: time.Date(2025, 3, 14, 8, 0, 0, 0, ny)}, domain.StatusPreHours},
		{alpaca.Clock{Timestamp: time.Date(2025, 3, 14, 18, 0, 0, 0, ny)}, domain.StatusAfterHours},
		{alpaca.Clock{Timestamp: time.Date(2025, 3, 16, 21, 0, 0, 0, ny)}, domain.StatusOvernight},
		{alpaca.Clock{Timestamp: time.Date(2025, 3, 15, 12, 0, 0, 0, ny)}, domain.StatusClosed},
		// Clock closed during scheduled hours.
		{alpaca.Clock{Timestamp: time.Date(2025, 3, 14, 11, 0, 0, 0, ny)}, domain.StatusClosed},
	}
	for _, tt := range tests {
		clock := tt.clock
		b := newTestAlpaca(t, &fakeAlpaca{clock: &clock})
		m, err := b.MarketStatus(context.Background())
		if err != nil {
			t.Fatalf("MarketStatus: %v", err)
		}
		got := m[domain.TradeTypeSecurities][domain.RegionUS]
		if got.UnifiedStatus != tt.want {
			t.Errorf("clock %v: UnifiedStatus = %q (origin %q), want %q", tt.clock.Timestamp, got.UnifiedStatus, got.OriginStatus, tt.want)
		}
	}
}
