package httptrading

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"httptrading/internal/bridge"
	"httptrading/internal/domain"
	"httptrading/internal/engine"
	"httptrading/internal/httpapi"
	"httptrading/internal/registry"
)

const (
	testID    = "clientTestInstance01"
	testToken = "client-test-token-0001"
)

var aapl = Contract{TradeType: domain.TradeTypeSecurities, Ticker: "AAPL", Region: domain.RegionUS}

// newGateway serves a simulator instance with 10000 USD and an AAPL quote
// at 190.
func newGateway(t *testing.T) string {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	var args yaml.Node
	doc := `
opening_cash: 10000
quotes:
  - ticker: AAPL
    region: US
    latest: 190
    pre_close: 188
`
	if err := yaml.Unmarshal([]byte(doc), &args); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	reg, err := registry.Build([]registry.Spec{{
		ID:     testID,
		Broker: "simulator",
		Tokens: []string{testToken},
		Args:   &args,
	}}, log)
	if err != nil {
		t.Fatalf("registry.Build: %v", err)
	}
	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	eng := engine.NewEngine(bridge.New(4, 2*time.Second, log), log)
	srv := httptest.NewServer(httpapi.NewServer(reg, eng, httpapi.Options{}, log).Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestNewClient(t *testing.T) {
	c := NewClient("http://localhost:8080/", testID, testToken)
	if c.baseURL != "http://localhost:8080" {
		t.Errorf("baseURL = %q, trailing slash not trimmed", c.baseURL)
	}
	if c.httpClient == nil {
		t.Fatal("expected non-nil httpClient")
	}
	hc := &http.Client{}
	if NewClient("http://x", testID, testToken, WithHTTPClient(hc)).httpClient != hc {
		t.Error("WithHTTPClient not applied")
	}
}

func TestClientAgainstSimulator(t *testing.T) {
	ctx := context.Background()
	c := NewClient(newGateway(t), testID, testToken)

	meta, err := c.Identify(ctx)
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if meta.InstanceID != testID || meta.Broker != "simulator" {
		t.Errorf("Identify() = %+v", meta)
	}
	if pong, err := c.Ping(ctx); err != nil || !pong {
		t.Fatalf("Ping() = %v, %v", pong, err)
	}

	q, err := c.Quote(ctx, aapl)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if !q.Latest.Equal(decimal.NewFromInt(190)) || q.Contract != aapl {
		t.Errorf("Quote() = %+v", q)
	}

	id, err := c.PlaceOrder(ctx, PlaceOrderRequest{
		TradeType:   domain.TradeTypeSecurities,
		Ticker:      "AAPL",
		Region:      domain.RegionUS,
		Qty:         10,
		OrderType:   domain.OrderTypeMarket,
		TimeInForce: domain.TimeInForceDay,
		Lifecycle:   domain.LifecycleRTH,
		Direction:   domain.DirectionBuy,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	o, err := c.Order(ctx, id)
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	if !o.IsFilled || o.FilledQty != 10 || !o.IsCompleted() {
		t.Errorf("Order() = %+v, want filled", o)
	}

	cash, err := c.Cash(ctx)
	if err != nil {
		t.Fatalf("Cash: %v", err)
	}
	if !cash.Amount.Equal(decimal.NewFromInt(8100)) {
		t.Errorf("cash = %s, want 8100", cash.Amount)
	}
	positions, err := c.Positions(ctx)
	if err != nil {
		t.Fatalf("Positions: %v", err)
	}
	if len(positions) != 1 || positions[0].Qty != 10 || positions[0].Contract != aapl {
		t.Errorf("Positions() = %+v", positions)
	}

	err = c.CancelOrder(ctx, id)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict {
		t.Errorf("cancel filled order error = %v, want 409", err)
	}

	statuses, err := c.MarketStatus(ctx)
	if err != nil {
		t.Fatalf("MarketStatus: %v", err)
	}
	if _, ok := statuses[domain.TradeTypeSecurities][domain.RegionUS]; !ok {
		t.Errorf("MarketStatus() = %+v, missing Securities/US", statuses)
	}
}

func TestClientRestingOrderCancel(t *testing.T) {
	ctx := context.Background()
	c := NewClient(newGateway(t), testID, testToken)

	price := decimal.RequireFromString("150.25")
	id, err := c.PlaceOrder(ctx, PlaceOrderRequest{
		TradeType:   domain.TradeTypeSecurities,
		Ticker:      "AAPL",
		Region:      domain.RegionUS,
		Price:       &price,
		Qty:         5,
		OrderType:   domain.OrderTypeLimit,
		TimeInForce: domain.TimeInForceGTC,
		Lifecycle:   domain.LifecycleETH,
		Direction:   domain.DirectionBuy,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if err := c.CancelOrder(ctx, id); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	o, err := c.Order(ctx, id)
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	if !o.IsCanceled || o.IsFilled || o.FilledQty != 0 {
		t.Errorf("Order() = %+v, want canceled and unfilled", o)
	}
}

func TestClientErrors(t *testing.T) {
	ctx := context.Background()
	url := newGateway(t)

	_, err := NewClient(url, testID, "wrong-token-000000000").Ping(ctx)
	if !IsNotFound(err) {
		t.Errorf("bad token error = %v, want 404", err)
	}
	_, err = NewClient(url, "noSuchInstance000001", testToken).Cash(ctx)
	if !IsNotFound(err) {
		t.Errorf("unknown instance error = %v, want 404", err)
	}

	c := NewClient(url, testID, testToken)
	_, err = c.PlaceOrder(ctx, PlaceOrderRequest{
		TradeType:   domain.TradeTypeSecurities,
		Ticker:      "AAPL",
		Region:      domain.RegionUS,
		Qty:         1,
		OrderType:   domain.OrderTypeLimit,
		TimeInForce: domain.TimeInForceDay,
		Lifecycle:   domain.LifecycleRTH,
		Direction:   domain.DirectionBuy,
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest || apiErr.Ex == "" {
		t.Errorf("limit without price error = %v, want 400 with ex", err)
	}

	_, err = c.Order(ctx, "missing-order")
	if !IsNotFound(err) {
		t.Errorf("unknown order error = %v, want 404", err)
	}
}
