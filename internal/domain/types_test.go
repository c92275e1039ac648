package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestTypesExist(t *testing.T) {
	// Verify Order can be instantiated with zero values.
	order := Order{}
	if order.OrderID != "" {
		t.Error("expected empty OrderID for zero-value Order")
	}
	if order.Qty != 0 || order.FilledQty != 0 || !order.AvgPrice.IsZero() {
		t.Error("expected zero Qty/FilledQty/AvgPrice for zero-value Order")
	}
	if order.IsCompleted() {
		t.Error("zero-value Order should not be completed")
	}
	if !order.IsCancelable() {
		t.Error("zero-value Order should be cancelable")
	}

	// Verify enum constants are defined correctly.
	if DirectionBuy != "BUY" {
		t.Errorf("DirectionBuy = %q, want %q", DirectionBuy, "BUY")
	}
	if RegionUS != "US" || RegionHK != "HK" || RegionCN != "CN" {
		t.Error("Region constants have unexpected values")
	}
	if len(UnifiedStatuses) != 7 {
		t.Errorf("len(UnifiedStatuses) = %d, want 7", len(UnifiedStatuses))
	}
}

func TestOrderIsCompleted(t *testing.T) {
	tests := []struct {
		name  string
		order Order
		want  bool
	}{
		{"working", Order{Qty: 10, FilledQty: 3}, false},
		{"filled", Order{Qty: 10, FilledQty: 10, IsFilled: true}, true},
		{"canceled", Order{Qty: 10, FilledQty: 3, IsCanceled: true}, true},
		{"rejected", Order{Qty: 10, ErrorReason: "Rejected"}, true},
		{"pending cancel", Order{Qty: 10, IsPendingCancel: true}, false},
	}
	for _, tt := range tests {
		got := tt.order.IsCompleted()
		if got != tt.want {
			t.Errorf("%s: IsCompleted() = %v, want %v", tt.name, got, tt.want)
		}
		want := tt.order.IsFilled || tt.order.IsCanceled || tt.order.ErrorReason != ""
		if got != want {
			t.Errorf("%s: IsCompleted() breaks the completion invariant", tt.name)
		}
	}

	pending := Order{Qty: 10, IsPendingCancel: true}
	if pending.IsCancelable() {
		t.Error("pending-cancel order should not be cancelable")
	}
}

func TestOrderValidate(t *testing.T) {
	if err := (Order{OrderID: "1", Qty: 5, FilledQty: 5}).Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
	if err := (Order{OrderID: "1", Qty: 5, FilledQty: 6}).Validate(); err == nil {
		t.Error("Validate() should reject filledQty > qty")
	}
	if err := (Order{OrderID: "1", Qty: 5, FilledQty: -1}).Validate(); err == nil {
		t.Error("Validate() should reject negative filledQty")
	}
}

func TestParseContract(t *testing.T) {
	c, err := ParseContract("Securities", "AAPL", "US")
	if err != nil {
		t.Fatalf("ParseContract returned error: %v", err)
	}
	if c.TradeType != TradeTypeSecurities || c.Ticker != "AAPL" || c.Region != RegionUS {
		t.Errorf("ParseContract = %+v", c)
	}

	bad := [][3]string{
		{"Bonds", "AAPL", "US"},
		{"Securities", "AAPL", "MARS"},
		{"Securities", "", "US"},
		{"Securities", "AA PL", "US"},
		{"securities", "AAPL", "US"},
	}
	for _, in := range bad {
		_, err := ParseContract(in[0], in[1], in[2])
		if !errors.Is(err, ErrBadRequest) {
			t.Errorf("ParseContract(%q, %q, %q) error = %v, want ErrBadRequest", in[0], in[1], in[2], err)
		}
	}
}

func TestOrderRequestValidate(t *testing.T) {
	price := decimal.RequireFromString("200.00")
	zero := decimal.Zero
	base := OrderRequest{
		Contract:    Contract{TradeType: TradeTypeSecurities, Ticker: "AAPL", Region: RegionUS},
		Qty:         12,
		TimeInForce: TimeInForceDay,
		Lifecycle:   LifecycleETH,
		Direction:   DirectionBuy,
	}

	tests := []struct {
		name    string
		mutate  func(r *OrderRequest)
		wantErr bool
	}{
		{"limit with price", func(r *OrderRequest) { r.OrderType = OrderTypeLimit; r.Price = &price }, false},
		{"market without price", func(r *OrderRequest) { r.OrderType = OrderTypeMarket }, false},
		{"limit without price", func(r *OrderRequest) { r.OrderType = OrderTypeLimit }, true},
		{"limit zero price", func(r *OrderRequest) { r.OrderType = OrderTypeLimit; r.Price = &zero }, true},
		{"market with price", func(r *OrderRequest) { r.OrderType = OrderTypeMarket; r.Price = &price }, true},
		{"zero qty", func(r *OrderRequest) { r.OrderType = OrderTypeMarket; r.Qty = 0 }, true},
		{"negative qty", func(r *OrderRequest) { r.OrderType = OrderTypeMarket; r.Qty = -3 }, true},
	}
	for _, tt := range tests {
		r := base
		tt.mutate(&r)
		err := r.Validate()
		if tt.wantErr && !errors.Is(err, ErrBadRequest) {
			t.Errorf("%s: Validate() = %v, want ErrBadRequest", tt.name, err)
		}
		if !tt.wantErr && err != nil {
			t.Errorf("%s: Validate() = %v, want nil", tt.name, err)
		}
	}
}

func TestQuoteJSON(t *testing.T) {
	ts := time.Date(2025, 3, 14, 15, 30, 0, 0, time.UTC)
	q := Quote{
		Contract:   Contract{TradeType: TradeTypeSecurities, Ticker: "AAPL", Region: RegionUS},
		Currency:   "USD",
		IsTradable: true,
		Latest:     decimal.RequireFromString("201.5"),
		PreClose:   decimal.RequireFromString("199"),
		Time:       ts,
	}
	data, err := json.Marshal(q)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s := string(data)
	for _, want := range []string{`"type":"quote"`, `"latest":201.5`, `"timestamp":1741966200000`, `"type":"contract"`} {
		if !strings.Contains(s, want) {
			t.Errorf("quote JSON %s missing %s", s, want)
		}
	}

	var back Quote
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !back.Time.Equal(ts) {
		t.Errorf("Time = %v, want %v", back.Time, ts)
	}
	if !back.Latest.Equal(q.Latest) || back.Contract != q.Contract {
		t.Errorf("round trip lost fields: %+v", back)
	}
}

func TestOrderJSONIncludesCompletion(t *testing.T) {
	data, err := json.Marshal(Order{OrderID: "42", Qty: 1, IsCanceled: true})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s := string(data)
	if !strings.Contains(s, `"isCompleted":true`) || !strings.Contains(s, `"type":"order"`) {
		t.Errorf("order JSON = %s", s)
	}
	if strings.Contains(s, "PendingCancel") {
		t.Errorf("order JSON leaks IsPendingCancel: %s", s)
	}
}

func TestMarketStatusMapJSON(t *testing.T) {
	m := MarketStatusMap{
		TradeTypeSecurities: {
			RegionUS: {Region: RegionUS, OriginStatus: "TRADING", UnifiedStatus: StatusRTH},
		},
	}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s := string(data)
	if !strings.Contains(s, `"type":"marketStatusMap"`) || !strings.Contains(s, `"securities":`) {
		t.Errorf("market status JSON = %s", s)
	}

	var back MarketStatusMap
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	got := back[TradeTypeSecurities][RegionUS]
	if got.UnifiedStatus != StatusRTH || got.OriginStatus != "TRADING" {
		t.Errorf("round trip = %+v", got)
	}
}

func TestRegionHelpers(t *testing.T) {
	cur, err := RegionHK.Currency()
	if err != nil || cur != "HKD" {
		t.Errorf("RegionHK.Currency() = %q, %v", cur, err)
	}
	if _, err := Region("XX").Currency(); !errors.Is(err, ErrUnsupported) {
		t.Errorf("unknown region currency error = %v, want ErrUnsupported", err)
	}
	if _, err := RegionCN.Currency(); err != nil {
		t.Errorf("RegionCN.Currency(): %v", err)
	}
}

func TestClassified(t *testing.T) {
	if !Classified(ErrTimeout) {
		t.Error("ErrTimeout should be classified")
	}
	if Classified(errors.New("socket closed")) {
		t.Error("plain error should not be classified")
	}
}
