package broker

import (
	"context"
	"errors"
	"testing"

	"httptrading/internal/domain"
)

func TestRegisteredAdapters(t *testing.T) {
	for _, name := range []string{"alpaca", "longbridge", "simulator"} {
		if !Known(name) {
			t.Errorf("adapter %q is not registered", name)
		}
		meta, ok := Lookup(name)
		if !ok || meta.Name != name || meta.Display == "" {
			t.Errorf("Lookup(%q) = %+v, %v", name, meta, ok)
		}
	}
	names := Names()
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Errorf("Names() not sorted: %v", names)
		}
	}
}

func TestNewUnknownBroker(t *testing.T) {
	if _, err := New("etrade", "inst", NoArgs(), nil); err == nil {
		t.Error("New(unknown) should fail")
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("duplicate Register did not panic")
		}
	}()
	Register(Meta{Name: "simulator", Display: "again"}, newSimulatorFromArgs)
}

func TestCapabilities(t *testing.T) {
	c := Capabilities{Supported: OpPing | OpQuote | OpCash, Blocking: OpQuote}
	if !c.Supports(OpQuote) || c.Supports(OpPlaceOrder) {
		t.Errorf("Supports mismatch for %+v", c)
	}
	if !c.Blocks(OpQuote) || c.Blocks(OpCash) {
		t.Errorf("Blocks mismatch for %+v", c)
	}
	if got := (OpPing | OpQuote).String(); got != "ping|quote" {
		t.Errorf("Op.String() = %q, want %q", got, "ping|quote")
	}
	if got := Op(0).String(); got != "none" {
		t.Errorf("Op(0).String() = %q, want %q", got, "none")
	}
}

func TestUnimplemented(t *testing.T) {
	var u Unimplemented
	ctx := context.Background()

	ok, err := u.Ping(ctx)
	if !ok || err != nil {
		t.Errorf("Ping() = %v, %v; want true, nil", ok, err)
	}
	checks := map[string]error{}
	_, checks["cash"] = u.Cash(ctx)
	_, checks["positions"] = u.Positions(ctx)
	_, checks["quote"] = u.Quote(ctx, domain.Contract{})
	_, checks["marketStatus"] = u.MarketStatus(ctx)
	_, checks["placeOrder"] = u.PlaceOrder(ctx, domain.OrderRequest{})
	_, checks["order"] = u.Order(ctx, "1")
	checks["cancelOrder"] = u.CancelOrder(ctx, "1")
	for op, err := range checks {
		if !errors.Is(err, domain.ErrUnsupported) {
			t.Errorf("%s error = %v, want ErrUnsupported", op, err)
		}
	}
}

func TestSessionStatusMapsAreTotal(t *testing.T) {
	maps := map[string]statusMap{"alpaca": alpacaSessions, "simulator": simSessions}
	valid := map[domain.UnifiedStatus]bool{}
	for _, s := range domain.UnifiedStatuses {
		valid[s] = true
	}

	want := map[string]domain.UnifiedStatus{
		"overnight":   domain.StatusOvernight,
		"pre_market":  domain.StatusPreHours,
		"open":        domain.StatusRTH,
		"after_hours": domain.StatusAfterHours,
		"closed":      domain.StatusClosed,
		"":            domain.StatusUnknown,
		"halted":      domain.StatusUnknown,
		"OPEN":        domain.StatusUnknown,
	}
	for name, m := range maps {
		for origin, status := range m {
			if !valid[status] {
				t.Errorf("%s: %q maps outside the unified enum: %q", name, origin, status)
			}
		}
		for origin, w := range want {
			if got := m.unify(origin); got != w {
				t.Errorf("%s: unify(%q) = %q, want %q", name, origin, got, w)
			}
		}
	}
}

func TestOrderStatusTablesUpholdInvariants(t *testing.T) {
	tables := map[string]orderStatusTable{"alpaca": alpacaOrderStatuses, "longbridge": lbOrderStatuses}
	for name, table := range tables {
		statuses := append(table.known(), "new", "NewStatus", "partially_filled", "", "SomethingElse")
		for _, status := range statuses {
			for _, qty := range [][2]string{{"10", "0"}, {"10", "4"}, {"10", "10"}, {"0", "3"}, {"5", "-1"}} {
				o := table.toDomain(vendorOrder{
					ID:        "1",
					Status:    status,
					Qty:       toDecimal(qty[0]),
					FilledQty: toDecimal(qty[1]),
					Message:   "vendor says no",
				})
				if err := o.Validate(); err != nil {
					t.Errorf("%s/%q/%v: %v", name, status, qty, err)
				}
				want := o.IsFilled || o.IsCanceled || o.ErrorReason != ""
				if o.IsCompleted() != want {
					t.Errorf("%s/%q: IsCompleted() = %v, want %v", name, status, o.IsCompleted(), want)
				}
				if o.IsPendingCancel && o.IsCompleted() {
					t.Errorf("%s/%q: pending cancel order reported completed", name, status)
				}
			}
		}
	}
}

func TestOrderStatusTableClassification(t *testing.T) {
	tests := []struct {
		table  orderStatusTable
		status string
		check  func(domain.Order) bool
	}{
		{alpacaOrderStatuses, "filled", func(o domain.Order) bool { return o.IsFilled }},
		{alpacaOrderStatuses, "canceled", func(o domain.Order) bool { return o.IsCanceled }},
		{alpacaOrderStatuses, "rejected", func(o domain.Order) bool { return o.ErrorReason == "rejected" }},
		{alpacaOrderStatuses, "pending_cancel", func(o domain.Order) bool { return o.IsPendingCancel && !o.IsCompleted() }},
		{alpacaOrderStatuses, "new", func(o domain.Order) bool { return !o.IsCompleted() && o.IsCancelable() }},
		{lbOrderStatuses, "CanceledStatus", func(o domain.Order) bool { return o.IsCanceled }},
		{lbOrderStatuses, "PartialWithdrawal", func(o domain.Order) bool { return o.ErrorReason == "PartialWithdrawal" }},
		{lbOrderStatuses, "PendingCancelStatus", func(o domain.Order) bool { return o.IsPendingCancel }},
		{lbOrderStatuses, "FilledStatus", func(o domain.Order) bool { return o.IsFilled }},
	}
	for _, tt := range tests {
		o := tt.table.toDomain(vendorOrder{ID: "1", Status: tt.status, Qty: toDecimal(5)})
		if !tt.check(o) {
			t.Errorf("status %q mapped to %+v", tt.status, o)
		}
	}
}

func TestToDecimal(t *testing.T) {
	d := toDecimal("12.50")
	p := &d
	var nilPtr *struct{}
	tests := []struct {
		in   any
		want string
	}{
		{"12.50", "12.5"},
		{p, "12.5"},
		{int64(7), "7"},
		{uint64(9), "9"},
		{1.25, "1.25"},
		{nil, "0"},
		{"garbage", "0"},
		{nilPtr, "0"},
	}
	for _, tt := range tests {
		if got := toDecimal(tt.in).String(); got != tt.want {
			t.Errorf("toDecimal(%v) = %s, want %s", tt.in, got, tt.want)
		}
	}
	if got := toQty("12.9"); got != 12 {
		t.Errorf("toQty(12.9) = %d, want 12", got)
	}
}
