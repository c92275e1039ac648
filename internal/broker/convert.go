package broker

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"httptrading/internal/domain"
)

// toDecimal normalises the numeric shapes vendor SDKs hand back (values,
// pointers, strings, floats) into a decimal. Unparseable input yields zero.
func toDecimal(v any) decimal.Decimal {
	switch x := v.(type) {
	case nil:
		return decimal.Zero
	case decimal.Decimal:
		return x
	case *decimal.Decimal:
		if x == nil {
			return decimal.Zero
		}
		return *x
	case decimal.NullDecimal:
		if !x.Valid {
			return decimal.Zero
		}
		return x.Decimal
	case float64:
		return decimal.NewFromFloat(x)
	case float32:
		return decimal.NewFromFloat32(x)
	case int:
		return decimal.NewFromInt(int64(x))
	case int64:
		return decimal.NewFromInt(x)
	case uint64:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(x), 0)
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(x))
		if err != nil {
			return decimal.Zero
		}
		return d
	}
	d, err := decimal.NewFromString(strings.TrimSpace(fmt.Sprint(v)))
	if err != nil {
		return decimal.Zero
	}
	return d
}

// toQty converts a vendor quantity into whole units, truncating fractions.
func toQty(v any) int64 {
	return toDecimal(v).IntPart()
}

// vendorOrder is the subset of a vendor order every adapter extracts before
// mapping into domain.Order.
type vendorOrder struct {
	ID        string
	Status    string
	Currency  string
	Qty       decimal.Decimal
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
	Message   string
}

// orderStatusTable classifies vendor order statuses. Statuses missing from
// every set are working orders.
type orderStatusTable struct {
	Filled        map[string]bool
	Canceled      map[string]bool
	Failed        map[string]bool
	PendingCancel map[string]bool
}

func (t orderStatusTable) known() []string {
	var out []string
	for _, m := range []map[string]bool{t.Filled, t.Canceled, t.Failed, t.PendingCancel} {
		for s := range m {
			out = append(out, s)
		}
	}
	return out
}

// toDomain applies t to o. Failed statuses become the error reason, using
// the vendor message when one is present.
func (t orderStatusTable) toDomain(o vendorOrder) domain.Order {
	qty := o.Qty.IntPart()
	filled := o.FilledQty.IntPart()
	if filled < 0 {
		filled = 0
	}
	if qty < filled {
		// Some vendors drop the original quantity once an order is done.
		qty = filled
	}
	out := domain.Order{
		OrderID:   o.ID,
		Currency:  o.Currency,
		Qty:       qty,
		FilledQty: filled,
		AvgPrice:  o.AvgPrice,
	}
	switch {
	case t.Filled[o.Status]:
		out.IsFilled = true
	case t.Canceled[o.Status]:
		out.IsCanceled = true
	case t.Failed[o.Status]:
		out.ErrorReason = o.Status
		if o.Message != "" {
			out.ErrorReason = o.Status + ": " + o.Message
		}
	case t.PendingCancel[o.Status]:
		out.IsPendingCancel = true
	}
	return out
}

func set(values ...string) map[string]bool {
	m := make(map[string]bool, len(values))
	for _, v := range values {
		m[v] = true
	}
	return m
}

// statusMap maps vendor-native session states into the unified enum. Lookup
// is total: anything unlisted is UNKNOWN.
type statusMap map[string]domain.UnifiedStatus

func (m statusMap) unify(origin string) domain.UnifiedStatus {
	if s, ok := m[origin]; ok {
		return s
	}
	return domain.StatusUnknown
}
