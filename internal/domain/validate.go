package domain

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var tickerPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.\-]{0,31}$`)

// ParseTradeType validates s against the known trade types.
func ParseTradeType(s string) (TradeType, error) {
	switch tt := TradeType(s); tt {
	case TradeTypeSecurities, TradeTypeCryptocurrencies:
		return tt, nil
	}
	return "", fmt.Errorf("%w: unknown tradeType %q", ErrBadRequest, s)
}

// ParseRegion validates s against the known regions.
func ParseRegion(s string) (Region, error) {
	switch r := Region(s); r {
	case RegionUS, RegionHK, RegionCN, RegionSG:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown region %q", ErrBadRequest, s)
}

// ParseOrderType validates s against the known order types.
func ParseOrderType(s string) (OrderType, error) {
	switch ot := OrderType(s); ot {
	case OrderTypeLimit, OrderTypeMarket:
		return ot, nil
	}
	return "", fmt.Errorf("%w: unknown orderType %q", ErrBadRequest, s)
}

// ParseTimeInForce validates s against the known time-in-force values.
func ParseTimeInForce(s string) (TimeInForce, error) {
	switch tif := TimeInForce(s); tif {
	case TimeInForceDay, TimeInForceGTC:
		return tif, nil
	}
	return "", fmt.Errorf("%w: unknown timeInForce %q", ErrBadRequest, s)
}

// ParseLifecycle validates s against the known order lifecycles.
func ParseLifecycle(s string) (Lifecycle, error) {
	switch lc := Lifecycle(s); lc {
	case LifecycleRTH, LifecycleETH, LifecycleOvernight:
		return lc, nil
	}
	return "", fmt.Errorf("%w: unknown lifecycle %q", ErrBadRequest, s)
}

// ParseDirection validates s against BUY/SELL.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case DirectionBuy, DirectionSell:
		return d, nil
	}
	return "", fmt.Errorf("%w: unknown direction %q", ErrBadRequest, s)
}

// ParseContract builds a Contract from raw request fields.
func ParseContract(tradeType, ticker, region string) (Contract, error) {
	tt, err := ParseTradeType(tradeType)
	if err != nil {
		return Contract{}, err
	}
	r, err := ParseRegion(region)
	if err != nil {
		return Contract{}, err
	}
	if !tickerPattern.MatchString(ticker) {
		return Contract{}, fmt.Errorf("%w: invalid ticker %q", ErrBadRequest, ticker)
	}
	return Contract{TradeType: tt, Ticker: ticker, Region: r}, nil
}

// Validate checks the cross-field rules of an order placement: positive
// quantity, and a price that is present and positive exactly for Limit
// orders.
func (r OrderRequest) Validate() error {
	if r.Qty <= 0 {
		return fmt.Errorf("%w: qty must be a positive integer", ErrBadRequest)
	}
	switch r.OrderType {
	case OrderTypeLimit:
		if r.Price == nil {
			return fmt.Errorf("%w: price is required for Limit orders", ErrBadRequest)
		}
		if !r.Price.IsPositive() {
			return fmt.Errorf("%w: price must be positive", ErrBadRequest)
		}
	case OrderTypeMarket:
		if r.Price != nil {
			return fmt.Errorf("%w: price must be omitted for Market orders", ErrBadRequest)
		}
	default:
		return fmt.Errorf("%w: unknown orderType %q", ErrBadRequest, r.OrderType)
	}
	return nil
}

// Validate checks the quantity and completion invariants every adapter must
// uphold for the orders it reports.
func (o Order) Validate() error {
	if o.Qty < 0 || o.FilledQty < 0 || o.FilledQty > o.Qty {
		return fmt.Errorf("order %s: filledQty %d outside [0, %d]", o.OrderID, o.FilledQty, o.Qty)
	}
	return nil
}

// String renders the contract as Region:Ticker for logs.
func (c Contract) String() string {
	return string(c.Region) + ":" + strings.ToUpper(c.Ticker)
}

// Currency returns the settlement currency of a region.
func (r Region) Currency() (string, error) {
	switch r {
	case RegionUS:
		return "USD", nil
	case RegionHK:
		return "HKD", nil
	case RegionCN:
		return "CNY", nil
	case RegionSG:
		return "SGD", nil
	}
	return "", fmt.Errorf("%w: no currency for region %q", ErrUnsupported, r)
}

// PriceOrZero dereferences an optional price.
func PriceOrZero(p *decimal.Decimal) decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}
	return *p
}
