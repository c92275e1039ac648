// Package domain defines the vendor-neutral value objects shared by every
// broker adapter and the HTTP layer: contracts, cash, positions, quotes,
// orders and market sessions.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Prices travel as JSON numbers, not quoted strings.
	decimal.MarshalJSONWithoutQuotes = true
}

// ---------------------------------------------------------------------------
// Enumerations
// ---------------------------------------------------------------------------

// TradeType is the instrument class of a contract.
type TradeType string

const (
	TradeTypeSecurities       TradeType = "Securities"
	TradeTypeCryptocurrencies TradeType = "Cryptocurrencies"
)

// Region is the market namespace a ticker belongs to.
type Region string

const (
	RegionUS Region = "US"
	RegionHK Region = "HK"
	RegionCN Region = "CN"
	RegionSG Region = "SG"
)

// Unit is the quantity unit of a position.
type Unit string

const (
	UnitShare   Unit = "Share"
	UnitSatoshi Unit = "Satoshi"
)

// OrderType is the pricing type of an order.
type OrderType string

const (
	OrderTypeLimit  OrderType = "Limit"
	OrderTypeMarket OrderType = "Market"
)

// TimeInForce is how long an order stays working.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "DAY"
	TimeInForceGTC TimeInForce = "GTC"
)

// Lifecycle is the trading session scope an order may execute in.
type Lifecycle string

const (
	LifecycleRTH       Lifecycle = "RTH"       // regular hours only
	LifecycleETH       Lifecycle = "ETH"       // regular plus pre/post market
	LifecycleOvernight Lifecycle = "OVERNIGHT" // overnight session only
)

// Direction is the side of an order.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// UnifiedStatus is the vendor-neutral market session state.
type UnifiedStatus string

const (
	StatusUnknown    UnifiedStatus = "UNKNOWN"
	StatusOvernight  UnifiedStatus = "OVERNIGHT"
	StatusPreHours   UnifiedStatus = "PRE_HOURS"
	StatusRTH        UnifiedStatus = "RTH"
	StatusRest       UnifiedStatus = "REST"
	StatusAfterHours UnifiedStatus = "AFTER_HOURS"
	StatusClosed     UnifiedStatus = "CLOSED"
)

// UnifiedStatuses lists every UnifiedStatus value.
var UnifiedStatuses = []UnifiedStatus{
	StatusUnknown,
	StatusOvernight,
	StatusPreHours,
	StatusRTH,
	StatusRest,
	StatusAfterHours,
	StatusClosed,
}

// ---------------------------------------------------------------------------
// Value objects
// ---------------------------------------------------------------------------

// Contract identifies a tradable instrument independent of vendor symbology.
// (TradeType, Region, Ticker) is unique within a region's namespace.
type Contract struct {
	TradeType TradeType `json:"tradeType"`
	Ticker    string    `json:"ticker"`
	Region    Region    `json:"region"`
}

// Cash is a snapshot of available buying power.
type Cash struct {
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
}

// Position is one held instrument. A position list is a full snapshot.
type Position struct {
	Broker        string   `json:"broker"`
	BrokerDisplay string   `json:"brokerDisplay"`
	Contract      Contract `json:"contract"`
	Unit          Unit     `json:"unit"`
	Currency      string   `json:"currency"`
	Qty           int64    `json:"qty"`
}

// Quote is a point-in-time price snapshot.
type Quote struct {
	Contract   Contract        `json:"contract"`
	Currency   string          `json:"currency"`
	IsTradable bool            `json:"isTradable"`
	Latest     decimal.Decimal `json:"latest"`
	PreClose   decimal.Decimal `json:"preClose"`
	HighPrice  decimal.Decimal `json:"highPrice"`
	LowPrice   decimal.Decimal `json:"lowPrice"`
	OpenPrice  decimal.Decimal `json:"openPrice"`
	Time       time.Time       `json:"-"`
}

// MarketStatus is the session state of one region.
type MarketStatus struct {
	Region        Region        `json:"region"`
	OriginStatus  string        `json:"originStatus"`
	UnifiedStatus UnifiedStatus `json:"unifiedStatus"`
}

// MarketStatusMap groups market states by instrument class, then region.
type MarketStatusMap map[TradeType]map[Region]MarketStatus

// Order is the vendor-reported state of one order. IsFilled and IsCanceled
// are asserted by the vendor, not derived here.
type Order struct {
	OrderID     string          `json:"orderId"`
	Currency    string          `json:"currency"`
	Qty         int64           `json:"qty"`
	FilledQty   int64           `json:"filledQty"`
	AvgPrice    decimal.Decimal `json:"avgPrice"`
	ErrorReason string          `json:"errorReason"`
	IsCanceled  bool            `json:"isCanceled"`
	IsFilled    bool            `json:"isFilled"`

	// IsPendingCancel is set when the vendor has accepted a cancel request
	// that has not completed yet.
	IsPendingCancel bool `json:"-"`
}

// IsCompleted reports whether the order can no longer change.
func (o Order) IsCompleted() bool {
	return o.IsFilled || o.IsCanceled || o.ErrorReason != ""
}

// IsCancelable reports whether a cancel request still makes sense.
func (o Order) IsCancelable() bool {
	return !o.IsCompleted() && !o.IsPendingCancel
}

// OrderRequest is a validated order placement.
type OrderRequest struct {
	Contract    Contract
	Price       *decimal.Decimal // nil for Market orders
	Qty         int64
	OrderType   OrderType
	TimeInForce TimeInForce
	Lifecycle   Lifecycle
	Direction   Direction
}
