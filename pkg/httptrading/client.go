// Package httptrading is a Go client for the httptrading gateway.
package httptrading

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"httptrading/internal/domain"
)

// TokenHeader carries the instance token on every request.
const TokenHeader = "HT-TOKEN"

// Wire types shared with the gateway.
type (
	Contract        = domain.Contract
	Cash            = domain.Cash
	Position        = domain.Position
	Quote           = domain.Quote
	MarketStatus    = domain.MarketStatus
	MarketStatusMap = domain.MarketStatusMap
	Order           = domain.Order

	TradeType   = domain.TradeType
	Region      = domain.Region
	OrderType   = domain.OrderType
	TimeInForce = domain.TimeInForce
	Lifecycle   = domain.Lifecycle
	Direction   = domain.Direction
)

// APIError is a non-2xx answer from the gateway.
type APIError struct {
	Status int
	Ex     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("httptrading: %d %s", e.Status, e.Ex)
}

// IsNotFound reports whether err is a 404, which is also what the gateway
// returns for a bad token or an unknown instance.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Client talks to one instance of a gateway.
type Client struct {
	baseURL    string
	instanceID string
	token      string
	httpClient *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client for instanceID on the gateway at baseURL.
func NewClient(baseURL, instanceID, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		instanceID: instanceID,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Meta is the identity part of every response envelope.
type Meta struct {
	InstanceID    string `json:"instanceId"`
	Broker        string `json:"broker"`
	BrokerDisplay string `json:"brokerDisplay"`
	Time          string `json:"time"`
}

type envelope struct {
	Meta
	Ex *string `json:"ex"`
}

// Identify returns the instance and broker names the gateway reports.
func (c *Client) Identify(ctx context.Context) (Meta, error) {
	return c.do(ctx, http.MethodGet, "ping/state", nil, nil, nil)
}

// Ping asks the instance whether its broker connection is up.
func (c *Client) Ping(ctx context.Context) (bool, error) {
	var out struct {
		Pong bool `json:"pong"`
	}
	_, err := c.do(ctx, http.MethodGet, "ping/state", nil, nil, &out)
	return out.Pong, err
}

// Quote returns a price snapshot for contract.
func (c *Client) Quote(ctx context.Context, contract Contract) (Quote, error) {
	q := url.Values{}
	q.Set("tradeType", string(contract.TradeType))
	q.Set("ticker", contract.Ticker)
	q.Set("region", string(contract.Region))
	var out struct {
		Quote Quote `json:"quote"`
	}
	_, err := c.do(ctx, http.MethodGet, "market/quote", q, nil, &out)
	return out.Quote, err
}

// MarketStatus returns the session state of every market the broker knows.
func (c *Client) MarketStatus(ctx context.Context) (MarketStatusMap, error) {
	var out struct {
		MarketStatus MarketStatusMap `json:"marketStatus"`
	}
	_, err := c.do(ctx, http.MethodGet, "market/state", nil, nil, &out)
	return out.MarketStatus, err
}

// Cash returns the available buying power.
func (c *Client) Cash(ctx context.Context) (Cash, error) {
	var out struct {
		Cash Cash `json:"cash"`
	}
	_, err := c.do(ctx, http.MethodGet, "cash/state", nil, nil, &out)
	return out.Cash, err
}

// Positions returns the full position snapshot.
func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	var out struct {
		Positions []Position `json:"positions"`
	}
	_, err := c.do(ctx, http.MethodGet, "position/state", nil, nil, &out)
	return out.Positions, err
}

// PlaceOrderRequest is the body of an order placement. Price must be nil
// for Market orders.
type PlaceOrderRequest struct {
	TradeType   TradeType        `json:"tradeType"`
	Ticker      string           `json:"ticker"`
	Region      Region           `json:"region"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	Qty         int64            `json:"qty"`
	OrderType   OrderType        `json:"orderType"`
	TimeInForce TimeInForce      `json:"timeInForce"`
	Lifecycle   Lifecycle        `json:"lifecycle"`
	Direction   Direction        `json:"direction"`
}

// PlaceOrder submits req and returns the vendor order id.
func (c *Client) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (string, error) {
	var out struct {
		OrderID string `json:"orderId"`
	}
	_, err := c.do(ctx, http.MethodPost, "order/place", nil, req, &out)
	return out.OrderID, err
}

// Order returns the current state of an order.
func (c *Client) Order(ctx context.Context, orderID string) (Order, error) {
	q := url.Values{}
	q.Set("orderId", orderID)
	var out struct {
		Order Order `json:"order"`
	}
	_, err := c.do(ctx, http.MethodGet, "order/state", q, nil, &out)
	return out.Order, err
}

// CancelOrder requests cancellation. Cancelling a completed order fails
// with a 409 APIError.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	body := map[string]string{"orderId": orderID}
	var out struct {
		Canceled bool `json:"canceled"`
	}
	if _, err := c.do(ctx, http.MethodPost, "order/cancel", nil, body, &out); err != nil {
		return err
	}
	if !out.Canceled {
		return fmt.Errorf("httptrading: cancel of %s not acknowledged", orderID)
	}
	return nil
}

// do sends one request and decodes the envelope into out.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) (Meta, error) {
	u := c.baseURL + "/httptrading/api/" + url.PathEscape(c.instanceID) + "/" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return Meta{}, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return Meta{}, err
	}
	req.Header.Set(TokenHeader, c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Meta{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Meta{}, fmt.Errorf("reading response: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Meta{}, fmt.Errorf("decoding envelope (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || env.Ex != nil {
		apiErr := &APIError{Status: resp.StatusCode}
		if env.Ex != nil {
			apiErr.Ex = *env.Ex
		}
		return env.Meta, apiErr
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return env.Meta, fmt.Errorf("decoding %s: %w", path, err)
		}
	}
	return env.Meta, nil
}
