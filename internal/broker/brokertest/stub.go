// Package brokertest provides a scriptable Broker for tests of the layers
// above the adapters.
package brokertest

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"httptrading/internal/broker"
	"httptrading/internal/domain"
)

var _ broker.Broker = (*Stub)(nil)

// Stub is a Broker whose results are set by the test. When Block is non-nil
// every operation waits for it to be closed, ignoring its context, the way a
// synchronous SDK call would.
type Stub struct {
	broker.Unimplemented

	BrokerName    string
	BrokerDisplay string
	Caps          broker.Capabilities

	Block <-chan struct{}
	Err   error
	Panic bool

	CashResult      domain.Cash
	PositionsResult []domain.Position
	QuoteResult     domain.Quote
	StatusResult    domain.MarketStatusMap
	OrderResult     domain.Order
	PingResult      bool

	calls atomic.Int64

	mu       sync.Mutex
	placed   []domain.OrderRequest
	canceled []string
}

// NewStub returns a Stub supporting every operation without blocking.
func NewStub() *Stub {
	return &Stub{
		BrokerName:    "stub",
		BrokerDisplay: "Stub Broker",
		Caps:          broker.Capabilities{Supported: broker.AllOps},
		PingResult:    true,
	}
}

func (s *Stub) Name() string                      { return s.BrokerName }
func (s *Stub) Display() string                   { return s.BrokerDisplay }
func (s *Stub) Capabilities() broker.Capabilities { return s.Caps }

// Calls returns how many operations reached the stub.
func (s *Stub) Calls() int64 { return s.calls.Load() }

// Placed returns the order requests received so far.
func (s *Stub) Placed() []domain.OrderRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.OrderRequest(nil), s.placed...)
}

// Canceled returns the order ids cancel was requested for.
func (s *Stub) Canceled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.canceled...)
}

func (s *Stub) enter() error {
	s.calls.Add(1)
	if s.Block != nil {
		<-s.Block
	}
	if s.Panic {
		panic("stub broker panic")
	}
	return s.Err
}

func (s *Stub) Ping(context.Context) (bool, error) {
	if err := s.enter(); err != nil {
		return false, err
	}
	return s.PingResult, nil
}

func (s *Stub) Cash(context.Context) (domain.Cash, error) {
	if err := s.enter(); err != nil {
		return domain.Cash{}, err
	}
	return s.CashResult, nil
}

func (s *Stub) Positions(context.Context) ([]domain.Position, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	return s.PositionsResult, nil
}

func (s *Stub) Quote(_ context.Context, c domain.Contract) (domain.Quote, error) {
	if err := s.enter(); err != nil {
		return domain.Quote{}, err
	}
	q := s.QuoteResult
	q.Contract = c
	return q, nil
}

func (s *Stub) MarketStatus(context.Context) (domain.MarketStatusMap, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	return s.StatusResult, nil
}

// PlaceOrder records req and returns a sequential id.
func (s *Stub) PlaceOrder(_ context.Context, req domain.OrderRequest) (string, error) {
	if err := s.enter(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.placed = append(s.placed, req)
	return "stub-" + strconv.Itoa(len(s.placed)), nil
}

func (s *Stub) Order(_ context.Context, orderID string) (domain.Order, error) {
	if err := s.enter(); err != nil {
		return domain.Order{}, err
	}
	o := s.OrderResult
	o.OrderID = orderID
	return o, nil
}

func (s *Stub) CancelOrder(_ context.Context, orderID string) error {
	if err := s.enter(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled = append(s.canceled, orderID)
	return nil
}
