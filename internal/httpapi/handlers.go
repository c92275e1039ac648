package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"httptrading/internal/domain"
	"httptrading/internal/registry"
)

func (s *Server) handlePing(r *http.Request, inst *registry.Instance) (map[string]any, error) {
	ok, err := s.eng.Ping(r.Context(), inst)
	if err != nil {
		return nil, err
	}
	return map[string]any{"pong": ok}, nil
}

func (s *Server) handleQuote(r *http.Request, inst *registry.Instance) (map[string]any, error) {
	q := r.URL.Query()
	c, err := domain.ParseContract(q.Get("tradeType"), q.Get("ticker"), q.Get("region"))
	if err != nil {
		return nil, err
	}
	quote, err := s.eng.Quote(r.Context(), inst, c)
	if err != nil {
		return nil, err
	}
	return map[string]any{"quote": quote}, nil
}

func (s *Server) handleMarketState(r *http.Request, inst *registry.Instance) (map[string]any, error) {
	m, err := s.eng.MarketStatus(r.Context(), inst)
	if err != nil {
		return nil, err
	}
	return map[string]any{"marketStatus": m}, nil
}

func (s *Server) handleCash(r *http.Request, inst *registry.Instance) (map[string]any, error) {
	cash, err := s.eng.Cash(r.Context(), inst)
	if err != nil {
		return nil, err
	}
	return map[string]any{"cash": cash}, nil
}

func (s *Server) handlePositions(r *http.Request, inst *registry.Instance) (map[string]any, error) {
	positions, err := s.eng.Positions(r.Context(), inst)
	if err != nil {
		return nil, err
	}
	return map[string]any{"positions": positions}, nil
}

// handlePlace echoes the submitted body as args alongside the vendor order id.
func (s *Server) handlePlace(r *http.Request, inst *registry.Instance) (map[string]any, error) {
	raw, err := s.readBody(r)
	if err != nil {
		return nil, err
	}
	var args map[string]any
	if err := decodeJSON(raw, &args); err != nil {
		return nil, err
	}
	if q, ok := args["qty"]; ok && q != nil {
		if _, isNum := q.(json.Number); !isNum {
			return nil, fmt.Errorf("%w: qty must be a JSON integer", domain.ErrBadRequest)
		}
	}
	var body placeBody
	if err := decodeJSON(raw, &body); err != nil {
		return nil, err
	}
	req, err := body.toRequest()
	if err != nil {
		return nil, err
	}

	id, err := s.eng.PlaceOrder(r.Context(), inst, req)
	if err != nil {
		return nil, err
	}
	return map[string]any{"orderId": id, "args": args}, nil
}

func (s *Server) handleCancel(r *http.Request, inst *registry.Instance) (map[string]any, error) {
	raw, err := s.readBody(r)
	if err != nil {
		return nil, err
	}
	var body cancelBody
	if err := decodeJSON(raw, &body); err != nil {
		return nil, err
	}
	id, err := orderIDString(body.OrderID)
	if err != nil {
		return nil, err
	}
	if err := s.eng.CancelOrder(r.Context(), inst, id); err != nil {
		return nil, err
	}
	return map[string]any{"canceled": true}, nil
}

func (s *Server) handleOrder(r *http.Request, inst *registry.Instance) (map[string]any, error) {
	id := r.URL.Query().Get("orderId")
	if id == "" {
		return nil, fmt.Errorf("%w: orderId is required", domain.ErrBadRequest)
	}
	o, err := s.eng.Order(r.Context(), inst, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"order": o}, nil
}

func (s *Server) readBody(r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("%w: body exceeds %d bytes", domain.ErrBadRequest, tooLarge.Limit)
		}
		return nil, fmt.Errorf("%w: reading body: %v", domain.ErrBadRequest, err)
	}
	return raw, nil
}

// decodeJSON decodes one JSON object, keeping numbers as json.Number.
func decodeJSON(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", domain.ErrBadRequest, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data after JSON body", domain.ErrBadRequest)
	}
	return nil
}

func (b placeBody) toRequest() (domain.OrderRequest, error) {
	c, err := domain.ParseContract(b.TradeType, b.Ticker, b.Region)
	if err != nil {
		return domain.OrderRequest{}, err
	}
	if b.Qty == "" {
		return domain.OrderRequest{}, fmt.Errorf("%w: qty is required", domain.ErrBadRequest)
	}
	qty, err := strconv.ParseInt(b.Qty.String(), 10, 64)
	if err != nil {
		return domain.OrderRequest{}, fmt.Errorf("%w: qty must be an integer, got %s", domain.ErrBadRequest, b.Qty)
	}
	ot, err := domain.ParseOrderType(b.OrderType)
	if err != nil {
		return domain.OrderRequest{}, err
	}
	tif, err := domain.ParseTimeInForce(b.TimeInForce)
	if err != nil {
		return domain.OrderRequest{}, err
	}
	lc, err := domain.ParseLifecycle(b.Lifecycle)
	if err != nil {
		return domain.OrderRequest{}, err
	}
	dir, err := domain.ParseDirection(b.Direction)
	if err != nil {
		return domain.OrderRequest{}, err
	}
	req := domain.OrderRequest{
		Contract:    c,
		Price:       b.Price,
		Qty:         qty,
		OrderType:   ot,
		TimeInForce: tif,
		Lifecycle:   lc,
		Direction:   dir,
	}
	return req, req.Validate()
}

func orderIDString(v any) (string, error) {
	switch id := v.(type) {
	case string:
		if id != "" {
			return id, nil
		}
	case json.Number:
		return id.String(), nil
	}
	return "", fmt.Errorf("%w: orderId is required", domain.ErrBadRequest)
}
