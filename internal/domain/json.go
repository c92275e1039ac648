package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Every object on the wire carries a "type" tag so that callers can decode a
// mixed stream without knowing the endpoint that produced it.

func (c Contract) MarshalJSON() ([]byte, error) {
	type alias Contract
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{"contract", alias(c)})
}

func (c Cash) MarshalJSON() ([]byte, error) {
	type alias Cash
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{"cash", alias(c)})
}

func (p Position) MarshalJSON() ([]byte, error) {
	type alias Position
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{"position", alias(p)})
}

func (m MarketStatus) MarshalJSON() ([]byte, error) {
	type alias MarketStatus
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{"marketStatus", alias(m)})
}

// MarshalJSON adds the derived isCompleted flag.
func (o Order) MarshalJSON() ([]byte, error) {
	type alias Order
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
		IsCompleted bool `json:"isCompleted"`
	}{"order", alias(o), o.IsCompleted()})
}

// MarshalJSON encodes Time as epoch milliseconds in "timestamp".
func (q Quote) MarshalJSON() ([]byte, error) {
	type alias Quote
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
		Timestamp int64 `json:"timestamp"`
	}{"quote", alias(q), q.Time.UnixMilli()})
}

func (q *Quote) UnmarshalJSON(data []byte) error {
	type alias Quote
	var v struct {
		alias
		Timestamp int64 `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*q = Quote(v.alias)
	q.Time = time.UnixMilli(v.Timestamp).UTC()
	return nil
}

// MarshalJSON keys the outer level by the lowercased trade type, e.g.
// {"type":"marketStatusMap","securities":{"US":{...}}}.
func (m MarketStatusMap) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m)+1)
	out["type"] = "marketStatusMap"
	for tt, regions := range m {
		if regions == nil {
			regions = map[Region]MarketStatus{}
		}
		out[strings.ToLower(string(tt))] = regions
	}
	return json.Marshal(out)
}

func (m *MarketStatusMap) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(MarketStatusMap, len(raw))
	for key, body := range raw {
		if key == "type" {
			continue
		}
		var regions map[Region]MarketStatus
		if err := json.Unmarshal(body, &regions); err != nil {
			return err
		}
		out[tradeTypeFromKey(key)] = regions
	}
	*m = out
	return nil
}

func tradeTypeFromKey(key string) TradeType {
	for _, tt := range []TradeType{TradeTypeSecurities, TradeTypeCryptocurrencies} {
		if strings.EqualFold(string(tt), key) {
			return tt
		}
	}
	return TradeType(key)
}
