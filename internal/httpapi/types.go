// Package httpapi serves the per-instance broker API under
// /httptrading/api/{instanceId}/ and wraps every response in the envelope.
package httpapi

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"httptrading/internal/registry"
)

// TimeLayout is the envelope time format: ISO-8601 with microseconds and an
// explicit UTC offset.
const TimeLayout = "2006-01-02T15:04:05.000000-07:00"

// Envelope is the response wrapper shared by every endpoint. Payload fields
// are merged into the top-level object.
type Envelope struct {
	Type          string  `json:"type"`
	InstanceID    *string `json:"instanceId"`
	Broker        *string `json:"broker"`
	BrokerDisplay *string `json:"brokerDisplay"`
	Time          string  `json:"time"`
	Ex            *string `json:"ex"`

	Payload map[string]any `json:"-"`
}

func newEnvelope(inst *registry.Instance, now time.Time) *Envelope {
	env := &Envelope{Type: "apiResponse", Time: now.UTC().Format(TimeLayout)}
	if inst != nil {
		id, name, display := inst.ID, inst.Broker.Name(), inst.Broker.Display()
		env.InstanceID, env.Broker, env.BrokerDisplay = &id, &name, &display
	}
	return env
}

// fail records err and nulls the endpoint's payload fields.
func (e *Envelope) fail(err error, keys []string) {
	msg := err.Error()
	e.Ex = &msg
	e.Payload = make(map[string]any, len(keys))
	for _, k := range keys {
		e.Payload[k] = nil
	}
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	type alias Envelope
	head, err := json.Marshal(alias(e))
	if err != nil {
		return nil, err
	}
	if len(e.Payload) == 0 {
		return head, nil
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(head) + len(body))
	buf.Write(head[:len(head)-1])
	buf.WriteByte(',')
	buf.Write(body[1:])
	return buf.Bytes(), nil
}

// placeBody is the JSON body of POST order/place.
type placeBody struct {
	TradeType   string           `json:"tradeType"`
	Ticker      string           `json:"ticker"`
	Region      string           `json:"region"`
	Price       *decimal.Decimal `json:"price"`
	Qty         json.Number      `json:"qty"`
	OrderType   string           `json:"orderType"`
	TimeInForce string           `json:"timeInForce"`
	Lifecycle   string           `json:"lifecycle"`
	Direction   string           `json:"direction"`
}

// cancelBody is the JSON body of POST order/cancel. orderId may be a string
// or a number.
type cancelBody struct {
	OrderID any `json:"orderId"`
}
