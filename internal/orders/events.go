package orders

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventOrderReserved = "OrderReserved"
	EventOrderFailed   = "OrderFailed"
	EventOrderCanceled = "OrderCanceled"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id,omitempty"` // job id or order id
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope wraps payload in a v1 envelope.
func NewEnvelope(eventType, producer, correlationID string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: correlationID,
		Payload:       b,
	}, nil
}

type ItemQty struct {
	SKU      SKU `json:"sku"`
	Quantity int `json:"quantity"`
}

type OrderReservedPayload struct {
	OrderID   string    `json:"order_id"`
	JobID     string    `json:"job_id"`
	Items     []ItemQty `json:"items"`
	ExpiresAt time.Time `json:"expires_at"`
}

type OrderFailedPayload struct {
	JobID  string `json:"job_id"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

type OrderCanceledPayload struct {
	OrderID  string    `json:"order_id"`
	From     Status    `json:"from"`
	To       Status    `json:"to"`
	Released []ItemQty `json:"released,omitempty"`
}

func ItemsFromDemand(d Demand) []ItemQty {
	out := make([]ItemQty, 0, len(d))
	for _, s := range d.SKUs() {
		out = append(out, ItemQty{SKU: s, Quantity: d[s]})
	}
	return out
}
