package orders

import (
	"encoding/json"
	"time"
)

const (
	EventQuotaReserved     = "QuotaReserved"
	EventQuotaRejected     = "QuotaRejected"
	EventOrderCreated      = "OrderCreated"
	EventOrderPaid         = "OrderPaid"
	EventOrderCanceled     = "OrderCanceled"
	EventPaymentAuthorized = "PaymentAuthorized"
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // one of the consts above
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // cart or order id
	Payload       json.RawMessage `json:"payload"`
}

// TopicFor maps an event type to the topic it is published on.
func TopicFor(eventType string) string {
	switch eventType {
	case EventQuotaReserved:
		return TopicQuotaReserved
	case EventQuotaRejected:
		return TopicQuotaRejected
	case EventOrderCreated:
		return TopicOrderCreated
	case EventOrderPaid:
		return TopicOrderPaid
	case EventOrderCanceled:
		return TopicOrderCanceled
	case EventPaymentAuthorized:
		return TopicPaymentAuthorized
	}
	return ""
}

type QuotaReservedPayload struct {
	EventID    string   `json:"event_id"`
	CartID     string   `json:"cart_id"`
	PositionID string   `json:"position_id"`
	QuotaIDs   []string `json:"quota_ids"`
	Count      int      `json:"count"`
	Available  int      `json:"available"`
}

type QuotaRejectedPayload struct {
	EventID            string `json:"event_id"`
	CartID             string `json:"cart_id"`
	QuotaID            string `json:"quota_id"`
	Required           int    `json:"required"`
	AvailableAtFailure int    `json:"available_at_failure"`
}

type OrderCreatedPayload struct {
	OrderID   string          `json:"order_id"`
	EventID   string          `json:"event_id"`
	Email     string          `json:"email"`
	Positions []OrderPosition `json:"positions"`
}

type OrderPaidPayload struct {
	OrderID    string `json:"order_id"`
	EventID    string `json:"event_id"`
	PaymentRef string `json:"payment_ref"`
}

type OrderCanceledPayload struct {
	OrderID string `json:"order_id"`
	EventID string `json:"event_id"`
	WasPaid bool   `json:"was_paid"`
}

type PaymentAuthorizedPayload struct {
	OrderID     string `json:"order_id"`
	PaymentRef  string `json:"payment_ref"`
	AmountCents int    `json:"amount_cents"`
}
