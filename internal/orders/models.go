package orders

import (
	"time"

	"github.com/ariefcatur/go-ticket-quota/internal/quota"
)

// CartPosition is a held item in a cart. Its units are counted in the
// cart_holds of every quota it lists until it expires or is ordered.
type CartPosition struct {
	ID        string    `json:"id"`
	CartID    string    `json:"cart_id"`
	EventID   string    `json:"event_id"`
	ItemID    string    `json:"item_id"`
	QuotaIDs  []string  `json:"quota_ids"`
	Count     int       `json:"count"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

func (p CartPosition) Refs() []quota.Ref { return refs(p.EventID, p.QuotaIDs) }

func (p CartPosition) Expired(now time.Time) bool { return !now.Before(p.ExpiresAt) }

type Order struct {
	ID         string          `json:"id"`
	EventID    string          `json:"event_id"`
	CartID     string          `json:"cart_id"`
	Email      string          `json:"email"`
	Status     Status          `json:"status"`
	PaymentRef string          `json:"payment_ref,omitempty"`
	Positions  []OrderPosition `json:"positions"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type OrderPosition struct {
	OrderID  string   `json:"-"`
	ItemID   string   `json:"item_id"`
	QuotaIDs []string `json:"quota_ids"`
	Count    int      `json:"count"`
}

func (o Order) PositionRefs(p OrderPosition) []quota.Ref { return refs(o.EventID, p.QuotaIDs) }

func refs(eventID string, quotaIDs []string) []quota.Ref {
	out := make([]quota.Ref, 0, len(quotaIDs))
	for _, id := range quotaIDs {
		out = append(out, quota.Ref{EventID: eventID, QuotaID: id})
	}
	return out
}
