package quota

import (
	"errors"
	"math"
)

var (
	ErrQuotaNotFound = errors.New("quota not found")
	ErrNoQuotas      = errors.New("no quotas given")
	ErrInvalidCount  = errors.New("count must be positive")
	ErrCrossEvent    = errors.New("quotas belong to different events")
)

// Ref identifies a quota. EventID names the lock that must be held
// while the quota is read or changed.
type Ref struct {
	EventID string `json:"event_id"`
	QuotaID string `json:"quota_id"`
}

// Counter names one of the usage columns of a quota.
type Counter string

const (
	CounterConfirmed     Counter = "confirmed"
	CounterCartHolds     Counter = "cart_holds"
	CounterVoucherBlocks Counter = "voucher_blocks"
)

func (c Counter) Valid() bool {
	switch c {
	case CounterConfirmed, CounterCartHolds, CounterVoucherBlocks:
		return true
	}
	return false
}

// Quota is a sized pool of units. A nil Size means unlimited.
type Quota struct {
	Ref           Ref    `json:"ref"`
	Name          string `json:"name"`
	Size          *int   `json:"size"`
	Confirmed     int    `json:"confirmed"`
	CartHolds     int    `json:"cart_holds"`
	VoucherBlocks int    `json:"voucher_blocks"`
}

// Unlimited is the availability reported for quotas without a size.
const Unlimited = math.MaxInt

// Available returns size minus usage, or Unlimited. The result may be
// negative when earlier reservations bypassed the check.
func (q Quota) Available(ignoreVoucherBlocks bool) int {
	if q.Size == nil {
		return Unlimited
	}
	used := q.Confirmed + q.CartHolds
	if !ignoreVoucherBlocks {
		used += q.VoucherBlocks
	}
	return *q.Size - used
}

func (q *Quota) add(c Counter, delta int) {
	switch c {
	case CounterConfirmed:
		q.Confirmed = max(q.Confirmed+delta, 0)
	case CounterCartHolds:
		q.CartHolds = max(q.CartHolds+delta, 0)
	case CounterVoucherBlocks:
		q.VoucherBlocks = max(q.VoucherBlocks+delta, 0)
	}
}

type Status int

const (
	StatusOK Status = iota
	StatusInsufficient
)

func (s Status) String() string {
	if s == StatusOK {
		return "ok"
	}
	return "insufficient"
}

// Outcome is the result of a reservation attempt. Available is the
// smallest availability seen before reserving (Unlimited when no quota
// is sized). On StatusInsufficient, FailingQuota names the first quota
// without room and AvailableAtFailure its availability clamped to zero.
type Outcome struct {
	Status             Status `json:"status"`
	Available          int    `json:"available"`
	AvailableAtFailure int    `json:"available_at_failure"`
	FailingQuota       Ref    `json:"failing_quota"`
}

func (o Outcome) OK() bool { return o.Status == StatusOK }
