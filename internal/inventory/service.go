package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ariefcatur/go-ticket-quota/internal/clock"
	"github.com/ariefcatur/go-ticket-quota/internal/eventlock"
	kafkax "github.com/ariefcatur/go-ticket-quota/internal/kafka"
	"github.com/ariefcatur/go-ticket-quota/internal/orders"
	"github.com/ariefcatur/go-ticket-quota/internal/quota"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrSoldOut   = errors.New("sold out")
	ErrEmptyCart = errors.New("cart is empty")
	ErrInvalid   = errors.New("invalid request")
)

// InsufficientError carries the outcome of a failed reservation.
type InsufficientError struct {
	Outcome quota.Outcome
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("quota %s has %d left", e.Outcome.FailingQuota.QuotaID, e.Outcome.AvailableAtFailure)
}

func (e *InsufficientError) Is(target error) bool { return target == ErrSoldOut }

type Locker interface {
	WithLock(ctx context.Context, eventID string, fn func(ctx context.Context) error) error
}

type Quotas interface {
	CheckAndReserve(ctx context.Context, refs []quota.Ref, count int, ignoreVoucherBlocks bool) (quota.Outcome, error)
	Confirm(ctx context.Context, refs []quota.Ref, count int) error
	Release(ctx context.Context, refs []quota.Ref, counter quota.Counter, count int) error
}

type Repository interface {
	AddCartPosition(ctx context.Context, p orders.CartPosition) (orders.CartPosition, error)
	CartPositions(ctx context.Context, eventID, cartID string) ([]orders.CartPosition, error)
	ExpiredCartPositions(ctx context.Context, now time.Time, limit int) ([]orders.CartPosition, error)
	DeleteCartPositions(ctx context.Context, ids []string) ([]orders.CartPosition, error)
	CreateOrder(ctx context.Context, o orders.Order) (orders.Order, error)
	GetOrder(ctx context.Context, orderID string) (orders.Order, error)
	UpdateStatus(ctx context.Context, orderID string, from, to orders.Status, paymentRef string) error
}

type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Publisher interface {
	Publish(topic string, key, value []byte, headers ...kafkago.Header)
}

// Deduper remembers handled message ids.
type Deduper interface {
	Seen(ctx context.Context, id string) (bool, error)
	Mark(ctx context.Context, id string) error
}

// Service runs the selling workflows. Each one holds the event lock
// around its quota check and state change, and publishes events only
// after the lock is released.
type Service struct {
	Locker      Locker
	Quotas      Quotas
	Repo        Repository
	Tx          TxRunner
	Producer    Publisher
	Dedup       Deduper
	Clock       clock.Clock
	Logger      *slog.Logger
	CartTTL     time.Duration
	ServiceName string

	lostLocks atomic.Int64
}

func (s *Service) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// LostLocks counts workflows whose commit outlived their event lock.
func (s *Service) LostLocks() int64 { return s.lostLocks.Load() }

// locked runs fn in one transaction under the event lock. The committed
// work stands when the lock turns out stolen on release; that outcome is
// recorded on the span and in LostLocks.
func (s *Service) locked(ctx context.Context, eventID string, fn func(ctx context.Context) error) error {
	var fnErr error
	err := s.Locker.WithLock(ctx, eventID, func(ctx context.Context) error {
		fnErr = s.Tx.WithTx(ctx, fn)
		return fnErr
	})
	if fnErr == nil && errors.Is(err, eventlock.ErrLockNotOwned) {
		s.lostLocks.Add(1)
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(attribute.Bool("eventlock.lost_after_commit", true))
		span.AddEvent("event lock lost after commit")
		s.logger().Warn("event lock lost after commit", "event_id", eventID, "err", err)
		return nil
	}
	return err
}

func (s *Service) publish(eventID, eventType, correlationID string, payload any) {
	if s.Producer == nil {
		return
	}
	env := kafkax.NewEnvelope(eventType, s.ServiceName, correlationID, payload)
	s.Producer.Publish(orders.TopicFor(eventType), orders.PartitionKey(eventID),
		kafkax.MustMarshal(env), kafkax.EnvelopeHeaders(env)...)
}

type AddToCartInput struct {
	EventID  string   `json:"-"`
	CartID   string   `json:"cart_id"`
	ItemID   string   `json:"item_id"`
	QuotaIDs []string `json:"quota_ids"`
	Count    int      `json:"count"`
	// IgnoreVoucherBlocks lets a redeemed voucher use the units it blocked.
	// Only server-side callers that resolved the voucher may set it; it is
	// never decoded from a request body.
	IgnoreVoucherBlocks bool `json:"-"`
}

func (in AddToCartInput) validate() error {
	switch {
	case in.EventID == "", in.CartID == "", in.ItemID == "":
		return fmt.Errorf("%w: event, cart and item are required", ErrInvalid)
	case len(in.QuotaIDs) == 0:
		return fmt.Errorf("%w: item has no quotas", ErrInvalid)
	case in.Count <= 0:
		return fmt.Errorf("%w: count must be positive", ErrInvalid)
	}
	return nil
}

// AddToCart holds Count units on every quota of the item. It returns an
// *InsufficientError when any quota is short.
func (s *Service) AddToCart(ctx context.Context, in AddToCartInput) (orders.CartPosition, error) {
	if err := in.validate(); err != nil {
		return orders.CartPosition{}, err
	}

	pos := orders.CartPosition{
		CartID:    in.CartID,
		EventID:   in.EventID,
		ItemID:    in.ItemID,
		QuotaIDs:  in.QuotaIDs,
		Count:     in.Count,
		ExpiresAt: s.now().Add(s.CartTTL),
	}
	var out quota.Outcome
	err := s.locked(ctx, in.EventID, func(ctx context.Context) error {
		var err error
		out, err = s.Quotas.CheckAndReserve(ctx, pos.Refs(), in.Count, in.IgnoreVoucherBlocks)
		if err != nil || !out.OK() {
			return err
		}
		pos, err = s.Repo.AddCartPosition(ctx, pos)
		return err
	})
	if err != nil {
		return orders.CartPosition{}, err
	}

	if !out.OK() {
		s.publish(in.EventID, orders.EventQuotaRejected, in.CartID, orders.QuotaRejectedPayload{
			EventID:            in.EventID,
			CartID:             in.CartID,
			QuotaID:            out.FailingQuota.QuotaID,
			Required:           in.Count,
			AvailableAtFailure: out.AvailableAtFailure,
		})
		return orders.CartPosition{}, &InsufficientError{Outcome: out}
	}
	s.publish(in.EventID, orders.EventQuotaReserved, in.CartID, orders.QuotaReservedPayload{
		EventID:    in.EventID,
		CartID:     in.CartID,
		PositionID: pos.ID,
		QuotaIDs:   pos.QuotaIDs,
		Count:      pos.Count,
		Available:  out.Available,
	})
	return pos, nil
}

// CreateOrder turns the cart into a pending order. Positions whose hold
// has expired are checked against the quotas again.
func (s *Service) CreateOrder(ctx context.Context, eventID, cartID, email string) (orders.Order, error) {
	if eventID == "" || cartID == "" || email == "" {
		return orders.Order{}, fmt.Errorf("%w: event, cart and email are required", ErrInvalid)
	}

	var order orders.Order
	err := s.locked(ctx, eventID, func(ctx context.Context) error {
		positions, err := s.Repo.CartPositions(ctx, eventID, cartID)
		if err != nil {
			return err
		}
		if len(positions) == 0 {
			return ErrEmptyCart
		}

		now := s.now()
		ids := make([]string, 0, len(positions))
		order = orders.Order{EventID: eventID, CartID: cartID, Email: email, Status: orders.StatusPending}
		for _, p := range positions {
			if p.Expired(now) {
				if err := s.recheck(ctx, p); err != nil {
					return err
				}
			}
			ids = append(ids, p.ID)
			order.Positions = append(order.Positions, orders.OrderPosition{
				ItemID: p.ItemID, QuotaIDs: p.QuotaIDs, Count: p.Count,
			})
		}

		if _, err := s.Repo.DeleteCartPositions(ctx, ids); err != nil {
			return err
		}
		order, err = s.Repo.CreateOrder(ctx, order)
		return err
	})
	if err != nil {
		var failed *InsufficientError
		if errors.As(err, &failed) {
			s.publish(eventID, orders.EventQuotaRejected, cartID, orders.QuotaRejectedPayload{
				EventID:            eventID,
				CartID:             cartID,
				QuotaID:            failed.Outcome.FailingQuota.QuotaID,
				AvailableAtFailure: failed.Outcome.AvailableAtFailure,
			})
		}
		return orders.Order{}, err
	}

	s.publish(eventID, orders.EventOrderCreated, order.ID, orders.OrderCreatedPayload{
		OrderID:   order.ID,
		EventID:   eventID,
		Email:     email,
		Positions: order.Positions,
	})
	return order, nil
}

// recheck gives back an expired hold and reserves it again, failing if
// the units were taken in the meantime.
func (s *Service) recheck(ctx context.Context, p orders.CartPosition) error {
	if err := s.Quotas.Release(ctx, p.Refs(), quota.CounterCartHolds, p.Count); err != nil {
		return err
	}
	out, err := s.Quotas.CheckAndReserve(ctx, p.Refs(), p.Count, false)
	if err != nil {
		return err
	}
	if !out.OK() {
		return &InsufficientError{Outcome: out}
	}
	return nil
}

// PayOrder confirms the order's units and marks it paid. Paying an order
// twice with the same reference is a no-op.
func (s *Service) PayOrder(ctx context.Context, orderID, paymentRef string) (orders.Order, error) {
	if orderID == "" || paymentRef == "" {
		return orders.Order{}, fmt.Errorf("%w: order and payment reference are required", ErrInvalid)
	}
	o, err := s.Repo.GetOrder(ctx, orderID)
	if err != nil {
		return orders.Order{}, err
	}

	alreadyPaid := false
	err = s.locked(ctx, o.EventID, func(ctx context.Context) error {
		// Re-read under the lock; the status may have moved.
		o, err = s.Repo.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status == orders.StatusPaid && o.PaymentRef == paymentRef {
			alreadyPaid = true
			return nil
		}
		if !orders.CanTransition(o.Status, orders.StatusPaid) {
			return fmt.Errorf("%w: order %s is %s", orders.ErrInvalidTransition, orderID, o.Status)
		}
		for _, p := range o.Positions {
			if err := s.Quotas.Confirm(ctx, o.PositionRefs(p), p.Count); err != nil {
				return err
			}
		}
		if err := s.Repo.UpdateStatus(ctx, orderID, o.Status, orders.StatusPaid, paymentRef); err != nil {
			return err
		}
		o.Status, o.PaymentRef = orders.StatusPaid, paymentRef
		return nil
	})
	if err != nil {
		return orders.Order{}, err
	}

	if !alreadyPaid {
		s.publish(o.EventID, orders.EventOrderPaid, o.ID, orders.OrderPaidPayload{
			OrderID: o.ID, EventID: o.EventID, PaymentRef: paymentRef,
		})
	}
	return o, nil
}

// CancelOrder returns the order's units to its quotas.
func (s *Service) CancelOrder(ctx context.Context, orderID string) (orders.Order, error) {
	o, err := s.Repo.GetOrder(ctx, orderID)
	if err != nil {
		return orders.Order{}, err
	}

	wasPaid := false
	err = s.locked(ctx, o.EventID, func(ctx context.Context) error {
		o, err = s.Repo.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !orders.CanTransition(o.Status, orders.StatusCanceled) {
			return fmt.Errorf("%w: order %s is %s", orders.ErrInvalidTransition, orderID, o.Status)
		}
		wasPaid = o.Status == orders.StatusPaid
		counter := quota.CounterCartHolds
		if wasPaid {
			counter = quota.CounterConfirmed
		}
		for _, p := range o.Positions {
			if err := s.Quotas.Release(ctx, o.PositionRefs(p), counter, p.Count); err != nil {
				return err
			}
		}
		if err := s.Repo.UpdateStatus(ctx, orderID, o.Status, orders.StatusCanceled, ""); err != nil {
			return err
		}
		o.Status = orders.StatusCanceled
		return nil
	})
	if err != nil {
		return orders.Order{}, err
	}

	s.publish(o.EventID, orders.EventOrderCanceled, o.ID, orders.OrderCanceledPayload{
		OrderID: o.ID, EventID: o.EventID, WasPaid: wasPaid,
	})
	return o, nil
}

// ExpireCarts releases up to limit expired cart positions, one event
// lock at a time. An event whose lock is busy is skipped until the next
// run.
func (s *Service) ExpireCarts(ctx context.Context, limit int) (int, error) {
	expired, err := s.Repo.ExpiredCartPositions(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}

	byEvent := map[string][]string{}
	var events []string
	for _, p := range expired {
		if _, ok := byEvent[p.EventID]; !ok {
			events = append(events, p.EventID)
		}
		byEvent[p.EventID] = append(byEvent[p.EventID], p.ID)
	}

	released := 0
	for _, eventID := range events {
		n := 0
		err := s.locked(ctx, eventID, func(ctx context.Context) error {
			n = 0
			// Positions ordered meanwhile are gone and not returned here.
			deleted, err := s.Repo.DeleteCartPositions(ctx, byEvent[eventID])
			if err != nil {
				return err
			}
			for _, p := range deleted {
				if err := s.Quotas.Release(ctx, p.Refs(), quota.CounterCartHolds, p.Count); err != nil {
					return err
				}
				n++
			}
			return nil
		})
		if errors.Is(err, eventlock.ErrLockTimeout) {
			s.logger().Warn("skipping cart expiry for busy event", "event_id", eventID)
			continue
		}
		if err != nil {
			return released, fmt.Errorf("expire carts for event %s: %w", eventID, err)
		}
		released += n
	}
	if released > 0 {
		s.logger().Info("released expired cart positions", "count", released)
	}
	return released, nil
}

// HandlePaymentAuthorized is the consumer handler for payment.authorized.
func (s *Service) HandlePaymentAuthorized(ctx context.Context, m kafkago.Message) error {
	env, err := kafkax.DecodeEnvelope(m.Value)
	if err != nil {
		s.logger().Error("dropping undecodable message", "offset", m.Offset, "err", err)
		return nil
	}
	if env.EventType != orders.EventPaymentAuthorized {
		return nil
	}

	if s.Dedup != nil {
		if seen, err := s.Dedup.Seen(ctx, env.EventID); err == nil && seen {
			return nil
		}
	}

	p, err := kafkax.UnwrapPayload[orders.PaymentAuthorizedPayload](env.Payload)
	if err != nil {
		s.logger().Error("dropping bad payment payload", "event_id", env.EventID, "err", err)
		return nil
	}

	_, err = s.PayOrder(ctx, p.OrderID, p.PaymentRef)
	switch {
	case errors.Is(err, orders.ErrNotFound), errors.Is(err, orders.ErrInvalidTransition), errors.Is(err, ErrInvalid):
		s.logger().Warn("payment not applied", "order_id", p.OrderID, "err", err)
	case err != nil:
		return err
	}

	if s.Dedup != nil {
		if err := s.Dedup.Mark(ctx, env.EventID); err != nil {
			s.logger().Warn("failed to mark payment event", "event_id", env.EventID, "err", err)
		}
	}
	return nil
}
