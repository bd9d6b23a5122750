package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-ticket-quota/internal/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound          = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order status transition")
)

// Repo stores carts and orders. Every method joins the transaction on
// ctx, so callers can bundle it with quota changes.
type Repo struct{ DB *pgxpool.Pool }

func (r *Repo) AddCartPosition(ctx context.Context, p CartPosition) (CartPosition, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	err := postgres.Conn(ctx, r.DB).QueryRow(ctx, `
		INSERT INTO cart_positions(id, cart_id, event_id, item_id, quota_ids, count, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		p.ID, p.CartID, p.EventID, p.ItemID, p.QuotaIDs, p.Count, p.ExpiresAt,
	).Scan(&p.CreatedAt)
	if err != nil {
		return CartPosition{}, fmt.Errorf("insert cart position: %w", err)
	}
	return p, nil
}

func (r *Repo) CartPositions(ctx context.Context, eventID, cartID string) ([]CartPosition, error) {
	rows, err := postgres.Conn(ctx, r.DB).Query(ctx, `
		SELECT id, cart_id, event_id, item_id, quota_ids, count, expires_at, created_at
		FROM cart_positions
		WHERE event_id = $1 AND cart_id = $2
		ORDER BY created_at, id`, eventID, cartID)
	if err != nil {
		return nil, fmt.Errorf("list cart positions: %w", err)
	}
	return collectPositions(rows)
}

// ExpiredCartPositions returns up to limit positions that expired before now.
func (r *Repo) ExpiredCartPositions(ctx context.Context, now time.Time, limit int) ([]CartPosition, error) {
	rows, err := postgres.Conn(ctx, r.DB).Query(ctx, `
		SELECT id, cart_id, event_id, item_id, quota_ids, count, expires_at, created_at
		FROM cart_positions
		WHERE expires_at <= $1
		ORDER BY event_id, expires_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired cart positions: %w", err)
	}
	return collectPositions(rows)
}

// DeleteCartPositions removes the given positions and returns those
// that still existed.
func (r *Repo) DeleteCartPositions(ctx context.Context, ids []string) ([]CartPosition, error) {
	rows, err := postgres.Conn(ctx, r.DB).Query(ctx, `
		DELETE FROM cart_positions
		WHERE id = ANY($1)
		RETURNING id, cart_id, event_id, item_id, quota_ids, count, expires_at, created_at`, ids)
	if err != nil {
		return nil, fmt.Errorf("delete cart positions: %w", err)
	}
	return collectPositions(rows)
}

func collectPositions(rows pgx.Rows) ([]CartPosition, error) {
	defer rows.Close()
	var out []CartPosition
	for rows.Next() {
		var p CartPosition
		if err := rows.Scan(&p.ID, &p.CartID, &p.EventID, &p.ItemID, &p.QuotaIDs, &p.Count, &p.ExpiresAt, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan cart position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreateOrder inserts o with its positions. o.ID is generated when empty.
func (r *Repo) CreateOrder(ctx context.Context, o Order) (Order, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Status == "" {
		o.Status = StatusPending
	}
	err := postgres.WithTx(ctx, r.DB, func(ctx context.Context) error {
		q := postgres.Conn(ctx, r.DB)
		err := q.QueryRow(ctx, `
			INSERT INTO orders(id, event_id, cart_id, email, status)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING created_at, updated_at`,
			o.ID, o.EventID, o.CartID, o.Email, string(o.Status),
		).Scan(&o.CreatedAt, &o.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		for i := range o.Positions {
			o.Positions[i].OrderID = o.ID
			p := o.Positions[i]
			if _, err := q.Exec(ctx, `
				INSERT INTO order_positions(order_id, item_id, quota_ids, count)
				VALUES ($1, $2, $3, $4)`,
				o.ID, p.ItemID, p.QuotaIDs, p.Count,
			); err != nil {
				return fmt.Errorf("insert order position: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	return o, nil
}

func (r *Repo) GetOrder(ctx context.Context, orderID string) (Order, error) {
	q := postgres.Conn(ctx, r.DB)

	var o Order
	var status string
	var paymentRef *string
	err := q.QueryRow(ctx, `
		SELECT id, event_id, cart_id, email, status, payment_ref, created_at, updated_at
		FROM orders WHERE id = $1`, orderID,
	).Scan(&o.ID, &o.EventID, &o.CartID, &o.Email, &status, &paymentRef, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if postgres.IsNoRows(err) {
			return Order{}, ErrNotFound
		}
		return Order{}, fmt.Errorf("get order: %w", err)
	}
	o.Status = Status(status)
	if paymentRef != nil {
		o.PaymentRef = *paymentRef
	}

	rows, err := q.Query(ctx, `
		SELECT item_id, quota_ids, count FROM order_positions
		WHERE order_id = $1 ORDER BY item_id`, orderID)
	if err != nil {
		return Order{}, fmt.Errorf("list order positions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		p := OrderPosition{OrderID: orderID}
		if err := rows.Scan(&p.ItemID, &p.QuotaIDs, &p.Count); err != nil {
			return Order{}, fmt.Errorf("scan order position: %w", err)
		}
		o.Positions = append(o.Positions, p)
	}
	return o, rows.Err()
}

// UpdateStatus moves the order from one status to another. It fails
// with ErrInvalidTransition if the move is not allowed or the order is
// no longer in from.
func (r *Repo) UpdateStatus(ctx context.Context, orderID string, from, to Status, paymentRef string) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	tag, err := postgres.Conn(ctx, r.DB).Exec(ctx, `
		UPDATE orders
		SET status = $3, payment_ref = COALESCE(NULLIF($4, ''), payment_ref), updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		orderID, string(from), string(to), paymentRef)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: order %s is not %s", ErrInvalidTransition, orderID, from)
	}
	return nil
}
