package orders

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool the repositories use.
type DB interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Repo struct{ DB DB }

func (r *Repo) GetOrder(ctx context.Context, orderID string) (Order, error) {
	var o Order
	var status string
	err := r.DB.QueryRow(ctx, `
		SELECT id, user_id, carrier_id, discount_code, discount_amount, original_price,
		       discounted_price, final_price, status, expires_at, created_at, updated_at
		FROM orders WHERE id=$1`, orderID).Scan(
		&o.ID, &o.UserID, &o.CarrierID, &o.DiscountCode, &o.DiscountAmount, &o.OriginalPrice,
		&o.DiscountedPrice, &o.FinalPrice, &status, &o.ExpiresAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrOrderNotFound
	}
	if err != nil {
		return Order{}, err
	}
	o.Status = Status(status)

	rows, err := r.DB.Query(ctx, `
		SELECT id, product_id, size_id, color_id, quantity, price, reserved
		FROM order_items WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return Order{}, err
	}
	defer rows.Close()
	for rows.Next() {
		it := OrderItem{OrderID: orderID}
		if err := rows.Scan(&it.ID, &it.SKU.ProductID, &it.SKU.SizeID, &it.SKU.ColorID, &it.Quantity, &it.Price, &it.Reserved); err != nil {
			return Order{}, err
		}
		o.Items = append(o.Items, it)
	}
	return o, rows.Err()
}

// ExpiredOrders lists pending orders whose expiry is before now, oldest first.
func (r *Repo) ExpiredOrders(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id FROM orders
		WHERE status=$1 AND expires_at < $2
		ORDER BY expires_at LIMIT $3`, string(StatusPending), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Transition moves an order to status `to` under a row lock. When allowedFrom
// is non-empty the current status must be one of them (ErrStatusConflict
// otherwise). Entering canceled or failed returns every still-reserved item to
// the ledger in the same transaction; the released items are reported so the
// caller can restore the reservation cache after commit.
func (r *Repo) Transition(ctx context.Context, orderID string, to Status, allowedFrom ...Status) (Transition, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Transition{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var cur string
	err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1 FOR UPDATE`, orderID).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transition{}, ErrOrderNotFound
	}
	if err != nil {
		return Transition{}, err
	}

	t := Transition{OrderID: orderID, From: Status(cur), To: to}
	if len(allowedFrom) > 0 && !slices.Contains(allowedFrom, t.From) {
		return t, fmt.Errorf("%w: order %s is %s", ErrStatusConflict, orderID, t.From)
	}
	if t.From == to {
		return t, nil
	}
	if !CanTransition(t.From, to) {
		return t, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.From, to)
	}

	if _, err := tx.Exec(ctx, `UPDATE orders SET status=$2, updated_at=now() WHERE id=$1`, orderID, string(to)); err != nil {
		return t, err
	}

	if to.ReleasesStock() {
		released, err := releaseItems(ctx, tx, orderID)
		if err != nil {
			return t, err
		}
		t.Released = released
	}

	if err := tx.Commit(ctx); err != nil {
		return t, err
	}
	return t, nil
}

// FailJobOrder marks the order created by jobID failed, if one exists and is
// still pending, releasing its ledger quantities.
func (r *Repo) FailJobOrder(ctx context.Context, jobID string) (Transition, bool, error) {
	var orderID string
	err := r.DB.QueryRow(ctx, `SELECT id FROM orders WHERE job_id=$1`, jobID).Scan(&orderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transition{}, false, nil
	}
	if err != nil {
		return Transition{}, false, err
	}
	t, err := r.Transition(ctx, orderID, StatusFailed, StatusPending)
	if errors.Is(err, ErrStatusConflict) {
		return t, false, nil
	}
	if err != nil {
		return t, false, err
	}
	return t, true, nil
}

func releaseItems(ctx context.Context, tx pgx.Tx, orderID string) ([]OrderItem, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, product_id, size_id, color_id, quantity, price
		FROM order_items WHERE order_id=$1 AND reserved
		ORDER BY product_id, size_id, color_id`, orderID)
	if err != nil {
		return nil, err
	}
	var items []OrderItem
	for rows.Next() {
		it := OrderItem{OrderID: orderID}
		if err := rows.Scan(&it.ID, &it.SKU.ProductID, &it.SKU.SizeID, &it.SKU.ColorID, &it.Quantity, &it.Price); err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, it := range items {
		if _, err := tx.Exec(ctx, `UPDATE product_stocks SET quantity = quantity + $4
		                           WHERE product_id=$1 AND size_id=$2 AND color_id=$3`,
			it.SKU.ProductID, it.SKU.SizeID, it.SKU.ColorID, it.Quantity); err != nil {
			return nil, err
		}
	}
	if len(items) > 0 {
		if _, err := tx.Exec(ctx, `UPDATE order_items SET reserved=FALSE WHERE order_id=$1 AND reserved`, orderID); err != nil {
			return nil, err
		}
	}
	return items, nil
}
