package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ReservationRepo is the inventory ledger: product_stocks rows are only
// mutated inside transactions that also create or release an order.
type ReservationRepo struct{ DB DB }

// Quantities reads current ledger quantities. SKUs without a row are absent
// from the result.
func (r *ReservationRepo) Quantities(ctx context.Context, skus []SKU) (map[SKU]int, error) {
	out := make(map[SKU]int, len(skus))
	if len(skus) == 0 {
		return out, nil
	}

	var params strings.Builder
	args := make([]any, 0, len(skus)*3)
	for i, s := range skus {
		if i > 0 {
			params.WriteString(",")
		}
		fmt.Fprintf(&params, "($%d,$%d,$%d)", i*3+1, i*3+2, i*3+3)
		args = append(args, s.ProductID, s.SizeID, s.ColorID)
	}
	rows, err := r.DB.Query(ctx, `SELECT product_id, size_id, color_id, quantity FROM product_stocks
	                              WHERE (product_id, size_id, color_id) IN (`+params.String()+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var s SKU
		var qty int
		if err := rows.Scan(&s.ProductID, &s.SizeID, &s.ColorID, &qty); err != nil {
			return nil, err
		}
		out[s] = qty
	}
	return out, rows.Err()
}

// PlaceOrder locks the ledger rows of every requested SKU (FOR UPDATE, in SKU
// order), re-validates availability, creates the pending order with its items
// and decrements the ledger, all in one transaction.
// Idempotent via job_id: a redelivered job gets its existing order back
// (existed=true) and the ledger is left alone.
func (r *ReservationRepo) PlaceOrder(ctx context.Context, jobID string, c Checkout, expiresAt time.Time) (orderID string, existed bool, err error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx, `SELECT id FROM orders WHERE job_id=$1`, jobID).Scan(&orderID)
	if err == nil {
		return orderID, true, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return "", false, err
	}

	demand := c.Demand()
	for _, s := range demand.SKUs() {
		var qty int
		err := tx.QueryRow(ctx, `SELECT quantity FROM product_stocks
		                         WHERE product_id=$1 AND size_id=$2 AND color_id=$3 FOR UPDATE`,
			s.ProductID, s.SizeID, s.ColorID).Scan(&qty)
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, fmt.Errorf("%w: %s", ErrUnknownSKU, s)
		}
		if err != nil {
			return "", false, err
		}
		if qty < demand[s] {
			return "", false, &StockError{SKU: s, Requested: demand[s], Available: qty}
		}
	}

	orderID = uuid.NewString()
	if _, err = tx.Exec(ctx, `
		INSERT INTO orders(id, job_id, user_id, carrier_id, discount_code, discount_amount,
		                   original_price, discounted_price, final_price, status, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		orderID, jobID, c.UserID, c.CarrierID, c.DiscountCode, c.DiscountAmount(),
		c.OriginalPrice, c.DiscountedPrice, c.FinalPrice, string(StatusPending), expiresAt,
	); err != nil {
		return "", false, err
	}

	for _, it := range c.Items {
		if _, err = tx.Exec(ctx, `
			INSERT INTO order_items(order_id, product_id, size_id, color_id, quantity, price, reserved)
			VALUES ($1,$2,$3,$4,$5,$6,TRUE)`,
			orderID, it.ProductID, it.SizeID, it.ColorID, it.Quantity, it.Price,
		); err != nil {
			return "", false, err
		}

		// guarded: never below zero
		ct, err := tx.Exec(ctx, `UPDATE product_stocks SET quantity = quantity - $4
		                         WHERE product_id=$1 AND size_id=$2 AND color_id=$3 AND quantity >= $4`,
			it.ProductID, it.SizeID, it.ColorID, it.Quantity)
		if err != nil {
			return "", false, err
		}
		if ct.RowsAffected() != 1 {
			return "", false, fmt.Errorf("%w: ledger guard rejected sku %s", ErrInsufficientStock, it.SKU())
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", false, err
	}
	return orderID, false, nil
}

// FailJobOrder releases whatever order jobID managed to commit; see Repo.FailJobOrder.
func (r *ReservationRepo) FailJobOrder(ctx context.Context, jobID string) (Transition, bool, error) {
	return (&Repo{DB: r.DB}).FailJobOrder(ctx, jobID)
}
