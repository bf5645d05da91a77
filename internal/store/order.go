package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"topup-market/internal/model"
)

var ErrOrderNotFound = errors.New("order not found")

func (r *Database) CreateOrder(ctx context.Context, o *model.Order) (int, error) {
	createOrder := `INSERT INTO orders(user_id, kind, status, amount, points, game_ref, game_uid)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING order_id`

	var id int

	err := r.DB.QueryRowContext(ctx, createOrder,
		o.UserID, o.Kind, model.OrderPending, o.Amount, o.Points, o.GameRef, o.GameUID).Scan(&id)
	if err != nil {
		return 0, err
	}
	o.ID = id
	return id, nil
}

// GetOrder returns (nil, nil) for a missing order; the pipeline maps that to
// its own typed error.
func (r *Database) GetOrder(ctx context.Context, id int) (*model.Order, error) {
	var order model.Order
	err := r.DB.QueryRowContext(ctx, `
		SELECT order_id, user_id, kind, status, amount, points, game_ref, game_uid, created_at, updated_at
		FROM orders WHERE order_id = $1`, id).
		Scan(&order.ID, &order.UserID, &order.Kind, &order.Status, &order.Amount, &order.Points,
			&order.GameRef, &order.GameUID, &order.CreatedAt, &order.UpdatedAt)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (r *Database) GetOrdersByUser(ctx context.Context, userID int) ([]model.Order, error) {
	getOrders := `
        SELECT order_id, user_id, kind, status, amount, points, game_ref, game_uid, created_at, updated_at
        FROM orders
        WHERE user_id = $1
        ORDER BY created_at DESC
    `
	rows, err := r.DB.QueryContext(ctx, getOrders, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var order model.Order
		err := rows.Scan(&order.ID, &order.UserID, &order.Kind, &order.Status, &order.Amount,
			&order.Points, &order.GameRef, &order.GameUID, &order.CreatedAt, &order.UpdatedAt)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return orders, nil
}

// ClaimOrder is the at-most-once gate: the conditional update succeeds for
// exactly one of any number of concurrent callers.
func (r *Database) ClaimOrder(ctx context.Context, id int) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE orders SET status = $1, updated_at = now() at time zone 'utc'
		WHERE order_id = $2 AND status = $3`,
		model.OrderProcessing, id, model.OrderPending)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (r *Database) ReleaseOrder(ctx context.Context, id int) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE orders SET status = $1, updated_at = now() at time zone 'utc'
		WHERE order_id = $2 AND status = $3`,
		model.OrderPending, id, model.OrderProcessing)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("release order %d: %w", id, model.ErrInvalidStateTransition)
	}
	return nil
}

func (r *Database) CancelOrder(ctx context.Context, id int) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE orders SET status = $1, updated_at = now() at time zone 'utc'
		WHERE order_id = $2 AND status = $3`,
		model.OrderCancelled, id, model.OrderPending)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}
