package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"topup-market/internal/logging"
	"topup-market/internal/model"
	"topup-market/internal/pipeline"
)

var ErrFailCommTrans = errors.New("failed to commit transaction")

// Settle is the one atomic settlement unit: it locks the user row, appends
// the ledger entry with before/after snapshots, moves the cached balance,
// and flips slip -> verified, order -> completed. The row lock serializes
// settlements per user, so points_before always equals the balance at the
// instant of the append.
func (r *Database) Settle(ctx context.Context, p pipeline.SettleParams) (*model.LedgerEntry, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
			logging.Logg.Error("Settlement transaction rolled back", "slip", p.SlipID, "order", p.OrderID, "error", err)
		}
	}()

	var before decimal.Decimal
	err = tx.QueryRowContext(ctx,
		`SELECT points FROM users WHERE user_id = $1 FOR UPDATE`, p.UserID).Scan(&before)
	if err != nil {
		return nil, err
	}
	after := before.Add(p.Amount)

	entry := model.LedgerEntry{
		Code:         p.Code,
		UserID:       p.UserID,
		Kind:         p.Kind,
		Amount:       p.Amount,
		PointsBefore: before,
		PointsAfter:  after,
		ReferenceID:  p.OrderID,
		Description:  p.Description,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO transactions (entry_code, user_id, kind, amount, points_before, points_after, reference_id, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`,
		entry.Code, entry.UserID, entry.Kind, entry.Amount, entry.PointsBefore, entry.PointsAfter,
		entry.ReferenceID, entry.Description).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `UPDATE users SET points = $1 WHERE user_id = $2`, after, p.UserID)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE slips SET status = $1, verified_at = now() at time zone 'utc', error_message = ''
		WHERE slip_id = $2 AND status = $3`,
		model.SlipVerified, p.SlipID, model.SlipPending)
	if err != nil {
		return nil, err
	}
	if err = requireOneRow(res.RowsAffected()); err != nil {
		err = fmt.Errorf("slip %d: %w", p.SlipID, err)
		return nil, err
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE orders SET status = $1, updated_at = now() at time zone 'utc'
		WHERE order_id = $2 AND status = $3`,
		model.OrderCompleted, p.OrderID, model.OrderProcessing)
	if err != nil {
		return nil, err
	}
	if err = requireOneRow(res.RowsAffected()); err != nil {
		err = fmt.Errorf("order %d: %w", p.OrderID, err)
		return nil, err
	}

	err = tx.Commit()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailCommTrans, err)
	}
	return &entry, nil
}

// Adjust is the administrative ledger path: same user-row lock, no slip or
// order involved.
func (r *Database) Adjust(ctx context.Context, userID int, amount decimal.Decimal, code, description string) (*model.LedgerEntry, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
			logging.Logg.Error("Adjustment transaction rolled back", "user", userID, "error", err)
		}
	}()

	var before decimal.Decimal
	err = tx.QueryRowContext(ctx,
		`SELECT points FROM users WHERE user_id = $1 FOR UPDATE`, userID).Scan(&before)
	if err != nil {
		return nil, err
	}
	after := before.Add(amount)

	entry := model.LedgerEntry{
		Code:         code,
		UserID:       userID,
		Kind:         model.LedgerAdjustment,
		Amount:       amount,
		PointsBefore: before,
		PointsAfter:  after,
		Description:  description,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO transactions (entry_code, user_id, kind, amount, points_before, points_after, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		entry.Code, entry.UserID, entry.Kind, entry.Amount, entry.PointsBefore, entry.PointsAfter,
		entry.Description).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `UPDATE users SET points = $1 WHERE user_id = $2`, after, userID)
	if err != nil {
		return nil, err
	}

	err = tx.Commit()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailCommTrans, err)
	}
	return &entry, nil
}

func (r *Database) ListEntries(ctx context.Context, userID int) ([]model.LedgerEntry, error) {
	listEntries := `
	SELECT id, entry_code, user_id, kind, amount, points_before, points_after, reference_id, description, created_at
	FROM transactions
	WHERE user_id = $1
    ORDER BY created_at DESC, id DESC`

	rows, err := r.DB.QueryContext(ctx, listEntries, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var entry model.LedgerEntry
		var refID *int
		err := rows.Scan(&entry.ID, &entry.Code, &entry.UserID, &entry.Kind, &entry.Amount,
			&entry.PointsBefore, &entry.PointsAfter, &refID, &entry.Description, &entry.CreatedAt)
		if err != nil {
			return nil, err
		}
		if refID != nil {
			entry.ReferenceID = *refID
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *Database) SumByKind(ctx context.Context, userID int, kind model.LedgerKind) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.DB.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
	        FROM transactions
	        WHERE user_id = $1 AND kind = $2`,
		userID, kind).Scan(&sum)
	if err != nil {
		return decimal.Zero, err
	}
	return sum, nil
}

func requireOneRow(affected int64, err error) error {
	if err != nil {
		return err
	}
	if affected != 1 {
		return model.ErrInvalidStateTransition
	}
	return nil
}
