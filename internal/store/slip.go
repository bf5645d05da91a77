package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"topup-market/internal/logging"
	"topup-market/internal/model"
)

var ErrSlipNotFound = errors.New("slip not found")
var ErrActiveSlipExists = errors.New("order already has an active slip")

func (r *Database) CreateSlip(ctx context.Context, s *model.Slip) (int, error) {
	createSlip := `INSERT INTO slips(order_id, user_id, file_ref, status, uploaded_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING slip_id`

	var id int

	err := r.DB.QueryRowContext(ctx, createSlip,
		s.OrderID, s.UserID, s.FileRef, model.SlipPending, s.UploadedAt).Scan(&id)
	if err != nil {
		// partial unique index on non-rejected slips
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, ErrActiveSlipExists
		}
		return 0, err
	}
	s.ID = id
	return id, nil
}

// GetSlip returns (nil, nil) for a missing slip; the pipeline maps that to
// its own typed error.
func (r *Database) GetSlip(ctx context.Context, id int) (*model.Slip, error) {
	var slip model.Slip
	var raw sql.NullString
	var verifiedAt sql.NullTime
	err := r.DB.QueryRowContext(ctx, `
		SELECT slip_id, order_id, user_id, file_ref, status, raw_response, error_message, uploaded_at, verified_at
		FROM slips WHERE slip_id = $1`, id).
		Scan(&slip.ID, &slip.OrderID, &slip.UserID, &slip.FileRef, &slip.Status,
			&raw, &slip.ErrorMessage, &slip.UploadedAt, &verifiedAt)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if raw.Valid {
		slip.RawResponse = []byte(raw.String)
	}
	if verifiedAt.Valid {
		slip.VerifiedAt = &verifiedAt.Time
	}
	return &slip, nil
}

func (r *Database) HasActiveSlip(ctx context.Context, orderID int) (bool, error) {
	var exists bool
	err := r.DB.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM slips WHERE order_id = $1 AND status <> $2)`,
		orderID, model.SlipRejected).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (r *Database) SaveVerifierResponse(ctx context.Context, slipID int, raw []byte) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE slips SET raw_response = $1 WHERE slip_id = $2`, string(raw), slipID)
	return err
}

func (r *Database) SetSlipError(ctx context.Context, slipID int, message string) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE slips SET error_message = $1 WHERE slip_id = $2`, message, slipID)
	return err
}

// RejectSlip finalizes a failed verification: the slip becomes terminal and
// the order fails, in one transaction. The conditional updates keep terminal
// rows immutable.
func (r *Database) RejectSlip(ctx context.Context, slipID, orderID int, status model.SlipStatus, reason string) error {
	if !model.SlipPending.CanTransition(status) {
		return model.ErrInvalidStateTransition
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
			logging.Logg.Error("Failed to finalize rejected slip", "slip", slipID, "error", err)
		}
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE slips SET status = $1, error_message = $2, verified_at = now() at time zone 'utc'
		WHERE slip_id = $3 AND status = $4`,
		status, reason, slipID, model.SlipPending)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		err = model.ErrInvalidStateTransition
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders SET status = $1, updated_at = now() at time zone 'utc'
		WHERE order_id = $2 AND status = $3`,
		model.OrderFailed, orderID, model.OrderProcessing)
	if err != nil {
		return err
	}

	err = tx.Commit()
	return err
}
