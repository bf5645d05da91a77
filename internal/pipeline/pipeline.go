package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"topup-market/internal/logging"
	"topup-market/internal/model"
	"topup-market/internal/verifier"
)

const MaxSlipAge = 7 * 24 * time.Hour

// AmountEpsilon absorbs decimal rounding between the bank and the order,
// nothing more. 0.01 of a currency unit.
var AmountEpsilon = decimal.New(1, -2)

type OrderStore interface {
	CreateOrder(ctx context.Context, o *model.Order) (int, error)
	GetOrder(ctx context.Context, id int) (*model.Order, error)
	// ClaimOrder moves pending -> processing; false means the order was
	// no longer pending and someone else holds the slip.
	ClaimOrder(ctx context.Context, id int) (bool, error)
	// ReleaseOrder undoes a claim, processing -> pending.
	ReleaseOrder(ctx context.Context, id int) error
	CancelOrder(ctx context.Context, id int) (bool, error)
}

type SlipStore interface {
	CreateSlip(ctx context.Context, s *model.Slip) (int, error)
	GetSlip(ctx context.Context, id int) (*model.Slip, error)
	HasActiveSlip(ctx context.Context, orderID int) (bool, error)
	SaveVerifierResponse(ctx context.Context, slipID int, raw []byte) error
	SetSlipError(ctx context.Context, slipID int, message string) error
	// RejectSlip finalizes slip and order together: slip -> status,
	// order -> failed, in one storage transaction.
	RejectSlip(ctx context.Context, slipID, orderID int, status model.SlipStatus, reason string) error
}

// SettleParams describes the one atomic settlement write: ledger append,
// balance update, slip -> verified, order -> completed.
type SettleParams struct {
	SlipID      int
	OrderID     int
	UserID      int
	Amount      decimal.Decimal
	Kind        model.LedgerKind
	Code        string
	Description string
}

type LedgerStore interface {
	Settle(ctx context.Context, p SettleParams) (*model.LedgerEntry, error)
	Adjust(ctx context.Context, userID int, amount decimal.Decimal, code, description string) (*model.LedgerEntry, error)
}

type UserStore interface {
	GetUserByID(ctx context.Context, id int) (*model.User, error)
}

type Store interface {
	OrderStore
	SlipStore
	LedgerStore
	UserStore
}

// ReceiptVerifier is the external verification collaborator.
type ReceiptVerifier interface {
	VerifyReceipt(ctx context.Context, imageURL string) (*verifier.Result, error)
}

// FileResolver turns a slip's stored file key into a fetchable URL.
type FileResolver interface {
	ResolveURL(ctx context.Context, fileRef string) (string, error)
}

type Pipeline struct {
	store       Store
	verifier    ReceiptVerifier
	files       FileResolver
	shopBank    string
	shopAccount string
	now         func() time.Time
}

func New(store Store, v ReceiptVerifier, files FileResolver, shopBank, shopAccount string) *Pipeline {
	return &Pipeline{
		store:       store,
		verifier:    v,
		files:       files,
		shopBank:    shopBank,
		shopAccount: shopAccount,
		now:         time.Now,
	}
}

type SettlementResult struct {
	OrderID int                `json:"order_id"`
	SlipID  int                `json:"slip_id"`
	Entry   *model.LedgerEntry `json:"entry"`
}

// SubmitSlip registers an uploaded receipt against an order. orderID == 0 is
// the wallet flow: an implicit topup order is created for walletAmount so
// every slip always settles against exactly one order.
func (p *Pipeline) SubmitSlip(ctx context.Context, userID, orderID int, walletAmount decimal.Decimal, fileRef string) (int, error) {
	if strings.TrimSpace(fileRef) == "" {
		return 0, errors.New("file reference is required")
	}

	if orderID == 0 {
		if !walletAmount.IsPositive() {
			return 0, ErrInvalidAmount
		}
		order := &model.Order{
			UserID: userID,
			Kind:   model.KindTopup,
			Status: model.OrderPending,
			Amount: walletAmount,
			Points: walletAmount, // курс 1:1
		}
		id, err := p.store.CreateOrder(ctx, order)
		if err != nil {
			return 0, err
		}
		orderID = id
	} else {
		order, err := p.store.GetOrder(ctx, orderID)
		if err != nil {
			return 0, err
		}
		if order == nil {
			return 0, ErrOrderNotFound
		}
		if order.UserID != userID {
			return 0, ErrNotOrderOwner
		}
		if order.Status != model.OrderPending {
			return 0, fmt.Errorf("%w: order is %s", model.ErrInvalidStateTransition, order.Status)
		}
		active, err := p.store.HasActiveSlip(ctx, orderID)
		if err != nil {
			return 0, err
		}
		if active {
			return 0, ErrActiveSlipExists
		}
	}

	slip := &model.Slip{
		OrderID:    orderID,
		UserID:     userID,
		FileRef:    fileRef,
		Status:     model.SlipPending,
		UploadedAt: p.now(),
	}
	return p.store.CreateSlip(ctx, slip)
}

// VerifySlip runs the full verification pipeline for a pending slip: claim,
// external verification, cross-checks, settlement. On retryable failures the
// claim is released and the slip stays pending; on definitive failures the
// slip and order are finalized together.
func (p *Pipeline) VerifySlip(ctx context.Context, slipID, requestingUserID int) (*SettlementResult, error) {
	slip, err := p.store.GetSlip(ctx, slipID)
	if err != nil {
		return nil, err
	}
	if slip == nil {
		return nil, ErrSlipNotFound
	}

	order, err := p.store.GetOrder(ctx, slip.OrderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	if order.UserID != requestingUserID {
		return nil, ErrNotOrderOwner
	}
	if slip.Status != model.SlipPending {
		return nil, fmt.Errorf("%w: slip is %s", ErrSlipAlreadyProcessed, slip.Status)
	}

	// The conditional pending -> processing update is the at-most-once
	// gate: a concurrent invocation loses here, before any external work.
	claimed, err := p.store.ClaimOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, ErrSlipAlreadyProcessed
	}

	fileURL, err := p.files.ResolveURL(ctx, slip.FileRef)
	if err != nil {
		p.release(ctx, order.ID, slipID, "unresolvable file reference: "+err.Error())
		return nil, err
	}

	res, err := p.verifier.VerifyReceipt(ctx, fileURL)
	if err != nil {
		var rej *verifier.RejectionError
		switch {
		case errors.As(err, &rej):
			if saveErr := p.store.SaveVerifierResponse(ctx, slipID, rej.Raw); saveErr != nil {
				logging.Logg.Error("Failed to save verifier response", "slip", slipID, "error", saveErr)
			}
			if rejErr := p.store.RejectSlip(ctx, slipID, order.ID, model.SlipRejected, rej.Message); rejErr != nil {
				return nil, rejErr
			}
			return nil, fmt.Errorf("%w: %s", ErrVerifierRejected, rej.Message)

		case errors.Is(err, verifier.ErrUnavailable):
			p.release(ctx, order.ID, slipID, "verification service unavailable")
			return nil, fmt.Errorf("%w: %v", ErrVerifierUnavailable, err)

		default:
			p.release(ctx, order.ID, slipID, err.Error())
			return nil, err
		}
	}

	// Raw response is the audit trail, stored whatever the outcome.
	if err := p.store.SaveVerifierResponse(ctx, slipID, res.Raw); err != nil {
		logging.Logg.Error("Failed to save verifier response", "slip", slipID, "error", err)
	}

	if res.Duplicate {
		if err := p.store.RejectSlip(ctx, slipID, order.ID, model.SlipDuplicate, "receipt already used"); err != nil {
			return nil, err
		}
		return nil, ErrDuplicateReceipt
	}

	if err := p.crossCheck(res, order); err != nil {
		if rejErr := p.store.RejectSlip(ctx, slipID, order.ID, model.SlipRejected, err.Error()); rejErr != nil {
			return nil, rejErr
		}
		return nil, err
	}

	entry, err := p.store.Settle(ctx, SettleParams{
		SlipID:      slipID,
		OrderID:     order.ID,
		UserID:      order.UserID,
		Amount:      order.Points,
		Kind:        ledgerKindFor(order.Kind),
		Code:        uuid.NewString(),
		Description: fmt.Sprintf("verified payment for order %d, transaction %s", order.ID, res.TransactionID),
	})
	if err != nil {
		// Partial-write condition. Roll the claim back so the slip can be
		// retried; never leave a completed order without its ledger entry.
		logging.Logg.Error("Settlement failed, releasing claim",
			"slip", slipID,
			"order", order.ID,
			"user", order.UserID,
			"amount", order.Points.String(),
			"error", err,
		)
		p.release(ctx, order.ID, slipID, "settlement failed, safe to retry")
		return nil, fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}

	logging.Logg.Info("Slip settled",
		"slip", slipID,
		"order", order.ID,
		"user", order.UserID,
		"points_before", entry.PointsBefore.String(),
		"points_after", entry.PointsAfter.String(),
	)
	return &SettlementResult{OrderID: order.ID, SlipID: slipID, Entry: entry}, nil
}

// GetOrderStatus returns the order after an ownership check.
func (p *Pipeline) GetOrderStatus(ctx context.Context, orderID, requestingUserID int) (*model.Order, error) {
	order, err := p.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	if order.UserID != requestingUserID {
		return nil, ErrNotOrderOwner
	}
	return order, nil
}

// CancelOrder is the administrative override: pending -> cancelled only.
func (p *Pipeline) CancelOrder(ctx context.Context, orderID int) error {
	order, err := p.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order == nil {
		return ErrOrderNotFound
	}
	cancelled, err := p.store.CancelOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if !cancelled {
		return fmt.Errorf("%w: order is %s", model.ErrInvalidStateTransition, order.Status)
	}
	return nil
}

// AdjustPoints is the administrative ledger path. It goes through the same
// per-user settlement lock as VerifySlip.
func (p *Pipeline) AdjustPoints(ctx context.Context, userID int, amount decimal.Decimal, description string) (*model.LedgerEntry, error) {
	user, err := p.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	if amount.IsZero() {
		return nil, ErrInvalidAmount
	}
	return p.store.Adjust(ctx, userID, amount, uuid.NewString(), description)
}

func (p *Pipeline) release(ctx context.Context, orderID, slipID int, reason string) {
	if err := p.store.ReleaseOrder(ctx, orderID); err != nil {
		logging.Logg.Error("Failed to release claimed order", "order", orderID, "error", err)
	}
	if err := p.store.SetSlipError(ctx, slipID, reason); err != nil {
		logging.Logg.Error("Failed to record slip error", "slip", slipID, "error", err)
	}
}

// crossCheck validates the verified payment against the order. Failures
// accumulate so the user sees every reason at once.
func (p *Pipeline) crossCheck(res *verifier.Result, order *model.Order) error {
	var errs []error

	if res.Amount.Sub(order.Amount).Abs().GreaterThan(AmountEpsilon) {
		errs = append(errs, fmt.Errorf("%w: paid %s, expected %s",
			ErrAmountMismatch, res.Amount.StringFixed(2), order.Amount.StringFixed(2)))
	}

	if !fieldMatches(res.ReceiverBank, p.shopBank) || !fieldMatches(res.ReceiverName, p.shopAccount) {
		errs = append(errs, fmt.Errorf("%w: got %q / %q",
			ErrReceiverMismatch, res.ReceiverBank, res.ReceiverName))
	}

	now := p.now()
	if res.TransactionDate.After(now) {
		errs = append(errs, fmt.Errorf("%w: transaction is dated in the future", ErrStaleTransaction))
	} else if now.Sub(res.TransactionDate) > MaxSlipAge {
		errs = append(errs, fmt.Errorf("%w: transaction is older than %d days",
			ErrStaleTransaction, int(MaxSlipAge.Hours()/24)))
	}

	return errors.Join(errs...)
}

func ledgerKindFor(kind model.OrderKind) model.LedgerKind {
	if kind == model.KindPurchase {
		return model.LedgerPurchase
	}
	return model.LedgerTopup
}

// fieldMatches compares bank-formatted names: case-insensitive, whitespace
// collapsed, and substring in either direction, since banks abbreviate
// account names inconsistently.
func fieldMatches(got, want string) bool {
	a := normalize(got)
	b := normalize(want)
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
