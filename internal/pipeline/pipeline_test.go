package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"topup-market/internal/logging"
	"topup-market/internal/model"
	"topup-market/internal/verifier"
)

func init() {
	logging.Logg = logging.NewLogger("error", "text")
}

type fakeStore struct {
	mu        sync.Mutex
	users     map[int]*model.User
	orders    map[int]*model.Order
	slips     map[int]*model.Slip
	entries   []model.LedgerEntry
	nextOrder int
	nextSlip  int
	settleErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:     make(map[int]*model.User),
		orders:    make(map[int]*model.Order),
		slips:     make(map[int]*model.Slip),
		nextOrder: 1,
		nextSlip:  1,
	}
}

func (f *fakeStore) CreateOrder(_ context.Context, o *model.Order) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o.ID = f.nextOrder
	f.nextOrder++
	cp := *o
	f.orders[cp.ID] = &cp
	return cp.ID, nil
}

func (f *fakeStore) GetOrder(_ context.Context, id int) (*model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (f *fakeStore) ClaimOrder(_ context.Context, id int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok || o.Status != model.OrderPending {
		return false, nil
	}
	o.Status = model.OrderProcessing
	return true, nil
}

func (f *fakeStore) ReleaseOrder(_ context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok || o.Status != model.OrderProcessing {
		return fmt.Errorf("order %d is not claimed", id)
	}
	o.Status = model.OrderPending
	return nil
}

func (f *fakeStore) CancelOrder(_ context.Context, id int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok || o.Status != model.OrderPending {
		return false, nil
	}
	o.Status = model.OrderCancelled
	return true, nil
}

func (f *fakeStore) CreateSlip(_ context.Context, s *model.Slip) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s.ID = f.nextSlip
	f.nextSlip++
	cp := *s
	f.slips[cp.ID] = &cp
	return cp.ID, nil
}

func (f *fakeStore) GetSlip(_ context.Context, id int) (*model.Slip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.slips[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) HasActiveSlip(_ context.Context, orderID int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.slips {
		if s.OrderID == orderID && s.Status != model.SlipRejected {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) SaveVerifierResponse(_ context.Context, slipID int, raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slips[slipID].RawResponse = raw
	return nil
}

func (f *fakeStore) SetSlipError(_ context.Context, slipID int, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slips[slipID].ErrorMessage = message
	return nil
}

func (f *fakeStore) RejectSlip(_ context.Context, slipID, orderID int, status model.SlipStatus, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.slips[slipID]
	if !s.Status.CanTransition(status) {
		return model.ErrInvalidStateTransition
	}
	now := time.Now()
	s.Status = status
	s.ErrorMessage = reason
	s.VerifiedAt = &now
	f.orders[orderID].Status = model.OrderFailed
	return nil
}

func (f *fakeStore) Settle(_ context.Context, p SettleParams) (*model.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settleErr != nil {
		return nil, f.settleErr
	}
	user := f.users[p.UserID]
	before := user.Points
	after := before.Add(p.Amount)

	entry := model.LedgerEntry{
		ID:           len(f.entries) + 1,
		Code:         p.Code,
		UserID:       p.UserID,
		Kind:         p.Kind,
		Amount:       p.Amount,
		PointsBefore: before,
		PointsAfter:  after,
		ReferenceID:  p.OrderID,
		Description:  p.Description,
		CreatedAt:    time.Now(),
	}
	f.entries = append(f.entries, entry)
	user.Points = after

	now := time.Now()
	f.slips[p.SlipID].Status = model.SlipVerified
	f.slips[p.SlipID].VerifiedAt = &now
	f.orders[p.OrderID].Status = model.OrderCompleted
	return &entry, nil
}

func (f *fakeStore) Adjust(_ context.Context, userID int, amount decimal.Decimal, code, description string) (*model.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := f.users[userID]
	before := user.Points
	after := before.Add(amount)
	entry := model.LedgerEntry{
		ID:           len(f.entries) + 1,
		Code:         code,
		UserID:       userID,
		Kind:         model.LedgerAdjustment,
		Amount:       amount,
		PointsBefore: before,
		PointsAfter:  after,
		Description:  description,
		CreatedAt:    time.Now(),
	}
	f.entries = append(f.entries, entry)
	user.Points = after
	return &entry, nil
}

func (f *fakeStore) GetUserByID(_ context.Context, id int) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

type fakeVerifier struct {
	res *verifier.Result
	err error
}

func (v *fakeVerifier) VerifyReceipt(context.Context, string) (*verifier.Result, error) {
	return v.res, v.err
}

type fakeResolver struct{}

func (fakeResolver) ResolveURL(_ context.Context, ref string) (string, error) {
	return "http://files.local/" + ref, nil
}

const (
	testUserID  = 7
	shopBank    = "KBANK"
	shopAccount = "TopUp Shop Co., Ltd."
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func goodResult(now time.Time, amount string) *verifier.Result {
	return &verifier.Result{
		TransactionID:   "TXN-001",
		TransactionDate: now.Add(-1 * time.Hour),
		Amount:          dec(amount),
		Currency:        "THB",
		SenderBank:      "SCB",
		SenderName:      "Somchai J",
		ReceiverBank:    "KBANK",
		ReceiverName:    "TOPUP SHOP CO",
		Raw:             json.RawMessage(`{"success":true}`),
	}
}

// setup creates a user with 250 points and a pending 500.00 topup order
// with a pending slip against it.
func setup(t *testing.T, v ReceiptVerifier) (*Pipeline, *fakeStore, int, time.Time) {
	t.Helper()
	now := time.Date(2025, 11, 10, 12, 0, 0, 0, time.UTC)

	store := newFakeStore()
	store.users[testUserID] = &model.User{ID: testUserID, Username: "somchai", Role: model.RoleUser, Points: dec("250")}

	p := New(store, v, fakeResolver{}, shopBank, shopAccount)
	p.now = func() time.Time { return now }

	orderID, err := store.CreateOrder(context.Background(), &model.Order{
		UserID: testUserID,
		Kind:   model.KindTopup,
		Status: model.OrderPending,
		Amount: dec("500.00"),
		Points: dec("500.00"),
	})
	require.NoError(t, err)

	slipID, err := p.SubmitSlip(context.Background(), testUserID, orderID, decimal.Zero, "slips/abc.jpg")
	require.NoError(t, err)
	return p, store, slipID, now
}

func TestVerifySlipSuccess(t *testing.T) {
	var v fakeVerifier
	p, store, slipID, now := setup(t, &v)
	v.res = goodResult(now, "500.00")

	res, err := p.VerifySlip(context.Background(), slipID, testUserID)
	require.NoError(t, err)
	require.Equal(t, slipID, res.SlipID)
	require.True(t, res.Entry.PointsBefore.Equal(dec("250")))
	require.True(t, res.Entry.PointsAfter.Equal(dec("750")))
	require.Equal(t, model.LedgerTopup, res.Entry.Kind)
	require.NotEmpty(t, res.Entry.Code)

	slip, _ := store.GetSlip(context.Background(), slipID)
	require.Equal(t, model.SlipVerified, slip.Status)
	require.NotNil(t, slip.VerifiedAt)
	require.NotEmpty(t, slip.RawResponse)

	order, _ := store.GetOrder(context.Background(), res.OrderID)
	require.Equal(t, model.OrderCompleted, order.Status)

	user, _ := store.GetUserByID(context.Background(), testUserID)
	require.True(t, user.Points.Equal(dec("750")))
}

func TestAmountTolerance(t *testing.T) {
	cases := []struct {
		amount string
		ok     bool
	}{
		{"500.00", true},
		{"499.99", true}, // within 0.01
		{"500.01", true},
		{"499.98", false},
		{"500.02", false},
		{"450.00", false},
	}
	for _, tc := range cases {
		t.Run(tc.amount, func(t *testing.T) {
			var v fakeVerifier
			p, store, slipID, now := setup(t, &v)
			v.res = goodResult(now, tc.amount)

			_, err := p.VerifySlip(context.Background(), slipID, testUserID)
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrAmountMismatch)

			slip, _ := store.GetSlip(context.Background(), slipID)
			require.Equal(t, model.SlipRejected, slip.Status)
			order, _ := store.GetOrder(context.Background(), slip.OrderID)
			require.Equal(t, model.OrderFailed, order.Status)
			require.Empty(t, store.entries)
			user, _ := store.GetUserByID(context.Background(), testUserID)
			require.True(t, user.Points.Equal(dec("250")), "balance must be unchanged")
		})
	}
}

func TestReceiverMismatch(t *testing.T) {
	var v fakeVerifier
	p, store, slipID, now := setup(t, &v)
	res := goodResult(now, "500.00")
	res.ReceiverBank = "SCB"
	res.ReceiverName = "Somebody Else"
	v.res = res

	_, err := p.VerifySlip(context.Background(), slipID, testUserID)
	require.ErrorIs(t, err, ErrReceiverMismatch)

	slip, _ := store.GetSlip(context.Background(), slipID)
	require.Equal(t, model.SlipRejected, slip.Status)
}

func TestReceiverMatchingIsLenient(t *testing.T) {
	cases := []struct {
		got, want string
		match     bool
	}{
		{"KBANK", "kbank", true},
		{"  TopUp   Shop  Co ", "topup shop co., ltd.", true}, // whitespace collapsed, prefix of configured
		{"TOPUP SHOP CO., LTD.", "TopUp Shop Co", true},       // verified name contains configured prefix
		{"TopUp Shop", "TopUp Shop Co., Ltd.", true},          // configured contains abbreviated
		{"", "KBANK", false},
		{"KBANK", "", false},
		{"SCB", "KBANK", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.match, fieldMatches(tc.got, tc.want), "%q vs %q", tc.got, tc.want)
	}
}

func TestStalenessBoundary(t *testing.T) {
	cases := []struct {
		name string
		age  time.Duration
		ok   bool
	}{
		{"today", time.Hour, true},
		{"exactly seven days", 7 * 24 * time.Hour, true},
		{"seven days and a second", 7*24*time.Hour + time.Second, false},
		{"future", -time.Minute, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var v fakeVerifier
			p, _, slipID, now := setup(t, &v)
			res := goodResult(now, "500.00")
			res.TransactionDate = now.Add(-tc.age)
			v.res = res

			_, err := p.VerifySlip(context.Background(), slipID, testUserID)
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrStaleTransaction)
			}
		})
	}
}

func TestValidationErrorsAccumulate(t *testing.T) {
	var v fakeVerifier
	p, store, slipID, now := setup(t, &v)
	res := goodResult(now, "123.00")
	res.ReceiverBank = "SCB"
	res.ReceiverName = "Wrong Name"
	res.TransactionDate = now.Add(-8 * 24 * time.Hour)
	v.res = res

	_, err := p.VerifySlip(context.Background(), slipID, testUserID)
	require.ErrorIs(t, err, ErrAmountMismatch)
	require.ErrorIs(t, err, ErrReceiverMismatch)
	require.ErrorIs(t, err, ErrStaleTransaction)

	slip, _ := store.GetSlip(context.Background(), slipID)
	require.Contains(t, slip.ErrorMessage, "paid")
	require.Contains(t, slip.ErrorMessage, "receiver")
}

func TestDuplicateReceipt(t *testing.T) {
	var v fakeVerifier
	p, store, slipID, now := setup(t, &v)
	res := goodResult(now, "500.00")
	res.Duplicate = true
	v.res = res

	_, err := p.VerifySlip(context.Background(), slipID, testUserID)
	require.ErrorIs(t, err, ErrDuplicateReceipt)
	require.NotErrorIs(t, err, ErrVerifierRejected, "duplicate must be distinct from rejection")

	slip, _ := store.GetSlip(context.Background(), slipID)
	require.Equal(t, model.SlipDuplicate, slip.Status)
	order, _ := store.GetOrder(context.Background(), slip.OrderID)
	require.Equal(t, model.OrderFailed, order.Status)
	require.Empty(t, store.entries)
}

func TestVerifierRejection(t *testing.T) {
	v := &fakeVerifier{err: &verifier.RejectionError{
		Code:    "invalid_image",
		Message: "image is not a payment slip",
		Raw:     json.RawMessage(`{"success":false,"code":"invalid_image"}`),
	}}
	p, store, slipID, _ := setup(t, v)

	_, err := p.VerifySlip(context.Background(), slipID, testUserID)
	require.ErrorIs(t, err, ErrVerifierRejected)

	slip, _ := store.GetSlip(context.Background(), slipID)
	require.Equal(t, model.SlipRejected, slip.Status)
	require.Contains(t, slip.ErrorMessage, "image is not a payment slip")
	require.NotEmpty(t, slip.RawResponse, "raw response must be kept for audit")
}

func TestVerifierUnavailableLeavesSlipPending(t *testing.T) {
	v := &fakeVerifier{err: fmt.Errorf("%w: connection refused", verifier.ErrUnavailable)}
	p, store, slipID, _ := setup(t, v)

	_, err := p.VerifySlip(context.Background(), slipID, testUserID)
	require.ErrorIs(t, err, ErrVerifierUnavailable)

	slip, _ := store.GetSlip(context.Background(), slipID)
	require.Equal(t, model.SlipPending, slip.Status, "retryable failure must not finalize the slip")
	order, _ := store.GetOrder(context.Background(), slip.OrderID)
	require.Equal(t, model.OrderPending, order.Status, "claim must be released")
	require.Empty(t, store.entries)
}

func TestSettlementFailureRollsBack(t *testing.T) {
	var v fakeVerifier
	p, store, slipID, now := setup(t, &v)
	v.res = goodResult(now, "500.00")
	store.settleErr = errors.New("connection reset during commit")

	_, err := p.VerifySlip(context.Background(), slipID, testUserID)
	require.ErrorIs(t, err, ErrSettlementFailed)

	slip, _ := store.GetSlip(context.Background(), slipID)
	require.Equal(t, model.SlipPending, slip.Status)
	require.Contains(t, slip.ErrorMessage, "safe to retry")
	order, _ := store.GetOrder(context.Background(), slip.OrderID)
	require.Equal(t, model.OrderPending, order.Status)
	require.Empty(t, store.entries)
	user, _ := store.GetUserByID(context.Background(), testUserID)
	require.True(t, user.Points.Equal(dec("250")))
}

func TestConcurrentVerifySettlesOnce(t *testing.T) {
	var v fakeVerifier
	p, store, slipID, now := setup(t, &v)
	v.res = goodResult(now, "500.00")

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.VerifySlip(context.Background(), slipID, testUserID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, alreadyProcessed int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrSlipAlreadyProcessed):
			alreadyProcessed++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, alreadyProcessed)
	require.Len(t, store.entries, 1, "exactly one ledger entry")

	user, _ := store.GetUserByID(context.Background(), testUserID)
	require.True(t, user.Points.Equal(dec("750")))
}

func TestVerifyTerminalSlip(t *testing.T) {
	var v fakeVerifier
	p, _, slipID, now := setup(t, &v)
	v.res = goodResult(now, "500.00")

	_, err := p.VerifySlip(context.Background(), slipID, testUserID)
	require.NoError(t, err)

	_, err = p.VerifySlip(context.Background(), slipID, testUserID)
	require.ErrorIs(t, err, ErrSlipAlreadyProcessed)
}

func TestVerifyNotOwner(t *testing.T) {
	var v fakeVerifier
	p, store, slipID, now := setup(t, &v)
	v.res = goodResult(now, "500.00")
	store.users[8] = &model.User{ID: 8, Username: "other", Points: decimal.Zero}

	_, err := p.VerifySlip(context.Background(), slipID, 8)
	require.ErrorIs(t, err, ErrNotOrderOwner)
}

func TestVerifySlipNotFound(t *testing.T) {
	var v fakeVerifier
	p, _, _, _ := setup(t, &v)

	_, err := p.VerifySlip(context.Background(), 9999, testUserID)
	require.ErrorIs(t, err, ErrSlipNotFound)
}

func TestSubmitSlipWalletFlow(t *testing.T) {
	var v fakeVerifier
	p, store, _, now := setup(t, &v)

	slipID, err := p.SubmitSlip(context.Background(), testUserID, 0, dec("300"), "slips/wallet.jpg")
	require.NoError(t, err)

	slip, _ := store.GetSlip(context.Background(), slipID)
	require.NotZero(t, slip.OrderID, "wallet slip settles against an implicit order")

	order, _ := store.GetOrder(context.Background(), slip.OrderID)
	require.Equal(t, model.KindTopup, order.Kind)
	require.Equal(t, model.OrderPending, order.Status)
	require.True(t, order.Amount.Equal(dec("300")))
	require.True(t, order.Points.Equal(dec("300")))

	res := goodResult(now, "300.00")
	v.res = res
	settled, err := p.VerifySlip(context.Background(), slipID, testUserID)
	require.NoError(t, err)
	require.True(t, settled.Entry.PointsAfter.Equal(dec("550")))
}

func TestSubmitSlipWalletFlowRequiresPositiveAmount(t *testing.T) {
	var v fakeVerifier
	p, _, _, _ := setup(t, &v)

	_, err := p.SubmitSlip(context.Background(), testUserID, 0, decimal.Zero, "slips/x.jpg")
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = p.SubmitSlip(context.Background(), testUserID, 0, dec("-5"), "slips/x.jpg")
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestSubmitSlipRejectsSecondActiveSlip(t *testing.T) {
	var v fakeVerifier
	p, store, slipID, _ := setup(t, &v)

	slip, _ := store.GetSlip(context.Background(), slipID)
	_, err := p.SubmitSlip(context.Background(), testUserID, slip.OrderID, decimal.Zero, "slips/second.jpg")
	require.ErrorIs(t, err, ErrActiveSlipExists)
}

func TestSubmitSlipOrderNotPending(t *testing.T) {
	var v fakeVerifier
	p, store, _, _ := setup(t, &v)

	orderID, err := store.CreateOrder(context.Background(), &model.Order{
		UserID: testUserID,
		Kind:   model.KindTopup,
		Status: model.OrderPending,
		Amount: dec("100"),
		Points: dec("100"),
	})
	require.NoError(t, err)
	_, err = store.CancelOrder(context.Background(), orderID)
	require.NoError(t, err)

	_, err = p.SubmitSlip(context.Background(), testUserID, orderID, decimal.Zero, "slips/x.jpg")
	require.ErrorIs(t, err, model.ErrInvalidStateTransition)
}

func TestLedgerChainStaysConsistent(t *testing.T) {
	var v fakeVerifier
	p, store, slipID, now := setup(t, &v)
	v.res = goodResult(now, "500.00")

	_, err := p.VerifySlip(context.Background(), slipID, testUserID)
	require.NoError(t, err)

	for _, amount := range []string{"100.00", "250.00"} {
		id, err := p.SubmitSlip(context.Background(), testUserID, 0, dec(amount), "slips/"+amount+".jpg")
		require.NoError(t, err)
		v.res = goodResult(now, amount)
		_, err = p.VerifySlip(context.Background(), id, testUserID)
		require.NoError(t, err)
	}

	_, err = p.AdjustPoints(context.Background(), testUserID, dec("-50"), "support correction")
	require.NoError(t, err)

	// pointsAfter of entry i equals pointsBefore of entry i+1, and the
	// fold of all entries reproduces the cached balance
	balance := dec("250")
	for i, e := range store.entries {
		require.True(t, e.PointsBefore.Equal(balance), "entry %d before", i)
		balance = balance.Add(e.Amount)
		require.True(t, e.PointsAfter.Equal(balance), "entry %d after", i)
	}
	user, _ := store.GetUserByID(context.Background(), testUserID)
	require.True(t, user.Points.Equal(balance))
}

func TestGetOrderStatus(t *testing.T) {
	var v fakeVerifier
	p, store, slipID, _ := setup(t, &v)
	slip, _ := store.GetSlip(context.Background(), slipID)

	order, err := p.GetOrderStatus(context.Background(), slip.OrderID, testUserID)
	require.NoError(t, err)
	require.Equal(t, model.OrderPending, order.Status)

	_, err = p.GetOrderStatus(context.Background(), slip.OrderID, 999)
	require.ErrorIs(t, err, ErrNotOrderOwner)

	_, err = p.GetOrderStatus(context.Background(), 9999, testUserID)
	require.ErrorIs(t, err, ErrOrderNotFound)
}

func TestCancelOrder(t *testing.T) {
	var v fakeVerifier
	p, store, slipID, now := setup(t, &v)

	orderID, err := store.CreateOrder(context.Background(), &model.Order{
		UserID: testUserID,
		Kind:   model.KindPurchase,
		Status: model.OrderPending,
		Amount: dec("900"),
		Points: dec("900"),
	})
	require.NoError(t, err)
	require.NoError(t, p.CancelOrder(context.Background(), orderID))

	order, _ := store.GetOrder(context.Background(), orderID)
	require.Equal(t, model.OrderCancelled, order.Status)

	// completed orders cannot be cancelled
	v.res = goodResult(now, "500.00")
	res, err := p.VerifySlip(context.Background(), slipID, testUserID)
	require.NoError(t, err)
	err = p.CancelOrder(context.Background(), res.OrderID)
	require.ErrorIs(t, err, model.ErrInvalidStateTransition)
}
