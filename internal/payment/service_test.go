package payment

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/url"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/zasshi/internal/model"
	"github.com/hitoshi/zasshi/internal/repository"
)

// --- モック ---

type mockVerifier struct {
	ok bool
}

func (m *mockVerifier) VerifySignature(form url.Values) bool { return m.ok }

type mockPaymentRepo struct {
	findByIDFn      func(ctx context.Context, id int64) (*model.Payment, error)
	findForUpdateFn func(ctx context.Context, q repository.Queryer, id int64) (*model.Payment, error)
	markSuccessFn   func(ctx context.Context, q repository.Queryer, id int64, transactionID, externalTransactionID string, paidAt time.Time) error
}

func (m *mockPaymentRepo) Create(ctx context.Context, p *model.Payment) error { return nil }
func (m *mockPaymentRepo) FindByID(ctx context.Context, id int64) (*model.Payment, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}
func (m *mockPaymentRepo) FindByIDForUpdate(ctx context.Context, q repository.Queryer, id int64) (*model.Payment, error) {
	if m.findForUpdateFn != nil {
		return m.findForUpdateFn(ctx, q, id)
	}
	return nil, nil
}
func (m *mockPaymentRepo) MarkSuccess(ctx context.Context, q repository.Queryer, id int64, transactionID, externalTransactionID string, paidAt time.Time) error {
	if m.markSuccessFn != nil {
		return m.markSuccessFn(ctx, q, id, transactionID, externalTransactionID, paidAt)
	}
	return nil
}

// mockTx はコミット・ロールバックの呼び出しだけを記録するトランザクション。
type mockTx struct {
	committed  bool
	rolledBack bool
}

func (m *mockTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return nil, nil
}
func (m *mockTx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return nil, nil
}
func (m *mockTx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return nil
}
func (m *mockTx) Commit() error {
	m.committed = true
	return nil
}
func (m *mockTx) Rollback() error {
	if !m.committed {
		m.rolledBack = true
	}
	return nil
}

type mockTxBeginner struct {
	tx *mockTx
}

func (m *mockTxBeginner) BeginTx(ctx context.Context, opts *sql.TxOptions) (repository.Tx, error) {
	if m.tx == nil {
		m.tx = &mockTx{}
	}
	return m.tx, nil
}

type mockActivator struct {
	activateFn func(ctx context.Context, q repository.Queryer, userID, tierID int64, paymentID *int64, cycle model.BillingCycle, start time.Time) (*model.UserMembership, error)
}

func (m *mockActivator) ActivateMembershipTx(ctx context.Context, q repository.Queryer, userID, tierID int64, paymentID *int64, cycle model.BillingCycle, start time.Time) (*model.UserMembership, error) {
	if m.activateFn != nil {
		return m.activateFn(ctx, q, userID, tierID, paymentID, cycle, start)
	}
	return &model.UserMembership{ID: 100, UserID: userID, TierID: tierID}, nil
}

type mockTierRepo struct {
	findByIDFn func(ctx context.Context, id int64) (*model.MemberTier, error)
}

func (m *mockTierRepo) FindByID(ctx context.Context, id int64) (*model.MemberTier, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}
func (m *mockTierRepo) ListActive(ctx context.Context) ([]*model.MemberTier, error) {
	return nil, nil
}

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func i64Ptr(v int64) *int64 { return &v }

func newTestService(payments *mockPaymentRepo, tiers *mockTierRepo, verifier *mockVerifier) *Service {
	if payments == nil {
		payments = &mockPaymentRepo{}
	}
	if tiers == nil {
		tiers = &mockTierRepo{}
	}
	if verifier == nil {
		verifier = &mockVerifier{ok: true}
	}
	return NewService(nil, payments, tiers, verifier, nil, slog.Default())
}

// --- ProcessCallback（トランザクション前の拒否経路） ---

func TestProcessCallback_InvalidSignature(t *testing.T) {
	svc := newTestService(nil, nil, &mockVerifier{ok: false})

	form := url.Values{}
	form.Set("out_trade_no", "55")
	form.Set("trade_status", "TRADE_SUCCESS")

	outcome, err := svc.ProcessCallback(context.Background(), form)
	if err != nil {
		t.Fatalf("ProcessCallback: %v", err)
	}
	if outcome.OK {
		t.Error("invalid signature must not be acknowledged with success")
	}
	if outcome.Reason != ReasonInvalidSignature {
		t.Errorf("Reason = %q, want %q", outcome.Reason, ReasonInvalidSignature)
	}
}

func TestProcessCallback_InvalidOrderID(t *testing.T) {
	svc := newTestService(nil, nil, &mockVerifier{ok: true})

	for _, orderID := range []string{"", "abc", "12.5"} {
		form := url.Values{}
		form.Set("out_trade_no", orderID)

		outcome, err := svc.ProcessCallback(context.Background(), form)
		if err != nil {
			t.Fatalf("ProcessCallback(%q): %v", orderID, err)
		}
		if outcome.OK || outcome.Reason != ReasonInvalidOrderID {
			t.Errorf("out_trade_no=%q: outcome = %+v, want invalid order id", orderID, outcome)
		}
	}
}

// --- ProcessCallback（トランザクション内の突合経路） ---

func successForm(orderID, amount string) url.Values {
	form := url.Values{}
	form.Set("out_trade_no", orderID)
	form.Set("trade_status", "TRADE_SUCCESS")
	form.Set("trade_no", "ali-2026031822001")
	form.Set("total_amount", amount)
	form.Set("gmt_payment", "2026-03-18 16:30:00")
	return form
}

func pendingPayment() *model.Payment {
	return &model.Payment{
		ID:     55,
		UserID: 42,
		TierID: i64Ptr(2),
		Amount: decimal.RequireFromString("39.00"),
		Status: model.PaymentStatusPending,
	}
}

func newCallbackService(db *mockTxBeginner, payments *mockPaymentRepo, tiers *mockTierRepo, activator *mockActivator) *Service {
	if tiers == nil {
		tiers = &mockTierRepo{
			findByIDFn: func(ctx context.Context, id int64) (*model.MemberTier, error) {
				return basicTier(), nil
			},
		}
	}
	if activator == nil {
		activator = &mockActivator{}
	}
	return NewService(db, payments, tiers, &mockVerifier{ok: true}, activator, slog.Default())
}

func TestProcessCallback_PaymentNotFound(t *testing.T) {
	db := &mockTxBeginner{}
	svc := newCallbackService(db, &mockPaymentRepo{}, nil, nil)

	outcome, err := svc.ProcessCallback(context.Background(), successForm("55", "39.00"))
	if err != nil {
		t.Fatalf("ProcessCallback: %v", err)
	}
	if outcome.OK || outcome.Reason != ReasonPaymentNotFound {
		t.Errorf("outcome = %+v, want payment not found", outcome)
	}
	if db.tx.committed {
		t.Error("transaction must not be committed for an unknown payment")
	}
}

func TestProcessCallback_AlreadyProcessedIsIdempotent(t *testing.T) {
	var marked, activated bool
	payments := &mockPaymentRepo{
		findForUpdateFn: func(ctx context.Context, q repository.Queryer, id int64) (*model.Payment, error) {
			p := pendingPayment()
			p.Status = model.PaymentStatusSuccess
			return p, nil
		},
		markSuccessFn: func(ctx context.Context, q repository.Queryer, id int64, transactionID, externalTransactionID string, paidAt time.Time) error {
			marked = true
			return nil
		},
	}
	activator := &mockActivator{
		activateFn: func(ctx context.Context, q repository.Queryer, userID, tierID int64, paymentID *int64, cycle model.BillingCycle, start time.Time) (*model.UserMembership, error) {
			activated = true
			return &model.UserMembership{ID: 100}, nil
		},
	}
	db := &mockTxBeginner{}
	svc := newCallbackService(db, payments, nil, activator)

	// 同一コールバックの再配送。successは終端状態で何も起きない
	outcome, err := svc.ProcessCallback(context.Background(), successForm("55", "39.00"))
	if err != nil {
		t.Fatalf("ProcessCallback: %v", err)
	}
	if !outcome.OK || outcome.Reason != ReasonAlreadyProcessed {
		t.Errorf("outcome = %+v, want already processed with success ack", outcome)
	}
	if marked || activated {
		t.Error("redelivered callback must not mutate the payment or grant a membership")
	}
	if db.tx.committed {
		t.Error("no commit is expected on the idempotent path")
	}
}

func TestProcessCallback_IntermediateStatusDefersToFinalNotice(t *testing.T) {
	var marked bool
	payments := &mockPaymentRepo{
		findForUpdateFn: func(ctx context.Context, q repository.Queryer, id int64) (*model.Payment, error) {
			return pendingPayment(), nil
		},
		markSuccessFn: func(ctx context.Context, q repository.Queryer, id int64, transactionID, externalTransactionID string, paidAt time.Time) error {
			marked = true
			return nil
		},
	}
	db := &mockTxBeginner{}
	svc := newCallbackService(db, payments, nil, nil)

	form := successForm("55", "39.00")
	form.Set("trade_status", "WAIT_BUYER_PAY")

	outcome, err := svc.ProcessCallback(context.Background(), form)
	if err != nil {
		t.Fatalf("ProcessCallback: %v", err)
	}
	if !outcome.OK || outcome.Reason != ReasonPending {
		t.Errorf("outcome = %+v, want pending with success ack", outcome)
	}
	if marked {
		t.Error("intermediate status must not mark the payment as success")
	}
}

func TestProcessCallback_ReconciliationGapCommitsWithoutActivation(t *testing.T) {
	var marked, activated bool
	payments := &mockPaymentRepo{
		findForUpdateFn: func(ctx context.Context, q repository.Queryer, id int64) (*model.Payment, error) {
			return pendingPayment(), nil
		},
		markSuccessFn: func(ctx context.Context, q repository.Queryer, id int64, transactionID, externalTransactionID string, paidAt time.Time) error {
			marked = true
			return nil
		},
	}
	activator := &mockActivator{
		activateFn: func(ctx context.Context, q repository.Queryer, userID, tierID int64, paymentID *int64, cycle model.BillingCycle, start time.Time) (*model.UserMembership, error) {
			activated = true
			return &model.UserMembership{ID: 100}, nil
		},
	}
	db := &mockTxBeginner{}
	svc := newCallbackService(db, payments, nil, activator)

	// 月額にも年額にも一致しない金額
	outcome, err := svc.ProcessCallback(context.Background(), successForm("55", "999.00"))
	if err != nil {
		t.Fatalf("ProcessCallback: %v", err)
	}
	if outcome.OK || outcome.Reason != ReasonCycleUnknown {
		t.Errorf("outcome = %+v, want cycle unknown", outcome)
	}
	// 支払い成功の記録自体は確定し、会員権だけが付与されない
	if !marked {
		t.Error("payment must still be marked success")
	}
	if !db.tx.committed {
		t.Error("transaction must be committed to persist the payment record")
	}
	if activated {
		t.Error("membership must not be granted when no cycle matches")
	}
}

func TestProcessCallback_ActivatesMembership(t *testing.T) {
	var gotTransactionID, gotExternalID string
	payments := &mockPaymentRepo{
		findForUpdateFn: func(ctx context.Context, q repository.Queryer, id int64) (*model.Payment, error) {
			return pendingPayment(), nil
		},
		markSuccessFn: func(ctx context.Context, q repository.Queryer, id int64, transactionID, externalTransactionID string, paidAt time.Time) error {
			gotTransactionID = transactionID
			gotExternalID = externalTransactionID
			return nil
		},
	}
	var gotUserID, gotTierID int64
	var gotPaymentID *int64
	var gotCycle model.BillingCycle
	activator := &mockActivator{
		activateFn: func(ctx context.Context, q repository.Queryer, userID, tierID int64, paymentID *int64, cycle model.BillingCycle, start time.Time) (*model.UserMembership, error) {
			gotUserID, gotTierID, gotPaymentID, gotCycle = userID, tierID, paymentID, cycle
			return &model.UserMembership{ID: 100, UserID: userID, TierID: tierID}, nil
		},
	}
	db := &mockTxBeginner{}
	svc := newCallbackService(db, payments, nil, activator)

	outcome, err := svc.ProcessCallback(context.Background(), successForm("55", "39.00"))
	if err != nil {
		t.Fatalf("ProcessCallback: %v", err)
	}
	if !outcome.OK {
		t.Fatalf("outcome = %+v, want success", outcome)
	}
	if outcome.MembershipID == nil || *outcome.MembershipID != 100 {
		t.Error("outcome must carry the granted membership ID")
	}
	if gotTransactionID != "55" || gotExternalID != "ali-2026031822001" {
		t.Errorf("transaction ids = %q/%q, want 55/ali-2026031822001", gotTransactionID, gotExternalID)
	}
	if gotUserID != 42 || gotTierID != 2 {
		t.Errorf("activated user/tier = %d/%d, want 42/2", gotUserID, gotTierID)
	}
	if gotPaymentID == nil || *gotPaymentID != 55 {
		t.Error("payment ID must be linked to the membership")
	}
	if gotCycle != model.BillingCycleMonthly {
		t.Errorf("cycle = %q, want monthly", gotCycle)
	}
	if !db.tx.committed {
		t.Error("transaction must be committed after activation")
	}
}

func TestProcessCallback_ActivationErrorRollsBack(t *testing.T) {
	payments := &mockPaymentRepo{
		findForUpdateFn: func(ctx context.Context, q repository.Queryer, id int64) (*model.Payment, error) {
			return pendingPayment(), nil
		},
	}
	activator := &mockActivator{
		activateFn: func(ctx context.Context, q repository.Queryer, userID, tierID int64, paymentID *int64, cycle model.BillingCycle, start time.Time) (*model.UserMembership, error) {
			return nil, errors.New("insert failed")
		},
	}
	db := &mockTxBeginner{}
	svc := newCallbackService(db, payments, nil, activator)

	if _, err := svc.ProcessCallback(context.Background(), successForm("55", "39.00")); err == nil {
		t.Fatal("expected error when activation fails")
	}
	if db.tx.committed {
		t.Error("transaction must not be committed when activation fails")
	}
	if !db.tx.rolledBack {
		t.Error("transaction must be rolled back when activation fails")
	}
}

// --- GetPayment ---

func TestGetPayment_NotFound(t *testing.T) {
	svc := newTestService(&mockPaymentRepo{}, nil, nil)

	_, err := svc.GetPayment(context.Background(), 99)
	if err == nil {
		t.Fatal("expected PAYMENT_NOT_FOUND")
	}
}

func TestGetPayment_Found(t *testing.T) {
	payments := &mockPaymentRepo{
		findByIDFn: func(ctx context.Context, id int64) (*model.Payment, error) {
			return &model.Payment{ID: id, Status: model.PaymentStatusPending}, nil
		},
	}
	svc := newTestService(payments, nil, nil)

	p, err := svc.GetPayment(context.Background(), 5)
	if err != nil {
		t.Fatalf("GetPayment: %v", err)
	}
	if p.ID != 5 {
		t.Errorf("ID = %d, want 5", p.ID)
	}
}

// --- parsePaidAt ---

func TestParsePaidAt_CSTConvertedToUTC(t *testing.T) {
	svc := newTestService(nil, nil, nil)

	// 北京時間 2026-03-18 16:30:00 = UTC 2026-03-18 08:30:00
	got := svc.parsePaidAt("2026-03-18 16:30:00")
	want := time.Date(2026, 3, 18, 8, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("parsePaidAt = %v, want %v", got, want)
	}
}

func TestParsePaidAt_FallbackToNow(t *testing.T) {
	svc := newTestService(nil, nil, nil)
	fixed := time.Date(2026, 3, 18, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	for _, input := range []string{"", "not-a-timestamp", "2026/03/18"} {
		if got := svc.parsePaidAt(input); !got.Equal(fixed) {
			t.Errorf("parsePaidAt(%q) = %v, want now", input, got)
		}
	}
}

// --- inferCycle ---

func basicTier() *model.MemberTier {
	return &model.MemberTier{
		ID:           2,
		Name:         "ベーシック",
		PriceMonthly: decPtr("39.00"),
		PriceYearly:  decPtr("399.00"),
		IsActive:     true,
	}
}

func TestInferCycle_MatchesMonthly(t *testing.T) {
	tiers := &mockTierRepo{
		findByIDFn: func(ctx context.Context, id int64) (*model.MemberTier, error) {
			return basicTier(), nil
		},
	}
	svc := newTestService(nil, tiers, nil)

	p := &model.Payment{TierID: i64Ptr(2), Amount: decimal.RequireFromString("39.00")}
	cycle, err := svc.inferCycle(context.Background(), p, "39.00")
	if err != nil {
		t.Fatalf("inferCycle: %v", err)
	}
	if cycle != model.BillingCycleMonthly {
		t.Errorf("cycle = %q, want monthly", cycle)
	}
}

func TestInferCycle_MatchesYearly(t *testing.T) {
	tiers := &mockTierRepo{
		findByIDFn: func(ctx context.Context, id int64) (*model.MemberTier, error) {
			return basicTier(), nil
		},
	}
	svc := newTestService(nil, tiers, nil)

	p := &model.Payment{TierID: i64Ptr(2), Amount: decimal.RequireFromString("399.00")}
	cycle, err := svc.inferCycle(context.Background(), p, "")
	if err != nil {
		t.Fatalf("inferCycle: %v", err)
	}
	if cycle != model.BillingCycleYearly {
		t.Errorf("cycle = %q, want yearly", cycle)
	}
}

func TestInferCycle_ToleratesSmallRounding(t *testing.T) {
	tiers := &mockTierRepo{
		findByIDFn: func(ctx context.Context, id int64) (*model.MemberTier, error) {
			return basicTier(), nil
		},
	}
	svc := newTestService(nil, tiers, nil)

	p := &model.Payment{TierID: i64Ptr(2), Amount: decimal.RequireFromString("39.00")}
	cycle, err := svc.inferCycle(context.Background(), p, "39.005")
	if err != nil {
		t.Fatalf("inferCycle: %v", err)
	}
	if cycle != model.BillingCycleMonthly {
		t.Errorf("cycle = %q, want monthly for amount within tolerance", cycle)
	}
}

func TestInferCycle_GatewayAmountWins(t *testing.T) {
	tiers := &mockTierRepo{
		findByIDFn: func(ctx context.Context, id int64) (*model.MemberTier, error) {
			return basicTier(), nil
		},
	}
	svc := newTestService(nil, tiers, nil)

	// ローカル記録は月額だが、ゲートウェイ申告額が年額なら年額を採用する
	p := &model.Payment{TierID: i64Ptr(2), Amount: decimal.RequireFromString("39.00")}
	cycle, err := svc.inferCycle(context.Background(), p, "399.00")
	if err != nil {
		t.Fatalf("inferCycle: %v", err)
	}
	if cycle != model.BillingCycleYearly {
		t.Errorf("cycle = %q, want yearly (gateway amount takes precedence)", cycle)
	}
}

func TestInferCycle_UnmatchedAmountIsGap(t *testing.T) {
	tiers := &mockTierRepo{
		findByIDFn: func(ctx context.Context, id int64) (*model.MemberTier, error) {
			return basicTier(), nil
		},
	}
	svc := newTestService(nil, tiers, nil)

	p := &model.Payment{TierID: i64Ptr(2), Amount: decimal.RequireFromString("999.00")}
	cycle, err := svc.inferCycle(context.Background(), p, "999.00")
	if err != nil {
		t.Fatalf("inferCycle: %v", err)
	}
	if cycle != "" {
		t.Errorf("cycle = %q, want empty for unmatched amount", cycle)
	}
}

func TestInferCycle_MissingTierIsGap(t *testing.T) {
	svc := newTestService(nil, &mockTierRepo{}, nil)

	p := &model.Payment{TierID: i64Ptr(2), Amount: decimal.RequireFromString("39.00")}
	cycle, err := svc.inferCycle(context.Background(), p, "39.00")
	if err != nil {
		t.Fatalf("inferCycle: %v", err)
	}
	if cycle != "" {
		t.Errorf("cycle = %q, want empty for missing tier", cycle)
	}
}

func TestInferCycle_NilTierIDIsGap(t *testing.T) {
	svc := newTestService(nil, nil, nil)

	p := &model.Payment{TierID: nil, Amount: decimal.RequireFromString("39.00")}
	cycle, err := svc.inferCycle(context.Background(), p, "39.00")
	if err != nil {
		t.Fatalf("inferCycle: %v", err)
	}
	if cycle != "" {
		t.Errorf("cycle = %q, want empty for payment without tier", cycle)
	}
}
