package payment

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/zasshi/internal/metrics"
	"github.com/hitoshi/zasshi/internal/model"
	"github.com/hitoshi/zasshi/internal/repository"
)

// コールバック処理結果の理由マーカー。
// ReasonAlreadyProcessedとReasonPendingは成功扱いの空振りで、エラーではない。
const (
	ReasonInvalidSignature = "invalid signature"
	ReasonInvalidOrderID   = "invalid order id"
	ReasonPaymentNotFound  = "payment not found"
	ReasonAlreadyProcessed = "already processed"
	ReasonPending          = "pending"
	ReasonCycleUnknown     = "cannot determine billing cycle"
)

// cycleTolerance は金額からの課金サイクル推定で許容する絶対誤差。
var cycleTolerance = decimal.NewFromFloat(0.01)

// CallbackOutcome はコールバック1件の処理結果。
// OKはゲートウェイへの応答（success/failure）を決める。
type CallbackOutcome struct {
	OK           bool
	Reason       string
	MembershipID *int64
}

// SignatureVerifier はゲートウェイ署名の検証インターフェース。
type SignatureVerifier interface {
	VerifySignature(form url.Values) bool
}

// MembershipActivator は支払い確定に伴う会員権付与のインターフェース。
// 支払い行ロックと同一トランザクションで実行するためQueryerを受け取る。
type MembershipActivator interface {
	ActivateMembershipTx(ctx context.Context, q repository.Queryer, userID, tierID int64, paymentID *int64, cycle model.BillingCycle, start time.Time) (*model.UserMembership, error)
}

// Service は支払い確定処理を行う。
type Service struct {
	db        repository.TxBeginner
	payments  repository.PaymentRepository
	tiers     repository.TierRepository
	verifier  SignatureVerifier
	activator MembershipActivator
	logger    *slog.Logger
	now       func() time.Time
}

// NewService は支払いサービスを生成する。
func NewService(db repository.TxBeginner, payments repository.PaymentRepository, tiers repository.TierRepository, verifier SignatureVerifier, activator MembershipActivator, logger *slog.Logger) *Service {
	return &Service{
		db:        db,
		payments:  payments,
		tiers:     tiers,
		verifier:  verifier,
		activator: activator,
		logger:    logger,
		now:       time.Now,
	}
}

// GetPayment は指定IDの支払いを取得する。見つからない場合はPAYMENT_NOT_FOUNDを返す。
func (s *Service) GetPayment(ctx context.Context, id int64) (*model.Payment, error) {
	p, err := s.payments.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, model.NewPaymentNotFoundError(id)
	}
	return p, nil
}

// ProcessCallback はゲートウェイからの非同期通知を処理し、
// 署名検証から会員権付与までの突合を行う。
// 同一支払いへの並行コールバックは行ロックで直列化され、
// 会員権の二重付与は発生しない。
func (s *Service) ProcessCallback(ctx context.Context, form url.Values) (*CallbackOutcome, error) {
	if !s.verifier.VerifySignature(form) {
		metrics.PaymentCallbacksTotal.WithLabelValues("invalid_signature").Inc()
		s.logger.Warn("コールバックの署名検証に失敗しました")
		return &CallbackOutcome{Reason: ReasonInvalidSignature}, nil
	}

	paymentID, err := strconv.ParseInt(form.Get("out_trade_no"), 10, 64)
	if err != nil {
		metrics.PaymentCallbacksTotal.WithLabelValues("invalid_order").Inc()
		s.logger.Warn("注文番号を解釈できません", "out_trade_no", form.Get("out_trade_no"))
		return &CallbackOutcome{Reason: ReasonInvalidOrderID}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	p, err := s.payments.FindByIDForUpdate(ctx, tx, paymentID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		metrics.PaymentCallbacksTotal.WithLabelValues("not_found").Inc()
		s.logger.Warn("コールバックに対応する支払いが存在しません", "payment_id", paymentID)
		return &CallbackOutcome{Reason: ReasonPaymentNotFound}, nil
	}

	// 冪等性ガード。successは終端状態で、再配送されても副作用はない。
	if p.Status == model.PaymentStatusSuccess {
		metrics.PaymentCallbacksTotal.WithLabelValues("already_processed").Inc()
		s.logger.Info("処理済みの支払いに対するコールバックを無視します", "payment_id", paymentID)
		return &CallbackOutcome{OK: true, Reason: ReasonAlreadyProcessed}, nil
	}

	tradeStatus := form.Get("trade_status")
	if tradeStatus != "TRADE_SUCCESS" && tradeStatus != "TRADE_FINISHED" {
		// 中間状態の通知。エラーではなく、最終通知を待つ。
		metrics.PaymentCallbacksTotal.WithLabelValues("pending").Inc()
		s.logger.Info("中間状態のコールバックを受信しました", "payment_id", paymentID, "trade_status", tradeStatus)
		return &CallbackOutcome{OK: true, Reason: ReasonPending}, nil
	}

	paidAt := s.parsePaidAt(form.Get("gmt_payment"))
	if err := s.payments.MarkSuccess(ctx, tx, paymentID,
		form.Get("out_trade_no"), form.Get("trade_no"), paidAt); err != nil {
		return nil, err
	}

	cycle, err := s.inferCycle(ctx, p, form.Get("total_amount"))
	if err != nil {
		return nil, err
	}
	if cycle == "" {
		// 支払い成功の記録は確定させた上で、会員権は付与しない。
		// 突合できなかった分は手動での対応が必要になるため、メトリクスで顕在化させる。
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("トランザクションの確定に失敗しました: %w", err)
		}
		metrics.PaymentCallbacksTotal.WithLabelValues("reconciliation_gap").Inc()
		metrics.ReconciliationGapsTotal.Inc()
		s.logger.Error("支払金額から課金サイクルを推定できませんでした",
			"payment_id", paymentID, "total_amount", form.Get("total_amount"))
		return &CallbackOutcome{Reason: ReasonCycleUnknown}, nil
	}

	m, err := s.activator.ActivateMembershipTx(ctx, tx, p.UserID, *p.TierID, &paymentID, cycle, s.now())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("トランザクションの確定に失敗しました: %w", err)
	}

	metrics.PaymentCallbacksTotal.WithLabelValues("activated").Inc()
	s.logger.Info("支払いを確定し会員権を付与しました",
		"payment_id", paymentID, "membership_id", m.ID, "cycle", cycle)
	return &CallbackOutcome{OK: true, MembershipID: &m.ID}, nil
}

// parsePaidAt はゲートウェイのタイムスタンプを解釈する。
// 解釈できない場合はコールバック全体を失敗させず現在時刻で代替する。
func (s *Service) parsePaidAt(gmtPayment string) time.Time {
	if gmtPayment != "" {
		if t, err := time.ParseInLocation(gmtLayout, gmtPayment, cstZone); err == nil {
			return t.UTC()
		}
		s.logger.Warn("支払日時を解釈できません", "gmt_payment", gmtPayment)
	}
	return s.now().UTC()
}

// inferCycle は支払われた金額をランクの月額・年額と突き合わせて課金サイクルを
// 推定する。どちらにも一致しない場合は空文字列を返す。
func (s *Service) inferCycle(ctx context.Context, p *model.Payment, totalAmount string) (model.BillingCycle, error) {
	if p.TierID == nil {
		return "", nil
	}
	tier, err := s.tiers.FindByID(ctx, *p.TierID)
	if err != nil {
		return "", err
	}
	if tier == nil {
		return "", nil
	}

	paid := p.Amount
	if totalAmount != "" {
		if d, err := decimal.NewFromString(totalAmount); err == nil {
			paid = d
		}
	}

	if tier.PriceMonthly != nil && paid.Sub(*tier.PriceMonthly).Abs().LessThan(cycleTolerance) {
		return model.BillingCycleMonthly, nil
	}
	if tier.PriceYearly != nil && paid.Sub(*tier.PriceYearly).Abs().LessThan(cycleTolerance) {
		return model.BillingCycleYearly, nil
	}
	return "", nil
}
