// Package membership は会員ランク・会員権・閲覧/ダウンロード権限の判定を提供する。
package membership

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/zasshi/internal/model"
	"github.com/hitoshi/zasshi/internal/repository"
)

// ReminderSender は更新リマインダーメールの送信インターフェース。
type ReminderSender interface {
	SendRenewalReminder(ctx context.Context, to, username, tierName string, endDate time.Time) error
}

// DownloadAllowance は月間ダウンロード残量。
// Unlimitedがtrueの場合、Remainingは意味を持たない。
type DownloadAllowance struct {
	Unlimited bool
	Remaining int
}

// Access は雑誌1冊に対する閲覧・ダウンロード可否の判定結果。
type Access struct {
	CanView     bool
	CanDownload bool
}

// Service は会員権サービス。
type Service struct {
	db          repository.TxBeginner
	memberships repository.MembershipRepository
	tiers       repository.TierRepository
	payments    repository.PaymentRepository
	downloads   repository.DownloadRepository
	magazines   repository.MagazineRepository
	email       ReminderSender
	logger      *slog.Logger
	now         func() time.Time
}

// NewService は会員権サービスを生成する。
func NewService(db repository.TxBeginner, memberships repository.MembershipRepository, tiers repository.TierRepository, payments repository.PaymentRepository, downloads repository.DownloadRepository, magazines repository.MagazineRepository, email ReminderSender, logger *slog.Logger) *Service {
	return &Service{
		db:          db,
		memberships: memberships,
		tiers:       tiers,
		payments:    payments,
		downloads:   downloads,
		magazines:   magazines,
		email:       email,
		logger:      logger,
		now:         time.Now,
	}
}

// today は現在時刻をUTCの日付（深夜0時）に丸めて返す。
func (s *Service) today() time.Time {
	now := s.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// ListTiers は購入可能な会員ランクをlevel昇順で返す。
func (s *Service) ListTiers(ctx context.Context) ([]*model.MemberTier, error) {
	return s.tiers.ListActive(ctx)
}

// GetCurrentMembership はユーザーの現在有効な会員権を返す。無会員の場合はnil。
func (s *Service) GetCurrentMembership(ctx context.Context, userID int64) (*model.UserMembership, error) {
	return s.memberships.FindCurrentByUserID(ctx, userID, s.today())
}

// GetMembershipHistory はユーザーの会員権履歴を新しい順に返す。
func (s *Service) GetMembershipHistory(ctx context.Context, userID int64) ([]*model.UserMembership, error) {
	return s.memberships.ListByUserID(ctx, userID)
}

// ComputeRemainingDownloads はUTC暦月ベースの月間ダウンロード残量を計算する。
// ランクに上限がない場合は無制限を返す。
func (s *Service) ComputeRemainingDownloads(ctx context.Context, userID int64, tier *model.MemberTier) (DownloadAllowance, error) {
	if tier.MaxDownloadsPerMonth == nil {
		return DownloadAllowance{Unlimited: true}, nil
	}

	now := s.now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	nextMonth := monthStart.AddDate(0, 1, 0)

	used, err := s.downloads.CountSuccessInRange(ctx, userID, monthStart, nextMonth)
	if err != nil {
		return DownloadAllowance{}, err
	}

	remaining := *tier.MaxDownloadsPerMonth - used
	if remaining < 0 {
		remaining = 0
	}
	return DownloadAllowance{Remaining: remaining}, nil
}

// CheckAccessPermission は雑誌1冊に対する閲覧・ダウンロード可否を判定する。
// is_publishedの確認は呼び出し側の責務で、ここでは権利のみを判定する。
func (s *Service) CheckAccessPermission(ctx context.Context, userID int64, magazine *model.Magazine) (Access, error) {
	current, err := s.GetCurrentMembership(ctx, userID)
	if err != nil {
		return Access{}, err
	}

	today := s.today()
	publishDate := magazine.PublishDate.UTC()

	if current == nil {
		// 無会員は今週号（ISO週の一致）のみ閲覧可。ダウンロードは常に不可。
		ty, tw := today.ISOWeek()
		py, pw := publishDate.ISOWeek()
		return Access{CanView: ty == py && tw == pw}, nil
	}

	tier := current.Tier
	if tier.AccessHistoryDays != nil {
		ageDays := int(today.Sub(publishDate).Hours() / 24)
		if ageDays > *tier.AccessHistoryDays {
			// バックナンバー期限切れは残量に関わらず閲覧も不可
			return Access{}, nil
		}
	}

	allowance, err := s.ComputeRemainingDownloads(ctx, userID, tier)
	if err != nil {
		return Access{}, err
	}
	return Access{
		CanView:     true,
		CanDownload: allowance.Unlimited || allowance.Remaining > 0,
	}, nil
}

// CreateMembershipUpgrade はランク購入のpending支払いを作成する。
// 会員権はここでは一切付与されず、支払い確定コールバックで付与される。
func (s *Service) CreateMembershipUpgrade(ctx context.Context, userID, tierID int64, cycle model.BillingCycle, paymentMethod string) (*model.Payment, error) {
	tier, err := s.tiers.FindByID(ctx, tierID)
	if err != nil {
		return nil, err
	}
	if tier == nil || !tier.IsActive {
		return nil, model.NewTierNotFoundError(tierID)
	}

	var price *decimal.Decimal
	switch cycle {
	case model.BillingCycleMonthly:
		price = tier.PriceMonthly
	case model.BillingCycleYearly:
		price = tier.PriceYearly
	default:
		return nil, model.NewInvalidCycleError(string(cycle))
	}
	if price == nil {
		return nil, model.NewCycleNotSupportedError(string(cycle))
	}

	payment := &model.Payment{
		UserID:        userID,
		TierID:        &tierID,
		Amount:        *price,
		Currency:      "CNY",
		PaymentMethod: paymentMethod,
		Status:        model.PaymentStatusPending,
	}
	if err := s.payments.Create(ctx, payment); err != nil {
		return nil, err
	}

	s.logger.Info("アップグレード用の支払いを作成しました",
		"user_id", userID, "tier_id", tierID, "cycle", cycle, "payment_id", payment.ID)
	return payment, nil
}

// ActivateMembership は会員権を付与する。既存のactive会員権はすべてcancelledに
// 遷移させ、有効な会員権が常に高々1つである状態を1トランザクションで維持する。
func (s *Service) ActivateMembership(ctx context.Context, userID, tierID int64, paymentID *int64, cycle model.BillingCycle, start time.Time) (*model.UserMembership, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	m, err := s.ActivateMembershipTx(ctx, tx, userID, tierID, paymentID, cycle, start)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("トランザクションの確定に失敗しました: %w", err)
	}
	return m, nil
}

// ActivateMembershipTx は呼び出し側のトランザクション内で会員権を付与する。
// 支払い確定処理のように、支払い行ロックと同一トランザクションで
// 会員権付与まで完結させたい場合に使用する。
func (s *Service) ActivateMembershipTx(ctx context.Context, q repository.Queryer, userID, tierID int64, paymentID *int64, cycle model.BillingCycle, start time.Time) (*model.UserMembership, error) {
	days := cycle.Days()
	if days == 0 {
		return nil, model.NewInvalidCycleError(string(cycle))
	}

	startDate := time.Date(start.UTC().Year(), start.UTC().Month(), start.UTC().Day(), 0, 0, 0, 0, time.UTC)
	m := &model.UserMembership{
		UserID:    userID,
		TierID:    tierID,
		StartDate: startDate,
		EndDate:   startDate.AddDate(0, 0, days),
		Status:    model.MembershipStatusActive,
		PaymentID: paymentID,
	}
	if err := s.memberships.ActivateExclusive(ctx, q, m); err != nil {
		return nil, err
	}

	s.logger.Info("会員権を付与しました",
		"user_id", userID, "tier_id", tierID, "cycle", cycle,
		"membership_id", m.ID, "end_date", m.EndDate.Format("2006-01-02"))
	return m, nil
}

// ExpireDueMemberships は期限を過ぎたactive会員権を一括でexpiredに遷移させる。
// 冪等で、何度実行しても安全。
func (s *Service) ExpireDueMemberships(ctx context.Context) (int64, error) {
	count, err := s.memberships.ExpireDue(ctx, s.today())
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.logger.Info("会員権を期限切れにしました", "count", count)
	}
	return count, nil
}

// NotifyRenewalReminders はdaysBefore日後に期限を迎える自動更新会員権へ
// リマインダーメールを送る。1件の送信失敗は他の処理を妨げない。
func (s *Service) NotifyRenewalReminders(ctx context.Context, daysBefore int) (int, error) {
	target := s.today().AddDate(0, 0, daysBefore)
	candidates, err := s.memberships.ListExpiringOn(ctx, target)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, c := range candidates {
		if err := s.email.SendRenewalReminder(ctx, c.Email, c.Username, c.TierName, c.EndDate); err != nil {
			s.logger.Error("リマインダーメールの送信に失敗しました",
				"membership_id", c.MembershipID, "user_id", c.UserID, "error", err)
			continue
		}
		sent++
	}
	return sent, nil
}

// RecordDownload はダウンロード成功の実績を記録し、雑誌のカウンタを加算する。
func (s *Service) RecordDownload(ctx context.Context, userID, magazineID int64, ipAddress, userAgent string, fileSize *int64) error {
	d := &model.Download{
		UserID:       userID,
		MagazineID:   magazineID,
		DownloadTime: s.now().UTC(),
		IPAddress:    ipAddress,
		UserAgent:    userAgent,
		FileSize:     fileSize,
		Status:       "success",
	}
	if err := s.downloads.Create(ctx, d); err != nil {
		return err
	}
	if err := s.magazines.IncrementDownloadCount(ctx, magazineID); err != nil {
		s.logger.Warn("ダウンロードカウンタの更新に失敗しました", "magazine_id", magazineID, "error", err)
	}
	return nil
}
