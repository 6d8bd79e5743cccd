// Package sweep は会員権のバックグラウンド保守処理を提供する。
// 期限切れ遷移と更新リマインダー送信の2つの独立したループを含む。
package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/zasshi/internal/metrics"
)

// MembershipSweeper は会員権サービスのスイープ操作インターフェース。
type MembershipSweeper interface {
	// ExpireDueMemberships は期限を過ぎたactive会員権を一括でexpiredに遷移させる。
	ExpireDueMemberships(ctx context.Context) (int64, error)
	// NotifyRenewalReminders は期限間近の自動更新会員権へリマインダーを送る。
	NotifyRenewalReminders(ctx context.Context, daysBefore int) (int, error)
}

// Sweeper は会員権の定期スイープを実行する。
// 各ループは日次間隔のティッカーで回り、1回の失敗でループを止めない。
type Sweeper struct {
	service            MembershipSweeper
	reminderDaysBefore int
	logger             *slog.Logger
}

// NewSweeper はSweeperを生成する。
// reminderDaysBeforeはリマインダーを送る期限までの日数。
func NewSweeper(service MembershipSweeper, reminderDaysBefore int, logger *slog.Logger) *Sweeper {
	return &Sweeper{service: service, reminderDaysBefore: reminderDaysBefore, logger: logger}
}

// StartExpireLoop は期限切れスイープのループを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Sweeper) StartExpireLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("期限切れスイープを開始しました", slog.Duration("interval", interval))

	// 起動直後に1回実行
	s.runExpireOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("期限切れスイープを停止しました")
			return
		case <-ticker.C:
			s.runExpireOnce(ctx)
		}
	}
}

func (s *Sweeper) runExpireOnce(ctx context.Context) {
	start := time.Now()
	count, err := s.service.ExpireDueMemberships(ctx)
	if err != nil {
		s.logger.Error("期限切れスイープの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return
	}
	metrics.MembershipsExpiredTotal.Add(float64(count))
	s.logger.Info("期限切れスイープが完了しました",
		slog.Int64("expired_count", count),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
}

// StartReminderLoop は更新リマインダー送信のループを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Sweeper) StartReminderLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("更新リマインダースイープを開始しました", slog.Duration("interval", interval))

	// 起動直後に1回実行
	s.runReminderOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("更新リマインダースイープを停止しました")
			return
		case <-ticker.C:
			s.runReminderOnce(ctx)
		}
	}
}

func (s *Sweeper) runReminderOnce(ctx context.Context) {
	start := time.Now()
	sent, err := s.service.NotifyRenewalReminders(ctx, s.reminderDaysBefore)
	if err != nil {
		s.logger.Error("更新リマインダースイープの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return
	}
	metrics.RenewalRemindersSentTotal.Add(float64(sent))
	s.logger.Info("更新リマインダースイープが完了しました",
		slog.Int("sent_count", sent),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
}
