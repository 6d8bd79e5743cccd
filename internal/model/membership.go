package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MemberTier は会員ランクのカタログエントリを表す。
// デプロイ時にシードされ、過去の会員権や支払いから参照されるため削除されない。
// 価格がnilの課金サイクルはそのランクでは提供されない。
// MaxDownloadsPerMonthがnilの場合はダウンロード無制限、
// AccessHistoryDaysがnilの場合はバックナンバー閲覧無制限を表す。
type MemberTier struct {
	ID                   int64
	Name                 string
	Level                int
	PriceMonthly         *decimal.Decimal
	PriceYearly          *decimal.Decimal
	MaxDownloadsPerMonth *int
	AccessHistoryDays    *int
	CanViewCurrentWeek   bool
	Description          string
	IsActive             bool
	CreatedAt            time.Time
}

// MembershipStatus は会員権の状態を表す。
type MembershipStatus string

const (
	MembershipStatusActive    MembershipStatus = "active"
	MembershipStatusExpired   MembershipStatus = "expired"
	MembershipStatusCancelled MembershipStatus = "cancelled"
)

// BillingCycle は課金サイクルを表す。月額は30日、年額は365日の固定長。
type BillingCycle string

const (
	BillingCycleMonthly BillingCycle = "monthly"
	BillingCycleYearly  BillingCycle = "yearly"
)

// Days は課金サイクルの日数を返す。未知のサイクルは0を返す。
func (c BillingCycle) Days() int {
	switch c {
	case BillingCycleMonthly:
		return 30
	case BillingCycleYearly:
		return 365
	}
	return 0
}

// UserMembership はユーザーへのランク付与を期間付きで表す。
// StartDate/EndDateはUTC深夜0時の日付として扱う。
// 同一ユーザーの「現在有効な会員権」はクエリ時点で高々1つ
// （active状態かつEndDateが未経過のうちEndDateが最も遅いもの）。
type UserMembership struct {
	ID        int64
	UserID    int64
	TierID    int64
	StartDate time.Time
	EndDate   time.Time
	Status    MembershipStatus
	PaymentID *int64
	AutoRenew bool
	CreatedAt time.Time

	// Tier は結合取得時のみ設定される。
	Tier *MemberTier
}

// Download はダウンロード実績の監査レコードを表す。
// 月間ダウンロード残量の計算はsuccess状態の行のみを数える。
type Download struct {
	ID           int64
	UserID       int64
	MagazineID   int64
	DownloadTime time.Time
	IPAddress    string
	UserAgent    string
	FileSize     *int64
	Status       string
}
