// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/zasshi/internal/model"
)

// Queryer は*sql.DBと*sql.Txのどちらでも満たすクエリ実行インターフェース。
// トランザクション参加が必要なメソッドはQueryerを受け取り、
// 呼び出し側がトランザクション境界を制御する。
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx はコミット・ロールバック可能なトランザクション。*sql.Txが満たす。
type Tx interface {
	Queryer
	Commit() error
	Rollback() error
}

// TxBeginner はトランザクション開始用のインターフェース。
// サービス層はこのインターフェース越しにトランザクション境界を制御する。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error)
}

type sqlTxBeginner struct {
	db *sql.DB
}

// NewTxBeginner は*sql.DBをTxBeginnerとして扱うアダプタを返す。
func NewTxBeginner(db *sql.DB) TxBeginner {
	return sqlTxBeginner{db: db}
}

func (b sqlTxBeginner) BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error) {
	tx, err := b.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.User, error)

	// FindByUsernameOrEmail はユーザー名またはメールアドレスでユーザーを検索する。
	// 見つからない場合はnilを返す。
	FindByUsernameOrEmail(ctx context.Context, usernameOrEmail string) (*model.User, error)

	// Create はユーザーを作成し、採番されたIDをuser.IDに設定する。
	// ユーザー名・メールアドレスの一意制約違反はmodel.APIError(DUPLICATE_USER)を返す。
	Create(ctx context.Context, q Queryer, user *model.User) error

	// UpdateLastLogin は最終ログイン日時を更新する。
	UpdateLastLogin(ctx context.Context, id int64, at time.Time) error
}

// TierRepository は会員ランクカタログの永続化インターフェース。
type TierRepository interface {
	// FindByID は指定IDのランクを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.MemberTier, error)

	// ListActive は有効なランクをlevel昇順で返す。
	ListActive(ctx context.Context) ([]*model.MemberTier, error)
}

// RenewalCandidate は更新リマインダー対象の会員権とユーザー情報を結合した構造体。
type RenewalCandidate struct {
	MembershipID int64
	UserID       int64
	Email        string
	Username     string
	TierName     string
	EndDate      time.Time
}

// MembershipRepository は会員権の永続化インターフェース。
type MembershipRepository interface {
	// FindCurrentByUserID はユーザーの現在有効な会員権をランク結合付きで取得する。
	// active状態かつend_dateが基準日以降のうちend_dateが最も遅いもの。
	// 存在しない場合はnilを返す。
	FindCurrentByUserID(ctx context.Context, userID int64, asOf time.Time) (*model.UserMembership, error)

	// ListByUserID はユーザーの会員権履歴をstart_date降順でランク結合付きで返す。
	ListByUserID(ctx context.Context, userID int64) ([]*model.UserMembership, error)

	// ActivateExclusive は同一ユーザーの他のactive会員権をすべてcancelledに遷移させてから
	// 新しい会員権を挿入し、採番されたIDをm.IDに設定する。
	// 単一有効会員権の不変条件を維持するため、必ず1つのトランザクション内で呼ぶこと。
	ActivateExclusive(ctx context.Context, q Queryer, m *model.UserMembership) error

	// ExpireDue はactive状態でend_dateが基準日より前の会員権をすべてexpiredに遷移させる。
	// 冪等であり、影響行数を返す。
	ExpireDue(ctx context.Context, asOf time.Time) (int64, error)

	// ListExpiringOn はauto_renew有効・active状態でend_dateが指定日に一致する
	// 会員権をユーザー・ランク情報付きで返す。
	ListExpiringOn(ctx context.Context, endDate time.Time) ([]RenewalCandidate, error)
}

// PaymentRepository は支払いデータの永続化インターフェース。
type PaymentRepository interface {
	// Create は支払いを作成し、採番されたIDをp.IDに設定する。
	Create(ctx context.Context, p *model.Payment) error

	// FindByID は指定IDの支払いを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.Payment, error)

	// FindByIDForUpdate は指定IDの支払いを行ロック付きで取得する。
	// 見つからない場合はnilを返す。冪等性チェックの直列化のため、
	// 必ずトランザクション内で呼ぶこと。
	FindByIDForUpdate(ctx context.Context, q Queryer, id int64) (*model.Payment, error)

	// MarkSuccess は支払いをsuccessに遷移させ、内部・外部取引IDと支払日時を記録する。
	MarkSuccess(ctx context.Context, q Queryer, id int64, transactionID, externalTransactionID string, paidAt time.Time) error
}

// CategoryRepository は雑誌カテゴリカタログの永続化インターフェース。
type CategoryRepository interface {
	// ListActive は有効なカテゴリをsort_order昇順で返す。
	ListActive(ctx context.Context) ([]*model.MagazineCategory, error)
}

// MagazineQuery は雑誌一覧取得の検索条件。
type MagazineQuery struct {
	Keyword     string
	IsPublished *bool
	Page        int
	Size        int
	SortBy      string // "publish_date" | "created_at"
	Order       string // "asc" | "desc"
}

// MagazineRepository は雑誌データの永続化インターフェース。
type MagazineRepository interface {
	// FindByID は指定IDの雑誌を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.Magazine, error)

	// List は検索条件に一致する雑誌の総件数とページを返す。
	List(ctx context.Context, query MagazineQuery) (int, []*model.Magazine, error)

	// ListPublishedBetween は公開済みかつpublish_dateが[from, to]の雑誌を
	// publish_date降順で返す。
	ListPublishedBetween(ctx context.Context, from, to time.Time) ([]*model.Magazine, error)

	// Create は雑誌を作成し、採番されたIDをm.IDに設定する。
	Create(ctx context.Context, m *model.Magazine) error

	// UpdateFileMetadata はアップロード完了後のファイルパス・IV・サイズ・ページ数を更新する。
	UpdateFileMetadata(ctx context.Context, id int64, filePath, encryptedKey string, fileSize int64, pageCount int) error

	// IncrementViewCount は閲覧カウンタを1加算する。
	IncrementViewCount(ctx context.Context, id int64) error

	// IncrementDownloadCount はダウンロードカウンタを1加算する。
	IncrementDownloadCount(ctx context.Context, id int64) error
}

// DownloadRepository はダウンロード実績の永続化インターフェース。
type DownloadRepository interface {
	// Create はダウンロード実績を作成する。
	Create(ctx context.Context, d *model.Download) error

	// CountSuccessInRange はユーザーのsuccess状態ダウンロード数を
	// [from, to)の半開区間で数える。
	CountSuccessInRange(ctx context.Context, userID int64, from, to time.Time) (int, error)
}

// SocialAccountRepository は外部IdP紐付け情報の永続化インターフェース。
type SocialAccountRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idで検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.SocialAccount, error)

	// Create はソーシャルアカウントを作成し、採番されたIDをs.IDに設定する。
	Create(ctx context.Context, q Queryer, s *model.SocialAccount) error

	// BindUser はソーシャルアカウントをローカルユーザーに紐付ける。
	BindUser(ctx context.Context, q Queryer, id, userID int64) error

	// UpdateTokenSnapshots はアクセストークン・リフレッシュトークンのスナップショットを更新する。
	UpdateTokenSnapshots(ctx context.Context, id int64, accessToken, refreshToken *string) error
}
