package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/zasshi/internal/model"
)

// PostgresMembershipRepo はMembershipRepositoryのPostgreSQL実装。
type PostgresMembershipRepo struct {
	db *sql.DB
}

var _ MembershipRepository = (*PostgresMembershipRepo)(nil)

// NewPostgresMembershipRepo はPostgresMembershipRepoを生成する。
func NewPostgresMembershipRepo(db *sql.DB) *PostgresMembershipRepo {
	return &PostgresMembershipRepo{db: db}
}

const membershipWithTierQuery = `
	SELECT
		m.id, m.user_id, m.tier_id, m.start_date, m.end_date,
		m.status, m.payment_id, m.auto_renew, m.created_at,
		t.id, t.name, t.level, t.price_monthly, t.price_yearly,
		t.max_downloads_per_month, t.access_history_days,
		t.can_view_current_week, t.description, t.is_active, t.created_at
	FROM user_memberships m
	JOIN member_tiers t ON t.id = m.tier_id`

func scanMembershipWithTier(scan func(dest ...any) error) (*model.UserMembership, error) {
	var m model.UserMembership
	var t model.MemberTier
	err := scan(
		&m.ID, &m.UserID, &m.TierID, &m.StartDate, &m.EndDate,
		&m.Status, &m.PaymentID, &m.AutoRenew, &m.CreatedAt,
		&t.ID, &t.Name, &t.Level, &t.PriceMonthly, &t.PriceYearly,
		&t.MaxDownloadsPerMonth, &t.AccessHistoryDays,
		&t.CanViewCurrentWeek, &t.Description, &t.IsActive, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Tier = &t
	return &m, nil
}

// FindCurrentByUserID はユーザーの現在有効な会員権をランク結合付きで取得する。
func (r *PostgresMembershipRepo) FindCurrentByUserID(ctx context.Context, userID int64, asOf time.Time) (*model.UserMembership, error) {
	query := membershipWithTierQuery + `
		WHERE m.user_id = $1 AND m.status = $2 AND m.end_date >= $3
		ORDER BY m.end_date DESC
		LIMIT 1`

	m, err := scanMembershipWithTier(
		r.db.QueryRowContext(ctx, query, userID, model.MembershipStatusActive, asOf).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("現在の会員権の取得に失敗しました: %w", err)
	}
	return m, nil
}

// ListByUserID はユーザーの会員権履歴をstart_date降順でランク結合付きで返す。
func (r *PostgresMembershipRepo) ListByUserID(ctx context.Context, userID int64) ([]*model.UserMembership, error) {
	query := membershipWithTierQuery + `
		WHERE m.user_id = $1
		ORDER BY m.start_date DESC, m.id DESC`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("会員権履歴の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var memberships []*model.UserMembership
	for rows.Next() {
		m, err := scanMembershipWithTier(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("会員権の読み取りに失敗しました: %w", err)
		}
		memberships = append(memberships, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("会員権履歴の走査に失敗しました: %w", err)
	}
	return memberships, nil
}

// ActivateExclusive は同一ユーザーの他のactive会員権をすべてcancelledにしてから
// 新しい会員権を挿入する。単一有効会員権の不変条件を守るため、
// 必ず1つのトランザクション内で呼ぶこと。
func (r *PostgresMembershipRepo) ActivateExclusive(ctx context.Context, q Queryer, m *model.UserMembership) error {
	cancelQuery := `
		UPDATE user_memberships
		SET status = $1
		WHERE user_id = $2 AND status = $3`

	if _, err := q.ExecContext(ctx, cancelQuery,
		model.MembershipStatusCancelled, m.UserID, model.MembershipStatusActive); err != nil {
		return fmt.Errorf("既存会員権の解約に失敗しました: %w", err)
	}

	insertQuery := `
		INSERT INTO user_memberships (user_id, tier_id, start_date, end_date, status, payment_id, auto_renew)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`

	err := q.QueryRowContext(ctx, insertQuery,
		m.UserID, m.TierID, m.StartDate, m.EndDate, m.Status, m.PaymentID, m.AutoRenew,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("会員権の作成に失敗しました: %w", err)
	}
	return nil
}

// ExpireDue はactive状態でend_dateが基準日より前の会員権をexpiredに遷移させる。
func (r *PostgresMembershipRepo) ExpireDue(ctx context.Context, asOf time.Time) (int64, error) {
	query := `
		UPDATE user_memberships
		SET status = $1
		WHERE status = $2 AND end_date < $3`

	result, err := r.db.ExecContext(ctx, query,
		model.MembershipStatusExpired, model.MembershipStatusActive, asOf)
	if err != nil {
		return 0, fmt.Errorf("会員権の期限切れ処理に失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("期限切れ件数の取得に失敗しました: %w", err)
	}
	return affected, nil
}

// ListExpiringOn は自動更新が有効でend_dateが指定日のactive会員権を返す。
func (r *PostgresMembershipRepo) ListExpiringOn(ctx context.Context, endDate time.Time) ([]RenewalCandidate, error) {
	query := `
		SELECT m.id, m.user_id, u.email, u.username, t.name, m.end_date
		FROM user_memberships m
		JOIN users u ON u.id = m.user_id
		JOIN member_tiers t ON t.id = m.tier_id
		WHERE m.status = $1 AND m.auto_renew = TRUE AND m.end_date = $2
		ORDER BY m.id ASC`

	rows, err := r.db.QueryContext(ctx, query, model.MembershipStatusActive, endDate)
	if err != nil {
		return nil, fmt.Errorf("更新リマインダー対象の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var candidates []RenewalCandidate
	for rows.Next() {
		var c RenewalCandidate
		if err := rows.Scan(&c.MembershipID, &c.UserID, &c.Email, &c.Username, &c.TierName, &c.EndDate); err != nil {
			return nil, fmt.Errorf("更新リマインダー対象の読み取りに失敗しました: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("更新リマインダー対象の走査に失敗しました: %w", err)
	}
	return candidates, nil
}
