package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/zasshi/internal/model"
)

// PostgresTierRepo はTierRepositoryのPostgreSQL実装。
type PostgresTierRepo struct {
	db *sql.DB
}

var _ TierRepository = (*PostgresTierRepo)(nil)

// NewPostgresTierRepo はPostgresTierRepoを生成する。
func NewPostgresTierRepo(db *sql.DB) *PostgresTierRepo {
	return &PostgresTierRepo{db: db}
}

const tierColumns = `id, name, level, price_monthly, price_yearly, max_downloads_per_month,
	access_history_days, can_view_current_week, description, is_active, created_at`

func scanTier(scan func(dest ...any) error) (*model.MemberTier, error) {
	var t model.MemberTier
	err := scan(&t.ID, &t.Name, &t.Level, &t.PriceMonthly, &t.PriceYearly,
		&t.MaxDownloadsPerMonth, &t.AccessHistoryDays, &t.CanViewCurrentWeek,
		&t.Description, &t.IsActive, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// FindByID は指定IDのランクを取得する。見つからない場合はnilを返す。
func (r *PostgresTierRepo) FindByID(ctx context.Context, id int64) (*model.MemberTier, error) {
	query := `SELECT ` + tierColumns + ` FROM member_tiers WHERE id = $1`
	t, err := scanTier(r.db.QueryRowContext(ctx, query, id).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("会員ランクの取得に失敗しました: %w", err)
	}
	return t, nil
}

// ListActive は有効なランクをlevel昇順で返す。
func (r *PostgresTierRepo) ListActive(ctx context.Context) ([]*model.MemberTier, error) {
	query := `SELECT ` + tierColumns + ` FROM member_tiers WHERE is_active = TRUE ORDER BY level ASC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("会員ランク一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var tiers []*model.MemberTier
	for rows.Next() {
		t, err := scanTier(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("会員ランクの読み取りに失敗しました: %w", err)
		}
		tiers = append(tiers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("会員ランク一覧の走査に失敗しました: %w", err)
	}
	return tiers, nil
}
