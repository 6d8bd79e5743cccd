package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/zasshi/internal/model"
)

// PostgresCategoryRepo はCategoryRepositoryのPostgreSQL実装。
type PostgresCategoryRepo struct {
	db *sql.DB
}

var _ CategoryRepository = (*PostgresCategoryRepo)(nil)

// NewPostgresCategoryRepo はPostgresCategoryRepoを生成する。
func NewPostgresCategoryRepo(db *sql.DB) *PostgresCategoryRepo {
	return &PostgresCategoryRepo{db: db}
}

// ListActive は有効なカテゴリをsort_order昇順で返す。
func (r *PostgresCategoryRepo) ListActive(ctx context.Context) ([]*model.MagazineCategory, error) {
	query := `
		SELECT id, name, description, parent_id, sort_order, is_active, created_at
		FROM magazine_categories
		WHERE is_active = TRUE
		ORDER BY sort_order ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("カテゴリ一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var categories []*model.MagazineCategory
	for rows.Next() {
		var c model.MagazineCategory
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.ParentID,
			&c.SortOrder, &c.IsActive, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("カテゴリの読み取りに失敗しました: %w", err)
		}
		categories = append(categories, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("カテゴリ一覧の走査に失敗しました: %w", err)
	}
	return categories, nil
}
