package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/zasshi/internal/model"
)

// PostgresMagazineRepo はMagazineRepositoryのPostgreSQL実装。
type PostgresMagazineRepo struct {
	db *sql.DB
}

var _ MagazineRepository = (*PostgresMagazineRepo)(nil)

// NewPostgresMagazineRepo はPostgresMagazineRepoを生成する。
func NewPostgresMagazineRepo(db *sql.DB) *PostgresMagazineRepo {
	return &PostgresMagazineRepo{db: db}
}

const magazineColumns = `id, title, issue_number, publish_date, description, cover_image_url,
	file_path, encrypted_key, file_size, page_count, is_sensitive, is_published,
	view_count, download_count, created_at, updated_at`

func scanMagazine(scan func(dest ...any) error) (*model.Magazine, error) {
	var m model.Magazine
	err := scan(&m.ID, &m.Title, &m.IssueNumber, &m.PublishDate, &m.Description, &m.CoverImageURL,
		&m.FilePath, &m.EncryptedKey, &m.FileSize, &m.PageCount, &m.IsSensitive, &m.IsPublished,
		&m.ViewCount, &m.DownloadCount, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// FindByID は指定IDの雑誌を取得する。見つからない場合はnilを返す。
func (r *PostgresMagazineRepo) FindByID(ctx context.Context, id int64) (*model.Magazine, error) {
	query := `SELECT ` + magazineColumns + ` FROM magazines WHERE id = $1`
	m, err := scanMagazine(r.db.QueryRowContext(ctx, query, id).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("雑誌の取得に失敗しました: %w", err)
	}
	return m, nil
}

// List は検索条件に一致する雑誌の総件数と1ページ分を返す。
func (r *PostgresMagazineRepo) List(ctx context.Context, query MagazineQuery) (int, []*model.Magazine, error) {
	var conditions []string
	var args []any

	if query.Keyword != "" {
		args = append(args, "%"+query.Keyword+"%")
		n := len(args)
		conditions = append(conditions,
			fmt.Sprintf("(title ILIKE $%d OR issue_number ILIKE $%d)", n, n))
	}
	if query.IsPublished != nil {
		args = append(args, *query.IsPublished)
		conditions = append(conditions, fmt.Sprintf("is_published = $%d", len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM magazines` + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return 0, nil, fmt.Errorf("雑誌件数の取得に失敗しました: %w", err)
	}

	sortBy := "publish_date"
	if query.SortBy == "created_at" {
		sortBy = "created_at"
	}
	order := "DESC"
	if strings.EqualFold(query.Order, "asc") {
		order = "ASC"
	}

	page := query.Page
	if page < 1 {
		page = 1
	}
	size := query.Size
	if size < 1 || size > 100 {
		size = 20
	}

	args = append(args, size, (page-1)*size)
	listQuery := fmt.Sprintf(`SELECT %s FROM magazines%s ORDER BY %s %s, id DESC LIMIT $%d OFFSET $%d`,
		magazineColumns, where, sortBy, order, len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, listQuery, args...)
	if err != nil {
		return 0, nil, fmt.Errorf("雑誌一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var magazines []*model.Magazine
	for rows.Next() {
		m, err := scanMagazine(rows.Scan)
		if err != nil {
			return 0, nil, fmt.Errorf("雑誌の読み取りに失敗しました: %w", err)
		}
		magazines = append(magazines, m)
	}
	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("雑誌一覧の走査に失敗しました: %w", err)
	}
	return total, magazines, nil
}

// ListPublishedBetween は公開済みかつpublish_dateが[from, to]の雑誌をpublish_date降順で返す。
func (r *PostgresMagazineRepo) ListPublishedBetween(ctx context.Context, from, to time.Time) ([]*model.Magazine, error) {
	query := `SELECT ` + magazineColumns + `
		FROM magazines
		WHERE is_published = TRUE AND publish_date BETWEEN $1 AND $2
		ORDER BY publish_date DESC, id DESC`

	rows, err := r.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("今週号の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var magazines []*model.Magazine
	for rows.Next() {
		m, err := scanMagazine(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("雑誌の読み取りに失敗しました: %w", err)
		}
		magazines = append(magazines, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("今週号の走査に失敗しました: %w", err)
	}
	return magazines, nil
}

// Create は雑誌を作成し、採番されたIDをm.IDに設定する。
func (r *PostgresMagazineRepo) Create(ctx context.Context, m *model.Magazine) error {
	query := `
		INSERT INTO magazines (title, issue_number, publish_date, description, cover_image_url, is_sensitive, is_published)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRowContext(ctx, query,
		m.Title, m.IssueNumber, m.PublishDate, m.Description, m.CoverImageURL, m.IsSensitive, m.IsPublished,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("雑誌の作成に失敗しました: %w", err)
	}
	return nil
}

// UpdateFileMetadata はアップロード完了後のファイルメタデータを更新する。
func (r *PostgresMagazineRepo) UpdateFileMetadata(ctx context.Context, id int64, filePath, encryptedKey string, fileSize int64, pageCount int) error {
	query := `
		UPDATE magazines
		SET file_path = $1, encrypted_key = $2, file_size = $3, page_count = $4, updated_at = NOW()
		WHERE id = $5`

	if _, err := r.db.ExecContext(ctx, query, filePath, encryptedKey, fileSize, pageCount, id); err != nil {
		return fmt.Errorf("雑誌ファイル情報の更新に失敗しました: %w", err)
	}
	return nil
}

// IncrementViewCount は閲覧カウンタを1加算する。
func (r *PostgresMagazineRepo) IncrementViewCount(ctx context.Context, id int64) error {
	query := `UPDATE magazines SET view_count = view_count + 1 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("閲覧カウンタの更新に失敗しました: %w", err)
	}
	return nil
}

// IncrementDownloadCount はダウンロードカウンタを1加算する。
func (r *PostgresMagazineRepo) IncrementDownloadCount(ctx context.Context, id int64) error {
	query := `UPDATE magazines SET download_count = download_count + 1 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("ダウンロードカウンタの更新に失敗しました: %w", err)
	}
	return nil
}
