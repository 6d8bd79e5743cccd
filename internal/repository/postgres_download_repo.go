package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/zasshi/internal/model"
)

// PostgresDownloadRepo はDownloadRepositoryのPostgreSQL実装。
type PostgresDownloadRepo struct {
	db *sql.DB
}

var _ DownloadRepository = (*PostgresDownloadRepo)(nil)

// NewPostgresDownloadRepo はPostgresDownloadRepoを生成する。
func NewPostgresDownloadRepo(db *sql.DB) *PostgresDownloadRepo {
	return &PostgresDownloadRepo{db: db}
}

// Create はダウンロード実績を作成する。
func (r *PostgresDownloadRepo) Create(ctx context.Context, d *model.Download) error {
	query := `
		INSERT INTO downloads (user_id, magazine_id, download_time, ip_address, user_agent, file_size, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		d.UserID, d.MagazineID, d.DownloadTime, d.IPAddress, d.UserAgent, d.FileSize, d.Status,
	).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("ダウンロード実績の作成に失敗しました: %w", err)
	}
	return nil
}

// CountSuccessInRange はユーザーのsuccess状態ダウンロード数を[from, to)で数える。
func (r *PostgresDownloadRepo) CountSuccessInRange(ctx context.Context, userID int64, from, to time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM downloads
		WHERE user_id = $1 AND status = 'success'
		  AND download_time >= $2 AND download_time < $3`

	var count int
	if err := r.db.QueryRowContext(ctx, query, userID, from, to).Scan(&count); err != nil {
		return 0, fmt.Errorf("ダウンロード数の集計に失敗しました: %w", err)
	}
	return count, nil
}
