package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/zasshi/internal/model"
)

// PostgresSocialAccountRepo はSocialAccountRepositoryのPostgreSQL実装。
type PostgresSocialAccountRepo struct {
	db *sql.DB
}

var _ SocialAccountRepository = (*PostgresSocialAccountRepo)(nil)

// NewPostgresSocialAccountRepo はPostgresSocialAccountRepoを生成する。
func NewPostgresSocialAccountRepo(db *sql.DB) *PostgresSocialAccountRepo {
	return &PostgresSocialAccountRepo{db: db}
}

const socialAccountColumns = `id, user_id, provider, provider_user_id, union_id,
	access_token, refresh_token, scope, nickname_snapshot, avatar_snapshot, created_at`

// FindByProviderAndProviderUserID はproviderとprovider_user_idで検索する。
func (r *PostgresSocialAccountRepo) FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.SocialAccount, error) {
	query := `SELECT ` + socialAccountColumns + `
		FROM social_accounts
		WHERE provider = $1 AND provider_user_id = $2`

	var s model.SocialAccount
	err := r.db.QueryRowContext(ctx, query, provider, providerUserID).Scan(
		&s.ID, &s.UserID, &s.Provider, &s.ProviderUserID, &s.UnionID,
		&s.AccessToken, &s.RefreshToken, &s.Scope, &s.NicknameSnapshot, &s.AvatarSnapshot, &s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("ソーシャルアカウントの取得に失敗しました: %w", err)
	}
	return &s, nil
}

// Create はソーシャルアカウントを作成し、採番されたIDをs.IDに設定する。
func (r *PostgresSocialAccountRepo) Create(ctx context.Context, q Queryer, s *model.SocialAccount) error {
	query := `
		INSERT INTO social_accounts
			(user_id, provider, provider_user_id, union_id, access_token, refresh_token, scope, nickname_snapshot, avatar_snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`

	err := q.QueryRowContext(ctx, query,
		s.UserID, s.Provider, s.ProviderUserID, s.UnionID,
		s.AccessToken, s.RefreshToken, s.Scope, s.NicknameSnapshot, s.AvatarSnapshot,
	).Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		return fmt.Errorf("ソーシャルアカウントの作成に失敗しました: %w", err)
	}
	return nil
}

// BindUser はソーシャルアカウントをローカルユーザーに紐付ける。
func (r *PostgresSocialAccountRepo) BindUser(ctx context.Context, q Queryer, id, userID int64) error {
	query := `UPDATE social_accounts SET user_id = $1 WHERE id = $2`
	if _, err := q.ExecContext(ctx, query, userID, id); err != nil {
		return fmt.Errorf("ソーシャルアカウントの紐付けに失敗しました: %w", err)
	}
	return nil
}

// UpdateTokenSnapshots はトークンのスナップショットを更新する。
func (r *PostgresSocialAccountRepo) UpdateTokenSnapshots(ctx context.Context, id int64, accessToken, refreshToken *string) error {
	query := `UPDATE social_accounts SET access_token = $1, refresh_token = $2 WHERE id = $3`
	if _, err := r.db.ExecContext(ctx, query, accessToken, refreshToken, id); err != nil {
		return fmt.Errorf("トークンスナップショットの更新に失敗しました: %w", err)
	}
	return nil
}
