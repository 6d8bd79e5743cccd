// Package auth はパスワード認証・ユーザー登録・トークン更新を提供する。
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/zasshi/internal/model"
	"github.com/hitoshi/zasshi/internal/repository"
	"github.com/hitoshi/zasshi/internal/token"
)

// TokenIssuer はトークンの発行・検証インターフェース。
type TokenIssuer interface {
	IssuePair(userID int64) (*token.Pair, error)
	Verify(tokenString string, want token.TokenType) (int64, error)
}

// LockoutStore はログイン失敗カウンタとロックフラグの保存先。
type LockoutStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	IncrWithWindow(ctx context.Context, key string, window time.Duration) (int64, error)
	SetFlag(ctx context.Context, key string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Service は認証サービス。
type Service struct {
	users   repository.UserRepository
	db      repository.Queryer
	tokens  TokenIssuer
	lockout LockoutStore
	logger  *slog.Logger

	failLimit  int
	failWindow time.Duration
	lockWindow time.Duration

	now func() time.Time
}

// NewService は認証サービスを生成する。
func NewService(users repository.UserRepository, db repository.Queryer, tokens TokenIssuer, lockout LockoutStore, failLimit int, failWindow, lockWindow time.Duration, logger *slog.Logger) *Service {
	return &Service{
		users:      users,
		db:         db,
		tokens:     tokens,
		lockout:    lockout,
		logger:     logger,
		failLimit:  failLimit,
		failWindow: failWindow,
		lockWindow: lockWindow,
		now:        time.Now,
	}
}

// Register は新規ユーザーを登録し、トークンペアを発行する。
func (s *Service) Register(ctx context.Context, username, email, password string) (*model.User, *token.Pair, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if err := validateRegistration(username, email, password); err != nil {
		return nil, nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, nil, fmt.Errorf("パスワードのハッシュ化に失敗しました: %w", err)
	}

	user := &model.User{
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		Status:       model.UserStatusActive,
	}
	if err := s.users.Create(ctx, s.db, user); err != nil {
		return nil, nil, err
	}

	pair, err := s.tokens.IssuePair(user.ID)
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info("ユーザーを登録しました", "user_id", user.ID, "username", username)
	return user, pair, nil
}

func validateRegistration(username, email, password string) error {
	if len(username) < 3 || len(username) > 50 {
		return model.NewInvalidRequestError("ユーザー名は3文字以上50文字以下で指定してください。")
	}
	if !strings.Contains(email, "@") || len(email) > 100 {
		return model.NewInvalidRequestError("メールアドレスの形式が正しくありません。")
	}
	if len(password) < 8 {
		return model.NewInvalidRequestError("パスワードは8文字以上で指定してください。")
	}
	return nil
}

// Login はユーザー名またはメールアドレスとパスワードで認証する。
// ユーザー不在とパスワード不一致は同じエラーを返し、アカウントの存在を漏らさない。
func (s *Service) Login(ctx context.Context, usernameOrEmail, password string) (*model.User, *token.Pair, error) {
	identifier := strings.ToLower(strings.TrimSpace(usernameOrEmail))
	lockKey := "login:lock:" + identifier
	failKey := "login:fail:" + identifier

	locked, err := s.lockout.Exists(ctx, lockKey)
	if err != nil {
		// Redis障害時はロックアウトなしで認証を続行する
		s.logger.Warn("ロック状態の確認に失敗しました", "error", err)
	} else if locked {
		return nil, nil, model.NewAccountLockedError()
	}

	user, err := s.users.FindByUsernameOrEmail(ctx, strings.TrimSpace(usernameOrEmail))
	if err != nil {
		return nil, nil, err
	}

	authenticated := false
	if user != nil && user.Status == model.UserStatusActive {
		authenticated = bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) == nil
	}

	if !authenticated {
		s.recordFailure(ctx, failKey, lockKey)
		return nil, nil, model.NewInvalidCredentialsError()
	}

	if err := s.lockout.Delete(ctx, failKey); err != nil {
		s.logger.Warn("失敗カウンタのリセットに失敗しました", "error", err)
	}
	if err := s.users.UpdateLastLogin(ctx, user.ID, s.now()); err != nil {
		s.logger.Warn("最終ログイン日時の更新に失敗しました", "user_id", user.ID, "error", err)
	}

	pair, err := s.tokens.IssuePair(user.ID)
	if err != nil {
		return nil, nil, err
	}
	return user, pair, nil
}

func (s *Service) recordFailure(ctx context.Context, failKey, lockKey string) {
	count, err := s.lockout.IncrWithWindow(ctx, failKey, s.failWindow)
	if err != nil {
		s.logger.Warn("失敗カウンタの加算に失敗しました", "error", err)
		return
	}
	if count >= int64(s.failLimit) {
		if err := s.lockout.SetFlag(ctx, lockKey, s.lockWindow); err != nil {
			s.logger.Warn("アカウントロックの設定に失敗しました", "error", err)
			return
		}
		if err := s.lockout.Delete(ctx, failKey); err != nil {
			s.logger.Warn("失敗カウンタの削除に失敗しました", "error", err)
		}
		s.logger.Info("ログイン失敗上限に達したためアカウントをロックしました", "key", lockKey)
	}
}

// Refresh はリフレッシュトークンを検証し、新しいトークンペアを発行する。
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*token.Pair, error) {
	userID, err := s.tokens.Verify(refreshToken, token.TypeRefresh)
	if err != nil {
		return nil, err
	}
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil || user.Status != model.UserStatusActive {
		return nil, model.NewInvalidTokenError()
	}
	return s.tokens.IssuePair(userID)
}

// GetUser は指定IDのユーザーを取得する。見つからない場合はUSER_NOT_FOUNDを返す。
func (s *Service) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	return user, nil
}
