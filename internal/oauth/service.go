package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/zasshi/internal/model"
	"github.com/hitoshi/zasshi/internal/repository"
	"github.com/hitoshi/zasshi/internal/token"
)

// stateTTL はstateトークンの有効期間。発行から5分で失効する。
const stateTTL = 300 * time.Second

// StateStore はstateトークンの保存先。取得は削除を伴う1回限りの消費。
type StateStore interface {
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	TakeJSON(ctx context.Context, key string, dest any) (bool, error)
}

// TokenIssuer はログイン成功時のトークンペア発行インターフェース。
type TokenIssuer interface {
	IssuePair(userID int64) (*token.Pair, error)
}

// stateRecord はRedisに保存するstateトークンの内容。
// UserIDはログイン済みユーザーが連携を開始した場合のみ設定される。
type stateRecord struct {
	Provider string `json:"provider"`
	UserID   *int64 `json:"user_id,omitempty"`
}

// CallbackResult はコールバック処理の結果。
type CallbackResult struct {
	User       *model.User
	Pair       *token.Pair
	NewUser    bool // 自動登録でユーザーを新規作成した
	NewLinkage bool // 既存ユーザーへ新たに紐付けた
}

// Service はOAuthログインのオーケストレーションを行う。
type Service struct {
	providers map[string]Provider
	states    StateStore
	users     repository.UserRepository
	socials   repository.SocialAccountRepository
	db        repository.TxBeginner
	tokens    TokenIssuer
	logger    *slog.Logger
	now       func() time.Time
}

// NewService はOAuthサービスを生成する。
func NewService(providers map[string]Provider, states StateStore, users repository.UserRepository, socials repository.SocialAccountRepository, db repository.TxBeginner, tokens TokenIssuer, logger *slog.Logger) *Service {
	return &Service{
		providers: providers,
		states:    states,
		users:     users,
		socials:   socials,
		db:        db,
		tokens:    tokens,
		logger:    logger,
		now:       time.Now,
	}
}

// BuildAuthorizeURL はstateトークンを発行してIdPの認可URLを返す。
// sessionUserIDが非nilの場合、コールバック時にそのユーザーへ紐付ける。
func (s *Service) BuildAuthorizeURL(ctx context.Context, providerName string, sessionUserID *int64) (string, error) {
	p, ok := s.providers[providerName]
	if !ok {
		return "", model.NewInvalidProviderError(providerName)
	}

	state, err := newStateToken()
	if err != nil {
		return "", fmt.Errorf("stateトークンの生成に失敗しました: %w", err)
	}
	record := stateRecord{Provider: providerName, UserID: sessionUserID}
	if err := s.states.SetJSON(ctx, stateKey(state), record, stateTTL); err != nil {
		return "", err
	}
	return p.AuthorizeURL(state), nil
}

// HandleCallback はIdPからのコールバックを処理する。
// 解決順序は、紐付け済みユーザー → state発行時のログインユーザーへの紐付け →
// 自動登録の3段階。DBの変更はIdPとの交換完了後に1トランザクションで確定する。
func (s *Service) HandleCallback(ctx context.Context, providerName, code, state string) (*CallbackResult, error) {
	p, ok := s.providers[providerName]
	if !ok {
		return nil, model.NewInvalidProviderError(providerName)
	}

	var record stateRecord
	found, err := s.states.TakeJSON(ctx, stateKey(state), &record)
	if err != nil {
		return nil, err
	}
	if !found || record.Provider != providerName {
		return nil, model.NewInvalidStateError()
	}

	identity, err := p.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("IdPとのコード交換に失敗しました: %w", err)
	}

	result, err := s.resolveIdentity(ctx, identity, record.UserID)
	if err != nil {
		return nil, err
	}

	pair, err := s.tokens.IssuePair(result.User.ID)
	if err != nil {
		return nil, err
	}
	result.Pair = pair

	if err := s.users.UpdateLastLogin(ctx, result.User.ID, s.now()); err != nil {
		s.logger.Warn("最終ログイン日時の更新に失敗しました", "user_id", result.User.ID, "error", err)
	}

	s.logger.Info("OAuthログインが完了しました",
		"provider", providerName, "user_id", result.User.ID,
		"new_user", result.NewUser, "new_linkage", result.NewLinkage)
	return result, nil
}

func (s *Service) resolveIdentity(ctx context.Context, identity *Identity, sessionUserID *int64) (*CallbackResult, error) {
	existing, err := s.socials.FindByProviderAndProviderUserID(ctx, identity.Provider, identity.ProviderUserID)
	if err != nil {
		return nil, err
	}

	if existing != nil && existing.UserID != nil {
		user, err := s.users.FindByID(ctx, *existing.UserID)
		if err != nil {
			return nil, err
		}
		if user == nil || user.Status == model.UserStatusBanned {
			return nil, model.NewInvalidCredentialsError()
		}
		if err := s.socials.UpdateTokenSnapshots(ctx, existing.ID, optional(identity.AccessToken), identity.RefreshToken); err != nil {
			s.logger.Warn("トークンスナップショットの更新に失敗しました", "social_id", existing.ID, "error", err)
		}
		return &CallbackResult{User: user}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	social := existing
	if social == nil {
		social = &model.SocialAccount{
			Provider:         identity.Provider,
			ProviderUserID:   identity.ProviderUserID,
			UnionID:          identity.UnionID,
			AccessToken:      optional(identity.AccessToken),
			RefreshToken:     identity.RefreshToken,
			Scope:            identity.Scope,
			NicknameSnapshot: optional(identity.Nickname),
			AvatarSnapshot:   optional(identity.AvatarURL),
		}
		if err := s.socials.Create(ctx, tx, social); err != nil {
			return nil, err
		}
	}

	result := &CallbackResult{NewLinkage: true}
	var user *model.User
	if sessionUserID != nil {
		user, err = s.users.FindByID(ctx, *sessionUserID)
		if err != nil {
			return nil, err
		}
		if user == nil {
			return nil, model.NewUserNotFoundError()
		}
	} else {
		user, err = s.autoRegister(ctx, tx, identity)
		if err != nil {
			return nil, err
		}
		result.NewUser = true
	}

	if err := s.socials.BindUser(ctx, tx, social.ID, user.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("トランザクションの確定に失敗しました: %w", err)
	}

	result.User = user
	return result, nil
}

// autoRegister は外部アイデンティティからローカルユーザーを新規作成する。
// パスワードはランダム値のハッシュを保存し、パスワードログインは事実上できない。
func (s *Service) autoRegister(ctx context.Context, tx repository.Queryer, identity *Identity) (*model.User, error) {
	suffix := make([]byte, 2)
	if _, err := rand.Read(suffix); err != nil {
		return nil, fmt.Errorf("ユーザー名サフィックスの生成に失敗しました: %w", err)
	}
	username := sanitizeNickname(identity.Nickname) + "_" + hex.EncodeToString(suffix)
	email := identity.ProviderUserID + "@" + identity.Provider + ".oauth"

	randomPassword := make([]byte, 24)
	if _, err := rand.Read(randomPassword); err != nil {
		return nil, fmt.Errorf("初期パスワードの生成に失敗しました: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword(randomPassword, bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("初期パスワードのハッシュ化に失敗しました: %w", err)
	}

	user := &model.User{
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		Status:       model.UserStatusActive,
	}
	if err := s.users.Create(ctx, tx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func sanitizeNickname(nickname string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return -1
		}
	}, nickname)
	if cleaned == "" {
		cleaned = "user"
	}
	if len(cleaned) > 30 {
		cleaned = cleaned[:30]
	}
	return cleaned
}

func newStateToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func stateKey(state string) string {
	return "oauth:state:" + state
}
