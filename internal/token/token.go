// Package token はJWTアクセストークン・リフレッシュトークンの発行と検証を行う。
package token

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/zasshi/internal/model"
)

// TokenType はトークンの用途を表す。
type TokenType string

const (
	TypeAccess  TokenType = "access"
	TypeRefresh TokenType = "refresh"
)

// Pair はアクセストークンとリフレッシュトークンの組。
type Pair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresIn  int64 // 秒
	RefreshExpiresIn int64 // 秒
}

// claims はHS256で署名するJWTクレーム。リフレッシュトークンのみtypクレームを
// 持ち、アクセストークンにtypは載らない。検証時は期待する用途とクレームの
// 有無・値が一致しないトークンを拒否する。
type claims struct {
	TokenType TokenType `json:"typ,omitempty"`
	jwt.RegisteredClaims
}

// Manager はJWTの発行・検証を行う。
type Manager struct {
	secret     []byte
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewManager はManagerを生成する。
func NewManager(secret, issuer, audience string, accessTTL, refreshTTL time.Duration) *Manager {
	return &Manager{
		secret:     []byte(secret),
		issuer:     issuer,
		audience:   audience,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

// IssuePair はユーザーIDに対するアクセストークンとリフレッシュトークンを発行する。
func (m *Manager) IssuePair(userID int64) (*Pair, error) {
	access, err := m.issue(userID, TypeAccess, m.accessTTL)
	if err != nil {
		return nil, fmt.Errorf("アクセストークンの発行に失敗しました: %w", err)
	}
	refresh, err := m.issue(userID, TypeRefresh, m.refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("リフレッシュトークンの発行に失敗しました: %w", err)
	}
	return &Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresIn:  int64(m.accessTTL.Seconds()),
		RefreshExpiresIn: int64(m.refreshTTL.Seconds()),
	}, nil
}

// discriminator はtypクレームに載せる値を返す。リフレッシュのみクレームを持つ。
func discriminator(typ TokenType) TokenType {
	if typ == TypeRefresh {
		return TypeRefresh
	}
	return ""
}

func (m *Manager) issue(userID int64, typ TokenType, ttl time.Duration) (string, error) {
	now := m.now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		TokenType: discriminator(typ),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{m.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return t.SignedString(m.secret)
}

// Verify はトークンを検証し、用途が一致する場合にユーザーIDを返す。
// 署名不正・期限切れ・発行者不一致・用途不一致はすべてINVALID_TOKENを返す。
func (m *Manager) Verify(tokenString string, want TokenType) (int64, error) {
	var c claims
	t, err := jwt.ParseWithClaims(tokenString, &c,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("想定外の署名方式です: %v", t.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(m.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return m.now() }),
	)
	if err != nil || !t.Valid {
		return 0, model.NewInvalidTokenError()
	}
	if c.TokenType != discriminator(want) {
		return 0, model.NewInvalidTokenError()
	}
	userID, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return 0, model.NewInvalidTokenError()
	}
	return userID, nil
}
