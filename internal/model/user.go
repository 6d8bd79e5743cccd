// Package model はドメインモデルを定義する。
package model

import "time"

// UserStatus はユーザーアカウントの状態を表す。
type UserStatus string

const (
	UserStatusActive   UserStatus = "active"
	UserStatusInactive UserStatus = "inactive"
	UserStatusBanned   UserStatus = "banned"
)

// User はサービス利用ユーザーを表す。
// PasswordHashは不透明なハッシュ文字列として扱い、モデル層では中身を解釈しない。
type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	Status       UserStatus
	LastLoginAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SocialAccount は外部IdP（wechat/weibo/douyin）との紐付け情報を表す。
// (Provider, ProviderUserID) はグローバルに一意。
// UserIDがnilの場合、ローカルユーザーに未紐付けの一時的な状態を表す。
type SocialAccount struct {
	ID               int64
	UserID           *int64
	Provider         string
	ProviderUserID   string
	UnionID          *string
	AccessToken      *string
	RefreshToken     *string
	Scope            *string
	NicknameSnapshot *string
	AvatarSnapshot   *string
	CreatedAt        time.Time
}
