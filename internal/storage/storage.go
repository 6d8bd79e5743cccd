// Package storage は暗号化済みブロブの保存先を抽象化する。
// バックエンドはローカルファイルシステムとAliyun OSSの2種類で、
// 起動時に設定で1つだけ選択する。
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/zasshi/internal/config"
)

// TempLink は期限付きの一時アクセスURL。
type TempLink struct {
	URL       string
	ExpiresAt time.Time
}

// Backend はブロブストアの能力面。パスの解釈はバックエンド依存
// （ローカルはルート相対パス、OSSはバケットキー）。
type Backend interface {
	Upload(ctx context.Context, path string, data []byte) error
	Download(ctx context.Context, path string) ([]byte, error)
	GenerateTempLink(ctx context.Context, path string, ttl time.Duration) (*TempLink, error)
}

// NewBackend は設定に応じたバックエンドを生成する。
func NewBackend(cfg *config.Config) (Backend, error) {
	switch cfg.StorageBackend {
	case "local":
		return NewLocalBackend(cfg.LocalStorageDir, cfg.BaseURL)
	case "oss":
		return NewOSSBackend(cfg.OSSEndpoint, cfg.OSSAccessKeyID, cfg.OSSAccessKeySecret, cfg.OSSBucket)
	}
	return nil, fmt.Errorf("未対応のストレージバックエンドです: %q", cfg.StorageBackend)
}
