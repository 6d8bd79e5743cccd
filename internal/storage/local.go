package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalBackend はローカルファイルシステムにブロブを保存する。
type LocalBackend struct {
	root    string
	baseURL string
	now     func() time.Time
}

var _ Backend = (*LocalBackend)(nil)

// NewLocalBackend はルートディレクトリを作成してLocalBackendを生成する。
func NewLocalBackend(root, baseURL string) (*LocalBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("ストレージディレクトリの作成に失敗しました: %w", err)
	}
	return &LocalBackend{
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}, nil
}

// resolve はルート相対パスを実パスに解決する。ルート外への脱出は拒否する。
func (b *LocalBackend) resolve(path string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(path))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("不正なストレージパスです: %q", path)
	}
	return filepath.Join(b.root, cleaned), nil
}

// Upload はブロブをファイルとして書き込む。
// 一時ファイルへ書き切ってからリネームするため、途中失敗で壊れたブロブが
// 最終パスに残ることはない。
func (b *LocalBackend) Upload(ctx context.Context, path string, data []byte) error {
	full, err := b.resolve(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("保存先ディレクトリの作成に失敗しました: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(full)+".tmp*")
	if err != nil {
		return fmt.Errorf("一時ファイルの作成に失敗しました: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("ファイルの書き込みに失敗しました: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("一時ファイルのクローズに失敗しました: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("パーミッションの設定に失敗しました: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("ファイルの配置に失敗しました: %w", err)
	}
	return nil
}

// Download はブロブを読み出す。
func (b *LocalBackend) Download(ctx context.Context, path string) ([]byte, error) {
	full, err := b.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("ファイルの読み込みに失敗しました: %w", err)
	}
	return data, nil
}

// GenerateTempLink はアプリケーション配下の配信URLを返す。
// ローカルバックエンドのURLは署名されず、期限はアプリケーション側の目安となる。
func (b *LocalBackend) GenerateTempLink(ctx context.Context, path string, ttl time.Duration) (*TempLink, error) {
	if _, err := b.resolve(path); err != nil {
		return nil, err
	}
	return &TempLink{
		URL:       b.baseURL + "/storage/" + strings.TrimLeft(path, "/"),
		ExpiresAt: b.now().Add(ttl),
	}, nil
}
