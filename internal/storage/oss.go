package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
)

// OSSBackend はAliyun OSSのバケットにブロブを保存する。
// 一時リンクはOSSの署名付きURLで、期限はOSS側で強制される。
type OSSBackend struct {
	bucket *oss.Bucket
	now    func() time.Time
}

var _ Backend = (*OSSBackend)(nil)

// NewOSSBackend はOSSクライアントを初期化してOSSBackendを生成する。
func NewOSSBackend(endpoint, accessKeyID, accessKeySecret, bucketName string) (*OSSBackend, error) {
	client, err := oss.New(endpoint, accessKeyID, accessKeySecret)
	if err != nil {
		return nil, fmt.Errorf("OSSクライアントの初期化に失敗しました: %w", err)
	}
	bucket, err := client.Bucket(bucketName)
	if err != nil {
		return nil, fmt.Errorf("OSSバケットの取得に失敗しました: %w", err)
	}
	return &OSSBackend{bucket: bucket, now: time.Now}, nil
}

// Upload はブロブをオブジェクトとして書き込む。
func (b *OSSBackend) Upload(ctx context.Context, path string, data []byte) error {
	if err := b.bucket.PutObject(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("OSSへのアップロードに失敗しました: %w", err)
	}
	return nil
}

// Download はオブジェクトを読み出す。
func (b *OSSBackend) Download(ctx context.Context, path string) ([]byte, error) {
	body, err := b.bucket.GetObject(path)
	if err != nil {
		return nil, fmt.Errorf("OSSからのダウンロードに失敗しました: %w", err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("OSSオブジェクトの読み取りに失敗しました: %w", err)
	}
	return data, nil
}

// GenerateTempLink はOSSの署名付きURLを生成する。
func (b *OSSBackend) GenerateTempLink(ctx context.Context, path string, ttl time.Duration) (*TempLink, error) {
	seconds := int64(ttl.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	signedURL, err := b.bucket.SignURL(path, oss.HTTPGet, seconds)
	if err != nil {
		return nil, fmt.Errorf("署名付きURLの生成に失敗しました: %w", err)
	}
	return &TempLink{URL: signedURL, ExpiresAt: b.now().Add(ttl)}, nil
}
