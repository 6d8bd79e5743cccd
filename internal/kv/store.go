// Package kv はRedisを使った短命データの保存を提供する。
// OAuth stateトークンとログイン失敗カウンタのように、TTL付きで
// 消えてよいデータだけを置く。永続データはPostgreSQLが持つ。
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store はRedisクライアントの薄いラッパー。
type Store struct {
	rdb *redis.Client
}

// NewStore は接続URL（redis://...）からStoreを生成する。
func NewStore(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("Redis接続URLの解析に失敗しました: %w", err)
	}
	return &Store{rdb: redis.NewClient(opts)}, nil
}

// Ping は疎通確認を行う。
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("Redisへの疎通確認に失敗しました: %w", err)
	}
	return nil
}

// Close は接続を閉じる。
func (s *Store) Close() error {
	return s.rdb.Close()
}

// SetJSON は値をJSONとしてTTL付きで保存する。
func (s *Store) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("値のJSON変換に失敗しました: %w", err)
	}
	if err := s.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("Redisへの保存に失敗しました: %w", err)
	}
	return nil
}

// TakeJSON はキーの値を取得すると同時に削除する（1回限りの消費）。
// キーが存在しない場合はfalseを返す。
func (s *Store) TakeJSON(ctx context.Context, key string, dest any) (bool, error) {
	data, err := s.rdb.GetDel(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("Redisからの取得に失敗しました: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("値のJSON解析に失敗しました: %w", err)
	}
	return true, nil
}

// IncrWithWindow はカウンタを1加算して現在値を返す。
// 初回加算時のみTTLを設定し、ウィンドウ経過で自動リセットされる。
func (s *Store) IncrWithWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("カウンタの加算に失敗しました: %w", err)
	}
	if count == 1 {
		if err := s.rdb.Expire(ctx, key, window).Err(); err != nil {
			return 0, fmt.Errorf("カウンタのTTL設定に失敗しました: %w", err)
		}
	}
	return count, nil
}

// SetFlag はTTL付きのフラグを立てる。
func (s *Store) SetFlag(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("フラグの設定に失敗しました: %w", err)
	}
	return nil
}

// Exists はキーが存在するかを返す。
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("キーの存在確認に失敗しました: %w", err)
	}
	return n > 0, nil
}

// Delete はキーを削除する。存在しないキーの削除はエラーにならない。
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("キーの削除に失敗しました: %w", err)
	}
	return nil
}
