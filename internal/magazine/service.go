// Package magazine は雑誌の検索・アップロード・保護されたダウンロードを提供する。
package magazine

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/zasshi/internal/filecrypt"
	"github.com/hitoshi/zasshi/internal/membership"
	"github.com/hitoshi/zasshi/internal/metrics"
	"github.com/hitoshi/zasshi/internal/model"
	"github.com/hitoshi/zasshi/internal/repository"
	"github.com/hitoshi/zasshi/internal/storage"
)

// Entitlements は閲覧・ダウンロード権利の判定と実績記録のインターフェース。
type Entitlements interface {
	CheckAccessPermission(ctx context.Context, userID int64, m *model.Magazine) (membership.Access, error)
	RecordDownload(ctx context.Context, userID, magazineID int64, ipAddress, userAgent string, fileSize *int64) error
}

// Service は雑誌サービス。
type Service struct {
	magazines    repository.MagazineRepository
	categories   repository.CategoryRepository
	entitlements Entitlements
	cipher       *filecrypt.Cipher
	store        storage.Backend
	logger       *slog.Logger
	now          func() time.Time
}

// NewService は雑誌サービスを生成する。
func NewService(magazines repository.MagazineRepository, categories repository.CategoryRepository, entitlements Entitlements, cipher *filecrypt.Cipher, store storage.Backend, logger *slog.Logger) *Service {
	return &Service{
		magazines:    magazines,
		categories:   categories,
		entitlements: entitlements,
		cipher:       cipher,
		store:        store,
		logger:       logger,
		now:          time.Now,
	}
}

// CategoryNode はカテゴリツリーの1ノード。
type CategoryNode struct {
	Category *model.MagazineCategory
	Children []*CategoryNode
}

// ListCategoryTree は有効なカテゴリを親子ツリーに組み立てて返す。
// ルートはParentIDがnilのカテゴリで、各階層はsort_order順を維持する。
// 親が無効化されたカテゴリはツリーに含まれない。
func (s *Service) ListCategoryTree(ctx context.Context) ([]*CategoryNode, error) {
	categories, err := s.categories.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	nodes := make(map[int64]*CategoryNode, len(categories))
	for _, c := range categories {
		nodes[c.ID] = &CategoryNode{Category: c, Children: []*CategoryNode{}}
	}

	roots := []*CategoryNode{}
	for _, c := range categories {
		node := nodes[c.ID]
		if c.ParentID == nil {
			roots = append(roots, node)
			continue
		}
		if parent, ok := nodes[*c.ParentID]; ok {
			parent.Children = append(parent.Children, node)
		}
	}
	return roots, nil
}

// List は検索条件に一致する雑誌の総件数と1ページ分を返す。
func (s *Service) List(ctx context.Context, query repository.MagazineQuery) (int, []*model.Magazine, error) {
	return s.magazines.List(ctx, query)
}

// Get は指定IDの雑誌を取得し、閲覧カウンタを加算する。
func (s *Service) Get(ctx context.Context, id int64) (*model.Magazine, error) {
	m, err := s.magazines.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, model.NewMagazineNotFoundError(id)
	}
	if err := s.magazines.IncrementViewCount(ctx, id); err != nil {
		s.logger.Warn("閲覧カウンタの更新に失敗しました", "magazine_id", id, "error", err)
	}
	return m, nil
}

// ListCurrentWeek は今週（ISO週、月曜始まり）に発行された公開済みの雑誌を返す。
func (s *Service) ListCurrentWeek(ctx context.Context) ([]*model.Magazine, error) {
	now := s.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	weekday := int(today.Weekday())
	if weekday == 0 {
		weekday = 7 // 日曜はISO週の7日目
	}
	monday := today.AddDate(0, 0, 1-weekday)
	sunday := monday.AddDate(0, 0, 6)
	return s.magazines.ListPublishedBetween(ctx, monday, sunday)
}

// Create は雑誌のメタデータを登録する。ファイル本体はUploadFileで後から登録する。
func (s *Service) Create(ctx context.Context, m *model.Magazine) error {
	return s.magazines.Create(ctx, m)
}

// UploadFile はPDFを検証・暗号化してストアへ保存し、雑誌のメタデータを更新する。
// 保存パスはアップロードごとに新規生成し、再アップロードでも再利用しない
// （旧ブロブは孤児となり、回収は帯域外の運用に委ねる）。
func (s *Service) UploadFile(ctx context.Context, magazineID int64, filename string, data []byte) (*model.Magazine, error) {
	m, err := s.magazines.FindByID(ctx, magazineID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, model.NewMagazineNotFoundError(magazineID)
	}
	if !strings.HasSuffix(strings.ToLower(filename), ".pdf") || !bytes.HasPrefix(data, []byte("%PDF-")) {
		return nil, model.NewInvalidFileTypeError()
	}

	blob, err := s.cipher.Encrypt(assetID(magazineID), data)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	path := fmt.Sprintf("magazines/%04d/%02d/%s.bin", now.Year(), int(now.Month()), uuid.NewString())
	if err := s.store.Upload(ctx, path, blob); err != nil {
		return nil, err
	}

	ivHex := hex.EncodeToString(blob[:16])
	pageCount := countPDFPages(data)
	if err := s.magazines.UpdateFileMetadata(ctx, magazineID, path, ivHex, int64(len(blob)), pageCount); err != nil {
		return nil, err
	}

	s.logger.Info("雑誌ファイルをアップロードしました",
		"magazine_id", magazineID, "path", path, "size", len(blob), "pages", pageCount)

	m.FilePath = path
	m.EncryptedKey = ivHex
	size := int64(len(blob))
	m.FileSize = &size
	m.PageCount = &pageCount
	return m, nil
}

// CheckAccess は雑誌への閲覧・ダウンロード可否を返す。
func (s *Service) CheckAccess(ctx context.Context, userID, magazineID int64) (*model.Magazine, membership.Access, error) {
	m, err := s.magazines.FindByID(ctx, magazineID)
	if err != nil {
		return nil, membership.Access{}, err
	}
	if m == nil {
		return nil, membership.Access{}, model.NewMagazineNotFoundError(magazineID)
	}
	access, err := s.entitlements.CheckAccessPermission(ctx, userID, m)
	if err != nil {
		return nil, membership.Access{}, err
	}
	return m, access, nil
}

// Download は権利を確認した上で雑誌ファイルを復号して返す。
// 権利判定はis_publishedを見ないため、公開状態はここで確認する。
func (s *Service) Download(ctx context.Context, userID, magazineID int64, ipAddress, userAgent string) ([]byte, *model.Magazine, error) {
	m, err := s.magazines.FindByID(ctx, magazineID)
	if err != nil {
		return nil, nil, err
	}
	if m == nil || !m.IsPublished || m.FilePath == "" {
		return nil, nil, model.NewMagazineNotFoundError(magazineID)
	}

	access, err := s.entitlements.CheckAccessPermission(ctx, userID, m)
	if err != nil {
		return nil, nil, err
	}
	if !access.CanDownload {
		return nil, nil, model.NewAccessDeniedError()
	}

	blob, err := s.store.Download(ctx, m.FilePath)
	if err != nil {
		return nil, nil, err
	}
	plaintext, err := s.cipher.Decrypt(assetID(magazineID), blob)
	if err != nil {
		return nil, nil, err
	}

	size := int64(len(plaintext))
	if err := s.entitlements.RecordDownload(ctx, userID, magazineID, ipAddress, userAgent, &size); err != nil {
		return nil, nil, err
	}
	metrics.DownloadsTotal.Inc()
	return plaintext, m, nil
}

func assetID(magazineID int64) string {
	return strconv.FormatInt(magazineID, 10)
}

// countPDFPages はPDF中のページオブジェクト数を数える。
// 正確なパースは行わず、/Type /Page の出現数による概算。
func countPDFPages(data []byte) int {
	count := 0
	rest := data
	for {
		i := bytes.Index(rest, []byte("/Type"))
		if i < 0 {
			break
		}
		rest = rest[i+len("/Type"):]
		j := 0
		for j < len(rest) && (rest[j] == ' ' || rest[j] == '\r' || rest[j] == '\n') {
			j++
		}
		if bytes.HasPrefix(rest[j:], []byte("/Page")) && !bytes.HasPrefix(rest[j:], []byte("/Pages")) {
			count++
		}
	}
	return count
}
