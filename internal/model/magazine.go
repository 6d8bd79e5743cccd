package model

import "time"

// MagazineCategory は雑誌カテゴリの1ノードを表す。
// ParentIDがnilのカテゴリがツリーのルートとなる。
// SortOrderは同一階層内の表示順。
type MagazineCategory struct {
	ID          int64
	Name        string
	Description string
	ParentID    *int64
	SortOrder   int
	IsActive    bool
	CreatedAt   time.Time
}

// Magazine は雑誌号のコンテンツアセットを表す。
// FilePathはアップロード完了まで空。EncryptedKeyは暗号化に使用した
// 初期化ベクトル（hex）で、復号が自己完結するようアセットと共に保存する。
// ViewCount/DownloadCountは単調非減少。
type Magazine struct {
	ID            int64
	Title         string
	IssueNumber   string
	PublishDate   time.Time
	Description   string
	CoverImageURL string
	FilePath      string
	EncryptedKey  string
	FileSize      *int64
	PageCount     *int
	IsSensitive   bool
	IsPublished   bool
	ViewCount     int
	DownloadCount int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
