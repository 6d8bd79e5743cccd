package handler

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/zasshi/internal/magazine"
	"github.com/hitoshi/zasshi/internal/membership"
	"github.com/hitoshi/zasshi/internal/middleware"
	"github.com/hitoshi/zasshi/internal/model"
	"github.com/hitoshi/zasshi/internal/repository"
)

// maxUploadBytes はアップロードを受け付けるPDFの上限サイズ（100MiB）。
const maxUploadBytes = 100 << 20

// MagazineServiceInterface は雑誌ハンドラーが必要とするサービスインターフェース。
type MagazineServiceInterface interface {
	// List は検索条件に一致する雑誌の総件数と1ページ分を返す。
	List(ctx context.Context, query repository.MagazineQuery) (int, []*model.Magazine, error)
	// Get は指定IDの雑誌を取得し、閲覧カウンタを加算する。
	Get(ctx context.Context, id int64) (*model.Magazine, error)
	// ListCurrentWeek は今週に発行された公開済みの雑誌を返す。
	ListCurrentWeek(ctx context.Context) ([]*model.Magazine, error)
	// ListCategoryTree は有効なカテゴリを親子ツリーで返す。
	ListCategoryTree(ctx context.Context) ([]*magazine.CategoryNode, error)
	// UploadFile はPDFを検証・暗号化してストアへ保存する。
	UploadFile(ctx context.Context, magazineID int64, filename string, data []byte) (*model.Magazine, error)
	// CheckAccess は雑誌への閲覧・ダウンロード可否を返す。
	CheckAccess(ctx context.Context, userID, magazineID int64) (*model.Magazine, membership.Access, error)
	// Download は権利を確認した上で雑誌ファイルを復号して返す。
	Download(ctx context.Context, userID, magazineID int64, ipAddress, userAgent string) ([]byte, *model.Magazine, error)
}

// MagazineHandler は雑誌のHTTPハンドラー。
type MagazineHandler struct {
	service MagazineServiceInterface
}

// NewMagazineHandler はMagazineHandlerを生成する。
func NewMagazineHandler(service MagazineServiceInterface) *MagazineHandler {
	return &MagazineHandler{service: service}
}

// magazineResponse は雑誌のAPIレスポンス。
// ファイルパスや暗号化メタデータは外部に出さない。
type magazineResponse struct {
	ID            int64     `json:"id"`
	Title         string    `json:"title"`
	IssueNumber   string    `json:"issue_number"`
	PublishDate   string    `json:"publish_date"`
	Description   string    `json:"description"`
	CoverImageURL string    `json:"cover_image_url"`
	PageCount     *int      `json:"page_count,omitempty"`
	IsSensitive   bool      `json:"is_sensitive"`
	IsPublished   bool      `json:"is_published"`
	ViewCount     int       `json:"view_count"`
	DownloadCount int       `json:"download_count"`
	HasFile       bool      `json:"has_file"`
	CreatedAt     time.Time `json:"created_at"`
}

func toMagazineResponse(m *model.Magazine) magazineResponse {
	return magazineResponse{
		ID:            m.ID,
		Title:         m.Title,
		IssueNumber:   m.IssueNumber,
		PublishDate:   m.PublishDate.Format("2006-01-02"),
		Description:   m.Description,
		CoverImageURL: m.CoverImageURL,
		PageCount:     m.PageCount,
		IsSensitive:   m.IsSensitive,
		IsPublished:   m.IsPublished,
		ViewCount:     m.ViewCount,
		DownloadCount: m.DownloadCount,
		HasFile:       m.FilePath != "",
		CreatedAt:     m.CreatedAt,
	}
}

func magazineIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

// magazineListResponse は雑誌一覧のAPIレスポンス。
type magazineListResponse struct {
	Total int                `json:"total"`
	Page  int                `json:"page"`
	Size  int                `json:"size"`
	Items []magazineResponse `json:"items"`
}

// List は雑誌を検索する。
// GET /api/magazines?q=&is_published=&page=&size=&sort_by=&order=
func (h *MagazineHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	query := repository.MagazineQuery{
		Keyword: q.Get("q"),
		SortBy:  q.Get("sort_by"),
		Order:   q.Get("order"),
	}
	if v := q.Get("is_published"); v != "" {
		published := v == "true"
		query.IsPublished = &published
	}
	query.Page, _ = strconv.Atoi(q.Get("page"))
	query.Size, _ = strconv.Atoi(q.Get("size"))
	if query.Page < 1 {
		query.Page = 1
	}
	if query.Size < 1 || query.Size > 100 {
		query.Size = 20
	}

	total, magazines, err := h.service.List(r.Context(), query)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	items := make([]magazineResponse, 0, len(magazines))
	for _, m := range magazines {
		items = append(items, toMagazineResponse(m))
	}
	writeJSON(w, http.StatusOK, magazineListResponse{
		Total: total,
		Page:  query.Page,
		Size:  query.Size,
		Items: items,
	})
}

// ListCurrentWeek は今週号の一覧を返す。
// GET /api/magazines/current-week
func (h *MagazineHandler) ListCurrentWeek(w http.ResponseWriter, r *http.Request) {
	magazines, err := h.service.ListCurrentWeek(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	items := make([]magazineResponse, 0, len(magazines))
	for _, m := range magazines {
		items = append(items, toMagazineResponse(m))
	}
	writeJSON(w, http.StatusOK, items)
}

// categoryResponse はカテゴリツリーのAPIレスポンス。
type categoryResponse struct {
	ID          int64              `json:"id"`
	Name        string             `json:"name"`
	Description string             `json:"description"`
	ParentID    *int64             `json:"parent_id"`
	SortOrder   int                `json:"sort_order"`
	Children    []categoryResponse `json:"children"`
}

func toCategoryResponses(nodes []*magazine.CategoryNode) []categoryResponse {
	items := make([]categoryResponse, 0, len(nodes))
	for _, n := range nodes {
		items = append(items, categoryResponse{
			ID:          n.Category.ID,
			Name:        n.Category.Name,
			Description: n.Category.Description,
			ParentID:    n.Category.ParentID,
			SortOrder:   n.Category.SortOrder,
			Children:    toCategoryResponses(n.Children),
		})
	}
	return items
}

// ListCategories は有効なカテゴリのツリーを返す。
// GET /api/magazines/categories
func (h *MagazineHandler) ListCategories(w http.ResponseWriter, r *http.Request) {
	tree, err := h.service.ListCategoryTree(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCategoryResponses(tree))
}

// Get は雑誌の詳細を返す。
// GET /api/magazines/{id}
func (h *MagazineHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := magazineIDParam(r)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("雑誌IDの形式が正しくありません。"))
		return
	}

	m, err := h.service.Get(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMagazineResponse(m))
}

// Upload は雑誌のPDFファイルをアップロードする。
// POST /api/magazines/{id}/upload （multipart/form-data、フィールド名file）
func (h *MagazineHandler) Upload(w http.ResponseWriter, r *http.Request) {
	id, err := magazineIDParam(r)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("雑誌IDの形式が正しくありません。"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("fileフィールドのアップロードが必要です。"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("ファイルの読み取りに失敗しました。"))
		return
	}

	m, err := h.service.UploadFile(r.Context(), id, header.Filename, data)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMagazineResponse(m))
}

// accessResponse は閲覧・ダウンロード可否のAPIレスポンス。
type accessResponse struct {
	MagazineID  int64 `json:"magazine_id"`
	CanView     bool  `json:"can_view"`
	CanDownload bool  `json:"can_download"`
}

// CheckAccess は認証済みユーザーの閲覧・ダウンロード可否を返す。
// GET /api/magazines/{id}/access
func (h *MagazineHandler) CheckAccess(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	id, err := magazineIDParam(r)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("雑誌IDの形式が正しくありません。"))
		return
	}

	m, access, err := h.service.CheckAccess(r.Context(), userID, id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accessResponse{
		MagazineID:  m.ID,
		CanView:     access.CanView,
		CanDownload: access.CanDownload,
	})
}

// Download は復号済みのPDFを返す。
// GET /api/magazines/{id}/download
func (h *MagazineHandler) Download(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	id, err := magazineIDParam(r)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("雑誌IDの形式が正しくありません。"))
		return
	}

	ip, _, splitErr := net.SplitHostPort(r.RemoteAddr)
	if splitErr != nil {
		ip = r.RemoteAddr
	}

	data, m, err := h.service.Download(r.Context(), userID, id, ip, r.UserAgent())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", m.IssueNumber+".pdf"))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}
