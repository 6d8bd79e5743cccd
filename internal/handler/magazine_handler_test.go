package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/zasshi/internal/magazine"
	"github.com/hitoshi/zasshi/internal/membership"
	"github.com/hitoshi/zasshi/internal/middleware"
	"github.com/hitoshi/zasshi/internal/model"
	"github.com/hitoshi/zasshi/internal/repository"
)

// --- モック定義 ---

type mockMagazineService struct {
	listFn            func(ctx context.Context, query repository.MagazineQuery) (int, []*model.Magazine, error)
	getFn             func(ctx context.Context, id int64) (*model.Magazine, error)
	listCurrentWeekFn func(ctx context.Context) ([]*model.Magazine, error)
	uploadFileFn      func(ctx context.Context, magazineID int64, filename string, data []byte) (*model.Magazine, error)
	checkAccessFn     func(ctx context.Context, userID, magazineID int64) (*model.Magazine, membership.Access, error)
	downloadFn        func(ctx context.Context, userID, magazineID int64, ipAddress, userAgent string) ([]byte, *model.Magazine, error)
	listCategoriesFn  func(ctx context.Context) ([]*magazine.CategoryNode, error)
}

func (m *mockMagazineService) List(ctx context.Context, query repository.MagazineQuery) (int, []*model.Magazine, error) {
	if m.listFn != nil {
		return m.listFn(ctx, query)
	}
	return 0, nil, nil
}

func (m *mockMagazineService) Get(ctx context.Context, id int64) (*model.Magazine, error) {
	if m.getFn != nil {
		return m.getFn(ctx, id)
	}
	return nil, nil
}

func (m *mockMagazineService) ListCurrentWeek(ctx context.Context) ([]*model.Magazine, error) {
	if m.listCurrentWeekFn != nil {
		return m.listCurrentWeekFn(ctx)
	}
	return nil, nil
}

func (m *mockMagazineService) ListCategoryTree(ctx context.Context) ([]*magazine.CategoryNode, error) {
	if m.listCategoriesFn != nil {
		return m.listCategoriesFn(ctx)
	}
	return nil, nil
}

func (m *mockMagazineService) UploadFile(ctx context.Context, magazineID int64, filename string, data []byte) (*model.Magazine, error) {
	if m.uploadFileFn != nil {
		return m.uploadFileFn(ctx, magazineID, filename, data)
	}
	return nil, nil
}

func (m *mockMagazineService) CheckAccess(ctx context.Context, userID, magazineID int64) (*model.Magazine, membership.Access, error) {
	if m.checkAccessFn != nil {
		return m.checkAccessFn(ctx, userID, magazineID)
	}
	return nil, membership.Access{}, nil
}

func (m *mockMagazineService) Download(ctx context.Context, userID, magazineID int64, ipAddress, userAgent string) ([]byte, *model.Magazine, error) {
	if m.downloadFn != nil {
		return m.downloadFn(ctx, userID, magazineID, ipAddress, userAgent)
	}
	return nil, nil, nil
}

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

func testMagazine() *model.Magazine {
	return &model.Magazine{
		ID:          7,
		Title:       "週刊テック",
		IssueNumber: "2026-12",
		PublishDate: time.Date(2026, 3, 18, 0, 0, 0, 0, time.UTC),
		IsPublished: true,
		FilePath:    "magazines/2026/03/abc.bin",
		ViewCount:   3,
	}
}

// --- テスト ---

func TestMagazineHandler_List_ReturnsPaginatedResult(t *testing.T) {
	var gotQuery repository.MagazineQuery
	svc := &mockMagazineService{
		listFn: func(ctx context.Context, query repository.MagazineQuery) (int, []*model.Magazine, error) {
			gotQuery = query
			return 42, []*model.Magazine{testMagazine()}, nil
		},
	}
	h := NewMagazineHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/magazines?q=tech&page=2&size=10&is_published=true", nil)
	w := httptest.NewRecorder()

	h.List(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	if gotQuery.Keyword != "tech" {
		t.Errorf("keyword = %q, want %q", gotQuery.Keyword, "tech")
	}
	if gotQuery.Page != 2 || gotQuery.Size != 10 {
		t.Errorf("page/size = %d/%d, want 2/10", gotQuery.Page, gotQuery.Size)
	}
	if gotQuery.IsPublished == nil || !*gotQuery.IsPublished {
		t.Error("is_published filter should be true")
	}

	var got magazineListResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if got.Total != 42 {
		t.Errorf("total = %d, want 42", got.Total)
	}
	if len(got.Items) != 1 {
		t.Fatalf("item count = %d, want 1", len(got.Items))
	}
	if !got.Items[0].HasFile {
		t.Error("has_file should be true when the magazine has a stored file")
	}
}

func TestMagazineHandler_List_NormalizesPagination(t *testing.T) {
	tests := []struct {
		name     string
		rawQuery string
		wantPage int
		wantSize int
	}{
		{"未指定はデフォルト", "", 1, 20},
		{"page=0は1に補正", "page=0&size=50", 1, 50},
		{"size上限超過は20に補正", "page=1&size=500", 1, 20},
		{"負のsizeは20に補正", "size=-1", 1, 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotQuery repository.MagazineQuery
			svc := &mockMagazineService{
				listFn: func(ctx context.Context, query repository.MagazineQuery) (int, []*model.Magazine, error) {
					gotQuery = query
					return 0, nil, nil
				},
			}
			h := NewMagazineHandler(svc)

			req := httptest.NewRequest(http.MethodGet, "/api/magazines?"+tt.rawQuery, nil)
			w := httptest.NewRecorder()

			h.List(w, req)

			if gotQuery.Page != tt.wantPage || gotQuery.Size != tt.wantSize {
				t.Errorf("page/size = %d/%d, want %d/%d", gotQuery.Page, gotQuery.Size, tt.wantPage, tt.wantSize)
			}
		})
	}
}

func TestMagazineHandler_Get_ReturnsMagazine(t *testing.T) {
	svc := &mockMagazineService{
		getFn: func(ctx context.Context, id int64) (*model.Magazine, error) {
			if id != 7 {
				t.Errorf("id = %d, want 7", id)
			}
			return testMagazine(), nil
		},
	}
	h := NewMagazineHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/magazines/7", nil)
	req = withChiURLParam(req, "id", "7")
	w := httptest.NewRecorder()

	h.Get(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var got magazineResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if got.Title != "週刊テック" {
		t.Errorf("title = %q, want %q", got.Title, "週刊テック")
	}
	if got.PublishDate != "2026-03-18" {
		t.Errorf("publish_date = %q, want %q", got.PublishDate, "2026-03-18")
	}
}

func TestMagazineHandler_Get_InvalidID_Returns400(t *testing.T) {
	h := NewMagazineHandler(&mockMagazineService{})

	req := httptest.NewRequest(http.MethodGet, "/api/magazines/abc", nil)
	req = withChiURLParam(req, "id", "abc")
	w := httptest.NewRecorder()

	h.Get(w, req)

	if w.Result().StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusBadRequest)
	}
}

func TestMagazineHandler_Get_NotFound_Returns404(t *testing.T) {
	svc := &mockMagazineService{
		getFn: func(ctx context.Context, id int64) (*model.Magazine, error) {
			return nil, model.NewMagazineNotFoundError(id)
		},
	}
	h := NewMagazineHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/magazines/999", nil)
	req = withChiURLParam(req, "id", "999")
	w := httptest.NewRecorder()

	h.Get(w, req)

	if w.Result().StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusNotFound)
	}
}

func TestMagazineHandler_ListCurrentWeek_ReturnsMagazines(t *testing.T) {
	svc := &mockMagazineService{
		listCurrentWeekFn: func(ctx context.Context) ([]*model.Magazine, error) {
			return []*model.Magazine{testMagazine()}, nil
		},
	}
	h := NewMagazineHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/magazines/current-week", nil)
	w := httptest.NewRecorder()

	h.ListCurrentWeek(w, req)

	var got []magazineResponse
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("item count = %d, want 1", len(got))
	}
}

func TestMagazineHandler_ListCategories_ReturnsTree(t *testing.T) {
	parentID := int64(1)
	svc := &mockMagazineService{
		listCategoriesFn: func(ctx context.Context) ([]*magazine.CategoryNode, error) {
			return []*magazine.CategoryNode{
				{
					Category: &model.MagazineCategory{ID: 1, Name: "テクノロジー", Description: "技術系", SortOrder: 1},
					Children: []*magazine.CategoryNode{
						{
							Category: &model.MagazineCategory{ID: 3, Name: "プログラミング", ParentID: &parentID, SortOrder: 2},
							Children: []*magazine.CategoryNode{},
						},
					},
				},
			}, nil
		},
	}
	h := NewMagazineHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/magazines/categories", nil)
	w := httptest.NewRecorder()

	h.ListCategories(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var got []categoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("root count = %d, want 1", len(got))
	}
	if got[0].Name != "テクノロジー" || got[0].Description != "技術系" || got[0].SortOrder != 1 {
		t.Errorf("root = %+v", got[0])
	}
	if got[0].ParentID != nil {
		t.Error("root parent_id must be null")
	}
	if len(got[0].Children) != 1 {
		t.Fatalf("child count = %d, want 1", len(got[0].Children))
	}
	child := got[0].Children[0]
	if child.ID != 3 || child.ParentID == nil || *child.ParentID != 1 {
		t.Errorf("child = %+v, want ID 3 under parent 1", child)
	}
	if child.Children == nil {
		t.Error("leaf children must encode as [] not null")
	}
}

func TestMagazineHandler_ListCategories_EmptyIsJSONArray(t *testing.T) {
	h := NewMagazineHandler(&mockMagazineService{})

	req := httptest.NewRequest(http.MethodGet, "/api/magazines/categories", nil)
	w := httptest.NewRecorder()

	h.ListCategories(w, req)

	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("body = %q, want []", got)
	}
}

func multipartBody(t *testing.T, fieldName, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(fieldName, filename)
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatalf("failed to write form file: %v", err)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestMagazineHandler_Upload_PassesFileToService(t *testing.T) {
	pdf := []byte("%PDF-1.7\ndummy content")

	svc := &mockMagazineService{
		uploadFileFn: func(ctx context.Context, magazineID int64, filename string, data []byte) (*model.Magazine, error) {
			if magazineID != 7 {
				t.Errorf("magazineID = %d, want 7", magazineID)
			}
			if filename != "issue-12.pdf" {
				t.Errorf("filename = %q, want %q", filename, "issue-12.pdf")
			}
			if !bytes.Equal(data, pdf) {
				t.Error("uploaded data does not match")
			}
			return testMagazine(), nil
		},
	}
	h := NewMagazineHandler(svc)

	body, contentType := multipartBody(t, "file", "issue-12.pdf", pdf)
	req := httptest.NewRequest(http.MethodPost, "/api/magazines/7/upload", body)
	req.Header.Set("Content-Type", contentType)
	req = withChiURLParam(req, "id", "7")
	w := httptest.NewRecorder()

	h.Upload(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
}

func TestMagazineHandler_Upload_MissingFileField_Returns400(t *testing.T) {
	h := NewMagazineHandler(&mockMagazineService{})

	body, contentType := multipartBody(t, "wrong_field", "issue-12.pdf", []byte("%PDF-1.7"))
	req := httptest.NewRequest(http.MethodPost, "/api/magazines/7/upload", body)
	req.Header.Set("Content-Type", contentType)
	req = withChiURLParam(req, "id", "7")
	w := httptest.NewRecorder()

	h.Upload(w, req)

	if w.Result().StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusBadRequest)
	}
}

func TestMagazineHandler_Upload_InvalidFileType_Returns400(t *testing.T) {
	svc := &mockMagazineService{
		uploadFileFn: func(ctx context.Context, magazineID int64, filename string, data []byte) (*model.Magazine, error) {
			return nil, model.NewInvalidFileTypeError()
		},
	}
	h := NewMagazineHandler(svc)

	body, contentType := multipartBody(t, "file", "virus.exe", []byte("MZ"))
	req := httptest.NewRequest(http.MethodPost, "/api/magazines/7/upload", body)
	req.Header.Set("Content-Type", contentType)
	req = withChiURLParam(req, "id", "7")
	w := httptest.NewRecorder()

	h.Upload(w, req)

	if w.Result().StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusBadRequest)
	}
}

func TestMagazineHandler_CheckAccess_ReturnsAccess(t *testing.T) {
	svc := &mockMagazineService{
		checkAccessFn: func(ctx context.Context, userID, magazineID int64) (*model.Magazine, membership.Access, error) {
			return testMagazine(), membership.Access{CanView: true, CanDownload: false}, nil
		},
	}
	h := NewMagazineHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/magazines/7/access", nil)
	req = req.WithContext(middleware.ContextWithUserID(req.Context(), 42))
	req = withChiURLParam(req, "id", "7")
	w := httptest.NewRecorder()

	h.CheckAccess(w, req)

	var got accessResponse
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if got.MagazineID != 7 {
		t.Errorf("magazine_id = %d, want 7", got.MagazineID)
	}
	if !got.CanView || got.CanDownload {
		t.Errorf("access = view:%v download:%v, want view:true download:false", got.CanView, got.CanDownload)
	}
}

func TestMagazineHandler_CheckAccess_NoUserID_Returns401(t *testing.T) {
	h := NewMagazineHandler(&mockMagazineService{})

	req := httptest.NewRequest(http.MethodGet, "/api/magazines/7/access", nil)
	req = withChiURLParam(req, "id", "7")
	w := httptest.NewRecorder()

	h.CheckAccess(w, req)

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestMagazineHandler_Download_ReturnsPDF(t *testing.T) {
	pdf := []byte("%PDF-1.7\ndecrypted")

	svc := &mockMagazineService{
		downloadFn: func(ctx context.Context, userID, magazineID int64, ipAddress, userAgent string) ([]byte, *model.Magazine, error) {
			if userID != 42 || magazineID != 7 {
				t.Errorf("args = user:%d magazine:%d, want 42/7", userID, magazineID)
			}
			if ipAddress == "" {
				t.Error("ipAddress should be extracted from RemoteAddr")
			}
			return pdf, testMagazine(), nil
		},
	}
	h := NewMagazineHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/magazines/7/download", nil)
	req = req.WithContext(middleware.ContextWithUserID(req.Context(), 42))
	req = withChiURLParam(req, "id", "7")
	w := httptest.NewRecorder()

	h.Download(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if got := resp.Header.Get("Content-Type"); got != "application/pdf" {
		t.Errorf("Content-Type = %q, want %q", got, "application/pdf")
	}
	if got := resp.Header.Get("Content-Disposition"); got != `attachment; filename="2026-12.pdf"` {
		t.Errorf("Content-Disposition = %q", got)
	}
	if !bytes.Equal(w.Body.Bytes(), pdf) {
		t.Error("response body does not match decrypted PDF")
	}
}

func TestMagazineHandler_Download_AccessDenied_Returns403(t *testing.T) {
	svc := &mockMagazineService{
		downloadFn: func(ctx context.Context, userID, magazineID int64, ipAddress, userAgent string) ([]byte, *model.Magazine, error) {
			return nil, nil, model.NewAccessDeniedError()
		},
	}
	h := NewMagazineHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/magazines/7/download", nil)
	req = req.WithContext(middleware.ContextWithUserID(req.Context(), 42))
	req = withChiURLParam(req, "id", "7")
	w := httptest.NewRecorder()

	h.Download(w, req)

	if w.Result().StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusForbidden)
	}
}
