package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/zasshi/internal/middleware"
	"github.com/hitoshi/zasshi/internal/model"
	"github.com/hitoshi/zasshi/internal/oauth"
)

// OAuthServiceInterface はOAuthハンドラーが必要とするサービスインターフェース。
type OAuthServiceInterface interface {
	// BuildAuthorizeURL はstateトークンを発行してIdPの認可URLを返す。
	BuildAuthorizeURL(ctx context.Context, provider string, sessionUserID *int64) (string, error)
	// HandleCallback はIdPからのコールバックを処理する。
	HandleCallback(ctx context.Context, provider, code, state string) (*oauth.CallbackResult, error)
}

// OAuthHandler は外部IdPログインのHTTPハンドラー。
type OAuthHandler struct {
	service OAuthServiceInterface
}

// NewOAuthHandler はOAuthHandlerを生成する。
func NewOAuthHandler(service OAuthServiceInterface) *OAuthHandler {
	return &OAuthHandler{service: service}
}

// Authorize はIdPの認可ページへリダイレクトする。
// ログイン済みで呼ばれた場合、コールバックでそのユーザーに紐付ける。
// GET /api/oauth/{provider}/authorize
func (h *OAuthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	var sessionUserID *int64
	if userID, err := middleware.UserIDFromContext(r.Context()); err == nil {
		sessionUserID = &userID
	}

	authorizeURL, err := h.service.BuildAuthorizeURL(r.Context(), provider, sessionUserID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	http.Redirect(w, r, authorizeURL, http.StatusFound)
}

// oauthCallbackResponse はOAuthコールバックのAPIレスポンス。
type oauthCallbackResponse struct {
	User       userResponse  `json:"user"`
	Token      tokenResponse `json:"token"`
	NewUser    bool          `json:"new_user"`
	NewLinkage bool          `json:"new_linkage"`
}

// Callback はIdPからのコールバックを処理してトークンペアを返す。
// GET /api/oauth/{provider}/callback
func (h *OAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("codeとstateは必須です。"))
		return
	}

	result, err := h.service.HandleCallback(r.Context(), provider, code, state)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, oauthCallbackResponse{
		User:       toUserResponse(result.User),
		Token:      toTokenResponse(result.Pair),
		NewUser:    result.NewUser,
		NewLinkage: result.NewLinkage,
	})
}
