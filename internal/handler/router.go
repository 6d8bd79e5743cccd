package handler

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/zasshi/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	TokenVerifier     middleware.TokenVerifier
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// サービス
	AuthService       AuthServiceInterface
	OAuthService      OAuthServiceInterface
	MembershipService MembershipServiceInterface
	PayURLBuilder     PayURLBuilder
	PaymentService    PaymentServiceInterface
	MagazineService   MagazineServiceInterface

	// ヘルスチェック
	DB *sql.DB
	KV Pinger
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Logging → BearerAuth → RateLimit(General)
//
// 支払いコールバック・ランクカタログ・認証ルートは認証ミドルウェアの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	authHandler := NewAuthHandler(deps.AuthService)
	oauthHandler := NewOAuthHandler(deps.OAuthService)
	memberHandler := NewMemberHandler(deps.MembershipService, deps.PayURLBuilder)
	paymentHandler := NewPaymentHandler(deps.PaymentService)
	magazineHandler := NewMagazineHandler(deps.MagazineService)
	healthHandler := NewHealthHandler(deps.DB, deps.KV)

	// --- 認証不要のルート ---

	r.Get("/health", healthHandler.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/register", authHandler.Register)
		r.Post("/login", authHandler.Login)
		r.Post("/refresh", authHandler.Refresh)
		r.Post("/logout", authHandler.Logout)

		// 自身の情報取得のみ認証必須
		r.With(middleware.NewBearerAuthMiddleware(deps.TokenVerifier)).Get("/me", authHandler.Me)
	})

	r.Route("/api/oauth/{provider}", func(r chi.Router) {
		// ログイン済みで認可を開始した場合はそのユーザーへ紐付けるため、
		// トークンがあれば検証する
		r.With(middleware.NewOptionalAuthMiddleware(deps.TokenVerifier)).Get("/authorize", oauthHandler.Authorize)
		r.Get("/callback", oauthHandler.Callback)
	})

	// ランクカタログは公開
	r.Get("/api/tiers", memberHandler.ListTiers)

	// ゲートウェイからのコールバック（署名で検証する）
	r.Post("/api/payments/callback/alipay", paymentHandler.AlipayCallback)

	// 雑誌の一覧・カテゴリ・詳細は公開
	r.Get("/api/magazines", magazineHandler.List)
	r.Get("/api/magazines/current-week", magazineHandler.ListCurrentWeek)
	r.Get("/api/magazines/categories", magazineHandler.ListCategories)
	r.Get("/api/magazines/{id}", magazineHandler.Get)

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: BearerAuth → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewBearerAuthMiddleware(deps.TokenVerifier))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/api/members", func(r chi.Router) {
			r.Get("/current", memberHandler.GetCurrent)
			r.Get("/history", memberHandler.GetHistory)
			r.Post("/upgrade", memberHandler.Upgrade)
		})

		// POST /api/magazines/{id}/upload - アップロード（専用レート制限を追加）
		r.With(deps.RateLimiter.UploadMiddleware()).Post("/api/magazines/{id}/upload", magazineHandler.Upload)

		r.Get("/api/magazines/{id}/access", magazineHandler.CheckAccess)
		r.Get("/api/magazines/{id}/download", magazineHandler.Download)
	})

	return r
}
