// Package app はアプリケーションの起動と依存関係のワイヤリングを行う。
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/zasshi/internal/auth"
	"github.com/hitoshi/zasshi/internal/config"
	"github.com/hitoshi/zasshi/internal/database"
	"github.com/hitoshi/zasshi/internal/email"
	"github.com/hitoshi/zasshi/internal/filecrypt"
	"github.com/hitoshi/zasshi/internal/handler"
	"github.com/hitoshi/zasshi/internal/kv"
	"github.com/hitoshi/zasshi/internal/logger"
	"github.com/hitoshi/zasshi/internal/magazine"
	"github.com/hitoshi/zasshi/internal/membership"
	"github.com/hitoshi/zasshi/internal/middleware"
	"github.com/hitoshi/zasshi/internal/oauth"
	"github.com/hitoshi/zasshi/internal/payment"
	"github.com/hitoshi/zasshi/internal/repository"
	"github.com/hitoshi/zasshi/internal/storage"
	"github.com/hitoshi/zasshi/internal/token"
	"github.com/hitoshi/zasshi/internal/worker/sweep"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// newMembershipService は会員権サービスとその依存リポジトリを組み立てる。
// serveとworkerの両モードで同じワイヤリングを使う。
func newMembershipService(db *sql.DB, sender email.Sender) *membership.Service {
	return membership.NewService(
		repository.NewTxBeginner(db),
		repository.NewPostgresMembershipRepo(db),
		repository.NewPostgresTierRepo(db),
		repository.NewPostgresPaymentRepo(db),
		repository.NewPostgresDownloadRepo(db),
		repository.NewPostgresMagazineRepo(db),
		sender,
		slog.Default(),
	)
}

// newEmailSender はSMTP設定の有無に応じてメール送信実装を選択する。
// SMTP_HOST未設定の環境ではNopSenderにフォールバックする。
func newEmailSender(cfg *config.Config) email.Sender {
	if cfg.SMTPHost == "" {
		slog.Warn("SMTP_HOSTが未設定のためメール送信を無効化します")
		return email.NopSender{}
	}
	return email.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.MailFrom)
}

// runServe はAPIサーバーモードで起動する。
// DB・Redis接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. Redis接続（OAuth state、ログインロックアウト）
	store, err := kv.NewStore(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer store.Close()

	slog.Info("redis connection established")

	// 3. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	tierRepo := repository.NewPostgresTierRepo(db)
	paymentRepo := repository.NewPostgresPaymentRepo(db)
	magazineRepo := repository.NewPostgresMagazineRepo(db)
	socialRepo := repository.NewPostgresSocialAccountRepo(db)

	// 4. トークン・暗号・ストレージ基盤の初期化
	tokenManager := token.NewManager(
		cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience,
		cfg.AccessTokenTTL, cfg.RefreshTokenTTL,
	)
	cipher := filecrypt.NewCipher(cfg.FileCryptMasterKey)
	storageBackend, err := storage.NewBackend(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize storage backend: %w", err)
	}

	alipayClient, err := payment.NewAlipayClient(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize alipay client: %w", err)
	}

	// 5. ドメインサービスの初期化
	authService := auth.NewService(
		userRepo, db, tokenManager, store,
		cfg.LoginFailLimit, cfg.LoginFailWindow, cfg.LoginLockWindow,
		slog.Default(),
	)

	providers := oauth.NewProviders(cfg, &http.Client{Timeout: 10 * time.Second})
	oauthService := oauth.NewService(
		providers, store, userRepo, socialRepo, repository.NewTxBeginner(db), tokenManager, slog.Default(),
	)

	membershipService := newMembershipService(db, newEmailSender(cfg))

	paymentService := payment.NewService(
		repository.NewTxBeginner(db), paymentRepo, tierRepo, alipayClient, membershipService, slog.Default(),
	)

	magazineService := magazine.NewService(
		magazineRepo, repository.NewPostgresCategoryRepo(db), membershipService, cipher, storageBackend, slog.Default(),
	)

	// 6. ルーターの構築
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	// configのRateLimitGeneralはreq/min単位なのでreq/secに変換する
	if cfg.RateLimitGeneral > 0 {
		rateLimiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	}

	deps := &handler.RouterDeps{
		TokenVerifier:     tokenManager,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       middleware.NewRateLimiter(rateLimiterCfg),
		Logger:            slog.Default(),

		AuthService:       authService,
		OAuthService:      oauthService,
		MembershipService: membershipService,
		PayURLBuilder:     alipayClient,
		PaymentService:    paymentService,
		MagazineService:   magazineService,

		DB: db,
		KV: store,
	}

	router := handler.NewRouter(deps)

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second, // 暗号化済み雑誌のダウンロードを考慮
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 会員権の期限切れスイープと更新リマインダースイープを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. 会員権サービスの初期化
	membershipService := newMembershipService(db, newEmailSender(cfg))

	// 3. スイーパーの初期化
	sweeper := sweep.NewSweeper(membershipService, cfg.ReminderDaysBefore, slog.Default())

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("expire_interval", cfg.ExpireSweepInterval),
		slog.Duration("reminder_interval", cfg.ReminderSweepInterval),
		slog.Int("reminder_days_before", cfg.ReminderDaysBefore),
	)

	// リマインダースイープをバックグラウンドで起動
	go sweeper.StartReminderLoop(ctx, cfg.ReminderSweepInterval)

	// 期限切れスイープをメインgoroutineで実行（ブロッキング）
	sweeper.StartExpireLoop(ctx, cfg.ExpireSweepInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
