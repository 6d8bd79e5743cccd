// Package config は環境変数からのアプリケーション設定読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// OAuthProviderConfig は外部IdP 1社分のクライアント設定を保持する。
type OAuthProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scope        string
}

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
// ビジネスロジックからの暗黙的なグローバル参照は行わず、
// 必要なコンポーネントへ明示的に渡す。
type Config struct {
	// Database
	DatabaseURL string

	// Redis（OAuth stateストア、ログインロックアウトカウンタ）
	RedisURL string

	// JWT
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// OAuth providers
	WeChat OAuthProviderConfig
	Weibo  OAuthProviderConfig
	Douyin OAuthProviderConfig

	// Alipay
	AlipayAppID      string
	AlipayPublicKey  string // PEM形式（ヘッダー・フッター含む）
	AlipayPrivateKey string // PEM形式（ヘッダー・フッター含む）
	AlipayGatewayURL string
	AlipayNotifyURL  string
	AlipayReturnURL  string

	// Storage
	StorageBackend     string // "local" | "oss"
	LocalStorageDir    string
	OSSEndpoint        string
	OSSBucket          string
	OSSAccessKeyID     string
	OSSAccessKeySecret string

	// File encryption
	FileCryptMasterKey string
	TempLinkTTL        time.Duration

	// Login throttle & lockout
	LoginFailLimit  int
	LoginFailWindow time.Duration
	LoginLockWindow time.Duration

	// Email
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	MailFrom     string

	// Worker
	ExpireSweepInterval   time.Duration
	ReminderSweepInterval time.Duration
	ReminderDaysBefore    int

	// Rate Limit
	RateLimitGeneral int

	// Server
	ServerPort string
	BaseURL    string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" {
		missing = append(missing, "REDIS_URL")
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}

	cfg.FileCryptMasterKey = os.Getenv("FILE_CRYPT_MASTER_KEY")
	if cfg.FileCryptMasterKey == "" {
		missing = append(missing, "FILE_CRYPT_MASTER_KEY")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.JWTIssuer = getEnvString("JWT_ISSUER", "zasshi-api")
	cfg.JWTAudience = getEnvString("JWT_AUDIENCE", "zasshi-clients")
	cfg.AccessTokenTTL = getEnvDuration("ACCESS_TOKEN_TTL", 60*time.Minute)
	cfg.RefreshTokenTTL = getEnvDuration("REFRESH_TOKEN_TTL", 14*24*time.Hour)

	cfg.WeChat = loadProvider("WECHAT", "snsapi_login")
	cfg.Weibo = loadProvider("WEIBO", "")
	cfg.Douyin = loadProvider("DOUYIN", "user_info")

	cfg.AlipayAppID = getEnvString("ALIPAY_APP_ID", "")
	cfg.AlipayPublicKey = getEnvString("ALIPAY_PUBLIC_KEY", "")
	cfg.AlipayPrivateKey = getEnvString("ALIPAY_APP_PRIVATE_KEY", "")
	cfg.AlipayGatewayURL = getEnvString("ALIPAY_GATEWAY", "https://openapi.alipay.com/gateway.do")
	cfg.AlipayNotifyURL = getEnvString("ALIPAY_NOTIFY_URL", "")
	cfg.AlipayReturnURL = getEnvString("ALIPAY_RETURN_URL", "")

	cfg.StorageBackend = getEnvString("STORAGE_BACKEND", "local")
	cfg.LocalStorageDir = getEnvString("LOCAL_STORAGE_DIR", "storage")
	cfg.OSSEndpoint = getEnvString("OSS_ENDPOINT", "")
	cfg.OSSBucket = getEnvString("OSS_BUCKET", "")
	cfg.OSSAccessKeyID = getEnvString("OSS_ACCESS_KEY_ID", "")
	cfg.OSSAccessKeySecret = getEnvString("OSS_ACCESS_KEY_SECRET", "")

	cfg.TempLinkTTL = getEnvDuration("TEMP_URL_EXPIRES", time.Hour)

	cfg.LoginFailLimit = getEnvInt("LOGIN_FAIL_LIMIT", 5)
	cfg.LoginFailWindow = getEnvDuration("LOGIN_FAIL_WINDOW", 15*time.Minute)
	cfg.LoginLockWindow = getEnvDuration("LOGIN_LOCK_WINDOW", 15*time.Minute)

	cfg.SMTPHost = getEnvString("SMTP_HOST", "")
	cfg.SMTPPort = getEnvInt("SMTP_PORT", 587)
	cfg.SMTPUsername = getEnvString("SMTP_USERNAME", "")
	cfg.SMTPPassword = getEnvString("SMTP_PASSWORD", "")
	cfg.MailFrom = getEnvString("MAIL_FROM", "noreply@example.com")

	cfg.ExpireSweepInterval = getEnvDuration("EXPIRE_SWEEP_INTERVAL", 24*time.Hour)
	cfg.ReminderSweepInterval = getEnvDuration("REMINDER_SWEEP_INTERVAL", 24*time.Hour)
	cfg.ReminderDaysBefore = getEnvInt("REMINDER_DAYS_BEFORE", 3)

	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)

	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	if cfg.StorageBackend != "local" && cfg.StorageBackend != "oss" {
		return nil, fmt.Errorf("invalid STORAGE_BACKEND: %q (must be local or oss)", cfg.StorageBackend)
	}
	if cfg.StorageBackend == "oss" {
		if cfg.OSSEndpoint == "" || cfg.OSSBucket == "" || cfg.OSSAccessKeyID == "" || cfg.OSSAccessKeySecret == "" {
			return nil, fmt.Errorf("OSS storage backend requires OSS_ENDPOINT, OSS_BUCKET, OSS_ACCESS_KEY_ID, OSS_ACCESS_KEY_SECRET")
		}
	}

	return cfg, nil
}

// loadProvider はプレフィックス付き環境変数からOAuthプロバイダー設定を読み込む。
func loadProvider(prefix, defaultScope string) OAuthProviderConfig {
	return OAuthProviderConfig{
		ClientID:     getEnvString(prefix+"_CLIENT_ID", ""),
		ClientSecret: getEnvString(prefix+"_CLIENT_SECRET", ""),
		RedirectURI:  getEnvString(prefix+"_REDIRECT_URI", ""),
		Scope:        getEnvString(prefix+"_SCOPE", defaultScope),
	}
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	// 素の整数は秒として解釈する（TEMP_URL_EXPIRES=3600 など）
	if sec, err := strconv.Atoi(v); err == nil {
		return time.Duration(sec) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// IsSecureBaseURL はBaseURLがhttpsかどうかを返す。Cookie等のSecure属性判定に使用する。
func (c *Config) IsSecureBaseURL() bool {
	return strings.HasPrefix(c.BaseURL, "https://")
}
