package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Wallet API
	APIBaseURL string

	// OAuth
	OAuthRedirectURL string

	// Console
	ListenPort string
	PublicURL  string

	// Outbound rate limit（req/min単位）
	RequestRateLimit int
	RequestRateBurst int

	// Avatar
	AvatarMaxSize int64
	AvatarTimeout time.Duration

	// Cookie
	CookieSecure bool
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.APIBaseURL = os.Getenv("WALLET_API_URL")
	if cfg.APIBaseURL == "" {
		missing = append(missing, "WALLET_API_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if err := validateBaseURL(cfg.APIBaseURL); err != nil {
		return nil, fmt.Errorf("invalid WALLET_API_URL: %w", err)
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")

	// Optional fields with defaults
	cfg.ListenPort = getEnvString("LISTEN_PORT", "8420")
	cfg.PublicURL = getEnvString("PUBLIC_URL", "http://localhost:"+cfg.ListenPort)
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	cfg.OAuthRedirectURL = getEnvString("OAUTH_REDIRECT_URL", cfg.PublicURL+"/auth/callback")
	cfg.RequestRateLimit = getEnvInt("REQUEST_RATE_LIMIT", 240)
	cfg.RequestRateBurst = getEnvInt("REQUEST_RATE_BURST", 60)
	cfg.AvatarMaxSize = getEnvInt64("AVATAR_MAX_SIZE", 2097152)
	cfg.AvatarTimeout = getEnvDuration("AVATAR_TIMEOUT", 5*time.Second)
	cfg.CookieSecure = strings.HasPrefix(cfg.PublicURL, "https://")

	return cfg, nil
}

// validateBaseURL はウォレットAPIのベースURLが絶対http(s) URLであることを検証する。
func validateBaseURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
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

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
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
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
