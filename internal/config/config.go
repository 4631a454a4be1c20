// Package config は環境変数と任意の.envファイルからアプリケーション設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config はアプリケーション全体の設定を保持する。
// 起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	// Token
	JWTPrivateKey   string        `mapstructure:"JWT_PRIVATE_KEY"`
	JWTPublicKey    string        `mapstructure:"JWT_PUBLIC_KEY"`
	JWTIssuer       string        `mapstructure:"JWT_ISSUER"`
	JWTAudience     string        `mapstructure:"JWT_AUDIENCE"`
	AccessTokenTTL  time.Duration `mapstructure:"ACCESS_TOKEN_TTL"`
	RefreshTokenTTL time.Duration `mapstructure:"REFRESH_TOKEN_TTL"`
	VerifyTokenTTL  time.Duration `mapstructure:"VERIFY_TOKEN_TTL"`
	ResetTokenTTL   time.Duration `mapstructure:"RESET_TOKEN_TTL"`

	// Password
	BcryptCost int `mapstructure:"BCRYPT_COST"`

	// OAuth
	GoogleClientID       string        `mapstructure:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret   string        `mapstructure:"GOOGLE_CLIENT_SECRET"`
	OAuthRedirectOrigins string        `mapstructure:"OAUTH_REDIRECT_ORIGINS"`
	OAuthTimeout         time.Duration `mapstructure:"OAUTH_TIMEOUT"`

	// Mail
	MailAPIURL  string        `mapstructure:"MAIL_API_URL"`
	MailAPIKey  string        `mapstructure:"MAIL_API_KEY"`
	MailFrom    string        `mapstructure:"MAIL_FROM"`
	MailTimeout time.Duration `mapstructure:"MAIL_TIMEOUT"`

	// Throttle
	RedisURL                  string        `mapstructure:"REDIS_URL"`
	LoginMaxFailures          int           `mapstructure:"LOGIN_MAX_FAILURES"`
	ForgotPasswordMaxRequests int           `mapstructure:"FORGOT_PASSWORD_MAX_REQUESTS"`
	ThrottleWindow            time.Duration `mapstructure:"THROTTLE_WINDOW"`

	// Worker
	CleanupInterval time.Duration `mapstructure:"CLEANUP_INTERVAL"`
	// MetricsPort はワーカーが/metricsを公開するポート。空なら公開しない。
	MetricsPort string `mapstructure:"METRICS_PORT"`

	// Server
	ServerPort string `mapstructure:"SERVER_PORT"`
	BaseURL    string `mapstructure:"BASE_URL"`

	// Cookie
	CookieSecure bool   `mapstructure:"-"`
	CookieDomain string `mapstructure:"COOKIE_DOMAIN"`

	// CORS
	CORSAllowedOrigin string `mapstructure:"CORS_ALLOWED_ORIGIN"`
}

// requiredKeys は未設定の場合に起動を中止する環境変数。
var requiredKeys = []string{
	"DATABASE_URL",
	"BASE_URL",
	"JWT_PRIVATE_KEY",
	"GOOGLE_CLIENT_ID",
	"GOOGLE_CLIENT_SECRET",
}

// defaults は任意項目のデフォルト値。
// viperのUnmarshalは既知のキーしか環境変数から読まないため、全キーをここに列挙する。
var defaults = map[string]any{
	"DATABASE_URL":                 "",
	"BASE_URL":                     "",
	"JWT_PRIVATE_KEY":              "",
	"JWT_PUBLIC_KEY":               "",
	"JWT_ISSUER":                   "clinicman",
	"JWT_AUDIENCE":                 "clinicman-web",
	"ACCESS_TOKEN_TTL":             "15m",
	"REFRESH_TOKEN_TTL":            "168h",
	"VERIFY_TOKEN_TTL":             "24h",
	"RESET_TOKEN_TTL":              "1h",
	"BCRYPT_COST":                  12,
	"GOOGLE_CLIENT_ID":             "",
	"GOOGLE_CLIENT_SECRET":         "",
	"OAUTH_REDIRECT_ORIGINS":       "",
	"OAUTH_TIMEOUT":                "10s",
	"MAIL_API_URL":                 "",
	"MAIL_API_KEY":                 "",
	"MAIL_FROM":                    "no-reply@clinicman.example",
	"MAIL_TIMEOUT":                 "10s",
	"REDIS_URL":                    "",
	"LOGIN_MAX_FAILURES":           5,
	"FORGOT_PASSWORD_MAX_REQUESTS": 3,
	"THROTTLE_WINDOW":              "15m",
	"CLEANUP_INTERVAL":             "1h",
	"METRICS_PORT":                 "9091",
	"SERVER_PORT":                  "8080",
	"COOKIE_DOMAIN":                "",
	"CORS_ALLOWED_ORIGIN":          "http://localhost:3000",
}

// maxAccessTokenTTL はアクセストークンの有効期間の上限。
const maxAccessTokenTTL = 15 * time.Minute

// Load は.env（存在する場合）と環境変数からConfigを読み込む。
// 環境変数は.envより優先される。必須項目が未設定、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	return load(".env")
}

func load(envFile string) (*Config, error) {
	v := viper.New()

	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		_ = v.ReadInConfig() // .envが無い場合は無視する
	}
	v.AutomaticEnv()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	var missing []string
	for _, key := range requiredKeys {
		if strings.TrimSpace(v.GetString(key)) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.AccessTokenTTL <= 0 || c.AccessTokenTTL > maxAccessTokenTTL {
		return fmt.Errorf("config: ACCESS_TOKEN_TTL must be between 1s and %s", maxAccessTokenTTL)
	}
	if c.RefreshTokenTTL <= c.AccessTokenTTL {
		return errors.New("config: REFRESH_TOKEN_TTL must be longer than ACCESS_TOKEN_TTL")
	}
	if c.VerifyTokenTTL <= 0 || c.ResetTokenTTL <= 0 {
		return errors.New("config: VERIFY_TOKEN_TTL and RESET_TOKEN_TTL must be positive")
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	if c.LoginMaxFailures <= 0 || c.ForgotPasswordMaxRequests <= 0 {
		return errors.New("config: LOGIN_MAX_FAILURES and FORGOT_PASSWORD_MAX_REQUESTS must be positive")
	}
	if c.CleanupInterval <= 0 {
		return errors.New("config: CLEANUP_INTERVAL must be positive")
	}
	return nil
}

// RedirectOrigins はOAuthのredirect_uriとして許可するオリジンを返す。
// OAUTH_REDIRECT_ORIGINSが未設定の場合はCORS_ALLOWED_ORIGINのみを許可する。
func (c *Config) RedirectOrigins() []string {
	if strings.TrimSpace(c.OAuthRedirectOrigins) == "" {
		return []string{c.CORSAllowedOrigin}
	}
	var origins []string
	for _, o := range strings.Split(c.OAuthRedirectOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
