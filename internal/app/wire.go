package app

import (
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/clinicman/internal/auth"
	"github.com/hitoshi/clinicman/internal/clinic"
	"github.com/hitoshi/clinicman/internal/config"
	"github.com/hitoshi/clinicman/internal/handler"
	"github.com/hitoshi/clinicman/internal/mail"
	"github.com/hitoshi/clinicman/internal/metrics"
	"github.com/hitoshi/clinicman/internal/middleware"
	"github.com/hitoshi/clinicman/internal/model"
	"github.com/hitoshi/clinicman/internal/repository"
	"github.com/hitoshi/clinicman/internal/security"
	"github.com/hitoshi/clinicman/internal/throttle"
	"github.com/hitoshi/clinicman/internal/token"
	"github.com/hitoshi/clinicman/internal/user"
)

// server はAPIサーバーの構成要素。closeで外部リソースを解放する。
type server struct {
	router      http.Handler
	rateLimiter *middleware.RateLimiter
	redis       *redis.Client
	auth        *auth.Service
}

func (s *server) close() {
	// 応答後に送信中の再設定メールを待ってから資源を解放する
	s.auth.Wait()
	s.rateLimiter.Stop()
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			slog.Warn("failed to close redis client", slog.String("error", err.Error()))
		}
	}
}

// buildServer は設定とDB接続から全依存関係をワイヤリングする。
// DBへの接続確認は行わない。
func buildServer(cfg *config.Config, db *sql.DB, reg *prometheus.Registry, logger *slog.Logger) (*server, error) {
	// 1. リポジトリ
	userRepo := repository.NewPostgresUserRepo(db)
	clinicRepo := repository.NewPostgresClinicRepo(db)
	identityRepo := repository.NewPostgresIdentityRepo(db)
	refreshRepo := repository.NewPostgresRefreshTokenRepo(db)
	singleUseRepo := repository.NewPostgresSingleUseTokenRepo(db)
	passwordResetRepo := repository.NewPostgresPasswordResetRepo(db)

	// 2. 鍵と署名
	signer, err := buildSigner(cfg)
	if err != nil {
		return nil, err
	}

	// 3. セキュリティ
	ssrfGuard := security.NewSSRFGuard()
	hasher := security.NewHasher(cfg.BcryptCost)

	mailer, err := buildMailer(cfg, ssrfGuard, logger)
	if err != nil {
		return nil, err
	}

	redisClient, err := openRedis(cfg)
	if err != nil {
		return nil, err
	}
	loginLimiter, forgotLimiter := buildLimiters(cfg, redisClient)

	collector := metrics.NewCollector(reg)

	// 4. ドメインサービス
	userService := user.NewService(userRepo)
	bootstrapper := clinic.NewBootstrapper(clinicRepo)

	oauthProvider := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
	}, ssrfGuard.NewSafeClient(cfg.OAuthTimeout))

	authService := auth.NewService(auth.Deps{
		Users:         userService,
		Identities:    identityRepo,
		Clinics:       bootstrapper,
		Hasher:        hasher,
		Signer:        signer,
		Ledger:        auth.NewLedger(refreshRepo, cfg.RefreshTokenTTL),
		VerifyTokens:  auth.NewSingleUseStore(singleUseRepo, model.TokenKindEmailVerify, cfg.VerifyTokenTTL),
		ResetTokens:   auth.NewSingleUseStore(singleUseRepo, model.TokenKindPasswordReset, cfg.ResetTokenTTL),
		Resets:        auth.NewPasswordResetStore(passwordResetRepo),
		OAuth:         oauthProvider,
		Redirects:     ssrfGuard,
		Notifier:      mail.NewNotifier(mailer, cfg.BaseURL),
		LoginLimiter:  loginLimiter,
		ForgotLimiter: forgotLimiter,
		Metrics:       collector,
	}, auth.ServiceConfig{
		AccessTokenTTL:         cfg.AccessTokenTTL,
		AllowedRedirectOrigins: cfg.RedirectOrigins(),
	})

	clinicService := clinic.NewService(bootstrapper, userService, hasher, authService)

	// 5. ルーター
	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	router := handler.NewRouter(&handler.RouterDeps{
		Verifier:          signer,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            logger,
		Metrics:           collector,
		Gatherer:          reg,
		HealthChecker:     db,
		Cookies: handler.CookieConfig{
			Domain: cfg.CookieDomain,
			Secure: cfg.CookieSecure,
		},
		AuthService:   authService,
		ClinicService: clinicService,
	})

	return &server{
		router:      router,
		rateLimiter: rateLimiter,
		redis:       redisClient,
		auth:        authService,
	}, nil
}

// buildSigner はJWT_PRIVATE_KEY（と任意のJWT_PUBLIC_KEY）からSignerを生成する。
func buildSigner(cfg *config.Config) (*token.Signer, error) {
	privateKey, err := token.ParsePrivateKey(cfg.JWTPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT_PRIVATE_KEY: %w", err)
	}

	tc := token.Config{
		PrivateKey: privateKey,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
	}
	if cfg.JWTPublicKey != "" {
		publicKey, err := token.ParsePublicKey(cfg.JWTPublicKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse JWT_PUBLIC_KEY: %w", err)
		}
		tc.PublicKey = publicKey
	}

	signer, err := token.NewSigner(tc)
	if err != nil {
		return nil, fmt.Errorf("failed to create token signer: %w", err)
	}
	return signer, nil
}

// buildMailer はMAIL_API_URLが設定されていればHTTPMailerを、なければLogMailerを返す。
func buildMailer(cfg *config.Config, guard security.SSRFGuardService, logger *slog.Logger) (mail.Mailer, error) {
	if cfg.MailAPIURL == "" {
		logger.Warn("MAIL_API_URL is not set, emails are written to the log")
		return mail.NewLogMailer(logger), nil
	}
	if err := guard.ValidateURL(cfg.MailAPIURL); err != nil {
		return nil, fmt.Errorf("invalid MAIL_API_URL: %w", err)
	}
	return mail.NewHTTPMailer(mail.HTTPMailerConfig{
		APIURL: cfg.MailAPIURL,
		APIKey: cfg.MailAPIKey,
		From:   cfg.MailFrom,
	}, guard.NewSafeClient(cfg.MailTimeout), security.NewContentSanitizer()), nil
}

// openRedis はREDIS_URLが設定されている場合にクライアントを生成する。未設定ならnil。
func openRedis(cfg *config.Config) (*redis.Client, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// buildLimiters はアカウント単位のスロットリングを構成する。
// Redisがない場合は制限しない。
func buildLimiters(cfg *config.Config, client *redis.Client) (login, forgot throttle.Limiter) {
	if client == nil {
		return throttle.Nop{}, throttle.Nop{}
	}
	login = throttle.NewRedisLimiter(client, "login", cfg.LoginMaxFailures, cfg.ThrottleWindow)
	forgot = throttle.NewRedisLimiter(client, "forgot", cfg.ForgotPasswordMaxRequests, cfg.ThrottleWindow)
	return login, forgot
}
