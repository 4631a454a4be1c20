package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/clinicman/internal/metrics"
	"github.com/hitoshi/clinicman/internal/middleware"
	"github.com/hitoshi/clinicman/internal/model"
	"github.com/prometheus/client_golang/prometheus"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Verifier          middleware.TokenVerifier
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector
	Gatherer          prometheus.Gatherer
	HealthChecker     HealthChecker

	// Cookie
	Cookies CookieConfig

	// サービス
	AuthService   AuthServiceInterface
	ClinicService ClinicServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// 全ルート共通のミドルウェア:
//
//	Recovery → SecurityHeaders → Logging → CORS
//
// ルートは次の3グループに分かれる。
//   - 公開ルート: 認証前に呼ばれるためCSRF検証を行わない。IP単位のレート制限を適用する。
//   - CSRFのみ: リフレッシュトークンCookieで動作するルート。アクセストークンは不要。
//   - 保護ルート: Session → RateLimit(General) → CSRF
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.Nop{}
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.Cookies.Secure))
	r.Use(middleware.NewLoggingMiddleware(logger, collector))
	r.Use(middleware.NewCORSMiddleware(strings.Split(deps.CORSAllowedOrigin, ",")...))

	authHandler := NewAuthHandler(deps.AuthService, deps.Cookies)
	clinicHandler := NewClinicHandler(deps.ClinicService)
	csrf := middleware.NewCSRFMiddleware(collector)

	r.Method(http.MethodGet, "/health", NewHealthHandler(deps.HealthChecker))
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}
	r.Method(http.MethodGet, "/auth/csrf-token", middleware.NewCSRFTokenHandler(deps.Cookies.csrf(0)))

	// --- 公開ルート ---
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.PublicAuthMiddleware())

		r.Post("/sessions", authHandler.CreateSession)
		r.Post("/clinics", clinicHandler.Register)

		r.Get("/auth/google/login", authHandler.GoogleLogin)
		r.Post("/auth/google/callback", authHandler.GoogleCallback)
		r.Post("/auth/verify-email", authHandler.VerifyEmail)
		r.Post("/auth/forgot-password", authHandler.ForgotPassword)
		r.Post("/auth/reset-password", authHandler.ResetPassword)
	})

	// --- CSRFのみ ---
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.PublicAuthMiddleware())
		r.Use(csrf)

		r.Post("/auth/refresh", authHandler.Refresh)
		r.Delete("/auth/refresh", authHandler.DeleteSession)
		r.Delete("/sessions", authHandler.DeleteSession)
	})

	// --- 保護ルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.Verifier))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(csrf)

		r.Get("/auth/me", authHandler.Me)
		r.Post("/auth/resend-verification", authHandler.ResendVerification)

		r.Route("/api/clinic/members", func(r chi.Router) {
			r.Use(middleware.RequireRole(model.RoleAdmin))
			r.Get("/", clinicHandler.ListMembers)
			r.Post("/", clinicHandler.AddMember)
			r.Patch("/{id}", clinicHandler.ChangeRole)
		})
	})

	return r
}
