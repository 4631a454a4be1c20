package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/clinicman/internal/metrics"
	"github.com/hitoshi/clinicman/internal/model"
	"github.com/hitoshi/clinicman/internal/security"
)

const (
	// CSRFCookieName はCSRFトークンを保持するCookieの名前。
	// フロントエンドからJavaScriptで読み取れるよう、HttpOnlyではない。
	CSRFCookieName = "csrf_token"

	// CSRFHeaderName はリクエストヘッダーからCSRFトークンを読み取る際のヘッダー名。
	CSRFHeaderName = "X-CSRF-Token"
)

// CSRFResult はダブルサブミット検証の結果。
type CSRFResult int

const (
	// CSRFAllow は検証成功。
	CSRFAllow CSRFResult = iota
	// CSRFMissingToken はヘッダーまたはCookieのいずれかが無い。
	CSRFMissingToken
	// CSRFMismatch は両方あるが一致しない。
	CSRFMismatch
)

// String はログ・メトリクス用の理由名を返す。
func (r CSRFResult) String() string {
	switch r {
	case CSRFAllow:
		return "allow"
	case CSRFMissingToken:
		return "csrf_missing_token"
	case CSRFMismatch:
		return "csrf_mismatch"
	default:
		return "unknown"
	}
}

// Err は結果に対応するドメインエラーを返す。CSRFAllowではnil。
func (r CSRFResult) Err() error {
	switch r {
	case CSRFAllow:
		return nil
	case CSRFMissingToken:
		return model.ErrCSRFMissing
	default:
		return model.ErrCSRFMismatch
	}
}

// CheckCSRF はヘッダー値とCookie値を定数時間で比較する。
// どちらかが空ならCSRFMissingToken、不一致ならCSRFMismatchを返す。
func CheckCSRF(header, cookie string) CSRFResult {
	if header == "" || cookie == "" {
		return CSRFMissingToken
	}
	if subtle.ConstantTimeCompare([]byte(header), []byte(cookie)) != 1 {
		return CSRFMismatch
	}
	return CSRFAllow
}

// CSRFConfig はCSRF Cookieの設定。
type CSRFConfig struct {
	CookieSecure bool
	CookieDomain string
	// MaxAge はCookieの有効期間。リフレッシュトークンと同じ期間を指定する。
	MaxAge time.Duration
}

// NewCSRFMiddleware はダブルサブミット方式のCSRF検証ミドルウェアを返す。
// 安全なメソッド（GET, HEAD, OPTIONS）は検証しない。
// 公開ルートには適用せず、認証が必要なルートグループにのみ組み込む。
func NewCSRFMiddleware(collector metrics.MetricsCollector) func(next http.Handler) http.Handler {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isSafeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			var cookieValue string
			if c, err := r.Cookie(CSRFCookieName); err == nil {
				cookieValue = c.Value
			}

			result := CheckCSRF(r.Header.Get(CSRFHeaderName), cookieValue)
			if result != CSRFAllow {
				collector.RecordCSRFRejection(result.String())
				slog.Warn("CSRF validation failed",
					slog.String("reason", result.String()),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				WriteErrorResponse(w, http.StatusForbidden, model.NewCSRFFailedError())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SetCSRFCookie はCSRFトークンCookieを設定する。
func SetCSRFCookie(w http.ResponseWriter, token string, config CSRFConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    token,
		Path:     "/",
		Domain:   config.CookieDomain,
		MaxAge:   int(config.MaxAge / time.Second),
		HttpOnly: false, // フロントエンドから読み取り可能
		Secure:   config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCSRFCookie はCSRFトークンCookieを削除する。
func ClearCSRFCookie(w http.ResponseWriter, config CSRFConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    "",
		Path:     "/",
		Domain:   config.CookieDomain,
		MaxAge:   -1,
		Secure:   config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// NewCSRFTokenHandler はCSRFトークン取得エンドポイントのハンドラーを返す。
// GET /auth/csrf-token
// 既存のCSRFトークンCookieがある場合はそれを返し、なければ新規生成する。
func NewCSRFTokenHandler(config CSRFConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var token string

		cookie, err := r.Cookie(CSRFCookieName)
		if err == nil && cookie.Value != "" {
			token = cookie.Value
		} else {
			token, err = security.GenerateCSRFToken()
			if err != nil {
				slog.Error("failed to generate CSRF token", slog.String("error", err.Error()))
				WriteInternalServerError(w)
				return
			}
			SetCSRFCookie(w, token, config)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"token": token,
		})
	})
}

// isSafeMethod はHTTPメソッドが安全（読み取り専用）かどうかを判定する。
func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}
