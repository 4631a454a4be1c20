// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/clinicman/internal/model"
	"github.com/hitoshi/clinicman/internal/token"
)

// AccessTokenCookieName はアクセストークンを保持するHttpOnly Cookieの名前。
const AccessTokenCookieName = "access_token"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// principalContextKey はリクエストコンテキストに認証主体を格納するためのキー。
var principalContextKey = contextKey("principal")

// Principal はアクセストークンから得た認証主体。
type Principal struct {
	UserID   string
	Role     model.Role
	ClinicID string
}

// TokenVerifier はアクセストークンの検証に必要なインターフェース。token.Signerが満たす。
type TokenVerifier interface {
	Verify(tokenString string) (*token.Claims, error)
}

// NewSessionMiddleware はCookieまたはAuthorizationヘッダーのアクセストークンを検証し、
// 認証主体をリクエストコンテキストに注入するミドルウェアを返す。
// 期限切れは401 TOKEN_EXPIRED、それ以外の不正なトークンは401 UNAUTHORIZEDを返す。
func NewSessionMiddleware(verifier TokenVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := accessTokenFromRequest(r)
			if raw == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			claims, err := verifier.Verify(raw)
			if errors.Is(err, model.ErrTokenExpired) {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewTokenExpiredError())
				return
			}
			if err != nil {
				slog.Warn("access token rejected",
					slog.String("reason", "access_token_invalid"),
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			annotatePrincipal(r.Context(), claims.Subject, claims.ClinicID)
			ctx := ContextWithPrincipal(r.Context(), Principal{
				UserID:   claims.Subject,
				Role:     claims.Role,
				ClinicID: claims.ClinicID,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole は認証主体のロールが一致しない場合に403を返すミドルウェアを返す。
// NewSessionMiddlewareの後に配置する。
func RequireRole(role model.Role) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			if p.Role != role {
				slog.Warn("role check failed",
					slog.String("user_id", p.UserID),
					slog.String("required_role", string(role)),
					slog.String("path", r.URL.Path),
				)
				WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// accessTokenFromRequest はBearerヘッダーを優先し、無ければCookieからトークンを取り出す。
func accessTokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, value, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(value)
		}
		return ""
	}
	if c, err := r.Cookie(AccessTokenCookieName); err == nil {
		return c.Value
	}
	return ""
}

// PrincipalFromContext はリクエストコンテキストから認証主体を取得する。
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	if !ok || p.UserID == "" {
		return Principal{}, false
	}
	return p, true
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return "", fmt.Errorf("user ID not found in context")
	}
	return p.UserID, nil
}

// ContextWithPrincipal はコンテキストに認証主体を注入する。
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// ContextWithUserID はコンテキストにユーザーIDのみを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return ContextWithPrincipal(ctx, Principal{UserID: userID})
}
