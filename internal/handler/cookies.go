package handler

import (
	"net/http"
	"time"

	"github.com/hitoshi/clinicman/internal/middleware"
	"github.com/hitoshi/clinicman/internal/model"
)

const (
	// RefreshTokenCookieName はリフレッシュトークンCookieの名前。
	RefreshTokenCookieName = "refresh_token"
	// refreshCookiePath はリフレッシュトークンCookieを送出するパス。
	refreshCookiePath = "/auth/refresh"
	oauthStateCookie  = "oauth_state"
)

// CookieConfig はセッションCookieの属性。
type CookieConfig struct {
	Domain string
	Secure bool
}

func (c CookieConfig) csrf(maxAge time.Duration) middleware.CSRFConfig {
	return middleware.CSRFConfig{
		CookieSecure: c.Secure,
		CookieDomain: c.Domain,
		MaxAge:       maxAge,
	}
}

// setSessionCookies はアクセストークン・リフレッシュトークン・CSRFトークンの3つのCookieを設定する。
func setSessionCookies(w http.ResponseWriter, session *model.Session, config CookieConfig, now time.Time) {
	refreshMaxAge := session.RefreshTokenExpiresAt.Sub(now)

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.AccessTokenCookieName,
		Value:    session.AccessToken,
		Path:     "/",
		Domain:   config.Domain,
		MaxAge:   maxAgeSeconds(session.AccessTokenExpiresAt.Sub(now)),
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshTokenCookieName,
		Value:    session.RefreshToken,
		Path:     refreshCookiePath,
		Domain:   config.Domain,
		MaxAge:   maxAgeSeconds(refreshMaxAge),
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	middleware.SetCSRFCookie(w, session.CSRFToken, config.csrf(refreshMaxAge))
}

// clearSessionCookies はセッション関連のCookieをすべて削除する。
func clearSessionCookies(w http.ResponseWriter, config CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.AccessTokenCookieName,
		Value:    "",
		Path:     "/",
		Domain:   config.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshTokenCookieName,
		Value:    "",
		Path:     refreshCookiePath,
		Domain:   config.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	middleware.ClearCSRFCookie(w, config.csrf(0))
}

// maxAgeSeconds はCookieのMax-Age値を返す。残り時間が無い場合は1秒とする。
func maxAgeSeconds(d time.Duration) int {
	s := int(d / time.Second)
	if s < 1 {
		return 1
	}
	return s
}
