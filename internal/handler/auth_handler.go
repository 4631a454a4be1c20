package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/clinicman/internal/middleware"
	"github.com/hitoshi/clinicman/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Login(ctx context.Context, email, password string) (*model.Session, error)
	GoogleLoginURL(state, redirectURI string) (string, error)
	LoginWithGoogle(ctx context.Context, code, redirectURI string) (*model.Session, error)
	Refresh(ctx context.Context, refreshToken string) (*model.Session, error)
	Logout(ctx context.Context, refreshToken string) error
	CurrentUser(ctx context.Context, userID string) (*model.User, error)
	VerifyEmail(ctx context.Context, token string) error
	ResendVerification(ctx context.Context, userID string) error
	RequestPasswordReset(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, token, newPassword string) error
}

// AuthHandler はログイン・セッション・メール確認・パスワード再設定のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	cookies CookieConfig
	now     func() time.Time
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, cookies CookieConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		cookies: cookies,
		now:     time.Now,
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshTokenRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type googleCallbackRequest struct {
	Code        string `json:"code"`
	RedirectURI string `json:"redirectUri"`
	State       string `json:"state"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type resetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

type emailRequest struct {
	Email string `json:"email"`
}

// sessionResponse はログイン・リフレッシュ成功時のレスポンス。
// RefreshTokenはボディでトークンを提示したクライアントにのみ返す。
type sessionResponse struct {
	User                 userResponse `json:"user"`
	CSRFToken            string       `json:"csrfToken"`
	AccessTokenExpiresAt time.Time    `json:"accessTokenExpiresAt"`
	RefreshToken         string       `json:"refreshToken,omitempty"`
}

// CreateSession はメールアドレスとパスワードでログインする。
// POST /sessions
func (h *AuthHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("email and password are required"))
		return
	}

	session, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	h.writeSession(w, session, false)
}

// Refresh はリフレッシュトークンをローテーションする。
// POST /auth/refresh
// トークンはCookieを優先し、無ければボディの refreshToken を使う。
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	tok, fromBody, ok := h.refreshTokenFromRequest(w, r)
	if !ok {
		return
	}
	if tok == "" {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	session, err := h.service.Refresh(r.Context(), tok)
	if err != nil {
		if isSessionTerminated(err) {
			clearSessionCookies(w, h.cookies)
		}
		handleServiceError(w, err)
		return
	}
	h.writeSession(w, session, fromBody)
}

// DeleteSession は提示されたリフレッシュトークンを失効させ、Cookieを削除する。
// DELETE /sessions, DELETE /auth/refresh
func (h *AuthHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	tok, _, ok := h.refreshTokenFromRequest(w, r)
	if !ok {
		return
	}
	if tok != "" {
		if err := h.service.Logout(r.Context(), tok); err != nil {
			slog.Error("failed to logout", slog.String("error", err.Error()))
			// 失効に失敗してもCookieはクリアする
		}
	}
	clearSessionCookies(w, h.cookies)
	w.WriteHeader(http.StatusNoContent)
}

// GoogleLogin はGoogle OAuthフローを開始する。
// GET /auth/google/login?redirect_uri=xxx
func (h *AuthHandler) GoogleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	loginURL, err := h.service.GoogleLoginURL(state, r.URL.Query().Get("redirect_uri"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/auth/google",
		MaxAge:   600, // 10分
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, loginURL, http.StatusTemporaryRedirect)
}

// GoogleCallback は認可コードを受け取りログインする。
// POST /auth/google/callback {code, redirectUri, state}
// state Cookieがある場合のみ、ボディのstateと照合する。
func (h *AuthHandler) GoogleCallback(w http.ResponseWriter, r *http.Request) {
	var req googleCallbackRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if stateCookie, err := r.Cookie(oauthStateCookie); err == nil {
		if stateCookie.Value == "" || stateCookie.Value != req.State {
			slog.Warn("oauth state mismatch", slog.String("reason", "oauth_state_mismatch"))
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("state"))
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     oauthStateCookie,
			Value:    "",
			Path:     "/auth/google",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   h.cookies.Secure,
			SameSite: http.SameSiteLaxMode,
		})
	}

	session, err := h.service.LoginWithGoogle(r.Context(), req.Code, req.RedirectURI)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	h.writeSession(w, session, false)
}

// VerifyEmail はメールアドレス確認トークンを消費する。
// POST /auth/verify-email {token}
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.service.VerifyEmail(r.Context(), req.Token); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResendVerification はログイン中ユーザーに確認メールを再送する。
// POST /auth/resend-verification
func (h *AuthHandler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	if err := h.service.ResendVerification(r.Context(), userID); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ForgotPassword はパスワード再設定メールの送信を受け付ける。
// POST /auth/forgot-password {email}
// 登録有無にかかわらず202を返す。
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.service.RequestPasswordReset(r.Context(), req.Email); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ResetPassword は再設定トークンで新しいパスワードを設定する。
// POST /auth/reset-password {token, password}
// 既存のセッションはすべて失効するため、このブラウザのCookieも削除する。
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.service.ResetPassword(r.Context(), req.Token, req.Password); err != nil {
		handleServiceError(w, err)
		return
	}
	clearSessionCookies(w, h.cookies)
	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のログインユーザー情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	user, err := h.service.CurrentUser(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

// writeSession はセッションCookieを設定し、ユーザー情報とCSRFトークンを返す。
func (h *AuthHandler) writeSession(w http.ResponseWriter, session *model.Session, includeRefreshToken bool) {
	setSessionCookies(w, session, h.cookies, h.now())

	resp := sessionResponse{
		User:                 toUserResponse(session.User),
		CSRFToken:            session.CSRFToken,
		AccessTokenExpiresAt: session.AccessTokenExpiresAt,
	}
	if includeRefreshToken {
		resp.RefreshToken = session.RefreshToken
	}
	writeJSON(w, http.StatusOK, resp)
}

// refreshTokenFromRequest はCookie、ボディの順にリフレッシュトークンを取り出す。
// ボディが不正な場合はエラーレスポンスを書き込み、okにfalseを返す。
func (h *AuthHandler) refreshTokenFromRequest(w http.ResponseWriter, r *http.Request) (tok string, fromBody bool, ok bool) {
	if cookie, err := r.Cookie(RefreshTokenCookieName); err == nil && cookie.Value != "" {
		return cookie.Value, false, true
	}
	if r.ContentLength == 0 {
		return "", false, true
	}
	var req refreshTokenRequest
	if !decodeJSON(w, r, &req) {
		return "", false, false
	}
	return req.RefreshToken, req.RefreshToken != "", true
}

// generateState はOAuthのCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
