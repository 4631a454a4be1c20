package middleware

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/clinicman/internal/model"
	"github.com/hitoshi/clinicman/internal/token"
)

func newTestKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return key
}

func newTestSigner(t *testing.T, key *ecdsa.PrivateKey, opts ...token.Option) *token.Signer {
	t.Helper()
	s, err := token.NewSigner(token.Config{PrivateKey: key, Issuer: "clinicman", Audience: "clinicman-web"}, opts...)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return s
}

func issueToken(t *testing.T, s *token.Signer, role model.Role) string {
	t.Helper()
	issued, err := s.Issue(token.Subject{UserID: "user-123", Role: role, ClinicID: "clinic-1"}, 10*time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return issued.Token
}

func decodeErrorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	return body.Code
}

func TestSessionMiddleware_CookieToken_InjectsPrincipal(t *testing.T) {
	signer := newTestSigner(t, newTestKey(t))
	mw := NewSessionMiddleware(signer)

	var got Principal
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok {
			t.Error("expected principal in context")
		}
		got = p
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.AddCookie(&http.Cookie{Name: AccessTokenCookieName, Value: issueToken(t, signer, model.RoleAdmin)})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	want := Principal{UserID: "user-123", Role: model.RoleAdmin, ClinicID: "clinic-1"}
	if got != want {
		t.Errorf("principal = %+v, want %+v", got, want)
	}
}

func TestSessionMiddleware_BearerToken(t *testing.T) {
	signer := newTestSigner(t, newTestKey(t))
	handler := NewSessionMiddleware(signer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := UserIDFromContext(r.Context())
		if err != nil || userID != "user-123" {
			t.Errorf("unexpected user id %q (%v)", userID, err)
		}
	}))

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+issueToken(t, signer, model.RoleMember))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestSessionMiddleware_Rejections(t *testing.T) {
	key := newTestKey(t)
	signer := newTestSigner(t, key)
	other := newTestSigner(t, newTestKey(t))
	// 同じ鍵で1時間前に発行したトークンは現在時刻では期限切れになる
	past := newTestSigner(t, key, token.WithClock(func() time.Time { return time.Now().Add(-time.Hour) }))

	tests := []struct {
		name     string
		setup    func(r *http.Request)
		wantCode string
	}{
		{"トークンなし", func(r *http.Request) {}, model.ErrCodeUnauthorized},
		{"不正な形式", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: AccessTokenCookieName, Value: "not-a-jwt"})
		}, model.ErrCodeUnauthorized},
		{"別の鍵で署名", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: AccessTokenCookieName, Value: issueToken(t, other, model.RoleMember)})
		}, model.ErrCodeUnauthorized},
		{"Bearer以外のスキーム", func(r *http.Request) {
			r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		}, model.ErrCodeUnauthorized},
		{"期限切れ", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: AccessTokenCookieName, Value: issueToken(t, past, model.RoleMember)})
		}, model.ErrCodeTokenExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handlerCalled := false
			handler := NewSessionMiddleware(signer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handlerCalled = true
			}))

			req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
			tt.setup(req)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if handlerCalled {
				t.Error("handler should not be called")
			}
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
			if code := decodeErrorCode(t, w); code != tt.wantCode {
				t.Errorf("code = %q, want %q", code, tt.wantCode)
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name       string
		principal  *Principal
		wantStatus int
	}{
		{"管理者", &Principal{UserID: "u1", Role: model.RoleAdmin}, http.StatusOK},
		{"一般メンバー", &Principal{UserID: "u1", Role: model.RoleMember}, http.StatusForbidden},
		{"未認証", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := RequireRole(model.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/clinic/members", nil)
			if tt.principal != nil {
				req = req.WithContext(ContextWithPrincipal(req.Context(), *tt.principal))
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestUserIDFromContext_Empty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := UserIDFromContext(req.Context()); err == nil {
		t.Error("expected error for empty context")
	}
	ctx := ContextWithUserID(req.Context(), "u1")
	if id, err := UserIDFromContext(ctx); err != nil || id != "u1" {
		t.Errorf("got (%q, %v)", id, err)
	}
}
