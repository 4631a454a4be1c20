package auth

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/clinicman/internal/model"
	"github.com/hitoshi/clinicman/internal/security"
)

// memUsers はUserDirectoryのインメモリ実装。
type memUsers struct {
	mu    sync.Mutex
	users map[string]*model.User
}

func newMemUsers(users ...*model.User) *memUsers {
	m := &memUsers{users: make(map[string]*model.User)}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *memUsers) FindByID(_ context.Context, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) FindByEmail(_ context.Context, email string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == normalizeEmail(email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memUsers) VerifyEmailAddress(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id].EmailVerified = true
	return nil
}

func (m *memUsers) get(id string) *model.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[id]
}

// memRefreshRepo はRefreshTokenRepositoryのインメモリ実装。
type memRefreshRepo struct {
	mu   sync.Mutex
	rows map[string]*model.RefreshToken
}

func newMemRefreshRepo() *memRefreshRepo {
	return &memRefreshRepo{rows: make(map[string]*model.RefreshToken)}
}

func (r *memRefreshRepo) Create(_ context.Context, t *model.RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[t.TokenHash] = t
	return nil
}

func (r *memRefreshRepo) Rotate(_ context.Context, oldHash, newHash string, now, expiresAt time.Time) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.rows[oldHash]
	if !ok || !old.ExpiresAt.After(now) {
		return "", model.ErrTokenReused
	}
	delete(r.rows, oldHash)
	r.rows[newHash] = &model.RefreshToken{TokenHash: newHash, UserID: old.UserID, CreatedAt: now, ExpiresAt: expiresAt}
	return old.UserID, nil
}

func (r *memRefreshRepo) DeleteByHash(_ context.Context, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, hash)
	return nil
}

func (r *memRefreshRepo) DeleteByUserID(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for h, t := range r.rows {
		if t.UserID == userID {
			delete(r.rows, h)
		}
	}
	return nil
}

func (r *memRefreshRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func (r *memRefreshRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

// memSingleUseRepo はSingleUseTokenRepositoryのインメモリ実装。
type memSingleUseRepo struct {
	mu   sync.Mutex
	rows map[string]*model.SingleUseToken
}

func newMemSingleUseRepo() *memSingleUseRepo {
	return &memSingleUseRepo{rows: make(map[string]*model.SingleUseToken)}
}

func (r *memSingleUseRepo) Create(_ context.Context, t *model.SingleUseToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[t.Token] = t
	return nil
}

func (r *memSingleUseRepo) Consume(_ context.Context, token string, kind model.TokenKind, now time.Time) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.rows[token]
	if !ok || t.Kind != kind {
		return "", model.ErrSingleUseTokenInvalid
	}
	if t.Expired(now) {
		delete(r.rows, token)
		return "", model.ErrSingleUseTokenExpired
	}
	if t.UsedAt != nil {
		return "", model.ErrSingleUseTokenAlreadyUsed
	}
	t.UsedAt = &now
	return t.UserID, nil
}

func (r *memSingleUseRepo) DeleteUnusedByUserAndKind(_ context.Context, userID string, kind model.TokenKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, t := range r.rows {
		if t.UserID == userID && t.Kind == kind && t.UsedAt == nil {
			delete(r.rows, k)
		}
	}
	return nil
}

func (r *memSingleUseRepo) DeleteExpiredOrUsed(_ context.Context, now time.Time) (int64, error) {
	return 0, nil
}

// memPasswordResets はPasswordResetRepositoryのインメモリ実装。
// 3つのインメモリストアをまとめて更新し、revokeErrを設定すると
// リフレッシュトークン削除の失敗を模して何も変更しない。
type memPasswordResets struct {
	singles   *memSingleUseRepo
	users     *memUsers
	refresh   *memRefreshRepo
	revokeErr error
}

func (r *memPasswordResets) ResetPassword(_ context.Context, token, passwordHash string, now time.Time) (string, error) {
	r.singles.mu.Lock()
	defer r.singles.mu.Unlock()
	t, ok := r.singles.rows[token]
	if !ok || t.Kind != model.TokenKindPasswordReset {
		return "", model.ErrSingleUseTokenInvalid
	}
	if t.Expired(now) {
		delete(r.singles.rows, token)
		return "", model.ErrSingleUseTokenExpired
	}
	if t.UsedAt != nil {
		return "", model.ErrSingleUseTokenAlreadyUsed
	}
	if r.revokeErr != nil {
		return "", r.revokeErr
	}

	r.users.mu.Lock()
	u, ok := r.users.users[t.UserID]
	if ok {
		u.PasswordHash = passwordHash
	}
	r.users.mu.Unlock()
	if !ok {
		return "", model.ErrSingleUseTokenInvalid
	}
	if err := r.refresh.DeleteByUserID(context.Background(), t.UserID); err != nil {
		return "", err
	}
	t.UsedAt = &now
	return t.UserID, nil
}

// mockIdentityRepo はIdentityRepositoryのモック。
type mockIdentityRepo struct {
	findFn   func(ctx context.Context, provider, providerUserID string) (*model.Identity, error)
	createFn func(ctx context.Context, identity *model.Identity) error
	created  []*model.Identity
}

func (m *mockIdentityRepo) FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
	if m.findFn != nil {
		return m.findFn(ctx, provider, providerUserID)
	}
	return nil, nil
}

func (m *mockIdentityRepo) Create(ctx context.Context, identity *model.Identity) error {
	m.created = append(m.created, identity)
	if m.createFn != nil {
		return m.createFn(ctx, identity)
	}
	return nil
}

// mockClinics はClinicBootstrapperのモック。
type mockClinics struct {
	bootstrapFn func(ctx context.Context, email, name string, identity *model.Identity) (*model.User, error)
}

func (m *mockClinics) BootstrapWithIdentity(ctx context.Context, email, name string, identity *model.Identity) (*model.User, error) {
	if m.bootstrapFn != nil {
		return m.bootstrapFn(ctx, email, name, identity)
	}
	return nil, nil
}

// mockOAuthProvider はOAuthProviderのモック。
type mockOAuthProvider struct {
	exchangeCodeFn func(ctx context.Context, code, redirectURI string) (*OAuthUserInfo, error)
}

func (m *mockOAuthProvider) LoginURL(state, redirectURI string) string {
	return "https://accounts.google.com/o/oauth2/auth?state=" + state
}

func (m *mockOAuthProvider) ExchangeCode(ctx context.Context, code, redirectURI string) (*OAuthUserInfo, error) {
	if m.exchangeCodeFn != nil {
		return m.exchangeCodeFn(ctx, code, redirectURI)
	}
	return nil, nil
}

// sentMail は送信されたメールの記録。
type sentMail struct {
	kind  string
	to    string
	token string
}

// fakeNotifier はNotifierのフェイク。errを設定すると送信失敗を模す。
// holdResetを設定すると、閉じられるまで再設定メールの送信を止める。
type fakeNotifier struct {
	mu        sync.Mutex
	sent      []sentMail
	err       error
	holdReset chan struct{}
}

func (n *fakeNotifier) SendVerification(_ context.Context, u *model.User, token, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMail{kind: "verify", to: u.Email, token: token})
	return n.err
}

func (n *fakeNotifier) SendPasswordReset(_ context.Context, u *model.User, token, _ string) error {
	if n.holdReset != nil {
		<-n.holdReset
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMail{kind: "reset", to: u.Email, token: token})
	return n.err
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func (n *fakeNotifier) last() sentMail {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) == 0 {
		return sentMail{}
	}
	return n.sent[len(n.sent)-1]
}

// recordingHasher は照合に渡されたダイジェストを記録する。
type recordingHasher struct {
	security.PasswordHasher
	mu      sync.Mutex
	digests []string
}

func (h *recordingHasher) Compare(plaintext, digest string) bool {
	h.mu.Lock()
	h.digests = append(h.digests, digest)
	h.mu.Unlock()
	return h.PasswordHasher.Compare(plaintext, digest)
}

func (h *recordingHasher) compared() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.digests...)
}

// fakeLimiter はthrottle.Limiterのフェイク。
type fakeLimiter struct {
	checkErr error
	hitErr   error
	hits     int
	resets   int
}

func (l *fakeLimiter) Check(context.Context, string) error { return l.checkErr }
func (l *fakeLimiter) Hit(context.Context, string) error {
	l.hits++
	return l.hitErr
}
func (l *fakeLimiter) Reset(context.Context, string) error {
	l.resets++
	return nil
}

// recordingMetrics はメトリクス呼び出しを記録する。
type recordingMetrics struct {
	mu     sync.Mutex
	events []string
}

func (m *recordingMetrics) add(e string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func (m *recordingMetrics) has(e string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.events {
		if x == e {
			return true
		}
	}
	return false
}

func (m *recordingMetrics) RecordLogin(method, outcome string) {
	m.add("login:" + method + ":" + outcome)
}
func (m *recordingMetrics) RecordRefresh(outcome string)      { m.add("refresh:" + outcome) }
func (m *recordingMetrics) RecordRefreshReuse()               { m.add("refresh_reuse") }
func (m *recordingMetrics) RecordCSRFRejection(reason string) { m.add("csrf:" + reason) }
func (m *recordingMetrics) RecordSingleUseConsume(kind, outcome string) {
	m.add("single_use:" + kind + ":" + outcome)
}
func (m *recordingMetrics) RecordMailFailure(kind string)             { m.add("mail_failure:" + kind) }
func (m *recordingMetrics) RecordTokensCleaned(table string, n int64) {}
func (m *recordingMetrics) RecordHTTPStatus(int)                      {}
func (m *recordingMetrics) RecordRequestLatency(time.Duration)        {}
