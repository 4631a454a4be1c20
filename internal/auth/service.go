// Package auth はログイン、トークンのローテーション、メール確認・パスワード再設定の
// 認証フローを提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/clinicman/internal/metrics"
	"github.com/hitoshi/clinicman/internal/model"
	"github.com/hitoshi/clinicman/internal/repository"
	"github.com/hitoshi/clinicman/internal/security"
	"github.com/hitoshi/clinicman/internal/throttle"
	"github.com/hitoshi/clinicman/internal/token"
)

// ProviderGoogle はGoogleのidentityに記録するプロバイダー名。
const ProviderGoogle = "google"

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	EmailVerified  bool
	Name           string
	Provider       string
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// LoginURL はOAuth認証URLを生成する。
	LoginURL(state, redirectURI string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code, redirectURI string) (*OAuthUserInfo, error)
}

// UserDirectory は認証フローが必要とするユーザー操作。user.Serviceが満たす。
type UserDirectory interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	VerifyEmailAddress(ctx context.Context, id string) error
}

// ClinicBootstrapper はGoogleでの初回ログイン時にクリニックと管理者を作成する。
type ClinicBootstrapper interface {
	BootstrapWithIdentity(ctx context.Context, email, name string, identity *model.Identity) (*model.User, error)
}

// AccessTokenIssuer はアクセストークンを発行する。token.Signerが満たす。
type AccessTokenIssuer interface {
	Issue(subject token.Subject, ttl time.Duration) (*token.Issued, error)
}

// RefreshLedger はリフレッシュトークンの台帳。Ledgerが満たす。
type RefreshLedger interface {
	Issue(ctx context.Context, userID string) (*IssuedRefreshToken, error)
	Rotate(ctx context.Context, old string) (*Rotation, error)
	Revoke(ctx context.Context, token string) error
}

// SingleUseTokens は用途ごとの使い捨てトークン。SingleUseStoreが満たす。
type SingleUseTokens interface {
	Issue(ctx context.Context, userID string) (string, error)
	Consume(ctx context.Context, token string) (string, error)
	Kind() model.TokenKind
	TTL() time.Duration
}

// PasswordResets はパスワード再設定の適用。PasswordResetStoreが満たす。
type PasswordResets interface {
	Apply(ctx context.Context, token, passwordHash string) (userID string, err error)
}

// Notifier は認証フローのメール送信。mail.Notifierが満たす。
type Notifier interface {
	SendVerification(ctx context.Context, u *model.User, token, ttl string) error
	SendPasswordReset(ctx context.Context, u *model.User, token, ttl string) error
}

// RedirectValidator はOAuthのredirect_uriを検証する。security.SSRFGuardServiceが満たす。
type RedirectValidator interface {
	ValidateRedirectURI(rawURL string, allowedOrigins ...string) error
}

// Deps は認証サービスの依存。
type Deps struct {
	Users        UserDirectory
	Identities   repository.IdentityRepository
	Clinics      ClinicBootstrapper
	Hasher       security.PasswordHasher
	Signer       AccessTokenIssuer
	Ledger       RefreshLedger
	VerifyTokens SingleUseTokens
	ResetTokens  SingleUseTokens
	Resets       PasswordResets
	OAuth        OAuthProvider
	Redirects    RedirectValidator
	Notifier     Notifier

	// LoginLimiter はログイン失敗回数、ForgotLimiter はパスワード再設定依頼回数を
	// メールアドレス単位で制限する。nilの場合は制限しない。
	LoginLimiter  throttle.Limiter
	ForgotLimiter throttle.Limiter

	Metrics metrics.MetricsCollector
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	AccessTokenTTL         time.Duration
	AllowedRedirectOrigins []string
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	deps   Deps
	config ServiceConfig
	now    func() time.Time

	pending sync.WaitGroup
}

// NewService はServiceを生成する。
func NewService(deps Deps, config ServiceConfig) *Service {
	if deps.LoginLimiter == nil {
		deps.LoginLimiter = throttle.Nop{}
	}
	if deps.ForgotLimiter == nil {
		deps.ForgotLimiter = throttle.Nop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if config.AccessTokenTTL <= 0 || config.AccessTokenTTL > token.MaxAccessTTL {
		config.AccessTokenTTL = token.MaxAccessTTL
	}
	return &Service{deps: deps, config: config, now: time.Now}
}

// Login はメールアドレスとパスワードでログインし、セッションを発行する。
// ユーザー不在・パスワード未設定・不一致はいずれも model.ErrInvalidCredentials を返す。
func (s *Service) Login(ctx context.Context, email, password string) (*model.Session, error) {
	key := normalizeEmail(email)
	if err := s.limitOutcome(s.deps.LoginLimiter.Check(ctx, key)); err != nil {
		s.deps.Metrics.RecordLogin("password", "throttled")
		return nil, err
	}

	u, err := s.deps.Users.FindByEmail(ctx, key)
	if err != nil {
		return nil, err
	}
	// ユーザー不在でも照合を行い、応答時間からアカウントの有無を推測させない
	var digest string
	if u != nil {
		digest = u.PasswordHash
	}
	matched := s.deps.Hasher.Compare(password, digest)
	if u == nil || !matched {
		s.deps.Metrics.RecordLogin("password", "failure")
		if err := s.limitOutcome(s.deps.LoginLimiter.Hit(ctx, key)); err != nil {
			slog.Warn("login attempts exceeded", slog.String("reason", "login_throttled"))
		}
		return nil, model.ErrInvalidCredentials
	}

	if err := s.deps.LoginLimiter.Reset(ctx, key); err != nil {
		slog.Warn("failed to reset login throttle", slog.String("error", err.Error()))
	}

	session, err := s.startSession(ctx, u)
	if err != nil {
		return nil, err
	}
	s.deps.Metrics.RecordLogin("password", "success")
	slog.Info("user logged in",
		slog.String("user_id", u.ID),
		slog.String("method", "password"),
	)
	return session, nil
}

// GoogleLoginURL はredirectURIを検証した上でGoogleの認証URLを返す。
func (s *Service) GoogleLoginURL(state, redirectURI string) (string, error) {
	if err := s.deps.Redirects.ValidateRedirectURI(redirectURI, s.config.AllowedRedirectOrigins...); err != nil {
		slog.Warn("rejected oauth redirect uri", slog.String("error", err.Error()))
		return "", model.NewInvalidRequestError("redirectUri")
	}
	return s.deps.OAuth.LoginURL(state, redirectURI), nil
}

// LoginWithGoogle は認可コードを交換し、対応するローカルユーザーでログインする。
// identity、メールアドレスの順に既存ユーザーを探し、どちらも無ければ
// 新しいクリニックの管理者として作成する。
func (s *Service) LoginWithGoogle(ctx context.Context, code, redirectURI string) (*model.Session, error) {
	if code == "" {
		return nil, model.NewInvalidRequestError("code")
	}
	if err := s.deps.Redirects.ValidateRedirectURI(redirectURI, s.config.AllowedRedirectOrigins...); err != nil {
		slog.Warn("rejected oauth redirect uri", slog.String("error", err.Error()))
		return nil, model.NewInvalidRequestError("redirectUri")
	}

	info, err := s.deps.OAuth.ExchangeCode(ctx, code, redirectURI)
	if err != nil {
		s.deps.Metrics.RecordLogin("google", "failure")
		slog.Warn("oauth code exchange failed", slog.String("error", err.Error()))
		return nil, model.NewOAuthFailedError()
	}
	if !info.EmailVerified {
		s.deps.Metrics.RecordLogin("google", "failure")
		slog.Warn("oauth profile email not verified", slog.String("provider_user_id", info.ProviderUserID))
		return nil, model.NewOAuthFailedError()
	}

	u, err := s.resolveOAuthUser(ctx, info)
	if errors.Is(err, repository.ErrIdentityConflict) {
		s.deps.Metrics.RecordLogin("google", "failure")
		slog.Warn("oauth identity linked to another user", slog.String("provider_user_id", info.ProviderUserID))
		return nil, model.NewOAuthFailedError()
	}
	if err != nil {
		return nil, err
	}

	session, err := s.startSession(ctx, u)
	if err != nil {
		return nil, err
	}
	s.deps.Metrics.RecordLogin("google", "success")
	slog.Info("user logged in",
		slog.String("user_id", u.ID),
		slog.String("method", "google"),
	)
	return session, nil
}

// resolveOAuthUser はOAuthプロフィールに対応するローカルユーザーを返す。
func (s *Service) resolveOAuthUser(ctx context.Context, info *OAuthUserInfo) (*model.User, error) {
	identity, err := s.deps.Identities.FindByProviderAndProviderUserID(ctx, info.Provider, info.ProviderUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	if identity != nil {
		u, err := s.deps.Users.FindByID(ctx, identity.UserID)
		if err != nil {
			return nil, err
		}
		if u != nil {
			return u, nil
		}
	}

	newIdentity := &model.Identity{
		ID:             uuid.New().String(),
		Provider:       info.Provider,
		ProviderUserID: info.ProviderUserID,
		CreatedAt:      s.now(),
	}

	// 同じメールアドレスのローカルユーザーがいればidentityを紐付ける
	u, err := s.deps.Users.FindByEmail(ctx, info.Email)
	if err != nil {
		return nil, err
	}
	if u != nil {
		newIdentity.UserID = u.ID
		if err := s.deps.Identities.Create(ctx, newIdentity); err != nil {
			return nil, err
		}
		if !u.EmailVerified {
			if err := s.deps.Users.VerifyEmailAddress(ctx, u.ID); err != nil {
				return nil, err
			}
			u.EmailVerified = true
		}
		slog.Info("identity linked to existing user",
			slog.String("user_id", u.ID),
			slog.String("provider", info.Provider),
		)
		return u, nil
	}

	u, err = s.deps.Clinics.BootstrapWithIdentity(ctx, info.Email, info.Name, newIdentity)
	if err != nil {
		return nil, fmt.Errorf("failed to create clinic for oauth user: %w", err)
	}
	return u, nil
}

// Refresh はリフレッシュトークンをローテーションし、新しいセッションを発行する。
// 無効なトークン（ローテーション済み・失効済み・期限切れ）は model.ErrTokenReused を返す。
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*model.Session, error) {
	rot, err := s.deps.Ledger.Rotate(ctx, refreshToken)
	if errors.Is(err, model.ErrTokenReused) {
		s.deps.Metrics.RecordRefresh("rejected")
		s.deps.Metrics.RecordRefreshReuse()
		slog.Warn("refresh token rejected", slog.String("reason", "refresh_token_reuse"))
		return nil, err
	}
	if err != nil {
		s.deps.Metrics.RecordRefresh("error")
		return nil, err
	}

	u, err := s.deps.Users.FindByID(ctx, rot.UserID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		// 削除済みユーザーのトークンは発行直後の新トークンごと破棄する
		if err := s.deps.Ledger.Revoke(ctx, rot.Token); err != nil {
			slog.Error("failed to revoke token of missing user", slog.String("error", err.Error()))
		}
		s.deps.Metrics.RecordRefresh("rejected")
		return nil, model.ErrTokenReused
	}

	session, err := s.sessionFor(u, rot.Token, rot.ExpiresAt)
	if err != nil {
		return nil, err
	}
	s.deps.Metrics.RecordRefresh("success")
	return session, nil
}

// Logout は提示されたリフレッシュトークンのみを失効させる。
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if err := s.deps.Ledger.Revoke(ctx, refreshToken); err != nil {
		return err
	}
	slog.Info("user logged out")
	return nil
}

// CurrentUser はアクセストークンのsubjectに対応するユーザーを返す。
func (s *Service) CurrentUser(ctx context.Context, userID string) (*model.User, error) {
	u, err := s.deps.Users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, model.NewUserNotFoundError()
	}
	return u, nil
}

// VerifyEmail はメールアドレス確認トークンを消費し、ユーザーを確認済みにする。
func (s *Service) VerifyEmail(ctx context.Context, tok string) error {
	userID, err := s.consume(ctx, s.deps.VerifyTokens, tok)
	if err != nil {
		return err
	}
	return s.deps.Users.VerifyEmailAddress(ctx, userID)
}

// StartEmailVerification は確認トークンを発行してメールを送る。
// メール送信の失敗はログとメトリクスに記録するだけで、呼び出し元には返さない。
func (s *Service) StartEmailVerification(ctx context.Context, u *model.User) error {
	tok, err := s.deps.VerifyTokens.Issue(ctx, u.ID)
	if err != nil {
		return err
	}
	s.deliver(string(model.TokenKindEmailVerify), u.ID, func() error {
		return s.deps.Notifier.SendVerification(ctx, u, tok, humanizeTTL(s.deps.VerifyTokens.TTL()))
	})
	return nil
}

// ResendVerification は未確認ユーザーに確認メールを再送する。確認済みなら何もしない。
func (s *Service) ResendVerification(ctx context.Context, userID string) error {
	u, err := s.CurrentUser(ctx, userID)
	if err != nil {
		return err
	}
	if u.EmailVerified {
		return nil
	}
	return s.StartEmailVerification(ctx, u)
}

// RequestPasswordReset はパスワード再設定メールを送る。
// メールアドレスが未登録でも成功として扱い、登録有無を外部に漏らさない。
// 登録済みの場合もトークン発行とメール送信はバックグラウンドで行い、その失敗はログに記録する。
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	key := normalizeEmail(email)
	if key == "" {
		return model.NewInvalidRequestError("email")
	}
	if err := s.limitOutcome(s.deps.ForgotLimiter.Hit(ctx, key)); err != nil {
		slog.Warn("password reset requests exceeded", slog.String("reason", "forgot_password_throttled"))
		return err
	}

	u, err := s.deps.Users.FindByEmail(ctx, key)
	if err != nil {
		return err
	}
	if u == nil {
		slog.Info("password reset requested for unknown account")
		return nil
	}

	// トークン発行とメール送信は応答後に行い、応答時間から登録有無を推測させない
	bg := context.WithoutCancel(ctx)
	s.pending.Go(func() {
		tok, err := s.deps.ResetTokens.Issue(bg, u.ID)
		if err != nil {
			slog.Error("failed to issue password reset token",
				slog.String("user_id", u.ID),
				slog.String("error", err.Error()),
			)
			return
		}
		s.deliver(string(model.TokenKindPasswordReset), u.ID, func() error {
			return s.deps.Notifier.SendPasswordReset(bg, u, tok, humanizeTTL(s.deps.ResetTokens.TTL()))
		})
	})
	return nil
}

// Wait は応答後に実行中のパスワード再設定メール送信がすべて終わるまで待つ。
// シャットダウン時に呼び出す。
func (s *Service) Wait() {
	s.pending.Wait()
}

// ResetPassword は再設定トークンを消費して新しいパスワードを設定し、
// そのユーザーの全リフレッシュトークンを失効させる。3つの変更はまとめて適用され、
// 失敗した場合はトークンも再利用できる。
// パスワードが要件を満たさない場合はトークンを消費しない。
func (s *Service) ResetPassword(ctx context.Context, tok, newPassword string) error {
	if !security.ValidatePassword(newPassword) {
		return model.NewWeakPasswordError(security.MinPasswordLength, security.MaxPasswordBytes)
	}
	hash, err := s.deps.Hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	userID, err := s.deps.Resets.Apply(ctx, tok, hash)
	s.recordConsume(model.TokenKindPasswordReset, err)
	if err != nil {
		return err
	}

	slog.Info("password reset completed", slog.String("user_id", userID))
	return nil
}

// startSession は新しいリフレッシュトークンを発行してセッションを組み立てる。
func (s *Service) startSession(ctx context.Context, u *model.User) (*model.Session, error) {
	rt, err := s.deps.Ledger.Issue(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	return s.sessionFor(u, rt.Token, rt.ExpiresAt)
}

// sessionFor はアクセストークンとCSRFトークンを発行し、リフレッシュトークンと合わせて返す。
func (s *Service) sessionFor(u *model.User, refreshToken string, refreshExpiresAt time.Time) (*model.Session, error) {
	access, err := s.deps.Signer.Issue(token.Subject{
		UserID:   u.ID,
		Role:     u.Role,
		ClinicID: u.ClinicID,
	}, s.config.AccessTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}

	csrf, err := security.GenerateCSRFToken()
	if err != nil {
		return nil, err
	}

	return &model.Session{
		User:                  u,
		AccessToken:           access.Token,
		AccessTokenExpiresAt:  access.ExpiresAt,
		RefreshToken:          refreshToken,
		RefreshTokenExpiresAt: refreshExpiresAt,
		CSRFToken:             csrf,
	}, nil
}

// consume は使い捨てトークンを消費し、結果をメトリクスに記録する。
func (s *Service) consume(ctx context.Context, store SingleUseTokens, tok string) (string, error) {
	userID, err := store.Consume(ctx, tok)
	s.recordConsume(store.Kind(), err)
	return userID, err
}

// recordConsume はトークン消費の結果をメトリクスに記録する。再利用はWARNログも出す。
func (s *Service) recordConsume(k model.TokenKind, err error) {
	kind := string(k)
	switch {
	case err == nil:
		s.deps.Metrics.RecordSingleUseConsume(kind, "success")
	case errors.Is(err, model.ErrSingleUseTokenInvalid):
		s.deps.Metrics.RecordSingleUseConsume(kind, "invalid")
	case errors.Is(err, model.ErrSingleUseTokenExpired):
		s.deps.Metrics.RecordSingleUseConsume(kind, "expired")
	case errors.Is(err, model.ErrSingleUseTokenAlreadyUsed):
		s.deps.Metrics.RecordSingleUseConsume(kind, "used")
		slog.Warn("single-use token replayed", slog.String("kind", kind), slog.String("reason", "single_use_token_reuse"))
	default:
		s.deps.Metrics.RecordSingleUseConsume(kind, "error")
	}
}

// deliver はメールを送信し、失敗時はERRORログとメトリクスに記録する。
func (s *Service) deliver(kind, userID string, send func() error) {
	if err := send(); err != nil {
		s.deps.Metrics.RecordMailFailure(kind)
		slog.Error("mail delivery failed",
			slog.String("kind", kind),
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

// limitOutcome はスロットリング結果を解釈する。
// 制限超過はそのまま返し、ストア障害は警告ログを出して許可する。
func (s *Service) limitOutcome(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, model.ErrRateLimited) {
		return err
	}
	slog.Warn("throttle unavailable, allowing request", slog.String("error", err.Error()))
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// humanizeTTL はメール本文用に有効期間を表示する。
func humanizeTTL(d time.Duration) string {
	if d >= time.Hour && d%time.Hour == 0 {
		return fmt.Sprintf("%d時間", int(d/time.Hour))
	}
	return fmt.Sprintf("%d分", int(d/time.Minute))
}
