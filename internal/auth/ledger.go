package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/clinicman/internal/model"
	"github.com/hitoshi/clinicman/internal/repository"
	"github.com/hitoshi/clinicman/internal/security"
)

const (
	// refreshTokenBytes はリフレッシュトークンの乱数バイト数。
	refreshTokenBytes = 32

	// DefaultRefreshTTL はリフレッシュトークンのデフォルト有効期間。
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// Rotation はローテーション結果。Tokenは新しいリフレッシュトークンの平文。
type Rotation struct {
	UserID    string
	Token     string
	ExpiresAt time.Time
}

// IssuedRefreshToken は発行したリフレッシュトークンの平文と有効期限。
type IssuedRefreshToken struct {
	Token     string
	ExpiresAt time.Time
}

// Ledger はリフレッシュトークンの発行・ローテーション・失効を管理する。
// 平文のトークンはクライアントにのみ渡し、永続化するのはSHA-256ハッシュだけ。
type Ledger struct {
	repo repository.RefreshTokenRepository
	ttl  time.Duration
	now  func() time.Time
}

// NewLedger はLedgerを生成する。ttlが0以下の場合はDefaultRefreshTTL。
func NewLedger(repo repository.RefreshTokenRepository, ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = DefaultRefreshTTL
	}
	return &Ledger{repo: repo, ttl: ttl, now: time.Now}
}

// TTL はリフレッシュトークンの有効期間を返す。
func (l *Ledger) TTL() time.Duration {
	return l.ttl
}

// Issue はユーザーの新しいリフレッシュトークンを発行する。
func (l *Ledger) Issue(ctx context.Context, userID string) (*IssuedRefreshToken, error) {
	raw, err := security.GenerateOpaqueToken(refreshTokenBytes)
	if err != nil {
		return nil, err
	}

	now := l.now().UTC()
	rt := &model.RefreshToken{
		TokenHash: security.HashToken(raw),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(l.ttl),
	}
	if err := l.repo.Create(ctx, rt); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}
	return &IssuedRefreshToken{Token: raw, ExpiresAt: rt.ExpiresAt}, nil
}

// Rotate は提示されたトークンを消費し、同じユーザーの新しいトークンを発行する。
// 提示されたトークンが存在しない（ローテーション済み・失効済み）か期限切れの場合は
// model.ErrTokenReused を返す。
func (l *Ledger) Rotate(ctx context.Context, old string) (*Rotation, error) {
	if old == "" {
		return nil, model.ErrTokenReused
	}

	raw, err := security.GenerateOpaqueToken(refreshTokenBytes)
	if err != nil {
		return nil, err
	}

	now := l.now().UTC()
	expiresAt := now.Add(l.ttl)
	userID, err := l.repo.Rotate(ctx, security.HashToken(old), security.HashToken(raw), now, expiresAt)
	if err != nil {
		if errors.Is(err, model.ErrTokenReused) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	return &Rotation{UserID: userID, Token: raw, ExpiresAt: expiresAt}, nil
}

// Revoke は提示されたトークンのみを失効させる。存在しない場合も成功とする。
func (l *Ledger) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := l.repo.DeleteByHash(ctx, security.HashToken(token)); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

// RevokeAll はユーザーの全リフレッシュトークンを失効させる。
func (l *Ledger) RevokeAll(ctx context.Context, userID string) error {
	if err := l.repo.DeleteByUserID(ctx, userID); err != nil {
		return fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}
	slog.Info("all refresh tokens revoked", slog.String("user_id", userID))
	return nil
}
