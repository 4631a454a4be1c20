package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/clinicman/internal/model"
	"github.com/hitoshi/clinicman/internal/repository"
)

const (
	// DefaultVerifyTTL はメールアドレス確認トークンのデフォルト有効期間。
	DefaultVerifyTTL = 24 * time.Hour
	// DefaultResetTTL はパスワード再設定トークンのデフォルト有効期間。
	DefaultResetTTL = time.Hour
)

// SingleUseStore は用途ごとの使い捨てトークンを発行・消費する。
type SingleUseStore struct {
	repo repository.SingleUseTokenRepository
	kind model.TokenKind
	ttl  time.Duration
	now  func() time.Time
}

// NewSingleUseStore は指定用途のSingleUseStoreを生成する。
// ttlが0以下の場合は用途ごとのデフォルト値を使う。
func NewSingleUseStore(repo repository.SingleUseTokenRepository, kind model.TokenKind, ttl time.Duration) *SingleUseStore {
	if ttl <= 0 {
		ttl = DefaultVerifyTTL
		if kind == model.TokenKindPasswordReset {
			ttl = DefaultResetTTL
		}
	}
	return &SingleUseStore{repo: repo, kind: kind, ttl: ttl, now: time.Now}
}

// Kind はストアの用途を返す。
func (s *SingleUseStore) Kind() model.TokenKind {
	return s.kind
}

// TTL はトークンの有効期間を返す。
func (s *SingleUseStore) TTL() time.Duration {
	return s.ttl
}

// Issue はユーザーの新しいトークンを発行する。
// パスワード再設定の場合は未使用の古いトークンを先に削除し、最新のリンクだけを有効にする。
func (s *SingleUseStore) Issue(ctx context.Context, userID string) (string, error) {
	if s.kind == model.TokenKindPasswordReset {
		if err := s.repo.DeleteUnusedByUserAndKind(ctx, userID, s.kind); err != nil {
			return "", fmt.Errorf("failed to discard previous %s tokens: %w", s.kind, err)
		}
	}

	now := s.now().UTC()
	t := &model.SingleUseToken{
		Token:     uuid.New().String(),
		Kind:      s.kind,
		UserID:    userID,
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
	}
	if err := s.repo.Create(ctx, t); err != nil {
		return "", fmt.Errorf("failed to store %s token: %w", s.kind, err)
	}
	return t.Token, nil
}

// Consume はトークンを消費して所有ユーザーIDを返す。
// UUIDとして解釈できない値はDBに問い合わせず model.ErrSingleUseTokenInvalid とする。
func (s *SingleUseStore) Consume(ctx context.Context, token string) (string, error) {
	id, err := uuid.Parse(token)
	if err != nil {
		return "", model.ErrSingleUseTokenInvalid
	}

	userID, err := s.repo.Consume(ctx, id.String(), s.kind, s.now().UTC())
	if err != nil {
		if isSingleUseOutcome(err) {
			return "", err
		}
		return "", fmt.Errorf("failed to consume %s token: %w", s.kind, err)
	}
	return userID, nil
}

func isSingleUseOutcome(err error) bool {
	return errors.Is(err, model.ErrSingleUseTokenInvalid) ||
		errors.Is(err, model.ErrSingleUseTokenExpired) ||
		errors.Is(err, model.ErrSingleUseTokenAlreadyUsed)
}
