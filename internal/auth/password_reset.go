package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/clinicman/internal/model"
	"github.com/hitoshi/clinicman/internal/repository"
)

// PasswordResetStore は再設定トークンの消費とパスワードの差し替えをまとめて適用する。
type PasswordResetStore struct {
	repo repository.PasswordResetRepository
	now  func() time.Time
}

// NewPasswordResetStore はPasswordResetStoreを生成する。
func NewPasswordResetStore(repo repository.PasswordResetRepository) *PasswordResetStore {
	return &PasswordResetStore{repo: repo, now: time.Now}
}

// Apply はトークンを消費して新しいハッシュを保存し、所有ユーザーの全リフレッシュトークンを失効させる。
// エラー時はいずれの変更も残らない。UUIDとして解釈できない値は model.ErrSingleUseTokenInvalid とする。
func (s *PasswordResetStore) Apply(ctx context.Context, token, passwordHash string) (string, error) {
	id, err := uuid.Parse(token)
	if err != nil {
		return "", model.ErrSingleUseTokenInvalid
	}

	userID, err := s.repo.ResetPassword(ctx, id.String(), passwordHash, s.now().UTC())
	if err != nil {
		if isSingleUseOutcome(err) {
			return "", err
		}
		return "", fmt.Errorf("failed to apply password reset: %w", err)
	}
	return userID, nil
}
