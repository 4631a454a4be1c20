// Package user はユーザー（ログイン主体）の読み書きを一手に担うサービスを提供する。
// 認証コアやクリニック管理はリポジトリを直接触らず、このパッケージを経由する。
package user

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/clinicman/internal/model"
	"github.com/hitoshi/clinicman/internal/repository"
)

// CreateUserInput はユーザー作成時の入力。
// PasswordHashはハッシュ化済みの値を渡す。空の場合はOAuth専用アカウントになる。
type CreateUserInput struct {
	ClinicID      string
	Email         string
	Name          string
	PasswordHash  string
	Role          model.Role
	EmailVerified bool
}

// Service はユーザー管理のサービス層。
type Service struct {
	userRepo repository.UserRepository
	now      func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(userRepo repository.UserRepository) *Service {
	return &Service{
		userRepo: userRepo,
		now:      time.Now,
	}
}

// NormalizeEmail はメールアドレスの前後空白を除去し小文字化する。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// FindByID は指定IDのユーザーを返す。見つからない場合はnilを返す。
func (s *Service) FindByID(ctx context.Context, id string) (*model.User, error) {
	u, err := s.userRepo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	return u, nil
}

// FindByEmail はメールアドレスでユーザーを返す。見つからない場合はnilを返す。
func (s *Service) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	u, err := s.userRepo.FindByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	return u, nil
}

// CreateUser はクリニックに所属するユーザーを作成する。
// メールアドレス重複時は model.ErrEmailTaken を返す。
func (s *Service) CreateUser(ctx context.Context, in CreateUserInput) (*model.User, error) {
	role := in.Role
	if role == "" {
		role = model.RoleMember
	}
	if !role.Valid() {
		return nil, model.NewInvalidRequestError("role")
	}

	now := s.now()
	u := &model.User{
		ID:            uuid.New().String(),
		ClinicID:      in.ClinicID,
		Email:         NormalizeEmail(in.Email),
		Name:          strings.TrimSpace(in.Name),
		PasswordHash:  in.PasswordHash,
		Role:          role,
		EmailVerified: in.EmailVerified,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.userRepo.Create(ctx, u); err != nil {
		return nil, err
	}

	slog.Info("user created",
		slog.String("user_id", u.ID),
		slog.String("clinic_id", u.ClinicID),
		slog.String("role", string(u.Role)),
	)
	return u, nil
}

// UpdateUser は氏名とロールを更新する。
func (s *Service) UpdateUser(ctx context.Context, u *model.User) error {
	if !u.Role.Valid() {
		return model.NewInvalidRequestError("role")
	}
	if err := s.userRepo.Update(ctx, u); err != nil {
		return fmt.Errorf("ユーザーの更新に失敗しました: %w", err)
	}
	return nil
}

// VerifyEmailAddress はメールアドレスを確認済みにする。
func (s *Service) VerifyEmailAddress(ctx context.Context, id string) error {
	if err := s.userRepo.MarkEmailVerified(ctx, id); err != nil {
		return fmt.Errorf("メールアドレス確認状態の更新に失敗しました: %w", err)
	}
	slog.Info("email verified", slog.String("user_id", id))
	return nil
}

// UpdatePassword はハッシュ化済みのパスワードを保存する。
func (s *Service) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	if passwordHash == "" {
		return fmt.Errorf("password hash is required")
	}
	if err := s.userRepo.UpdatePasswordHash(ctx, id, passwordHash); err != nil {
		return fmt.Errorf("パスワードの更新に失敗しました: %w", err)
	}
	slog.Info("password updated", slog.String("user_id", id))
	return nil
}

// ListClinicMembers はクリニックのメンバー一覧を返す。
func (s *Service) ListClinicMembers(ctx context.Context, clinicID string) ([]*model.User, error) {
	users, err := s.userRepo.ListByClinic(ctx, clinicID)
	if err != nil {
		return nil, fmt.Errorf("メンバー一覧の取得に失敗しました: %w", err)
	}
	return users, nil
}
