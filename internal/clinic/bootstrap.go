// Package clinic はクリニック（テナント）の作成とメンバー管理を提供する。
package clinic

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/clinicman/internal/model"
	"github.com/hitoshi/clinicman/internal/repository"
	"github.com/hitoshi/clinicman/internal/user"
)

// Bootstrapper はクリニックとその最初の管理者を同一トランザクションで作成する。
type Bootstrapper struct {
	repo repository.ClinicRepository
	now  func() time.Time
}

// NewBootstrapper はBootstrapperを生成する。
func NewBootstrapper(repo repository.ClinicRepository) *Bootstrapper {
	return &Bootstrapper{repo: repo, now: time.Now}
}

// AdminInput は管理者ユーザーの作成内容。PasswordHashはハッシュ化済みの値。
type AdminInput struct {
	Email         string
	Name          string
	PasswordHash  string
	EmailVerified bool
}

// Bootstrap はクリニックと管理者（とidentity）を作成する。
// メールアドレス重複時は model.ErrEmailTaken を返し、クリニックも作成されない。
func (b *Bootstrapper) Bootstrap(ctx context.Context, clinicName string, admin AdminInput, identity *model.Identity) (*model.Clinic, *model.User, error) {
	now := b.now()
	c := &model.Clinic{
		ID:        uuid.New().String(),
		Name:      strings.TrimSpace(clinicName),
		CreatedAt: now,
		UpdatedAt: now,
	}
	u := &model.User{
		ID:            uuid.New().String(),
		Email:         user.NormalizeEmail(admin.Email),
		Name:          strings.TrimSpace(admin.Name),
		PasswordHash:  admin.PasswordHash,
		Role:          model.RoleAdmin,
		ClinicID:      c.ID,
		EmailVerified: admin.EmailVerified,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := b.repo.CreateWithAdmin(ctx, c, u, identity); err != nil {
		return nil, nil, fmt.Errorf("failed to bootstrap clinic: %w", err)
	}

	slog.Info("clinic created",
		slog.String("clinic_id", c.ID),
		slog.String("admin_user_id", u.ID),
	)
	return c, u, nil
}

// BootstrapWithIdentity は外部IdPで初めてログインしたユーザーのためにクリニックを作成する。
// IdPがメールアドレスを確認済みのため、作成するユーザーは確認済みとする。
func (b *Bootstrapper) BootstrapWithIdentity(ctx context.Context, email, name string, identity *model.Identity) (*model.User, error) {
	displayName := strings.TrimSpace(name)
	if displayName == "" {
		displayName = user.NormalizeEmail(email)
	}
	_, u, err := b.Bootstrap(ctx, defaultClinicName(displayName), AdminInput{
		Email:         email,
		Name:          displayName,
		EmailVerified: true,
	}, identity)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func defaultClinicName(owner string) string {
	return owner + "のクリニック"
}
