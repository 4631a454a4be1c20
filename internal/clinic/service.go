package clinic

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/hitoshi/clinicman/internal/model"
	"github.com/hitoshi/clinicman/internal/security"
	"github.com/hitoshi/clinicman/internal/user"
)

// Members はメンバー管理が必要とするユーザー操作。user.Serviceが満たす。
type Members interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
	CreateUser(ctx context.Context, in user.CreateUserInput) (*model.User, error)
	UpdateUser(ctx context.Context, u *model.User) error
	ListClinicMembers(ctx context.Context, clinicID string) ([]*model.User, error)
}

// EmailVerifier は確認メールの送信を開始する。auth.Serviceが満たす。
type EmailVerifier interface {
	StartEmailVerification(ctx context.Context, u *model.User) error
}

// RegisterInput はクリニック登録の入力。
type RegisterInput struct {
	ClinicName string
	Name       string
	Email      string
	Password   string
}

// AddMemberInput はメンバー追加の入力。
type AddMemberInput struct {
	Email    string
	Name     string
	Password string
	Role     model.Role
}

// Service はクリニック登録とメンバー管理のサービス層。
type Service struct {
	bootstrapper *Bootstrapper
	members      Members
	hasher       security.PasswordHasher
	verifier     EmailVerifier
}

// NewService はServiceを生成する。
func NewService(bootstrapper *Bootstrapper, members Members, hasher security.PasswordHasher, verifier EmailVerifier) *Service {
	return &Service{
		bootstrapper: bootstrapper,
		members:      members,
		hasher:       hasher,
		verifier:     verifier,
	}
}

// Register は新しいクリニックと管理者を作成し、確認メールを送る。
// 確認メールの準備に失敗しても登録は取り消さない。
func (s *Service) Register(ctx context.Context, in RegisterInput) (*model.Clinic, *model.User, error) {
	if strings.TrimSpace(in.ClinicName) == "" {
		return nil, nil, model.NewInvalidRequestError("clinicName")
	}
	if strings.TrimSpace(in.Name) == "" {
		return nil, nil, model.NewInvalidRequestError("name")
	}
	if !validEmail(in.Email) {
		return nil, nil, model.NewInvalidRequestError("email")
	}
	hash, err := s.hashPassword(in.Password)
	if err != nil {
		return nil, nil, err
	}

	c, u, err := s.bootstrapper.Bootstrap(ctx, in.ClinicName, AdminInput{
		Email:        in.Email,
		Name:         in.Name,
		PasswordHash: hash,
	}, nil)
	if err != nil {
		return nil, nil, err
	}

	s.startVerification(ctx, u)
	return c, u, nil
}

// AddMember はクリニックにメンバーを追加する。
// パスワードを省略した場合はGoogleログイン専用のアカウントになる。
func (s *Service) AddMember(ctx context.Context, clinicID string, in AddMemberInput) (*model.User, error) {
	if !validEmail(in.Email) {
		return nil, model.NewInvalidRequestError("email")
	}
	var hash string
	if in.Password != "" {
		h, err := s.hashPassword(in.Password)
		if err != nil {
			return nil, err
		}
		hash = h
	}

	u, err := s.members.CreateUser(ctx, user.CreateUserInput{
		ClinicID:     clinicID,
		Email:        in.Email,
		Name:         in.Name,
		PasswordHash: hash,
		Role:         in.Role,
	})
	if err != nil {
		return nil, err
	}

	s.startVerification(ctx, u)
	return u, nil
}

// ChangeRole はメンバーのロールを変更する。
// 他クリニックのユーザーは存在しないものとして扱い、自分自身のロールは変更できない。
func (s *Service) ChangeRole(ctx context.Context, clinicID, actorID, userID string, role model.Role) (*model.User, error) {
	if !role.Valid() {
		return nil, model.NewInvalidRequestError("role")
	}
	if actorID == userID {
		return nil, model.NewInvalidRequestError("自分自身のロールは変更できません")
	}

	u, err := s.members.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil || u.ClinicID != clinicID {
		return nil, model.NewUserNotFoundError()
	}
	if u.Role == role {
		return u, nil
	}

	u.Role = role
	if err := s.members.UpdateUser(ctx, u); err != nil {
		return nil, err
	}
	slog.Info("member role changed",
		slog.String("clinic_id", clinicID),
		slog.String("user_id", u.ID),
		slog.String("role", string(role)),
		slog.String("actor_id", actorID),
	)
	return u, nil
}

// ListMembers はクリニックのメンバー一覧を返す。
func (s *Service) ListMembers(ctx context.Context, clinicID string) ([]*model.User, error) {
	return s.members.ListClinicMembers(ctx, clinicID)
}

func (s *Service) hashPassword(password string) (string, error) {
	if !security.ValidatePassword(password) {
		return "", model.NewWeakPasswordError(security.MinPasswordLength, security.MaxPasswordBytes)
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return hash, nil
}

func (s *Service) startVerification(ctx context.Context, u *model.User) {
	if err := s.verifier.StartEmailVerification(ctx, u); err != nil {
		slog.Error("failed to start email verification",
			slog.String("user_id", u.ID),
			slog.String("error", err.Error()),
		)
	}
}

// validEmail は表示名を含まない単一のメールアドレスかを返す。
func validEmail(email string) bool {
	trimmed := strings.TrimSpace(email)
	addr, err := mail.ParseAddress(trimmed)
	if err != nil {
		return false
	}
	return addr.Address == trimmed
}
