package clinic

import (
	"context"
	"errors"
	"testing"

	"github.com/hitoshi/clinicman/internal/model"
	"github.com/hitoshi/clinicman/internal/security"
	"github.com/hitoshi/clinicman/internal/user"
)

// mockClinicRepo はClinicRepositoryのモック。
type mockClinicRepo struct {
	createWithAdminFn func(ctx context.Context, c *model.Clinic, admin *model.User, identity *model.Identity) error
	calls             int
}

func (m *mockClinicRepo) FindByID(ctx context.Context, id string) (*model.Clinic, error) {
	return nil, nil
}

func (m *mockClinicRepo) CreateWithAdmin(ctx context.Context, c *model.Clinic, admin *model.User, identity *model.Identity) error {
	m.calls++
	if m.createWithAdminFn != nil {
		return m.createWithAdminFn(ctx, c, admin, identity)
	}
	return nil
}

// mockMembers はMembersのモック。
type mockMembers struct {
	findByIDFn   func(ctx context.Context, id string) (*model.User, error)
	createUserFn func(ctx context.Context, in user.CreateUserInput) (*model.User, error)
	updateUserFn func(ctx context.Context, u *model.User) error
	listFn       func(ctx context.Context, clinicID string) ([]*model.User, error)
}

func (m *mockMembers) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockMembers) CreateUser(ctx context.Context, in user.CreateUserInput) (*model.User, error) {
	if m.createUserFn != nil {
		return m.createUserFn(ctx, in)
	}
	return &model.User{ID: "new", ClinicID: in.ClinicID, Email: in.Email, Role: in.Role}, nil
}

func (m *mockMembers) UpdateUser(ctx context.Context, u *model.User) error {
	if m.updateUserFn != nil {
		return m.updateUserFn(ctx, u)
	}
	return nil
}

func (m *mockMembers) ListClinicMembers(ctx context.Context, clinicID string) ([]*model.User, error) {
	if m.listFn != nil {
		return m.listFn(ctx, clinicID)
	}
	return nil, nil
}

// mockVerifier はEmailVerifierのモック。
type mockVerifier struct {
	started []string
	err     error
}

func (m *mockVerifier) StartEmailVerification(ctx context.Context, u *model.User) error {
	m.started = append(m.started, u.ID)
	return m.err
}

func newTestService(repo *mockClinicRepo, members *mockMembers, verifier *mockVerifier) *Service {
	return NewService(NewBootstrapper(repo), members, security.NewHasher(4), verifier)
}

func TestService_Register_Success(t *testing.T) {
	var gotAdmin *model.User
	repo := &mockClinicRepo{
		createWithAdminFn: func(ctx context.Context, c *model.Clinic, admin *model.User, identity *model.Identity) error {
			gotAdmin = admin
			if identity != nil {
				t.Error("password signup must not create an identity")
			}
			return nil
		},
	}
	verifier := &mockVerifier{}
	svc := newTestService(repo, &mockMembers{}, verifier)

	c, u, err := svc.Register(context.Background(), RegisterInput{
		ClinicName: " さくら歯科 ",
		Name:       "佐藤",
		Email:      "Sato@Example.com",
		Password:   "password1234",
	})
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if c.Name != "さくら歯科" {
		t.Errorf("expected trimmed clinic name, got %q", c.Name)
	}
	if u.Role != model.RoleAdmin || u.ClinicID != c.ID {
		t.Errorf("expected ADMIN of the new clinic, got role=%q clinic=%q", u.Role, u.ClinicID)
	}
	if u.Email != "sato@example.com" {
		t.Errorf("expected normalized email, got %q", u.Email)
	}
	if u.EmailVerified {
		t.Error("password signup must start unverified")
	}
	if gotAdmin.PasswordHash == "" || gotAdmin.PasswordHash == "password1234" {
		t.Error("expected hashed password to be stored")
	}
	if len(verifier.started) != 1 || verifier.started[0] != u.ID {
		t.Errorf("expected verification for %q, got %v", u.ID, verifier.started)
	}
}

func TestService_Register_Validation(t *testing.T) {
	tests := []struct {
		name     string
		in       RegisterInput
		wantCode string
	}{
		{"missing clinic name", RegisterInput{Name: "a", Email: "a@example.com", Password: "password1234"}, model.ErrCodeInvalidRequest},
		{"missing name", RegisterInput{ClinicName: "c", Email: "a@example.com", Password: "password1234"}, model.ErrCodeInvalidRequest},
		{"invalid email", RegisterInput{ClinicName: "c", Name: "a", Email: "not-an-email", Password: "password1234"}, model.ErrCodeInvalidRequest},
		{"display name email", RegisterInput{ClinicName: "c", Name: "a", Email: "A <a@example.com>", Password: "password1234"}, model.ErrCodeInvalidRequest},
		{"weak password", RegisterInput{ClinicName: "c", Name: "a", Email: "a@example.com", Password: "short"}, model.ErrCodeWeakPassword},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &mockClinicRepo{}
			svc := newTestService(repo, &mockMembers{}, &mockVerifier{})

			_, _, err := svc.Register(context.Background(), tt.in)
			var apiErr *model.APIError
			if !errors.As(err, &apiErr) || apiErr.Code != tt.wantCode {
				t.Fatalf("expected %s, got %v", tt.wantCode, err)
			}
			if repo.calls != 0 {
				t.Error("nothing should be persisted on validation failure")
			}
		})
	}
}

func TestService_Register_EmailTaken(t *testing.T) {
	repo := &mockClinicRepo{
		createWithAdminFn: func(ctx context.Context, c *model.Clinic, admin *model.User, identity *model.Identity) error {
			return model.ErrEmailTaken
		},
	}
	verifier := &mockVerifier{}
	svc := newTestService(repo, &mockMembers{}, verifier)

	_, _, err := svc.Register(context.Background(), RegisterInput{
		ClinicName: "c", Name: "a", Email: "a@example.com", Password: "password1234",
	})
	if !errors.Is(err, model.ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
	if len(verifier.started) != 0 {
		t.Error("no verification mail for a failed signup")
	}
}

// 確認メールの準備に失敗しても登録は成功扱いとする
func TestService_Register_VerificationFailureKeepsClinic(t *testing.T) {
	svc := newTestService(&mockClinicRepo{}, &mockMembers{}, &mockVerifier{err: errors.New("db down")})

	if _, _, err := svc.Register(context.Background(), RegisterInput{
		ClinicName: "c", Name: "a", Email: "a@example.com", Password: "password1234",
	}); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestBootstrapper_BootstrapWithIdentity(t *testing.T) {
	var gotClinic *model.Clinic
	var gotIdentity *model.Identity
	repo := &mockClinicRepo{
		createWithAdminFn: func(ctx context.Context, c *model.Clinic, admin *model.User, identity *model.Identity) error {
			gotClinic = c
			gotIdentity = identity
			return nil
		},
	}
	b := NewBootstrapper(repo)
	identity := &model.Identity{ID: "i1", Provider: "google", ProviderUserID: "sub"}

	u, err := b.BootstrapWithIdentity(context.Background(), "Doc@Example.com", "", identity)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !u.EmailVerified || u.PasswordHash != "" {
		t.Errorf("expected verified oauth-only user, got %+v", u)
	}
	if u.Name != "doc@example.com" {
		t.Errorf("expected email as fallback name, got %q", u.Name)
	}
	if gotClinic.Name != "doc@example.comのクリニック" {
		t.Errorf("unexpected clinic name %q", gotClinic.Name)
	}
	if gotIdentity != identity {
		t.Error("identity must be persisted in the same call")
	}
}

func TestService_AddMember(t *testing.T) {
	var got user.CreateUserInput
	members := &mockMembers{
		createUserFn: func(ctx context.Context, in user.CreateUserInput) (*model.User, error) {
			got = in
			return &model.User{ID: "m1", ClinicID: in.ClinicID, Email: in.Email, Role: model.RoleMember}, nil
		},
	}
	verifier := &mockVerifier{}
	svc := newTestService(&mockClinicRepo{}, members, verifier)

	u, err := svc.AddMember(context.Background(), "c1", AddMemberInput{Email: "nurse@example.com", Name: "看護師"})
	if err != nil {
		t.Fatalf("AddMember returned error: %v", err)
	}
	if got.ClinicID != "c1" {
		t.Errorf("member must belong to caller clinic, got %q", got.ClinicID)
	}
	if got.PasswordHash != "" {
		t.Error("omitted password should create an oauth-only account")
	}
	if u.ID != "m1" || len(verifier.started) != 1 {
		t.Error("expected verification to be started for new member")
	}
}

func TestService_AddMember_WeakPassword(t *testing.T) {
	members := &mockMembers{
		createUserFn: func(ctx context.Context, in user.CreateUserInput) (*model.User, error) {
			t.Error("CreateUser should not be called")
			return nil, nil
		},
	}
	svc := newTestService(&mockClinicRepo{}, members, &mockVerifier{})

	_, err := svc.AddMember(context.Background(), "c1", AddMemberInput{Email: "a@example.com", Password: "short"})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeWeakPassword {
		t.Fatalf("expected WEAK_PASSWORD, got %v", err)
	}
}

func TestService_ChangeRole(t *testing.T) {
	stored := map[string]*model.User{
		"m1":    {ID: "m1", ClinicID: "c1", Role: model.RoleMember},
		"other": {ID: "other", ClinicID: "c2", Role: model.RoleMember},
	}
	var updated *model.User
	members := &mockMembers{
		findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
			if u, ok := stored[id]; ok {
				cp := *u
				return &cp, nil
			}
			return nil, nil
		},
		updateUserFn: func(ctx context.Context, u *model.User) error {
			updated = u
			return nil
		},
	}
	svc := newTestService(&mockClinicRepo{}, members, &mockVerifier{})
	ctx := context.Background()

	u, err := svc.ChangeRole(ctx, "c1", "admin", "m1", model.RoleAdmin)
	if err != nil {
		t.Fatalf("ChangeRole returned error: %v", err)
	}
	if u.Role != model.RoleAdmin || updated == nil || updated.Role != model.RoleAdmin {
		t.Error("expected role to be updated to ADMIN")
	}

	t.Run("他クリニックのユーザー", func(t *testing.T) {
		_, err := svc.ChangeRole(ctx, "c1", "admin", "other", model.RoleAdmin)
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeUserNotFound {
			t.Fatalf("expected USER_NOT_FOUND, got %v", err)
		}
	})

	t.Run("自分自身", func(t *testing.T) {
		_, err := svc.ChangeRole(ctx, "c1", "m1", "m1", model.RoleMember)
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidRequest {
			t.Fatalf("expected INVALID_REQUEST, got %v", err)
		}
	})

	t.Run("不正なロール", func(t *testing.T) {
		_, err := svc.ChangeRole(ctx, "c1", "admin", "m1", model.Role("OWNER"))
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidRequest {
			t.Fatalf("expected INVALID_REQUEST, got %v", err)
		}
	})
}

func TestService_ListMembers(t *testing.T) {
	members := &mockMembers{
		listFn: func(ctx context.Context, clinicID string) ([]*model.User, error) {
			if clinicID != "c1" {
				t.Errorf("unexpected clinic %q", clinicID)
			}
			return []*model.User{{ID: "a"}, {ID: "b"}}, nil
		},
	}
	svc := newTestService(&mockClinicRepo{}, members, &mockVerifier{})

	users, err := svc.ListMembers(context.Background(), "c1")
	if err != nil || len(users) != 2 {
		t.Fatalf("got (%v, %v)", users, err)
	}
}
