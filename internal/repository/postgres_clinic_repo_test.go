package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/hitoshi/clinicman/internal/model"
)

func TestPostgresClinicRepo_CreateWithAdmin_WithIdentity(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresClinicRepo(db)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO clinics`).
		WithArgs("c1", "Sakura Clinic", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO users`).
		WithArgs("u1", "c1", "owner@example.com", "Owner", sqlmock.AnyArg(), "ADMIN", true, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO identities`).
		WithArgs("i1", "u1", "google", "sub-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	clinic := &model.Clinic{ID: "c1", Name: "Sakura Clinic", CreatedAt: now, UpdatedAt: now}
	admin := &model.User{ID: "u1", Email: "owner@example.com", Name: "Owner", EmailVerified: true, CreatedAt: now, UpdatedAt: now}
	identity := &model.Identity{ID: "i1", Provider: "google", ProviderUserID: "sub-1", CreatedAt: now}

	if err := repo.CreateWithAdmin(context.Background(), clinic, admin, identity); err != nil {
		t.Fatalf("CreateWithAdmin returned error: %v", err)
	}
	if admin.ClinicID != "c1" || admin.Role != model.RoleAdmin {
		t.Errorf("expected admin bound to clinic as ADMIN, got clinic=%q role=%q", admin.ClinicID, admin.Role)
	}
	if identity.UserID != "u1" {
		t.Errorf("expected identity user u1, got %q", identity.UserID)
	}
	assertExpectations(t, mock)
}

// 管理者のメール重複時はクリニック作成もロールバックされる
func TestPostgresClinicRepo_CreateWithAdmin_RollsBackOnEmailTaken(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresClinicRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO clinics`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO users`).WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := repo.CreateWithAdmin(context.Background(),
		&model.Clinic{ID: "c1", Name: "X"},
		&model.User{ID: "u1", Email: "dup@example.com", PasswordHash: "h"},
		nil,
	)
	if !errors.Is(err, model.ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
	assertExpectations(t, mock)
}

func TestPostgresClinicRepo_FindByID_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresClinicRepo(db)

	mock.ExpectQuery(`SELECT id, name, created_at, updated_at FROM clinics`).
		WithArgs("c404").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "created_at", "updated_at"}))

	clinic, err := repo.FindByID(context.Background(), "c404")
	if err != nil {
		t.Fatalf("FindByID returned error: %v", err)
	}
	if clinic != nil {
		t.Errorf("expected nil clinic, got %+v", clinic)
	}
	assertExpectations(t, mock)
}

func TestPostgresIdentityRepo_FindByProvider(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresIdentityRepo(db)
	now := time.Now()

	mock.ExpectQuery(`SELECT .+ FROM identities`).
		WithArgs("google", "sub-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "provider", "provider_user_id", "created_at"}).
			AddRow("i1", "u1", "google", "sub-1", now))

	identity, err := repo.FindByProviderAndProviderUserID(context.Background(), "google", "sub-1")
	if err != nil {
		t.Fatalf("FindByProviderAndProviderUserID returned error: %v", err)
	}
	if identity == nil || identity.UserID != "u1" {
		t.Fatalf("expected identity for u1, got %+v", identity)
	}
	assertExpectations(t, mock)
}
