package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/hitoshi/clinicman/internal/model"
)

const (
	resetUpdatePassword = `UPDATE users SET password_hash = \$2, updated_at = \$3 WHERE id = \$1 AND deleted_at IS NULL`
	resetDeleteRefresh  = `DELETE FROM refresh_tokens WHERE user_id = \$1`
	resetMarkUsed       = `UPDATE single_use_tokens SET used_at = \$2 WHERE token = \$1`
)

func TestPostgresPasswordResetRepo_ResetPassword_Success(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresPasswordResetRepo(db)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(consumeSelect).
		WithArgs("tok", "password_reset").
		WillReturnRows(sqlmock.NewRows(singleUseRowColumns).AddRow("u1", now.Add(time.Hour), nil))
	mock.ExpectExec(resetUpdatePassword).
		WithArgs("u1", "newhash", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(resetDeleteRefresh).
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(resetMarkUsed).
		WithArgs("tok", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	userID, err := repo.ResetPassword(context.Background(), "tok", "newhash", now)
	if err != nil {
		t.Fatalf("ResetPassword returned error: %v", err)
	}
	if userID != "u1" {
		t.Errorf("expected u1, got %q", userID)
	}
	assertExpectations(t, mock)
}

// リフレッシュトークンの削除に失敗した場合はパスワード更新もトークン消費もロールバックされる
func TestPostgresPasswordResetRepo_ResetPassword_RevokeFailsRollsBack(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresPasswordResetRepo(db)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(consumeSelect).
		WithArgs("tok", "password_reset").
		WillReturnRows(sqlmock.NewRows(singleUseRowColumns).AddRow("u1", now.Add(time.Hour), nil))
	mock.ExpectExec(resetUpdatePassword).
		WithArgs("u1", "newhash", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(resetDeleteRefresh).
		WithArgs("u1").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := repo.ResetPassword(context.Background(), "tok", "newhash", now)
	if err == nil {
		t.Fatal("expected error")
	}
	if isTokenOutcome(err) {
		t.Fatalf("expected infrastructure error, got %v", err)
	}
	assertExpectations(t, mock)
}

// 期限切れのトークンは削除をコミットし、パスワードは変更しない
func TestPostgresPasswordResetRepo_ResetPassword_Expired(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresPasswordResetRepo(db)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(consumeSelect).
		WithArgs("tok", "password_reset").
		WillReturnRows(sqlmock.NewRows(singleUseRowColumns).AddRow("u1", now, nil))
	mock.ExpectExec(`DELETE FROM single_use_tokens WHERE token = \$1`).
		WithArgs("tok").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := repo.ResetPassword(context.Background(), "tok", "newhash", now)
	if !errors.Is(err, model.ErrSingleUseTokenExpired) {
		t.Fatalf("expected ErrSingleUseTokenExpired, got %v", err)
	}
	assertExpectations(t, mock)
}

func TestPostgresPasswordResetRepo_ResetPassword_Rejected(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		setup func(mock sqlmock.Sqlmock)
		want  error
	}{
		{
			name: "存在しないトークン",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(consumeSelect).
					WillReturnRows(sqlmock.NewRows(singleUseRowColumns))
			},
			want: model.ErrSingleUseTokenInvalid,
		},
		{
			name: "使用済みのトークン",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(consumeSelect).
					WillReturnRows(sqlmock.NewRows(singleUseRowColumns).AddRow("u1", now.Add(time.Hour), now.Add(-time.Minute)))
			},
			want: model.ErrSingleUseTokenAlreadyUsed,
		},
		{
			name: "削除済みのユーザー",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(consumeSelect).
					WillReturnRows(sqlmock.NewRows(singleUseRowColumns).AddRow("u1", now.Add(time.Hour), nil))
				mock.ExpectExec(resetUpdatePassword).
					WillReturnResult(sqlmock.NewResult(0, 0))
			},
			want: model.ErrSingleUseTokenInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			repo := NewPostgresPasswordResetRepo(db)

			mock.ExpectBegin()
			tt.setup(mock)
			mock.ExpectRollback()

			_, err := repo.ResetPassword(context.Background(), "tok", "newhash", now)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			assertExpectations(t, mock)
		})
	}
}

func isTokenOutcome(err error) bool {
	return errors.Is(err, model.ErrSingleUseTokenInvalid) ||
		errors.Is(err, model.ErrSingleUseTokenExpired) ||
		errors.Is(err, model.ErrSingleUseTokenAlreadyUsed)
}
