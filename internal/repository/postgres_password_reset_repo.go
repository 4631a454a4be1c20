package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/clinicman/internal/database"
	"github.com/hitoshi/clinicman/internal/model"
)

// パスワード再設定のトランザクションとユーザー・リフレッシュトークンのリポジトリで共有するクエリ。
const (
	updatePasswordHashQuery      = `UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1 AND deleted_at IS NULL`
	deleteUserRefreshTokensQuery = `DELETE FROM refresh_tokens WHERE user_id = $1`
)

// PostgresPasswordResetRepo はPostgreSQLを使用したパスワード再設定リポジトリ。
type PostgresPasswordResetRepo struct {
	db *sql.DB
}

// NewPostgresPasswordResetRepo はPostgresPasswordResetRepoを生成する。
func NewPostgresPasswordResetRepo(db *sql.DB) *PostgresPasswordResetRepo {
	return &PostgresPasswordResetRepo{db: db}
}

// ResetPassword は再設定トークンの消費、パスワードハッシュの更新、
// リフレッシュトークンの全削除を単一トランザクションで行う。
// 期限切れトークンの削除だけはコミットしてから model.ErrSingleUseTokenExpired を返す。
func (r *PostgresPasswordResetRepo) ResetPassword(ctx context.Context, token, passwordHash string, now time.Time) (string, error) {
	var userID string
	var expired bool
	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		userID, expired, err = lockSingleUseToken(ctx, tx, token, model.TokenKindPasswordReset, now)
		if err != nil || expired {
			return err
		}

		result, err := tx.ExecContext(ctx, updatePasswordHashQuery, userID, passwordHash, now)
		if err != nil {
			return fmt.Errorf("failed to update password hash: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			// トークンの所有者が削除済み
			return model.ErrSingleUseTokenInvalid
		}

		if _, err := tx.ExecContext(ctx, deleteUserRefreshTokensQuery, userID); err != nil {
			return fmt.Errorf("failed to delete refresh tokens: %w", err)
		}
		return markSingleUseTokenUsed(ctx, tx, token, now)
	})
	if err != nil {
		return "", err
	}
	if expired {
		return "", model.ErrSingleUseTokenExpired
	}
	return userID, nil
}

// compile-time interface check
var _ PasswordResetRepository = (*PostgresPasswordResetRepo)(nil)
