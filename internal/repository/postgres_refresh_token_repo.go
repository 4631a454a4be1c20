package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/clinicman/internal/database"
	"github.com/hitoshi/clinicman/internal/model"
)

// PostgresRefreshTokenRepo はPostgreSQLを使用したリフレッシュトークンリポジトリ。
// token_hashにはSHA-256のhex表現のみを保存する。
type PostgresRefreshTokenRepo struct {
	db *sql.DB
}

// NewPostgresRefreshTokenRepo はPostgresRefreshTokenRepoを生成する。
func NewPostgresRefreshTokenRepo(db *sql.DB) *PostgresRefreshTokenRepo {
	return &PostgresRefreshTokenRepo{db: db}
}

// Create はリフレッシュトークンを保存する。
func (r *PostgresRefreshTokenRepo) Create(ctx context.Context, token *model.RefreshToken) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO refresh_tokens (token_hash, user_id, created_at, expires_at) VALUES ($1, $2, $3, $4)`,
		token.TokenHash, token.UserID, token.CreatedAt, token.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert refresh token: %w", err)
	}
	return nil
}

// Rotate は旧トークンを削除し、同じユーザーの新トークンを保存する。
// 削除と挿入は同一トランザクションで行い、旧トークンが存在しないか期限切れの場合は
// model.ErrTokenReused を返す。同じ旧トークンでの並行ローテーションは1つだけが成功する。
func (r *PostgresRefreshTokenRepo) Rotate(ctx context.Context, oldHash, newHash string, now, expiresAt time.Time) (string, error) {
	var userID string
	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`DELETE FROM refresh_tokens WHERE token_hash = $1 AND expires_at > $2 RETURNING user_id`,
			oldHash, now,
		).Scan(&userID)
		if errors.Is(err, sql.ErrNoRows) {
			return model.ErrTokenReused
		}
		if err != nil {
			return fmt.Errorf("failed to delete refresh token: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO refresh_tokens (token_hash, user_id, created_at, expires_at) VALUES ($1, $2, $3, $4)`,
			newHash, userID, now, expiresAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert rotated refresh token: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return userID, nil
}

// DeleteByHash は指定ハッシュのトークンを削除する。存在しなくてもエラーにしない。
func (r *PostgresRefreshTokenRepo) DeleteByHash(ctx context.Context, tokenHash string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE token_hash = $1`, tokenHash)
	if err != nil {
		return fmt.Errorf("failed to delete refresh token: %w", err)
	}
	return nil
}

// DeleteByUserID はユーザーの全トークンを削除する。
func (r *PostgresRefreshTokenRepo) DeleteByUserID(ctx context.Context, userID string) error {
	if _, err := r.db.ExecContext(ctx, deleteUserRefreshTokensQuery, userID); err != nil {
		return fmt.Errorf("failed to delete refresh tokens by user: %w", err)
	}
	return nil
}

// DeleteExpired は期限切れのトークンを削除し、削除件数を返す。
func (r *PostgresRefreshTokenRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired refresh tokens: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ RefreshTokenRepository = (*PostgresRefreshTokenRepo)(nil)
