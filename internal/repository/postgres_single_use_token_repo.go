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

// PostgresSingleUseTokenRepo はPostgreSQLを使用した使い捨てトークンリポジトリ。
type PostgresSingleUseTokenRepo struct {
	db *sql.DB
}

// NewPostgresSingleUseTokenRepo はPostgresSingleUseTokenRepoを生成する。
func NewPostgresSingleUseTokenRepo(db *sql.DB) *PostgresSingleUseTokenRepo {
	return &PostgresSingleUseTokenRepo{db: db}
}

// Create は使い捨てトークンを保存する。
func (r *PostgresSingleUseTokenRepo) Create(ctx context.Context, token *model.SingleUseToken) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO single_use_tokens (token, kind, user_id, expires_at, created_at) VALUES ($1, $2, $3, $4, $5)`,
		token.Token, string(token.Kind), token.UserID, token.ExpiresAt, token.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert single-use token: %w", err)
	}
	return nil
}

// Consume はトークンを行ロックして検証し、使用済みにする。
//
// 存在しない・用途が異なる場合は model.ErrSingleUseTokenInvalid、
// 期限切れの場合は行を削除した上で model.ErrSingleUseTokenExpired、
// 使用済みの場合は model.ErrSingleUseTokenAlreadyUsed を返す。
func (r *PostgresSingleUseTokenRepo) Consume(ctx context.Context, token string, kind model.TokenKind, now time.Time) (string, error) {
	var userID string
	var expired bool
	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		userID, expired, err = lockSingleUseToken(ctx, tx, token, kind, now)
		if err != nil || expired {
			return err
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

// lockSingleUseToken はtx内でトークンを行ロックして検証する。
// 期限切れの場合は行を削除してexpired=trueを返す。削除を残すため呼び出し元はコミットすること。
// 期限切れの判定は使用済みの判定より優先する。
func lockSingleUseToken(ctx context.Context, tx *sql.Tx, token string, kind model.TokenKind, now time.Time) (userID string, expired bool, err error) {
	var expiresAt time.Time
	var usedAt sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT user_id, expires_at, used_at FROM single_use_tokens
		 WHERE token = $1 AND kind = $2
		 FOR UPDATE`,
		token, string(kind),
	).Scan(&userID, &expiresAt, &usedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, model.ErrSingleUseTokenInvalid
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to select single-use token: %w", err)
	}

	if !now.Before(expiresAt) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM single_use_tokens WHERE token = $1`, token); err != nil {
			return "", false, fmt.Errorf("failed to delete expired single-use token: %w", err)
		}
		return "", true, nil
	}
	if usedAt.Valid {
		return "", false, model.ErrSingleUseTokenAlreadyUsed
	}
	return userID, false, nil
}

func markSingleUseTokenUsed(ctx context.Context, tx *sql.Tx, token string, now time.Time) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE single_use_tokens SET used_at = $2 WHERE token = $1`,
		token, now,
	); err != nil {
		return fmt.Errorf("failed to mark single-use token used: %w", err)
	}
	return nil
}

// DeleteUnusedByUserAndKind はユーザーの未使用トークンを用途単位で削除する。
func (r *PostgresSingleUseTokenRepo) DeleteUnusedByUserAndKind(ctx context.Context, userID string, kind model.TokenKind) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM single_use_tokens WHERE user_id = $1 AND kind = $2 AND used_at IS NULL`,
		userID, string(kind),
	)
	if err != nil {
		return fmt.Errorf("failed to delete unused single-use tokens: %w", err)
	}
	return nil
}

// DeleteExpiredOrUsed は期限切れまたは使用済みのトークンを削除し、削除件数を返す。
func (r *PostgresSingleUseTokenRepo) DeleteExpiredOrUsed(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM single_use_tokens WHERE expires_at <= $1 OR used_at IS NOT NULL`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired single-use tokens: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ SingleUseTokenRepository = (*PostgresSingleUseTokenRepo)(nil)
