package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/clinicman/internal/model"
)

// PostgresIdentityRepo はPostgreSQLを使用した外部IdP紐付けリポジトリ。
type PostgresIdentityRepo struct {
	db *sql.DB
}

// NewPostgresIdentityRepo はPostgresIdentityRepoを生成する。
func NewPostgresIdentityRepo(db *sql.DB) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: db}
}

// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
// 紐付け先ユーザーが論理削除済みの場合は見つからない扱いとする。
func (r *PostgresIdentityRepo) FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
	var identity model.Identity
	err := r.db.QueryRowContext(ctx,
		`SELECT i.id, i.user_id, i.provider, i.provider_user_id, i.created_at
		 FROM identities i
		 JOIN users u ON u.id = i.user_id AND u.deleted_at IS NULL
		 WHERE i.provider = $1 AND i.provider_user_id = $2`,
		provider, providerUserID,
	).Scan(&identity.ID, &identity.UserID, &identity.Provider, &identity.ProviderUserID, &identity.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	return &identity, nil
}

// Create はidentityを作成する。
// 同じ紐付けが同じユーザーに既にあれば何もしない。別ユーザーに紐付いていれば ErrIdentityConflict を返す。
func (r *PostgresIdentityRepo) Create(ctx context.Context, identity *model.Identity) error {
	// DO UPDATEの空更新で、競合時も既存行のuser_idを返させる
	var linkedUserID string
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO identities (id, user_id, provider, provider_user_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (provider, provider_user_id) DO UPDATE SET provider = EXCLUDED.provider
		 RETURNING user_id`,
		identity.ID, identity.UserID, identity.Provider, identity.ProviderUserID, identity.CreatedAt,
	).Scan(&linkedUserID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("failed to insert identity: user %s does not exist: %w", identity.UserID, err)
		}
		return fmt.Errorf("failed to insert identity: %w", err)
	}
	if linkedUserID != identity.UserID {
		return ErrIdentityConflict
	}
	return nil
}

// compile-time interface check
var _ IdentityRepository = (*PostgresIdentityRepo)(nil)
