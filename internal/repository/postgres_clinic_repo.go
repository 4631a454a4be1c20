package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/clinicman/internal/database"
	"github.com/hitoshi/clinicman/internal/model"
)

// PostgresClinicRepo はPostgreSQLを使用したクリニックリポジトリ。
type PostgresClinicRepo struct {
	db *sql.DB
}

// NewPostgresClinicRepo はPostgresClinicRepoを生成する。
func NewPostgresClinicRepo(db *sql.DB) *PostgresClinicRepo {
	return &PostgresClinicRepo{db: db}
}

// FindByID は指定IDのクリニックを取得する。見つからない場合はnilを返す。
func (r *PostgresClinicRepo) FindByID(ctx context.Context, id string) (*model.Clinic, error) {
	clinic := &model.Clinic{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, created_at, updated_at FROM clinics WHERE id = $1`,
		id,
	).Scan(&clinic.ID, &clinic.Name, &clinic.CreatedAt, &clinic.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find clinic: %w", err)
	}
	return clinic, nil
}

// CreateWithAdmin はクリニック、管理者ユーザー、（指定時は）identityを同一トランザクションで作成する。
// いずれかの挿入に失敗した場合は全てロールバックされる。
func (r *PostgresClinicRepo) CreateWithAdmin(ctx context.Context, clinic *model.Clinic, admin *model.User, identity *model.Identity) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		// クリニックを作成
		_, err := tx.ExecContext(ctx,
			`INSERT INTO clinics (id, name, created_at, updated_at) VALUES ($1, $2, $3, $4)`,
			clinic.ID, clinic.Name, clinic.CreatedAt, clinic.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert clinic: %w", err)
		}

		// 管理者ユーザーを作成
		admin.ClinicID = clinic.ID
		admin.Role = model.RoleAdmin
		if err := insertUser(ctx, tx, admin); err != nil {
			return err
		}

		if identity == nil {
			return nil
		}
		identity.UserID = admin.ID
		_, err = tx.ExecContext(ctx,
			`INSERT INTO identities (id, user_id, provider, provider_user_id, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			identity.ID, identity.UserID, identity.Provider, identity.ProviderUserID, identity.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert identity: %w", err)
		}
		return nil
	})
}

// compile-time interface check
var _ ClinicRepository = (*PostgresClinicRepo)(nil)
