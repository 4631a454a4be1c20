// Package repository はデータ永続化のインターフェースとPostgreSQL実装を提供する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/clinicman/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
// 論理削除（deleted_atが設定済み）のユーザーは検索対象外とする。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレス（大文字小文字を区別しない）でユーザーを取得する。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はユーザーを作成する。メールアドレス重複時は model.ErrEmailTaken を返す。
	Create(ctx context.Context, user *model.User) error

	// Update は氏名とロールを更新する。
	Update(ctx context.Context, user *model.User) error

	// MarkEmailVerified はメールアドレス確認済みフラグを立てる。
	MarkEmailVerified(ctx context.Context, id string) error

	// UpdatePasswordHash はパスワードハッシュを更新する。
	UpdatePasswordHash(ctx context.Context, id, passwordHash string) error

	// ListByClinic はクリニックに所属するユーザー一覧を作成日時順に返す。
	ListByClinic(ctx context.Context, clinicID string) ([]*model.User, error)
}

// ClinicRepository はクリニックの永続化インターフェース。
type ClinicRepository interface {
	// FindByID は指定IDのクリニックを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Clinic, error)

	// CreateWithAdmin はクリニックと管理者ユーザーを同一トランザクションで作成する。
	// identityがnilでない場合は外部IdPとの紐付けも同じトランザクションで作成する。
	CreateWithAdmin(ctx context.Context, clinic *model.Clinic, admin *model.User, identity *model.Identity) error
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error)

	// Create はidentityを作成する。既に同じ紐付けがある場合は何もしない。
	Create(ctx context.Context, identity *model.Identity) error
}

// RefreshTokenRepository はリフレッシュトークン（ハッシュ値）の永続化インターフェース。
type RefreshTokenRepository interface {
	// Create はリフレッシュトークンを保存する。ハッシュ重複時はエラーを返す。
	Create(ctx context.Context, token *model.RefreshToken) error

	// Rotate は有効なoldHashを削除し、同じユーザーのnewHashを挿入する。
	// 削除と挿入は単一トランザクションで行う。
	// oldHashが存在しないか期限切れの場合は model.ErrTokenReused を返す。
	Rotate(ctx context.Context, oldHash, newHash string, now, expiresAt time.Time) (userID string, err error)

	// DeleteByHash は指定ハッシュのトークンを削除する。存在しなくてもエラーにしない。
	DeleteByHash(ctx context.Context, tokenHash string) error

	// DeleteByUserID は指定ユーザーの全トークンを削除する。
	DeleteByUserID(ctx context.Context, userID string) error

	// DeleteExpired は期限切れのトークンを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// SingleUseTokenRepository は使い捨てトークンの永続化インターフェース。
type SingleUseTokenRepository interface {
	// Create はトークンを保存する。
	Create(ctx context.Context, token *model.SingleUseToken) error

	// Consume はトークンを行ロックした上で消費する。
	// 存在しない・種別違いは model.ErrSingleUseTokenInvalid、
	// 期限切れは行を削除して model.ErrSingleUseTokenExpired、
	// 使用済みは model.ErrSingleUseTokenAlreadyUsed を返す。
	// 成功時はused_atを設定し、所有ユーザーIDを返す。
	Consume(ctx context.Context, token string, kind model.TokenKind, now time.Time) (userID string, err error)

	// DeleteUnusedByUserAndKind は指定ユーザー・種別の未使用トークンを削除する。
	DeleteUnusedByUserAndKind(ctx context.Context, userID string, kind model.TokenKind) error

	// DeleteExpiredOrUsed は期限切れまたは使用済みのトークンを削除し、削除件数を返す。
	DeleteExpiredOrUsed(ctx context.Context, now time.Time) (int64, error)
}

// PasswordResetRepository はパスワード再設定を1つの作業単位として適用するインターフェース。
type PasswordResetRepository interface {
	// ResetPassword は再設定トークンを消費し、所有ユーザーのパスワードハッシュを更新して
	// そのユーザーの全リフレッシュトークンを削除する。途中で失敗した場合はいずれも反映しない。
	// トークンの検証結果は SingleUseTokenRepository.Consume と同じエラーで返す。
	ResetPassword(ctx context.Context, token, passwordHash string, now time.Time) (userID string, err error)
}
