// Package model はドメインモデルを定義する。
package model

import "time"

// Role はクリニック内でのユーザーの権限区分を表す。
type Role string

const (
	// RoleMember は一般メンバー。
	RoleMember Role = "MEMBER"
	// RoleAdmin はクリニック管理者。
	RoleAdmin Role = "ADMIN"
)

// Valid はRoleが定義済みの値かどうかを返す。
func (r Role) Valid() bool {
	return r == RoleMember || r == RoleAdmin
}

// Clinic はテナント（クリニック）を表す。
type Clinic struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// User はクリニックに所属するログイン主体を表す。
// PasswordHashが空の場合はOAuth専用アカウント。
type User struct {
	ID            string
	Email         string
	Name          string
	PasswordHash  string
	Role          Role
	ClinicID      string
	EmailVerified bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     *time.Time
}

// HasPassword はローカルパスワードが設定されているかを返す。
func (u *User) HasPassword() bool {
	return u.PasswordHash != ""
}

// Identity は外部IdPとの紐付け情報を表す。
type Identity struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}
