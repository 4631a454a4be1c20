package model

import "time"

// RefreshToken は永続化されたリフレッシュトークンを表す。
// 平文のトークン値は保存せず、SHA-256ハッシュのみを保持する。
type RefreshToken struct {
	TokenHash string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// TokenKind は使い捨てトークンの用途を表す。
type TokenKind string

const (
	// TokenKindEmailVerify はメールアドレス確認用トークン。
	TokenKindEmailVerify TokenKind = "email_verify"
	// TokenKindPasswordReset はパスワード再設定用トークン。
	TokenKindPasswordReset TokenKind = "password_reset"
)

// SingleUseToken はメール確認・パスワード再設定に使う使い捨てトークンを表す。
type SingleUseToken struct {
	Token     string
	Kind      TokenKind
	UserID    string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// Expired は指定時刻の時点でトークンが期限切れかを返す。
func (t *SingleUseToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Session はログイン・リフレッシュ成功時にクライアントへ渡す資格情報一式。
type Session struct {
	User                  *User
	AccessToken           string
	AccessTokenExpiresAt  time.Time
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
	CSRFToken             string
}
