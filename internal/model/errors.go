package model

import (
	"errors"
	"fmt"
	"time"
)

// 認証コアが内部で区別するエラー。
// HTTP境界で汎用的なAPIErrorに変換され、利用者にはどの要素が誤っていたかを返さない。
var (
	ErrInvalidCredentials = errors.New("invalid credentials")

	ErrTokenMalformed        = errors.New("access token malformed")
	ErrTokenSignatureInvalid = errors.New("access token signature invalid")
	ErrTokenExpired          = errors.New("access token expired")

	// ErrTokenReused はリフレッシュトークンが存在しない（ローテーション済み・失効済み・期限切れ）ことを表す。
	// 窃取・再利用のシグナルとして扱う。
	ErrTokenReused = errors.New("refresh token reused or unknown")

	ErrCSRFMissing  = errors.New("csrf token missing")
	ErrCSRFMismatch = errors.New("csrf token mismatch")

	ErrSingleUseTokenInvalid     = errors.New("single-use token invalid")
	ErrSingleUseTokenExpired     = errors.New("single-use token expired")
	ErrSingleUseTokenAlreadyUsed = errors.New("single-use token already used")

	// ErrEmailTaken はメールアドレスが既に登録済みであることを表す。
	ErrEmailTaken = errors.New("email already registered")

	ErrRateLimited = errors.New("rate limited")
)

// RateLimitError はアカウント単位のスロットリングで拒否されたことを表す。
// RetryAfterはRetry-Afterヘッダーに使う。
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Is はerrors.Is(err, ErrRateLimited)を成立させる。
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, token, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeTokenExpired       = "TOKEN_EXPIRED"
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeSessionTerminated  = "SESSION_TERMINATED"
	ErrCodeCSRFFailed         = "CSRF_FAILED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeInvalidToken       = "INVALID_TOKEN"
	ErrCodeTokenUsed          = "TOKEN_ALREADY_USED"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeWeakPassword       = "WEAK_PASSWORD"
	ErrCodeEmailTaken         = "EMAIL_TAKEN"
	ErrCodeOAuthFailed        = "OAUTH_FAILED"
	ErrCodeUserNotFound       = "USER_NOT_FOUND"
	ErrCodeRateLimited        = "RATE_LIMITED"
)

// NewUnauthorizedError は認証が必要な場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewTokenExpiredError はアクセストークン期限切れのエラーを生成する。
// クライアントはこのコードを受け取った場合に限りリフレッシュを試みる。
func NewTokenExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeTokenExpired,
		Message:  "セッションの有効期限が切れました。",
		Category: "auth",
		Action:   "セッションを更新してから再度お試しください。",
	}
}

// NewInvalidCredentialsError はログイン失敗のエラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して再度ログインしてください。",
	}
}

// NewSessionTerminatedError はリフレッシュトークン再利用検知などでセッションを終了した場合のエラーを生成する。
func NewSessionTerminatedError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionTerminated,
		Message:  "セッションが無効になりました。",
		Category: "auth",
		Action:   "再度ログインしてください。",
	}
}

// NewCSRFFailedError はCSRFトークン検証失敗のエラーを生成する。
// 欠落と不一致は外部からは区別しない。
func NewCSRFFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFFailed,
		Message:  "リクエストの検証に失敗しました。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewForbiddenError は権限不足のエラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作を行う権限がありません。",
		Category: "auth",
		Action:   "クリニックの管理者に問い合わせてください。",
	}
}

// NewInvalidSingleUseTokenError は無効または期限切れの使い捨てトークンのエラーを生成する。
func NewInvalidSingleUseTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidToken,
		Message:  "リンクが無効か、有効期限が切れています。",
		Category: "token",
		Action:   "もう一度メールの送信を依頼してください。",
	}
}

// NewSingleUseTokenUsedError は使用済みの使い捨てトークンのエラーを生成する。
func NewSingleUseTokenUsedError() *APIError {
	return &APIError{
		Code:     ErrCodeTokenUsed,
		Message:  "このリンクは既に使用されています。",
		Category: "token",
		Action:   "必要であれば、もう一度メールの送信を依頼してください。",
	}
}

// NewInvalidRequestError はリクエストボディが不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewWeakPasswordError はパスワードが要件を満たさない場合のエラーを生成する。
func NewWeakPasswordError(minLen, maxBytes int) *APIError {
	return &APIError{
		Code:     ErrCodeWeakPassword,
		Message:  fmt.Sprintf("パスワードは%d文字以上、%dバイト以下で指定してください。", minLen, maxBytes),
		Category: "validation",
		Action:   "別のパスワードを入力してください。",
	}
}

// NewEmailTakenError はメールアドレス重複のエラーを生成する。
func NewEmailTakenError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailTaken,
		Message:  "このメールアドレスは既に登録されています。",
		Category: "validation",
		Action:   "ログインするか、パスワードの再設定を行ってください。",
	}
}

// NewOAuthFailedError は外部IdPとの連携に失敗した場合のエラーを生成する。
func NewOAuthFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeOAuthFailed,
		Message:  "Googleアカウントでの認証に失敗しました。",
		Category: "auth",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewRateLimitedError はスロットリングによる拒否のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
