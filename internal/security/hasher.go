package security

import (
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const (
	// MinPasswordLength はローカルパスワードの最小文字数。
	MinPasswordLength = 8
	// MaxPasswordBytes はbcryptが扱える入力の最大バイト数。
	// これを超えるパスワードはハンドラー層で拒否する。
	MaxPasswordBytes = 72
)

// ErrPasswordTooLong はbcryptの上限を超える入力を表す。
var ErrPasswordTooLong = errors.New("password exceeds 72 bytes")

// PasswordHasher はパスワードのハッシュ化と照合のインターフェース。
type PasswordHasher interface {
	Hash(plaintext string) (string, error)
	Compare(plaintext, digest string) bool
}

// Hasher はbcryptによるパスワードハッシュ化を行う。
// ソルトは呼び出しごとに生成され、ダイジェストに埋め込まれる。
// 平文のパスワードはログ出力・永続化しないこと。
type Hasher struct {
	cost int

	// dummy は照合対象が無い場合に比較するダイジェスト。初回使用時に同じコストで生成する。
	dummyOnce sync.Once
	dummy     []byte
}

// NewHasher は指定コストのHasherを生成する。
// コストはbcryptの許容範囲（4〜31）に丸める。0以下はデフォルトコスト。
func NewHasher(cost int) *Hasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return &Hasher{cost: cost}
}

// Cost は実際に使用するbcryptコストを返す。
func (h *Hasher) Cost() int {
	return h.cost
}

// Hash はパスワードのbcryptダイジェストを返す。
func (h *Hasher) Hash(plaintext string) (string, error) {
	if len(plaintext) > MaxPasswordBytes {
		return "", ErrPasswordTooLong
	}
	b, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Compare はパスワードとダイジェストを定数時間で照合する。
// ダイジェストが不正な形式の場合、平文がMaxPasswordBytesを超える場合はfalseを返す。
// ダイジェストが空の場合もダミーのダイジェストと照合してからfalseを返すため、
// 照合対象の有無で処理時間が変わらない。
func (h *Hasher) Compare(plaintext, digest string) bool {
	// bcryptは73バイト目以降を無視するため、長すぎる平文は照合前に拒否する
	if len(plaintext) > MaxPasswordBytes {
		return false
	}
	if digest == "" {
		_ = bcrypt.CompareHashAndPassword(h.dummyDigest(), []byte(plaintext))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(plaintext)) == nil
}

func (h *Hasher) dummyDigest() []byte {
	h.dummyOnce.Do(func() {
		b, err := bcrypt.GenerateFromPassword([]byte("clinicman-dummy-password"), h.cost)
		if err == nil {
			h.dummy = b
		}
	})
	return h.dummy
}

// ValidatePassword はパスワードが長さ要件を満たすかを返す。
func ValidatePassword(plaintext string) bool {
	return len([]rune(plaintext)) >= MinPasswordLength && len(plaintext) <= MaxPasswordBytes
}

// compile-time interface check
var _ PasswordHasher = (*Hasher)(nil)
