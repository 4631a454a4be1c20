// Package token はアクセストークン（JWT）の発行と検証を提供する。
package token

import (
	"crypto"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/clinicman/internal/model"
)

// MaxAccessTTL はアクセストークンの有効期間の上限。
const MaxAccessTTL = 15 * time.Minute

// Subject はアクセストークンに載せる主体情報。
type Subject struct {
	UserID   string
	Role     model.Role
	ClinicID string
}

// Claims はアクセストークンのクレーム。
type Claims struct {
	jwt.RegisteredClaims
	Role     model.Role `json:"role"`
	ClinicID string     `json:"clinic"`
}

// Issued は発行したトークンとその有効期限。
type Issued struct {
	Token     string
	ID        string
	ExpiresAt time.Time
}

// Config はSignerの設定。
type Config struct {
	PrivateKey crypto.Signer
	// PublicKey が未指定の場合は PrivateKey から導出する。
	PublicKey crypto.PublicKey
	Issuer    string
	Audience  string
	Leeway    time.Duration
}

// Option はSignerの任意設定。
type Option func(*Signer)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		s.now = now
	}
}

// Signer は非対称鍵でアクセストークンを署名・検証する。
// 鍵は起動時に1回だけ読み込み、以降は読み取り専用のため並行利用できる。
type Signer struct {
	privateKey crypto.Signer
	publicKey  crypto.PublicKey
	method     jwt.SigningMethod
	issuer     string
	audience   string
	leeway     time.Duration
	now        func() time.Time
}

// NewSigner はSignerを生成する。
// PrivateKeyがnilの場合は検証専用のSignerとなり、Issueはエラーを返す。
func NewSigner(cfg Config, opts ...Option) (*Signer, error) {
	pub := cfg.PublicKey
	if pub == nil && cfg.PrivateKey != nil {
		pub = cfg.PrivateKey.Public()
	}
	if pub == nil {
		return nil, fmt.Errorf("public key is required: %w", ErrInvalidKey)
	}

	method, err := signingMethodFor(pub)
	if err != nil {
		return nil, err
	}
	if cfg.PrivateKey != nil {
		privMethod, err := signingMethodFor(cfg.PrivateKey.Public())
		if err != nil {
			return nil, err
		}
		if privMethod.Alg() != method.Alg() {
			return nil, fmt.Errorf("private and public key types differ: %w", ErrInvalidKey)
		}
	}

	s := &Signer{
		privateKey: cfg.PrivateKey,
		publicKey:  pub,
		method:     method,
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		leeway:     cfg.Leeway,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Algorithm は署名アルゴリズム名を返す。
func (s *Signer) Algorithm() string {
	return s.method.Alg()
}

// Issue はsubjectのアクセストークンを発行する。
// ttlはMaxAccessTTLを上限とし、0以下の場合もMaxAccessTTLとする。
func (s *Signer) Issue(subject Subject, ttl time.Duration) (*Issued, error) {
	if s.privateKey == nil {
		return nil, errors.New("signer has no private key")
	}
	if subject.UserID == "" {
		return nil, errors.New("subject user id is required")
	}
	if ttl <= 0 || ttl > MaxAccessTTL {
		ttl = MaxAccessTTL
	}

	// JWTのNumericDateは秒精度のため、返す有効期限も秒に揃える
	now := s.now().UTC().Truncate(time.Second)
	expiresAt := now.Add(ttl)
	jti := uuid.NewString()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   subject.UserID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Role:     subject.Role,
		ClinicID: subject.ClinicID,
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}

	signed, err := jwt.NewWithClaims(s.method, claims).SignedString(s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	return &Issued{Token: signed, ID: jti, ExpiresAt: expiresAt}, nil
}

// Verify はアクセストークンを検証しクレームを返す。
// エラーはerrors.Isで model.ErrTokenMalformed / model.ErrTokenSignatureInvalid /
// model.ErrTokenExpired のいずれかと判定できる。
func (s *Signer) Verify(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}
	if s.leeway > 0 {
		opts = append(opts, jwt.WithLeeway(s.leeway))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return s.publicKey, nil
	}, opts...)
	if err != nil {
		return nil, classify(err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, model.ErrTokenMalformed
	}
	return claims, nil
}

// classify はjwtライブラリのエラーをドメインエラーに変換する。
// 署名検証は有効期限の検証より先に行われるため、別の鍵で署名された期限切れトークンはSignatureInvalidになる。
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", model.ErrTokenSignatureInvalid, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", model.ErrTokenExpired, err)
	default:
		return fmt.Errorf("%w: %v", model.ErrTokenMalformed, err)
	}
}
