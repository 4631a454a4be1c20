package token

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestParseKeys_ECDSA(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	privDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	privPEM := string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privDER}))
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))

	priv, err := ParsePrivateKey(privPEM)
	if err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}
	pub, err := ParsePublicKey(pubPEM)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}

	s, err := NewSigner(Config{PrivateKey: priv, PublicKey: pub})
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	if s.Algorithm() != "ES256" {
		t.Errorf("Algorithm() = %q, want ES256", s.Algorithm())
	}
}

// ファイルパス指定でもPKCS#8のEd25519鍵を読み込める
func TestParsePrivateKey_Ed25519FromFile(t *testing.T) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "jwt.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}

	priv, err := ParsePrivateKey(path)
	if err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}
	s, err := NewSigner(Config{PrivateKey: priv})
	if err != nil {
		t.Fatal(err)
	}
	if s.Algorithm() != "EdDSA" {
		t.Errorf("Algorithm() = %q, want EdDSA", s.Algorithm())
	}
}

func TestParsePrivateKey_Invalid(t *testing.T) {
	tests := []string{
		"",
		"-----BEGIN GARBAGE-----\nAAAA\n-----END GARBAGE-----",
		"-----BEGIN nothing",
	}
	for _, in := range tests {
		if _, err := ParsePrivateKey(in); err == nil {
			t.Errorf("ParsePrivateKey(%q) should fail", in)
		}
	}
	if _, err := ParsePublicKey(""); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}
