package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestNewSafeClient_Timeout はタイムアウト設定が反映されることをテストする。
func TestNewSafeClient_Timeout(t *testing.T) {
	guard := NewSSRFGuard()

	client := guard.NewSafeClient(5 * time.Second)
	if client.Timeout != 5*time.Second {
		t.Errorf("expected timeout 5s, got %v", client.Timeout)
	}

	// 0以下はデフォルトのタイムアウトになる（無制限にはしない）
	client = guard.NewSafeClient(0)
	if client.Timeout <= 0 {
		t.Errorf("expected bounded default timeout, got %v", client.Timeout)
	}
}

// TestNewSafeClient_HasTransport はsafeurlのTransportが設定されていることをテストする。
func TestNewSafeClient_HasTransport(t *testing.T) {
	client := NewSSRFGuard().NewSafeClient(5 * time.Second)

	if client.Transport == nil || client.Transport == http.DefaultTransport {
		t.Fatal("expected custom Transport")
	}
}

// TestNewSafeClient_BlocksLoopback はループバックへのリクエストがブロックされることをテストする。
// httptestサーバーは127.0.0.1で起動されるため、safeurlがブロックする。
func TestNewSafeClient_BlocksLoopback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewSSRFGuard().NewSafeClient(5 * time.Second)

	if _, err := client.Get(ts.URL); err == nil {
		t.Fatal("expected error for loopback address request, got nil")
	}
}

func TestValidateURL(t *testing.T) {
	guard := NewSSRFGuard()

	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://api.mail.example.com/v3/send", false},
		{"https://oauth2.googleapis.com/token", false},
		{"http://10.0.0.1/send", true},
		{"http://172.16.0.1/send", true},
		{"http://192.168.1.100/send", true},
		{"http://127.0.0.1/send", true},
		{"http://localhost/send", true},
		{"http://169.254.169.254/latest/meta-data/", true},
		{"http://[::1]/send", true},
		{"http://0.0.0.0/send", true},
		{"http://100.64.0.1/send", true},
		{"http://[fd00::1]/send", true},
		{"http://LOCALHOST./send", true},
		{"https://api.mail.example.com:8443/send", true},
		{"https://api.mail.example.com:443/send", false},
		{"http://api.mail.example.com:abc/send", true},
		{"", true},
		{"not-a-url", true},
		{"ftp://example.com/send", true},
		{"file:///etc/passwd", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := guard.ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestValidateRedirectURI(t *testing.T) {
	guard := NewSSRFGuard()
	allowed := []string{"https://app.clinicman.example", "http://localhost:3000"}

	tests := []struct {
		name    string
		uri     string
		wantErr bool
	}{
		{"許可オリジン配下", "https://app.clinicman.example/auth/google/callback", false},
		{"ローカル開発環境", "http://localhost:3000/callback", false},
		{"ホストの大文字小文字は区別しない", "https://APP.clinicman.example/cb", false},
		{"別ホスト", "https://evil.example/callback", true},
		{"スキーム違い", "http://app.clinicman.example/callback", true},
		{"ポート違い", "http://localhost:4000/callback", true},
		{"userinfo付き", "https://user@app.clinicman.example/callback", true},
		{"フラグメント付き", "https://app.clinicman.example/callback#x", true},
		{"相対パス", "/callback", true},
		{"空文字列", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := guard.ValidateRedirectURI(tt.uri, allowed...)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRedirectURI(%q) error = %v, wantErr %v", tt.uri, err, tt.wantErr)
			}
		})
	}
}

func TestValidateURL_AllowedPorts(t *testing.T) {
	guard := NewSSRFGuard(WithAllowedPorts(443, 8443))

	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://api.mail.example.com:8443/send", false},
		{"https://api.mail.example.com/send", false},
		// httpの既定ポート80は許可リストにない
		{"http://api.mail.example.com/send", true},
		// ポートを許可してもプライベートIPは拒否する
		{"https://10.0.0.1:8443/send", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := guard.ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}
