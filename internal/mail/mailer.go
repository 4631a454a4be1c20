// Package mail はトランザクションメールの組み立てと送信を提供する。
package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/clinicman/internal/security"
)

// Mailer はメール送信のインターフェース。
type Mailer interface {
	Send(ctx context.Context, to, subject, html string) error
}

// HTTPMailerConfig はHTTP APIによるメール配信の設定。
type HTTPMailerConfig struct {
	APIURL string
	APIKey string
	From   string
}

// HTTPMailer はJSON APIを持つメール配信サービスへ送信する。
// 本文はサニタイズした上で、プレーンテキスト版を併せて送る。
type HTTPMailer struct {
	config    HTTPMailerConfig
	client    *http.Client
	sanitizer security.ContentSanitizerService
}

// NewHTTPMailer はHTTPMailerを生成する。
// clientにはタイムアウト付きのクライアント（通常はSSRFGuardService.NewSafeClient）を渡す。
func NewHTTPMailer(config HTTPMailerConfig, client *http.Client, sanitizer security.ContentSanitizerService) *HTTPMailer {
	return &HTTPMailer{
		config:    config,
		client:    client,
		sanitizer: sanitizer,
	}
}

type sendRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}

// Send はメールを送信する。2xx以外のレスポンスはエラーとする。
func (m *HTTPMailer) Send(ctx context.Context, to, subject, html string) error {
	safe := m.sanitizer.Sanitize(html)
	payload, err := json.Marshal(sendRequest{
		From:    m.config.From,
		To:      to,
		Subject: subject,
		HTML:    safe,
		Text:    m.sanitizer.PlainText(safe),
	})
	if err != nil {
		return fmt.Errorf("failed to encode mail request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.config.APIURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create mail request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.config.APIKey)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("mail request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("mail delivery failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// LogMailer は送信せずに宛先と件名だけをログに出す。
// 本文にはトークンを含むリンクがあるため出力しない。
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer はLogMailerを生成する。loggerがnilの場合はslog.Default()を使う。
func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger}
}

// Send はメール送信をログに記録する。
func (m *LogMailer) Send(ctx context.Context, to, subject, _ string) error {
	m.logger.InfoContext(ctx, "mail delivery skipped (no mail API configured)",
		slog.String("to", to),
		slog.String("subject", subject),
	)
	return nil
}

// compile-time interface checks
var (
	_ Mailer = (*HTTPMailer)(nil)
	_ Mailer = (*LogMailer)(nil)
)
