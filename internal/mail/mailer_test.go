package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/clinicman/internal/security"
)

func TestHTTPMailer_Send_PostsSanitizedPayload(t *testing.T) {
	var got sendRequest
	var authHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	m := NewHTTPMailer(HTTPMailerConfig{
		APIURL: server.URL,
		APIKey: "secret-key",
		From:   "no-reply@clinicman.example",
	}, server.Client(), security.NewContentSanitizer())

	html := `<p>Hello</p><script>alert(1)</script><a href="https://app.example/verify?token=x">link</a>`
	if err := m.Send(context.Background(), "to@example.com", "Subject", html); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}

	if authHeader != "Bearer secret-key" {
		t.Errorf("unexpected Authorization header %q", authHeader)
	}
	if got.To != "to@example.com" || got.From != "no-reply@clinicman.example" {
		t.Errorf("unexpected addresses: %+v", got)
	}
	if strings.Contains(got.HTML, "<script>") {
		t.Errorf("script should be stripped, got %q", got.HTML)
	}
	if !strings.Contains(got.HTML, "https://app.example/verify?token=x") {
		t.Errorf("link should survive sanitizing, got %q", got.HTML)
	}
	if strings.Contains(got.Text, "<") {
		t.Errorf("text part should not contain markup, got %q", got.Text)
	}
}

func TestHTTPMailer_Send_Non2xxIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	}))
	defer server.Close()

	m := NewHTTPMailer(HTTPMailerConfig{APIURL: server.URL}, server.Client(), security.NewContentSanitizer())

	err := m.Send(context.Background(), "to@example.com", "S", "<p>x</p>")
	if err == nil {
		t.Fatal("expected error for 502 response")
	}
	if !strings.Contains(err.Error(), "502") {
		t.Errorf("expected status in error, got %v", err)
	}
}

// LogMailerは本文（トークンを含む）をログに出さない
func TestLogMailer_DoesNotLogBody(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	m := NewLogMailer(logger)

	if err := m.Send(context.Background(), "to@example.com", "件名", `<a href="https://x/?token=SECRET">x</a>`); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()
	if strings.Contains(out, "SECRET") {
		t.Errorf("log should not contain body, got %s", out)
	}
	if !strings.Contains(out, "to@example.com") {
		t.Errorf("log should contain recipient, got %s", out)
	}
}
