package sessionclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// Client はclinicman APIにセッションCookieでアクセスするクライアント。
type Client struct {
	baseURL   string
	http      *http.Client
	transport *Transport
}

// New はbaseURL（例: https://api.clinicman.example）向けのClientを生成する。
func New(baseURL string, opts ...Option) (*Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	baseURL = strings.TrimRight(baseURL, "/")
	transport, err := NewTransport(jar, baseURL+"/auth/refresh", opts...)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL:   baseURL,
		http:      &http.Client{Transport: transport, Timeout: 30 * time.Second},
		transport: transport,
	}, nil
}

// HTTPClient はリフレッシュと再送を透過的に行うhttp.Clientを返す。
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

type loginResponse struct {
	CSRFToken string `json:"csrfToken"`
}

// Login はメールアドレスとパスワードでログインし、セッションCookieを保持する。
func (c *Client) Login(ctx context.Context, email, password string) error {
	payload, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return err
	}
	resp, err := c.post(ctx, "/sessions", payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError("login", resp)
	}
	var body loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("failed to decode login response: %w", err)
	}
	c.transport.StartSession(body.CSRFToken)
	return nil
}

// Logout は保持しているリフレッシュトークンを失効させる。
func (c *Client) Logout(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/auth/refresh", http.NoBody)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return statusError("logout", resp)
	}
	c.transport.StartSession("")
	return nil
}

// Do はリクエストを送信する。パスのみのURLはbaseURLからの相対パスとして扱う。
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if req.URL.Host == "" {
		u, err := req.URL.Parse(c.baseURL + req.URL.Path)
		if err != nil {
			return nil, err
		}
		u.RawQuery = req.URL.RawQuery
		req.URL = u
		req.Host = u.Host
	}
	return c.http.Do(req)
}

func (c *Client) post(ctx context.Context, path string, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}

func statusError(op string, resp *http.Response) error {
	var body errorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, maxErrorBodyBytes)).Decode(&body)
	return fmt.Errorf("%s failed: status %d (%s)", op, resp.StatusCode, body.Code)
}
