// Package sessionclient はセッションCookieを扱うHTTPクライアント側の仕組みを提供する。
//
// Transportはアクセストークンの期限切れ(401 TOKEN_EXPIRED)を検知すると
// リフレッシュを1回だけ実行し、元のリクエストを1度だけ再送する。
// 同時に期限切れを受け取ったリクエストは進行中のリフレッシュ結果を共有する。
package sessionclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	csrfCookieName = "csrf_token"
	csrfHeaderName = "X-CSRF-Token"

	codeTokenExpired = "TOKEN_EXPIRED"

	defaultRefreshTimeout = 10 * time.Second
	maxErrorBodyBytes     = 64 << 10
)

// ErrSessionTerminated はリフレッシュが拒否され、再ログインが必要なことを表す。
var ErrSessionTerminated = errors.New("session terminated")

// RefreshError はリフレッシュが失敗したことを表す。
type RefreshError struct {
	StatusCode int
	Code       string
	Err        error
}

func (e *RefreshError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("refresh failed: %v", e.Err)
	}
	return fmt.Sprintf("refresh failed: status %d (%s)", e.StatusCode, e.Code)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// Is は401/403によるリフレッシュ拒否を ErrSessionTerminated として扱う。
func (e *RefreshError) Is(target error) bool {
	return target == ErrSessionTerminated &&
		(e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden)
}

// Transport はCookieJarでセッションCookieを管理するhttp.RoundTripper。
// http.ClientのJarではなくTransport自身のJarを使うため、Client側のJarは設定しないこと。
type Transport struct {
	base       http.RoundTripper
	jar        http.CookieJar
	refreshURL *url.URL
	timeout    time.Duration

	group singleflight.Group

	mu         sync.Mutex
	csrfToken  string
	generation uint64
	// terminated はgenerationの時点でリフレッシュが拒否されたことを保持する。
	terminated error
}

// Option はTransportの設定を変更する。
type Option func(*Transport)

// WithBase は下位のRoundTripperを指定する。
func WithBase(base http.RoundTripper) Option {
	return func(t *Transport) { t.base = base }
}

// WithRefreshTimeout はリフレッシュ1回あたりのタイムアウトを指定する。
func WithRefreshTimeout(d time.Duration) Option {
	return func(t *Transport) { t.timeout = d }
}

// NewTransport はTransportを生成する。refreshURLはPOST /auth/refreshの絶対URL。
func NewTransport(jar http.CookieJar, refreshURL string, opts ...Option) (*Transport, error) {
	if jar == nil {
		return nil, errors.New("cookie jar is required")
	}
	u, err := url.Parse(refreshURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid refresh url: %q", refreshURL)
	}

	t := &Transport{
		base:       http.DefaultTransport,
		jar:        jar,
		refreshURL: u,
		timeout:    defaultRefreshTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// StartSession はログイン成功時に呼び出し、ボディで受け取ったCSRFトークンを保持する。
// Cookieにトークンがある場合はCookieが優先される。
func (t *Transport) StartSession(csrfToken string) {
	t.mu.Lock()
	t.csrfToken = csrfToken
	t.generation++
	t.terminated = nil
	t.mu.Unlock()
}

// RoundTrip はリクエストを送信し、アクセストークン期限切れの場合に限りリフレッシュして1度だけ再送する。
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	getBody, err := bodySource(req)
	if err != nil {
		return nil, err
	}

	gen := t.currentGeneration()
	resp, err := t.send(req, getBody)
	if err != nil {
		return nil, err
	}
	if !isTokenExpired(resp) {
		return resp, nil
	}
	resp.Body.Close()

	if err := t.refresh(req.Context(), gen); err != nil {
		return nil, err
	}
	return t.send(req, getBody)
}

// send はJarのCookieとCSRFヘッダーを付けてリクエストを1回送信する。
func (t *Transport) send(orig *http.Request, getBody func() (io.ReadCloser, error)) (*http.Response, error) {
	req := orig.Clone(orig.Context())
	if getBody != nil {
		body, err := getBody()
		if err != nil {
			return nil, fmt.Errorf("failed to rewind request body: %w", err)
		}
		req.Body = body
	}

	req.Header.Del("Cookie")
	for _, c := range t.jar.Cookies(req.URL) {
		req.AddCookie(c)
	}
	if isMutating(req.Method) {
		if tok := t.csrfFor(req.URL); tok != "" {
			req.Header.Set(csrfHeaderName, tok)
		}
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if cookies := resp.Cookies(); len(cookies) > 0 {
		t.jar.SetCookies(req.URL, cookies)
	}
	return resp, nil
}

// refresh はリフレッシュを実行する。送信時点から既に他のリクエストがリフレッシュを
// 済ませていれば何もしない。同時に呼ばれた場合は1回のリフレッシュ結果を共有する。
func (t *Transport) refresh(ctx context.Context, sentAt uint64) error {
	if done, err := t.settled(sentAt); done {
		return err
	}

	ch := t.group.DoChan("refresh", func() (any, error) {
		if done, err := t.settled(sentAt); done {
			return nil, err
		}
		// 最初の呼び出し元がキャンセルしても他の待機者に影響させない
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
		defer cancel()
		return nil, t.doRefresh(rctx)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type refreshResponse struct {
	CSRFToken string `json:"csrfToken"`
}

type errorBody struct {
	Code string `json:"code"`
}

func (t *Transport) doRefresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.refreshURL.String(), http.NoBody)
	if err != nil {
		return &RefreshError{Err: err}
	}
	resp, err := t.send(req, nil)
	if err != nil {
		return &RefreshError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body errorBody
		_ = json.NewDecoder(io.LimitReader(resp.Body, maxErrorBodyBytes)).Decode(&body)
		slog.Warn("session refresh rejected",
			slog.Int("status", resp.StatusCode),
			slog.String("code", body.Code),
		)
		refreshErr := &RefreshError{StatusCode: resp.StatusCode, Code: body.Code}
		if errors.Is(refreshErr, ErrSessionTerminated) {
			t.mu.Lock()
			t.terminated = refreshErr
			t.mu.Unlock()
		}
		return refreshErr
	}

	var body refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return &RefreshError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode refresh response: %w", err)}
	}

	t.mu.Lock()
	if body.CSRFToken != "" {
		t.csrfToken = body.CSRFToken
	}
	t.generation++
	t.mu.Unlock()
	return nil
}

// settled はsentAtの世代のリフレッシュが既に決着しているかを返す。
// 他のリクエストが成功させていればnil、拒否済みならその理由を返す。
func (t *Transport) settled(sentAt uint64) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.generation != sentAt {
		return true, nil
	}
	if t.terminated != nil {
		return true, t.terminated
	}
	return false, nil
}

func (t *Transport) currentGeneration() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.generation
}

// csrfFor はJarのcsrf_token Cookieを返す。無ければ保持しているトークンを返す。
func (t *Transport) csrfFor(u *url.URL) string {
	for _, c := range t.jar.Cookies(u) {
		if c.Name == csrfCookieName && c.Value != "" {
			return c.Value
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.csrfToken
}

// isTokenExpired はレスポンスがアクセストークン期限切れの401かを判定する。
// 判定のために読んだボディは呼び出し元が再度読めるように戻す。
func isTokenExpired(resp *http.Response) bool {
	if resp.StatusCode != http.StatusUnauthorized {
		return false
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		return false
	}
	var body errorBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return false
	}
	return body.Code == codeTokenExpired
}

// bodySource は再送できるようにリクエストボディの取得関数を返す。
// GetBodyが無い場合はボディをメモリに読み込む。
func bodySource(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		req.Body.Close()
		return req.GetBody, nil
	}
	raw, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(raw)), nil
	}, nil
}

func isMutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	default:
		return true
	}
}
