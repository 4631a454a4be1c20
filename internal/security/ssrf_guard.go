// Package security はパスワードハッシュ、外部HTTP通信の保護、メール本文のサニタイズを提供する。
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// SSRFGuardService は外部HTTP通信の保護機能のインターフェースを定義する。
// OAuthプロバイダーとメール配信APIへの通信で使用される。
type SSRFGuardService interface {
	// NewSafeClient は内部ネットワークへ到達できないHTTPクライアントを生成する。
	NewSafeClient(timeout time.Duration) *http.Client

	// ValidateURL は起動時に外部APIのURL設定を静的に検証する。
	ValidateURL(rawURL string) error

	// ValidateRedirectURI はOAuthのredirect_uriが許可されたオリジン配下かを検証する。
	ValidateRedirectURI(rawURL string, allowedOrigins ...string) error
}

const defaultSafeClientTimeout = 10 * time.Second

var allowedSchemes = []string{"http", "https"}

// 静的検証で拒否するアドレス範囲。
// 接続時の検証はsafeurlがDNS解決後のIPに対して行う。
var blockedNetworks = mustParseCIDRs(
	"0.0.0.0/8",          // カレントネットワーク
	"10.0.0.0/8",         // RFC 1918
	"100.64.0.0/10",      // CGNAT
	"127.0.0.0/8",        // ループバック
	"169.254.0.0/16",     // リンクローカル（メタデータIPを含む）
	"172.16.0.0/12",      // RFC 1918
	"192.168.0.0/16",     // RFC 1918
	"224.0.0.0/4",        // マルチキャスト
	"255.255.255.255/32", // ブロードキャスト
	"::1/128",
	"fc00::/7",
	"fe80::/10",
)

var blockedHostnames = []string{"localhost", "localhost.localdomain"}

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	networks := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR %q: %v", cidr, err))
		}
		networks = append(networks, network)
	}
	return networks
}

// GuardOption はssrfGuardの設定を変更する。
type GuardOption func(*ssrfGuard)

// WithAllowedPorts は外部通信で許可するポートを置き換える。既定は80と443。
func WithAllowedPorts(ports ...int) GuardOption {
	return func(g *ssrfGuard) {
		g.allowedPorts = ports
	}
}

// ssrfGuard はSSRFGuardServiceの実装。生成後は不変で並行利用できる。
type ssrfGuard struct {
	allowedPorts []int
}

// NewSSRFGuard はSSRFGuardServiceの新しいインスタンスを生成する。
func NewSSRFGuard(opts ...GuardOption) *ssrfGuard {
	g := &ssrfGuard{allowedPorts: []int{80, 443}}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NewSafeClient はsafeurlでラップしたHTTPクライアントを返す。
// プライベート、ループバック、リンクローカル宛ての接続はDialer段階で拒否される。
// timeoutが0以下の場合は10秒とする。
func (g *ssrfGuard) NewSafeClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultSafeClientTimeout
	}
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(g.allowedPorts...).
		Build()

	return safeurl.Client(cfg).Client
}

// ValidateURL はDNS解決を伴わずにURLを検証する。
// IPリテラルとlocalhost系のホスト名、許可外のスキームとポートを拒否する。
func (g *ssrfGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !slices.Contains(allowedSchemes, scheme) {
		return fmt.Errorf("disallowed scheme %q (allowed: %v)", parsed.Scheme, allowedSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}
	if err := g.checkPort(scheme, parsed.Port()); err != nil {
		return err
	}

	if ip := net.ParseIP(host); ip != nil {
		if blockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip)
		}
		return nil
	}
	if slices.Contains(blockedHostnames, strings.ToLower(strings.TrimSuffix(host, "."))) {
		return fmt.Errorf("blocked host: %s", host)
	}
	return nil
}

func (g *ssrfGuard) checkPort(scheme, port string) error {
	p := 443
	if scheme == "http" {
		p = 80
	}
	if port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid port %q", port)
		}
		p = n
	}
	if !slices.Contains(g.allowedPorts, p) {
		return fmt.Errorf("disallowed port %d (allowed: %v)", p, g.allowedPorts)
	}
	return nil
}

// ValidateRedirectURI はredirect_uriのスキームとホストが許可オリジンのいずれかと一致するかを検証する。
// クライアントから渡された値はこの検証を通してからトークン交換に使う。
func (g *ssrfGuard) ValidateRedirectURI(rawURL string, allowedOrigins ...string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("invalid redirect uri: %q", rawURL)
	}
	if parsed.User != nil || parsed.Fragment != "" {
		return fmt.Errorf("redirect uri must not contain userinfo or fragment")
	}

	for _, origin := range allowedOrigins {
		o, err := url.Parse(origin)
		if err != nil || o.Host == "" {
			continue
		}
		if strings.EqualFold(o.Scheme, parsed.Scheme) && strings.EqualFold(o.Host, parsed.Host) {
			return nil
		}
	}
	return fmt.Errorf("redirect uri origin not allowed: %s://%s", parsed.Scheme, parsed.Host)
}

func blockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

var _ SSRFGuardService = (*ssrfGuard)(nil)
