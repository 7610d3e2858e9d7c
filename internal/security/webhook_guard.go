package security

import (
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// WebhookGuardService は通知Webhookの送信先に対するSSRF防止機能のインターフェースを定義する。
// 起動時の設定検証と送信時のHTTPクライアント生成の両方で使用される。
type WebhookGuardService interface {
	// NewClient はSSRF防止機能付きのHTTPクライアントを生成する。
	// プライベートIP、ループバック、リンクローカルへの接続は
	// DNS解決後のアドレスに対してもブロックされる。
	NewClient(timeout time.Duration) *http.Client

	// ValidateURL は送信先URLを静的に検証する。
	ValidateURL(rawURL string) error
}

// webhookSchemes はWebhook送信先として許可するスキーム。
var webhookSchemes = []string{"https", "http"}

// blockedPrefixes はWebhook送信先として拒否するアドレス範囲。
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
}

// blockedHosts は名前解決前に拒否するホスト名。
var blockedHosts = []string{
	"localhost",
	"metadata.google.internal",
}

// webhookGuard はWebhookGuardServiceの実装。
type webhookGuard struct{}

// NewWebhookGuard はWebhookGuardServiceの新しいインスタンスを生成する。
func NewWebhookGuard() *webhookGuard {
	return &webhookGuard{}
}

// NewClient はsafeurlでラップしたHTTPクライアントを返す。
// 接続時のDialer検証によりDNS再バインディングにも対応する。
func (g *webhookGuard) NewClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(webhookSchemes...).
		SetAllowedPorts(80, 443).
		Build()

	return safeurl.Client(config).Client
}

// ValidateURL はWebhook送信先URLの静的検証を行う。
// DNS解決は行わないため、解決後のアドレス検証はNewClient側のDialerに委ねる。
func (g *webhookGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty webhook URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !allowedWebhookScheme(scheme) {
		return fmt.Errorf("disallowed webhook scheme: %q (allowed: %v)", scheme, webhookSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in webhook URL: %s", rawURL)
	}
	if parsed.User != nil {
		return fmt.Errorf("credentials in webhook URL are not allowed")
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if blockedAddr(addr.Unmap()) {
			return fmt.Errorf("blocked webhook address: %s", addr)
		}
		return nil
	}

	lower := strings.ToLower(strings.TrimSuffix(host, "."))
	for _, blocked := range blockedHosts {
		if lower == blocked || strings.HasSuffix(lower, "."+blocked) {
			return fmt.Errorf("blocked webhook host: %s", host)
		}
	}
	return nil
}

func allowedWebhookScheme(scheme string) bool {
	for _, allowed := range webhookSchemes {
		if scheme == allowed {
			return true
		}
	}
	return false
}

func blockedAddr(addr netip.Addr) bool {
	if addr.IsUnspecified() || addr.IsMulticast() {
		return true
	}
	for _, prefix := range blockedPrefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
