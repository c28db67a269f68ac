// Package security はSSRF防御とコンテンツサニタイズを提供する。
// フィードURLとフィード本文という外部由来の入力を、アプリケーション
// 内部へ通す前の境界で検査する。
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// SSRFGuardService は外部URLへアクセスする全経路に適用するSSRF防御を定義する。
// ソース登録時のフィード検出、ポーリング、favicon取得が利用する。
type SSRFGuardService interface {
	// NewSafeClient は接続先IPを検証するHTTPクライアントを生成する。
	// プライベートIP、ループバック、リンクローカル、クラウドメタデータIPへの
	// 接続はトランスポート層で拒否され、リダイレクト先も同様に検証される。
	// maxResponseSizeの強制は呼び出し側のio.LimitReaderが行う。
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client

	// ValidateURL はリクエスト送信前の静的検証を行う。
	// スキームとホストだけで判定できる危険なURLを早期に弾くための近道であり、
	// DNS解決後の最終的な検証はNewSafeClientのクライアント側が担う。
	ValidateURL(rawURL string) error
}

// deniedCIDRs は接続を拒否するアドレス帯。
// 169.254.0.0/16にはクラウドメタデータエンドポイント(169.254.169.254)が含まれる。
var deniedCIDRs = []string{
	"10.0.0.0/8",     // RFC 1918
	"172.16.0.0/12",  // RFC 1918
	"192.168.0.0/16", // RFC 1918
	"127.0.0.0/8",    // ループバック
	"169.254.0.0/16", // リンクローカル
	"0.0.0.0/8",      // 現在ネットワーク
	"::1/128",        // IPv6ループバック
	"fe80::/10",      // IPv6リンクローカル
	"fc00::/7",       // IPv6ユニークローカル
}

// ssrfGuard はSSRFGuardServiceの実装。
// 拒否レンジは生成時に一度だけパースして保持する。
type ssrfGuard struct {
	denied []*net.IPNet
}

// NewSSRFGuard はSSRFGuardServiceの新しいインスタンスを生成する。
func NewSSRFGuard() *ssrfGuard {
	denied := make([]*net.IPNet, 0, len(deniedCIDRs))
	for _, cidr := range deniedCIDRs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("security: invalid denied CIDR %q: %v", cidr, err))
		}
		denied = append(denied, network)
	}
	return &ssrfGuard{denied: denied}
}

// NewSafeClient はsafeurlでラップしたHTTPクライアントを返す。
// safeurlはnet.DialerのControlフックでDNS解決後の接続先IPを検証するため、
// DNS再バインディングで静的検証をすり抜けた接続もここで遮断される。
func (g *ssrfGuard) NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("http", "https").
		SetAllowedPorts(80, 443).
		Build()

	return safeurl.Client(config).Client
}

// ValidateURL はURL文字列だけで判定できる範囲の検証を行う。
// スキームがhttp/https以外、ホストが空、IPリテラルが拒否レンジ内、
// またはローカルホスト名の場合にエラーを返す。
func (g *ssrfGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("URLが空です")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("URLを解釈できません: %w", err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("許可されていないスキームです: %q", parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("ホストが空です: %s", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		for _, network := range g.denied {
			if network.Contains(ip) {
				return fmt.Errorf("接続が禁止されているIPアドレスです: %s", ip)
			}
		}
		return nil
	}

	// RFC 6761によりlocalhostとそのサブドメインはループバックに解決される
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return fmt.Errorf("接続が禁止されているホストです: %s", host)
	}

	return nil
}

var _ SSRFGuardService = (*ssrfGuard)(nil)
