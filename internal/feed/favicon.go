package feed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// maxFaviconSize は保存するfaviconの上限サイズ（2MB）。
	maxFaviconSize = 2 * 1024 * 1024
	// faviconTimeout はfavicon取得のタイムアウト。
	faviconTimeout = 5 * time.Second
	// faviconUserAgent はfavicon取得時のUser-Agent。
	faviconUserAgent = "Autopress/1.0 Feed Collector"
)

// FaviconFetcher はソースのfaviconを取得する。
// faviconは装飾であり、取得できないことはエラーではない。
// 全メソッドは失敗時にnilデータと空MIMEを返し、理由はログにだけ残す。
type FaviconFetcher struct {
	ssrfGuard SSRFValidator
}

// NewFaviconFetcher はFaviconFetcherの新しいインスタンスを生成する。
func NewFaviconFetcher(ssrfGuard SSRFValidator) *FaviconFetcher {
	return &FaviconFetcher{ssrfGuard: ssrfGuard}
}

// FetchFaviconForSite はサイトの既定パス /favicon.ico からfaviconを取得する。
func (f *FaviconFetcher) FetchFaviconForSite(ctx context.Context, siteURL string) ([]byte, string, error) {
	iconURL := defaultIconURL(siteURL)
	if iconURL == "" {
		return nil, "", nil
	}
	return f.FetchFavicon(ctx, iconURL)
}

// FetchFavicon は指定URLからfaviconを取得する。
// SSRFブロック、HTTP失敗、サイズ超過、画像以外のContent-Typeは
// いずれもnilデータとして扱う。
func (f *FaviconFetcher) FetchFavicon(ctx context.Context, faviconURL string) ([]byte, string, error) {
	if faviconURL == "" {
		return nil, "", nil
	}

	if f.ssrfGuard != nil {
		if err := f.ssrfGuard.ValidateURL(faviconURL); err != nil {
			slog.Warn("favicon取得をブロック", "url", faviconURL, "error", err)
			return nil, "", nil
		}
	}

	body, mimeType, err := f.download(ctx, faviconURL)
	if err != nil {
		slog.Warn("favicon取得をスキップ", "url", faviconURL, "reason", err.Error())
		return nil, "", nil
	}

	return body, mimeType, nil
}

// download はfaviconのボディを取得して画像か検証する。
// 失敗理由は呼び出し側がログに残すためエラーで返す。
func (f *FaviconFetcher) download(ctx context.Context, faviconURL string) ([]byte, string, error) {
	client := &http.Client{Timeout: faviconTimeout}
	if f.ssrfGuard != nil {
		client = f.ssrfGuard.NewSafeClient(faviconTimeout, maxFaviconSize)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, faviconURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("リクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", faviconUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("HTTPリクエストに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, "", fmt.Errorf("HTTPステータスが2xxではありません: %d", resp.StatusCode)
	}

	// 上限+1まで読み、超過を区別する
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFaviconSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("レスポンスの読み取りに失敗しました: %w", err)
	}
	if len(body) > maxFaviconSize {
		return nil, "", fmt.Errorf("サイズが上限を超えています: %dバイト", len(body))
	}

	contentType := resp.Header.Get("Content-Type")
	mimeType := mediaType(contentType)
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, "", fmt.Errorf("画像以外のContent-Typeです: %q", contentType)
	}

	return body, mimeType, nil
}

// defaultIconURL はサイトURLから既定のfaviconパスを組み立てる。
// ホストを持たないURLは空文字列を返す。
func defaultIconURL(siteURL string) string {
	u, err := url.Parse(siteURL)
	if err != nil || u.Host == "" {
		return ""
	}
	icon := url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/favicon.ico"}
	return icon.String()
}

// mediaType はContent-Typeヘッダーからメディアタイプだけを取り出す。
func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	return strings.ToLower(mt)
}
