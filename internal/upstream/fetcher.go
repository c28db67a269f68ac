// Package upstream はソースフィードのHTTP取得とパースを提供する。
// 条件付きGET、SSRF検証、HTTPステータス分類、gofeedによるパースを含む。
// 取得結果の永続化は行わず、ポーリング層が結果に応じて状態を更新する。
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/autopress/internal/model"
)

const (
	// fetchUserAgent はフィード取得時のUser-Agent。
	fetchUserAgent = "Autopress/1.0 Feed Collector"
	// acceptableFeedTypes はAcceptヘッダーに載せるメディアタイプ。
	acceptableFeedTypes = "application/rss+xml, application/atom+xml, application/xml, text/xml, */*"
)

// ErrBlockedURL はSSRF検証により接続が拒否されたことを示す。
var ErrBlockedURL = errors.New("接続先URLが許可されていません")

// ErrParseFailed はフィード本文の解析に失敗したことを示す。
var ErrParseFailed = errors.New("フィードの解析に失敗しました")

// SSRFValidator はSSRF検証のインターフェース。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// FetchStatus はHTTPステータスコードに基づくフェッチ結果の分類。
type FetchStatus int

const (
	// FetchStatusOK はフェッチ成功（200）。
	FetchStatusOK FetchStatus = iota
	// FetchStatusNotModified はコンテンツ未変更（304）。
	FetchStatusNotModified
	// FetchStatusStop はポーリング停止が必要なステータス（404/410/401/403）。
	FetchStatusStop
	// FetchStatusBackoff はバックオフが必要なステータス（429/5xx）。
	FetchStatusBackoff
	// FetchStatusUnknown は未知のステータスコード。
	FetchStatusUnknown
)

// ClassifyHTTPStatus はHTTPステータスコードをフェッチ結果に分類する。
func ClassifyHTTPStatus(statusCode int) FetchStatus {
	switch statusCode {
	case http.StatusOK:
		return FetchStatusOK
	case http.StatusNotModified:
		return FetchStatusNotModified
	case http.StatusNotFound, http.StatusGone, http.StatusUnauthorized, http.StatusForbidden:
		return FetchStatusStop
	case http.StatusTooManyRequests:
		return FetchStatusBackoff
	}
	if statusCode >= http.StatusInternalServerError {
		return FetchStatusBackoff
	}
	return FetchStatusUnknown
}

// FetchResult は1回のフェッチの結果。
// StatusがFetchStatusOKの場合のみEntriesとフィードメタデータが設定される。
type FetchResult struct {
	Status       FetchStatus
	HTTPStatus   int
	FeedTitle    string
	SiteURL      string
	ETag         string
	LastModified string
	Entries      []model.RawEntry
}

// Fetcher はソースフィードのHTTPフェッチとパースを行う。
// ETag/Last-Modifiedを使用した条件付きGET、SSRF検証、
// レスポンスサイズ制限、gofeedによるパースを実行する。
type Fetcher struct {
	ssrfGuard   SSRFValidator
	logger      *slog.Logger
	timeout     time.Duration
	maxBodySize int64
}

// NewFetcher はFetcherの新しいインスタンスを生成する。
func NewFetcher(ssrfGuard SSRFValidator, logger *slog.Logger, timeout time.Duration, maxBodySize int64) *Fetcher {
	return &Fetcher{ssrfGuard: ssrfGuard, logger: logger, timeout: timeout, maxBodySize: maxBodySize}
}

// Fetch はソースのフィードURLをフェッチし、分類済みの結果を返す。
// 保存済みのETag/Last-Modifiedがあれば条件付きGETを行う。
// SSRF検証失敗はErrBlockedURL、パース失敗はErrParseFailedでラップして返す。
func (f *Fetcher) Fetch(ctx context.Context, src *model.Source) (*FetchResult, error) {
	if err := f.ssrfGuard.ValidateURL(src.URL); err != nil {
		f.logger.Error("SSRF検証に失敗しました",
			slog.String("source_id", src.ID),
			slog.String("url", src.URL),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %v", ErrBlockedURL, err)
	}

	req, err := f.newRequest(ctx, src)
	if err != nil {
		return nil, err
	}

	resp, err := f.ssrfGuard.NewSafeClient(f.timeout, f.maxBodySize).Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	result := &FetchResult{
		Status:     ClassifyHTTPStatus(resp.StatusCode),
		HTTPStatus: resp.StatusCode,
	}

	// ボディを読んでパースするのは200のときだけ
	if result.Status != FetchStatusOK {
		return result, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	// 次回の条件付きGETに使うバリデータを持ち回す
	result.ETag = resp.Header.Get("ETag")
	result.LastModified = resp.Header.Get("Last-Modified")

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		f.logger.Error("フィードのパースに失敗しました",
			slog.String("source_id", src.ID),
			slog.String("url", src.URL),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %v", ErrParseFailed, err)
	}

	result.FeedTitle = feed.Title
	result.SiteURL = feed.Link
	result.Entries = rawEntries(feed.Items)

	return result, nil
}

// newRequest は条件付きGETヘッダー付きのGETリクエストを組み立てる。
func (f *Fetcher) newRequest(ctx context.Context, src *model.Source) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗しました: %w", err)
	}

	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", acceptableFeedTypes)
	if src.ETag != "" {
		req.Header.Set("If-None-Match", src.ETag)
	}
	if src.LastModified != "" {
		req.Header.Set("If-Modified-Since", src.LastModified)
	}

	return req, nil
}

// rawEntries はgofeedの記事一覧をmodel.RawEntryに変換する。
// フィード内の出現順をそのまま保持する。
func rawEntries(items []*gofeed.Item) []model.RawEntry {
	entries := make([]model.RawEntry, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		entries = append(entries, rawEntryFrom(item))
	}
	return entries
}

// rawEntryFrom は1件のgofeed記事を正規化する。
// 本文が空ならDescriptionで補い、LinkがなければURL形式のGUIDで代用する。
func rawEntryFrom(item *gofeed.Item) model.RawEntry {
	entry := model.RawEntry{
		GUID:        item.GUID,
		Title:       item.Title,
		Link:        item.Link,
		Content:     item.Content,
		PublishedAt: entryPublishedAt(item),
	}
	if entry.Content == "" {
		entry.Content = item.Description
	}
	if entry.Link == "" && isHTTPURL(entry.GUID) {
		entry.Link = entry.GUID
	}
	return entry
}

// entryPublishedAt は記事の公開日時を返す。なければ更新日時で代用する。
func entryPublishedAt(item *gofeed.Item) *time.Time {
	if item.PublishedParsed != nil {
		t := *item.PublishedParsed
		return &t
	}
	if item.UpdatedParsed != nil {
		t := *item.UpdatedParsed
		return &t
	}
	return nil
}

// isHTTPURL はhttp(s)スキームのURLらしい文字列か判定する。
func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
