// Package feed はフィードの自動検出とfavicon取得を提供する。
// ソース登録時に、入力されたURLからポーリング対象のフィードURLを確定する。
package feed

import (
	"bytes"
	"context"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/hitoshi/autopress/internal/model"
)

const (
	// detectTimeout は検出リクエスト1回のタイムアウト。
	detectTimeout = 10 * time.Second
	// detectMaxBodySize は検出時に読み込むレスポンスの上限（5MB）。
	detectMaxBodySize = 5 * 1024 * 1024
)

// SSRFValidator はSSRF検証のインターフェース。
// security.SSRFGuardServiceを抽象化してテスタビリティを向上させる。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// Detector はURLからRSS/AtomフィードのURLを特定する。
type Detector struct {
	ssrfGuard SSRFValidator
}

// NewDetector はDetectorの新しいインスタンスを生成する。
func NewDetector(ssrfGuard SSRFValidator) *Detector {
	return &Detector{ssrfGuard: ssrfGuard}
}

// feedKind はフィード候補の種別。
type feedKind string

const (
	kindRSS  feedKind = "rss"
	kindAtom feedKind = "atom"
)

// feedCandidate はHTMLのlink要素から検出されたフィード候補。
type feedCandidate struct {
	url   string
	kind  feedKind
	title string
}

// DetectFeedURL は入力URLを取得し、ポーリング対象のフィードURLを確定する。
//
//  1. SSRF検証（失敗時はSSRFBlockedエラー）
//  2. レスポンスがRSS/Atomそのものなら入力URLを返す
//  3. HTMLならlink rel="alternate"からフィード候補を抽出し、
//     同一ホスト > Atom > 出現順 の優先順位で1つ選ぶ
//  4. どちらでもなければFeedNotDetectedエラー
func (d *Detector) DetectFeedURL(ctx context.Context, inputURL string) (string, error) {
	if inputURL == "" {
		return "", model.NewInvalidURLError("URLが入力されていません")
	}

	if d.ssrfGuard != nil {
		if err := d.ssrfGuard.ValidateURL(inputURL); err != nil {
			return "", model.NewSSRFBlockedError()
		}
	}

	contentType, body, err := d.get(ctx, inputURL)
	if err != nil {
		return "", err
	}

	if looksLikeFeed(contentType, body) {
		return inputURL, nil
	}

	mediaType, _, _ := mime.ParseMediaType(contentType)
	if !strings.Contains(strings.ToLower(mediaType), "html") {
		return "", model.NewFeedNotDetectedError(inputURL)
	}

	base, err := url.Parse(inputURL)
	if err != nil {
		return "", model.NewInvalidURLError(err.Error())
	}

	candidates := feedLinks(body, base)
	if len(candidates) == 0 {
		return "", model.NewFeedNotDetectedError(inputURL)
	}

	return pickFeed(candidates, base.Hostname()).url, nil
}

// get は検出対象URLを取得し、Content-Typeとボディを返す。
func (d *Detector) get(ctx context.Context, rawURL string) (string, []byte, error) {
	var client *http.Client
	if d.ssrfGuard != nil {
		client = d.ssrfGuard.NewSafeClient(detectTimeout, detectMaxBodySize)
	} else {
		client = &http.Client{Timeout: detectTimeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", nil, model.NewInvalidURLError(err.Error())
	}
	req.Header.Set("User-Agent", "Autopress/1.0 Feed Collector")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, text/html, */*")

	resp, err := client.Do(req)
	if err != nil {
		return "", nil, model.NewFetchFailedError(err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, detectMaxBodySize))
	if err != nil {
		return "", nil, model.NewFetchFailedError(err.Error())
	}

	return resp.Header.Get("Content-Type"), body, nil
}

// looksLikeFeed はContent-Typeとボディからレスポンスがフィードそのものかを判定する。
// RSS/Atom固有のContent-Typeは即フィード、汎用XMLはボディの先頭を調べて判定する。
func looksLikeFeed(contentType string, body []byte) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}

	switch strings.ToLower(mediaType) {
	case "application/rss+xml", "application/atom+xml":
		return true
	case "text/xml", "application/xml":
		return sniffXMLFeed(body)
	default:
		return false
	}
}

// sniffXMLFeed はXMLボディの先頭4KBを調べてRSS/Atomのルート要素を探す。
// XMLプロローグとルート要素の開始タグが収まるには4KBで十分。
func sniffXMLFeed(body []byte) bool {
	if len(body) == 0 {
		return false
	}

	window := body
	if len(window) > 4096 {
		window = window[:4096]
	}
	head := strings.ToLower(string(window))

	switch {
	case strings.Contains(head, "<rss"):
		return true
	case strings.Contains(head, "<rdf:rdf"): // RSS 1.0
		return true
	case strings.Contains(head, "<feed") && strings.Contains(head, "http://www.w3.org/2005/atom"):
		return true
	}
	return false
}

// feedLinks はHTMLのhead内から rel="alternate" のRSS/Atomリンクを抽出する。
// 相対URLはbaseを基準に解決する。html.Parseは壊れたマークアップでも
// link要素をhead配下に正規化するため、閉じタグ欠落のページも扱える。
func feedLinks(htmlBody []byte, base *url.URL) []feedCandidate {
	doc, err := html.Parse(bytes.NewReader(htmlBody))
	if err != nil {
		return nil
	}

	head := findElement(doc, "head")
	if head == nil {
		return nil
	}

	var candidates []feedCandidate
	for n := head.FirstChild; n != nil; n = n.NextSibling {
		if n.Type != html.ElementNode || n.Data != "link" {
			continue
		}

		var rel, linkType, href, title string
		for _, attr := range n.Attr {
			switch strings.ToLower(attr.Key) {
			case "rel":
				rel = strings.ToLower(attr.Val)
			case "type":
				linkType = strings.ToLower(attr.Val)
			case "href":
				href = attr.Val
			case "title":
				title = attr.Val
			}
		}

		if rel != "alternate" || href == "" {
			continue
		}

		var kind feedKind
		switch linkType {
		case "application/rss+xml":
			kind = kindRSS
		case "application/atom+xml":
			kind = kindAtom
		default:
			continue
		}

		ref, err := url.Parse(href)
		if err != nil {
			continue
		}

		candidates = append(candidates, feedCandidate{
			url:   base.ResolveReference(ref).String(),
			kind:  kind,
			title: title,
		})
	}

	return candidates
}

// findElement はノード木から指定タグの最初の要素を深さ優先で探す。
func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}

// pickFeed は候補から1つを選ぶ。優先順位は
// 同一ホストのAtom > 同一ホストのRSS > Atom > 先頭 で、
// 同順位の場合はHTML内の出現順が早いものを採る。
// 呼び出し側でlen(candidates) > 0を保証すること。
func pickFeed(candidates []feedCandidate, inputHost string) feedCandidate {
	inputHost = strings.ToLower(inputHost)
	sameHost := func(c feedCandidate) bool {
		u, err := url.Parse(c.url)
		if err != nil {
			return false
		}
		return strings.ToLower(u.Hostname()) == inputHost
	}

	rules := []func(feedCandidate) bool{
		func(c feedCandidate) bool { return sameHost(c) && c.kind == kindAtom },
		func(c feedCandidate) bool { return sameHost(c) },
		func(c feedCandidate) bool { return c.kind == kindAtom },
	}
	for _, match := range rules {
		for _, c := range candidates {
			if match(c) {
				return c
			}
		}
	}

	return candidates[0]
}
