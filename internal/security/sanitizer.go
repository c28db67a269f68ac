package security

import (
	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService はフィード由来HTMLの無害化を定義する。
// アイテム本文はサニタイズ済みの形でのみ保存される。
type ContentSanitizerService interface {
	// Sanitize は許可リストに基づいてHTMLを無害化する。
	// 空文字列には空文字列を返し、同一入力には常に同一出力を返す。
	Sanitize(rawHTML string) string
}

// allowedContentTags はフィード本文で意味を持つ基本タグ。
// 見出しやdiv等のレイアウトタグは通さず、テキストだけを残す。
var allowedContentTags = []string{
	"p", "br", "ul", "ol", "li",
	"blockquote", "pre", "code",
	"strong", "em",
}

// contentSanitizer はbluemondayポリシーによるContentSanitizerServiceの実装。
// Policyは並行利用に安全で、プロセス全体で1つを共有できる。
type contentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
//
// ポリシーは許可リスト方式で、以下だけを通す。
//   - テキスト系タグ: allowedContentTags
//   - aタグ: href属性（httpsの絶対URLのみ）
//   - imgタグ: src属性（httpsの絶対URLのみ）とalt属性
//
// script/iframe/style、on*イベント属性、style属性は許可リスト外として
// すべて除去される。
func NewContentSanitizer() *contentSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(allowedContentTags...)

	p.AllowAttrs("href").OnElements("a")
	p.AllowAttrs("src", "alt").OnElements("img")

	// URL属性はhttpsの絶対URLに限定する。httpの画像は混在コンテンツに
	// なるため通さない。
	p.AllowURLSchemes("https")
	p.AllowRelativeURLs(false)

	// リンクは別タブで開かせ、リファラとopenerを渡さない
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &contentSanitizer{policy: p}
}

// Sanitize はHTMLを無害化して返す。
func (s *contentSanitizer) Sanitize(rawHTML string) string {
	return s.policy.Sanitize(rawHTML)
}

var _ ContentSanitizerService = (*contentSanitizer)(nil)
