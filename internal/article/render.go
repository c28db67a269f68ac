// Package article は生成済み記事のレンダリングと参照機能を提供する。
package article

import (
	"bytes"
	"fmt"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
)

// Renderer はMarkdownからHTMLへの変換機能のインターフェースを定義する。
// 出力はサニタイズ済みで、そのまま配信できる。
type Renderer interface {
	Render(markdown string) (string, error)
}

// markdownRenderer はgoldmarkとbluemondayによるRendererの実装。
// goldmarkは既定で生HTMLブロックを出力しないため、bluemondayは
// 変換後の最終的な安全網として機能する。
type markdownRenderer struct {
	md     goldmark.Markdown
	policy *bluemonday.Policy
}

// NewMarkdownRenderer はRendererの新しいインスタンスを生成する。
// GFM拡張と見出しID自動付与を有効にする。
func NewMarkdownRenderer() Renderer {
	md := goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
		goldmark.WithRendererOptions(
			html.WithHardWraps(),
			html.WithXHTML(),
		),
	)

	policy := bluemonday.UGCPolicy()
	policy.AllowImages()
	policy.AddTargetBlankToFullyQualifiedLinks(true)
	policy.RequireNoReferrerOnLinks(true)

	return &markdownRenderer{
		md:     md,
		policy: policy,
	}
}

// Render はMarkdownをサニタイズ済みHTMLに変換する。
func (r *markdownRenderer) Render(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("Markdownの変換に失敗しました: %w", err)
	}
	return string(r.policy.SanitizeBytes(buf.Bytes())), nil
}

// compile-time interface check
var _ Renderer = (*markdownRenderer)(nil)
