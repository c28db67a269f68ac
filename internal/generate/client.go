// Package generate は取り込んだフィードアイテムからの記事下書き生成を提供する。
// OpenAI互換のchat completions APIを呼び出し、Markdown形式の下書きを得る。
package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/hitoshi/autopress/internal/model"
)

const (
	// defaultBaseURL はOpenAI互換APIの既定ベースURL。
	defaultBaseURL = "https://api.openai.com/v1"
	// defaultModel は既定の生成モデル名。
	defaultModel = "gpt-4o-mini"
	// defaultRPS は1秒あたりの最大リクエスト数の既定値。
	defaultRPS = 1.0

	// rejectionMarker はモデルが記事化不適と判定したときの応答マーカー。
	rejectionMarker = "CONTENT_UNSUITABLE"

	// maxPromptContentRunes はプロンプトに含める本文の文字数上限。
	maxPromptContentRunes = 4000
	// maxTitleRunes は下書きタイトルの文字数上限。
	maxTitleRunes = 512
	// maxCompletionTokens は1回の生成で要求する最大トークン数。
	maxCompletionTokens = 2048
)

// ErrContentRejected は生成モデルがコンテンツを記事化不適と判定したことを表す。
// 恒久的な判定であり、同じアイテムで再試行しても結果は変わらない。
var ErrContentRejected = errors.New("コンテンツが記事生成の対象外と判定されました")

// Draft は生成された記事の下書きを表す。
type Draft struct {
	Title        string
	BodyMarkdown string
	Model        string
}

// Generator は記事下書き生成機能のインターフェースを定義する。
// ErrContentRejectedを返した場合は恒久スキップ、それ以外のエラーは
// 再試行可能な失敗として扱われる。
type Generator interface {
	Generate(ctx context.Context, item *model.FeedItem) (*Draft, error)
}

// Config はClientの接続設定。
type Config struct {
	BaseURL string // 未設定時はOpenAIの既定エンドポイント
	APIKey  string
	Model   string  // 未設定時はdefaultModel
	RPS     float64 // 1秒あたりの最大リクエスト数。未設定時は1
}

// Client はOpenAI互換chat completions APIのクライアント。
// タイムアウトは注入されるhttp.Client側で設定する。
// 連続呼び出しはレートリミッタで平準化される。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	limiter    *rate.Limiter
	baseURL    string // テスト用にエンドポイントを差し替え可能
	apiKey     string
	model      string
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger, cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	modelName := cfg.Model
	if modelName == "" {
		modelName = defaultModel
	}
	rps := cfg.RPS
	if rps <= 0 {
		rps = defaultRPS
	}

	return &Client{
		httpClient: httpClient,
		logger:     logger,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      modelName,
	}
}

// compile-time interface check
var _ Generator = (*Client)(nil)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

// systemPrompt は記事生成の編集方針を指示するシステムプロンプト。
// 記事化に適さない入力には本文ではなくマーカーのみを返すよう指示し、
// クライアント側で恒久スキップとして判別できるようにする。
const systemPrompt = `あなたは技術ブログの編集者です。与えられたフィードエントリをもとに、日本語の解説記事をMarkdown形式で作成してください。

制約:
- 1行目は「# 」で始まる記事タイトルにする
- エントリの内容に忠実に書き、推測は推測と明示する
- 広告のみのエントリなど記事化に適さない場合は、本文を書かずに ` + rejectionMarker + ` とだけ回答する`

// Generate はフィードアイテムから記事下書きを生成する。
// モデルが記事化不適と判定した場合はErrContentRejectedを返す。
// それ以外の失敗（タイムアウト、レート制限、サーバエラー）は
// 再試行可能なエラーとして返す。
func (c *Client) Generate(ctx context.Context, item *model.FeedItem) (*Draft, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("レートリミッタの待機に失敗しました: %w", err)
	}

	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildUserPrompt(item)},
		},
		Temperature: 0.7,
		MaxTokens:   maxCompletionTokens,
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("リクエストJSONの生成に失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Autopress/1.0 Article Generator")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("生成APIの呼び出しに失敗しました",
			slog.String("item_id", item.ID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("生成APIの呼び出しに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("生成APIがエラーステータスを返しました",
			slog.String("item_id", item.ID),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, fmt.Errorf("生成APIがステータス %d を返しました", resp.StatusCode)
	}

	var result chatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("生成APIのレスポンスにchoicesが含まれていません")
	}

	choice := result.Choices[0]
	if choice.FinishReason == "content_filter" {
		return nil, ErrContentRejected
	}

	content := strings.TrimSpace(choice.Message.Content)
	if content == "" {
		return nil, fmt.Errorf("生成APIが空のコンテンツを返しました")
	}
	if strings.HasPrefix(content, rejectionMarker) {
		return nil, ErrContentRejected
	}

	title, markdown := extractTitle(content, item.Title)

	return &Draft{
		Title:        truncateRunes(title, maxTitleRunes),
		BodyMarkdown: markdown,
		Model:        c.model,
	}, nil
}

// buildUserPrompt はフィードアイテムからユーザープロンプトを構築する。
// 本文は文字数上限で切り詰めてトークン消費を抑える。
func buildUserPrompt(item *model.FeedItem) string {
	content := truncateRunes(item.Content, maxPromptContentRunes)

	var b strings.Builder
	b.WriteString("タイトル: ")
	b.WriteString(item.Title)
	b.WriteString("\n")
	if item.URL != "" {
		b.WriteString("URL: ")
		b.WriteString(item.URL)
		b.WriteString("\n")
	}
	b.WriteString("\n本文:\n")
	b.WriteString(content)
	return b.String()
}

// extractTitle は生成結果の先頭H1見出しをタイトルとして抽出する。
// 見出しがない場合はフォールバックを使い、本文は丸ごと残す。
func extractTitle(markdown, fallback string) (string, string) {
	if strings.HasPrefix(markdown, "# ") {
		line, rest, _ := strings.Cut(markdown, "\n")
		title := strings.TrimSpace(strings.TrimPrefix(line, "# "))
		if title != "" {
			return title, strings.TrimSpace(rest)
		}
	}
	return fallback, markdown
}

// truncateRunes は文字数上限を超える文字列を切り詰める。
func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
