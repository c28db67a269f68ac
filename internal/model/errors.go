// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// 管理APIに返す原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, source, upstream, generation, system
	Action   string // 利用者向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeSourceNotFound   = "SOURCE_NOT_FOUND"
	ErrCodeDuplicateSource  = "DUPLICATE_SOURCE"
	ErrCodeItemNotFound     = "ITEM_NOT_FOUND"
	ErrCodeArticleNotFound  = "ARTICLE_NOT_FOUND"
	ErrCodeInvalidURL       = "INVALID_URL"
	ErrCodeSSRFBlocked      = "SSRF_BLOCKED"
	ErrCodeFeedNotDetected  = "FEED_NOT_DETECTED"
	ErrCodeFetchFailed      = "FETCH_FAILED"
	ErrCodeParseFailed      = "PARSE_FAILED"
	ErrCodeGenerationFailed = "GENERATION_FAILED"
	ErrCodeInvalidItemState = "INVALID_ITEM_STATE"
	ErrCodeInvalidStatus    = "INVALID_STATUS_FILTER"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// エラーの原因カテゴリ。レスポンスのcategoryフィールドに載せる。
const (
	categoryAuth       = "auth"
	categoryValidation = "validation"
	categorySource     = "source"
	categoryUpstream   = "upstream"
	categoryGeneration = "generation"
	categorySystem     = "system"
)

// apiError は各コンストラクタ共通の組み立て処理。
func apiError(code, category, message, action string) *APIError {
	return &APIError{Code: code, Message: message, Category: category, Action: action}
}

// NewUnauthorizedError は認証失敗エラーを生成する。
func NewUnauthorizedError() *APIError {
	return apiError(ErrCodeUnauthorized, categoryAuth,
		"認証に失敗しました。",
		"Authorizationヘッダーに正しい管理トークンをBearer形式で指定してください。")
}

// NewSourceNotFoundError はソース未検出エラーを生成する。
func NewSourceNotFoundError(sourceID string) *APIError {
	return apiError(ErrCodeSourceNotFound, categorySource,
		fmt.Sprintf("指定されたソースが見つかりません: %s", sourceID),
		"ソースIDを確認してください。")
}

// NewDuplicateSourceError はソース重複エラーを生成する。
func NewDuplicateSourceError(url string) *APIError {
	return apiError(ErrCodeDuplicateSource, categoryValidation,
		fmt.Sprintf("このフィードURLは既に登録されています: %s", url),
		"登録済みのソース一覧を確認してください。")
}

// NewItemNotFoundError はアイテム未検出エラーを生成する。
func NewItemNotFoundError(itemID string) *APIError {
	return apiError(ErrCodeItemNotFound, categorySource,
		fmt.Sprintf("指定されたアイテムが見つかりません: %s", itemID),
		"アイテムIDを確認してください。")
}

// NewArticleNotFoundError は記事未検出エラーを生成する。
func NewArticleNotFoundError(articleID string) *APIError {
	return apiError(ErrCodeArticleNotFound, categorySource,
		fmt.Sprintf("指定された記事が見つかりません: %s", articleID),
		"記事IDを確認してください。")
}

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return apiError(ErrCodeInvalidURL, categoryValidation,
		fmt.Sprintf("無効なURLです: %s", reason),
		"http:// または https:// で始まる正しいURLを指定してください。")
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return apiError(ErrCodeSSRFBlocked, categoryValidation,
		"セキュリティポリシーにより指定されたURLへのアクセスを拒否しました。",
		"ローカルネットワークやプライベートIPを指すURLは登録できません。公開されているサイトのURLを指定してください。")
}

// NewFeedNotDetectedError はフィード未検出エラーを生成する。
func NewFeedNotDetectedError(url string) *APIError {
	return apiError(ErrCodeFeedNotDetected, categorySource,
		fmt.Sprintf("指定されたURLからRSS/Atomフィードを検出できませんでした: %s", url),
		"フィードURLを直接指定するか、ページにフィードへのlink要素があるか確認してください。")
}

// NewFetchFailedError はフェッチ失敗エラーを生成する。
func NewFetchFailedError(reason string) *APIError {
	return apiError(ErrCodeFetchFailed, categoryUpstream,
		fmt.Sprintf("URLの取得に失敗しました: %s", reason),
		"接続先の稼働状況を確認し、時間をおいて再度お試しください。")
}

// NewParseFailedError はパース失敗エラーを生成する。
func NewParseFailedError() *APIError {
	return apiError(ErrCodeParseFailed, categoryUpstream,
		"フィードの解析に失敗しました。",
		"URLが返す内容が有効なRSS/Atomフィードか確認してください。")
}

// NewGenerationFailedError は記事生成失敗エラーを生成する。
func NewGenerationFailedError(reason string) *APIError {
	return apiError(ErrCodeGenerationFailed, categoryGeneration,
		fmt.Sprintf("記事の生成に失敗しました: %s", reason),
		"生成バックエンドの稼働状況を確認し、しばらく待ってから再度お試しください。")
}

// NewInvalidItemStateError はアイテムが操作対象の状態でない場合のエラーを生成する。
func NewInvalidItemStateError(current ItemStatus) *APIError {
	return apiError(ErrCodeInvalidItemState, categoryValidation,
		fmt.Sprintf("アイテムの現在の状態ではこの操作を実行できません: %s", current),
		"アイテムの状態を確認してください。再投入はpendingまたはfailed、スキップは未完了のアイテムに対してのみ実行できます。")
}

// NewInvalidStatusFilterError は無効な状態フィルタエラーを生成する。
func NewInvalidStatusFilterError(status string) *APIError {
	return apiError(ErrCodeInvalidStatus, categoryValidation,
		fmt.Sprintf("無効な状態フィルタです: %s", status),
		"状態には new、pending、processed、failed のいずれかを指定してください。")
}

// NewRateLimitError はレート制限超過エラーを生成する。
func NewRateLimitError() *APIError {
	return apiError(ErrCodeRateLimited, categorySystem,
		"リクエストが多すぎます。",
		"Retry-Afterヘッダーの秒数だけ待ってから再度お試しください。")
}

// NewInternalError は詳細を伏せた内部エラーを生成する。
// 原因はレスポンスに載せず、呼び出し側がログに残す。
func NewInternalError() *APIError {
	return apiError(ErrCodeInternal, categorySystem,
		"内部エラーが発生しました。",
		"しばらく待ってから再度お試しください。")
}
