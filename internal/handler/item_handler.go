package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/autopress/internal/model"
)

// ItemServiceInterface はアイテムハンドラーが必要とするサービスインターフェース。
type ItemServiceInterface interface {
	// GetItem はアイテム詳細を返す。
	GetItem(ctx context.Context, itemID string) (*model.FeedItem, error)
	// ListBySource はソースのアイテム一覧をフィルタ・ページネーション付きで返す。
	ListBySource(ctx context.Context, sourceID, status string, limit, offset int) ([]*model.FeedItem, error)
	// Requeue はpending/failedのアイテムを再投入する。
	Requeue(ctx context.Context, itemID string) (*model.FeedItem, error)
	// Skip はアイテムを恒久スキップする。
	Skip(ctx context.Context, itemID string) (*model.FeedItem, error)
}

// ItemHandler はフィードアイテム管理のHTTPハンドラー。
type ItemHandler struct {
	service ItemServiceInterface
}

// NewItemHandler はItemHandlerを生成する。
func NewItemHandler(service ItemServiceInterface) *ItemHandler {
	return &ItemHandler{service: service}
}

// --- レスポンス型 ---

// itemSummaryResponse はアイテム一覧のサマリーレスポンス。
type itemSummaryResponse struct {
	ID          string     `json:"id"`
	SourceID    string     `json:"source_id"`
	NaturalKey  string     `json:"natural_key"`
	Title       string     `json:"title"`
	URL         string     `json:"url"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Status      string     `json:"status"`
	Disposition string     `json:"disposition,omitempty"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	ArticleID   *string    `json:"article_id,omitempty"`
	FetchedAt   time.Time  `json:"fetched_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// itemListResponse はアイテム一覧のレスポンス。
type itemListResponse struct {
	Items []itemSummaryResponse `json:"items"`
}

// itemDetailResponse はアイテム詳細のレスポンス。
type itemDetailResponse struct {
	itemSummaryResponse
	Content string `json:"content"` // サニタイズ済みHTML
}

// ListSourceItems はソースのアイテム一覧を取得する。
// GET /api/sources/{sourceID}/items?status=new|pending|processed|failed&limit=&offset=
func (h *ItemHandler) ListSourceItems(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceID")
	status := r.URL.Query().Get("status")
	limit := parseIntQuery(r, "limit")
	offset := parseIntQuery(r, "offset")

	items, err := h.service.ListBySource(r.Context(), sourceID, status, limit, offset)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := itemListResponse{Items: make([]itemSummaryResponse, 0, len(items))}
	for _, item := range items {
		resp.Items = append(resp.Items, toItemSummaryResponse(item))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetItem はアイテム詳細を取得する。
// GET /api/items/{itemID}
func (h *ItemHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")

	item, err := h.service.GetItem(r.Context(), itemID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, itemDetailResponse{
		itemSummaryResponse: toItemSummaryResponse(item),
		Content:             item.Content,
	})
}

// RequeueItem は失敗・保留中のアイテムを生成キューへ再投入する。
// POST /api/items/{itemID}/requeue
func (h *ItemHandler) RequeueItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")

	item, err := h.service.Requeue(r.Context(), itemID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toItemSummaryResponse(item))
}

// SkipItem はアイテムを生成対象から恒久的に除外する。
// POST /api/items/{itemID}/skip
func (h *ItemHandler) SkipItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")

	item, err := h.service.Skip(r.Context(), itemID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toItemSummaryResponse(item))
}

// --- ヘルパー関数 ---

// toItemSummaryResponse はmodel.FeedItemからAPIレスポンスに変換する。
func toItemSummaryResponse(item *model.FeedItem) itemSummaryResponse {
	return itemSummaryResponse{
		ID:          item.ID,
		SourceID:    item.SourceID,
		NaturalKey:  item.NaturalKey,
		Title:       item.Title,
		URL:         item.URL,
		PublishedAt: item.PublishedAt,
		Status:      string(item.Status),
		Disposition: string(item.Disposition),
		Attempts:    item.Attempts,
		LastError:   item.LastError,
		ArticleID:   item.ArticleID,
		FetchedAt:   item.FetchedAt,
		ProcessedAt: item.ProcessedAt,
	}
}

// parseIntQuery はクエリパラメータを整数として解析する。
// 未指定または解析不能な場合は0を返し、デフォルト値の適用はサービス層に委ねる。
func parseIntQuery(r *http.Request, key string) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
