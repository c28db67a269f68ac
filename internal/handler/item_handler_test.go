package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/autopress/internal/model"
)

// mockItemService はItemServiceInterfaceのモック実装。
// 未設定のフィールドが呼ばれた場合はゼロ値を返す。
type mockItemService struct {
	getItemFn      func(ctx context.Context, itemID string) (*model.FeedItem, error)
	listBySourceFn func(ctx context.Context, sourceID, status string, limit, offset int) ([]*model.FeedItem, error)
	requeueFn      func(ctx context.Context, itemID string) (*model.FeedItem, error)
	skipFn         func(ctx context.Context, itemID string) (*model.FeedItem, error)
}

func (m *mockItemService) GetItem(ctx context.Context, itemID string) (*model.FeedItem, error) {
	if m.getItemFn == nil {
		return nil, nil
	}
	return m.getItemFn(ctx, itemID)
}

func (m *mockItemService) ListBySource(ctx context.Context, sourceID, status string, limit, offset int) ([]*model.FeedItem, error) {
	if m.listBySourceFn == nil {
		return nil, nil
	}
	return m.listBySourceFn(ctx, sourceID, status, limit, offset)
}

func (m *mockItemService) Requeue(ctx context.Context, itemID string) (*model.FeedItem, error) {
	if m.requeueFn == nil {
		return nil, nil
	}
	return m.requeueFn(ctx, itemID)
}

func (m *mockItemService) Skip(ctx context.Context, itemID string) (*model.FeedItem, error) {
	if m.skipFn == nil {
		return nil, nil
	}
	return m.skipFn(ctx, itemID)
}

// testFeedItem はテスト用のアイテムを生成する。
func testFeedItem(id string, status model.ItemStatus) *model.FeedItem {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &model.FeedItem{
		ID:         id,
		SourceID:   "source-1",
		NaturalKey: "guid-" + id,
		Title:      "Example Item",
		Content:    "<p>content</p>",
		URL:        "https://example.com/entry/" + id,
		Status:     status,
		FetchedAt:  now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// serveItem はハンドラーメソッドを1リクエスト実行してレコーダーを返す。
// アイテム系のエンドポイントはchiのURLパラメータを1つだけ取る。
func serveItem(fn http.HandlerFunc, method, target, paramKey, paramVal string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	req = withChiURLParam(req, paramKey, paramVal)
	w := httptest.NewRecorder()
	fn(w, req)
	return w
}

// decodeItemBody はレスポンスボディをJSONオブジェクトとして読み取る。
func decodeItemBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return body
}

func TestItemHandler_ListSourceItems(t *testing.T) {
	svc := &mockItemService{
		listBySourceFn: func(_ context.Context, sourceID, _ string, _, _ int) ([]*model.FeedItem, error) {
			if sourceID != "source-1" {
				t.Errorf("sourceID = %q, want %q", sourceID, "source-1")
			}
			return []*model.FeedItem{
				testFeedItem("item-1", model.ItemStatusNew),
				testFeedItem("item-2", model.ItemStatusProcessed),
			}, nil
		},
	}
	h := NewItemHandler(svc)

	w := serveItem(h.ListSourceItems, http.MethodGet, "/api/sources/source-1/items", "sourceID", "source-1")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	body := decodeItemBody(t, w)
	items, ok := body["items"].([]any)
	if !ok {
		t.Fatalf("items is not an array: %T", body["items"])
	}
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(items))
	}

	first, ok := items[0].(map[string]any)
	if !ok {
		t.Fatalf("items[0] is not an object: %T", items[0])
	}
	if first["id"] != "item-1" {
		t.Errorf("items[0].id = %v, want %q", first["id"], "item-1")
	}
	if first["status"] != "new" {
		t.Errorf("items[0].status = %v, want %q", first["status"], "new")
	}

	// 一覧のサマリーには本文を含めない
	if _, ok := first["content"]; ok {
		t.Error("list response should not contain content field")
	}
}

func TestItemHandler_ListSourceItems_QueryParams(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		wantStatus string
		wantLimit  int
		wantOffset int
	}{
		{
			name:       "クエリパラメータをそのままサービスへ渡す",
			target:     "/api/sources/source-1/items?status=failed&limit=25&offset=50",
			wantStatus: "failed",
			wantLimit:  25,
			wantOffset: 50,
		},
		{
			name:   "未指定ならゼロ値でサービスに委ねる",
			target: "/api/sources/source-1/items",
		},
		{
			name:   "解析不能な値はゼロ値に落とす",
			target: "/api/sources/source-1/items?limit=many&offset=-",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotStatus string
			var gotLimit, gotOffset int
			svc := &mockItemService{
				listBySourceFn: func(_ context.Context, _, status string, limit, offset int) ([]*model.FeedItem, error) {
					gotStatus, gotLimit, gotOffset = status, limit, offset
					return nil, nil
				},
			}
			h := NewItemHandler(svc)

			serveItem(h.ListSourceItems, http.MethodGet, tt.target, "sourceID", "source-1")

			if gotStatus != tt.wantStatus {
				t.Errorf("status = %q, want %q", gotStatus, tt.wantStatus)
			}
			if gotLimit != tt.wantLimit {
				t.Errorf("limit = %d, want %d", gotLimit, tt.wantLimit)
			}
			if gotOffset != tt.wantOffset {
				t.Errorf("offset = %d, want %d", gotOffset, tt.wantOffset)
			}
		})
	}
}

func TestItemHandler_ListSourceItems_EmptyResultIsArray(t *testing.T) {
	h := NewItemHandler(&mockItemService{})

	w := serveItem(h.ListSourceItems, http.MethodGet, "/api/sources/source-1/items", "sourceID", "source-1")

	// nullではなく[]を返すこと
	var body map[string]json.RawMessage
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if string(body["items"]) != "[]" {
		t.Errorf("items = %s, want []", string(body["items"]))
	}
}

func TestItemHandler_GetItem(t *testing.T) {
	svc := &mockItemService{
		getItemFn: func(_ context.Context, itemID string) (*model.FeedItem, error) {
			if itemID != "item-1" {
				t.Errorf("itemID = %q, want %q", itemID, "item-1")
			}
			item := testFeedItem("item-1", model.ItemStatusProcessed)
			item.Disposition = model.DispositionGenerated
			articleID := "article-1"
			item.ArticleID = &articleID
			return item, nil
		},
	}
	h := NewItemHandler(svc)

	w := serveItem(h.GetItem, http.MethodGet, "/api/items/item-1", "itemID", "item-1")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	body := decodeItemBody(t, w)
	if body["id"] != "item-1" {
		t.Errorf("id = %v, want %q", body["id"], "item-1")
	}
	if body["disposition"] != "generated" {
		t.Errorf("disposition = %v, want %q", body["disposition"], "generated")
	}
	if body["article_id"] != "article-1" {
		t.Errorf("article_id = %v, want %q", body["article_id"], "article-1")
	}

	// 詳細にはサニタイズ済みHTMLの本文を含む
	if body["content"] != "<p>content</p>" {
		t.Errorf("content = %v, want %q", body["content"], "<p>content</p>")
	}
}

func TestItemHandler_RequeueItem(t *testing.T) {
	svc := &mockItemService{
		requeueFn: func(_ context.Context, itemID string) (*model.FeedItem, error) {
			if itemID != "item-1" {
				t.Errorf("itemID = %q, want %q", itemID, "item-1")
			}
			item := testFeedItem("item-1", model.ItemStatusPending)
			item.Attempts = 0
			return item, nil
		},
	}
	h := NewItemHandler(svc)

	w := serveItem(h.RequeueItem, http.MethodPost, "/api/items/item-1/requeue", "itemID", "item-1")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	body := decodeItemBody(t, w)
	if body["status"] != "pending" {
		t.Errorf("status = %v, want %q", body["status"], "pending")
	}
	// 再投入で試行回数はリセットされる
	if body["attempts"] != float64(0) {
		t.Errorf("attempts = %v, want 0", body["attempts"])
	}
}

func TestItemHandler_SkipItem(t *testing.T) {
	svc := &mockItemService{
		skipFn: func(_ context.Context, itemID string) (*model.FeedItem, error) {
			item := testFeedItem(itemID, model.ItemStatusProcessed)
			item.Disposition = model.DispositionSkipped
			now := time.Now()
			item.ProcessedAt = &now
			return item, nil
		},
	}
	h := NewItemHandler(svc)

	w := serveItem(h.SkipItem, http.MethodPost, "/api/items/item-1/skip", "itemID", "item-1")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	body := decodeItemBody(t, w)
	if body["status"] != "processed" {
		t.Errorf("status = %v, want %q", body["status"], "processed")
	}
	if body["disposition"] != "skipped" {
		t.Errorf("disposition = %v, want %q", body["disposition"], "skipped")
	}
	if _, ok := body["processed_at"]; !ok {
		t.Error("skip response should contain processed_at")
	}
}

// TestItemHandler_ServiceErrors はサービス層のエラーがHTTPステータスと
// エラーコードに正しく写像されることを全エンドポイント横断で検証する。
func TestItemHandler_ServiceErrors(t *testing.T) {
	tests := []struct {
		name       string
		mock       mockItemService
		endpoint   func(h *ItemHandler) http.HandlerFunc
		method     string
		target     string
		paramKey   string
		paramVal   string
		wantStatus int
		wantCode   string
	}{
		{
			name: "不正なステータスフィルタは400",
			mock: mockItemService{
				listBySourceFn: func(_ context.Context, _, status string, _, _ int) ([]*model.FeedItem, error) {
					return nil, model.NewInvalidStatusFilterError(status)
				},
			},
			endpoint:   func(h *ItemHandler) http.HandlerFunc { return h.ListSourceItems },
			method:     http.MethodGet,
			target:     "/api/sources/source-1/items?status=bogus",
			paramKey:   "sourceID",
			paramVal:   "source-1",
			wantStatus: http.StatusBadRequest,
			wantCode:   model.ErrCodeInvalidStatus,
		},
		{
			name: "存在しないソースの一覧は404",
			mock: mockItemService{
				listBySourceFn: func(_ context.Context, sourceID, _ string, _, _ int) ([]*model.FeedItem, error) {
					return nil, model.NewSourceNotFoundError(sourceID)
				},
			},
			endpoint:   func(h *ItemHandler) http.HandlerFunc { return h.ListSourceItems },
			method:     http.MethodGet,
			target:     "/api/sources/nonexistent/items",
			paramKey:   "sourceID",
			paramVal:   "nonexistent",
			wantStatus: http.StatusNotFound,
			wantCode:   model.ErrCodeSourceNotFound,
		},
		{
			name: "存在しないアイテムの取得は404",
			mock: mockItemService{
				getItemFn: func(_ context.Context, itemID string) (*model.FeedItem, error) {
					return nil, model.NewItemNotFoundError(itemID)
				},
			},
			endpoint:   func(h *ItemHandler) http.HandlerFunc { return h.GetItem },
			method:     http.MethodGet,
			target:     "/api/items/nonexistent",
			paramKey:   "itemID",
			paramVal:   "nonexistent",
			wantStatus: http.StatusNotFound,
			wantCode:   model.ErrCodeItemNotFound,
		},
		{
			name: "取得中の想定外エラーは500",
			mock: mockItemService{
				getItemFn: func(_ context.Context, _ string) (*model.FeedItem, error) {
					return nil, errors.New("database error")
				},
			},
			endpoint:   func(h *ItemHandler) http.HandlerFunc { return h.GetItem },
			method:     http.MethodGet,
			target:     "/api/items/item-1",
			paramKey:   "itemID",
			paramVal:   "item-1",
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
		},
		{
			name: "処理済みアイテムの再投入は409",
			mock: mockItemService{
				requeueFn: func(_ context.Context, _ string) (*model.FeedItem, error) {
					return nil, model.NewInvalidItemStateError(model.ItemStatusProcessed)
				},
			},
			endpoint:   func(h *ItemHandler) http.HandlerFunc { return h.RequeueItem },
			method:     http.MethodPost,
			target:     "/api/items/item-1/requeue",
			paramKey:   "itemID",
			paramVal:   "item-1",
			wantStatus: http.StatusConflict,
			wantCode:   model.ErrCodeInvalidItemState,
		},
		{
			name: "存在しないアイテムの再投入は404",
			mock: mockItemService{
				requeueFn: func(_ context.Context, itemID string) (*model.FeedItem, error) {
					return nil, model.NewItemNotFoundError(itemID)
				},
			},
			endpoint:   func(h *ItemHandler) http.HandlerFunc { return h.RequeueItem },
			method:     http.MethodPost,
			target:     "/api/items/nonexistent/requeue",
			paramKey:   "itemID",
			paramVal:   "nonexistent",
			wantStatus: http.StatusNotFound,
			wantCode:   model.ErrCodeItemNotFound,
		},
		{
			name: "処理済みアイテムのスキップは409",
			mock: mockItemService{
				skipFn: func(_ context.Context, _ string) (*model.FeedItem, error) {
					return nil, model.NewInvalidItemStateError(model.ItemStatusProcessed)
				},
			},
			endpoint:   func(h *ItemHandler) http.HandlerFunc { return h.SkipItem },
			method:     http.MethodPost,
			target:     "/api/items/item-1/skip",
			paramKey:   "itemID",
			paramVal:   "item-1",
			wantStatus: http.StatusConflict,
			wantCode:   model.ErrCodeInvalidItemState,
		},
		{
			name: "存在しないアイテムのスキップは404",
			mock: mockItemService{
				skipFn: func(_ context.Context, itemID string) (*model.FeedItem, error) {
					return nil, model.NewItemNotFoundError(itemID)
				},
			},
			endpoint:   func(h *ItemHandler) http.HandlerFunc { return h.SkipItem },
			method:     http.MethodPost,
			target:     "/api/items/nonexistent/skip",
			paramKey:   "itemID",
			paramVal:   "nonexistent",
			wantStatus: http.StatusNotFound,
			wantCode:   model.ErrCodeItemNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewItemHandler(&tt.mock)

			w := serveItem(tt.endpoint(h), tt.method, tt.target, tt.paramKey, tt.paramVal)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			errResp := parseAPIErrorResponse(t, w)
			if errResp["code"] != tt.wantCode {
				t.Errorf("code = %q, want %q", errResp["code"], tt.wantCode)
			}
		})
	}
}
