// Package handler は管理APIのHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/autopress/internal/model"
	"github.com/hitoshi/autopress/internal/repository"
	"github.com/hitoshi/autopress/internal/source"
)

// SourceServiceInterface はソースハンドラーが必要とするサービスインターフェース。
type SourceServiceInterface interface {
	// CreateSource はURLからフィードを検出しソースとして登録する。
	CreateSource(ctx context.Context, name string, inputURL string, config map[string]any) (*model.Source, error)
	// GetSource はソース情報を取得する。
	GetSource(ctx context.Context, sourceID string) (*model.Source, error)
	// ListSources は全ソースをアイテム状態別の件数付きで返す。
	ListSources(ctx context.Context) ([]repository.SourceWithStats, error)
	// UpdateSource はソースの名前・URL・設定を更新する。
	UpdateSource(ctx context.Context, sourceID string, params source.UpdateSourceParams) (*model.Source, error)
	// DeleteSource はソースを削除する。
	DeleteSource(ctx context.Context, sourceID string) error
}

// PollRunner は手動ポーリング実行のインターフェース。
type PollRunner interface {
	// PollSource は指定ソースのポーリングを1回実行し、集計結果を返す。
	PollSource(ctx context.Context, sourceID string) (model.PollSummary, error)
}

// SourceHandler はソース管理のHTTPハンドラー。
type SourceHandler struct {
	service    SourceServiceInterface
	pollRunner PollRunner
}

// NewSourceHandler はSourceHandlerを生成する。
func NewSourceHandler(service SourceServiceInterface, pollRunner PollRunner) *SourceHandler {
	return &SourceHandler{
		service:    service,
		pollRunner: pollRunner,
	}
}

// createSourceRequest はソース登録リクエストのボディ。
type createSourceRequest struct {
	Name   string         `json:"name"`
	URL    string         `json:"url"`
	Config map[string]any `json:"config"`
}

// updateSourceRequest はソース更新リクエストのボディ。
// nilのフィールドは変更しない。configは与えられた場合に丸ごと置き換える。
type updateSourceRequest struct {
	Name   *string        `json:"name"`
	URL    *string        `json:"url"`
	Config map[string]any `json:"config"`
}

// sourceResponse はソース情報のAPIレスポンス。
type sourceResponse struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	URL          string         `json:"url"`
	Config       map[string]any `json:"config"`
	LastFetchAt  *time.Time     `json:"last_fetch_at,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	FailureCount int            `json:"failure_count"`
	NextPollAt   time.Time      `json:"next_poll_at"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// sourceWithStatsResponse はアイテム状態別件数付きのソースレスポンス。
type sourceWithStatsResponse struct {
	sourceResponse
	ItemCount      int `json:"item_count"`
	PendingCount   int `json:"pending_count"`
	ProcessedCount int `json:"processed_count"`
	FailedCount    int `json:"failed_count"`
}

// sourceListResponse はソース一覧のレスポンス。
type sourceListResponse struct {
	Sources []sourceWithStatsResponse `json:"sources"`
}

// pollSummaryResponse は手動ポーリング実行結果のレスポンス。
type pollSummaryResponse struct {
	SourceID    string `json:"source_id"`
	Fetched     int    `json:"fetched"`
	New         int    `json:"new"`
	Duplicate   int    `json:"duplicate"`
	Malformed   int    `json:"malformed"`
	Generated   int    `json:"generated"`
	Skipped     int    `json:"skipped"`
	Failed      int    `json:"failed"`
	Disabled    bool   `json:"disabled"`
	NotModified bool   `json:"not_modified"`
}

// apiErrorResponse は統一エラーフォーマットのレスポンス。
type apiErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// CreateSource はソース登録を処理する。
// POST /api/sources
func (h *SourceHandler) CreateSource(w http.ResponseWriter, r *http.Request) {
	var req createSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, newInvalidRequestBodyError())
		return
	}

	if req.URL == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidURLError("URLが空です"))
		return
	}

	src, err := h.service.CreateSource(r.Context(), req.Name, req.URL, req.Config)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toSourceResponse(src))
}

// ListSources はソース一覧を取得する。
// GET /api/sources
func (h *SourceHandler) ListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := h.service.ListSources(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := sourceListResponse{Sources: make([]sourceWithStatsResponse, 0, len(sources))}
	for i := range sources {
		resp.Sources = append(resp.Sources, toSourceWithStatsResponse(&sources[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetSource はソース詳細を取得する。
// GET /api/sources/{sourceID}
func (h *SourceHandler) GetSource(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceID")

	src, err := h.service.GetSource(r.Context(), sourceID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toSourceResponse(src))
}

// UpdateSource はソースの名前・URL・設定を更新する。
// PATCH /api/sources/{sourceID}
func (h *SourceHandler) UpdateSource(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceID")

	var req updateSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, newInvalidRequestBodyError())
		return
	}

	src, err := h.service.UpdateSource(r.Context(), sourceID, source.UpdateSourceParams{
		Name:   req.Name,
		URL:    req.URL,
		Config: req.Config,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toSourceResponse(src))
}

// DeleteSource はソースを削除する。
// DELETE /api/sources/{sourceID}
func (h *SourceHandler) DeleteSource(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceID")

	if err := h.service.DeleteSource(r.Context(), sourceID); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// PollSource は指定ソースのポーリングを即時実行する。
// POST /api/sources/{sourceID}/poll
func (h *SourceHandler) PollSource(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceID")

	summary, err := h.pollRunner.PollSource(r.Context(), sourceID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toPollSummaryResponse(summary))
}

// --- ヘルパー関数 ---

// writeJSON はレスポンスをJSONで書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// toSourceResponse はmodel.SourceからAPIレスポンスに変換する。
func toSourceResponse(src *model.Source) sourceResponse {
	config := src.Config
	if config == nil {
		config = map[string]any{}
	}
	return sourceResponse{
		ID:           src.ID,
		Name:         src.Name,
		Type:         string(src.Type),
		URL:          src.URL,
		Config:       config,
		LastFetchAt:  src.LastFetchAt,
		LastError:    src.LastError,
		FailureCount: src.FailureCount,
		NextPollAt:   src.NextPollAt,
		CreatedAt:    src.CreatedAt,
		UpdatedAt:    src.UpdatedAt,
	}
}

// toSourceWithStatsResponse はSourceWithStatsからAPIレスポンスに変換する。
func toSourceWithStatsResponse(sws *repository.SourceWithStats) sourceWithStatsResponse {
	return sourceWithStatsResponse{
		sourceResponse: toSourceResponse(&sws.Source),
		ItemCount:      sws.ItemCount,
		PendingCount:   sws.PendingCount,
		ProcessedCount: sws.ProcessedCount,
		FailedCount:    sws.FailedCount,
	}
}

// toPollSummaryResponse はmodel.PollSummaryからAPIレスポンスに変換する。
func toPollSummaryResponse(s model.PollSummary) pollSummaryResponse {
	return pollSummaryResponse{
		SourceID:    s.SourceID,
		Fetched:     s.Fetched,
		New:         s.New,
		Duplicate:   s.Duplicate,
		Malformed:   s.Malformed,
		Generated:   s.Generated,
		Skipped:     s.Skipped,
		Failed:      s.Failed,
		Disabled:    s.Disabled,
		NotModified: s.NotModified,
	}
}

// newInvalidRequestBodyError はリクエストボディ解析失敗のエラーを生成する。
func newInvalidRequestBodyError() *model.APIError {
	return &model.APIError{
		Code:     "INVALID_REQUEST",
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	writeJSON(w, statusCode, apiErrorResponse{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		statusCode := mapAPIErrorToHTTPStatus(apiErr)
		writeAPIErrorResponse(w, statusCode, apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAPIErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeSourceNotFound, model.ErrCodeItemNotFound, model.ErrCodeArticleNotFound:
		return http.StatusNotFound
	case model.ErrCodeInvalidURL, model.ErrCodeInvalidStatus, "INVALID_REQUEST":
		return http.StatusBadRequest
	case model.ErrCodeSSRFBlocked:
		return http.StatusForbidden
	case model.ErrCodeDuplicateSource, model.ErrCodeInvalidItemState:
		return http.StatusConflict
	case model.ErrCodeFeedNotDetected, model.ErrCodeParseFailed:
		return http.StatusUnprocessableEntity
	case model.ErrCodeFetchFailed, model.ErrCodeGenerationFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
