package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/autopress/internal/model"
)

// 記事一覧の1回の取得件数。
const (
	defaultArticlesPerPage = 50
	maxArticlesPerPage     = 200
)

// ArticleFinder は記事ハンドラーが必要とする参照系インターフェース。
// 記事の作成は生成ディスパッチ側がアイテム状態遷移と同一トランザクションで
// 行うため、ハンドラーには参照系のみを公開する。
type ArticleFinder interface {
	// FindByID は指定IDの記事を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Article, error)
	// List は記事一覧を作成日時降順で返す。
	List(ctx context.Context, limit, offset int) ([]*model.Article, error)
}

// ArticleHandler は生成済み記事のHTTPハンドラー。
type ArticleHandler struct {
	finder ArticleFinder
}

// NewArticleHandler はArticleHandlerを生成する。
func NewArticleHandler(finder ArticleFinder) *ArticleHandler {
	return &ArticleHandler{finder: finder}
}

// articleSummaryResponse は記事一覧のサマリーレスポンス。
type articleSummaryResponse struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Model        string    `json:"model"`
	SourceItemID *string   `json:"source_item_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// articleListResponse は記事一覧のレスポンス。
type articleListResponse struct {
	Articles []articleSummaryResponse `json:"articles"`
}

// articleDetailResponse は記事詳細のレスポンス。
// 生成されたMarkdown原文とレンダリング済みHTMLの両方を含む。
type articleDetailResponse struct {
	articleSummaryResponse
	BodyMarkdown string `json:"body_markdown"`
	BodyHTML     string `json:"body_html"`
}

// ListArticles は生成済み記事の一覧を取得する。
// GET /api/articles?limit=&offset=
func (h *ArticleHandler) ListArticles(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit")
	if limit <= 0 {
		limit = defaultArticlesPerPage
	}
	if limit > maxArticlesPerPage {
		limit = maxArticlesPerPage
	}
	offset := parseIntQuery(r, "offset")
	if offset < 0 {
		offset = 0
	}

	articles, err := h.finder.List(r.Context(), limit, offset)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := articleListResponse{Articles: make([]articleSummaryResponse, 0, len(articles))}
	for _, a := range articles {
		resp.Articles = append(resp.Articles, toArticleSummaryResponse(a))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetArticle は記事詳細を取得する。
// GET /api/articles/{articleID}
func (h *ArticleHandler) GetArticle(w http.ResponseWriter, r *http.Request) {
	articleID := chi.URLParam(r, "articleID")

	article, err := h.finder.FindByID(r.Context(), articleID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	if article == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewArticleNotFoundError(articleID))
		return
	}

	writeJSON(w, http.StatusOK, articleDetailResponse{
		articleSummaryResponse: toArticleSummaryResponse(article),
		BodyMarkdown:           article.BodyMarkdown,
		BodyHTML:               article.BodyHTML,
	})
}

// toArticleSummaryResponse はmodel.ArticleからAPIレスポンスに変換する。
func toArticleSummaryResponse(a *model.Article) articleSummaryResponse {
	return articleSummaryResponse{
		ID:           a.ID,
		Title:        a.Title,
		Model:        a.Model,
		SourceItemID: a.SourceItemID,
		CreatedAt:    a.CreatedAt,
	}
}
