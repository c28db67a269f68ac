package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/autopress/internal/middleware"
)

// RouterDeps はルーター組み立てに必要な依存をまとめる。
type RouterDeps struct {
	Logger            *slog.Logger
	AdminToken        string
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	HealthChecker HealthChecker

	SourceService SourceServiceInterface
	PollRunner    PollRunner

	ItemService ItemServiceInterface

	ArticleFinder ArticleFinder
}

// NewRouter は管理APIの全ルートを構成したハンドラーを返す。
//
// ミドルウェアは外側から Recovery → SecurityHeaders → Logging → CORS の順で
// 全ルートにかかり、/api配下にはさらにレート制限と認証が入る。
// /health はレート制限・認証のどちらの対象にもしない。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	sourceHandler := NewSourceHandler(deps.SourceService, deps.PollRunner)
	itemHandler := NewItemHandler(deps.ItemService)
	articleHandler := NewArticleHandler(deps.ArticleFinder)

	r.Get("/health", NewHealthHandler(deps.HealthChecker))

	r.Route("/api", func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewAuthMiddleware(deps.AdminToken))

		// ソース管理
		r.Route("/sources", func(r chi.Router) {
			r.Post("/", sourceHandler.CreateSource)
			r.Get("/", sourceHandler.ListSources)

			r.Route("/{sourceID}", func(r chi.Router) {
				r.Get("/", sourceHandler.GetSource)
				r.Patch("/", sourceHandler.UpdateSource)
				r.Delete("/", sourceHandler.DeleteSource)

				// 手動ポーリングは負荷が大きいため専用のレート制限を重ねる
				r.With(deps.RateLimiter.PollMiddleware()).Post("/poll", sourceHandler.PollSource)

				r.Get("/items", itemHandler.ListSourceItems)
			})
		})

		// アイテムの状態操作
		r.Route("/items/{itemID}", func(r chi.Router) {
			r.Get("/", itemHandler.GetItem)
			r.Post("/requeue", itemHandler.RequeueItem)
			r.Post("/skip", itemHandler.SkipItem)
		})

		// 生成済み記事の閲覧
		r.Route("/articles", func(r chi.Router) {
			r.Get("/", articleHandler.ListArticles)
			r.Get("/{articleID}", articleHandler.GetArticle)
		})
	})

	return r
}
