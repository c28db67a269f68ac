package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/autopress/internal/article"
	"github.com/hitoshi/autopress/internal/config"
	"github.com/hitoshi/autopress/internal/database"
	"github.com/hitoshi/autopress/internal/dispatch"
	"github.com/hitoshi/autopress/internal/feed"
	"github.com/hitoshi/autopress/internal/generate"
	"github.com/hitoshi/autopress/internal/handler"
	"github.com/hitoshi/autopress/internal/ingest"
	"github.com/hitoshi/autopress/internal/item"
	"github.com/hitoshi/autopress/internal/logger"
	"github.com/hitoshi/autopress/internal/metrics"
	"github.com/hitoshi/autopress/internal/middleware"
	"github.com/hitoshi/autopress/internal/poll"
	"github.com/hitoshi/autopress/internal/repository"
	"github.com/hitoshi/autopress/internal/security"
	"github.com/hitoshi/autopress/internal/source"
	"github.com/hitoshi/autopress/internal/upstream"
	"github.com/hitoshi/autopress/internal/worker/cleanup"
	pollworker "github.com/hitoshi/autopress/internal/worker/poll"
)

// Init は環境変数から設定を読み込み、グローバルロガーをJSON出力へ差し替える。
// 設定読み込み中のログも拾えるようロガーは先にデフォルトレベルで初期化し、
// LOG_LEVELが確定した後にあらためてセットアップし直す。
func Init(w io.Writer) (*config.Config, error) {
	logger.SetupDefault(w, slog.LevelInfo)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はサブコマンドを解釈してアプリケーションを起動する。argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheckは設定読み込みもDB接続も伴わない軽量パスで処理する
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("metrics_port", cfg.MetricsPort),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// openDatabase は接続プールを開き、到達確認まで済ませて返す。
func openDatabase(databaseURL string) (*sql.DB, error) {
	db, err := database.Open(databaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// serveAsync はHTTPサーバーを別goroutineで起動する。
// Shutdown以外の理由でListenAndServeが戻った場合はエラーログに残す。
func serveAsync(name string, srv *http.Server) {
	go func() {
		slog.Info(name+" starting", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error(name+" listen error", slog.String("error", err.Error()))
		}
	}()
}

// waitForShutdownSignal はSIGINTまたはSIGTERMを受信するまでブロックする。
func waitForShutdownSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
}

// pollPipeline はポーリング1回分の実行に必要な依存一式。
// serveモード（手動トリガーAPI）とworkerモード（スケジューラ）で同じ構成を共用する。
type pollPipeline struct {
	sourceRepo repository.SourceRepository
	itemRepo   repository.ItemRepository
	poller     *poll.Poller
	registry   *prometheus.Registry
}

// buildPollPipeline は取得→取り込み→生成ディスパッチのパイプラインを構築する。
func buildPollPipeline(db *sql.DB, cfg *config.Config, ssrfGuard security.SSRFGuardService) *pollPipeline {
	sourceRepo := repository.NewPostgresSourceRepo(db)
	itemRepo := repository.NewPostgresItemRepo(db)

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	sanitizer := security.NewContentSanitizer()

	fetcher := upstream.NewFetcher(ssrfGuard, slog.Default(), cfg.FetchTimeout, cfg.FetchMaxSize)
	ingester := ingest.NewService(itemRepo, sanitizer)

	generator := generate.NewClient(
		&http.Client{Timeout: cfg.GenerationTimeout},
		slog.Default(),
		generate.Config{
			BaseURL: cfg.GenerationAPIURL,
			APIKey:  cfg.GenerationAPIKey,
			Model:   cfg.GenerationModel,
			RPS:     cfg.GenerationRPS,
		},
	)
	renderer := article.NewMarkdownRenderer()
	dispatcher := dispatch.NewService(
		itemRepo, generator, renderer, collector, slog.Default(),
		cfg.GenerationMaxAttempts, cfg.GenerationTimeout,
	)

	poller := poll.NewPoller(sourceRepo, fetcher, ingester, dispatcher, collector, slog.Default())

	return &pollPipeline{
		sourceRepo: sourceRepo,
		itemRepo:   itemRepo,
		poller:     poller,
		registry:   registry,
	}
}

// newRateLimiterConfig はConfigのreq/min値をレートリミッタ設定に変換する。
func newRateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rlCfg := middleware.DefaultRateLimiterConfig()
	// configのレート制限値はreq/min単位なのでreq/secに変換する
	if cfg.RateLimitGeneral > 0 {
		rlCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rlCfg.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitPoll > 0 {
		rlCfg.PollRate = rate.Limit(float64(cfg.RateLimitPoll) / 60.0)
		rlCfg.PollBurst = cfg.RateLimitPoll
	}
	return rlCfg
}

// runServe は管理APIサーバーモードで起動する。
// DB接続と依存のワイヤリングを済ませてHTTPサーバーを立ち上げ、
// SIGINT/SIGTERM受信でグレースフルシャットダウンする。
func runServe(cfg *config.Config) error {
	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 手動ポーリングAPIはワーカーと同じ取得→取り込み→生成フローを実行する
	ssrfGuard := security.NewSSRFGuard()
	pipeline := buildPollPipeline(db, cfg, ssrfGuard)

	articleRepo := repository.NewPostgresArticleRepo(db)

	detector := feed.NewDetector(ssrfGuard)
	faviconFetcher := feed.NewFaviconFetcher(ssrfGuard)
	sourceService := source.NewService(pipeline.sourceRepo, detector, faviconFetcher)
	itemService := item.NewService(pipeline.itemRepo, pipeline.sourceRepo)

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		AdminToken:        cfg.AdminToken,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       middleware.NewRateLimiter(newRateLimiterConfig(cfg)),

		HealthChecker: db,

		SourceService: sourceService,
		PollRunner:    pipeline.poller,
		ItemService:   itemService,
		ArticleFinder: articleRepo,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Prometheusスクレイプ用のメトリクスは管理APIと別ポートで公開する
	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metrics.SetupMetricsRoute(pipeline.registry),
	}

	serveAsync("API server", server)
	serveAsync("metrics server", metricsServer)

	waitForShutdownSignal()
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if err := metricsServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。定期ポーリングのスケジューラを
// メインgoroutineで回し、日次クリーンアップとメトリクス公開を背後で行う。
// SIGINT/SIGTERM受信でコンテキストを取り消して停止する。
func runWorker(cfg *config.Config) error {
	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	ssrfGuard := security.NewSSRFGuard()
	pipeline := buildPollPipeline(db, cfg, ssrfGuard)

	scheduler := pollworker.NewScheduler(
		pipeline.sourceRepo, pipeline.poller, slog.Default(), cfg.WorkerMaxConcurrency,
	)

	cleanupJob := cleanup.NewCleanupJob(pipeline.itemRepo, slog.Default())
	if cfg.RetentionDays > 0 {
		cleanupJob.RetentionDays = cfg.RetentionDays
	}

	// ワーカー側のポーリング・生成メトリクスも同じ形式で公開する
	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metrics.SetupMetricsRoute(pipeline.registry),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		waitForShutdownSignal()
		slog.Info("shutting down worker...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.String("error", err.Error()))
		}
	}()

	serveAsync("metrics server", metricsServer)

	slog.Info("worker starting",
		slog.Duration("poll_interval", cfg.WorkerPollInterval),
		slog.Int("max_concurrency", cfg.WorkerMaxConcurrency),
		slog.Int("retention_days", cleanupJob.RetentionDays),
	)

	go runCleanupDaily(ctx, cleanupJob)

	// スケジューラはctx取り消しまでメインgoroutineをブロックする
	scheduler.Start(ctx, cfg.WorkerPollInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runCleanupDaily は起動直後に1回、以後24時間ごとにクリーンアップジョブを実行する。
// 失敗してもワーカー全体は止めず、次回の実行に任せる。
func runCleanupDaily(ctx context.Context, job *cleanup.CleanupJob) {
	if err := job.Run(ctx); err != nil {
		slog.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := job.Run(ctx); err != nil {
				slog.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}

// runMigrate は未適用のスキーママイグレーションをすべて適用して終了する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("schema_version", uint64(version)),
	)
	return nil
}

// runHealthcheck は自サーバーの/healthへHTTPリクエストを送って死活を確認する。
// シェルを持たないdistrolessイメージでDockerのHEALTHCHECKから呼ばれる。
func runHealthcheck(port string) error {
	healthURL := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(healthURL)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// maskDatabaseURL はログ出力用に接続URLの認証情報を隠す。
func maskDatabaseURL(url string) string {
	if len(url) <= 20 {
		return "***"
	}
	return url[:12] + "***@..."
}
