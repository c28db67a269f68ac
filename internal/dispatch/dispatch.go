// Package dispatch は取り込み済みアイテムに対する記事自動生成の実行を提供する。
// 生成対象の選別、生成クライアントの呼び出し、結果に応じたアイテムの
// 状態遷移を行う。永続化される生成成功が高々1回となることは、
// リポジトリ層の条件付きUPDATEが保証する。
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/autopress/internal/article"
	"github.com/hitoshi/autopress/internal/generate"
	"github.com/hitoshi/autopress/internal/metrics"
	"github.com/hitoshi/autopress/internal/model"
	"github.com/hitoshi/autopress/internal/repository"
	"github.com/hitoshi/autopress/internal/source"
)

// Service は1ソース分の生成ディスパッチを実行する。
// アイテムごとの失敗は隔離され、他のアイテムの処理は継続される。
type Service struct {
	itemRepo    repository.ItemRepository
	generator   generate.Generator
	renderer    article.Renderer
	metrics     metrics.MetricsCollector
	logger      *slog.Logger
	maxAttempts int
	timeout     time.Duration
}

// NewService はServiceの新しいインスタンスを生成する。
// maxAttemptsが0以下の場合はデフォルト値5を使用する。
func NewService(
	itemRepo repository.ItemRepository,
	generator generate.Generator,
	renderer article.Renderer,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	maxAttempts int,
	timeout time.Duration,
) *Service {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Service{
		itemRepo:    itemRepo,
		generator:   generator,
		renderer:    renderer,
		metrics:     collector,
		logger:      logger,
		maxAttempts: maxAttempts,
		timeout:     timeout,
	}
}

// Dispatch は指定ソースの生成対象アイテム（new/pending）を順に処理する。
// 自動生成が無効な場合は何もせずゼロ値の結果を返す。
// 戻り値のエラーは対象一覧の取得失敗とコンテキスト取り消しのみで、
// アイテム単位の生成失敗は結果のカウンタに集計される。
func (s *Service) Dispatch(ctx context.Context, src *model.Source, cfg source.EffectiveConfig) (model.DispatchResult, error) {
	var result model.DispatchResult

	if !cfg.AutoGenerate {
		return result, nil
	}

	items, err := s.itemRepo.ListDispatchable(ctx, src.ID)
	if err != nil {
		return result, fmt.Errorf("生成対象アイテムの取得に失敗しました: %w", err)
	}

	if len(items) == 0 {
		return result, nil
	}

	s.logger.Info("生成対象アイテムを処理します",
		slog.String("source_id", src.ID),
		slog.Int("item_count", len(items)),
	)

	for _, item := range items {
		// シャットダウン中は途中までの集計を返して打ち切る
		if err := ctx.Err(); err != nil {
			return result, err
		}

		s.processItem(ctx, item, &result)
	}

	return result, nil
}

// processItem は1アイテムの生成試行と状態遷移を行う。
func (s *Service) processItem(ctx context.Context, item *model.FeedItem, result *model.DispatchResult) {
	genCtx, cancel := context.WithTimeout(ctx, s.timeout)
	start := time.Now()
	draft, err := s.generator.Generate(genCtx, item)
	cancel()
	duration := time.Since(start)
	s.metrics.RecordGenerationDuration(duration)

	if err != nil {
		if errors.Is(err, generate.ErrContentRejected) {
			s.skipItem(ctx, item, result)
			return
		}
		s.recordFailure(ctx, item, err.Error(), result)
		return
	}

	html, err := s.renderer.Render(draft.BodyMarkdown)
	if err != nil {
		// レンダリング失敗は再試行可能な失敗として扱う
		s.recordFailure(ctx, item, fmt.Sprintf("レンダリングに失敗しました: %s", err.Error()), result)
		return
	}

	art := &model.Article{
		ID:           uuid.NewString(),
		Title:        draft.Title,
		BodyMarkdown: draft.BodyMarkdown,
		BodyHTML:     html,
		Model:        draft.Model,
		SourceItemID: &item.ID,
		CreatedAt:    time.Now(),
	}

	ok, err := s.itemRepo.MarkProcessedWithArticle(ctx, item.ID, art)
	if err != nil {
		s.logger.Error("記事の保存に失敗しました",
			slog.String("item_id", item.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if !ok {
		// 競合に敗れた場合は下書きを破棄する（別経路で既に終端化済み）
		s.logger.Info("アイテムは既に処理済みのため下書きを破棄しました",
			slog.String("item_id", item.ID),
		)
		return
	}

	result.Generated++
	s.metrics.RecordGeneration("generated")
	s.logger.Info("記事を生成しました",
		slog.String("item_id", item.ID),
		slog.String("article_id", art.ID),
		slog.String("model", art.Model),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
}

// skipItem は生成対象外と判定されたアイテムを恒久スキップへ遷移させる。
func (s *Service) skipItem(ctx context.Context, item *model.FeedItem, result *model.DispatchResult) {
	ok, err := s.itemRepo.Skip(ctx, item.ID)
	if err != nil {
		s.logger.Error("アイテムのスキップ遷移に失敗しました",
			slog.String("item_id", item.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if !ok {
		return
	}

	result.Skipped++
	s.metrics.RecordGeneration("skipped")
	s.logger.Info("生成対象外と判定されたためスキップしました",
		slog.String("item_id", item.ID),
	)
}

// recordFailure は生成失敗を記録し、上限到達時のfailed遷移をログに残す。
func (s *Service) recordFailure(ctx context.Context, item *model.FeedItem, errMsg string, result *model.DispatchResult) {
	status, err := s.itemRepo.RecordFailure(ctx, item.ID, errMsg, s.maxAttempts)
	if err != nil {
		s.logger.Error("生成失敗の記録に失敗しました",
			slog.String("item_id", item.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if status == "" {
		// 既に終端状態だった場合は集計しない
		return
	}

	result.Failed++
	s.metrics.RecordGeneration("failed")

	if status == model.ItemStatusFailed {
		s.logger.Warn("試行上限に達したためアイテムを手動対応待ちへ移行しました",
			slog.String("item_id", item.ID),
			slog.Int("attempts", item.Attempts+1),
			slog.String("error", errMsg),
		)
		return
	}

	s.logger.Warn("記事生成に失敗しました",
		slog.String("item_id", item.ID),
		slog.Int("attempt", item.Attempts+1),
		slog.String("error", errMsg),
	)
}
