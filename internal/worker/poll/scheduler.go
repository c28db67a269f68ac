// Package poll はソースポーリングのバックグラウンド実行を提供する。
// ポーリング期限が到来したソースを定期的に取得し、
// 並列数を制限しながらSourcePollerへ処理を委ねる。
package poll

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/autopress/internal/model"
	"github.com/hitoshi/autopress/internal/repository"
)

// defaultMaxConcurrency は並列数が未指定の場合に使う値。
const defaultMaxConcurrency = 5

// SourcePoller はソース1件のポーリング実行インターフェース。
type SourcePoller interface {
	// Poll は指定ソースをポーリングし、結果に応じてソース状態を更新する。
	Poll(ctx context.Context, src *model.Source) (model.PollSummary, error)
}

// Scheduler は期限到来ソースの取得と並列ポーリングを繰り返す。
// ソースの取得はFOR UPDATE SKIP LOCKEDで行われるため、
// 複数ワーカーを並べても同じソースを二重に処理しない。
type Scheduler struct {
	sourceRepo     repository.SourceRepository
	poller         SourcePoller
	logger         *slog.Logger
	maxConcurrency int
}

// NewScheduler はSchedulerを生成する。maxConcurrencyが0以下の場合はデフォルト値を使う。
func NewScheduler(
	sourceRepo repository.SourceRepository,
	poller SourcePoller,
	logger *slog.Logger,
	maxConcurrency int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}
	return &Scheduler{
		sourceRepo:     sourceRepo,
		poller:         poller,
		logger:         logger,
		maxConcurrency: maxConcurrency,
	}
}

// Start は起動直後に1サイクル実行し、以後はinterval間隔で繰り返す。
// コンテキストのキャンセルで停止する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	s.logger.Info("ポーリングスケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.logger.Error("ポーリングサイクルの実行に失敗しました",
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			s.logger.Info("ポーリングスケジューラを停止しました")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce は期限到来ソースを取得し、並列数を制限しながら全件をポーリングする。
// ソース単位の失敗はログに残すだけでサイクル全体のエラーにはしない。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	sources, err := s.sourceRepo.ListDueForPoll(ctx)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		s.logger.Info("ポーリング対象のソースはありません")
		return nil
	}

	s.logger.Info("ポーリングサイクルを開始します",
		slog.Int("source_count", len(sources)),
	)

	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup
	for _, src := range sources {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.pollOne(ctx, src)
		}()
	}
	wg.Wait()

	s.logger.Info("ポーリングサイクルが完了しました",
		slog.Int("source_count", len(sources)),
		slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000.0),
	)

	return nil
}

// pollOne は1ソースをポーリングし、失敗を文脈付きでログに残す。
func (s *Scheduler) pollOne(ctx context.Context, src *model.Source) {
	if _, err := s.poller.Poll(ctx, src); err != nil {
		s.logger.Error("ソースのポーリングに失敗しました",
			slog.String("source_id", src.ID),
			slog.String("url", src.URL),
			slog.String("error", err.Error()),
		)
	}
}
