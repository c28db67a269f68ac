// Package poll はソース1件分のポーリング実行を提供する。
// 設定の正規化、アップストリーム取得、取り込み、生成ディスパッチ、
// ソース状態の更新を1回のポーリングとして束ねる。
// HTTPの手動トリガーとワーカーのスケジューラの双方から利用される。
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/autopress/internal/metrics"
	"github.com/hitoshi/autopress/internal/model"
	"github.com/hitoshi/autopress/internal/repository"
	"github.com/hitoshi/autopress/internal/source"
	"github.com/hitoshi/autopress/internal/upstream"
)

// Fetcher はアップストリーム取得のインターフェース。
type Fetcher interface {
	Fetch(ctx context.Context, src *model.Source) (*upstream.FetchResult, error)
}

// Ingester はフィードエントリ取り込みのインターフェース。
type Ingester interface {
	Ingest(ctx context.Context, src *model.Source, entries []model.RawEntry, cfg source.EffectiveConfig) (model.IngestResult, error)
}

// Dispatcher は記事自動生成ディスパッチのインターフェース。
type Dispatcher interface {
	Dispatch(ctx context.Context, src *model.Source, cfg source.EffectiveConfig) (model.DispatchResult, error)
}

// Poller はソース1件のポーリングを実行する。
// ポーリング中はプロセス内ロックを一切使わない。並行ポーリングの正しさは
// 一意制約（取り込み）と条件付きUPDATE（生成）が保証する。
type Poller struct {
	sourceRepo repository.SourceRepository
	fetcher    Fetcher
	ingester   Ingester
	dispatcher Dispatcher
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
}

// NewPoller はPollerの新しいインスタンスを生成する。
func NewPoller(
	sourceRepo repository.SourceRepository,
	fetcher Fetcher,
	ingester Ingester,
	dispatcher Dispatcher,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Poller {
	return &Poller{
		sourceRepo: sourceRepo,
		fetcher:    fetcher,
		ingester:   ingester,
		dispatcher: dispatcher,
		metrics:    collector,
		logger:     logger,
	}
}

// PollSource はID指定でソースを1回ポーリングする。
// 手動トリガーAPIのエントリポイント。
func (p *Poller) PollSource(ctx context.Context, sourceID string) (model.PollSummary, error) {
	src, err := p.sourceRepo.FindByID(ctx, sourceID)
	if err != nil {
		return model.PollSummary{}, fmt.Errorf("ソースの取得に失敗しました: %w", err)
	}
	if src == nil {
		return model.PollSummary{}, model.NewSourceNotFoundError(sourceID)
	}
	return p.Poll(ctx, src)
}

// Poll はロード済みのソースを1回ポーリングする。
// アイテム単位の失敗（不正エントリや個別の生成失敗）はカウンタに吸収され、
// エラーはソース全体の失敗（取得・解析・ソース行の保存失敗）のみを表す。
func (p *Poller) Poll(ctx context.Context, src *model.Source) (model.PollSummary, error) {
	start := time.Now()
	summary := model.PollSummary{SourceID: src.ID}

	// 正規化スナップショット。保存された設定マッピングは書き換えない。
	cfg := source.Normalize(src.Config)

	if !cfg.Enabled {
		summary.Disabled = true
		ApplyDisabled(src, cfg.PollingInterval)
		if err := p.sourceRepo.UpdatePollState(ctx, src); err != nil {
			return summary, fmt.Errorf("ポーリング状態の更新に失敗しました: %w", err)
		}
		p.logger.Info("ソースが無効のためポーリングをスキップしました",
			slog.String("source_id", src.ID),
			slog.Time("next_poll_at", src.NextPollAt),
		)
		return summary, nil
	}

	result, err := p.fetcher.Fetch(ctx, src)
	if err != nil {
		// シャットダウン中の失敗はソース状態に残さない
		if ctx.Err() != nil {
			return summary, err
		}
		switch {
		case errors.Is(err, upstream.ErrBlockedURL):
			p.parkSource(ctx, src, "blocked", err.Error())
			return summary, model.NewSSRFBlockedError()
		case errors.Is(err, upstream.ErrParseFailed):
			p.recordFailure(ctx, src, cfg.PollingInterval, "parse", err.Error())
			return summary, model.NewParseFailedError()
		default:
			p.recordFailure(ctx, src, cfg.PollingInterval, "fetch", err.Error())
			return summary, model.NewFetchFailedError(err.Error())
		}
	}

	switch result.Status {
	case upstream.FetchStatusNotModified:
		summary.NotModified = true
		ApplySuccess(src, cfg.PollingInterval)
		if err := p.sourceRepo.UpdatePollState(ctx, src); err != nil {
			return summary, fmt.Errorf("ポーリング状態の更新に失敗しました: %w", err)
		}
		p.metrics.RecordPollSuccess(src.ID)
		p.metrics.RecordPollDuration(time.Since(start))
		p.logger.Info("フィードは未変更です（304）",
			slog.String("source_id", src.ID),
			slog.String("url", src.URL),
		)
		return summary, nil

	case upstream.FetchStatusStop:
		detail := fmt.Sprintf("HTTPステータス %d により長期休止します", result.HTTPStatus)
		p.parkSource(ctx, src, "stop", detail)
		return summary, model.NewFetchFailedError(detail)

	case upstream.FetchStatusOK:
		// 以下で取り込みと生成を続行

	default:
		// バックオフ対象および未知のステータス
		detail := fmt.Sprintf("HTTPステータス %d によりバックオフを適用します", result.HTTPStatus)
		p.recordFailure(ctx, src, cfg.PollingInterval, "fetch", detail)
		return summary, model.NewFetchFailedError(detail)
	}

	ing, err := p.ingester.Ingest(ctx, src, result.Entries, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return summary, err
		}
		p.recordFailure(ctx, src, cfg.PollingInterval, "ingest", err.Error())
		return summary, fmt.Errorf("アイテムの取り込みに失敗しました: %w", err)
	}
	summary.Fetched = ing.Fetched
	summary.New = ing.New
	summary.Duplicate = ing.Duplicate
	summary.Malformed = ing.Malformed
	p.metrics.RecordItemsIngested("new", ing.New)
	p.metrics.RecordItemsIngested("duplicate", ing.Duplicate)
	p.metrics.RecordItemsIngested("malformed", ing.Malformed)

	disp, err := p.dispatcher.Dispatch(ctx, src, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return summary, err
		}
		p.recordFailure(ctx, src, cfg.PollingInterval, "dispatch", err.Error())
		return summary, fmt.Errorf("生成ディスパッチに失敗しました: %w", err)
	}
	summary.Generated = disp.Generated
	summary.Skipped = disp.Skipped
	summary.Failed = disp.Failed

	// 新しい検証子が返された場合のみ次回の条件付きGET用に更新する
	if result.ETag != "" {
		src.ETag = result.ETag
	}
	if result.LastModified != "" {
		src.LastModified = result.LastModified
	}

	ApplySuccess(src, cfg.PollingInterval)
	if err := p.sourceRepo.UpdatePollState(ctx, src); err != nil {
		return summary, fmt.Errorf("ポーリング状態の更新に失敗しました: %w", err)
	}

	duration := time.Since(start)
	p.metrics.RecordPollSuccess(src.ID)
	p.metrics.RecordPollDuration(duration)

	p.logger.Info("ポーリングが完了しました",
		slog.String("source_id", src.ID),
		slog.String("url", src.URL),
		slog.Int("http_status", result.HTTPStatus),
		slog.Int("fetched", summary.Fetched),
		slog.Int("new", summary.New),
		slog.Int("duplicate", summary.Duplicate),
		slog.Int("malformed", summary.Malformed),
		slog.Int("generated", summary.Generated),
		slog.Int("skipped", summary.Skipped),
		slog.Int("failed", summary.Failed),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return summary, nil
}

// recordFailure はポーリング失敗をソース状態とメトリクスに反映する。
func (p *Poller) recordFailure(ctx context.Context, src *model.Source, interval time.Duration, reason, detail string) {
	ApplyBackoff(src, interval, detail)
	if err := p.sourceRepo.UpdatePollState(ctx, src); err != nil {
		p.logger.Error("ポーリング状態の更新に失敗しました",
			slog.String("source_id", src.ID),
			slog.String("error", err.Error()),
		)
	}
	p.metrics.RecordPollFailure(src.ID, reason)
	p.logger.Warn("ポーリングに失敗しました",
		slog.String("source_id", src.ID),
		slog.String("url", src.URL),
		slog.String("reason", reason),
		slog.String("error", detail),
		slog.Int("failure_count", src.FailureCount),
		slog.Time("next_poll_at", src.NextPollAt),
	)
}

// parkSource は回復見込みのない失敗を受けたソースを長期休止させる。
func (p *Poller) parkSource(ctx context.Context, src *model.Source, reason, detail string) {
	ApplyStop(src, detail)
	if err := p.sourceRepo.UpdatePollState(ctx, src); err != nil {
		p.logger.Error("ポーリング状態の更新に失敗しました",
			slog.String("source_id", src.ID),
			slog.String("error", err.Error()),
		)
	}
	p.metrics.RecordPollFailure(src.ID, reason)
	p.logger.Warn("恒久的な失敗のためソースを長期休止します",
		slog.String("source_id", src.ID),
		slog.String("url", src.URL),
		slog.String("reason", reason),
		slog.String("error", detail),
		slog.Time("next_poll_at", src.NextPollAt),
	)
}
