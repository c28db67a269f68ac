// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/autopress/internal/model"
)

// SourceRepository はソースデータの永続化インターフェース。
type SourceRepository interface {
	// FindByID は指定IDのソースを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Source, error)

	// FindByURL はURLでソースを検索する。見つからない場合はnilを返す。
	FindByURL(ctx context.Context, url string) (*model.Source, error)

	// Create はソースを作成する。
	Create(ctx context.Context, source *model.Source) error

	// Update はソースの名前・URL・設定マッピングを更新する。
	// Configは渡されたマッピングで丸ごと置き換えられ、未知のキーもそのまま保存される。
	Update(ctx context.Context, source *model.Source) error

	// UpdateFavicon はソースのfaviconデータを更新する。
	UpdateFavicon(ctx context.Context, sourceID string, faviconData []byte, faviconMime string) error

	// List は全ソースを作成日時降順で返す。
	List(ctx context.Context) ([]*model.Source, error)

	// ListWithStats は全ソースをアイテム状態別の件数付きで返す。
	ListWithStats(ctx context.Context) ([]SourceWithStats, error)

	// Delete は指定IDのソースを削除する。
	// 関連するfeed_itemsはCASCADE削除され、生成済み記事は残る。
	Delete(ctx context.Context, id string) error

	// ListDueForPoll はポーリング期限が到来したソースを取得する。
	// next_poll_at <= now() のソースをFOR UPDATE SKIP LOCKEDで排他的に取得する。
	// 排他は重複作業の回避であり、正しさは一意制約とCASが保証する。
	ListDueForPoll(ctx context.Context) ([]*model.Source, error)

	// UpdatePollState はポーリング結果のソース状態を更新する。
	// last_fetch_at、last_error、failure_count、next_poll_at、etag、last_modifiedを更新する。
	UpdatePollState(ctx context.Context, source *model.Source) error
}

// ItemRepository はフィードアイテムの永続化インターフェース。
// (source_id, natural_key) の一意制約を同一性の正とし、
// 状態遷移は条件付きUPDATE（CAS）で行う。
type ItemRepository interface {
	// FindByID は指定IDのアイテムを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.FeedItem, error)

	// ExistingNaturalKeys は指定ソースに既に保存されているnatural_keyの集合を返す。
	// 取り込み時の重複事前判定に使用する。事前判定はあくまで最適化であり、
	// 同一性の正はInsertNewの一意制約側にある。
	ExistingNaturalKeys(ctx context.Context, sourceID string, keys []string) (map[string]bool, error)

	// InsertNew は新規アイテムを挿入する。
	// ON CONFLICT (source_id, natural_key) DO NOTHING により、
	// 並行ポーリングとの競合で既に存在する場合はfalseを返す（エラーにしない）。
	InsertNew(ctx context.Context, item *model.FeedItem) (bool, error)

	// ListDispatchable は指定ソースの生成対象アイテム（status = new/pending）を
	// fetched_at昇順（取り込み順）で返す。
	ListDispatchable(ctx context.Context, sourceID string) ([]*model.FeedItem, error)

	// ListBySource は指定ソースのアイテム一覧をfetched_at降順で返す。
	// statusが空文字列の場合は全状態を対象とする。
	ListBySource(ctx context.Context, sourceID string, status model.ItemStatus, limit, offset int) ([]*model.FeedItem, error)

	// MarkProcessedWithArticle は記事の保存とアイテムのprocessed遷移を
	// 同一トランザクションで行う。遷移はstatusがnew/pendingの場合のみ成功する
	// 条件付きUPDATEであり、競合に敗れた場合は記事の挿入ごとロールバックして
	// falseを返す。永続化される生成成功は高々1回となる。
	MarkProcessedWithArticle(ctx context.Context, itemID string, article *model.Article) (bool, error)

	// Skip はアイテムをprocessed/skippedへ恒久スキップ遷移させる。
	// 対象はnew/pending/failedのアイテムのみで、競合に敗れた場合はfalseを返す。
	Skip(ctx context.Context, itemID string) (bool, error)

	// RecordFailure は生成失敗を原子的に記録する。
	// attemptsをインクリメントし、上限到達時はfailed、未到達ならpendingへ遷移する。
	// 対象がすでに終端状態の場合は空文字列を返す（エラーにしない）。
	RecordFailure(ctx context.Context, itemID, errMsg string, maxAttempts int) (model.ItemStatus, error)

	// Requeue はpending/failedのアイテムをattempts=0のpendingへ戻す。
	// 対象外の状態だった場合はfalseを返す。
	Requeue(ctx context.Context, itemID string) (bool, error)

	// DeleteTerminalBefore は指定日時より前に終端化した
	// アイテム（processed/failed）を削除し、削除件数を返す。
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ArticleRepository は生成済み記事の永続化インターフェース。
// 記事の作成はItemRepository.MarkProcessedWithArticleが状態遷移と
// 同一トランザクションで行うため、ここには参照系のみを置く。
type ArticleRepository interface {
	// FindByID は指定IDの記事を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Article, error)

	// List は記事一覧を作成日時降順で返す。
	List(ctx context.Context, limit, offset int) ([]*model.Article, error)
}

// SourceWithStats はソースとアイテム状態別件数を結合した構造体。
type SourceWithStats struct {
	model.Source
	ItemCount      int
	PendingCount   int
	ProcessedCount int
	FailedCount    int
}
