// Package item はフィードアイテムの管理操作を提供する。
// 一覧・詳細の参照と、失敗アイテムの再投入・恒久スキップの手動操作を扱う。
package item

import (
	"context"
	"fmt"

	"github.com/hitoshi/autopress/internal/model"
	"github.com/hitoshi/autopress/internal/repository"
)

// 一覧取得の件数制限。
const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// SourceFinder はソース存在確認のインターフェース。
// SourceRepositoryの参照系のみを抽象化してテスタビリティを向上させる。
type SourceFinder interface {
	FindByID(ctx context.Context, id string) (*model.Source, error)
}

// Service はフィードアイテム管理のサービス層。
// 状態遷移そのものはリポジトリの条件付きUPDATEに委ね、
// ここでは入力検証と結果のエラー変換のみを行う。
type Service struct {
	itemRepo     repository.ItemRepository
	sourceFinder SourceFinder
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(itemRepo repository.ItemRepository, sourceFinder SourceFinder) *Service {
	return &Service{
		itemRepo:     itemRepo,
		sourceFinder: sourceFinder,
	}
}

// GetItem はアイテム詳細を返す。見つからない場合はエラーを返す。
func (s *Service) GetItem(ctx context.Context, itemID string) (*model.FeedItem, error) {
	item, err := s.itemRepo.FindByID(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("アイテムの取得に失敗しました: %w", err)
	}
	if item == nil {
		return nil, model.NewItemNotFoundError(itemID)
	}
	return item, nil
}

// ListBySource は指定ソースのアイテム一覧を状態フィルタ・ページネーション付きで返す。
// statusが空文字列の場合は全状態を対象とする。
// limitが0以下の場合はデフォルト値、上限超過時は上限値に丸める。
func (s *Service) ListBySource(ctx context.Context, sourceID, status string, limit, offset int) ([]*model.FeedItem, error) {
	if status != "" && !model.ValidItemStatus(status) {
		return nil, model.NewInvalidStatusFilterError(status)
	}

	source, err := s.sourceFinder.FindByID(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("ソースの取得に失敗しました: %w", err)
	}
	if source == nil {
		return nil, model.NewSourceNotFoundError(sourceID)
	}

	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	items, err := s.itemRepo.ListBySource(ctx, sourceID, model.ItemStatus(status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("アイテム一覧の取得に失敗しました: %w", err)
	}
	return items, nil
}

// Requeue はpending/failedのアイテムを試行回数0のpendingへ戻す。
// 手動でのデッドレター復旧操作であり、次回ポーリングで再び生成対象になる。
// 対象外の状態（new/processed）ではエラーを返す。
func (s *Service) Requeue(ctx context.Context, itemID string) (*model.FeedItem, error) {
	item, err := s.itemRepo.FindByID(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("アイテムの取得に失敗しました: %w", err)
	}
	if item == nil {
		return nil, model.NewItemNotFoundError(itemID)
	}

	ok, err := s.itemRepo.Requeue(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("アイテムの再投入に失敗しました: %w", err)
	}
	if !ok {
		return nil, model.NewInvalidItemStateError(item.Status)
	}

	return s.reload(ctx, itemID)
}

// Skip はアイテムを恒久スキップ（processed/skipped）へ遷移させる。
// 対象はnew/pending/failedのアイテムのみで、処理済みのアイテムではエラーを返す。
func (s *Service) Skip(ctx context.Context, itemID string) (*model.FeedItem, error) {
	item, err := s.itemRepo.FindByID(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("アイテムの取得に失敗しました: %w", err)
	}
	if item == nil {
		return nil, model.NewItemNotFoundError(itemID)
	}

	ok, err := s.itemRepo.Skip(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("アイテムのスキップに失敗しました: %w", err)
	}
	if !ok {
		return nil, model.NewInvalidItemStateError(item.Status)
	}

	return s.reload(ctx, itemID)
}

// reload は遷移後のアイテムを取得し直して返す。
// 遷移直後に削除された場合は未検出エラーを返す。
func (s *Service) reload(ctx context.Context, itemID string) (*model.FeedItem, error) {
	item, err := s.itemRepo.FindByID(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("アイテムの取得に失敗しました: %w", err)
	}
	if item == nil {
		return nil, model.NewItemNotFoundError(itemID)
	}
	return item, nil
}
