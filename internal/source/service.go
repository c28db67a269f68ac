package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/autopress/internal/model"
	"github.com/hitoshi/autopress/internal/repository"
)

// Detector はフィード検出のインターフェース。
// feed.Detectorを抽象化してテスタビリティを向上させる。
type Detector interface {
	DetectFeedURL(ctx context.Context, inputURL string) (string, error)
}

// FaviconFetcher はfavicon取得のインターフェース。
type FaviconFetcher interface {
	FetchFaviconForSite(ctx context.Context, siteURL string) ([]byte, string, error)
}

// Service はソース登録・管理のサービス層。
// 検出 → ソース保存 → favicon取得のフローを統括する。
// 設定マッピングは与えられたまま保存し、正規化はポーリング側の読み取り時に行う。
type Service struct {
	sourceRepo     repository.SourceRepository
	detector       Detector
	faviconFetcher FaviconFetcher
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	sourceRepo repository.SourceRepository,
	detector Detector,
	faviconFetcher FaviconFetcher,
) *Service {
	return &Service{
		sourceRepo:     sourceRepo,
		detector:       detector,
		faviconFetcher: faviconFetcher,
	}
}

// CreateSource はURLからフィードを検出しソースとして登録する。
// フロー: フィード検出（SSRF検証込み） → 重複チェック → ソース保存 → favicon取得
// nameが空の場合はフィードURLのホスト名を名前として使う。
func (s *Service) CreateSource(ctx context.Context, name string, inputURL string, config map[string]any) (*model.Source, error) {
	feedURL, err := s.detector.DetectFeedURL(ctx, inputURL)
	if err != nil {
		return nil, err
	}

	existing, err := s.sourceRepo.FindByURL(ctx, feedURL)
	if err != nil {
		return nil, fmt.Errorf("ソースの検索に失敗しました: %w", err)
	}
	if existing != nil {
		return nil, model.NewDuplicateSourceError(feedURL)
	}

	if name == "" {
		name = extractHostName(feedURL)
	}
	if config == nil {
		config = map[string]any{}
	}

	now := time.Now()
	source := &model.Source{
		ID:         uuid.New().String(),
		Name:       name,
		Type:       model.SourceTypeRSS,
		URL:        feedURL,
		Config:     config,
		NextPollAt: now, // 登録直後のポーリング対象にする
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.sourceRepo.Create(ctx, source); err != nil {
		return nil, fmt.Errorf("ソースの保存に失敗しました: %w", err)
	}

	// favicon取得は同期実行。取得失敗時はnullのまま登録を成立させる。
	s.fetchAndSaveFavicon(ctx, source)

	return source, nil
}

// GetSource はソース情報を取得する。見つからない場合はエラーを返す。
func (s *Service) GetSource(ctx context.Context, sourceID string) (*model.Source, error) {
	source, err := s.sourceRepo.FindByID(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("ソースの取得に失敗しました: %w", err)
	}
	if source == nil {
		return nil, model.NewSourceNotFoundError(sourceID)
	}
	return source, nil
}

// ListSources は全ソースをアイテム状態別の件数付きで返す。
func (s *Service) ListSources(ctx context.Context) ([]repository.SourceWithStats, error) {
	return s.sourceRepo.ListWithStats(ctx)
}

// UpdateSourceParams はソース更新の入力を表す。
// nilのフィールドは変更しない。Configは与えられた場合に丸ごと置き換える。
type UpdateSourceParams struct {
	Name   *string
	URL    *string
	Config map[string]any
}

// UpdateSource はソースの名前・URL・設定を更新する。
// URL変更時はフィード検出をやり直し、条件付きGETの検証子を破棄して
// 次回ポーリングを即時に予定する。
func (s *Service) UpdateSource(ctx context.Context, sourceID string, params UpdateSourceParams) (*model.Source, error) {
	source, err := s.sourceRepo.FindByID(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("ソースの取得に失敗しました: %w", err)
	}
	if source == nil {
		return nil, model.NewSourceNotFoundError(sourceID)
	}

	if params.Name != nil && *params.Name != "" {
		source.Name = *params.Name
	}
	if params.Config != nil {
		source.Config = params.Config
	}

	if params.URL != nil && *params.URL != source.URL {
		feedURL, err := s.detector.DetectFeedURL(ctx, *params.URL)
		if err != nil {
			return nil, err
		}

		duplicate, err := s.sourceRepo.FindByURL(ctx, feedURL)
		if err != nil {
			return nil, fmt.Errorf("ソースの検索に失敗しました: %w", err)
		}
		if duplicate != nil && duplicate.ID != source.ID {
			return nil, model.NewDuplicateSourceError(feedURL)
		}

		source.URL = feedURL
		source.ETag = ""
		source.LastModified = ""
		source.NextPollAt = time.Now()
	}

	source.UpdatedAt = time.Now()

	if err := s.sourceRepo.Update(ctx, source); err != nil {
		return nil, fmt.Errorf("ソースの更新に失敗しました: %w", err)
	}

	return source, nil
}

// DeleteSource はソースを削除する。
// 取り込み済みアイテムはCASCADE削除され、生成済み記事は残る。
func (s *Service) DeleteSource(ctx context.Context, sourceID string) error {
	source, err := s.sourceRepo.FindByID(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("ソースの取得に失敗しました: %w", err)
	}
	if source == nil {
		return model.NewSourceNotFoundError(sourceID)
	}

	if err := s.sourceRepo.Delete(ctx, sourceID); err != nil {
		return fmt.Errorf("ソースの削除に失敗しました: %w", err)
	}

	return nil
}

// fetchAndSaveFavicon はソースのfaviconを取得して保存する。
// 取得失敗時はログ出力のみで、エラーを返さない。
func (s *Service) fetchAndSaveFavicon(ctx context.Context, source *model.Source) {
	if s.faviconFetcher == nil {
		return
	}

	siteURL := extractSiteURL(source.URL)
	if siteURL == "" {
		siteURL = source.URL
	}

	data, mimeType, err := s.faviconFetcher.FetchFaviconForSite(ctx, siteURL)
	if err != nil {
		slog.Warn("favicon取得エラー", "sourceID", source.ID, "siteURL", siteURL, "error", err)
		return
	}

	if data == nil {
		slog.Info("favicon未検出（nullとして保存）", "sourceID", source.ID, "siteURL", siteURL)
		return
	}

	if err := s.sourceRepo.UpdateFavicon(ctx, source.ID, data, mimeType); err != nil {
		slog.Warn("favicon保存エラー", "sourceID", source.ID, "error", err)
		return
	}

	source.FaviconData = data
	source.FaviconMime = mimeType
	slog.Info("favicon保存完了", "sourceID", source.ID, "mimeType", mimeType, "size", len(data))
}

// extractSiteURL はフィードURLからサイトのルートURLを抽出する。
func extractSiteURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	u.Path = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// extractHostName はURLからホスト名を抽出する。名前未指定時のデフォルト名に使う。
func extractHostName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if u.Hostname() == "" {
		return rawURL
	}
	return u.Hostname()
}
