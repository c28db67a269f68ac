// Package ingest はフィードエントリの取り込みと重複排除を提供する。
package ingest

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/hitoshi/autopress/internal/model"
	"github.com/hitoshi/autopress/internal/repository"
	"github.com/hitoshi/autopress/internal/security"
	"github.com/hitoshi/autopress/internal/source"
)

// maxTitleLength はtitleカラムの文字数上限。
const maxTitleLength = 512

// maxNaturalKeyLength はnatural_keyカラムの文字数上限。
// 超過するキーはハッシュに置き換える。
const maxNaturalKeyLength = 2048

// Service はフィードエントリの取り込み処理を提供する。
// 同一性判定は(source_id, natural_key)単位で、正は一意制約である。
type Service struct {
	itemRepo  repository.ItemRepository
	sanitizer security.ContentSanitizerService
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	itemRepo repository.ItemRepository,
	sanitizer security.ContentSanitizerService,
) *Service {
	return &Service{
		itemRepo:  itemRepo,
		sanitizer: sanitizer,
	}
}

// Ingest は取得済みエントリのうち未登録のものをFeedItemとして保存する。
// エントリはフィードが返した順に処理され、新規アイテム数がcfg.MaxItemsに
// 達した時点で走査を打ち切る。Fetchedは打ち切りに関係なく全エントリ数を数える。
//
// 既存キーの事前チェックはクエリ削減のための近道にすぎず、重複判定の正は
// InsertNewの一意制約である。並行ポーリングとの競合で挿入が弾かれた場合も
// 重複として吸収され、エラーにならない。
//
// 自然キーを導出できないエントリは不正として数え、バッチは継続する。
func (s *Service) Ingest(ctx context.Context, src *model.Source, entries []model.RawEntry, cfg source.EffectiveConfig) (model.IngestResult, error) {
	result := model.IngestResult{Fetched: len(entries)}
	if len(entries) == 0 {
		return result, nil
	}

	// サニタイズと自然キー導出を先に済ませ、既存キーを一括で問い合わせる
	sanitized := make([]string, len(entries))
	keys := make([]string, len(entries))
	candidates := make([]string, 0, len(entries))
	for i, entry := range entries {
		sanitized[i] = s.sanitizer.Sanitize(entry.Content)
		keys[i] = deriveNaturalKey(entry, sanitized[i])
		if keys[i] != "" {
			candidates = append(candidates, keys[i])
		}
	}

	existing, err := s.itemRepo.ExistingNaturalKeys(ctx, src.ID, candidates)
	if err != nil {
		slog.Error("既存アイテムの照会でエラー", "sourceID", src.ID, "error", err)
		return result, fmt.Errorf("既存アイテムの照会に失敗しました: %w", err)
	}

	now := time.Now()

	for i, entry := range entries {
		if result.New >= cfg.MaxItems {
			break
		}

		key := keys[i]
		if key == "" {
			result.Malformed++
			slog.Warn("自然キーを導出できないエントリをスキップ",
				"sourceID", src.ID,
				"title", entry.Title,
			)
			continue
		}

		if existing[key] {
			result.Duplicate++
			continue
		}

		item := buildItem(src.ID, key, entry, sanitized[i], now)
		inserted, err := s.itemRepo.InsertNew(ctx, item)
		if err != nil {
			slog.Error("アイテムの保存でエラー",
				"sourceID", src.ID,
				"naturalKey", key,
				"error", err,
			)
			return result, fmt.Errorf("アイテムの保存に失敗しました: %w", err)
		}
		if !inserted {
			// 並行ポーリングが先に同じキーを登録したケース
			result.Duplicate++
			existing[key] = true
			continue
		}

		existing[key] = true
		result.New++
		result.NewItems = append(result.NewItems, item)
	}

	slog.Info("取り込み完了",
		"sourceID", src.ID,
		"fetched", result.Fetched,
		"new", result.New,
		"duplicate", result.Duplicate,
		"malformed", result.Malformed,
	)

	return result, nil
}

// buildItem はエントリから新規FeedItemを構築する。
// タイトル未設定時はリンクを代用する。
func buildItem(sourceID, key string, entry model.RawEntry, sanitizedContent string, now time.Time) *model.FeedItem {
	title := entry.Title
	if title == "" {
		title = entry.Link
	}
	if title == "" {
		title = "無題"
	}

	return &model.FeedItem{
		ID:          uuid.New().String(),
		SourceID:    sourceID,
		NaturalKey:  key,
		Title:       truncateRunes(title, maxTitleLength),
		Content:     sanitizedContent,
		URL:         entry.Link,
		PublishedAt: entry.PublishedAt,
		Status:      model.ItemStatusNew,
		FetchedAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// deriveNaturalKey はエントリの自然キーを導出する。
// 優先順位: GUID > リンク > hash(title + published + content)
// いずれも導出できない場合は空文字列を返し、呼び出し側は不正エントリとして扱う。
func deriveNaturalKey(entry model.RawEntry, sanitizedContent string) string {
	if entry.GUID != "" {
		return clampKey(entry.GUID)
	}
	if entry.Link != "" {
		return clampKey(entry.Link)
	}
	if entry.Title == "" && sanitizedContent == "" {
		return ""
	}
	return contentFingerprint(entry.Title, entry.PublishedAt, sanitizedContent)
}

// contentFingerprint はtitle + published + contentのSHA-256ハッシュを計算する。
// GUIDもリンクも持たないエントリの同一性判定に使用される。
func contentFingerprint(title string, publishedAt *time.Time, content string) string {
	pubStr := ""
	if publishedAt != nil {
		pubStr = publishedAt.UTC().Format(time.RFC3339)
	}
	data := fmt.Sprintf("%s|%s|%s", title, pubStr, content)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}

// clampKey は列幅を超えるキーをハッシュに置き換える。
func clampKey(key string) string {
	if len(key) <= maxNaturalKeyLength {
		return key
	}
	hash := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x", hash)
}

// truncateRunes は文字数上限を超える文字列を切り詰める。
func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
