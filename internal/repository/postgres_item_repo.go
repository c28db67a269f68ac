package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/autopress/internal/model"
)

// PostgresItemRepo はPostgreSQLを使用したフィードアイテムリポジトリ。
type PostgresItemRepo struct {
	db *sql.DB
}

// NewPostgresItemRepo はPostgresItemRepoを生成する。
func NewPostgresItemRepo(db *sql.DB) *PostgresItemRepo {
	return &PostgresItemRepo{db: db}
}

// FindByID は指定IDのアイテムを取得する。見つからない場合はnilを返す。
func (r *PostgresItemRepo) FindByID(ctx context.Context, id string) (*model.FeedItem, error) {
	item := &model.FeedItem{}
	var publishedAt, processedAt sql.NullTime
	var disposition, lastError, articleID sql.NullString

	err := r.db.QueryRowContext(ctx,
		`SELECT id, source_id, natural_key, title, content, url, published_at,
		        status, disposition, attempts, last_error, article_id,
		        fetched_at, processed_at, created_at, updated_at
		 FROM feed_items WHERE id = $1`,
		id,
	).Scan(
		&item.ID, &item.SourceID, &item.NaturalKey, &item.Title, &item.Content,
		&item.URL, &publishedAt,
		&item.Status, &disposition, &item.Attempts, &lastError, &articleID,
		&item.FetchedAt, &processedAt, &item.CreatedAt, &item.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("アイテムの取得に失敗しました: %w", err)
	}

	if publishedAt.Valid {
		item.PublishedAt = &publishedAt.Time
	}
	if processedAt.Valid {
		item.ProcessedAt = &processedAt.Time
	}
	item.Disposition = model.ItemDisposition(nullStringValue(disposition))
	item.LastError = nullStringValue(lastError)
	if articleID.Valid {
		item.ArticleID = &articleID.String
	}

	return item, nil
}

// ExistingNaturalKeys は指定ソース内で既に保存されている自然キーの集合を返す。
// 結果は取り込み時の事前チェックに使う。INSERT直前に別プロセスが同じキーを
// 登録する可能性があるため、重複判定の最終権威はInsertNewの一意制約である。
func (r *PostgresItemRepo) ExistingNaturalKeys(ctx context.Context, sourceID string, keys []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(keys))
	if len(keys) == 0 {
		return existing, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT natural_key FROM feed_items WHERE source_id = $1 AND natural_key = ANY($2)`,
		sourceID, pq.Array(keys),
	)
	if err != nil {
		return nil, fmt.Errorf("既存自然キーの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("自然キーの読み取りに失敗しました: %w", err)
		}
		existing[key] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("自然キーの走査に失敗しました: %w", err)
	}

	return existing, nil
}

// InsertNew はアイテムを新規登録する。
// UNIQUE(source_id, natural_key)制約を利用したINSERT ON CONFLICT DO NOTHINGで
// 実装し、挿入できた場合にtrueを返す。falseは同じ自然キーのアイテムが既に
// 存在したことを意味し、呼び出し側はそのアイテムを重複として数える。
func (r *PostgresItemRepo) InsertNew(ctx context.Context, item *model.FeedItem) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO feed_items (id, source_id, natural_key, title, content, url,
		                         published_at, status, attempts,
		                         fetched_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (source_id, natural_key) DO NOTHING`,
		item.ID, item.SourceID, item.NaturalKey, item.Title, item.Content, item.URL,
		item.PublishedAt, item.Status, item.Attempts,
		item.FetchedAt, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("アイテムの登録に失敗しました: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("アイテム登録結果の取得に失敗しました: %w", err)
	}

	return rows > 0, nil
}

// ListDispatchable は指定ソースの処理対象アイテムを取得日時昇順で返す。
// 対象はstatusがnewまたはpendingのアイテムで、前回のポーリングで
// 処理しきれなかったpendingも自然に再試行の対象になる。
func (r *PostgresItemRepo) ListDispatchable(ctx context.Context, sourceID string) ([]*model.FeedItem, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, source_id, natural_key, title, content, url, published_at,
		        status, disposition, attempts, last_error, article_id,
		        fetched_at, processed_at, created_at, updated_at
		 FROM feed_items
		 WHERE source_id = $1 AND status IN ('new', 'pending')
		 ORDER BY fetched_at ASC, created_at ASC`,
		sourceID,
	)
	if err != nil {
		return nil, fmt.Errorf("処理対象アイテムの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var items []*model.FeedItem
	for rows.Next() {
		item := &model.FeedItem{}
		var publishedAt, processedAt sql.NullTime
		var disposition, lastError, articleID sql.NullString

		if err := rows.Scan(
			&item.ID, &item.SourceID, &item.NaturalKey, &item.Title, &item.Content,
			&item.URL, &publishedAt,
			&item.Status, &disposition, &item.Attempts, &lastError, &articleID,
			&item.FetchedAt, &processedAt, &item.CreatedAt, &item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("処理対象アイテムの読み取りに失敗しました: %w", err)
		}

		if publishedAt.Valid {
			item.PublishedAt = &publishedAt.Time
		}
		if processedAt.Valid {
			item.ProcessedAt = &processedAt.Time
		}
		item.Disposition = model.ItemDisposition(nullStringValue(disposition))
		item.LastError = nullStringValue(lastError)
		if articleID.Valid {
			item.ArticleID = &articleID.String
		}

		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("処理対象アイテムの走査に失敗しました: %w", err)
	}

	return items, nil
}

// ListBySource は指定ソースのアイテムを取得日時降順で返す。
// statusが空でない場合はその状態のアイテムに絞り込む。
func (r *PostgresItemRepo) ListBySource(ctx context.Context, sourceID string, status model.ItemStatus, limit, offset int) ([]*model.FeedItem, error) {
	query := `SELECT id, source_id, natural_key, title, content, url, published_at,
	                 status, disposition, attempts, last_error, article_id,
	                 fetched_at, processed_at, created_at, updated_at
	          FROM feed_items
	          WHERE source_id = $1`
	args := []any{sourceID}

	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}

	query += fmt.Sprintf(` ORDER BY fetched_at DESC, created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("アイテム一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var items []*model.FeedItem
	for rows.Next() {
		item := &model.FeedItem{}
		var publishedAt, processedAt sql.NullTime
		var disposition, lastError, articleID sql.NullString

		if err := rows.Scan(
			&item.ID, &item.SourceID, &item.NaturalKey, &item.Title, &item.Content,
			&item.URL, &publishedAt,
			&item.Status, &disposition, &item.Attempts, &lastError, &articleID,
			&item.FetchedAt, &processedAt, &item.CreatedAt, &item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("アイテム行の読み取りに失敗しました: %w", err)
		}

		if publishedAt.Valid {
			item.PublishedAt = &publishedAt.Time
		}
		if processedAt.Valid {
			item.ProcessedAt = &processedAt.Time
		}
		item.Disposition = model.ItemDisposition(nullStringValue(disposition))
		item.LastError = nullStringValue(lastError)
		if articleID.Valid {
			item.ArticleID = &articleID.String
		}

		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("アイテム一覧の走査に失敗しました: %w", err)
	}

	return items, nil
}

// MarkProcessedWithArticle は記事の保存とアイテムの処理済みへの遷移を
// 単一トランザクションで行う。状態遷移は WHERE status IN ('new', 'pending') の
// 条件付きUPDATEによるcompare-and-setで、更新行が0件の場合は別プロセスが
// 先に処理を完了したとみなしてロールバックし、falseを返す。
// これにより同一アイテムに対して永続化される記事は高々1件になる。
func (r *PostgresItemRepo) MarkProcessedWithArticle(ctx context.Context, itemID string, article *model.Article) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO articles (id, title, body_markdown, body_html, model, source_item_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		article.ID, article.Title, article.BodyMarkdown, article.BodyHTML,
		article.Model, article.SourceItemID, article.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("記事の保存に失敗しました: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE feed_items SET
		    status = 'processed',
		    disposition = 'generated',
		    article_id = $2,
		    last_error = NULL,
		    processed_at = now(),
		    updated_at = now()
		 WHERE id = $1 AND status IN ('new', 'pending')`,
		itemID, article.ID,
	)
	if err != nil {
		return false, fmt.Errorf("アイテムの処理済みへの更新に失敗しました: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("アイテム更新結果の取得に失敗しました: %w", err)
	}
	if rows == 0 {
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}

	return true, nil
}

// Skip はアイテムを記事生成なしの処理済みに遷移させる。
// compare-and-setで実装し、既に処理済みの場合はfalseを返す。
func (r *PostgresItemRepo) Skip(ctx context.Context, itemID string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE feed_items SET
		    status = 'processed',
		    disposition = 'skipped',
		    last_error = NULL,
		    processed_at = now(),
		    updated_at = now()
		 WHERE id = $1 AND status IN ('new', 'pending', 'failed')`,
		itemID,
	)
	if err != nil {
		return false, fmt.Errorf("アイテムのスキップに失敗しました: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("スキップ結果の取得に失敗しました: %w", err)
	}

	return rows > 0, nil
}

// RecordFailure は生成失敗を記録する。試行回数を加算し、上限到達時は
// failed、それ以外はpendingに遷移させて次のポーリングでの再試行に回す。
// 遷移後の状態を返す。アイテムが既に終端状態の場合は空文字列を返す。
func (r *PostgresItemRepo) RecordFailure(ctx context.Context, itemID string, errMsg string, maxAttempts int) (model.ItemStatus, error) {
	var status model.ItemStatus

	err := r.db.QueryRowContext(ctx,
		`UPDATE feed_items SET
		    attempts = attempts + 1,
		    status = CASE WHEN attempts + 1 >= $3 THEN 'failed' ELSE 'pending' END,
		    processed_at = CASE WHEN attempts + 1 >= $3 THEN now() ELSE processed_at END,
		    last_error = $2,
		    updated_at = now()
		 WHERE id = $1 AND status IN ('new', 'pending')
		 RETURNING status`,
		itemID, errMsg, maxAttempts,
	).Scan(&status)

	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("生成失敗の記録に失敗しました: %w", err)
	}

	return status, nil
}

// Requeue はfailedまたはpendingのアイテムを試行回数0のpendingに戻す。
// 運用者が原因を解消した後の手動再投入に使う。
func (r *PostgresItemRepo) Requeue(ctx context.Context, itemID string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE feed_items SET
		    status = 'pending',
		    attempts = 0,
		    last_error = NULL,
		    disposition = NULL,
		    processed_at = NULL,
		    updated_at = now()
		 WHERE id = $1 AND status IN ('pending', 'failed')`,
		itemID,
	)
	if err != nil {
		return false, fmt.Errorf("アイテムの再投入に失敗しました: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("再投入結果の取得に失敗しました: %w", err)
	}

	return rows > 0, nil
}

// DeleteTerminalBefore は指定日時より前に終端状態へ到達したアイテムを
// 削除し、削除件数を返す。保持期間を過ぎたアイテムの掃除に使う。
// 重複判定の履歴も消えるため、保持期間は再配信の間隔より十分長く取ること。
func (r *PostgresItemRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM feed_items
		 WHERE status IN ('processed', 'failed') AND processed_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("期限切れアイテムの削除に失敗しました: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}

	return rows, nil
}

// compile-time interface check
var _ ItemRepository = (*PostgresItemRepo)(nil)
