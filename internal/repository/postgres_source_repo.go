package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/autopress/internal/model"
)

// PostgresSourceRepo はPostgreSQLを使用したソースリポジトリ。
type PostgresSourceRepo struct {
	db *sql.DB
}

// NewPostgresSourceRepo はPostgresSourceRepoを生成する。
func NewPostgresSourceRepo(db *sql.DB) *PostgresSourceRepo {
	return &PostgresSourceRepo{db: db}
}

// FindByID は指定IDのソースを取得する。見つからない場合はnilを返す。
func (r *PostgresSourceRepo) FindByID(ctx context.Context, id string) (*model.Source, error) {
	source := &model.Source{}
	var configRaw []byte
	var faviconData []byte
	var faviconMime, etag, lastModified, lastError sql.NullString
	var lastFetchAt sql.NullTime

	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, type, url, config, favicon_data, favicon_mime,
		        etag, last_modified, last_fetch_at, last_error,
		        failure_count, next_poll_at, created_at, updated_at
		 FROM sources WHERE id = $1`,
		id,
	).Scan(
		&source.ID, &source.Name, &source.Type, &source.URL, &configRaw,
		&faviconData, &faviconMime,
		&etag, &lastModified, &lastFetchAt, &lastError,
		&source.FailureCount, &source.NextPollAt, &source.CreatedAt, &source.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ソースの取得に失敗しました: %w", err)
	}

	config, err := unmarshalConfig(configRaw)
	if err != nil {
		return nil, err
	}
	source.Config = config
	source.FaviconData = faviconData
	source.FaviconMime = nullStringValue(faviconMime)
	source.ETag = nullStringValue(etag)
	source.LastModified = nullStringValue(lastModified)
	source.LastError = nullStringValue(lastError)
	if lastFetchAt.Valid {
		source.LastFetchAt = &lastFetchAt.Time
	}

	return source, nil
}

// FindByURL はURLでソースを検索する。見つからない場合はnilを返す。
func (r *PostgresSourceRepo) FindByURL(ctx context.Context, url string) (*model.Source, error) {
	source := &model.Source{}
	var configRaw []byte
	var faviconData []byte
	var faviconMime, etag, lastModified, lastError sql.NullString
	var lastFetchAt sql.NullTime

	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, type, url, config, favicon_data, favicon_mime,
		        etag, last_modified, last_fetch_at, last_error,
		        failure_count, next_poll_at, created_at, updated_at
		 FROM sources WHERE url = $1`,
		url,
	).Scan(
		&source.ID, &source.Name, &source.Type, &source.URL, &configRaw,
		&faviconData, &faviconMime,
		&etag, &lastModified, &lastFetchAt, &lastError,
		&source.FailureCount, &source.NextPollAt, &source.CreatedAt, &source.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("URLによるソースの検索に失敗しました: %w", err)
	}

	config, err := unmarshalConfig(configRaw)
	if err != nil {
		return nil, err
	}
	source.Config = config
	source.FaviconData = faviconData
	source.FaviconMime = nullStringValue(faviconMime)
	source.ETag = nullStringValue(etag)
	source.LastModified = nullStringValue(lastModified)
	source.LastError = nullStringValue(lastError)
	if lastFetchAt.Valid {
		source.LastFetchAt = &lastFetchAt.Time
	}

	return source, nil
}

// Create はソースを作成する。
func (r *PostgresSourceRepo) Create(ctx context.Context, source *model.Source) error {
	configRaw, err := marshalConfig(source.Config)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO sources (id, name, type, url, config, favicon_data, favicon_mime,
		                      etag, last_modified, last_fetch_at, last_error,
		                      failure_count, next_poll_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		source.ID, source.Name, source.Type, source.URL, configRaw,
		source.FaviconData, nullString(source.FaviconMime),
		nullString(source.ETag), nullString(source.LastModified),
		source.LastFetchAt, nullString(source.LastError),
		source.FailureCount, source.NextPollAt,
		source.CreatedAt, source.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ソースの作成に失敗しました: %w", err)
	}
	return nil
}

// Update はソースの名前・URL・設定マッピングを更新する。
// Configは渡されたマッピングで丸ごと置き換えられ、未知のキーもそのまま保存される。
// URL変更時に条件付きGETの検証子を破棄できるよう、etagとlast_modifiedも更新する。
func (r *PostgresSourceRepo) Update(ctx context.Context, source *model.Source) error {
	configRaw, err := marshalConfig(source.Config)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE sources SET
		    name = $2, type = $3, url = $4, config = $5,
		    etag = $6, last_modified = $7,
		    next_poll_at = $8, updated_at = now()
		 WHERE id = $1`,
		source.ID, source.Name, source.Type, source.URL, configRaw,
		nullString(source.ETag), nullString(source.LastModified),
		source.NextPollAt,
	)
	if err != nil {
		return fmt.Errorf("ソースの更新に失敗しました: %w", err)
	}
	return nil
}

// UpdateFavicon はソースのfaviconデータを更新する。
func (r *PostgresSourceRepo) UpdateFavicon(ctx context.Context, sourceID string, faviconData []byte, faviconMime string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sources SET favicon_data = $2, favicon_mime = $3, updated_at = now() WHERE id = $1`,
		sourceID, faviconData, nullString(faviconMime),
	)
	if err != nil {
		return fmt.Errorf("faviconの更新に失敗しました: %w", err)
	}
	return nil
}

// List は全ソースを作成日時降順で返す。
func (r *PostgresSourceRepo) List(ctx context.Context) ([]*model.Source, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, type, url, config, favicon_data, favicon_mime,
		        etag, last_modified, last_fetch_at, last_error,
		        failure_count, next_poll_at, created_at, updated_at
		 FROM sources
		 ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("ソース一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var sources []*model.Source
	for rows.Next() {
		source := &model.Source{}
		var configRaw []byte
		var faviconData []byte
		var faviconMime, etag, lastModified, lastError sql.NullString
		var lastFetchAt sql.NullTime

		if err := rows.Scan(
			&source.ID, &source.Name, &source.Type, &source.URL, &configRaw,
			&faviconData, &faviconMime,
			&etag, &lastModified, &lastFetchAt, &lastError,
			&source.FailureCount, &source.NextPollAt, &source.CreatedAt, &source.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("ソース行の読み取りに失敗しました: %w", err)
		}

		config, err := unmarshalConfig(configRaw)
		if err != nil {
			return nil, err
		}
		source.Config = config
		source.FaviconData = faviconData
		source.FaviconMime = nullStringValue(faviconMime)
		source.ETag = nullStringValue(etag)
		source.LastModified = nullStringValue(lastModified)
		source.LastError = nullStringValue(lastError)
		if lastFetchAt.Valid {
			source.LastFetchAt = &lastFetchAt.Time
		}

		sources = append(sources, source)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ソース一覧の走査に失敗しました: %w", err)
	}

	return sources, nil
}

// ListWithStats は全ソースをアイテム状態別の件数付きで返す。
func (r *PostgresSourceRepo) ListWithStats(ctx context.Context) ([]SourceWithStats, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT s.id, s.name, s.type, s.url, s.config, s.favicon_data, s.favicon_mime,
		        s.etag, s.last_modified, s.last_fetch_at, s.last_error,
		        s.failure_count, s.next_poll_at, s.created_at, s.updated_at,
		        count(i.id) AS item_count,
		        count(i.id) FILTER (WHERE i.status = 'pending') AS pending_count,
		        count(i.id) FILTER (WHERE i.status = 'processed') AS processed_count,
		        count(i.id) FILTER (WHERE i.status = 'failed') AS failed_count
		 FROM sources s
		 LEFT JOIN feed_items i ON i.source_id = s.id
		 GROUP BY s.id
		 ORDER BY s.created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("ソース統計一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var results []SourceWithStats
	for rows.Next() {
		var sws SourceWithStats
		var configRaw []byte
		var faviconData []byte
		var faviconMime, etag, lastModified, lastError sql.NullString
		var lastFetchAt sql.NullTime

		if err := rows.Scan(
			&sws.ID, &sws.Name, &sws.Type, &sws.URL, &configRaw,
			&faviconData, &faviconMime,
			&etag, &lastModified, &lastFetchAt, &lastError,
			&sws.FailureCount, &sws.NextPollAt, &sws.CreatedAt, &sws.UpdatedAt,
			&sws.ItemCount, &sws.PendingCount, &sws.ProcessedCount, &sws.FailedCount,
		); err != nil {
			return nil, fmt.Errorf("ソース統計行の読み取りに失敗しました: %w", err)
		}

		config, err := unmarshalConfig(configRaw)
		if err != nil {
			return nil, err
		}
		sws.Config = config
		sws.FaviconData = faviconData
		sws.FaviconMime = nullStringValue(faviconMime)
		sws.ETag = nullStringValue(etag)
		sws.LastModified = nullStringValue(lastModified)
		sws.LastError = nullStringValue(lastError)
		if lastFetchAt.Valid {
			sws.LastFetchAt = &lastFetchAt.Time
		}

		results = append(results, sws)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ソース統計一覧の走査に失敗しました: %w", err)
	}

	return results, nil
}

// Delete は指定IDのソースを削除する。
// 関連するfeed_itemsはCASCADE削除され、生成済み記事は残る。
func (r *PostgresSourceRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ソースの削除に失敗しました: %w", err)
	}
	return nil
}

// ListDueForPoll はポーリング期限が到来したソースを取得する。
// next_poll_at <= now() のソースをFOR UPDATE SKIP LOCKEDで排他的に取得する。
// 排他は複数ワーカー間の重複作業の回避であり、正しさには寄与しない。
func (r *PostgresSourceRepo) ListDueForPoll(ctx context.Context) ([]*model.Source, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, type, url, config, favicon_data, favicon_mime,
		        etag, last_modified, last_fetch_at, last_error,
		        failure_count, next_poll_at, created_at, updated_at
		 FROM sources
		 WHERE next_poll_at <= now()
		 ORDER BY next_poll_at ASC
		 FOR UPDATE SKIP LOCKED`,
	)
	if err != nil {
		return nil, fmt.Errorf("ポーリング対象ソースの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var sources []*model.Source
	for rows.Next() {
		source := &model.Source{}
		var configRaw []byte
		var faviconData []byte
		var faviconMime, etag, lastModified, lastError sql.NullString
		var lastFetchAt sql.NullTime

		if err := rows.Scan(
			&source.ID, &source.Name, &source.Type, &source.URL, &configRaw,
			&faviconData, &faviconMime,
			&etag, &lastModified, &lastFetchAt, &lastError,
			&source.FailureCount, &source.NextPollAt, &source.CreatedAt, &source.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("ポーリング対象ソースの読み取りに失敗しました: %w", err)
		}

		config, err := unmarshalConfig(configRaw)
		if err != nil {
			return nil, err
		}
		source.Config = config
		source.FaviconData = faviconData
		source.FaviconMime = nullStringValue(faviconMime)
		source.ETag = nullStringValue(etag)
		source.LastModified = nullStringValue(lastModified)
		source.LastError = nullStringValue(lastError)
		if lastFetchAt.Valid {
			source.LastFetchAt = &lastFetchAt.Time
		}

		sources = append(sources, source)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ポーリング対象ソースの走査に失敗しました: %w", err)
	}

	return sources, nil
}

// UpdatePollState はポーリング結果のソース状態を更新する。
func (r *PostgresSourceRepo) UpdatePollState(ctx context.Context, source *model.Source) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sources SET
		    last_fetch_at = $2,
		    last_error = $3,
		    failure_count = $4,
		    next_poll_at = $5,
		    etag = $6,
		    last_modified = $7,
		    updated_at = now()
		 WHERE id = $1`,
		source.ID,
		source.LastFetchAt,
		nullString(source.LastError),
		source.FailureCount,
		source.NextPollAt,
		nullString(source.ETag),
		nullString(source.LastModified),
	)
	if err != nil {
		return fmt.Errorf("ポーリング状態の更新に失敗しました: %w", err)
	}
	return nil
}

// marshalConfig は設定マッピングをJSONBカラム用に直列化する。
// nilマッピングは空オブジェクトとして保存する。
func marshalConfig(config map[string]any) ([]byte, error) {
	if config == nil {
		config = map[string]any{}
	}
	raw, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("ソース設定の直列化に失敗しました: %w", err)
	}
	return raw, nil
}

// unmarshalConfig はJSONBカラムの値を設定マッピングに復元する。
func unmarshalConfig(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var config map[string]any
	if err := json.Unmarshal(raw, &config); err != nil {
		return nil, fmt.Errorf("ソース設定の復元に失敗しました: %w", err)
	}
	if config == nil {
		config = map[string]any{}
	}
	return config, nil
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// compile-time interface check
var _ SourceRepository = (*PostgresSourceRepo)(nil)
