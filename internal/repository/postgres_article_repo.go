package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/autopress/internal/model"
)

// PostgresArticleRepo はPostgreSQLを使用した生成記事リポジトリ。
type PostgresArticleRepo struct {
	db *sql.DB
}

// NewPostgresArticleRepo はPostgresArticleRepoを生成する。
func NewPostgresArticleRepo(db *sql.DB) *PostgresArticleRepo {
	return &PostgresArticleRepo{db: db}
}

// FindByID は指定IDの記事を取得する。見つからない場合はnilを返す。
func (r *PostgresArticleRepo) FindByID(ctx context.Context, id string) (*model.Article, error) {
	article := &model.Article{}
	var sourceItemID sql.NullString

	err := r.db.QueryRowContext(ctx,
		`SELECT id, title, body_markdown, body_html, model, source_item_id, created_at
		 FROM articles WHERE id = $1`,
		id,
	).Scan(
		&article.ID, &article.Title, &article.BodyMarkdown, &article.BodyHTML,
		&article.Model, &sourceItemID, &article.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("記事の取得に失敗しました: %w", err)
	}

	if sourceItemID.Valid {
		article.SourceItemID = &sourceItemID.String
	}

	return article, nil
}

// List は記事を作成日時降順で返す。
func (r *PostgresArticleRepo) List(ctx context.Context, limit, offset int) ([]*model.Article, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, title, body_markdown, body_html, model, source_item_id, created_at
		 FROM articles
		 ORDER BY created_at DESC
		 LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("記事一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var articles []*model.Article
	for rows.Next() {
		article := &model.Article{}
		var sourceItemID sql.NullString

		if err := rows.Scan(
			&article.ID, &article.Title, &article.BodyMarkdown, &article.BodyHTML,
			&article.Model, &sourceItemID, &article.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("記事行の読み取りに失敗しました: %w", err)
		}

		if sourceItemID.Valid {
			article.SourceItemID = &sourceItemID.String
		}

		articles = append(articles, article)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("記事一覧の走査に失敗しました: %w", err)
	}

	return articles, nil
}

// compile-time interface check
var _ ArticleRepository = (*PostgresArticleRepo)(nil)
