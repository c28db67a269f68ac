// Package model はドメインモデルを定義する。
package model

import "time"

// Article は自動生成された記事ドラフトを表す。
// フィードアイテムとは関連（association）であり、ソースやアイテムが
// 削除されても記事は独立したライフサイクルで残る。
type Article struct {
	ID           string
	Title        string
	BodyMarkdown string
	BodyHTML     string
	Model        string
	SourceItemID *string
	CreatedAt    time.Time
}
