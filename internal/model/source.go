// Package model はドメインモデルを定義する。
package model

import "time"

// SourceType はソースの取得方式を表す。
type SourceType string

const (
	// SourceTypeRSS はRSS/Atomフィードを取得するソース種別。
	SourceTypeRSS SourceType = "rss"
)

// Source は記事の取得元を表す。
// Configは正規化前の生のマッピングであり、未知のキーも含めてそのまま保持される。
// 正規化はポーリング開始時にスナップショットとして導出され、保存値は書き換えない。
type Source struct {
	ID           string
	Name         string
	Type         SourceType
	URL          string
	Config       map[string]any
	FaviconData  []byte
	FaviconMime  string
	ETag         string
	LastModified string
	LastFetchAt  *time.Time
	LastError    string
	FailureCount int
	NextPollAt   time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
