// Package model はドメインモデルを定義する。
package model

import "time"

// ItemStatus はフィードアイテムの生成処理状態を表す。
// 状態遷移は new → pending → processed / failed。
// processedとfailedは終端状態であり、自動処理では再訪されない。
type ItemStatus string

const (
	// ItemStatusNew は取り込み済みで生成が一度も試行されていない状態。
	ItemStatusNew ItemStatus = "new"
	// ItemStatusPending は生成試行に失敗し、次回ポーリングで再試行される状態。
	ItemStatusPending ItemStatus = "pending"
	// ItemStatusProcessed は生成成功または恒久スキップで完了した終端状態。
	ItemStatusProcessed ItemStatus = "processed"
	// ItemStatusFailed は試行上限に達し、手動での再投入待ちとなった終端状態。
	ItemStatusFailed ItemStatus = "failed"
)

// ValidItemStatus は文字列が定義済みのItemStatusかどうかを返す。
func ValidItemStatus(s string) bool {
	switch ItemStatus(s) {
	case ItemStatusNew, ItemStatusPending, ItemStatusProcessed, ItemStatusFailed:
		return true
	}
	return false
}

// ItemDisposition はprocessed到達時の完了理由を表す。
type ItemDisposition string

const (
	// DispositionGenerated は記事生成に成功して完了したことを表す。
	DispositionGenerated ItemDisposition = "generated"
	// DispositionSkipped は生成対象外として恒久スキップされたことを表す。
	DispositionSkipped ItemDisposition = "skipped"
)

// FeedItem はソースから取り込んだ1エントリを表す。
// (SourceID, NaturalKey) の一意制約がアイテム同一性の正である。
// 同一性フィールド（SourceID, NaturalKey, Title, Content, URL, PublishedAt）は
// 挿入後に変更されない。
type FeedItem struct {
	ID          string
	SourceID    string
	NaturalKey  string
	Title       string
	Content     string // サニタイズ済みHTML
	URL         string
	PublishedAt *time.Time
	Status      ItemStatus
	Disposition ItemDisposition
	Attempts    int
	LastError   string
	ArticleID   *string
	FetchedAt   time.Time
	ProcessedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Dispatchable は自動生成の対象となる状態かどうかを返す。
// 対象はnewとpendingのみで、終端状態は含まれない。
func (i *FeedItem) Dispatchable() bool {
	return i.Status == ItemStatusNew || i.Status == ItemStatusPending
}

// RawEntry はフィードパーサーから取得した未保存のエントリを表す。
// アップストリームでの出現順を保ったまま取り込み処理に渡される。
type RawEntry struct {
	GUID        string
	Title       string
	Link        string
	Content     string // 未サニタイズのHTML
	PublishedAt *time.Time
}
