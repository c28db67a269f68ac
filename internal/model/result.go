// Package model はドメインモデルを定義する。
package model

// IngestResult は1回の取り込み処理の集計結果を表す。
// Fetchedはフィルタ前の生エントリ数であり、New+Duplicate+Malformedとは
// 一致しないことがある（maxItems到達で走査を打ち切った場合）。
type IngestResult struct {
	Fetched   int
	New       int
	Duplicate int
	Malformed int
	NewItems  []*FeedItem
}

// DispatchResult は1回の生成ディスパッチの集計結果を表す。
type DispatchResult struct {
	Generated int
	Skipped   int
	Failed    int
}

// PollSummary はpollSource1回分の集計結果を表す。
type PollSummary struct {
	SourceID    string
	Fetched     int
	New         int
	Duplicate   int
	Malformed   int
	Generated   int
	Skipped     int
	Failed      int
	Disabled    bool // ソースが無効でポーリング自体をスキップした
	NotModified bool // 条件付きGETで304が返り、取り込みを省略した
}
