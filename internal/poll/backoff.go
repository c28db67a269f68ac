package poll

import (
	"time"

	"github.com/hitoshi/autopress/internal/model"
)

const (
	// maxBackoff は指数バックオフの最大遅延（12時間）。
	maxBackoff = 12 * time.Hour
	// stopParkDuration は恒久的な失敗ステータスを受けたソースの休止期間（30日）。
	// 設定マッピングは書き換えず、次回ポーリング予定の先送りのみで休止させる。
	stopParkDuration = 30 * 24 * time.Hour
)

// CalculateBackoff は連続失敗回数に基づいて指数バックオフ遅延を計算する。
// 初回失敗でポーリング間隔の2倍、以降2倍ずつ増加、最大12時間。
func CalculateBackoff(failureCount int, interval time.Duration) time.Duration {
	if failureCount < 1 {
		failureCount = 1
	}
	delay := interval
	for i := 0; i < failureCount; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// ApplySuccess はポーリング成功時のソース状態をリセットする。
// 連続失敗回数を0に戻し、エラーメッセージをクリアし、
// 次回ポーリングをポーリング間隔後に設定する。
func ApplySuccess(src *model.Source, interval time.Duration) {
	now := time.Now()
	src.LastFetchAt = &now
	src.LastError = ""
	src.FailureCount = 0
	src.NextPollAt = now.Add(interval)
}

// ApplyBackoff はポーリング失敗時に指数バックオフを適用する。
// 連続失敗回数をインクリメントし、次回ポーリングをバックオフ遅延後に設定する。
func ApplyBackoff(src *model.Source, interval time.Duration, reason string) {
	now := time.Now()
	src.LastFetchAt = &now
	src.LastError = reason
	src.FailureCount++
	src.NextPollAt = now.Add(CalculateBackoff(src.FailureCount, interval))
}

// ApplyStop は恒久的な失敗ステータスを受けたソースを長期休止させる。
// 404/410/401/403のような回復見込みのない応答に対して適用され、
// 理由をlast_errorに残したまま次回ポーリングを30日後まで先送りする。
func ApplyStop(src *model.Source, reason string) {
	now := time.Now()
	src.LastFetchAt = &now
	src.LastError = reason
	src.NextPollAt = now.Add(stopParkDuration)
}

// ApplyDisabled は無効化されたソースの次回ポーリングのみを先送りする。
// フェッチを行っていないため、取得時刻やエラー状態には触れない。
func ApplyDisabled(src *model.Source, interval time.Duration) {
	src.NextPollAt = time.Now().Add(interval)
}
