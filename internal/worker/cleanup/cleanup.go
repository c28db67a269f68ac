// Package cleanup は終端アイテムの自動削除ジョブを提供する。
// 保持期間を超過したprocessed/failedのアイテムを日次バッチで削除する。
// new/pendingのアイテムは処理待ちのため対象にしない。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// defaultRetentionDays は終端アイテムのデフォルト保持日数。
// 削除とともに重複判定の履歴も消えるため、アップストリームの
// 再配信間隔より十分長い値にしている。
const defaultRetentionDays = 90

// TerminalItemDeleter は終端アイテムの一括削除を抽象化する。
type TerminalItemDeleter interface {
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CleanupJob は保持期間を超過した終端アイテムを削除する日次バッチジョブ。
// 削除対象がない状態で何度実行してもエラーにならない。
type CleanupJob struct {
	deleter       TerminalItemDeleter
	logger        *slog.Logger
	RetentionDays int // 保持日数。生成後に上書きできる
}

// NewCleanupJob は保持日数defaultRetentionDaysのCleanupJobを生成する。
func NewCleanupJob(deleter TerminalItemDeleter, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		deleter:       deleter,
		logger:        logger,
		RetentionDays: defaultRetentionDays,
	}
}

// Run はprocessed_atが保持期間より古い終端アイテムを削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	cutoff := start.AddDate(0, 0, -j.RetentionDays)

	deleted, err := j.deleter.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("アイテムクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("アイテムクリーンアップの実行に失敗しました: %w", err)
	}

	j.logger.Info("アイテムクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Int("retention_days", j.RetentionDays),
		slog.String("cutoff", cutoff.Format(time.RFC3339)),
		slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000.0),
	)

	return nil
}
