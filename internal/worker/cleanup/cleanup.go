// Package cleanup は放置されたPKCE verifierの自動削除ジョブを提供する。
//
// /login で発行されたがコールバックが戻らなかったstateは、そのままでは永久に残る。
// このジョブは保持期間を超過したエントリを定期的に削除する。
// 保持期間が設定された場合のみ起動する（明示的なオプトイン）。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nkxxll/birdbrain/internal/store"
)

// VerifierPurgeJob は保持期間を超過したverifierの自動削除ジョブ。
// 冪等な削除処理を保証する。
type VerifierPurgeJob struct {
	verifiers store.VerifierStore
	logger    *slog.Logger
	MaxAge    time.Duration // verifierの保持期間

	now func() time.Time
}

// NewVerifierPurgeJob は新しいVerifierPurgeJobを生成する。
func NewVerifierPurgeJob(verifiers store.VerifierStore, logger *slog.Logger, maxAge time.Duration) *VerifierPurgeJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &VerifierPurgeJob{
		verifiers: verifiers,
		logger:    logger,
		MaxAge:    maxAge,
		now:       time.Now,
	}
}

// Run はMaxAgeより前に作成されたverifierを削除し、削除件数を返す。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *VerifierPurgeJob) Run(ctx context.Context) (int, error) {
	if j.MaxAge <= 0 {
		return 0, fmt.Errorf("verifierの保持期間が設定されていません: %s", j.MaxAge)
	}

	start := j.now()
	cutoff := start.Add(-j.MaxAge)

	deleted, err := j.verifiers.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		j.logger.Error("verifierクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("max_age", j.MaxAge),
		)
		return 0, fmt.Errorf("verifierクリーンアップの実行に失敗: %w", err)
	}

	j.logger.Info("verifierクリーンアップジョブが完了しました",
		slog.Int("deleted_count", deleted),
		slog.Duration("max_age", j.MaxAge),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return deleted, nil
}

// Start は指定間隔でRunを繰り返す。コンテキストがキャンセルされるまで実行を継続する。
func (j *VerifierPurgeJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// エラーはRun内でログ済み
			_, _ = j.Run(ctx)
		}
	}
}
