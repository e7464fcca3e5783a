// Package autopost は進捗カウンタに基づく自動投稿のスケジューラを提供する。
//
// ティックごとに全ユーザーのカウンタをstep進め、周期（100）で一周して0に戻ったユーザーについて
// 未送信の投稿をランダムに1件公開する。
package autopost

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nkxxll/birdbrain/internal/metrics"
	"github.com/nkxxll/birdbrain/internal/model"
	"github.com/nkxxll/birdbrain/internal/publish"
	"github.com/nkxxll/birdbrain/internal/store"
)

const (
	// DefaultStep は1ティックあたりのカウンタの増分。
	DefaultStep = 5
	// DefaultMaxConcurrency はユーザーを並列処理する最大数。
	DefaultMaxConcurrency = 10
)

// RandomPublisher は未送信投稿をランダムに1件公開するインターフェース。
type RandomPublisher interface {
	PublishRandom(ctx context.Context, sessionID string) (*publish.Result, error)
}

// Scheduler は自動投稿のスケジューリングと並列制御を行う。
// semaphoreパターンで最大並列数を制御しながらユーザーごとの処理を実行する。
type Scheduler struct {
	progress       store.ProgressStore
	publisher      RandomPublisher
	metrics        metrics.MetricsCollector
	logger         *slog.Logger
	maxConcurrency int
	step           int
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値10を使用する。
// stepが周期を割り切らない場合はデフォルト値5を使用する。
func NewScheduler(
	progress store.ProgressStore,
	publisher RandomPublisher,
	mc metrics.MetricsCollector,
	logger *slog.Logger,
	maxConcurrency int,
	step int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	if !ValidStep(step) {
		step = DefaultStep
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		progress:       progress,
		publisher:      publisher,
		metrics:        mc,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		step:           step,
	}
}

// ValidStep はstepが周期を割り切る正の値であるかを返す。
// 割り切れない値では一部のユーザーが0を踏まず、自動投稿が発火しなくなる。
func ValidStep(step int) bool {
	return step > 0 && step < model.ProgressCycle && model.ProgressCycle%step == 0
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
// 再起動のたびにカウンタが進まないよう、起動直後には実行しない。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("自動投稿スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("step", s.step),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("自動投稿スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("自動投稿サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は全ユーザーのカウンタを1ティック分進め、0に戻ったユーザーの投稿を公開する。
// 個々のユーザーの失敗はログに記録するのみで、RunOnceのエラーにはならない。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	ownerIDs, err := s.progress.OwnerIDs(ctx)
	if err != nil {
		return err
	}

	if len(ownerIDs) == 0 {
		s.logger.Debug("進捗レコードがありません")
		return nil
	}

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup
	var published atomic.Int64

	for _, ownerID := range ownerIDs {
		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			if s.tick(ctx, id) {
				published.Add(1)
			}
		}(ownerID)
	}

	wg.Wait()

	if s.metrics != nil {
		s.metrics.RecordSchedulerCycle(len(ownerIDs), int(published.Load()))
	}

	duration := time.Since(start)
	s.logger.Info("自動投稿サイクルが完了しました",
		slog.Int("owner_count", len(ownerIDs)),
		slog.Int64("published", published.Load()),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// tick は1ユーザー分のカウンタを進め、投稿を公開した場合にtrueを返す。
func (s *Scheduler) tick(ctx context.Context, ownerID string) bool {
	record, err := s.progress.UpdateIfPresent(ctx, ownerID, func(r *model.ProgressRecord) error {
		r.Counter = (r.Counter + s.step) % model.ProgressCycle
		return nil
	})
	if err != nil {
		s.logger.Error("進捗の更新に失敗しました",
			slog.String("user_id", ownerID),
			slog.String("error", err.Error()),
		)
		return false
	}
	if record == nil || record.Counter != 0 {
		return false
	}

	_, err = s.publisher.PublishRandom(ctx, record.SessionID)
	switch {
	case err == nil:
		return true
	case errors.Is(err, publish.ErrNoPostAvailable):
		s.logger.Info("未送信の投稿がないため自動投稿をスキップしました",
			slog.String("user_id", ownerID),
		)
	case errors.Is(err, publish.ErrNoTokenForSession):
		// レコードは残し、次回ログインでセッションIDが差し替えられるのを待つ
		s.logger.Warn("セッションが見つからないため自動投稿をスキップしました",
			slog.String("user_id", ownerID),
		)
	default:
		s.logger.Error("自動投稿に失敗しました",
			slog.String("user_id", ownerID),
			slog.String("error", err.Error()),
		)
	}
	return false
}
