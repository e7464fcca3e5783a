// Package publish はセッションのアクセストークンを使った投稿処理を提供する。
// 投稿が拒否された場合はトークンをリフレッシュして1回だけ再試行する。
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/nkxxll/birdbrain/internal/metrics"
	"github.com/nkxxll/birdbrain/internal/model"
	"github.com/nkxxll/birdbrain/internal/repository"
	"github.com/nkxxll/birdbrain/internal/store"
	"github.com/nkxxll/birdbrain/internal/xapi"
)

// Publisher は投稿APIのインターフェース。
type Publisher interface {
	PublishPost(ctx context.Context, accessToken, text string) (*xapi.PublishResult, error)
}

// SessionRefresher はセッションのトークンを更新するインターフェース。
type SessionRefresher interface {
	RefreshSession(ctx context.Context, sessionID string) (*model.SessionRecord, error)
}

// Result は投稿成功時の結果。
type Result struct {
	PostID         string
	ProviderPostID string
	// Payload はプロバイダーの応答ボディそのまま。
	Payload json.RawMessage
}

// Service は投稿処理を行う。
type Service struct {
	publisher Publisher
	refresher SessionRefresher
	sessions  store.SessionStore
	posts     repository.PostRepository
	metrics   metrics.MetricsCollector
	logger    *slog.Logger

	// pick は [0, n) の一様乱数を返す。テストで差し替え可能。
	pick func(n int) int
}

// NewService はServiceを生成する。metricsはnilでもよい。
func NewService(
	publisher Publisher,
	refresher SessionRefresher,
	sessions store.SessionStore,
	posts repository.PostRepository,
	mc metrics.MetricsCollector,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		publisher: publisher,
		refresher: refresher,
		sessions:  sessions,
		posts:     posts,
		metrics:   mc,
		logger:    logger,
		pick:      rand.IntN,
	}
}

// Publish はセッションのアクセストークンでテキストを投稿する。
//
// 1回目が失敗した場合（2xx以外・タイムアウト・送信失敗）はトークンをリフレッシュして1回だけ再試行し、
// 2回目も失敗した場合はその応答を*ProviderRejectedErrorとしてそのまま返す。
// 成功した場合、postIDが指定されていればその投稿を送信済みにする。
func (s *Service) Publish(ctx context.Context, sessionID, postID, text string) (*Result, error) {
	start := time.Now()
	defer func() {
		s.recordLatency(time.Since(start))
	}()

	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session == nil {
		s.recordOutcome(metrics.OutcomeNoSession)
		return nil, ErrNoTokenForSession
	}

	// 1. 現在のアクセストークンで投稿
	res, err := s.publisher.PublishPost(ctx, session.Tokens.AccessToken, text)
	outcome := metrics.OutcomeSuccess
	if err != nil {
		s.recordStatus(err)
		s.logger.Warn("post rejected; refreshing token and retrying once",
			slog.String("user_id", session.UserID),
			slog.String("error", err.Error()),
		)

		// 2. トークンをリフレッシュ
		refreshed, rerr := s.refresher.RefreshSession(ctx, sessionID)
		if s.metrics != nil {
			s.metrics.RecordRefresh(rerr == nil)
		}
		if rerr != nil {
			s.recordOutcome(metrics.OutcomeRefreshFailed)
			return nil, &RefreshFailedError{Err: rerr}
		}

		// 3. 新しいトークンで1回だけ再試行
		res, err = s.publisher.PublishPost(ctx, refreshed.Tokens.AccessToken, text)
		if err != nil {
			s.recordStatus(err)
			s.recordOutcome(metrics.OutcomeRejected)
			return nil, toRejected(err)
		}
		outcome = metrics.OutcomeRetried
	}

	// 4. 投稿を送信済みにする（冪等）
	if postID != "" {
		if err := s.posts.MarkSent(ctx, postID); err != nil {
			return nil, fmt.Errorf("failed to mark post as sent: %w", err)
		}
	}

	s.recordOutcome(outcome)
	s.logger.Info("post published",
		slog.String("user_id", session.UserID),
		slog.String("post_id", postID),
		slog.String("provider_post_id", res.ID),
	)

	return &Result{
		PostID:         postID,
		ProviderPostID: res.ID,
		Payload:        res.Raw,
	}, nil
}

// PublishRandom はセッションの所有者の未送信投稿から一様ランダムに1件選んで投稿する。
// 未送信の投稿がない場合はErrNoPostAvailableを返す。
func (s *Service) PublishRandom(ctx context.Context, sessionID string) (*Result, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session == nil {
		s.recordOutcome(metrics.OutcomeNoSession)
		return nil, ErrNoTokenForSession
	}

	unsent, err := s.posts.ListUnsentByUser(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsent posts: %w", err)
	}
	if len(unsent) == 0 {
		s.recordOutcome(metrics.OutcomeNoPost)
		return nil, ErrNoPostAvailable
	}

	post := unsent[s.pick(len(unsent))]
	return s.Publish(ctx, sessionID, post.ID, post.Content)
}

// toRejected は2回目の投稿エラーを*ProviderRejectedErrorに変換する。
func toRejected(err error) *ProviderRejectedError {
	var statusErr *xapi.StatusError
	if errors.As(err, &statusErr) {
		return &ProviderRejectedError{StatusCode: statusErr.StatusCode, Body: statusErr.Body, Err: err}
	}
	return &ProviderRejectedError{Err: err}
}

func (s *Service) recordOutcome(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordPublish(outcome)
	}
}

func (s *Service) recordStatus(err error) {
	var statusErr *xapi.StatusError
	if s.metrics != nil && errors.As(err, &statusErr) {
		s.metrics.RecordProviderStatus(statusErr.StatusCode)
	}
}

func (s *Service) recordLatency(d time.Duration) {
	if s.metrics != nil {
		s.metrics.RecordPublishLatency(d)
	}
}
