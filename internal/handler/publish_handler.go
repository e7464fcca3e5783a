package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/nkxxll/birdbrain/internal/model"
	"github.com/nkxxll/birdbrain/internal/publish"
)

// PublishServiceInterface は即時投稿に必要なサービスインターフェース。
type PublishServiceInterface interface {
	Publish(ctx context.Context, sessionID, postID, text string) (*publish.Result, error)
}

// SessionRefresherInterface はトークン更新に必要なサービスインターフェース。
type SessionRefresherInterface interface {
	RefreshSession(ctx context.Context, sessionID string) (*model.SessionRecord, error)
}

// ProgressReader は進捗の参照に必要なインターフェース。store.ProgressStore の部分集合。
type ProgressReader interface {
	Get(ctx context.Context, ownerID string) (*model.ProgressRecord, error)
}

// PublishHandler は即時投稿・トークン更新・進捗参照のHTTPハンドラー。
type PublishHandler struct {
	posts     PostServiceInterface
	publisher PublishServiceInterface
	refresher SessionRefresherInterface
	progress  ProgressReader
	step      int
}

// NewPublishHandler はPublishHandlerを生成する。
// stepは自動投稿スケジューラの1tickあたりの進捗で、残りtick数の算出に使う。
func NewPublishHandler(
	posts PostServiceInterface,
	publisher PublishServiceInterface,
	refresher SessionRefresherInterface,
	progress ProgressReader,
	step int,
) *PublishHandler {
	return &PublishHandler{
		posts:     posts,
		publisher: publisher,
		refresher: refresher,
		progress:  progress,
		step:      step,
	}
}

// tweetRequest は即時投稿リクエストのボディ。
// IDを指定した場合は保存済みの投稿を送信する。Textが空なら保存済みの本文を使う。
type tweetRequest struct {
	Text string `json:"text"`
	ID   string `json:"id,omitempty"`
}

// Tweet は投稿を即時に公開する。成功時はプロバイダーの応答をそのまま返す。
// POST /api/tweet
func (h *PublishHandler) Tweet(w http.ResponseWriter, r *http.Request) {
	session := sessionOrUnauthorized(w, r)
	if session == nil {
		return
	}

	var req tweetRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var postID, text string
	if req.ID != "" {
		// 1. 保存済みの投稿を所有者チェック付きで取得
		p, err := h.posts.GetOwned(r.Context(), session.UserID, req.ID)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		postID, text = p.ID, p.Content
		if req.Text != "" {
			if text, err = h.posts.NormalizeText(req.Text); err != nil {
				handleServiceError(w, err)
				return
			}
		}
	} else {
		// 1. 新しい投稿として保存してから送信
		p, err := h.posts.Save(r.Context(), session.UserID, req.Text)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		postID, text = p.ID, p.Content
	}

	// 2. 公開（失敗時はリフレッシュして1回だけ再試行）
	res, err := h.publisher.Publish(r.Context(), session.ID, postID, text)
	if err != nil {
		slog.Warn("publish failed",
			slog.String("user_id", session.UserID),
			slog.String("post_id", postID),
			slog.String("error", err.Error()),
		)
		handlePublishError(w, err)
		return
	}

	writeRaw(w, http.StatusOK, res.Payload)
}

// refreshResponse はトークン更新のAPIレスポンス。トークン自体は返さない。
type refreshResponse struct {
	TokenType string    `json:"token_type"`
	Scope     string    `json:"scope"`
	ExpiresIn int64     `json:"expires_in"`
	Expiry    time.Time `json:"expiry"`
}

// Refresh はセッションのトークンを更新する。
// GET /api/refresh
func (h *PublishHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	session := sessionOrUnauthorized(w, r)
	if session == nil {
		return
	}

	updated, err := h.refresher.RefreshSession(r.Context(), session.ID)
	if err != nil {
		slog.Warn("token refresh failed",
			slog.String("user_id", session.UserID),
			slog.String("error", err.Error()),
		)
		handlePublishError(w, &publish.RefreshFailedError{Err: err})
		return
	}

	writeJSON(w, http.StatusOK, refreshResponse{
		TokenType: updated.Tokens.TokenType,
		Scope:     updated.Tokens.Scope,
		ExpiresIn: updated.Tokens.ExpiresIn,
		Expiry:    updated.Tokens.Expiry,
	})
}

// progressResponse は自動投稿の進捗のAPIレスポンス。
type progressResponse struct {
	Counter int `json:"counter"`
	Step    int `json:"step"`
	// TicksUntilPublish は次の自動投稿までのtick数。
	TicksUntilPublish int       `json:"ticks_until_publish"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Progress はユーザーの自動投稿の進捗を返す。
// GET /api/progress
func (h *PublishHandler) Progress(w http.ResponseWriter, r *http.Request) {
	session := sessionOrUnauthorized(w, r)
	if session == nil {
		return
	}

	rec, err := h.progress.Get(r.Context(), session.UserID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	res := progressResponse{Step: h.step}
	if rec != nil {
		res.Counter = rec.Counter
		res.UpdatedAt = rec.UpdatedAt
	}
	if h.step > 0 {
		res.TicksUntilPublish = (model.ProgressCycle - res.Counter) / h.step
	}

	writeJSON(w, http.StatusOK, res)
}
