package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nkxxll/birdbrain/internal/model"
)

// PostServiceInterface は投稿ハンドラーが必要とするサービスインターフェース。
type PostServiceInterface interface {
	NormalizeText(raw string) (string, error)
	Save(ctx context.Context, userID, raw string) (*model.Post, error)
	List(ctx context.Context, userID string) ([]*model.Post, error)
	GetOwned(ctx context.Context, userID, postID string) (*model.Post, error)
	Delete(ctx context.Context, userID, postID string) error
}

// PostHandler は投稿（下書き）管理のHTTPハンドラー。
type PostHandler struct {
	service PostServiceInterface
}

// NewPostHandler はPostHandlerを生成する。
func NewPostHandler(service PostServiceInterface) *PostHandler {
	return &PostHandler{
		service: service,
	}
}

// savePostRequest は投稿保存リクエストのボディ。
type savePostRequest struct {
	Text string `json:"text"`
}

// postResponse は投稿のAPIレスポンス。
type postResponse struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	WasSent   bool      `json:"was_sent"`
	CreatedAt time.Time `json:"created_at"`
}

func toPostResponse(p *model.Post) postResponse {
	return postResponse{
		ID:        p.ID,
		UserID:    p.UserID,
		Content:   p.Content,
		WasSent:   p.WasSent,
		CreatedAt: p.CreatedAt,
	}
}

// ListPosts はユーザーの投稿一覧を返す。
// GET /api/posts
func (h *PostHandler) ListPosts(w http.ResponseWriter, r *http.Request) {
	session := sessionOrUnauthorized(w, r)
	if session == nil {
		return
	}

	posts, err := h.service.List(r.Context(), session.UserID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	res := make([]postResponse, len(posts))
	for i, p := range posts {
		res[i] = toPostResponse(p)
	}
	writeJSON(w, http.StatusOK, res)
}

// SavePost は投稿を未送信の状態で保存する。
// POST /api/savepost
func (h *PostHandler) SavePost(w http.ResponseWriter, r *http.Request) {
	session := sessionOrUnauthorized(w, r)
	if session == nil {
		return
	}

	var req savePostRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := h.service.Save(r.Context(), session.UserID, req.Text)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toPostResponse(p))
}

// DeletePost はユーザーの投稿を削除する。
// DELETE /api/posts/{id}
func (h *PostHandler) DeletePost(w http.ResponseWriter, r *http.Request) {
	session := sessionOrUnauthorized(w, r)
	if session == nil {
		return
	}

	if err := h.service.Delete(r.Context(), session.UserID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
