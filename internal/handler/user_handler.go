package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/nkxxll/birdbrain/internal/model"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	// GetCurrentUser はユーザー情報を返す。存在しない場合は *model.APIError を返す。
	GetCurrentUser(ctx context.Context, userID string) (*model.User, error)
}

// UserHandler はログインユーザー情報のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{
		service: service,
	}
}

// userResponse はユーザー情報のAPIレスポンス。
type userResponse struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// MyUser はセッションのユーザー情報を返す。
// GET /api/myuser
func (h *UserHandler) MyUser(w http.ResponseWriter, r *http.Request) {
	session := sessionOrUnauthorized(w, r)
	if session == nil {
		return
	}

	user, err := h.service.GetCurrentUser(r.Context(), session.UserID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, userResponse{
		ID:        user.ID,
		Username:  user.Username,
		Name:      user.Name,
		CreatedAt: user.CreatedAt,
	})
}
