// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nkxxll/birdbrain/internal/auth"
	"github.com/nkxxll/birdbrain/internal/middleware"
	"github.com/nkxxll/birdbrain/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	BeginLogin(ctx context.Context) (string, error)
	HandleCallback(ctx context.Context, state, code string) (*model.SessionRecord, error)
	Logout(ctx context.Context, sessionID string) error
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	// AppURL はログイン完了後・ログアウト後の遷移先。
	AppURL string
}

// AuthHandler はOAuth認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
	}
}

// Login はPKCEフローを開始し、プロバイダーの認可画面にリダイレクトする。
// GET /login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	url, err := h.service.BeginLogin(r.Context())
	if err != nil {
		slog.Error("failed to begin login", slog.String("error", err.Error()))
		http.Error(w, "failed to start login", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理する。
// GET /oauth/callback?state=xxx&code=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	session, err := h.service.HandleCallback(r.Context(), q.Get("state"), q.Get("code"))
	if err != nil {
		if errors.Is(err, auth.ErrMissingCallbackParams) {
			http.Error(w, "missing state or code", http.StatusBadRequest)
			return
		}
		slog.Error("oauth callback failed", slog.String("error", err.Error()))
		http.Error(w, "authentication failed", http.StatusInternalServerError)
		return
	}

	// セッションCookieを設定（HTTP Only、有効期限なし）
	http.SetCookie(w, h.sessionCookie(session.ID, 0))

	http.Redirect(w, r, h.config.AppURL, http.StatusTemporaryRedirect)
}

// Logout はセッションを破棄してCookieをクリアする。
// POST /logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(middleware.SessionCookieName)
	if err == nil && cookie.Value != "" {
		if logoutErr := h.service.Logout(r.Context(), cookie.Value); logoutErr != nil {
			slog.Error("failed to logout", slog.String("error", logoutErr.Error()))
			// ログアウト失敗してもCookieはクリアする
		}
	}

	http.SetCookie(w, h.sessionCookie("", -1))

	http.Redirect(w, r, h.config.AppURL, http.StatusSeeOther)
}

// sessionCookie はセッションCookieを組み立てる。maxAgeが負の場合は削除用。
// ブラウザはlocalhostを安全なコンテキストとして扱うため、開発時もSecureを付ける。
func (h *AuthHandler) sessionCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
}
