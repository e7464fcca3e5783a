// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/nkxxll/birdbrain/internal/model"
)

// SessionCookieName はセッションIDを保持するCookieの名前。
const SessionCookieName = "sessionId"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	userIDContextKey  = contextKey("user_id")
	sessionContextKey = contextKey("session")
)

// SessionGetter はセッションの取得に必要なインターフェース。
// store.SessionStore の部分集合として定義する。
type SessionGetter interface {
	Get(ctx context.Context, id string) (*model.SessionRecord, error)
}

// NewSessionMiddleware はHTTP Only CookieからセッションIDを読み取り、
// SessionStore に存在するかを検証するミドルウェアを返す。
// 有効な場合はセッションとユーザーIDをリクエストコンテキストに注入する。
// 未認証リクエストにはログイン画面への誘導を含む401を返す。
func NewSessionMiddleware(sessions SessionGetter) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 1. CookieからセッションIDを取得
			cookie, err := r.Cookie(SessionCookieName)
			if err != nil || cookie.Value == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewSessionNotFoundError())
				return
			}

			// 2. セッションの存在を確認
			session, err := sessions.Get(r.Context(), cookie.Value)
			if err != nil {
				slog.Error("failed to get session",
					slog.String("error", err.Error()),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewSessionNotFoundError())
				return
			}
			if session == nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewSessionNotFoundError())
				return
			}

			// 3. セッションとユーザーIDをコンテキストに注入
			ctx := ContextWithSession(r.Context(), session)
			recordUserID(ctx, session.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionFromContext はリクエストコンテキストからセッションを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func SessionFromContext(ctx context.Context) (*model.SessionRecord, error) {
	session, ok := ctx.Value(sessionContextKey).(*model.SessionRecord)
	if !ok || session == nil {
		return nil, fmt.Errorf("session not found in context")
	}
	return session, nil
}

// ContextWithSession はコンテキストにセッションとそのユーザーIDを注入する。
func ContextWithSession(ctx context.Context, session *model.SessionRecord) context.Context {
	ctx = context.WithValue(ctx, sessionContextKey, session)
	return context.WithValue(ctx, userIDContextKey, session.UserID)
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDのみを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}
