package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

var accessLogContextKey = contextKey("access_log")

// probePaths はヘルスチェックとスクレイプ用のパス。頻繁に叩かれるためDEBUGで記録する。
var probePaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// accessLogInfo はセッションミドルウェアがアクセスログへ書き戻すユーザーID。
type accessLogInfo struct {
	userID string
}

// recordUserID はアクセスログにユーザーIDを書き戻す。ロギング外では何もしない。
func recordUserID(ctx context.Context, userID string) {
	if info, ok := ctx.Value(accessLogContextKey).(*accessLogInfo); ok {
		info.userID = userID
	}
}

// responseRecorder は最初に確定したステータスコードと書き込みバイト数を保持する。
type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (rr *responseRecorder) WriteHeader(code int) {
	if rr.status == 0 {
		rr.status = code
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	n, err := rr.ResponseWriter.Write(b)
	rr.bytes += n
	return n, err
}

// statusOrOK は何も書かれなかったレスポンスを200として扱う。
func (rr *responseRecorder) statusOrOK() int {
	if rr.status == 0 {
		return http.StatusOK
	}
	return rr.status
}

// accessLogLevel はステータスとパスからログレベルを決める。
func accessLogLevel(path string, status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	case probePaths[path]:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// NewLoggingMiddleware は1リクエストにつき1行の "http_request" ログを出力する。
// user_id は認証済みリクエストでのみ出力される。
func NewLoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &responseRecorder{ResponseWriter: w}
			info := &accessLogInfo{}

			next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), accessLogContextKey, info)))

			status := rec.statusOrOK()
			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int("bytes", rec.bytes),
				slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
			}

			userID := info.userID
			if userID == "" {
				userID, _ = UserIDFromContext(r.Context())
			}
			if userID != "" {
				attrs = append(attrs, slog.String("user_id", userID))
			}

			logger.LogAttrs(r.Context(), accessLogLevel(r.URL.Path, status), "http_request", attrs...)
		})
	}
}
