package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nkxxll/birdbrain/internal/auth"
	"github.com/nkxxll/birdbrain/internal/middleware"
	"github.com/nkxxll/birdbrain/internal/model"
	"github.com/nkxxll/birdbrain/internal/publish"
)

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidRequest, model.ErrCodeInvalidPostText:
		return http.StatusBadRequest
	case model.ErrCodeSessionNotFound, model.ErrCodeRefreshFailed:
		return http.StatusUnauthorized
	case model.ErrCodePostNotFound, model.ErrCodeNoPostAvailable, model.ErrCodeUserNotFound:
		return http.StatusNotFound
	case model.ErrCodeProviderRejected:
		return http.StatusBadGateway
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// handlePublishError は投稿処理のエラーをレスポンスに変換する。
// プロバイダーが返したステータスとボディはクライアントが原因を表示できるようそのまま返す。
func handlePublishError(w http.ResponseWriter, err error) {
	var rejected *publish.ProviderRejectedError
	var refreshFailed *publish.RefreshFailedError

	switch {
	case errors.As(err, &rejected):
		if rejected.StatusCode == 0 {
			// 応答自体が得られなかった（タイムアウト・接続失敗）
			middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewProviderUnavailableError())
			return
		}
		writeRaw(w, rejected.StatusCode, rejected.Body)
	case errors.As(err, &refreshFailed):
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewRefreshFailedError())
	case errors.Is(err, publish.ErrNoTokenForSession), errors.Is(err, auth.ErrSessionNotFound):
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewSessionNotFoundError())
	case errors.Is(err, publish.ErrNoPostAvailable):
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewNoPostAvailableError())
	default:
		handleServiceError(w, err)
	}
}

// writeRaw はボディをそのまま書き込む。JSONとして解釈できない場合はtext/plainとする。
func writeRaw(w http.ResponseWriter, statusCode int, body []byte) {
	contentType := "text/plain; charset=utf-8"
	if json.Valid(body) {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(statusCode)
	w.Write(body)
}

// writeJSON は値をJSONとして書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// decodeJSON はリクエストボディをデコードする。失敗時は400を書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("JSONボディの解析に失敗しました"))
		return false
	}
	return true
}

// maxRequestBodyBytes はJSONリクエストボディの上限。
const maxRequestBodyBytes = 64 << 10

// sessionOrUnauthorized はコンテキストからセッションを取り出す。
// セッションミドルウェアを通っていない場合は401を書き込みnilを返す。
func sessionOrUnauthorized(w http.ResponseWriter, r *http.Request) *model.SessionRecord {
	session, err := middleware.SessionFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewSessionNotFoundError())
		return nil
	}
	return session
}
