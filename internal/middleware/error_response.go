package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/nkxxll/birdbrain/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスのJSON表現。
// Redirectはセッション切れなど、クライアントに遷移させたい場合だけ含める。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
	Redirect string `json:"redirect,omitempty"`
}

func newErrorResponseBody(apiErr *model.APIError) ErrorResponseBody {
	return ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
		Redirect: apiErr.Redirect,
	}
}

// WriteErrorResponse はAPIErrorをJSONで書き込む。apiErrがnilの場合は内部エラーとして扱う。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	if apiErr == nil {
		statusCode, apiErr = http.StatusInternalServerError, model.NewInternalError()
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(newErrorResponseBody(apiErr))
}

// WriteInternalServerError は500を書き込む。原因はログにのみ残し、レスポンスには含めない。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}
