package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, post, provider, system
	Action   string // ユーザー向け対処方法
	Redirect string // クライアントが遷移すべきパス（任意）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeSessionNotFound  = "SESSION_NOT_FOUND"
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeInvalidPostText  = "INVALID_POST_TEXT"
	ErrCodePostNotFound     = "POST_NOT_FOUND"
	ErrCodeNoPostAvailable  = "NO_POST_AVAILABLE"
	ErrCodeRefreshFailed    = "REFRESH_FAILED"
	ErrCodeProviderRejected = "PROVIDER_REJECTED"
	ErrCodeUserNotFound     = "USER_NOT_FOUND"
	ErrCodeRateLimited      = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// LoginPath は未認証時にクライアントを誘導するパス。
const LoginPath = "/login"

// NewSessionNotFoundError はセッション未検出エラーを生成する。
// クライアントは Redirect に従ってログインし直す。
func NewSessionNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionNotFound,
		Message:  "ログインしていません。",
		Category: "auth",
		Action:   "ログインし直してください。",
		Redirect: LoginPath,
	}
}

// NewInvalidRequestError はリクエスト形式の不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}

// NewInvalidPostTextError は投稿本文が不正な場合のエラーを生成する。
func NewInvalidPostTextError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPostText,
		Message:  fmt.Sprintf("投稿本文が不正です: %s", reason),
		Category: "validation",
		Action:   "1文字以上280文字以内のテキストを入力してください。",
	}
}

// NewPostNotFoundError は投稿未検出エラーを生成する。
func NewPostNotFoundError(postID string) *APIError {
	return &APIError{
		Code:     ErrCodePostNotFound,
		Message:  fmt.Sprintf("指定された投稿が見つかりません: %s", postID),
		Category: "post",
		Action:   "投稿IDを確認してください。",
	}
}

// NewNoPostAvailableError は未送信の投稿が存在しない場合のエラーを生成する。
func NewNoPostAvailableError() *APIError {
	return &APIError{
		Code:     ErrCodeNoPostAvailable,
		Message:  "未送信の投稿がありません。",
		Category: "post",
		Action:   "新しい投稿を作成してください。",
	}
}

// NewRefreshFailedError はトークンのリフレッシュ失敗エラーを生成する。
func NewRefreshFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeRefreshFailed,
		Message:  "アクセストークンの更新に失敗しました。",
		Category: "auth",
		Action:   "ログインし直してください。",
		Redirect: LoginPath,
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
		Redirect: LoginPath,
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterの秒数だけ待ってから再度お試しください。",
	}
}

// NewProviderUnavailableError はプロバイダーから応答が得られなかった場合のエラーを生成する。
func NewProviderUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeProviderRejected,
		Message:  "投稿先サービスから応答がありませんでした。",
		Category: "provider",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はレスポンスに含めない。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
