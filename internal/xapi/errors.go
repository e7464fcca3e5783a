package xapi

import "fmt"

// ErrorKind はAuthErrorの原因区分。
type ErrorKind string

const (
	// KindRequest はリクエスト送信またはレスポンス読み取りの失敗。
	KindRequest ErrorKind = "request"
	// KindStatus はプロバイダーが2xx以外のステータスを返したことを表す。
	KindStatus ErrorKind = "status"
	// KindDecode はレスポンスが期待するスキーマに一致しないことを表す。
	KindDecode ErrorKind = "decode"
)

// AuthError はトークン交換・リフレッシュ・本人情報取得の失敗を表す。
type AuthError struct {
	Op         string // "exchange", "refresh", "identity"
	Kind       ErrorKind
	StatusCode int    // KindStatusの場合のみ
	Body       string // KindStatusの場合のレスポンスボディ
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	switch e.Kind {
	case KindStatus:
		return fmt.Sprintf("xapi %s: status %d: %s", e.Op, e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("xapi %s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

// Unwrap は元のエラーを返す。
func (e *AuthError) Unwrap() error {
	return e.Err
}

// StatusError は投稿APIが2xx以外を返したことを表す。
// StatusCodeとBodyはプロバイダーの応答そのまま。
type StatusError struct {
	StatusCode int
	Body       []byte
}

// Error はerrorインターフェースを実装する。
func (e *StatusError) Error() string {
	return fmt.Sprintf("xapi publish: status %d: %s", e.StatusCode, string(e.Body))
}
