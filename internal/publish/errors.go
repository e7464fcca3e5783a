package publish

import (
	"errors"
	"fmt"
)

var (
	// ErrNoTokenForSession はセッションが存在せずアクセストークンを得られないことを表す。
	ErrNoTokenForSession = errors.New("no token for session")
	// ErrNoPostAvailable は未送信の投稿がないことを表す（自動投稿のみ）。
	ErrNoPostAvailable = errors.New("no unsent post available")
)

// ProviderRejectedError はリトライ後も投稿が失敗したことを表す。
// StatusCodeとBodyは2回目の応答そのまま。送信自体が失敗した場合StatusCodeは0。
type ProviderRejectedError struct {
	StatusCode int
	Body       []byte
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *ProviderRejectedError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("provider rejected post: %v", e.Err)
	}
	return fmt.Sprintf("provider rejected post: status %d: %s", e.StatusCode, string(e.Body))
}

// Unwrap は元のエラーを返す。
func (e *ProviderRejectedError) Unwrap() error {
	return e.Err
}

// RefreshFailedError は1回目の投稿失敗後のトークンリフレッシュが失敗したことを表す。
type RefreshFailedError struct {
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *RefreshFailedError) Error() string {
	return fmt.Sprintf("token refresh failed: %v", e.Err)
}

// Unwrap は元のエラーを返す。
func (e *RefreshFailedError) Unwrap() error {
	return e.Err
}
