package model

import "time"

// ProgressCycle は進捗カウンタの周期。カウンタは [0, ProgressCycle) の範囲を取る。
const ProgressCycle = 100

// VerifierEntry はOAuthのstateとPKCE verifierの対応を表す。
// /login で作成され、コールバックで1回だけ消費される。
type VerifierEntry struct {
	State     string    `json:"state"`
	Verifier  string    `json:"verifier"`
	CreatedAt time.Time `json:"created_at"`
}

// TokenPair はプロバイダーのトークンエンドポイントが返すトークン一式。
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	Scope        string    `json:"scope"`
	ExpiresIn    int64     `json:"expires_in"`
	Expiry       time.Time `json:"expiry"`
}

// SessionRecord はセッションIDに紐づくサーバー側の状態。
// リフレッシュ時はTokensのみが置き換えられる。
type SessionRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Tokens    TokenPair `json:"tokens"`
	CreatedAt time.Time `json:"created_at"`
}

// ProgressRecord はユーザーごとの自動投稿の進捗を表す。
// 再ログイン時はCounterを維持したままSessionIDだけが差し替えられる。
type ProgressRecord struct {
	OwnerID   string    `json:"owner_id"`
	Counter   int       `json:"counter"`
	SessionID string    `json:"session_id"`
	UpdatedAt time.Time `json:"updated_at"`
}
