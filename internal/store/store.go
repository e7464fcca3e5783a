// Package store はプロセス内で共有される短命な状態（verifier、セッション、進捗）の
// 保存インターフェースとインメモリ実装を提供する。
//
// すべての実装はキー単位のread-modify-writeを原子的に行う。
// 見つからないキーに対するGetは (nil, nil) を返す。
package store

import (
	"context"
	"time"

	"github.com/nkxxll/birdbrain/internal/model"
)

// VerifierStore はOAuthのstateからPKCE verifierへの対応を保持する。
type VerifierStore interface {
	// Put はstateに対応するverifierを保存する。
	Put(ctx context.Context, entry model.VerifierEntry) error
	// Take はstateに対応するエントリを取得し、同時に削除する。
	// 2回目以降の呼び出しは (nil, nil) を返す。
	Take(ctx context.Context, state string) (*model.VerifierEntry, error)
	// PurgeOlderThan はcutoffより前に作成されたエントリを削除し、削除件数を返す。
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// SessionStore はセッションIDからセッションレコードへの対応を保持する。
type SessionStore interface {
	// Get は指定IDのセッションを返す。
	Get(ctx context.Context, id string) (*model.SessionRecord, error)
	// Set はセッションを保存する。既存のレコードは上書きされる。
	Set(ctx context.Context, record *model.SessionRecord) error
	// Remove は指定IDのセッションを削除する。存在しない場合もエラーにしない。
	Remove(ctx context.Context, id string) error
	// UpdateIfPresent はレコードが存在する場合のみfnを適用して保存する。
	// fnがエラーを返した場合は保存せずにそのエラーを返す。
	// レコードが存在しない場合は (nil, nil) を返す。
	UpdateIfPresent(ctx context.Context, id string, fn func(*model.SessionRecord) error) (*model.SessionRecord, error)
}

// ProgressStore はユーザーIDから自動投稿の進捗レコードへの対応を保持する。
type ProgressStore interface {
	// Get は指定ユーザーの進捗を返す。
	Get(ctx context.Context, ownerID string) (*model.ProgressRecord, error)
	// Seed はログイン時に進捗を初期化または更新する。
	// 既存レコードのCounterは維持し、SessionIDのみを差し替える。
	Seed(ctx context.Context, ownerID, sessionID string) (*model.ProgressRecord, error)
	// UpdateIfPresent はレコードが存在する場合のみfnを適用して保存する。
	UpdateIfPresent(ctx context.Context, ownerID string, fn func(*model.ProgressRecord) error) (*model.ProgressRecord, error)
	// OwnerIDs は進捗レコードを持つ全ユーザーIDを返す。
	OwnerIDs(ctx context.Context) ([]string, error)
}
