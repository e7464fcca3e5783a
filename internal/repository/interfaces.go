// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"

	"github.com/nkxxll/birdbrain/internal/model"
)

// ErrPostNotFound は対象の投稿が存在しない（または他ユーザーの投稿である）ことを表す。
var ErrPostNotFound = errors.New("post not found")

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// Upsert はユーザーを作成する。既に存在する場合はusernameとnameを更新する。
	Upsert(ctx context.Context, user *model.User) error
}

// PostRepository は投稿データの永続化インターフェース。
type PostRepository interface {
	// Create は投稿を作成する。
	Create(ctx context.Context, post *model.Post) error

	// FindByID は指定IDの投稿を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Post, error)

	// ListByUser はユーザーの全投稿を作成日時の新しい順で返す。
	ListByUser(ctx context.Context, userID string) ([]*model.Post, error)

	// ListUnsentByUser はユーザーの未送信の投稿を返す。
	ListUnsentByUser(ctx context.Context, userID string) ([]*model.Post, error)

	// MarkSent は投稿を送信済みにする。既に送信済みでもエラーにしない。
	MarkSent(ctx context.Context, id string) error

	// Delete はユーザーの投稿を削除する。該当がない場合はErrPostNotFoundを返す。
	Delete(ctx context.Context, userID, id string) error
}
