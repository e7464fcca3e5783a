package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nkxxll/birdbrain/internal/model"
)

// PostgresPostRepo はPostgreSQLを使用した投稿リポジトリ。
type PostgresPostRepo struct {
	db *sql.DB
}

// NewPostgresPostRepo はPostgresPostRepoを生成する。
func NewPostgresPostRepo(db *sql.DB) *PostgresPostRepo {
	return &PostgresPostRepo{db: db}
}

const postColumns = `id, user_id, content, was_sent, created_at`

// Create は投稿を作成する。
func (r *PostgresPostRepo) Create(ctx context.Context, post *model.Post) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO posts (id, user_id, content, was_sent, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		post.ID, post.UserID, post.Content, post.WasSent, post.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert post: %w", err)
	}
	return nil
}

// FindByID は指定IDの投稿を取得する。見つからない場合はnilを返す。
func (r *PostgresPostRepo) FindByID(ctx context.Context, id string) (*model.Post, error) {
	post := &model.Post{}
	err := r.db.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE id = $1`,
		id,
	).Scan(&post.ID, &post.UserID, &post.Content, &post.WasSent, &post.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find post by ID: %w", err)
	}
	return post, nil
}

// ListByUser はユーザーの全投稿を作成日時の新しい順で返す。
func (r *PostgresPostRepo) ListByUser(ctx context.Context, userID string) ([]*model.Post, error) {
	return r.list(ctx,
		`SELECT `+postColumns+` FROM posts WHERE user_id = $1 ORDER BY created_at DESC, id`,
		userID,
	)
}

// ListUnsentByUser はユーザーの未送信の投稿を返す。
func (r *PostgresPostRepo) ListUnsentByUser(ctx context.Context, userID string) ([]*model.Post, error) {
	return r.list(ctx,
		`SELECT `+postColumns+` FROM posts WHERE user_id = $1 AND was_sent = FALSE ORDER BY created_at, id`,
		userID,
	)
}

func (r *PostgresPostRepo) list(ctx context.Context, query string, args ...any) ([]*model.Post, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list posts: %w", err)
	}
	defer rows.Close()

	posts := []*model.Post{}
	for rows.Next() {
		post := &model.Post{}
		if err := rows.Scan(&post.ID, &post.UserID, &post.Content, &post.WasSent, &post.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan post: %w", err)
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate posts: %w", err)
	}
	return posts, nil
}

// MarkSent は投稿を送信済みにする。既に送信済み、または存在しない場合もエラーにしない。
func (r *PostgresPostRepo) MarkSent(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE posts SET was_sent = TRUE WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark post as sent: %w", err)
	}
	return nil
}

// Delete はユーザーの投稿を削除する。該当がない場合はErrPostNotFoundを返す。
func (r *PostgresPostRepo) Delete(ctx context.Context, userID, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM posts WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete post: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrPostNotFound
	}
	return nil
}

// compile-time interface check
var _ PostRepository = (*PostgresPostRepo)(nil)
