package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nkxxll/birdbrain/internal/model"
)

const (
	selectUserByID = `SELECT id, username, name, created_at, updated_at FROM users WHERE id = $1`

	// 再ログイン時はプロフィールのみ更新し、初回登録日時を返す。
	upsertUser = `INSERT INTO users (id, username, name, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE
SET username = EXCLUDED.username, name = EXCLUDED.name, updated_at = EXCLUDED.updated_at
RETURNING created_at`
)

// PostgresUserRepo はXアカウントの所有者をusersテーブルに保存する。
type PostgresUserRepo struct {
	db *sql.DB
}

func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID はプロバイダのユーザーIDで検索する。存在しなければ (nil, nil)。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := r.db.QueryRowContext(ctx, selectUserByID, id).
		Scan(&u.ID, &u.Username, &u.Name, &u.CreatedAt, &u.UpdatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to find user %s: %w", id, err)
	}
	return &u, nil
}

// Upsert はログインしたアカウントを登録または更新する。
// user.CreatedAt には保存済みの初回登録日時が書き戻される。
func (r *PostgresUserRepo) Upsert(ctx context.Context, user *model.User) error {
	row := r.db.QueryRowContext(ctx, upsertUser,
		user.ID, user.Username, user.Name, user.CreatedAt, user.UpdatedAt)
	if err := row.Scan(&user.CreatedAt); err != nil {
		return fmt.Errorf("failed to upsert user %s: %w", user.ID, err)
	}
	return nil
}

var _ UserRepository = (*PostgresUserRepo)(nil)
