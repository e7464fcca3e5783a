// Package post は投稿（下書き）管理のドメインロジックを提供する。
package post

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/nkxxll/birdbrain/internal/model"
	"github.com/nkxxll/birdbrain/internal/repository"
	"github.com/nkxxll/birdbrain/internal/security"
)

// MaxTextLength は投稿本文の最大文字数（rune単位）。
const MaxTextLength = 280

// Service は投稿管理のサービス層。
// 作成、一覧取得、削除と所有者チェック付きの取得を提供する。
type Service struct {
	postRepo  repository.PostRepository
	sanitizer security.TextSanitizer
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(postRepo repository.PostRepository, sanitizer security.TextSanitizer) *Service {
	return &Service{
		postRepo:  postRepo,
		sanitizer: sanitizer,
		now:       time.Now,
	}
}

// NormalizeText はマークアップを除去した本文を返す。
// 空または MaxTextLength を超える場合は *model.APIError を返す。
func (s *Service) NormalizeText(raw string) (string, error) {
	text := s.sanitizer.Sanitize(raw)
	if text == "" {
		return "", model.NewInvalidPostTextError("本文が空です")
	}
	if n := utf8.RuneCountInString(text); n > MaxTextLength {
		return "", model.NewInvalidPostTextError(fmt.Sprintf("%d文字は上限の%d文字を超えています", n, MaxTextLength))
	}
	return text, nil
}

// Save は新しい投稿を未送信の状態で保存する。
func (s *Service) Save(ctx context.Context, userID, raw string) (*model.Post, error) {
	text, err := s.NormalizeText(raw)
	if err != nil {
		return nil, err
	}

	p := &model.Post{
		ID:        uuid.NewString(),
		UserID:    userID,
		Content:   text,
		WasSent:   false,
		CreatedAt: s.now().UTC(),
	}
	if err := s.postRepo.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("投稿の保存に失敗しました: %w", err)
	}
	return p, nil
}

// List はユーザーの全投稿を新しい順で返す。
func (s *Service) List(ctx context.Context, userID string) ([]*model.Post, error) {
	posts, err := s.postRepo.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("投稿一覧の取得に失敗しました: %w", err)
	}
	if posts == nil {
		posts = []*model.Post{}
	}
	return posts, nil
}

// GetOwned はユーザーが所有する投稿を返す。
// 存在しない場合と他ユーザーの投稿の場合はどちらも投稿未検出エラーを返す。
func (s *Service) GetOwned(ctx context.Context, userID, postID string) (*model.Post, error) {
	if _, err := uuid.Parse(postID); err != nil {
		return nil, model.NewPostNotFoundError(postID)
	}

	p, err := s.postRepo.FindByID(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("投稿の取得に失敗しました: %w", err)
	}
	if p == nil || p.UserID != userID {
		return nil, model.NewPostNotFoundError(postID)
	}
	return p, nil
}

// Delete はユーザーの投稿を削除する。
func (s *Service) Delete(ctx context.Context, userID, postID string) error {
	if _, err := uuid.Parse(postID); err != nil {
		return model.NewPostNotFoundError(postID)
	}

	if err := s.postRepo.Delete(ctx, userID, postID); err != nil {
		if errors.Is(err, repository.ErrPostNotFound) {
			return model.NewPostNotFoundError(postID)
		}
		return fmt.Errorf("投稿の削除に失敗しました: %w", err)
	}
	return nil
}
