// Package auth はOAuth 2.0 PKCE認証フロー、セッション管理を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nkxxll/birdbrain/internal/model"
	"github.com/nkxxll/birdbrain/internal/repository"
	"github.com/nkxxll/birdbrain/internal/store"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrMissingCallbackParams はコールバックにstateまたはcodeがないことを表す。
	ErrMissingCallbackParams = errors.New("missing state or code")
	// ErrVerifierNotFound はstateに対応するverifierが存在しない（消費済みまたは未発行）ことを表す。
	ErrVerifierNotFound = errors.New("verifier not found for state")
	// ErrSessionNotFound はセッションが存在しないことを表す。
	ErrSessionNotFound = errors.New("session not found")
)

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
// xapi.Clientが実装する。
type OAuthProvider interface {
	// AuthCodeURL はPKCEチャレンジ付きの認可URLを生成する。
	AuthCodeURL(state, verifier string) string
	// ExchangeCode は認可コードとverifierをトークンに交換する。
	ExchangeCode(ctx context.Context, code, verifier string) (*model.TokenPair, error)
	// Refresh はリフレッシュトークンで新しいトークン一式を取得する。
	Refresh(ctx context.Context, refreshToken string) (*model.TokenPair, error)
	// FetchOwnerIdentity はアクセストークンの所有者情報を取得する。
	FetchOwnerIdentity(ctx context.Context, accessToken string) (*model.OwnerIdentity, error)
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	oauth     OAuthProvider
	verifiers store.VerifierStore
	sessions  store.SessionStore
	progress  store.ProgressStore
	userRepo  repository.UserRepository
	logger    *slog.Logger

	refreshGroup singleflight.Group
	now          func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	oauth OAuthProvider,
	verifiers store.VerifierStore,
	sessions store.SessionStore,
	progress store.ProgressStore,
	userRepo repository.UserRepository,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		oauth:     oauth,
		verifiers: verifiers,
		sessions:  sessions,
		progress:  progress,
		userRepo:  userRepo,
		logger:    logger,
		now:       time.Now,
	}
}

// BeginLogin はstateとverifierを生成して保存し、認可URLを返す。
// stateとverifierはいずれも32バイトの乱数をbase64urlエンコードしたもの。
func (s *Service) BeginLogin(ctx context.Context) (string, error) {
	state := oauth2.GenerateVerifier()
	verifier := oauth2.GenerateVerifier()

	entry := model.VerifierEntry{
		State:     state,
		Verifier:  verifier,
		CreatedAt: s.now(),
	}
	if err := s.verifiers.Put(ctx, entry); err != nil {
		return "", fmt.Errorf("failed to store verifier: %w", err)
	}

	return s.oauth.AuthCodeURL(state, verifier), nil
}

// HandleCallback はOAuthコールバックを処理し、セッションを発行する。
// verifierは取得と同時に削除されるため、同じstateでの2回目の呼び出しは失敗する。
// 失敗時は途中の状態（セッション・進捗）を一切残さない。
func (s *Service) HandleCallback(ctx context.Context, state, code string) (*model.SessionRecord, error) {
	if state == "" || code == "" {
		return nil, ErrMissingCallbackParams
	}

	// 1. verifierを取得と同時に削除（単回使用）
	entry, err := s.verifiers.Take(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("failed to take verifier: %w", err)
	}
	if entry == nil {
		return nil, ErrVerifierNotFound
	}

	// 2. 認可コードをトークンに交換
	tokens, err := s.oauth.ExchangeCode(ctx, code, entry.Verifier)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	// 3. トークンの所有者を取得
	owner, err := s.oauth.FetchOwnerIdentity(ctx, tokens.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch owner identity: %w", err)
	}

	// 4. ユーザーを永続化
	now := s.now()
	user := &model.User{
		ID:        owner.ID,
		Username:  owner.Username,
		Name:      owner.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.userRepo.Upsert(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}

	// 5. セッションを発行
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}
	session := &model.SessionRecord{
		ID:        sessionID,
		UserID:    owner.ID,
		Tokens:    *tokens,
		CreatedAt: now,
	}
	if err := s.sessions.Set(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	// 6. 進捗を初期化（既存のカウンタは維持し、セッションIDのみ差し替える）
	if _, err := s.progress.Seed(ctx, owner.ID, sessionID); err != nil {
		if rmErr := s.sessions.Remove(ctx, sessionID); rmErr != nil {
			s.logger.Error("failed to roll back session",
				slog.String("user_id", owner.ID),
				slog.String("error", rmErr.Error()),
			)
		}
		return nil, fmt.Errorf("failed to seed progress: %w", err)
	}

	s.logger.Info("user logged in",
		slog.String("user_id", owner.ID),
		slog.String("username", owner.Username),
	)

	return session, nil
}

// RefreshSession はセッションのリフレッシュトークンで新しいトークン一式を取得し、保存する。
//
// 同一セッションへの同時呼び出しはsingleflightで1回のプロバイダー呼び出しにまとめられる。
// 保存は使用したリフレッシュトークンとの比較付きで行い、別経路で既に更新済みの場合は
// 新しい方のトークンを残す。
func (s *Service) RefreshSession(ctx context.Context, sessionID string) (*model.SessionRecord, error) {
	v, err, _ := s.refreshGroup.Do(sessionID, func() (any, error) {
		return s.refresh(context.WithoutCancel(ctx), sessionID)
	})
	if err != nil {
		return nil, err
	}
	// 共有された結果を呼び出し元ごとに複製する
	record := *v.(*model.SessionRecord)
	return &record, nil
}

func (s *Service) refresh(ctx context.Context, sessionID string) (*model.SessionRecord, error) {
	current, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if current == nil {
		return nil, ErrSessionNotFound
	}

	used := current.Tokens.RefreshToken
	tokens, err := s.oauth.Refresh(ctx, used)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	updated, err := s.sessions.UpdateIfPresent(ctx, sessionID, func(rec *model.SessionRecord) error {
		if rec.Tokens.RefreshToken != used {
			// 別経路のリフレッシュが先に保存済み。新しい方を残す
			return errStaleRefresh
		}
		rec.Tokens = *tokens
		return nil
	})
	if errors.Is(err, errStaleRefresh) {
		s.logger.Info("session was refreshed concurrently; keeping newer tokens",
			slog.String("user_id", current.UserID),
		)
		latest, getErr := s.sessions.Get(ctx, sessionID)
		if getErr != nil {
			return nil, fmt.Errorf("failed to get session: %w", getErr)
		}
		if latest == nil {
			return nil, ErrSessionNotFound
		}
		return latest, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to save refreshed tokens: %w", err)
	}
	if updated == nil {
		// リフレッシュ中にログアウトされた
		return nil, ErrSessionNotFound
	}

	s.logger.Info("session tokens refreshed",
		slog.String("user_id", updated.UserID),
	)
	return updated, nil
}

var errStaleRefresh = errors.New("refresh token changed during refresh")

// Logout はセッションを破棄する。
// 進捗レコードは残るため、次回ログインまで自動投稿はスキップされる。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessions.Remove(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	s.logger.Info("user logged out")
	return nil
}

// GetCurrentUser はユーザーIDから現在のユーザーを取得する。
func (s *Service) GetCurrentUser(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	return user, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
