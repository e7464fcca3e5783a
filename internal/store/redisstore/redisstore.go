// Package redisstore はRedisを使用したストア実装を提供する。
// APIサーバーとワーカーを別プロセスで動かす場合に、
// verifier・セッション・進捗を共有するために使用する。
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nkxxll/birdbrain/internal/model"
	"github.com/nkxxll/birdbrain/internal/store"
	"github.com/redis/go-redis/v9"
)

const (
	verifierPrefix = "birdbrain:verifier:"
	sessionPrefix  = "birdbrain:session:"
	progressPrefix = "birdbrain:progress:"
	progressOwners = "birdbrain:progress:owners"

	// maxTxRetries はWATCH競合時の再試行回数。
	maxTxRetries = 10
)

// errNotPresent はupdateJSONでキーが存在しないことを表す内部エラー。
var errNotPresent = errors.New("key not present")

// NewClient はREDIS_URL形式の接続文字列からクライアントを生成する。
func NewClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// getter は*redis.Clientと*redis.Txに共通するGet操作。
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// getJSON はキーの値をJSONとしてデコードする。存在しない場合はnilを返す。
func getJSON[T any](ctx context.Context, c getter, key string) (*T, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return &v, nil
}

// updateJSON はWATCHによる楽観的トランザクションでキーを更新する。
// fnにはキーの現在値（存在しない場合はnil）が渡され、保存する値を返す。
// fnがerrNotPresentを返した場合は何も保存しない。
func updateJSON[T any](ctx context.Context, c *redis.Client, key string, fn func(cur *T) (*T, error), extra func(pipe redis.Pipeliner)) (*T, error) {
	var result *T
	txf := func(tx *redis.Tx) error {
		cur, err := getJSON[T](ctx, tx, key)
		if err != nil {
			return err
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", key, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if extra != nil {
				extra(pipe)
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = next
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := c.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("failed to update %s: too many concurrent modifications", key)
}

// VerifierStore はRedisを使用したstore.VerifierStore実装。
type VerifierStore struct {
	client *redis.Client
}

// NewVerifierStore はVerifierStoreを生成する。
func NewVerifierStore(client *redis.Client) *VerifierStore {
	return &VerifierStore{client: client}
}

// Put はstateに対応するverifierを保存する。有効期限は設定しない。
func (s *VerifierStore) Put(ctx context.Context, entry model.VerifierEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal verifier: %w", err)
	}
	if err := s.client.Set(ctx, verifierPrefix+entry.State, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save verifier: %w", err)
	}
	return nil
}

// Take はGETDELでエントリを取得と同時に削除する。
func (s *VerifierStore) Take(ctx context.Context, state string) (*model.VerifierEntry, error) {
	data, err := s.client.GetDel(ctx, verifierPrefix+state).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to take verifier: %w", err)
	}
	var entry model.VerifierEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal verifier: %w", err)
	}
	return &entry, nil
}

// PurgeOlderThan はSCANで全verifierを走査し、cutoffより古いものを削除する。
func (s *VerifierStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	purged := 0
	iter := s.client.Scan(ctx, 0, verifierPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		entry, err := getJSON[model.VerifierEntry](ctx, s.client, key)
		if err != nil {
			return purged, err
		}
		if entry == nil || !entry.CreatedAt.Before(cutoff) {
			continue
		}
		n, err := s.client.Del(ctx, key).Result()
		if err != nil {
			return purged, fmt.Errorf("failed to delete verifier: %w", err)
		}
		purged += int(n)
	}
	if err := iter.Err(); err != nil {
		return purged, fmt.Errorf("failed to scan verifiers: %w", err)
	}
	return purged, nil
}

// SessionStore はRedisを使用したstore.SessionStore実装。
type SessionStore struct {
	client *redis.Client
}

// NewSessionStore はSessionStoreを生成する。
func NewSessionStore(client *redis.Client) *SessionStore {
	return &SessionStore{client: client}
}

// Get は指定IDのセッションを返す。
func (s *SessionStore) Get(ctx context.Context, id string) (*model.SessionRecord, error) {
	return getJSON[model.SessionRecord](ctx, s.client, sessionPrefix+id)
}

// Set はセッションを保存する。
func (s *SessionStore) Set(ctx context.Context, record *model.SessionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := s.client.Set(ctx, sessionPrefix+record.ID, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Remove は指定IDのセッションを削除する。
func (s *SessionStore) Remove(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, sessionPrefix+id).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// UpdateIfPresent はレコードが存在する場合のみfnを適用する。
func (s *SessionStore) UpdateIfPresent(ctx context.Context, id string, fn func(*model.SessionRecord) error) (*model.SessionRecord, error) {
	rec, err := updateJSON(ctx, s.client, sessionPrefix+id, func(cur *model.SessionRecord) (*model.SessionRecord, error) {
		if cur == nil {
			return nil, errNotPresent
		}
		if err := fn(cur); err != nil {
			return nil, err
		}
		return cur, nil
	}, nil)
	if errors.Is(err, errNotPresent) {
		return nil, nil
	}
	return rec, err
}

// ProgressStore はRedisを使用したstore.ProgressStore実装。
// 全ユーザーIDは別途SETで管理する。
type ProgressStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewProgressStore はProgressStoreを生成する。
func NewProgressStore(client *redis.Client) *ProgressStore {
	return &ProgressStore{client: client, now: time.Now}
}

// Get は指定ユーザーの進捗を返す。
func (s *ProgressStore) Get(ctx context.Context, ownerID string) (*model.ProgressRecord, error) {
	return getJSON[model.ProgressRecord](ctx, s.client, progressPrefix+ownerID)
}

// Seed は進捗を初期化または更新する。既存のCounterは維持する。
func (s *ProgressStore) Seed(ctx context.Context, ownerID, sessionID string) (*model.ProgressRecord, error) {
	return updateJSON(ctx, s.client, progressPrefix+ownerID, func(cur *model.ProgressRecord) (*model.ProgressRecord, error) {
		if cur == nil {
			cur = &model.ProgressRecord{OwnerID: ownerID}
		}
		cur.SessionID = sessionID
		cur.UpdatedAt = s.now()
		return cur, nil
	}, func(pipe redis.Pipeliner) {
		pipe.SAdd(ctx, progressOwners, ownerID)
	})
}

// UpdateIfPresent はレコードが存在する場合のみfnを適用する。
func (s *ProgressStore) UpdateIfPresent(ctx context.Context, ownerID string, fn func(*model.ProgressRecord) error) (*model.ProgressRecord, error) {
	rec, err := updateJSON(ctx, s.client, progressPrefix+ownerID, func(cur *model.ProgressRecord) (*model.ProgressRecord, error) {
		if cur == nil {
			return nil, errNotPresent
		}
		if err := fn(cur); err != nil {
			return nil, err
		}
		cur.UpdatedAt = s.now()
		return cur, nil
	}, nil)
	if errors.Is(err, errNotPresent) {
		return nil, nil
	}
	return rec, err
}

// OwnerIDs は進捗レコードを持つ全ユーザーIDを返す。
func (s *ProgressStore) OwnerIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, progressOwners).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list progress owners: %w", err)
	}
	return ids, nil
}

// compile-time interface check
var (
	_ store.VerifierStore = (*VerifierStore)(nil)
	_ store.SessionStore  = (*SessionStore)(nil)
	_ store.ProgressStore = (*ProgressStore)(nil)
)
