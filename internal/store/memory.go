package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nkxxll/birdbrain/internal/model"
)

// keyedMap は値をコピーで保持するミューテックス付きマップ。
// 呼び出し元へは常にコピーを返すため、ロック外での変更が共有状態に漏れない。
type keyedMap[V any] struct {
	mu    sync.Mutex
	items map[string]V
}

func newKeyedMap[V any]() *keyedMap[V] {
	return &keyedMap[V]{items: make(map[string]V)}
}

func (m *keyedMap[V]) get(key string) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[key]
	return v, ok
}

func (m *keyedMap[V]) set(key string, v V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = v
}

func (m *keyedMap[V]) remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
}

func (m *keyedMap[V]) take(key string) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[key]
	if ok {
		delete(m.items, key)
	}
	return v, ok
}

// update はキーが存在する場合のみfnを適用する。
// fnはロック保持中に呼ばれるため、I/Oを含めてはならない。
func (m *keyedMap[V]) update(key string, fn func(*V) error) (V, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[key]
	if !ok {
		var zero V
		return zero, false, nil
	}
	if err := fn(&v); err != nil {
		var zero V
		return zero, true, err
	}
	m.items[key] = v
	return v, true, nil
}

// upsert はキーの有無にかかわらずfnを適用して保存する。
func (m *keyedMap[V]) upsert(key string, fn func(v *V, exists bool)) V {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[key]
	fn(&v, ok)
	m.items[key] = v
	return v
}

func (m *keyedMap[V]) removeIf(pred func(V) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, v := range m.items {
		if pred(v) {
			delete(m.items, k)
			n++
		}
	}
	return n
}

func (m *keyedMap[V]) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *keyedMap[V]) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// MemoryVerifierStore はプロセス内メモリのVerifierStore実装。
type MemoryVerifierStore struct {
	m *keyedMap[model.VerifierEntry]
}

// NewMemoryVerifierStore は空のMemoryVerifierStoreを生成する。
func NewMemoryVerifierStore() *MemoryVerifierStore {
	return &MemoryVerifierStore{m: newKeyedMap[model.VerifierEntry]()}
}

// Put はstateに対応するverifierを保存する。
func (s *MemoryVerifierStore) Put(_ context.Context, entry model.VerifierEntry) error {
	s.m.set(entry.State, entry)
	return nil
}

// Take はエントリを取得と同時に削除する。
func (s *MemoryVerifierStore) Take(_ context.Context, state string) (*model.VerifierEntry, error) {
	entry, ok := s.m.take(state)
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

// PurgeOlderThan はcutoffより前に作成されたエントリを削除する。
func (s *MemoryVerifierStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	return s.m.removeIf(func(e model.VerifierEntry) bool {
		return e.CreatedAt.Before(cutoff)
	}), nil
}

// Len は保持しているエントリ数を返す。テスト用。
func (s *MemoryVerifierStore) Len() int {
	return s.m.len()
}

// MemorySessionStore はプロセス内メモリのSessionStore実装。
type MemorySessionStore struct {
	m *keyedMap[model.SessionRecord]
}

// NewMemorySessionStore は空のMemorySessionStoreを生成する。
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{m: newKeyedMap[model.SessionRecord]()}
}

// Get は指定IDのセッションを返す。
func (s *MemorySessionStore) Get(_ context.Context, id string) (*model.SessionRecord, error) {
	rec, ok := s.m.get(id)
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// Set はセッションを保存する。
func (s *MemorySessionStore) Set(_ context.Context, record *model.SessionRecord) error {
	s.m.set(record.ID, *record)
	return nil
}

// Remove は指定IDのセッションを削除する。
func (s *MemorySessionStore) Remove(_ context.Context, id string) error {
	s.m.remove(id)
	return nil
}

// UpdateIfPresent はレコードが存在する場合のみfnを適用する。
func (s *MemorySessionStore) UpdateIfPresent(_ context.Context, id string, fn func(*model.SessionRecord) error) (*model.SessionRecord, error) {
	rec, ok, err := s.m.update(id, fn)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// Len は保持しているセッション数を返す。テスト用。
func (s *MemorySessionStore) Len() int {
	return s.m.len()
}

// MemoryProgressStore はプロセス内メモリのProgressStore実装。
type MemoryProgressStore struct {
	m   *keyedMap[model.ProgressRecord]
	now func() time.Time
}

// NewMemoryProgressStore は空のMemoryProgressStoreを生成する。
func NewMemoryProgressStore() *MemoryProgressStore {
	return &MemoryProgressStore{m: newKeyedMap[model.ProgressRecord](), now: time.Now}
}

// Get は指定ユーザーの進捗を返す。
func (s *MemoryProgressStore) Get(_ context.Context, ownerID string) (*model.ProgressRecord, error) {
	rec, ok := s.m.get(ownerID)
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// Seed は進捗を初期化または更新する。既存のCounterは維持する。
func (s *MemoryProgressStore) Seed(_ context.Context, ownerID, sessionID string) (*model.ProgressRecord, error) {
	rec := s.m.upsert(ownerID, func(r *model.ProgressRecord, exists bool) {
		if !exists {
			r.OwnerID = ownerID
			r.Counter = 0
		}
		r.SessionID = sessionID
		r.UpdatedAt = s.now()
	})
	return &rec, nil
}

// UpdateIfPresent はレコードが存在する場合のみfnを適用する。
func (s *MemoryProgressStore) UpdateIfPresent(_ context.Context, ownerID string, fn func(*model.ProgressRecord) error) (*model.ProgressRecord, error) {
	rec, ok, err := s.m.update(ownerID, func(r *model.ProgressRecord) error {
		if err := fn(r); err != nil {
			return err
		}
		r.UpdatedAt = s.now()
		return nil
	})
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// OwnerIDs は進捗レコードを持つ全ユーザーIDを昇順で返す。
func (s *MemoryProgressStore) OwnerIDs(_ context.Context) ([]string, error) {
	return s.m.keys(), nil
}

// compile-time interface check
var (
	_ VerifierStore = (*MemoryVerifierStore)(nil)
	_ SessionStore  = (*MemorySessionStore)(nil)
	_ ProgressStore = (*MemoryProgressStore)(nil)
)
