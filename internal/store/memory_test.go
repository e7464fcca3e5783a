package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nkxxll/birdbrain/internal/model"
)

// --- VerifierStore ---

func TestMemoryVerifierStore_Take_IsSingleUse(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryVerifierStore()

	if err := s.Put(ctx, model.VerifierEntry{State: "s1", Verifier: "v1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}

	entry, err := s.Take(ctx, "s1")
	if err != nil {
		t.Fatalf("Take returned error: %v", err)
	}
	if entry == nil || entry.Verifier != "v1" {
		t.Fatalf("entry = %+v, want verifier v1", entry)
	}

	// 2回目の取得は存在しない扱いになること
	again, err := s.Take(ctx, "s1")
	if err != nil {
		t.Fatalf("second Take returned error: %v", err)
	}
	if again != nil {
		t.Errorf("second Take = %+v, want nil", again)
	}
}

func TestMemoryVerifierStore_Take_ConcurrentCallersGetOneEntry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryVerifierStore()
	_ = s.Put(ctx, model.VerifierEntry{State: "race", Verifier: "v"})

	var wg sync.WaitGroup
	var mu sync.Mutex
	hits := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, _ := s.Take(ctx, "race")
			if entry != nil {
				mu.Lock()
				hits++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if hits != 1 {
		t.Errorf("hits = %d, want 1", hits)
	}
}

func TestMemoryVerifierStore_PurgeOlderThan(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryVerifierStore()
	now := time.Now()
	_ = s.Put(ctx, model.VerifierEntry{State: "old", Verifier: "v", CreatedAt: now.Add(-time.Hour)})
	_ = s.Put(ctx, model.VerifierEntry{State: "new", Verifier: "v", CreatedAt: now})

	n, err := s.PurgeOlderThan(ctx, now.Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("PurgeOlderThan returned error: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

// --- SessionStore ---

func TestMemorySessionStore_GetMissing_ReturnsNil(t *testing.T) {
	s := NewMemorySessionStore()
	rec, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if rec != nil {
		t.Errorf("rec = %+v, want nil", rec)
	}
}

func TestMemorySessionStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySessionStore()
	_ = s.Set(ctx, &model.SessionRecord{ID: "sess", UserID: "u1", Tokens: model.TokenPair{AccessToken: "a1"}})

	rec, _ := s.Get(ctx, "sess")
	rec.Tokens.AccessToken = "mutated"

	again, _ := s.Get(ctx, "sess")
	if again.Tokens.AccessToken != "a1" {
		t.Errorf("AccessToken = %q, want %q", again.Tokens.AccessToken, "a1")
	}
}

func TestMemorySessionStore_UpdateIfPresent_MissingKey(t *testing.T) {
	s := NewMemorySessionStore()
	called := false
	rec, err := s.UpdateIfPresent(context.Background(), "missing", func(r *model.SessionRecord) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateIfPresent returned error: %v", err)
	}
	if rec != nil {
		t.Errorf("rec = %+v, want nil", rec)
	}
	if called {
		t.Error("fn should not be called for a missing key")
	}
}

func TestMemorySessionStore_UpdateIfPresent_ErrorDiscardsChange(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySessionStore()
	_ = s.Set(ctx, &model.SessionRecord{ID: "sess", Tokens: model.TokenPair{AccessToken: "a1"}})

	wantErr := errors.New("stale")
	_, err := s.UpdateIfPresent(ctx, "sess", func(r *model.SessionRecord) error {
		r.Tokens.AccessToken = "a2"
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}

	rec, _ := s.Get(ctx, "sess")
	if rec.Tokens.AccessToken != "a1" {
		t.Errorf("AccessToken = %q, want unchanged %q", rec.Tokens.AccessToken, "a1")
	}
}

func TestMemorySessionStore_ConcurrentUpdates_NoMixedPairs(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySessionStore()
	_ = s.Set(ctx, &model.SessionRecord{ID: "sess", Tokens: model.TokenPair{AccessToken: "a0", RefreshToken: "r0"}})

	var wg sync.WaitGroup
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _ = s.UpdateIfPresent(ctx, "sess", func(r *model.SessionRecord) error {
				r.Tokens = model.TokenPair{
					AccessToken:  fmt.Sprintf("a%d", n),
					RefreshToken: fmt.Sprintf("r%d", n),
				}
				return nil
			})
		}(i)
	}
	wg.Wait()

	rec, _ := s.Get(ctx, "sess")
	if rec.Tokens.AccessToken[1:] != rec.Tokens.RefreshToken[1:] {
		t.Errorf("token pair mixed: access=%q refresh=%q", rec.Tokens.AccessToken, rec.Tokens.RefreshToken)
	}
}

// --- ProgressStore ---

func TestMemoryProgressStore_Seed_NewOwnerStartsAtZero(t *testing.T) {
	s := NewMemoryProgressStore()
	rec, err := s.Seed(context.Background(), "u1", "sess-1")
	if err != nil {
		t.Fatalf("Seed returned error: %v", err)
	}
	if rec.OwnerID != "u1" || rec.Counter != 0 || rec.SessionID != "sess-1" {
		t.Errorf("rec = %+v, want {u1 0 sess-1}", rec)
	}
}

func TestMemoryProgressStore_Seed_PreservesCounter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryProgressStore()
	_, _ = s.Seed(ctx, "u1", "sess-1")
	_, _ = s.UpdateIfPresent(ctx, "u1", func(r *model.ProgressRecord) error {
		r.Counter = 35
		return nil
	})

	rec, _ := s.Seed(ctx, "u1", "sess-2")
	if rec.Counter != 35 {
		t.Errorf("Counter = %d, want 35", rec.Counter)
	}
	if rec.SessionID != "sess-2" {
		t.Errorf("SessionID = %q, want %q", rec.SessionID, "sess-2")
	}
}

func TestMemoryProgressStore_OwnerIDs_Sorted(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryProgressStore()
	_, _ = s.Seed(ctx, "u2", "s")
	_, _ = s.Seed(ctx, "u1", "s")

	ids, err := s.OwnerIDs(ctx)
	if err != nil {
		t.Fatalf("OwnerIDs returned error: %v", err)
	}
	if len(ids) != 2 || ids[0] != "u1" || ids[1] != "u2" {
		t.Errorf("ids = %v, want [u1 u2]", ids)
	}
}
