package publish

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nkxxll/birdbrain/internal/metrics"
	"github.com/nkxxll/birdbrain/internal/model"
	"github.com/nkxxll/birdbrain/internal/repository"
	"github.com/nkxxll/birdbrain/internal/store"
	"github.com/nkxxll/birdbrain/internal/xapi"
)

// --- モック定義 ---

type publishCall struct {
	accessToken string
	text        string
}

// mockPublisher は呼び出し順にresponsesを返す。
type mockPublisher struct {
	mu        sync.Mutex
	calls     []publishCall
	responses []func() (*xapi.PublishResult, error)
}

func (m *mockPublisher) PublishPost(_ context.Context, accessToken, text string) (*xapi.PublishResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := len(m.calls)
	m.calls = append(m.calls, publishCall{accessToken: accessToken, text: text})
	if i < len(m.responses) {
		return m.responses[i]()
	}
	return nil, errors.New("unexpected call")
}

func accept(id string) func() (*xapi.PublishResult, error) {
	return func() (*xapi.PublishResult, error) {
		raw := json.RawMessage(`{"data":{"id":"` + id + `","text":"hello"}}`)
		return &xapi.PublishResult{ID: id, Text: "hello", Raw: raw}, nil
	}
}

func reject(status int, body string) func() (*xapi.PublishResult, error) {
	return func() (*xapi.PublishResult, error) {
		return nil, &xapi.StatusError{StatusCode: status, Body: []byte(body)}
	}
}

type mockRefresher struct {
	sessions  store.SessionStore
	calls     int
	refreshFn func(ctx context.Context, sessionID string) (*model.SessionRecord, error)
}

func (m *mockRefresher) RefreshSession(ctx context.Context, sessionID string) (*model.SessionRecord, error) {
	m.calls++
	if m.refreshFn != nil {
		return m.refreshFn(ctx, sessionID)
	}
	return m.sessions.UpdateIfPresent(ctx, sessionID, func(r *model.SessionRecord) error {
		r.Tokens.AccessToken = "a2"
		r.Tokens.RefreshToken = "r2"
		return nil
	})
}

type mockPostRepo struct {
	mu     sync.Mutex
	posts  map[string]*model.Post
	marked []string
}

func newMockPostRepo(posts ...*model.Post) *mockPostRepo {
	m := &mockPostRepo{posts: map[string]*model.Post{}}
	for _, p := range posts {
		m.posts[p.ID] = p
	}
	return m
}

func (m *mockPostRepo) Create(_ context.Context, post *model.Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posts[post.ID] = post
	return nil
}

func (m *mockPostRepo) FindByID(_ context.Context, id string) (*model.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.posts[id], nil
}

func (m *mockPostRepo) ListByUser(_ context.Context, userID string) ([]*model.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Post
	for _, p := range m.posts {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockPostRepo) ListUnsentByUser(_ context.Context, userID string) ([]*model.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Post
	for _, p := range m.posts {
		if p.UserID == userID && !p.WasSent {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockPostRepo) MarkSent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked = append(m.marked, id)
	if p, ok := m.posts[id]; ok {
		p.WasSent = true
	}
	return nil
}

func (m *mockPostRepo) Delete(_ context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.posts, id)
	return nil
}

type mockMetrics struct {
	outcomes []string
	refresh  []bool
}

func (m *mockMetrics) RecordPublish(outcome string) { m.outcomes = append(m.outcomes, outcome) }
func (m *mockMetrics) RecordRefresh(success bool) { m.refresh = append(m.refresh, success) }
func (m *mockMetrics) RecordProviderStatus(int) {}
func (m *mockMetrics) RecordPublishLatency(time.Duration) {}
func (m *mockMetrics) RecordSchedulerCycle(int, int) {}

// --- compile-time interface checks ---
var _ Publisher = (*mockPublisher)(nil)
var _ SessionRefresher = (*mockRefresher)(nil)
var _ repository.PostRepository = (*mockPostRepo)(nil)
var _ metrics.MetricsCollector = (*mockMetrics)(nil)

// --- テストヘルパー ---

type testEnv struct {
	svc       *Service
	publisher *mockPublisher
	refresher *mockRefresher
	sessions  *store.MemorySessionStore
	posts     *mockPostRepo
	metrics   *mockMetrics
}

func newTestEnv(t *testing.T, posts ...*model.Post) *testEnv {
	t.Helper()
	sessions := store.NewMemorySessionStore()
	err := sessions.Set(context.Background(), &model.SessionRecord{
		ID:     "sess-1",
		UserID: "u1",
		Tokens: model.TokenPair{AccessToken: "a1", RefreshToken: "r1"},
	})
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	env := &testEnv{
		publisher: &mockPublisher{},
		refresher: &mockRefresher{sessions: sessions},
		sessions:  sessions,
		posts:     newMockPostRepo(posts...),
		metrics:   &mockMetrics{},
	}
	env.svc = NewService(env.publisher, env.refresher, sessions, env.posts, env.metrics, nil)
	return env
}

// --- テスト ---

func TestPublish_FirstAttemptSucceeds(t *testing.T) {
	env := newTestEnv(t, &model.Post{ID: "p1", UserID: "u1", Content: "hello"})
	env.publisher.responses = []func() (*xapi.PublishResult, error){accept("t1")}

	res, err := env.svc.Publish(context.Background(), "sess-1", "p1", "hello")
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if res.ProviderPostID != "t1" || res.PostID != "p1" {
		t.Errorf("res = %+v", res)
	}
	if env.refresher.calls != 0 {
		t.Errorf("refresh calls = %d, want 0", env.refresher.calls)
	}
	if env.publisher.calls[0].accessToken != "a1" {
		t.Errorf("access token = %q, want a1", env.publisher.calls[0].accessToken)
	}
	if len(env.posts.marked) != 1 || env.posts.marked[0] != "p1" {
		t.Errorf("marked = %v, want [p1]", env.posts.marked)
	}
	if string(res.Payload) != `{"data":{"id":"t1","text":"hello"}}` {
		t.Errorf("Payload = %s", res.Payload)
	}
}

// 2xxはボディが解析できなくても受理済みとして扱い、再送しない
func TestPublish_AcceptedWithUnparsableBody_NotResent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, "created")
	}))
	t.Cleanup(srv.Close)

	env := newTestEnv(t, &model.Post{ID: "p1", UserID: "u1", Content: "hello"})
	client := xapi.NewClient(xapi.Config{TweetsURL: srv.URL}, srv.Client(), nil)
	env.svc = NewService(client, env.refresher, env.sessions, env.posts, env.metrics, nil)

	res, err := env.svc.Publish(context.Background(), "sess-1", "p1", "hello")
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("provider calls = %d, want 1", got)
	}
	if env.refresher.calls != 0 {
		t.Errorf("refresh calls = %d, want 0", env.refresher.calls)
	}
	if len(env.posts.marked) != 1 || env.posts.marked[0] != "p1" {
		t.Errorf("marked = %v, want [p1]", env.posts.marked)
	}
	if string(res.Payload) != "created" {
		t.Errorf("Payload = %q, want provider body verbatim", res.Payload)
	}
}

// 1回目が拒否され、リフレッシュ後の2回目が成功する場合、投稿は送信済みになる
func TestPublish_RetryOnceAfterRefresh_Succeeds(t *testing.T) {
	env := newTestEnv(t, &model.Post{ID: "p1", UserID: "u1", Content: "hello"})
	env.publisher.responses = []func() (*xapi.PublishResult, error){
		reject(401, `{"title":"Unauthorized"}`),
		accept("t1"),
	}

	res, err := env.svc.Publish(context.Background(), "sess-1", "p1", "hello")
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if res.ProviderPostID != "t1" {
		t.Errorf("ProviderPostID = %q, want t1", res.ProviderPostID)
	}

	if len(env.publisher.calls) != 2 {
		t.Fatalf("publish calls = %d, want 2", len(env.publisher.calls))
	}
	if env.publisher.calls[1].accessToken != "a2" {
		t.Errorf("retry access token = %q, want a2", env.publisher.calls[1].accessToken)
	}
	if env.refresher.calls != 1 {
		t.Errorf("refresh calls = %d, want 1", env.refresher.calls)
	}
	if p, _ := env.posts.FindByID(context.Background(), "p1"); !p.WasSent {
		t.Error("post should be marked as sent")
	}
	if len(env.metrics.outcomes) != 1 || env.metrics.outcomes[0] != metrics.OutcomeRetried {
		t.Errorf("outcomes = %v, want [%s]", env.metrics.outcomes, metrics.OutcomeRetried)
	}
}

// 2回とも拒否された場合、2回目の応答をそのまま返し、それ以上は再試行しない
func TestPublish_BothAttemptsRejected_PropagatesSecondResponse(t *testing.T) {
	env := newTestEnv(t, &model.Post{ID: "p1", UserID: "u1", Content: "hello"})
	env.publisher.responses = []func() (*xapi.PublishResult, error){
		reject(401, `{"first":true}`),
		reject(403, `{"detail":"duplicate content"}`),
	}

	_, err := env.svc.Publish(context.Background(), "sess-1", "p1", "hello")

	var rejected *ProviderRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("error = %v, want *ProviderRejectedError", err)
	}
	if rejected.StatusCode != 403 || string(rejected.Body) != `{"detail":"duplicate content"}` {
		t.Errorf("rejected = %d %s, want second response", rejected.StatusCode, rejected.Body)
	}
	if len(env.publisher.calls) != 2 {
		t.Errorf("publish calls = %d, want exactly 2", len(env.publisher.calls))
	}
	if len(env.posts.marked) != 0 {
		t.Errorf("marked = %v, want none", env.posts.marked)
	}
}

// タイムアウトも2xx以外と同様にリフレッシュして再試行する
func TestPublish_TimeoutTreatedAsRejection(t *testing.T) {
	env := newTestEnv(t)
	env.publisher.responses = []func() (*xapi.PublishResult, error){
		func() (*xapi.PublishResult, error) { return nil, context.DeadlineExceeded },
		accept("t1"),
	}

	if _, err := env.svc.Publish(context.Background(), "sess-1", "", "hello"); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if env.refresher.calls != 1 {
		t.Errorf("refresh calls = %d, want 1", env.refresher.calls)
	}
	// postIDなしでは送信済みにしない
	if len(env.posts.marked) != 0 {
		t.Errorf("marked = %v, want none", env.posts.marked)
	}
}

func TestPublish_SecondAttemptTransportError_StatusZero(t *testing.T) {
	env := newTestEnv(t)
	env.publisher.responses = []func() (*xapi.PublishResult, error){
		reject(401, "{}"),
		func() (*xapi.PublishResult, error) { return nil, errors.New("connection reset") },
	}

	_, err := env.svc.Publish(context.Background(), "sess-1", "", "hello")
	var rejected *ProviderRejectedError
	if !errors.As(err, &rejected) || rejected.StatusCode != 0 {
		t.Fatalf("error = %v, want status-less *ProviderRejectedError", err)
	}
}

func TestPublish_RefreshFails(t *testing.T) {
	env := newTestEnv(t)
	env.publisher.responses = []func() (*xapi.PublishResult, error){reject(401, "{}")}
	refreshErr := errors.New("invalid_grant")
	env.refresher.refreshFn = func(ctx context.Context, sessionID string) (*model.SessionRecord, error) {
		return nil, refreshErr
	}

	_, err := env.svc.Publish(context.Background(), "sess-1", "", "hello")
	var rf *RefreshFailedError
	if !errors.As(err, &rf) {
		t.Fatalf("error = %v, want *RefreshFailedError", err)
	}
	if !errors.Is(err, refreshErr) {
		t.Error("RefreshFailedError should wrap the refresh error")
	}
	if len(env.publisher.calls) != 1 {
		t.Errorf("publish calls = %d, want 1", len(env.publisher.calls))
	}
	if len(env.metrics.refresh) != 1 || env.metrics.refresh[0] {
		t.Errorf("refresh metrics = %v, want [false]", env.metrics.refresh)
	}
}

func TestPublish_UnknownSession(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Publish(context.Background(), "missing", "", "hello")
	if !errors.Is(err, ErrNoTokenForSession) {
		t.Errorf("error = %v, want ErrNoTokenForSession", err)
	}
	if len(env.publisher.calls) != 0 {
		t.Errorf("publish calls = %d, want 0", len(env.publisher.calls))
	}
}

func TestPublishRandom_NoUnsentPosts(t *testing.T) {
	env := newTestEnv(t,
		&model.Post{ID: "p1", UserID: "u1", Content: "sent", WasSent: true},
		&model.Post{ID: "p2", UserID: "other", Content: "not mine"},
	)

	_, err := env.svc.PublishRandom(context.Background(), "sess-1")
	if !errors.Is(err, ErrNoPostAvailable) {
		t.Errorf("error = %v, want ErrNoPostAvailable", err)
	}
	if len(env.publisher.calls) != 0 {
		t.Errorf("publish calls = %d, want 0", len(env.publisher.calls))
	}
}

func TestPublishRandom_PublishesOwnersUnsentPost(t *testing.T) {
	env := newTestEnv(t,
		&model.Post{ID: "p1", UserID: "u1", Content: "first"},
		&model.Post{ID: "p2", UserID: "other", Content: "not mine"},
	)
	env.publisher.responses = []func() (*xapi.PublishResult, error){accept("t1")}

	res, err := env.svc.PublishRandom(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("PublishRandom() error = %v", err)
	}
	if res.PostID != "p1" || env.publisher.calls[0].text != "first" {
		t.Errorf("published %q (%q), want p1", res.PostID, env.publisher.calls[0].text)
	}
}

// 選択は一様ランダム：十分な回数で全候補が選ばれる
func TestPublishRandom_SelectionCoversAllCandidates(t *testing.T) {
	ids := []string{"p1", "p2", "p3"}
	seen := map[string]int{}
	for i := 0; i < 300; i++ {
		var posts []*model.Post
		for _, id := range ids {
			posts = append(posts, &model.Post{ID: id, UserID: "u1", Content: id})
		}
		env := newTestEnv(t, posts...)
		env.publisher.responses = []func() (*xapi.PublishResult, error){accept("t")}

		res, err := env.svc.PublishRandom(context.Background(), "sess-1")
		if err != nil {
			t.Fatalf("PublishRandom() error = %v", err)
		}
		seen[res.PostID]++
	}

	for _, id := range ids {
		// 期待値100回に対して極端に偏らないこと
		if seen[id] < 50 {
			t.Errorf("post %s selected %d/300 times", id, seen[id])
		}
	}
}

func TestPublishRandom_UsesPicker(t *testing.T) {
	env := newTestEnv(t,
		&model.Post{ID: "p1", UserID: "u1", Content: "1"},
		&model.Post{ID: "p2", UserID: "u1", Content: "2"},
	)
	env.publisher.responses = []func() (*xapi.PublishResult, error){accept("t")}

	var gotN int
	env.svc.pick = func(n int) int {
		gotN = n
		return 0
	}

	if _, err := env.svc.PublishRandom(context.Background(), "sess-1"); err != nil {
		t.Fatalf("PublishRandom() error = %v", err)
	}
	if gotN != 2 {
		t.Errorf("pick called with %d, want 2", gotN)
	}
}
