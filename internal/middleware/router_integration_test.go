package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/nkxxll/birdbrain/internal/model"
)

// TestRouterIntegration_ProtectedRoute_WithMiddlewareChain は
// Recovery -> SecurityHeaders -> Session -> RateLimit のチェーンが
// chi.Routerで正しく動作することを検証する。
func TestRouterIntegration_ProtectedRoute_WithMiddlewareChain(t *testing.T) {
	getter := &mockSessionGetter{
		getFn: func(ctx context.Context, id string) (*model.SessionRecord, error) {
			if id == "router-test-session" {
				return &model.SessionRecord{ID: id, UserID: "user-router-test"}, nil
			}
			return nil, nil
		},
	}

	rl := NewRateLimiter(DefaultRateLimiterConfig())
	defer rl.Stop()

	r := chi.NewRouter()
	r.Use(NewRecoveryMiddleware(nil))
	r.Use(NewSecurityHeadersMiddleware(false))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(NewSessionMiddleware(getter))
		r.Use(rl.GeneralMiddleware())

		r.Get("/progress", func(w http.ResponseWriter, r *http.Request) {
			session, _ := SessionFromContext(r.Context())
			json.NewEncoder(w).Encode(map[string]string{"user_id": session.UserID})
		})
		r.Post("/tweet", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
		})
	})

	t.Run("GET_with_session", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/progress", nil)
		req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "router-test-session"})
		w := httptest.NewRecorder()

		r.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		var body map[string]string
		json.NewDecoder(w.Body).Decode(&body)
		if body["user_id"] != "user-router-test" {
			t.Errorf("user_id = %q, want %q", body["user_id"], "user-router-test")
		}
		if w.Header().Get("X-Content-Type-Options") != "nosniff" {
			t.Error("expected security headers on protected route")
		}
	})

	t.Run("POST_with_session", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/tweet", nil)
		req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "router-test-session"})
		w := httptest.NewRecorder()

		r.ServeHTTP(w, req)

		if w.Code != http.StatusCreated {
			t.Errorf("status = %d, want %d", w.Code, http.StatusCreated)
		}
	})

	t.Run("POST_no_session", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/tweet", nil)
		w := httptest.NewRecorder()

		r.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("health_no_auth", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		w := httptest.NewRecorder()

		r.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
		}
	})
}

// TestRecoveryMiddleware_PanicReturns500 はpanicが500の統一エラーになることを検証する。
func TestRecoveryMiddleware_PanicReturns500(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := NewRecoveryMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/posts", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != "INTERNAL_ERROR" {
		t.Errorf("code = %q, want %q", body.Code, "INTERNAL_ERROR")
	}
	if !strings.Contains(buf.String(), "handler panicked") {
		t.Errorf("expected panic log, got %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"route":"GET /api/posts"`) {
		t.Errorf("expected route in panic log, got %s", buf.String())
	}
}

func TestRecoveryMiddleware_AbortHandlerPropagates(t *testing.T) {
	handler := NewRecoveryMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Errorf("recovered %v, want http.ErrAbortHandler", rec)
		}
	}()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/posts", nil))
	t.Error("expected panic to propagate")
}
