package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nkxxll/birdbrain/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	Sessions          middleware.SessionGetter
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig
	// HTTPS が真の場合はHSTSを送出する
	HTTPS       bool

	// API
	PostService      PostServiceInterface
	PublishService   PublishServiceInterface
	SessionRefresher SessionRefresherInterface
	Progress         ProgressReader
	UserService      UserServiceInterface
	AutopostStep     int

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → (/api) Session → RateLimit(General)
//
// 認証ルート（/login, /oauth/*, /logout）と運用ルートはセッション検証の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.HTTPS))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	postHandler := NewPostHandler(deps.PostService)
	publishHandler := NewPublishHandler(
		deps.PostService, deps.PublishService, deps.SessionRefresher, deps.Progress, deps.AutopostStep,
	)
	userHandler := NewUserHandler(deps.UserService)

	// --- 認証不要のルート ---

	r.Get("/login", authHandler.Login)
	r.Get("/oauth/callback", authHandler.Callback)
	// 旧クライアントのコールバックURL
	r.Get("/oauth/twitter", authHandler.Callback)
	r.Post("/logout", authHandler.Logout)

	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → RateLimit(General)
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.Sessions))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// 即時投稿はプロバイダー呼び出しを伴うため専用のレート制限を追加
		r.With(deps.RateLimiter.PublishMiddleware()).Post("/tweet", publishHandler.Tweet)
		r.Get("/refresh", publishHandler.Refresh)
		r.Get("/progress", publishHandler.Progress)

		r.Get("/myuser", userHandler.MyUser)

		r.Get("/posts", postHandler.ListPosts)
		r.Post("/savepost", postHandler.SavePost)
		r.Delete("/posts/{id}", postHandler.DeletePost)
	})

	return r
}

// NewOpsRouter はworkerプロセス用に /health と /metrics だけを公開するルーターを返す。
func NewOpsRouter(logger *slog.Logger, checker HealthChecker, metricsHandler http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))

	r.Get("/health", NewHealthHandler(checker))
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}
	return r
}
