package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nkxxll/birdbrain/internal/auth"
	"github.com/nkxxll/birdbrain/internal/config"
	"github.com/nkxxll/birdbrain/internal/database"
	"github.com/nkxxll/birdbrain/internal/handler"
	"github.com/nkxxll/birdbrain/internal/logger"
	"github.com/nkxxll/birdbrain/internal/metrics"
	"github.com/nkxxll/birdbrain/internal/middleware"
	"github.com/nkxxll/birdbrain/internal/post"
	"github.com/nkxxll/birdbrain/internal/publish"
	"github.com/nkxxll/birdbrain/internal/repository"
	"github.com/nkxxll/birdbrain/internal/security"
	"github.com/nkxxll/birdbrain/internal/store"
	"github.com/nkxxll/birdbrain/internal/store/redisstore"
	"github.com/nkxxll/birdbrain/internal/worker/autopost"
	"github.com/nkxxll/birdbrain/internal/worker/cleanup"
	"github.com/nkxxll/birdbrain/internal/xapi"
)

// dbPingTimeout は起動時のDB疎通確認のタイムアウト。
const dbPingTimeout = 5 * time.Second

// ErrWorkerRequiresRedis はREDIS_URLなしでworkerコマンドを起動しようとしたことを表す。
// インメモリのストアはプロセス間で共有できないため、別プロセスのスケジューラは意味を持たない。
var ErrWorkerRequiresRedis = errors.New("worker command requires REDIS_URL")

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if !cmd.NeedsConfig() {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "3001"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	if cmd.NeedsSharedState() && cfg.RedisURL == "" {
		return ErrWorkerRequiresRedis
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("app_url", cfg.AppURL),
		slog.Bool("shared_state", cfg.RedisURL != ""),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// stores はVerifier/Session/Progressの各ストアをまとめたもの。
type stores struct {
	verifiers store.VerifierStore
	sessions  store.SessionStore
	progress  store.ProgressStore
	shared    bool
	close     func() error
}

// openStores はREDIS_URLが設定されていればRedis、なければインメモリのストアを生成する。
func openStores(ctx context.Context, redisURL string) (*stores, error) {
	if redisURL == "" {
		return &stores{
			verifiers: store.NewMemoryVerifierStore(),
			sessions:  store.NewMemorySessionStore(),
			progress:  store.NewMemoryProgressStore(),
			close:     func() error { return nil },
		}, nil
	}

	client, err := redisstore.NewClient(redisURL)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &stores{
		verifiers: redisstore.NewVerifierStore(client),
		sessions:  redisstore.NewSessionStore(client),
		progress:  redisstore.NewProgressStore(client),
		shared:    true,
		close:     client.Close,
	}, nil
}

// newXClient はプロバイダータイムアウトと呼び出しレートを反映したXクライアントを生成する。
func newXClient(cfg *config.Config) *xapi.Client {
	return xapi.NewClient(xapi.Config{
		ClientID:      cfg.XClientID,
		ClientSecret:  cfg.XClientSecret,
		RedirectURL:   cfg.RedirectURL,
		RatePerMinute: cfg.ProviderRatePerMin,
	}, &http.Client{Timeout: cfg.ProviderTimeout}, slog.Default())
}

// newRateLimiterConfig はconfigのreq/min値からレート制限設定を組み立てる。
// 0以下の値はデフォルトのままにする。
func newRateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rl := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rl.GeneralRate, rl.GeneralBurst = middleware.PerMinute(cfg.RateLimitGeneral)
	}
	if cfg.RateLimitPublish > 0 {
		rl.PublishRate, rl.PublishBurst = middleware.PerMinute(cfg.RateLimitPublish)
	}
	return rl
}

// newRegistry はGoランタイムとプロセスのメトリクスを登録済みのレジストリを返す。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// autopostStep は周期を割り切らないAUTOPOST_STEPをデフォルト値に置き換える。
// スケジューラと進捗APIが同じstepを使うよう、両方に渡す前に確定させる。
func autopostStep(step int) int {
	if autopost.ValidStep(step) {
		return step
	}
	slog.Warn("AUTOPOST_STEP does not divide the progress cycle; using default",
		slog.Int("configured", step),
		slog.Int("default", autopost.DefaultStep),
	)
	return autopost.DefaultStep
}

// runServe はAPIサーバーモードで起動する。
// HTTPサーバーに加え、自動投稿スケジューラと（有効な場合）verifierの掃除ジョブを同一プロセスで動かす。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. ストアの初期化
	st, err := openStores(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer st.close()

	// 3. リポジトリ・クライアント・メトリクスの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	postRepo := repository.NewPostgresPostRepo(db)
	xClient := newXClient(cfg)
	reg := newRegistry()
	collector := metrics.NewCollector(reg)
	step := autopostStep(cfg.AutopostStep)

	// 4. ドメインサービスの初期化
	authService := auth.NewService(xClient, st.verifiers, st.sessions, st.progress, userRepo, slog.Default())
	postService := post.NewService(postRepo, security.NewTextSanitizer())
	publishService := publish.NewService(xClient, authService, st.sessions, postRepo, collector, slog.Default())

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(newRateLimiterConfig(cfg))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		Sessions:          st.sessions,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,

		AuthService: authService,
		AuthConfig:  handler.AuthHandlerConfig{AppURL: cfg.AppURL},
		HTTPS:       cfg.HTTPS,

		PostService:      postService,
		PublishService:   publishService,
		SessionRefresher: authService,
		Progress:         st.progress,
		UserService:      authService,
		AutopostStep:     step,

		HealthChecker:  db,
		MetricsHandler: metrics.SetupMetricsRoute(reg),
	})

	// 6. バックグラウンドジョブの起動
	scheduler := autopost.NewScheduler(
		st.progress, publishService, collector, slog.Default(),
		cfg.AutopostMaxConcurrent, step,
	)
	go scheduler.Start(ctx, cfg.AutopostInterval)

	if cfg.VerifierMaxAge > 0 {
		purgeJob := cleanup.NewVerifierPurgeJob(st.verifiers, slog.Default(), cfg.VerifierMaxAge)
		go purgeJob.Start(ctx, cfg.VerifierPurgeInterval)
	}

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2*cfg.ProviderTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.Duration("autopost_interval", cfg.AutopostInterval),
			slog.Int("autopost_step", step),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 自動投稿スケジューラとverifierの掃除ジョブを動かし、SERVER_PORTで /health と /metrics だけを公開する。
// APIサーバーとストアを共有するためREDIS_URLが必須。
// ctxがキャンセルされるとシャットダウンする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. ストアの初期化
	st, err := openStores(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer st.close()

	// 3. サービスの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	postRepo := repository.NewPostgresPostRepo(db)
	xClient := newXClient(cfg)
	reg := newRegistry()
	collector := metrics.NewCollector(reg)
	step := autopostStep(cfg.AutopostStep)

	authService := auth.NewService(xClient, st.verifiers, st.sessions, st.progress, userRepo, slog.Default())
	publishService := publish.NewService(xClient, authService, st.sessions, postRepo, collector, slog.Default())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 4. verifier掃除ジョブ（有効な場合のみ）
	if cfg.VerifierMaxAge > 0 {
		purgeJob := cleanup.NewVerifierPurgeJob(st.verifiers, slog.Default(), cfg.VerifierMaxAge)
		go purgeJob.Start(ctx, cfg.VerifierPurgeInterval)
	}

	// 5. スケジューラ
	scheduler := autopost.NewScheduler(
		st.progress, publishService, collector, slog.Default(),
		cfg.AutopostMaxConcurrent, step,
	)
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		scheduler.Start(ctx, cfg.AutopostInterval)
	}()

	// 6. /health と /metrics の公開
	opsServer := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      handler.NewOpsRouter(slog.Default(), db, metrics.SetupMetricsRoute(reg)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("worker starting",
		slog.String("ops_addr", opsServer.Addr),
		slog.Duration("autopost_interval", cfg.AutopostInterval),
		slog.Int("autopost_step", step),
		slog.Int("max_concurrent", cfg.AutopostMaxConcurrent),
	)

	var listenErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		listenErr = err
	}
	cancel()
	<-schedulerDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops server shutdown failed: %w", err)
	}
	if listenErr != nil {
		return fmt.Errorf("ops server listen error: %w", listenErr)
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("schema_version", uint64(version)),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
