package app

import (
	"context"
	"database/sql"
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
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/hitoshi/coursehistory/internal/auth"
	"github.com/hitoshi/coursehistory/internal/config"
	"github.com/hitoshi/coursehistory/internal/database"
	"github.com/hitoshi/coursehistory/internal/handler"
	"github.com/hitoshi/coursehistory/internal/logger"
	"github.com/hitoshi/coursehistory/internal/metrics"
	"github.com/hitoshi/coursehistory/internal/middleware"
	"github.com/hitoshi/coursehistory/internal/repository"
	"github.com/hitoshi/coursehistory/internal/security"
	"github.com/hitoshi/coursehistory/internal/user"
	"github.com/hitoshi/coursehistory/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// .envファイルと環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. .envファイルの読み込み（存在しない場合は無視）
	if err := config.LoadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 4. 設定されたログレベルで再初期化
	logger.SetupDefault(w, cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.Bool("redis_enabled", cfg.RedisURL != ""),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandMigrateStatus:
		return runMigrateStatus(cfg)
	default:
		return runServe(cfg)
	}
}

// stores はserveモードで使うデータストアをまとめたもの。
type stores struct {
	db          *sql.DB
	mongoClient *mongo.Client
	redisClient *redis.Client // REDIS_URL未設定の場合はnil

	repos    auth.Repositories
	attempts auth.AttemptLimiter
	checks   map[string]handler.HealthCheck
}

// openStores はPostgreSQL・MongoDB・（設定されていれば）Redisに接続する。
// Redisが有効な場合はセッションとサインイン失敗回数をRedisに保存する。
func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	s := &stores{checks: make(map[string]handler.HealthCheck)}

	// 1. PostgreSQL
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	s.db = db
	s.checks["postgres"] = db.PingContext
	slog.Info("database connection established")

	// 2. MongoDB
	mongoClient, mongoDB, err := database.OpenMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
	if err != nil {
		s.close()
		return nil, err
	}
	s.mongoClient = mongoClient
	s.checks["mongo"] = func(ctx context.Context) error { return mongoClient.Ping(ctx, nil) }
	slog.Info("mongodb connection established", slog.String("database", mongoDB.Name()))

	s.repos = auth.Repositories{
		Accounts:   repository.NewPostgresAccountRepo(db),
		Identities: repository.NewPostgresIdentityRepo(db),
		Sessions:   repository.NewPostgresSessionRepo(db),
		Profiles:   repository.NewMongoProfileRepo(mongoDB),
	}

	limiterCfg := auth.AttemptLimiterConfig{
		MaxFailures: cfg.SignInMaxFailures,
		Lockout:     cfg.SignInLockout,
	}

	// 3. Redis（任意）
	if cfg.RedisURL == "" {
		s.attempts = auth.NewMemoryAttemptLimiter(limiterCfg)
		return s, nil
	}

	redisClient, err := database.OpenRedis(ctx, cfg.RedisURL)
	if err != nil {
		s.close()
		return nil, err
	}
	s.redisClient = redisClient
	s.checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	s.repos.Sessions = repository.NewRedisSessionRepo(redisClient)
	s.attempts = auth.NewRedisAttemptLimiter(redisClient, limiterCfg)
	slog.Info("redis connection established")

	return s, nil
}

// close は開いた接続をすべて閉じる。
func (s *stores) close() {
	if l, ok := s.attempts.(*auth.MemoryAttemptLimiter); ok {
		l.Stop()
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			slog.Error("failed to close redis", slog.String("error", err.Error()))
		}
	}
	if s.mongoClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.mongoClient.Disconnect(ctx); err != nil {
			slog.Error("failed to disconnect mongodb", slog.String("error", err.Error()))
		}
	}
	if s.db != nil {
		s.db.Close()
	}
}

// runServe はWebサーバーモードで起動する。
// データストアに接続し、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. データストア
	st, err := openStores(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer st.close()

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 3. セキュリティサービスの初期化
	photoGuard := security.NewSSRFGuard(5 * time.Second)
	sanitizer := security.NewDisplayNameSanitizer()

	// 4. ドメインサービスの初期化
	oauthProvider := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
	})
	authService := auth.NewService(
		oauthProvider, st.repos, st.attempts,
		auth.ServiceConfig{SessionMaxAge: cfg.SessionMaxAge},
	)
	authService.SetMetrics(collector)

	userService := user.NewService(sanitizer, photoGuard, true)

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(cfg.RateLimitAuth))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Backend:       authService,
		Federated:     authService,
		ProfileEditor: userService,

		Cookie: middleware.SessionCookieConfig{
			MaxAge: cfg.SessionMaxAge,
			Secure: cfg.CookieSecure,
			Domain: cfg.CookieDomain,
		},
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		CORSAllowedOrigin:      cfg.CORSAllowedOrigin,
		RateLimiter:            rateLimiter,
		SessionRefreshInterval: cfg.SessionRefreshInterval,

		Metrics:      collector,
		Gatherer:     registry,
		HealthChecks: st.checks,
	})

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("web server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down web server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("web server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// PostgreSQLに接続し、期限切れセッションのクリーンアップを定期実行する。
// RedisのセッションはTTLで失効するため対象外。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(repository.NewPostgresSessionRepo(db), slog.Default())

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.SessionCleanupInterval),
	)

	// クリーンアップジョブをメインgoroutineで実行（ブロッキング）
	cleanupJob.Start(ctx, cfg.SessionCleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, _, err := database.Version(cfg.DatabaseURL)
	if err != nil {
		return err
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runMigrateStatus は適用済みのマイグレーションバージョンをログに出力する。
// 前回の適用が途中で失敗している（dirty）場合はエラーを返す。
func runMigrateStatus(cfg *config.Config) error {
	version, dirty, err := database.Version(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to read migration status: %w", err)
	}

	slog.Info("migration status",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	if dirty {
		return fmt.Errorf("database is dirty at version %d", version)
	}
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
