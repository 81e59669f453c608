package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/coursehistory/internal/auth"
	"github.com/hitoshi/coursehistory/internal/metrics"
	"github.com/hitoshi/coursehistory/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// 認証
	Backend   auth.Backend
	Federated FederatedLoginURLProvider

	// プロフィール
	ProfileEditor ProfileEditor

	// ミドルウェア依存
	Cookie                 middleware.SessionCookieConfig
	CSRF                   middleware.CSRFConfig
	CORSAllowedOrigin      string
	RateLimiter            *middleware.RateLimiter
	SessionRefreshInterval time.Duration

	// 運用
	Metrics      metrics.MetricsCollector
	Gatherer     prometheus.Gatherer
	HealthChecks map[string]HealthCheck
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Metrics
//	  → RateLimit(General) → Session → Logging → CSRF → (RequireAuth)
//
// /health と /metrics はセッションを解決しない。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	collector := deps.Metrics
	if collector == nil {
		collector = metrics.Nop{}
	}

	r.Use(middleware.NewRecoveryMiddleware(slog.Default()))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.Cookie.Secure))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewMetricsMiddleware(collector))

	// --- 運用エンドポイント ---
	r.Get("/health", NewHealthHandler(deps.HealthChecks))
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	pageHandler := NewPageHandler()
	authHandler := NewAuthHandler(deps.Federated, AuthHandlerConfig{Cookie: deps.Cookie})
	userHandler := NewUserHandler(deps.ProfileEditor)
	sessionHandler := NewSessionHandler(deps.SessionRefreshInterval, deps.CORSAllowedOrigin)

	// --- セッションを解決するルート ---
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewSessionMiddleware(deps.Backend, deps.Cookie, collector))
		r.Use(middleware.NewLoggingMiddleware(slog.Default()))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

		// 画面
		r.Get("/", pageHandler.Home)
		r.Get("/terms", pageHandler.Terms)
		r.Get("/privacy", pageHandler.Privacy)

		// 認証
		r.Route("/auth", func(r chi.Router) {
			r.Get("/", pageHandler.AuthForm)
			r.Get("/google/login", authHandler.Login)
			r.Get("/google/callback", authHandler.Callback)
			r.Post("/signout", authHandler.SignOut)

			// フォーム送信は認証専用のレート制限を追加
			r.With(deps.RateLimiter.AuthMiddleware()).Post("/signin", authHandler.SignIn)
			r.With(deps.RateLimiter.AuthMiddleware()).Post("/signup", authHandler.SignUp)
		})

		// セッション状態
		r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF).ServeHTTP)
		r.Get("/api/session", sessionHandler.Current)
		r.Get("/api/session/ws", sessionHandler.Stream)

		// --- 認証が必要なルート ---
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewRequireAuthMiddleware())

			r.Get("/dashboard", pageHandler.Dashboard)
			r.Post("/profile", userHandler.UpdateProfile)
		})
	})

	return r
}
