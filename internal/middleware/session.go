// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hitoshi/coursehistory/internal/auth"
	"github.com/hitoshi/coursehistory/internal/metrics"
	"github.com/hitoshi/coursehistory/internal/model"
	"github.com/hitoshi/coursehistory/internal/session"
)

// SessionCookieName はセッションIDを保持するCookieの名前。
const SessionCookieName = "session_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
	userIDContextKey = contextKey("user_id")
	// coordinatorContextKey はリクエストごとのCoordinatorを格納するためのキー。
	coordinatorContextKey = contextKey("coordinator")
	// clientContextKey はリクエストごとの認証クライアントを格納するためのキー。
	clientContextKey = contextKey("auth_client")
)

// SessionCookieConfig はセッションCookieの属性。
type SessionCookieConfig struct {
	MaxAge int // 秒
	Secure bool
	Domain string
}

// SetSessionCookie はセッションIDをHTTP Only Cookieに設定する。
func SetSessionCookie(w http.ResponseWriter, sessionID string, config SessionCookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		Domain:   config.Domain,
		MaxAge:   config.MaxAge,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie はセッションCookieを削除する。
func ClearSessionCookie(w http.ResponseWriter, config SessionCookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   config.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// NewSessionMiddleware はリクエストごとに認証クライアントとCoordinatorを生成し、
// CookieのセッションIDから認証状態を復元してコンテキストに注入するミドルウェアを返す。
// 未ログインのリクエストもそのまま通す。存在しないか失効したセッションのCookieは削除する。
// Coordinatorはリクエストの終了時に閉じる。
func NewSessionMiddleware(backend auth.Backend, cookie SessionCookieConfig, collector metrics.MetricsCollector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := ""
			if c, err := r.Cookie(SessionCookieName); err == nil {
				sessionID = c.Value
			}

			client := auth.NewClient(backend, sessionID)
			coordinator := session.New(r.Context(), client,
				session.WithMetrics(collector),
				session.WithLogger(slog.Default()),
			)
			defer coordinator.Close()

			// バックエンド障害時はCookieを残し、復旧後に同じセッションで復元できるようにする
			if err := client.Resolve(r.Context()); err != nil {
				slog.Error("failed to resolve session",
					slog.String("error", err.Error()),
				)
			} else if sessionID != "" && client.CurrentUser() == nil {
				ClearSessionCookie(w, cookie)
			}

			ctx := context.WithValue(r.Context(), clientContextKey, client)
			ctx = context.WithValue(ctx, coordinatorContextKey, coordinator)
			if user := client.CurrentUser(); user != nil {
				ctx = context.WithValue(ctx, userIDContextKey, user.UID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// NewRequireAuthMiddleware は未ログインのリクエストをサインイン画面へリダイレクトする。
// APIリクエスト（/api/ 配下またはAccept: application/json）には401を返す。
// NewSessionMiddlewareの後に配置する。
func NewRequireAuthMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			coordinator, ok := CoordinatorFromContext(r.Context())
			if ok && coordinator.State().Status == session.Authenticated {
				next.ServeHTTP(w, r)
				return
			}

			if wantsJSON(r) {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
				return
			}
			target := "/auth?mode=signin&next=" + url.QueryEscape(r.URL.RequestURI())
			http.Redirect(w, r, target, http.StatusSeeOther)
		})
	}
}

// CoordinatorFromContext はリクエストコンテキストからCoordinatorを取得する。
func CoordinatorFromContext(ctx context.Context) (*session.Coordinator, bool) {
	c, ok := ctx.Value(coordinatorContextKey).(*session.Coordinator)
	return c, ok && c != nil
}

// ClientFromContext はリクエストコンテキストから認証クライアントを取得する。
func ClientFromContext(ctx context.Context) (*auth.Client, bool) {
	c, ok := ctx.Value(clientContextKey).(*auth.Client)
	return c, ok && c != nil
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// セッションミドルウェアを通過したサインイン中のリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}
