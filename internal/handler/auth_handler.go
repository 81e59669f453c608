// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/coursehistory/internal/auth"
	"github.com/hitoshi/coursehistory/internal/middleware"
	"github.com/hitoshi/coursehistory/internal/model"
	"github.com/hitoshi/coursehistory/internal/session"
)

const (
	oauthStateCookie = "oauth_state"
	defaultNextPath  = "/dashboard"
)

// FederatedLoginURLProvider は外部IdPの同意画面URLを生成する。
// auth.Serviceが実装する。
type FederatedLoginURLProvider interface {
	FederatedLoginURL(state string) string
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	Cookie middleware.SessionCookieConfig
}

// AuthHandler はサインイン・サインアップ・サインアウトのHTTPハンドラー。
// アクションはリクエストのCoordinator経由で実行する。
type AuthHandler struct {
	federated FederatedLoginURLProvider
	config    AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(federated FederatedLoginURLProvider, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		federated: federated,
		config:    config,
	}
}

// SignIn はメールアドレスとパスワードでサインインする。
// POST /auth/signin
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	coordinator, ok := middleware.CoordinatorFromContext(r.Context())
	if !ok {
		middleware.WriteInternalServerError(w)
		return
	}

	email := strings.TrimSpace(r.PostFormValue("email"))
	next := r.PostFormValue("next")

	if err := coordinator.SignIn(r.Context(), email, r.PostFormValue("password")); err != nil {
		logAuthFailure(auth.ActionSignIn, err)
		h.renderAuthError(w, r, err, authView{Mode: modeSignIn, Next: next, Email: email})
		return
	}

	h.completeSignIn(w, r, next)
}

// SignUp はアカウントを作成してサインインする。
// パスワード不一致・短すぎる場合はバックエンドを呼ばずにエラーを表示する。
// POST /auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	coordinator, ok := middleware.CoordinatorFromContext(r.Context())
	if !ok {
		middleware.WriteInternalServerError(w)
		return
	}

	form := session.SignUpForm{
		FullName:        strings.TrimSpace(r.PostFormValue("fullName")),
		Email:           strings.TrimSpace(r.PostFormValue("email")),
		Password:        r.PostFormValue("password"),
		ConfirmPassword: r.PostFormValue("confirmPassword"),
	}
	next := r.PostFormValue("next")

	if err := coordinator.SignUp(r.Context(), form); err != nil {
		logAuthFailure(auth.ActionSignUp, err)
		h.renderAuthError(w, r, err, authView{Mode: modeSignUp, Next: next, Email: form.Email, FullName: form.FullName})
		return
	}

	h.completeSignIn(w, r, next)
}

// Login はGoogle OAuthフローを開始する。
// GET /auth/google/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600, // 10分
		HttpOnly: true,
		Secure:   h.config.Cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.federated.FederatedLoginURL(state), http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理する。
// 同意画面でキャンセルされた場合はerrorパラメータが付き、サインイン画面にエラーを表示する。
// GET /auth/google/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	// 1. stateの検証（CSRF対策）
	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch",
			slog.String("query_state", state),
		)
		http.Error(w, "invalid state parameter", http.StatusBadRequest)
		return
	}

	// stateクッキーを削除
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.Cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})

	coordinator, ok := middleware.CoordinatorFromContext(r.Context())
	if !ok {
		middleware.WriteInternalServerError(w)
		return
	}

	// 2. 認証処理
	cb := auth.FederatedCallback{
		Code:  r.URL.Query().Get("code"),
		Error: r.URL.Query().Get("error"),
	}
	if err := coordinator.SignInFederated(r.Context(), cb); err != nil {
		logAuthFailure(auth.ActionSignInFederated, err)
		h.renderAuthError(w, r, err, authView{Mode: modeSignIn})
		return
	}

	// 3. セッションCookieを設定してダッシュボードへ
	h.completeSignIn(w, r, defaultNextPath)
}

// SignOut はセッションを破棄する。
// POST /auth/signout
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	if coordinator, ok := middleware.CoordinatorFromContext(r.Context()); ok {
		if err := coordinator.SignOut(r.Context()); err != nil {
			slog.Error("failed to sign out", slog.String("error", err.Error()))
			// 失敗してもCookieはクリアする
		}
	}

	middleware.ClearSessionCookie(w, h.config.Cookie)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// completeSignIn はクライアントの新しいセッションIDをCookieに設定してリダイレクトする。
func (h *AuthHandler) completeSignIn(w http.ResponseWriter, r *http.Request, next string) {
	client, ok := middleware.ClientFromContext(r.Context())
	if !ok || client.SessionID() == "" {
		middleware.WriteInternalServerError(w)
		return
	}

	middleware.SetSessionCookie(w, client.SessionID(), h.config.Cookie)
	http.Redirect(w, r, safeNext(next), http.StatusSeeOther)
}

// renderAuthError はエラーメッセージ付きでフォームを再表示する。
// メッセージはエラーコードごとの固定文言で、内部エラーの詳細は表示しない。
func (h *AuthHandler) renderAuthError(w http.ResponseWriter, r *http.Request, err error, view authView) {
	view.pageView = newPageView(r)
	view.Error = model.UserMessage(err)

	status := http.StatusInternalServerError
	if apiErr, ok := model.AsAPIError(err); ok {
		status = middleware.StatusForAPIError(apiErr)
	}
	render(w, status, "auth.html", view)
}

func logAuthFailure(action string, err error) {
	if _, ok := model.AsAPIError(err); ok {
		slog.Info("auth action rejected",
			slog.String("action", action),
			slog.String("reason", err.Error()),
		)
		return
	}
	slog.Error("auth action failed",
		slog.String("action", action),
		slog.String("error", err.Error()),
	)
}

// safeNext はリダイレクト先を同一オリジンのパスに限定する。
func safeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") ||
		strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return defaultNextPath
	}
	return next
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
