package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/coursehistory/internal/middleware"
	"github.com/hitoshi/coursehistory/internal/session"
)

// readyTimeout はセッション状態の確定を待つ上限。超えた場合はローディング画面を返す。
const readyTimeout = 3 * time.Second

// PageHandler はセッション状態に応じて画面を切り替えるHTTPハンドラー。
type PageHandler struct{}

// NewPageHandler はPageHandlerを生成する。
func NewPageHandler() *PageHandler {
	return &PageHandler{}
}

// Home はトップページを表示する。
// サインイン中はダッシュボード、未ログインはランディングページ、未確定はローディング画面を返す。
// GET /
func (h *PageHandler) Home(w http.ResponseWriter, r *http.Request) {
	state, ok := currentState(r)
	if !ok {
		render(w, http.StatusOK, "loading.html", newPageView(r))
		return
	}

	switch state.Status {
	case session.Authenticated:
		render(w, http.StatusOK, "dashboard.html", newDashboardView(r, state, r.URL.Query().Get("tab")))
	case session.Anonymous:
		render(w, http.StatusOK, "landing.html", newPageView(r))
	default:
		render(w, http.StatusOK, "loading.html", newPageView(r))
	}
}

// Dashboard はダッシュボードを表示する。RequireAuthミドルウェアの後に配置する。
// GET /dashboard?tab=home|profile|courses
func (h *PageHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	state, ok := currentState(r)
	if !ok || state.Status != session.Authenticated {
		http.Redirect(w, r, "/auth?mode=signin", http.StatusSeeOther)
		return
	}
	render(w, http.StatusOK, "dashboard.html", newDashboardView(r, state, r.URL.Query().Get("tab")))
}

// AuthForm はサインイン・サインアップフォームを表示する。
// サインイン中の場合はダッシュボードへリダイレクトする。
// GET /auth?mode=signin|signup
func (h *PageHandler) AuthForm(w http.ResponseWriter, r *http.Request) {
	if state, ok := currentState(r); ok && state.Status == session.Authenticated {
		http.Redirect(w, r, safeNext(r.URL.Query().Get("next")), http.StatusSeeOther)
		return
	}

	render(w, http.StatusOK, "auth.html", authView{
		pageView: newPageView(r),
		Mode:     authMode(r.URL.Query().Get("mode")),
		Next:     r.URL.Query().Get("next"),
	})
}

// Terms は利用規約を表示する。
// GET /terms
func (h *PageHandler) Terms(w http.ResponseWriter, r *http.Request) {
	render(w, http.StatusOK, "terms.html", newPageView(r))
}

// Privacy はプライバシーポリシーを表示する。
// GET /privacy
func (h *PageHandler) Privacy(w http.ResponseWriter, r *http.Request) {
	render(w, http.StatusOK, "privacy.html", newPageView(r))
}

// currentState はリクエストのCoordinatorから確定済みの状態を取得する。
// Coordinatorがない場合や時間内に状態が確定しない場合はfalseを返す。
func currentState(r *http.Request) (session.State, bool) {
	coordinator, ok := middleware.CoordinatorFromContext(r.Context())
	if !ok {
		return session.State{}, false
	}

	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := coordinator.Wait(ctx); err != nil {
		return coordinator.State(), false
	}
	return coordinator.State(), true
}

func authMode(mode string) string {
	if mode == modeSignUp {
		return modeSignUp
	}
	return modeSignIn
}
