package handler

import (
	"bytes"
	"embed"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/coursehistory/internal/middleware"
	"github.com/hitoshi/coursehistory/internal/model"
	"github.com/hitoshi/coursehistory/internal/session"
)

//go:embed templates/*.html
var templatesFS embed.FS

var templates = template.Must(template.ParseFS(templatesFS, "templates/*.html"))

const (
	appName = "Course History App"

	// unknownValue はプロフィールの値が欠けている場合に表示する文字列。
	unknownValue = "unknown"

	// defaultAvatar はプロフィール写真が未設定の場合に表示するアイコン。
	defaultAvatar = template.URL("data:image/svg+xml,%3Csvg xmlns='http://www.w3.org/2000/svg' width='24' height='24' viewBox='0 0 24 24' fill='none' stroke='%23d32f2f' stroke-width='2' stroke-linecap='round' stroke-linejoin='round'%3E%3Cpath d='M20 21v-2a4 4 0 0 0-4-4H8a4 4 0 0 0-4 4v2'%3E%3C/path%3E%3Ccircle cx='12' cy='7' r='4'%3E%3C/circle%3E%3C/svg%3E")
)

// 認証フォームのモード
const (
	modeSignIn = "signin"
	modeSignUp = "signup"
)

// ダッシュボードのタブ
const (
	tabHome    = "home"
	tabProfile = "profile"
	tabCourses = "courses"
)

type tabView struct {
	ID     string
	Label  string
	Active bool
}

var dashboardTabs = []tabView{
	{ID: tabHome, Label: "Home"},
	{ID: tabProfile, Label: "Profile"},
	{ID: tabCourses, Label: "Courses"},
}

// pageView は全ページ共通のテンプレートデータ。
type pageView struct {
	AppName   string
	CSRFField string
	CSRFToken string
	Error     string
}

type authView struct {
	pageView
	Mode     string
	Next     string
	Email    string
	FullName string
}

type dashboardView struct {
	pageView
	Tab     string
	Tabs    []tabView
	Email   string
	Profile profileView
}

// profileView はプロフィール表示用の値。欠けている値は表示用の既定値で埋める。
type profileView struct {
	DisplayName string
	Email       string
	PhotoURL    template.URL
	RawPhotoURL string
	CreatedAt   string
	LastLogin   string
}

func newPageView(r *http.Request) pageView {
	return pageView{
		AppName:   appName,
		CSRFField: middleware.CSRFFormField,
		CSRFToken: middleware.CSRFTokenFromContext(r.Context()),
	}
}

// newProfileView はプロフィールを表示用に変換する。
// プロフィールがnilの場合や作成日時が欠けている場合もパニックしない。
func newProfileView(state session.State) profileView {
	v := profileView{
		DisplayName: "User",
		PhotoURL:    defaultAvatar,
		CreatedAt:   unknownValue,
		LastLogin:   unknownValue,
	}
	if state.User != nil {
		v.Email = state.User.Email
	}

	p := state.Profile
	if p == nil {
		return v
	}
	if p.DisplayName != "" {
		v.DisplayName = p.DisplayName
	}
	if p.Email != "" {
		v.Email = p.Email
	}
	if p.PhotoURL != "" {
		// 写真URLは保存時にhttpsのみ許可している
		v.PhotoURL = template.URL(p.PhotoURL)
		v.RawPhotoURL = p.PhotoURL
	}
	v.CreatedAt = formatTimestamp(p.CreatedAt)
	v.LastLogin = formatTimestamp(p.LastLogin)
	return v
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return unknownValue
	}
	return t.UTC().Format("January 2, 2006 15:04 MST")
}

func newDashboardView(r *http.Request, state session.State, tab string) dashboardView {
	switch tab {
	case tabProfile, tabCourses:
	default:
		tab = tabHome
	}

	tabs := make([]tabView, len(dashboardTabs))
	copy(tabs, dashboardTabs)
	for i := range tabs {
		tabs[i].Active = tabs[i].ID == tab
	}

	v := dashboardView{
		pageView: newPageView(r),
		Tab:      tab,
		Tabs:     tabs,
		Profile:  newProfileView(state),
	}
	if state.User != nil {
		v.Email = state.User.Email
	}
	return v
}

// render はテンプレートをバッファに描画してからレスポンスに書き込む。
// 描画に失敗した場合は途中までのHTMLを返さずに500を返す。
func render(w http.ResponseWriter, status int, name string, data any) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		slog.Error("failed to render template",
			slog.String("template", name),
			slog.String("error", err.Error()),
		)
		http.Error(w, model.UserMessage(err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	buf.WriteTo(w)
}
