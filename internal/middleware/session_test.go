package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/coursehistory/internal/auth"
	"github.com/hitoshi/coursehistory/internal/metrics"
	"github.com/hitoshi/coursehistory/internal/model"
	"github.com/hitoshi/coursehistory/internal/session"
)

// --- モック定義 ---

type mockBackend struct {
	resolveSessionFn func(ctx context.Context, sessionID string) (*auth.User, error)
	readProfileFn    func(ctx context.Context, uid string) (*model.UserProfile, error)
}

func (m *mockBackend) CreateAccount(ctx context.Context, email, password, displayName string) (*auth.User, *model.Session, error) {
	return nil, nil, errors.New("not implemented")
}

func (m *mockBackend) SignIn(ctx context.Context, email, password string) (*auth.User, *model.Session, error) {
	return nil, nil, errors.New("not implemented")
}

func (m *mockBackend) SignInFederated(ctx context.Context, cb auth.FederatedCallback) (*auth.User, *model.Session, error) {
	return nil, nil, errors.New("not implemented")
}

func (m *mockBackend) SignOut(ctx context.Context, sessionID string) error {
	return nil
}

func (m *mockBackend) ResolveSession(ctx context.Context, sessionID string) (*auth.User, error) {
	if m.resolveSessionFn != nil {
		return m.resolveSessionFn(ctx, sessionID)
	}
	return nil, nil
}

func (m *mockBackend) RefreshSession(ctx context.Context, sessionID string) (*auth.User, error) {
	return m.ResolveSession(ctx, sessionID)
}

func (m *mockBackend) ReadProfile(ctx context.Context, uid string) (*model.UserProfile, error) {
	if m.readProfileFn != nil {
		return m.readProfileFn(ctx, uid)
	}
	return nil, nil
}

func (m *mockBackend) WriteProfile(ctx context.Context, uid string, update model.ProfileUpdate) error {
	return nil
}

// newSignedInBackend は"valid-session-id"だけを有効とするバックエンドを返す。
func newSignedInBackend() *mockBackend {
	return &mockBackend{
		resolveSessionFn: func(ctx context.Context, sessionID string) (*auth.User, error) {
			if sessionID == "valid-session-id" {
				return &auth.User{UID: "user-123", Email: "alice@example.com"}, nil
			}
			return nil, nil
		},
		readProfileFn: func(ctx context.Context, uid string) (*model.UserProfile, error) {
			return &model.UserProfile{UID: uid, Email: "alice@example.com", DisplayName: "Alice"}, nil
		},
	}
}

var testCookieConfig = SessionCookieConfig{MaxAge: 3600}

// --- テスト ---

func TestSessionMiddleware_ValidSession_InjectsState(t *testing.T) {
	mw := NewSessionMiddleware(newSignedInBackend(), testCookieConfig, metrics.Nop{})

	var (
		capturedUserID string
		capturedState  session.State
	)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := UserIDFromContext(r.Context())
		if err != nil {
			t.Errorf("expected no error, got %v", err)
		}
		capturedUserID = userID

		coordinator, ok := CoordinatorFromContext(r.Context())
		if !ok {
			t.Fatal("coordinator not found in context")
		}
		capturedState = coordinator.State()

		if _, ok := ClientFromContext(r.Context()); !ok {
			t.Error("client not found in context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "valid-session-id"})
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if capturedUserID != "user-123" {
		t.Errorf("userID = %q, want %q", capturedUserID, "user-123")
	}
	if capturedState.Status != session.Authenticated {
		t.Errorf("status = %v, want %v", capturedState.Status, session.Authenticated)
	}
	if capturedState.Profile == nil || capturedState.Profile.DisplayName != "Alice" {
		t.Errorf("profile = %+v, want display name Alice", capturedState.Profile)
	}
	if len(w.Result().Cookies()) != 0 {
		t.Error("valid session cookie should not be rewritten")
	}
}

func TestSessionMiddleware_NoSessionCookie_PassesAsAnonymous(t *testing.T) {
	mw := NewSessionMiddleware(newSignedInBackend(), testCookieConfig, metrics.Nop{})

	called := false
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if _, err := UserIDFromContext(r.Context()); err == nil {
			t.Error("expected no user ID for anonymous request")
		}
		coordinator, _ := CoordinatorFromContext(r.Context())
		if got := coordinator.State().Status; got != session.Anonymous {
			t.Errorf("status = %v, want %v", got, session.Anonymous)
		}
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if !called {
		t.Error("handler should be called")
	}
	if len(w.Result().Cookies()) != 0 {
		t.Error("no cookie should be set for anonymous request without cookie")
	}
}

func TestSessionMiddleware_UnknownSession_ClearsCookie(t *testing.T) {
	mw := NewSessionMiddleware(newSignedInBackend(), testCookieConfig, metrics.Nop{})

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "expired-session-id"})
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	cookies := w.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("cookies = %d, want 1", len(cookies))
	}
	if cookies[0].Name != SessionCookieName || cookies[0].MaxAge >= 0 {
		t.Errorf("cookie = %+v, want cleared session cookie", cookies[0])
	}
}

func TestSessionMiddleware_BackendError_PassesAsAnonymousAndKeepsCookie(t *testing.T) {
	backend := &mockBackend{
		resolveSessionFn: func(ctx context.Context, sessionID string) (*auth.User, error) {
			return nil, errors.New("connection refused")
		},
	}
	mw := NewSessionMiddleware(backend, testCookieConfig, metrics.Nop{})

	var status session.Status
	var sessionID string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		coordinator, _ := CoordinatorFromContext(r.Context())
		status = coordinator.State().Status
		if client, ok := ClientFromContext(r.Context()); ok {
			sessionID = client.SessionID()
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "valid-session-id"})
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusOK)
	}
	if status != session.Anonymous {
		t.Errorf("status = %v, want %v", status, session.Anonymous)
	}
	if sessionID != "valid-session-id" {
		t.Errorf("client session ID = %q, want %q", sessionID, "valid-session-id")
	}
	// 一時的な障害でセッションCookieを削除しない
	for _, h := range w.Result().Header.Values("Set-Cookie") {
		if strings.Contains(h, SessionCookieName+"=") && strings.Contains(h, "Max-Age=0") {
			t.Errorf("session cookie must not be cleared on backend error: %q", h)
		}
	}
	if n := len(w.Result().Cookies()); n != 0 {
		t.Errorf("cookies = %d, want 0", n)
	}
}

func TestRequireAuthMiddleware_Anonymous_RedirectsToSignIn(t *testing.T) {
	chain := NewSessionMiddleware(newSignedInBackend(), testCookieConfig, metrics.Nop{})(
		NewRequireAuthMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler should not be called")
		})),
	)

	req := httptest.NewRequest(http.MethodGet, "/dashboard?tab=courses", nil)
	w := httptest.NewRecorder()

	chain.ServeHTTP(w, req)

	if w.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusSeeOther)
	}
	location := w.Header().Get("Location")
	if !strings.HasPrefix(location, "/auth?mode=signin&next=") {
		t.Errorf("Location = %q, want sign-in redirect", location)
	}
	if !strings.Contains(location, "%2Fdashboard%3Ftab%3Dcourses") {
		t.Errorf("Location = %q, want escaped original path", location)
	}
}

func TestRequireAuthMiddleware_JSONRequest_Returns401(t *testing.T) {
	chain := NewSessionMiddleware(newSignedInBackend(), testCookieConfig, metrics.Nop{})(
		NewRequireAuthMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler should not be called")
		})),
	)

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.Header.Set("Accept", "application/json")
	w := httptest.NewRecorder()

	chain.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestRequireAuthMiddleware_Authenticated_CallsHandler(t *testing.T) {
	called := false
	chain := NewSessionMiddleware(newSignedInBackend(), testCookieConfig, metrics.Nop{})(
		NewRequireAuthMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			w.WriteHeader(http.StatusOK)
		})),
	)

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "valid-session-id"})
	w := httptest.NewRecorder()

	chain.ServeHTTP(w, req)

	if !called {
		t.Error("handler should be called")
	}
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestSetSessionCookie_Attributes(t *testing.T) {
	w := httptest.NewRecorder()
	SetSessionCookie(w, "abc", SessionCookieConfig{MaxAge: 60, Secure: true})

	cookies := w.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("cookies = %d, want 1", len(cookies))
	}
	c := cookies[0]
	if c.Value != "abc" || !c.HttpOnly || !c.Secure || c.MaxAge != 60 {
		t.Errorf("cookie = %+v", c)
	}
	if c.SameSite != http.SameSiteLaxMode {
		t.Errorf("SameSite = %v, want Lax", c.SameSite)
	}
}

func TestUserIDFromContext_NoValue_ReturnsError(t *testing.T) {
	_, err := UserIDFromContext(context.Background())
	if err == nil {
		t.Error("expected error for missing user ID")
	}
}

func TestUserIDFromContext_ValidValue_ReturnsUserID(t *testing.T) {
	ctx := ContextWithUserID(context.Background(), "user-456")
	userID, err := UserIDFromContext(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if userID != "user-456" {
		t.Errorf("userID = %q, want %q", userID, "user-456")
	}
}
