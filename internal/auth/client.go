package auth

import (
	"context"
	"sync"

	"github.com/hitoshi/coursehistory/internal/model"
)

// Backend はClientが利用する認証バックエンドの操作。Serviceが実装する。
type Backend interface {
	CreateAccount(ctx context.Context, email, password, displayName string) (*User, *model.Session, error)
	SignIn(ctx context.Context, email, password string) (*User, *model.Session, error)
	SignInFederated(ctx context.Context, cb FederatedCallback) (*User, *model.Session, error)
	SignOut(ctx context.Context, sessionID string) error
	ResolveSession(ctx context.Context, sessionID string) (*User, error)
	RefreshSession(ctx context.Context, sessionID string) (*User, error)
	ReadProfile(ctx context.Context, uid string) (*model.UserProfile, error)
	WriteProfile(ctx context.Context, uid string, update model.ProfileUpdate) error
}

// Client はブラウザセッション1つ分の認証状態を保持する。
// サインイン・サインアウト・セッション復元・リフレッシュのたびに
// OnAuthStateChangedで登録されたリスナーへ現在のユーザーを通知する。
// 通知は状態を変更したゴルーチン上で同期的に行われる。
type Client struct {
	backend Backend

	mu        sync.Mutex
	sessionID string
	user      *User
	resolved  bool
	nextID    int
	listeners map[int]func(*User)
}

// NewClient はセッションCookieの値からClientを生成する。
// sessionIDが空の場合は未ログイン状態として扱う。Resolveを呼ぶまで状態は未確定。
func NewClient(backend Backend, sessionID string) *Client {
	return &Client{
		backend:   backend,
		sessionID: sessionID,
		listeners: make(map[int]func(*User)),
	}
}

// OnAuthStateChanged は認証状態の変更リスナーを登録し、登録解除関数を返す。
// 状態が確定済みの場合は、登録時に現在のユーザーで即座に呼び出す。
func (c *Client) OnAuthStateChanged(fn func(*User)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	resolved, user := c.resolved, c.user
	c.mu.Unlock()

	if resolved {
		fn(user)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// Resolve はセッションIDからユーザーを復元し、リスナーに通知する。
// バックエンドの障害時も未ログインとして状態を確定させ、エラーを返す。
// このときセッションIDは破棄しない。
func (c *Client) Resolve(ctx context.Context) error {
	user, err := c.backend.ResolveSession(ctx, c.SessionID())
	if err != nil {
		c.mu.Lock()
		c.commitLocked(nil)
		return err
	}
	c.setUser(user, nil)
	return nil
}

// Refresh はセッションの有効期限を延長し、リスナーに通知する。
// セッションが失効していた場合は未ログイン状態になる。
func (c *Client) Refresh(ctx context.Context) error {
	sessionID := c.SessionID()
	if sessionID == "" {
		return nil
	}

	user, err := c.backend.RefreshSession(ctx, sessionID)
	if err != nil {
		return err
	}
	c.setUser(user, nil)
	return nil
}

// CreateAccount はアカウントを作成してサインインする。
func (c *Client) CreateAccount(ctx context.Context, email, password, displayName string) (*User, error) {
	user, session, err := c.backend.CreateAccount(ctx, email, password, displayName)
	if err != nil {
		return nil, err
	}
	c.setUser(user, session)
	return user, nil
}

// SignIn はメールアドレスとパスワードでサインインする。
func (c *Client) SignIn(ctx context.Context, email, password string) (*User, error) {
	user, session, err := c.backend.SignIn(ctx, email, password)
	if err != nil {
		return nil, err
	}
	c.setUser(user, session)
	return user, nil
}

// SignInFederated は同意画面からのコールバックでサインインする。
func (c *Client) SignInFederated(ctx context.Context, cb FederatedCallback) (*User, error) {
	user, session, err := c.backend.SignInFederated(ctx, cb)
	if err != nil {
		return nil, err
	}
	c.setUser(user, session)
	return user, nil
}

// SignOut はバックエンドのセッションを破棄し、未ログイン状態にする。
// バックエンドでの削除に失敗してもローカルの状態は未ログインになる。
func (c *Client) SignOut(ctx context.Context) error {
	sessionID := c.SessionID()

	var err error
	if sessionID != "" {
		err = c.backend.SignOut(ctx, sessionID)
	}
	c.setUser(nil, nil)
	return err
}

// ReadProfile はプロフィールを取得する。
func (c *Client) ReadProfile(ctx context.Context, uid string) (*model.UserProfile, error) {
	return c.backend.ReadProfile(ctx, uid)
}

// WriteProfile はプロフィールを部分更新する。
func (c *Client) WriteProfile(ctx context.Context, uid string, update model.ProfileUpdate) error {
	return c.backend.WriteProfile(ctx, uid, update)
}

// CurrentUser は現在のユーザーを返す。未ログインの場合はnil。
func (c *Client) CurrentUser() *User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// SessionID は現在のセッションIDを返す。未ログインの場合は空文字列。
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// ListenerCount は登録中のリスナー数を返す。テスト用。
func (c *Client) ListenerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

// setUser は状態を更新し、リスナーに通知する。
// sessionがnilでuserがnilでない場合はセッションIDを維持する。
func (c *Client) setUser(user *User, session *model.Session) {
	c.mu.Lock()
	switch {
	case user == nil:
		c.sessionID = ""
	case session != nil:
		c.sessionID = session.ID
	}
	c.commitLocked(user)
}

// commitLocked はユーザーを確定させ、ロックを解放してからリスナーに通知する。
// c.mu を保持した状態で呼び出すこと。
func (c *Client) commitLocked(user *User) {
	c.user = user
	c.resolved = true
	listeners := make([]func(*User), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(user)
	}
}

// compile-time interface check
var _ Backend = (*Service)(nil)
