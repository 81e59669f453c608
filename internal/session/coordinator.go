// Package session はブラウザセッションごとの認証状態を一元管理する。
//
// Coordinatorは認証クライアントの状態変更通知を購読し、サインイン中であれば
// プロフィールを読み込んでからAuthenticatedへ、そうでなければAnonymousへ遷移する。
// ビューはSubscribeで同じ状態を共有し、アクションはCoordinator経由で実行する。
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/coursehistory/internal/auth"
	"github.com/hitoshi/coursehistory/internal/metrics"
	"github.com/hitoshi/coursehistory/internal/model"
)

// Status はセッションの状態。
type Status int

const (
	// Loading はバックエンドのセッションを解決中の初期状態。
	Loading Status = iota
	// Authenticated はサインイン中。プロフィールは読み込み済みまたはnil。
	Authenticated
	// Anonymous は未ログイン。
	Anonymous
)

// String は状態名を返す。
func (s Status) String() string {
	switch s {
	case Loading:
		return "loading"
	case Authenticated:
		return "authenticated"
	case Anonymous:
		return "anonymous"
	default:
		return "unknown"
	}
}

// State はビューに公開するセッション状態のスナップショット。
type State struct {
	Status  Status
	User    *auth.User
	Profile *model.UserProfile
}

// Loading は状態が未確定かどうかを返す。
func (s State) Loading() bool {
	return s.Status == Loading
}

// AuthClient はCoordinatorが利用する認証クライアントの操作。auth.Clientが実装する。
type AuthClient interface {
	OnAuthStateChanged(fn func(*auth.User)) (unsubscribe func())
	CreateAccount(ctx context.Context, email, password, displayName string) (*auth.User, error)
	SignIn(ctx context.Context, email, password string) (*auth.User, error)
	SignInFederated(ctx context.Context, cb auth.FederatedCallback) (*auth.User, error)
	SignOut(ctx context.Context) error
	ReadProfile(ctx context.Context, uid string) (*model.UserProfile, error)
	WriteProfile(ctx context.Context, uid string, update model.ProfileUpdate) error
}

// SignUpForm はサインアップフォームの入力値。
type SignUpForm struct {
	FullName        string
	Email           string
	Password        string
	ConfirmPassword string
}

// Validate はバックエンドに送る前のローカル検証を行う。
func (f SignUpForm) Validate() error {
	if f.Password != f.ConfirmPassword {
		return model.NewPasswordMismatchError()
	}
	if !auth.PasswordLongEnough(f.Password) {
		return model.NewPasswordTooShortError(auth.MinPasswordLength)
	}
	return nil
}

// defaultProfileLoadTimeout はプロフィール読み込み1回あたりのタイムアウト。
const defaultProfileLoadTimeout = 5 * time.Second

// Option はCoordinatorの設定を変更する。
type Option func(*Coordinator)

// WithMetrics は状態遷移の記録先を設定する。
func WithMetrics(m metrics.MetricsCollector) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithProfileLoadTimeout はプロフィール読み込みのタイムアウトを設定する。
func WithProfileLoadTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.profileLoadTimeout = d
		}
	}
}

// Coordinator はセッション状態を保持し、購読者に通知する。
//
// 通知の処理は直列化される。購読者のコールバックは通知処理中に同期的に呼ばれるため、
// コールバック内からCoordinatorのアクションを呼んではならない（State・Closeは可）。
type Coordinator struct {
	client             AuthClient
	metrics            metrics.MetricsCollector
	logger             *slog.Logger
	profileLoadTimeout time.Duration

	// ctx は通知を受けてプロフィールを読み込む際の親コンテキスト
	ctx context.Context

	eventMu sync.Mutex

	mu          sync.RWMutex
	state       State
	closed      bool
	nextID      int
	subscribers map[int]func(State)

	ready     chan struct{}
	readyOnce sync.Once

	unsubscribe func()
}

// New はCoordinatorを生成し、認証クライアントの状態変更通知を購読する。
// ctxは通知時のプロフィール読み込みに使い、キャンセルされると読み込みは失敗する。
func New(ctx context.Context, client AuthClient, opts ...Option) *Coordinator {
	c := &Coordinator{
		client:             client,
		metrics:            metrics.Nop{},
		logger:             slog.Default(),
		profileLoadTimeout: defaultProfileLoadTimeout,
		ctx:                ctx,
		state:              State{Status: Loading},
		subscribers:        make(map[int]func(State)),
		ready:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	unsubscribe := client.OnAuthStateChanged(c.handleAuthStateChanged)

	c.mu.Lock()
	c.unsubscribe = unsubscribe
	closed := c.closed
	c.mu.Unlock()
	if closed {
		unsubscribe()
	}
	return c
}

// State は現在の状態を返す。
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Subscribe は状態変更の購読者を登録し、登録解除関数を返す。
// 登録時に現在の状態で即座に呼び出す。
func (c *Coordinator) Subscribe(fn func(State)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subscribers[id] = fn
	current := c.state
	c.mu.Unlock()

	fn(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subscribers, id)
			c.mu.Unlock()
		})
	}
}

// Ready はLoadingを抜けたときにクローズされるチャネルを返す。
func (c *Coordinator) Ready() <-chan struct{} {
	return c.ready
}

// Wait はLoadingを抜けるかctxが終了するまで待つ。
func (c *Coordinator) Wait(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SignUp はローカル検証の後にアカウントを作成する。
// 検証に失敗した場合はバックエンドを呼ばない。
func (c *Coordinator) SignUp(ctx context.Context, form SignUpForm) error {
	if err := form.Validate(); err != nil {
		return err
	}
	_, err := c.client.CreateAccount(ctx, form.Email, form.Password, form.FullName)
	return err
}

// SignIn はメールアドレスとパスワードでサインインする。
func (c *Coordinator) SignIn(ctx context.Context, email, password string) error {
	_, err := c.client.SignIn(ctx, email, password)
	return err
}

// SignInFederated は外部IdPの同意画面からのコールバックでサインインする。
func (c *Coordinator) SignInFederated(ctx context.Context, cb auth.FederatedCallback) error {
	_, err := c.client.SignInFederated(ctx, cb)
	return err
}

// SignOut はサインアウトする。
func (c *Coordinator) SignOut(ctx context.Context) error {
	return c.client.SignOut(ctx)
}

// UpdateProfile はサインイン中のユーザーのプロフィールを部分更新し、状態に反映する。
func (c *Coordinator) UpdateProfile(ctx context.Context, update model.ProfileUpdate) error {
	user := c.State().User
	if user == nil {
		return model.NewUnauthenticatedError()
	}

	if err := c.client.WriteProfile(ctx, user.UID, update); err != nil {
		return err
	}

	c.eventMu.Lock()
	defer c.eventMu.Unlock()

	current := c.State()
	if current.User == nil || current.User.UID != user.UID {
		return nil
	}

	next := current
	if current.Profile != nil {
		p := current.Profile.Apply(update)
		next.Profile = &p
	} else {
		next.Profile = c.loadProfile(user.UID)
	}
	c.setState(next)
	return nil
}

// Close は認証クライアントの購読を解除する。以降の通知は無視する。
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsubscribe := c.unsubscribe
	c.subscribers = make(map[int]func(State))
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// handleAuthStateChanged は認証状態の変更通知を処理する。
func (c *Coordinator) handleAuthStateChanged(user *auth.User) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()

	if c.isClosed() {
		return
	}

	next := State{Status: Anonymous}
	if user != nil {
		next = State{
			Status:  Authenticated,
			User:    user,
			Profile: c.loadProfile(user.UID),
		}
	}
	c.setState(next)
}

// loadProfile はプロフィールを読み込む。失敗した場合はログを出してnilを返す。
func (c *Coordinator) loadProfile(uid string) *model.UserProfile {
	ctx, cancel := context.WithTimeout(c.ctx, c.profileLoadTimeout)
	defer cancel()

	profile, err := c.client.ReadProfile(ctx, uid)
	if err != nil {
		c.logger.Error("failed to load profile",
			slog.String("user_id", uid),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return profile
}

// setState は状態を更新して購読者に通知する。eventMuを保持した状態で呼ぶ。
func (c *Coordinator) setState(next State) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	prev := c.state.Status
	c.state = next
	subscribers := make([]func(State), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subscribers = append(subscribers, fn)
	}
	c.mu.Unlock()

	if next.Status != Loading {
		c.readyOnce.Do(func() { close(c.ready) })
	}
	if prev != next.Status {
		c.metrics.RecordSessionTransition(next.Status.String())
		c.logger.Debug("session state changed",
			slog.String("from", prev.String()),
			slog.String("to", next.Status.String()),
		)
	}

	for _, fn := range subscribers {
		fn(next)
	}
}

func (c *Coordinator) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// compile-time interface check
var _ AuthClient = (*auth.Client)(nil)
