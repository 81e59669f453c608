// Package auth はアカウント作成・サインイン・フェデレーションサインイン・
// セッション管理・プロフィール読み書きを提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/coursehistory/internal/metrics"
	"github.com/hitoshi/coursehistory/internal/model"
	"github.com/hitoshi/coursehistory/internal/repository"
)

// 認証操作の種別。メトリクスのactionラベルに使う。
const (
	ActionSignUp          = "signup"
	ActionSignIn          = "signin"
	ActionSignInFederated = "signin_federated"
	ActionSignOut         = "signout"
	ActionRefresh         = "refresh"
)

// profileCleanupTimeout はアカウント作成失敗時にプロフィールを削除する際のタイムアウト。
const profileCleanupTimeout = 5 * time.Second

// User はサインイン中のidentityを表す。UIDはプロフィールのuidと一致する。
type User struct {
	UID   string `json:"uid"`
	Email string `json:"email"`
}

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	Name           string
	PhotoURL       string
	Provider       string // "google" 等
	EmailVerified  bool   // プロバイダーがメールアドレスの所有を確認済みか
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
}

// FederatedCallback は同意画面からのコールバックパラメータ。
// ユーザーが同意せずに戻った場合はErrorに"access_denied"等が入る。
type FederatedCallback struct {
	Code  string
	Error string
}

// Repositories は認証サービスが使うストアの集合。
type Repositories struct {
	Accounts   repository.AccountRepository
	Identities repository.IdentityRepository
	Sessions   repository.SessionRepository
	Profiles   repository.ProfileRepository
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間（秒）
	BcryptCost    int // 0の場合はbcrypt.DefaultCost
}

// Service は認証に関するビジネスロジックを提供する。
// 各操作は1回だけ実行し、リトライは行わない。
type Service struct {
	oauth    OAuthProvider
	repos    Repositories
	attempts AttemptLimiter
	metrics  metrics.MetricsCollector
	config   ServiceConfig
	now      func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	oauth OAuthProvider,
	repos Repositories,
	attempts AttemptLimiter,
	config ServiceConfig,
) *Service {
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	return &Service{
		oauth:    oauth,
		repos:    repos,
		attempts: attempts,
		metrics:  metrics.Nop{},
		config:   config,
		now:      time.Now,
	}
}

// SetMetrics はメトリクスの記録先を設定する。
func (s *Service) SetMetrics(m metrics.MetricsCollector) {
	if m != nil {
		s.metrics = m
	}
}

// CreateAccount はメールアドレスとパスワードでアカウントを作成し、プロフィールを書き込む。
// アカウントはプロフィールの書き込みに成功した場合のみコミットされる。
func (s *Service) CreateAccount(ctx context.Context, email, password, displayName string) (user *User, session *model.Session, err error) {
	defer s.observe(ActionSignUp, s.now(), &err)

	email = NormalizeEmail(email)
	if !ValidEmail(email) {
		return nil, nil, model.NewInvalidEmailError()
	}
	if !PasswordLongEnough(password) {
		return nil, nil, model.NewWeakPasswordError()
	}

	existing, err := s.repos.Accounts.FindByEmail(ctx, email)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find account: %w", err)
	}
	if existing != nil {
		return nil, nil, model.NewEmailInUseError()
	}

	hash, err := hashPassword(password, s.config.BcryptCost)
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	account := &model.Account{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	profile := model.NewProfile(account.ID, email, displayName, "", now)

	err = s.createAccountWithProfile(ctx, account, nil, profile)
	if errors.Is(err, repository.ErrDuplicateEmail) {
		return nil, nil, model.NewEmailInUseError()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create account: %w", err)
	}

	slog.Info("account created", slog.String("user_id", account.ID))

	session, err = s.createSession(ctx, account.ID)
	if err != nil {
		return nil, nil, err
	}
	return &User{UID: account.ID, Email: account.Email}, session, nil
}

// SignIn はメールアドレスとパスワードでサインインする。
// 失敗回数が上限に達している場合はパスワードを検証せずにTooManyRequestsを返す。
func (s *Service) SignIn(ctx context.Context, email, password string) (user *User, session *model.Session, err error) {
	defer s.observe(ActionSignIn, s.now(), &err)

	email = NormalizeEmail(email)
	if !ValidEmail(email) {
		return nil, nil, model.NewInvalidEmailError()
	}

	blocked, err := s.attempts.Blocked(ctx, email)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to check sign-in attempts: %w", err)
	}
	if blocked {
		slog.Warn("sign-in blocked by failed attempts")
		return nil, nil, model.NewTooManyRequestsError()
	}

	account, err := s.repos.Accounts.FindByEmail(ctx, email)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil {
		s.recordFailure(ctx, email)
		return nil, nil, model.NewUserNotFoundError()
	}

	// 外部IdPのみのアカウントはパスワードでサインインできない
	ok := false
	if account.HasPassword() {
		ok, err = checkPassword(account.PasswordHash, password)
		if err != nil {
			return nil, nil, err
		}
	}
	if !ok {
		s.recordFailure(ctx, email)
		return nil, nil, model.NewWrongPasswordError()
	}

	if err := s.attempts.Reset(ctx, email); err != nil {
		slog.Warn("failed to reset sign-in attempts", slog.String("error", err.Error()))
	}

	s.touchLastLogin(ctx, account.ID)

	session, err = s.createSession(ctx, account.ID)
	if err != nil {
		return nil, nil, err
	}

	slog.Info("user signed in", slog.String("user_id", account.ID))
	return &User{UID: account.ID, Email: account.Email}, session, nil
}

// FederatedLoginURL は外部IdPの同意画面URLを返す。
func (s *Service) FederatedLoginURL(state string) string {
	return s.oauth.GetLoginURL(state)
}

// SignInFederated は同意画面からのコールバックを処理してサインインする。
// 初めてのidentityの場合は、同じメールアドレスのアカウントに紐付けるか新規作成し、
// プロフィールがなければ作成する。
func (s *Service) SignInFederated(ctx context.Context, cb FederatedCallback) (user *User, session *model.Session, err error) {
	defer s.observe(ActionSignInFederated, s.now(), &err)

	if cb.Error != "" || cb.Code == "" {
		slog.Info("federated sign-in cancelled", slog.String("reason", cb.Error))
		return nil, nil, model.NewPopupClosedError()
	}

	info, err := s.oauth.ExchangeCode(ctx, cb.Code)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	account, err := s.findOrCreateFederatedAccount(ctx, info)
	if err != nil {
		return nil, nil, err
	}

	session, err = s.createSession(ctx, account.ID)
	if err != nil {
		return nil, nil, err
	}

	slog.Info("user signed in",
		slog.String("user_id", account.ID),
		slog.String("provider", info.Provider),
	)
	return &User{UID: account.ID, Email: account.Email}, session, nil
}

// findOrCreateFederatedAccount はidentityに対応するアカウントを返す。
func (s *Service) findOrCreateFederatedAccount(ctx context.Context, info *OAuthUserInfo) (*model.Account, error) {
	identity, err := s.repos.Identities.FindByProviderAndProviderUserID(ctx, info.Provider, info.ProviderUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}

	now := s.now()
	email := NormalizeEmail(info.Email)

	if identity != nil {
		return s.identityAccount(ctx, identity, info, now)
	}

	// 確認済みのメールアドレスのみ既存アカウントに紐付ける
	var linked *model.Account
	if email != "" && info.EmailVerified {
		linked, err = s.repos.Accounts.FindByEmail(ctx, email)
		if err != nil {
			return nil, fmt.Errorf("failed to find account: %w", err)
		}
	}

	if linked != nil {
		if err := s.repos.Identities.Create(ctx, &model.Identity{
			ID:             uuid.New().String(),
			AccountID:      linked.ID,
			Provider:       info.Provider,
			ProviderUserID: info.ProviderUserID,
			CreatedAt:      now,
		}); err != nil {
			return nil, fmt.Errorf("failed to link identity: %w", err)
		}
		slog.Info("identity linked to existing account",
			slog.String("user_id", linked.ID),
			slog.String("provider", info.Provider),
		)
		if err := s.ensureProfile(ctx, linked, info, now); err != nil {
			return nil, err
		}
		return linked, nil
	}

	account := &model.Account{
		ID:        uuid.New().String(),
		Email:     email,
		CreatedAt: now,
		UpdatedAt: now,
	}
	identity = &model.Identity{
		ID:             uuid.New().String(),
		AccountID:      account.ID,
		Provider:       info.Provider,
		ProviderUserID: info.ProviderUserID,
		CreatedAt:      now,
	}
	profile := model.NewProfile(account.ID, email, info.Name, info.PhotoURL, now)

	err = s.createAccountWithProfile(ctx, account, identity, profile)
	if errors.Is(err, repository.ErrDuplicateIdentity) || errors.Is(err, repository.ErrDuplicateEmail) {
		// 同じidentityの初回コールバックが並行して処理された場合は、先に作成されたアカウントを使う
		winner, findErr := s.repos.Identities.FindByProviderAndProviderUserID(ctx, info.Provider, info.ProviderUserID)
		if findErr != nil {
			return nil, fmt.Errorf("failed to find identity: %w", findErr)
		}
		if winner != nil {
			slog.Info("identity created concurrently, using existing account",
				slog.String("user_id", winner.AccountID),
				slog.String("provider", info.Provider),
			)
			return s.identityAccount(ctx, winner, info, now)
		}
	}
	if errors.Is(err, repository.ErrDuplicateEmail) {
		return nil, model.NewEmailInUseError()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create account and identity: %w", err)
	}

	slog.Info("account created",
		slog.String("user_id", account.ID),
		slog.String("provider", info.Provider),
	)
	return account, nil
}

// identityAccount はidentityに紐付くアカウントを取得し、プロフィールを更新する。
func (s *Service) identityAccount(ctx context.Context, identity *model.Identity, info *OAuthUserInfo, now time.Time) (*model.Account, error) {
	account, err := s.repos.Accounts.FindByID(ctx, identity.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil {
		return nil, fmt.Errorf("account %s for identity not found", identity.AccountID)
	}
	if err := s.ensureProfile(ctx, account, info, now); err != nil {
		return nil, err
	}
	return account, nil
}

// createAccountWithProfile はアカウントとプロフィールを作成する。
// プロフィールの書き込み後にアカウントの作成が失敗した場合は、プロフィールを削除する。
func (s *Service) createAccountWithProfile(ctx context.Context, account *model.Account, identity *model.Identity, profile model.UserProfile) error {
	profileTouched := false
	err := s.repos.Accounts.Create(ctx, account, identity, func(ctx context.Context) error {
		profileTouched = true
		return s.repos.Profiles.Merge(ctx, account.ID, profile.CreateUpdate())
	})
	if err != nil && profileTouched {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), profileCleanupTimeout)
		defer cancel()
		if delErr := s.repos.Profiles.Delete(cleanupCtx, account.ID); delErr != nil {
			slog.Error("failed to delete orphaned profile",
				slog.String("user_id", account.ID),
				slog.String("error", delErr.Error()),
			)
		}
	}
	return err
}

// ensureProfile はプロフィールがあればlastLoginを更新し、なければ作成する。
func (s *Service) ensureProfile(ctx context.Context, account *model.Account, info *OAuthUserInfo, now time.Time) error {
	updated, err := s.repos.Profiles.UpdateExisting(ctx, account.ID, model.ProfileUpdate{LastLogin: model.TimePtr(now)})
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	if updated {
		return nil
	}

	profile := model.NewProfile(account.ID, account.Email, info.Name, info.PhotoURL, now)
	if err := s.repos.Profiles.Merge(ctx, account.ID, profile.CreateUpdate()); err != nil {
		return fmt.Errorf("failed to create profile: %w", err)
	}
	return nil
}

// SignOut はセッションを破棄する。
func (s *Service) SignOut(ctx context.Context, sessionID string) (err error) {
	defer s.observe(ActionSignOut, s.now(), &err)

	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.repos.Sessions.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("user signed out")
	return nil
}

// ResolveSession はセッションIDからサインイン中のユーザーを復元する。
// セッションが存在しない・期限切れ・アカウント削除済みの場合はnilを返す。
func (s *Service) ResolveSession(ctx context.Context, sessionID string) (*User, error) {
	if sessionID == "" {
		return nil, nil
	}

	session, err := s.repos.Sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, nil
	}

	account, err := s.repos.Accounts.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil {
		return nil, nil
	}

	return &User{UID: account.ID, Email: account.Email}, nil
}

// RefreshSession はセッションの有効期限を延長する。
// セッションが無効になっていた場合はnilを返す。
func (s *Service) RefreshSession(ctx context.Context, sessionID string) (user *User, err error) {
	defer s.observe(ActionRefresh, s.now(), &err)

	user, err = s.ResolveSession(ctx, sessionID)
	if err != nil || user == nil {
		return nil, err
	}

	expiresAt := s.now().Add(time.Duration(s.config.SessionMaxAge) * time.Second)
	if err := s.repos.Sessions.Extend(ctx, sessionID, expiresAt); err != nil {
		return nil, fmt.Errorf("failed to extend session: %w", err)
	}
	return user, nil
}

// ReadProfile はプロフィールを取得する。存在しない場合はnilを返す。
func (s *Service) ReadProfile(ctx context.Context, uid string) (*model.UserProfile, error) {
	profile, err := s.repos.Profiles.FindByUID(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	return profile, nil
}

// WriteProfile は指定されたフィールドだけをプロフィールに書き込む。
func (s *Service) WriteProfile(ctx context.Context, uid string, update model.ProfileUpdate) error {
	if update.IsEmpty() {
		return nil
	}
	if err := s.repos.Profiles.Merge(ctx, uid, update); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	return nil
}

// touchLastLogin は既存プロフィールのlastLoginを更新する。
// 失敗してもサインイン自体は成功させる。
func (s *Service) touchLastLogin(ctx context.Context, uid string) {
	update := model.ProfileUpdate{LastLogin: model.TimePtr(s.now())}
	if _, err := s.repos.Profiles.UpdateExisting(ctx, uid, update); err != nil {
		slog.Warn("failed to update last login",
			slog.String("user_id", uid),
			slog.String("error", err.Error()),
		)
	}
}

// recordFailure はサインイン失敗を記録する。記録に失敗してもログのみとする。
func (s *Service) recordFailure(ctx context.Context, email string) {
	if err := s.attempts.RecordFailure(ctx, email); err != nil {
		slog.Warn("failed to record sign-in failure", slog.String("error", err.Error()))
	}
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID string) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}

	if err := s.repos.Sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// observe は操作の結果とレイテンシを記録する。
func (s *Service) observe(action string, start time.Time, errp *error) {
	s.metrics.RecordAuthLatency(action, s.now().Sub(start))

	result := metrics.ResultSuccess
	if *errp != nil {
		result = metrics.ResultFailure
		if apiErr, ok := model.AsAPIError(*errp); ok {
			result = apiErr.Code
		}
	}
	s.metrics.RecordAuthAttempt(action, result)
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
