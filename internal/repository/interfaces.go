// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/coursehistory/internal/model"
)

// ErrDuplicateEmail は同じメールアドレスのアカウントが既に存在する場合に返す。
var ErrDuplicateEmail = errors.New("account with the same email already exists")

// ErrDuplicateIdentity は同じprovider/provider_user_idのidentityが既に存在する場合に返す。
var ErrDuplicateIdentity = errors.New("identity with the same provider user already exists")

// AccountRepository はアカウントデータの永続化インターフェース。
type AccountRepository interface {
	// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Account, error)

	// FindByEmail はメールアドレス（大文字小文字を区別しない）でアカウントを検索する。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.Account, error)

	// Create はアカウントを作成する。identityがnilでなければ同一トランザクションで作成する。
	// thenはINSERT後・コミット前に呼ばれ、エラーを返した場合はロールバックする。
	// メールアドレスが重複する場合はErrDuplicateEmail、identityが重複する場合はErrDuplicateIdentityを返す。
	Create(ctx context.Context, account *model.Account, identity *model.Identity, then func(ctx context.Context) error) error
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error)

	// Create は既存アカウントにidentityを紐付ける。
	Create(ctx context.Context, identity *model.Identity) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// Extend はセッションの有効期限を更新する。
	Extend(ctx context.Context, id string, expiresAt time.Time) error
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
}

// ProfileRepository はプロフィールドキュメントの永続化インターフェース。
type ProfileRepository interface {
	// FindByUID は指定uidのプロフィールを取得する。見つからない場合はnilを返す。
	FindByUID(ctx context.Context, uid string) (*model.UserProfile, error)

	// Merge は指定されたフィールドだけを書き込む。ドキュメントがなければ作成する。
	Merge(ctx context.Context, uid string, update model.ProfileUpdate) error

	// UpdateExisting はドキュメントが存在する場合のみ指定フィールドを書き込む。
	// 更新した場合にtrueを返す。
	UpdateExisting(ctx context.Context, uid string, update model.ProfileUpdate) (bool, error)

	// Delete は指定uidのプロフィールを削除する。存在しない場合は何もしない。
	Delete(ctx context.Context, uid string) error
}

// ExpiredSessionPurger は期限切れセッションの一括削除インターフェース。
// Redisのように有効期限で自動削除されるストアは実装しない。
type ExpiredSessionPurger interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
