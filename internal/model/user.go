// Package model はドメインモデルを定義する。
package model

import "time"

// Account はメールアドレス/パスワードまたは外部IdPでサインインするアカウントを表す。
// IDはプロフィールドキュメントのuidと一致する。
type Account struct {
	ID           string
	Email        string
	PasswordHash string // 外部IdPのみのアカウントでは空文字列
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasPassword はパスワードによるサインインが可能かどうかを返す。
func (a *Account) HasPassword() bool {
	return a.PasswordHash != ""
}

// Identity は外部IdPとの紐付け情報を表す。
type Identity struct {
	ID             string
	AccountID      string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}

// Session はブラウザごとのログインセッションを表す。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired は指定時刻においてセッションが期限切れかどうかを返す。
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
