package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Is はエラーコードが一致する場合にtrueを返す。
// errors.Is(err, model.ErrEmailInUse) のようにコード単位で比較できる。
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// 定義済みエラーコード
const (
	ErrCodeEmailInUse       = "EMAIL_IN_USE"
	ErrCodeInvalidEmail     = "INVALID_EMAIL"
	ErrCodeWeakPassword     = "WEAK_PASSWORD"
	ErrCodeUserNotFound     = "USER_NOT_FOUND"
	ErrCodeWrongPassword    = "WRONG_PASSWORD"
	ErrCodeTooManyRequests  = "TOO_MANY_REQUESTS"
	ErrCodePopupClosed      = "POPUP_CLOSED"
	ErrCodePasswordMismatch = "PASSWORD_MISMATCH"
	ErrCodePasswordTooShort = "PASSWORD_TOO_SHORT"
	ErrCodeUnauthenticated  = "UNAUTHENTICATED"
	ErrCodeInvalidProfile   = "INVALID_PROFILE"
)

// 比較用の番兵エラー。errors.Isで使用する。
var (
	ErrEmailInUse       = &APIError{Code: ErrCodeEmailInUse}
	ErrInvalidEmail     = &APIError{Code: ErrCodeInvalidEmail}
	ErrWeakPassword     = &APIError{Code: ErrCodeWeakPassword}
	ErrUserNotFound     = &APIError{Code: ErrCodeUserNotFound}
	ErrWrongPassword    = &APIError{Code: ErrCodeWrongPassword}
	ErrTooManyRequests  = &APIError{Code: ErrCodeTooManyRequests}
	ErrPopupClosed      = &APIError{Code: ErrCodePopupClosed}
	ErrPasswordMismatch = &APIError{Code: ErrCodePasswordMismatch}
	ErrPasswordTooShort = &APIError{Code: ErrCodePasswordTooShort}
	ErrUnauthenticated  = &APIError{Code: ErrCodeUnauthenticated}
	ErrInvalidProfile   = &APIError{Code: ErrCodeInvalidProfile}
)

// NewEmailInUseError は登録済みメールアドレスでのサインアップエラーを生成する。
func NewEmailInUseError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailInUse,
		Message:  "An account with this email already exists",
		Category: "auth",
		Action:   "Sign in instead, or use a different email address.",
	}
}

// NewInvalidEmailError は不正なメールアドレスのエラーを生成する。
func NewInvalidEmailError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidEmail,
		Message:  "Invalid email address",
		Category: "validation",
		Action:   "Check the email address and try again.",
	}
}

// NewWeakPasswordError はパスワード強度不足のエラーを生成する。
func NewWeakPasswordError() *APIError {
	return &APIError{
		Code:     ErrCodeWeakPassword,
		Message:  "Password is too weak",
		Category: "validation",
		Action:   "Use a password with at least 6 characters.",
	}
}

// NewUserNotFoundError はアカウントが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "No account found with this email",
		Category: "auth",
		Action:   "Check the email address or create a new account.",
	}
}

// NewWrongPasswordError はパスワード不一致のエラーを生成する。
func NewWrongPasswordError() *APIError {
	return &APIError{
		Code:     ErrCodeWrongPassword,
		Message:  "Incorrect password",
		Category: "auth",
		Action:   "Check the password and try again.",
	}
}

// NewTooManyRequestsError はサインイン失敗が続いた場合のエラーを生成する。
func NewTooManyRequestsError() *APIError {
	return &APIError{
		Code:     ErrCodeTooManyRequests,
		Message:  "Too many failed attempts. Please try again later",
		Category: "auth",
		Action:   "Wait a few minutes before signing in again.",
	}
}

// NewPopupClosedError は外部IdPの同意フローが中断された場合のエラーを生成する。
func NewPopupClosedError() *APIError {
	return &APIError{
		Code:     ErrCodePopupClosed,
		Message:  "Sign in was cancelled",
		Category: "auth",
		Action:   "Start the Google sign-in again and approve the request.",
	}
}

// NewPasswordMismatchError は確認用パスワードが一致しない場合のエラーを生成する。
func NewPasswordMismatchError() *APIError {
	return &APIError{
		Code:     ErrCodePasswordMismatch,
		Message:  "Passwords do not match",
		Category: "validation",
		Action:   "Enter the same password in both fields.",
	}
}

// NewPasswordTooShortError はパスワードが短すぎる場合のエラーを生成する。
func NewPasswordTooShortError(minLength int) *APIError {
	return &APIError{
		Code:     ErrCodePasswordTooShort,
		Message:  fmt.Sprintf("Password must be at least %d characters long", minLength),
		Category: "validation",
		Action:   "Choose a longer password.",
	}
}

// NewUnauthenticatedError はサインインが必要な操作を未認証で実行した場合のエラーを生成する。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  "You need to sign in first",
		Category: "auth",
		Action:   "Sign in and try again.",
	}
}

// NewInvalidProfileError はプロフィール入力が不正な場合のエラーを生成する。
func NewInvalidProfileError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidProfile,
		Message:  fmt.Sprintf("Invalid profile: %s", reason),
		Category: "validation",
		Action:   "Fix the highlighted field and save again.",
	}
}

// genericMessage はAPIError以外のエラーに表示する汎用メッセージ。
const genericMessage = "An error occurred. Please try again"

// UserMessage はエラーをUIに表示する固定メッセージに変換する。
// APIErrorでない場合（インフラ障害など）は汎用メッセージを返す。
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return genericMessage
}

// AsAPIError はエラーチェーンからAPIErrorを取り出す。
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
