package auth

import (
	"net/mail"
	"strings"
	"unicode/utf8"
)

// MinPasswordLength はパスワードの最小文字数。
const MinPasswordLength = 6

// NormalizeEmail は前後の空白を除去し小文字に揃える。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidEmail はメールアドレスとして受け付けられる形式かどうかを返す。
// "Name <addr>" のような表示名付きの形式は受け付けない。
func ValidEmail(email string) bool {
	if email == "" || len(email) > 254 {
		return false
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return false
	}
	at := strings.LastIndex(email, "@")
	return at > 0 && strings.Contains(email[at+1:], ".")
}

// PasswordLongEnough はパスワードが最小文字数を満たすかどうかを返す。
func PasswordLongEnough(password string) bool {
	return utf8.RuneCountInString(password) >= MinPasswordLength
}
