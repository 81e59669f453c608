// Package security はアプリケーションのセキュリティ機能を提供する。
//
// DisplayNameSanitizer はユーザーが入力した表示名からHTMLを除去し、
// プロフィールに保存できる形に正規化する。
// SSRFGuardService はプロフィール写真URLの安全性を検証する。
package security

import (
	"errors"
	"html"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxDisplayNameLength は表示名の最大文字数。
const MaxDisplayNameLength = 80

// 表示名の検証エラー
var (
	ErrDisplayNameEmpty   = errors.New("display name is empty")
	ErrDisplayNameTooLong = errors.New("display name is too long")
)

// DisplayNameSanitizer は表示名のサニタイズ機能のインターフェースを定義する。
type DisplayNameSanitizer interface {
	// Sanitize はタグと制御文字を除去し、連続する空白を1つにまとめる。
	// 結果が空または長すぎる場合はエラーを返す。
	Sanitize(raw string) (string, error)
}

// displayNameSanitizer はDisplayNameSanitizerの実装。
type displayNameSanitizer struct {
	policy *bluemonday.Policy
}

// NewDisplayNameSanitizer は全てのタグを除去するStrictPolicyのサニタイザーを生成する。
func NewDisplayNameSanitizer() *displayNameSanitizer {
	return &displayNameSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグと制御文字を除去し、連続する空白を1つにまとめる。
// bluemondayがエスケープした実体参照は元に戻す（表示時にテンプレートでエスケープされる）。
func (s *displayNameSanitizer) Sanitize(raw string) (string, error) {
	stripped := html.UnescapeString(s.policy.Sanitize(raw))

	stripped = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, stripped)
	name := strings.Join(strings.Fields(stripped), " ")

	if name == "" {
		return "", ErrDisplayNameEmpty
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return "", ErrDisplayNameTooLong
	}
	return name, nil
}
