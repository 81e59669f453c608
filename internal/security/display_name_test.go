package security

import (
	"errors"
	"strings"
	"testing"
)

// TestDisplayNameSanitize は表示名のサニタイズ結果を検証する。
func TestDisplayNameSanitize(t *testing.T) {
	sanitizer := NewDisplayNameSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "Alice", "Alice"},
		{"japanese", "山田 太郎", "山田 太郎"},
		{"trim and collapse", "  Alice \t  Liddell  ", "Alice Liddell"},
		{"ampersand kept", "Tom & Jerry", "Tom & Jerry"},
		{"bold tag removed", "<b>Alice</b>", "Alice"},
		{"script removed", "<script>alert(1)</script>Bob", "Bob"},
		{"event attribute removed", `<img src=x onerror=alert(1)>Carol`, "Carol"},
		{"control characters", "Dave\tSmith\r\n", "Dave Smith"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sanitizer.Sanitize(tt.input)
			if err != nil {
				t.Fatalf("Sanitize(%q) error = %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// TestDisplayNameSanitize_Errors は空・長すぎる表示名が拒否されることを検証する。
func TestDisplayNameSanitize_Errors(t *testing.T) {
	sanitizer := NewDisplayNameSanitizer()

	if _, err := sanitizer.Sanitize("   "); !errors.Is(err, ErrDisplayNameEmpty) {
		t.Errorf("blank error = %v, want ErrDisplayNameEmpty", err)
	}
	if _, err := sanitizer.Sanitize("<script>x</script>"); !errors.Is(err, ErrDisplayNameEmpty) {
		t.Errorf("tag-only error = %v, want ErrDisplayNameEmpty", err)
	}
	if _, err := sanitizer.Sanitize(strings.Repeat("あ", MaxDisplayNameLength+1)); !errors.Is(err, ErrDisplayNameTooLong) {
		t.Errorf("long error = %v, want ErrDisplayNameTooLong", err)
	}
	if _, err := sanitizer.Sanitize(strings.Repeat("あ", MaxDisplayNameLength)); err != nil {
		t.Errorf("max length error = %v, want nil", err)
	}
}

// TestDisplayNameSanitize_Idempotent は同じ入力に対して同じ出力を返すことを検証する。
func TestDisplayNameSanitize_Idempotent(t *testing.T) {
	sanitizer := NewDisplayNameSanitizer()

	first, _ := sanitizer.Sanitize("<i>Eve</i> &amp; co")
	second, _ := sanitizer.Sanitize(first)
	if first != second {
		t.Errorf("not idempotent: %q then %q", first, second)
	}
}

// TestDisplayNameSanitizerInterface はインターフェースの適合を検証する。
func TestDisplayNameSanitizerInterface(t *testing.T) {
	var _ DisplayNameSanitizer = NewDisplayNameSanitizer()
}
