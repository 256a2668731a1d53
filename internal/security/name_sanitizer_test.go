package security

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestNameSanitizer_Sanitize(t *testing.T) {
	s := NewNameSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"通常の名前", "Ann Lee", "Ann Lee"},
		{"日本語", "山田 太郎", "山田 太郎"},
		{"scriptタグ除去", "<script>alert(1)</script>Ann", "Ann"},
		{"タグ除去", "<b>Ann</b>", "Ann"},
		{"アンパサンドは元に戻す", "Tom & Jerry", "Tom & Jerry"},
		{"空白の正規化", "  Ann \n\t Lee  ", "Ann Lee"},
		{"空文字", "", ""},
		{"タグのみ", "<img src=x onerror=alert(1)>", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Sanitize(tt.input); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNameSanitizer_Truncates(t *testing.T) {
	s := NewNameSanitizer()
	got := s.Sanitize(strings.Repeat("あ", MaxNameLength+10))
	if n := utf8.RuneCountInString(got); n != MaxNameLength {
		t.Errorf("rune count = %d, want %d", n, MaxNameLength)
	}
}

func TestNameSanitizer_Idempotent(t *testing.T) {
	s := NewNameSanitizer()
	inputs := []string{"Ann", "<i>x</i> y", "a &lt; b"}
	for _, in := range inputs {
		once := s.Sanitize(in)
		if twice := s.Sanitize(once); twice != once {
			t.Errorf("not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}
