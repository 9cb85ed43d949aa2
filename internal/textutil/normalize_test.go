package textutil

import "testing"

func TestNormalizeContent(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"trims", "  hello  ", 0, "hello"},
		{"strips controls", "a\x00b\x07c", 0, "abc"},
		{"keeps tabs", "a\tb", 0, "a\tb"},
		{"crlf", "one\r\ntwo", 0, "one\ntwo"},
		{"collapses blank lines", "one\n\n\n\ntwo\n\n", 0, "one\n\ntwo"},
		{"leading blank lines", "\n\n  \none", 0, "one"},
		{"nfc", "cafe\u0301", 0, "caf\u00e9"},
		{"truncates runes", "héllo world", 5, "héllo"},
		{"empty", " \n\t ", 0, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := NormalizeContent(tc.in, tc.max); got != tc.want {
				t.Fatalf("NormalizeContent(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("abc", 0); got != "abc" {
		t.Fatalf("expected unchanged, got %q", got)
	}
	if got := Truncate("日本語テキスト", 3); got != "日本語" {
		t.Fatalf("expected rune-safe cut, got %q", got)
	}
	if got := Truncate("ab cd", 3); got != "ab" {
		t.Fatalf("expected trailing space trimmed, got %q", got)
	}
}
