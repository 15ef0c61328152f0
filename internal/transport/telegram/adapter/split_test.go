package adapter

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitTextShortIsUntouched(t *testing.T) {
	t.Parallel()
	got := SplitText("hello", 10, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	line := strings.Repeat("x", 30)
	s := strings.Join([]string{line, line, line, line}, "\n")
	got := SplitText(s, 70, "")
	if len(got) < 2 {
		t.Fatalf("expected split, got %d chunks", len(got))
	}
	for _, c := range got {
		if utf8.RuneCountInString(c) > 70 {
			t.Fatalf("chunk too long: %d", utf8.RuneCountInString(c))
		}
		if strings.HasPrefix(c, "\n") || strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk has stray newline: %q", c)
		}
	}
	if strings.Join(got, "\n") != s {
		t.Fatalf("content lost across chunks")
	}
}

func TestSplitTextAvoidsCuttingHTMLTag(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("a", 18) + "<b>bold</b>" + strings.Repeat("c", 10)
	got := SplitText(s, 20, "HTML")
	if !strings.HasPrefix(got[1], "<b>") {
		t.Fatalf("tag split across chunks: %q", got)
	}
}

func TestSplitTextCountsRunes(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("作业", 10)
	got := SplitText(s, 5, "")
	if len(got) != 4 {
		t.Fatalf("got %d chunks", len(got))
	}
}
