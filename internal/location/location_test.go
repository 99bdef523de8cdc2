package location

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestCanonicalKeyVariantsCollapse(t *testing.T) {
	a := CanonicalKey("Blk 123 Yishun Ave 1, Singapore 760123")
	b := CanonicalKey("Blk123 Yishun Ave1 S760123")
	if a != b {
		t.Fatalf("expected same key, got %q vs %q", a, b)
	}
	if a != "blk 123 yishun ave 1 singapore 760123" {
		t.Fatalf("unexpected canonical key %q", a)
	}
}

func TestCanonicalKeyStripsParentheticals(t *testing.T) {
	a := CanonicalKey("Blk 55 Marsiling Dr (near coffee shop)")
	b := CanonicalKey("Blk 55 Marsiling Dr")
	if a != b {
		t.Fatalf("expected same key, got %q vs %q", a, b)
	}
}

func TestCanonicalKeyTruncatesAfterPostal(t *testing.T) {
	a := CanonicalKey("Blk 7 Tampines St 21 Singapore 521007 beside the void deck bins")
	b := CanonicalKey("Blk 7 Tampines St 21 Singapore 521007")
	if a != b {
		t.Fatalf("expected same key, got %q vs %q", a, b)
	}
}

func TestCanonicalKeyDifferentUnitsStayDistinct(t *testing.T) {
	a := CanonicalKey("Blk 123 Yishun Ave 1")
	b := CanonicalKey("Blk 124 Yishun Ave 1")
	if a == b {
		t.Fatalf("expected distinct keys, both %q", a)
	}
}

func TestGroupKeyIncludesCategory(t *testing.T) {
	a := GroupKey("Blk 123 Yishun Ave 1", "bin_overflow")
	b := GroupKey("Blk 123 Yishun Ave 1", "litter")
	if a == b {
		t.Fatalf("expected category to split the key")
	}
}

func TestChooseBestLabelPrefersPostalCoded(t *testing.T) {
	got := ChooseBestLabel([]string{
		"Blk 123 Yishun Ave 1 and some very long trailing description",
		"Blk 123 Yishun Ave 1 Singapore 760123",
	})
	if got != "Blk 123 Yishun Ave 1 Singapore 760123" {
		t.Fatalf("expected postal-coded label, got %q", got)
	}
}

func TestChooseBestLabelLongestWins(t *testing.T) {
	got := ChooseBestLabel([]string{"Blk 123", "Blk 123 Yishun Ave 1", ""})
	if got != "Blk 123 Yishun Ave 1" {
		t.Fatalf("got %q", got)
	}
}

func TestSummarizeTruncatesAndLimits(t *testing.T) {
	long := strings.Repeat("x", 200)
	texts := []string{"one", "", "two", long, "four", "five", "six", "seven"}
	got := Summarize(texts)
	parts := strings.Split(got, " | ")
	if len(parts) != 5 {
		t.Fatalf("expected 5 parts, got %d", len(parts))
	}
	for _, p := range parts {
		if len(p) > 140 {
			t.Fatalf("part longer than 140: %d", len(p))
		}
	}
}

func TestSummarizeTruncatesOnRuneBoundary(t *testing.T) {
	got := Summarize([]string{strings.Repeat("a", 139) + "脏乱的走廊"})
	if !utf8.ValidString(got) {
		t.Fatalf("truncated summary is not valid UTF-8: %q", got)
	}
	if len(got) > 140 {
		t.Fatalf("summary longer than 140 bytes: %d", len(got))
	}
	if !strings.HasPrefix(got, strings.Repeat("a", 139)) {
		t.Fatalf("truncation dropped leading text: %q", got)
	}
}

func TestSummarizeEmptyFallback(t *testing.T) {
	if got := Summarize([]string{"", "  "}); got != "No complaint description available." {
		t.Fatalf("got %q", got)
	}
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("Blk 123 Yishun Ave 1, Singapore 760123")
	b := Fingerprint("Blk123 Yishun Ave1 S760123")
	if a != b {
		t.Fatalf("expected same fingerprint for same canonical key")
	}
	if len(a) != 16 {
		t.Fatalf("expected 16 hex chars, got %d", len(a))
	}
}
