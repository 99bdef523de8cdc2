// Package location normalizes free-text location labels into the
// canonical key used as the clustering join key.
package location

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/aegis-ops/backend/internal/utils"
)

// Normalization regexes compiled once at package init.
var (
	reParenthetical = regexp.MustCompile(`\s*\([^)]*\)\s*`)
	rePunct         = regexp.MustCompile(`[,;/]+`)
	reWhitespace    = regexp.MustCompile(`\s+`)
	reLetterDigit   = regexp.MustCompile(`([a-z])(\d)`)
	reDigitLetter   = regexp.MustCompile(`(\d)([a-z])`)
	reShortPostal   = regexp.MustCompile(`\bs\s*(\d{6})\b`)
	rePostalPrefix  = regexp.MustCompile(`^(.*?singapore\s*\d{6})`)
	rePostal        = regexp.MustCompile(`(?i)singapore\s*\d{6}`)
)

// CanonicalKey reduces a location label to a comparable key. Labels that
// name the same physical unit with different spacing, punctuation or
// trailing descriptive text produce the same key. If a postal code is
// present the key is truncated to everything up to and including it.
func CanonicalKey(label string) string {
	key := strings.ToLower(strings.TrimSpace(label))
	key = reParenthetical.ReplaceAllString(key, " ")
	key = rePunct.ReplaceAllString(key, " ")
	key = reLetterDigit.ReplaceAllString(key, "$1 $2")
	key = reDigitLetter.ReplaceAllString(key, "$1 $2")
	key = reShortPostal.ReplaceAllString(key, "singapore $1")
	key = reWhitespace.ReplaceAllString(key, " ")
	key = strings.TrimSpace(key)
	if m := rePostalPrefix.FindStringSubmatch(key); m != nil {
		key = strings.TrimSpace(m[1])
	}
	return key
}

// GroupKey joins the canonical location key with the complaint category;
// clustering groups by this composite.
func GroupKey(label, category string) string {
	return CanonicalKey(label) + "||" + category
}

// Fingerprint is a short stable identifier for a canonical key, used in
// logs and audit details where the full key would be noise.
func Fingerprint(label string) string {
	return fmt.Sprintf("%016x", utils.HashStringToUint64(CanonicalKey(label)))
}

// ChooseBestLabel picks the display label for a cluster from member
// labels: postal-coded labels win over bare ones, longest wins within
// the group.
func ChooseBestLabel(labels []string) string {
	cleaned := make([]string, 0, len(labels))
	for _, l := range labels {
		if t := strings.TrimSpace(l); t != "" {
			cleaned = append(cleaned, t)
		}
	}
	if len(cleaned) == 0 {
		return ""
	}

	candidates := cleaned
	var withPostal []string
	for _, l := range cleaned {
		if rePostal.MatchString(l) {
			withPostal = append(withPostal, l)
		}
	}
	if len(withPostal) > 0 {
		candidates = withPostal
	}

	best := candidates[0]
	for _, l := range candidates[1:] {
		if len(l) > len(best) {
			best = l
		}
	}
	return best
}

const (
	summarizeMaxItems = 5
	summarizeMaxLen   = 140
)

// Summarize builds the cluster description from member complaint texts:
// a pipe-joined list of the first few non-empty texts, each truncated.
func Summarize(texts []string) string {
	parts := make([]string, 0, summarizeMaxItems)
	for _, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		for len(t) > summarizeMaxLen {
			_, size := utf8.DecodeLastRuneInString(t)
			t = t[:len(t)-size]
		}
		parts = append(parts, t)
		if len(parts) == summarizeMaxItems {
			break
		}
	}
	if len(parts) == 0 {
		return "No complaint description available."
	}
	return strings.Join(parts, " | ")
}
