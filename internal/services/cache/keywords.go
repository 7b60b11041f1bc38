package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/amerfu/genmediator/internal/models"
)

// MaxKeywords caps the fingerprint of a single prompt.
const MaxKeywords = 20

var (
	// Letters, digits and combining marks of any script survive normalisation.
	nonWord    = regexp.MustCompile(`[^\p{L}\p{N}\p{M}_\s]+`)
	whitespace = regexp.MustCompile(`\s+`)
)

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "this": {}, "that": {},
	"from": {}, "are": {}, "was": {}, "were": {}, "has": {}, "have": {},
	"but": {}, "not": {}, "you": {}, "your": {}, "its": {}, "into": {},
	"than": {}, "then": {}, "them": {}, "they": {}, "their": {}, "there": {},
	"will": {}, "would": {}, "can": {}, "could": {}, "should": {}, "very": {},
}

// Normalize lowercases, strips punctuation and collapses whitespace.
func Normalize(prompt string) string {
	s := strings.ToLower(prompt)
	s = nonWord.ReplaceAllString(s, "")
	s = whitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Key is the exact-match key of an already normalised prompt.
func Key(normalized string, kind models.Kind) string {
	sum := sha256.Sum256([]byte(string(kind) + "|" + normalized))
	return fmt.Sprintf("%s:%s", kind, hex.EncodeToString(sum[:]))
}

// ScopedKey is Key within a scope. The empty scope yields Key.
func ScopedKey(scope, normalized string, kind models.Kind) string {
	if scope == "" {
		return Key(normalized, kind)
	}
	sum := sha256.Sum256([]byte(string(kind) + "|" + scope + "|" + normalized))
	return fmt.Sprintf("%s:%s:%s", kind, scope, hex.EncodeToString(sum[:]))
}

// ExtractKeywords returns up to MaxKeywords distinct tokens longer than two
// characters, in first-seen order, skipping stop words.
func ExtractKeywords(normalized string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, word := range strings.Fields(normalized) {
		if utf8.RuneCountInString(word) <= 2 {
			continue
		}
		if _, stop := stopWords[word]; stop {
			continue
		}
		if _, dup := seen[word]; dup {
			continue
		}
		seen[word] = struct{}{}
		out = append(out, word)
		if len(out) == MaxKeywords {
			break
		}
	}
	return out
}

// Jaccard is |A∩B| / |A∪B|, defined as 0 when both sets are empty.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, w := range a {
		set[w] = struct{}{}
	}
	inter := 0
	union := len(set)
	seen := make(map[string]struct{}, len(b))
	for _, w := range b {
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		if _, ok := set[w]; ok {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
