package calendar

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/bikegroups/calendar-sync/app/cfg"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MatchPolicy decides whether an event returned by the backend is a
// plausible duplicate for a search.
type MatchPolicy interface {
	Name() string
	Match(q Query, ev Event) bool
}

// NewMatchPolicy returns the policy configured by name.
func NewMatchPolicy(name string) (MatchPolicy, error) {
	switch name {
	case cfg.MatchPolicyDate:
		return DatePolicy{}, nil
	case cfg.MatchPolicyKeyword:
		return KeywordPolicy{MinTokenLen: 3}, nil
	default:
		return nil, fmt.Errorf("unknown match policy: %s", name)
	}
}

// DatePolicy accepts every event the backend found in range.
type DatePolicy struct{}

func (DatePolicy) Name() string { return cfg.MatchPolicyDate }

func (DatePolicy) Match(q Query, ev Event) bool {
	return true
}

// KeywordPolicy additionally requires one keyword token to appear in the
// event's title, location or description. Queries without keywords match
// everything in range.
type KeywordPolicy struct {
	MinTokenLen int
}

func (KeywordPolicy) Name() string { return cfg.MatchPolicyKeyword }

func (p KeywordPolicy) Match(q Query, ev Event) bool {
	tokens := p.tokens(q.Keywords)
	if len(tokens) == 0 {
		return true
	}

	haystack := Normalize(ev.Title + " " + ev.Location + " " + ev.Description)
	for _, token := range tokens {
		if strings.Contains(haystack, token) {
			return true
		}
	}
	return false
}

func (p KeywordPolicy) tokens(keywords []string) []string {
	var tokens []string
	seen := make(map[string]bool)
	for _, kw := range keywords {
		for _, field := range strings.FieldsFunc(Normalize(kw), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		}) {
			if len([]rune(field)) < p.MinTokenLen || seen[field] {
				continue
			}
			seen[field] = true
			tokens = append(tokens, field)
		}
	}
	return tokens
}

// Normalize folds case and strips diacritics so "Café Ride" matches "cafe ride".
func Normalize(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return cases.Fold().String(strings.TrimSpace(out))
}

// NormalizeKeywords trims, drops empties and de-duplicates by normalized
// form, keeping the first spelling.
func NormalizeKeywords(keywords []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		key := Normalize(kw)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, kw)
	}
	return out
}
