package match

import (
	"math"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/elonfeng/rivalradar/pkg/presence"
)

// FuzzyThreshold is the share of canonical-name words that must appear in a
// hit for the fuzzy tier to accept it.
const FuzzyThreshold = 0.7

// Detector classifies search hits against competitors using tiered rules.
// It is safe for concurrent use.
type Detector struct {
	mu       sync.RWMutex
	patterns map[string]*regexp.Regexp
}

// NewDetector creates a detector with an empty pattern cache.
func NewDetector() *Detector {
	return &Detector{patterns: make(map[string]*regexp.Regexp)}
}

// Classify applies the exact, alias, domain and fuzzy tiers in that order.
// The first tier that matches wins; ok is false when the hit matches none.
func (d *Detector) Classify(hit presence.Hit, c presence.Competitor, fuzzy bool) (presence.Method, bool) {
	text := hit.Title + " " + hit.Snippet

	if d.containsPhrase(text, c.CanonicalName) {
		return presence.MethodExact, true
	}

	for _, alias := range c.Aliases {
		if d.containsPhrase(text, alias) {
			return presence.MethodAlias, true
		}
	}

	url := strings.ToLower(hit.URL)
	for _, domain := range c.Domains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain != "" && strings.Contains(url, domain) {
			return presence.MethodDomain, true
		}
	}

	if fuzzy && fuzzyMatch(text, c.CanonicalName) {
		return presence.MethodFuzzy, true
	}
	return "", false
}

// ClassifyHit wraps Classify and builds the ClassifiedHit for a platform.
func (d *Detector) ClassifyHit(hit presence.Hit, c presence.Competitor, platform string, fuzzy bool) (presence.ClassifiedHit, bool) {
	method, ok := d.Classify(hit, c, fuzzy)
	if !ok {
		return presence.ClassifiedHit{}, false
	}
	return presence.ClassifiedHit{
		Hit:        hit,
		Competitor: c.CanonicalName,
		Platform:   platform,
		Method:     method,
	}, true
}

// containsPhrase reports whether phrase occurs in text as a whole-word,
// case-insensitive match.
func (d *Detector) containsPhrase(text, phrase string) bool {
	phrase = strings.TrimSpace(phrase)
	if phrase == "" {
		return false
	}
	return d.pattern(phrase).MatchString(text)
}

func (d *Detector) pattern(phrase string) *regexp.Regexp {
	key := strings.ToLower(phrase)

	d.mu.RLock()
	re, ok := d.patterns[key]
	d.mu.RUnlock()
	if ok {
		return re
	}

	// \b only knows ASCII word characters and fails next to symbols such as
	// "C++", so word edges are spelled out explicitly.
	re = regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}_])` + regexp.QuoteMeta(phrase) + `(?:$|[^\p{L}\p{N}_])`)

	d.mu.Lock()
	d.patterns[key] = re
	d.mu.Unlock()
	return re
}

// fuzzyMatch reports whether at least FuzzyThreshold of the name's words,
// rounded up, appear anywhere in text.
func fuzzyMatch(text, name string) bool {
	words := nameWords(name)
	if len(words) == 0 {
		return false
	}

	lower := strings.ToLower(text)
	found := 0
	for _, w := range words {
		if strings.Contains(lower, w) {
			found++
		}
	}

	return found >= requiredWords(len(words))
}

// requiredWords is ceil(n * FuzzyThreshold) computed in integer percent to
// avoid float rounding (0.7*10 is 7.000000000000001).
func requiredWords(n int) int {
	pct := int(math.Round(FuzzyThreshold * 100))
	required := (n*pct + 99) / 100
	if required < 1 {
		required = 1
	}
	return required
}

// nameWords splits a name into lowercased words.
func nameWords(name string) []string {
	return strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
