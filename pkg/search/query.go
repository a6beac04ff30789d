package search

import (
	"strings"

	"github.com/elonfeng/rivalradar/pkg/presence"
)

// platformDomains maps platform identifiers to the site the query is scoped to.
var platformDomains = map[string]string{
	"reddit":        "reddit.com",
	"twitter":       "twitter.com",
	"x":             "x.com",
	"linkedin":      "linkedin.com",
	"facebook":      "facebook.com",
	"instagram":     "instagram.com",
	"youtube":       "youtube.com",
	"tiktok":        "tiktok.com",
	"hackernews":    "news.ycombinator.com",
	"producthunt":   "producthunt.com",
	"quora":         "quora.com",
	"medium":        "medium.com",
	"github":        "github.com",
	"stackoverflow": "stackoverflow.com",
	"g2":            "g2.com",
}

// PlatformDomain returns the site domain for a platform identifier. Unknown
// identifiers that look like a host are used as-is; others return "".
func PlatformDomain(platform string) string {
	p := strings.ToLower(strings.TrimSpace(platform))
	if d, ok := platformDomains[p]; ok {
		return d
	}
	if strings.Contains(p, ".") {
		return p
	}
	return ""
}

// BuildQuery combines the competitor's canonical name and aliases as an OR of
// quoted phrases, scoped to the platform's domain.
func BuildQuery(c presence.Competitor, platform string) string {
	seen := make(map[string]bool)
	var phrases []string
	for _, name := range append([]string{c.CanonicalName}, c.Aliases...) {
		name = strings.TrimSpace(strings.ReplaceAll(name, `"`, ""))
		if name == "" || seen[strings.ToLower(name)] {
			continue
		}
		seen[strings.ToLower(name)] = true
		phrases = append(phrases, `"`+name+`"`)
	}

	terms := strings.Join(phrases, " OR ")
	if len(phrases) > 1 {
		terms = "(" + terms + ")"
	}

	if domain := PlatformDomain(platform); domain != "" {
		return "site:" + domain + " " + terms
	}
	return terms
}
