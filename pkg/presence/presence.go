package presence

// Method identifies which matching tier accepted a search hit.
type Method string

const (
	MethodExact  Method = "exact"
	MethodAlias  Method = "alias"
	MethodDomain Method = "domain"
	MethodFuzzy  Method = "fuzzy"
)

// Competitor is a monitored entity and the names it goes by.
type Competitor struct {
	CanonicalName string   `json:"canonical_name" yaml:"canonical_name"`
	Aliases       []string `json:"aliases,omitempty" yaml:"aliases"`
	Domains       []string `json:"domains,omitempty" yaml:"domains"`
}

// Hit is one raw result returned by a search provider.
type Hit struct {
	Title      string `json:"title"`
	URL        string `json:"url"`
	Snippet    string `json:"snippet"`
	DisplayURL string `json:"display_url,omitempty"`
	Position   int    `json:"position,omitempty"`
}

// ClassifiedHit is a hit that matched a competitor.
type ClassifiedHit struct {
	Hit
	Competitor string `json:"competitor"`
	Platform   string `json:"platform"`
	Method     Method `json:"detection_method"`
}

// AllMethods returns the matching tiers in priority order.
func AllMethods() []Method {
	return []Method{MethodExact, MethodAlias, MethodDomain, MethodFuzzy}
}
