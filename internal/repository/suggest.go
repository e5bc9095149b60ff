package repository

import (
	"context"
	"slices"
	"strings"

	"github.com/fyrsmithlabs/phased/internal/methodology"
)

// DefaultSuggestionLimit caps results when Query.Limit is not positive.
const DefaultSuggestionLimit = 5

// Score weights.
const (
	domainWeight     = 10
	tagWeight        = 5
	complexityWeight = 3
)

// Query describes the profile a methodology should match.
type Query struct {
	Domains    []string
	Tags       []string
	Complexity string
	Limit      int
}

// Suggestion is a scored manifest entry.
type Suggestion struct {
	MethodologyID  string   `json:"methodologyId"`
	Name           string   `json:"name"`
	Score          int      `json:"score"`
	MatchedDomains []string `json:"matchedDomains"`
	MatchedTags    []string `json:"matchedTags"`
}

// ManifestSource provides the entries a Suggester ranks. Repository
// implements it.
type ManifestSource interface {
	Manifest(ctx context.Context) []methodology.ManifestEntry
}

// Suggester ranks manifest entries against a Query.
type Suggester struct {
	source ManifestSource
}

// NewSuggester creates a suggester over the given manifest source.
func NewSuggester(source ManifestSource) *Suggester {
	return &Suggester{source: source}
}

// Suggest scores every manifest entry, drops zero scores and returns the best
// matches first. Equal scores keep manifest order, so the result is stable
// for an unchanged manifest.
func (s *Suggester) Suggest(ctx context.Context, q Query) []Suggestion {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultSuggestionLimit
	}

	domains := lowerSet(q.Domains)
	tags := lowerSet(q.Tags)
	complexity := strings.ToLower(strings.TrimSpace(q.Complexity))

	suggestions := make([]Suggestion, 0)
	for _, entry := range s.source.Manifest(ctx) {
		sg := score(entry, domains, tags, complexity)
		if sg.Score > 0 {
			suggestions = append(suggestions, sg)
		}
	}

	slices.SortStableFunc(suggestions, func(a, b Suggestion) int {
		return b.Score - a.Score
	})

	if len(suggestions) > limit {
		suggestions = suggestions[:limit]
	}
	return suggestions
}

func score(entry methodology.ManifestEntry, domains, tags map[string]bool, complexity string) Suggestion {
	sg := Suggestion{
		MethodologyID:  entry.ID,
		Name:           entry.Name,
		MatchedDomains: matches(entry.Domains, domains),
		MatchedTags:    matches(entry.Tags, tags),
	}
	sg.Score = domainWeight*len(sg.MatchedDomains) + tagWeight*len(sg.MatchedTags)
	if complexity != "" && strings.EqualFold(string(entry.Complexity), complexity) {
		sg.Score += complexityWeight
	}
	return sg
}

// matches returns the values present in want, in entry order, once each.
func matches(values []string, want map[string]bool) []string {
	out := []string{}
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		key := strings.ToLower(strings.TrimSpace(v))
		if want[key] && !seen[key] {
			seen[key] = true
			out = append(out, v)
		}
	}
	return out
}

func lowerSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			set[v] = true
		}
	}
	return set
}
