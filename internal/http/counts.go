package http

import (
	"strings"

	"github.com/fyrsmithlabs/phased/internal/methodology"
)

// CountFacets counts how many manifest entries carry each domain and tag.
//
// Values are lowercased so "Research" and "research" share a bucket, the same
// way suggestion matching treats them. A value repeated within one entry is
// counted once for that entry.
func CountFacets(entries []methodology.ManifestEntry) (domains map[string]int, tags map[string]int) {
	domains = map[string]int{}
	tags = map[string]int{}

	for _, e := range entries {
		countInto(domains, e.Domains)
		countInto(tags, e.Tags)
	}
	return domains, tags
}

func countInto(counts map[string]int, values []string) {
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		counts[key]++
	}
}
