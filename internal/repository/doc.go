// Package repository loads, caches and searches methodology definitions.
//
// # Overview
//
// A Repository sits in front of a Fetcher (see internal/source) and keeps two
// caches: the parsed manifest and every methodology loaded so far. Both live
// until Clear is called. Concurrent loads of the same document are collapsed
// into a single fetch.
//
// Fetch failures are asymmetric:
//   - Manifest: logged and reported as an empty list, and not cached, so the
//     next call retries.
//   - Methodology: returned as ErrNotFound.
//
// # Suggestions
//
// Suggester scores manifest entries against a query:
//
//	score = 10*matchedDomains + 5*matchedTags + 3*(complexity match)
//
// Matching is case-insensitive. Results are sorted by descending score with
// ties kept in manifest order, zero scores are dropped and the list is
// truncated to the query limit (default 5).
//
// # Metrics
//
// Cache hits, misses, fetch errors and clears are exported through Prometheus
// with the phased_repository_ prefix.
//
// # Concurrency Safety
//
// Repository and Suggester are safe for concurrent use. Cached methodologies
// are shared and must be treated as read-only.
package repository
