package catalog

import "math"

// Dedupe keeps one entry per (artist, eventTime, venue) triple. The survivor
// is the entry from the highest-priority tier, then the most recently
// scraped one, then the first seen. Output follows first-occurrence order.
func Dedupe(entries []Entry) []Entry {
	index := make(map[string]int, len(entries))
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		key := e.Key()
		pos, seen := index[key]
		if !seen {
			index[key] = len(out)
			out = append(out, e)
			continue
		}
		if preferred(e, out[pos]) {
			out[pos] = e
		}
	}
	return out
}

// Merge folds fresh entries into an existing snapshot using the same
// survivor rule as Dedupe. Existing entries keep their position.
func Merge(existing, fresh []Entry) []Entry {
	all := make([]Entry, 0, len(existing)+len(fresh))
	all = append(all, existing...)
	all = append(all, fresh...)
	return Dedupe(all)
}

// preferred reports whether candidate should replace current.
func preferred(candidate, current Entry) bool {
	cr, kr := tierRank(candidate.Tier), tierRank(current.Tier)
	if cr != kr {
		return cr < kr
	}
	return candidate.ScrapedAt.After(current.ScrapedAt)
}

// tierRank orders tiers ascending; an unset tier ranks last.
func tierRank(tier int) int {
	if tier <= 0 {
		return math.MaxInt
	}
	return tier
}
