package dedup

import (
	"github.com/zarguell/tia-n-list-sub002/internal/news"
)

// Index is the lookup structure built from the active records of one filter call.
// It is never persisted.
type Index struct {
	fingerprints map[string]string
	high         map[string]string
	// low-specificity token -> indexes of the records mentioning it
	low  map[string][]int
	runs []string

	matcher *news.TokenMatcher
}

// NewIndex builds an index over records. matcher decides which tokens are high-specificity.
func NewIndex(records []Record, matcher *news.TokenMatcher) *Index {
	idx := &Index{
		fingerprints: make(map[string]string),
		high:         make(map[string]string),
		low:          make(map[string][]int),
		runs:         make([]string, 0, len(records)),
		matcher:      matcher,
	}

	for i, r := range records {
		idx.runs = append(idx.runs, r.RunID)
		for _, fp := range r.ItemFingerprints {
			idx.fingerprints[fp] = r.RunID
		}
		for _, tok := range news.NormalizeTokens(r.EntityTokens) {
			if matcher.Match(tok) {
				idx.high[tok] = r.RunID
			} else {
				idx.low[tok] = append(idx.low[tok], i)
			}
		}
	}
	return idx
}

// Len returns the number of indexed records.
func (idx *Index) Len() int {
	return len(idx.runs)
}

// HasFingerprint reports the run that already reported fp.
func (idx *Index) HasFingerprint(fp string) (string, bool) {
	run, ok := idx.fingerprints[fp]
	return run, ok
}

// HighOverlap returns the first high-specificity token already reported, with its run.
func (idx *Index) HighOverlap(tokens []string) (token, run string, ok bool) {
	for _, tok := range tokens {
		if r, found := idx.high[tok]; found {
			return tok, r, true
		}
	}
	return "", "", false
}

// LowOverlap returns the record sharing the most low-specificity tokens with tokens,
// along with the shared tokens. Ties go to the earliest record.
func (idx *Index) LowOverlap(tokens []string) (run string, shared []string) {
	counts := make(map[int][]string)
	best := -1
	for _, tok := range tokens {
		if idx.matcher.Match(tok) {
			continue
		}
		for _, rec := range idx.low[tok] {
			counts[rec] = append(counts[rec], tok)
			if best == -1 || len(counts[rec]) > len(counts[best]) ||
				(len(counts[rec]) == len(counts[best]) && rec < best) {
				best = rec
			}
		}
	}
	if best == -1 {
		return "", nil
	}
	return idx.runs[best], counts[best]
}
