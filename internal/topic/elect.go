// Package topic elects the representative article of a topic.
//
// Election, for one topic key:
//  1. Rank the topic's articles by (score desc, id asc) and keep the first N.
//  2. Group those N by title.
//  3. The largest group wins; equal-sized groups are ordered by their smallest id.
//  4. The representative is the smallest id of the winning group.
//
// The index package runs the same algorithm as one SQL statement over many keys;
// Elect is the reference implementation both are tested against.
package topic

import "sort"

// DefaultTopN is how many top-ranked articles take part in the title vote.
const DefaultTopN = 10

// Candidate is the part of an article the election looks at.
type Candidate struct {
	ID    int64
	Score int
	Title string
}

// Elect returns the representative article id, or false if there are no candidates.
// A non-positive n means DefaultTopN.
func Elect(candidates []Candidate, n int) (int64, bool) {
	if len(candidates) == 0 {
		return 0, false
	}
	if n <= 0 {
		n = DefaultTopN
	}

	ranked := append([]Candidate(nil), candidates...)
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].ID < ranked[j].ID
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}

	type group struct {
		count int
		minID int64
	}
	groups := make(map[string]*group)
	for _, c := range ranked {
		g, ok := groups[c.Title]
		if !ok {
			groups[c.Title] = &group{count: 1, minID: c.ID}
			continue
		}
		g.count++
		if c.ID < g.minID {
			g.minID = c.ID
		}
	}

	var best *group
	for _, g := range groups {
		if best == nil || g.count > best.count || (g.count == best.count && g.minID < best.minID) {
			best = g
		}
	}
	return best.minID, true
}
