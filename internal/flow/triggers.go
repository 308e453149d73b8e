package flow

import (
	"strings"
	"unicode/utf8"
)

// Match is the winning trigger for an inbound text.
type Match struct {
	Graph       *Graph
	Keyword     string
	EntryNodeID string
	Exact       bool
}

// MatchTrigger selects the flow a new conversation should start.
//
// Precedence across all active flows of the org:
//  1. longest matching keyword
//  2. exact match over substring match
//  3. lower Priority
//  4. earlier CreatedAt
//  5. lower flow id
//
// Matching ignores case and surrounding whitespace. Exact-mode triggers only
// match the whole text.
func MatchTrigger(graphs []*Graph, text string) (Match, bool) {
	in := normalize(text)
	if in == "" {
		return Match{}, false
	}

	var (
		best  Match
		found bool
	)
	for _, g := range graphs {
		if g == nil || g.Flow.Status != StatusActive {
			continue
		}
		for _, t := range g.Flow.Triggers {
			kw := normalize(t.Keyword)
			if kw == "" {
				continue
			}
			exact := in == kw
			if !exact && (t.Mode == MatchExact || !strings.Contains(in, kw)) {
				continue
			}
			cand := Match{Graph: g, Keyword: kw, EntryNodeID: t.entry(&g.Flow), Exact: exact}
			if !found || beats(cand, best) {
				best, found = cand, true
			}
		}
	}
	return best, found
}

func beats(a, b Match) bool {
	if la, lb := utf8.RuneCountInString(a.Keyword), utf8.RuneCountInString(b.Keyword); la != lb {
		return la > lb
	}
	if a.Exact != b.Exact {
		return a.Exact
	}
	fa, fb := &a.Graph.Flow, &b.Graph.Flow
	if fa.Priority != fb.Priority {
		return fa.Priority < fb.Priority
	}
	if !fa.CreatedAt.Equal(fb.CreatedAt) {
		return fa.CreatedAt.Before(fb.CreatedAt)
	}
	return fa.ID < fb.ID
}
