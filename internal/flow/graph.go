package flow

import (
	"regexp"
	"strings"
)

// Graph is a flow indexed for execution.
//
// Compile is lenient on purpose: a stored flow that no longer validates still
// loads, and the engine reports the broken node when a conversation reaches it.
type Graph struct {
	Flow  Flow
	nodes map[string]*Node
	out   map[string][]route
}

type route struct {
	Edge
	re    *regexp.Regexp
	reErr error
}

func Compile(f Flow) *Graph {
	g := &Graph{
		Flow:  f,
		nodes: make(map[string]*Node, len(f.Nodes)),
		out:   make(map[string][]route, len(f.Nodes)),
	}
	for i := range g.Flow.Nodes {
		n := &g.Flow.Nodes[i]
		if _, dup := g.nodes[n.ID]; !dup {
			g.nodes[n.ID] = n
		}
	}
	for _, e := range g.Flow.Edges {
		r := route{Edge: e}
		if e.Guard != nil && e.Guard.Op == GuardRegex {
			r.re, r.reErr = regexp.Compile("(?i)" + e.Guard.Value)
		}
		g.out[e.Source] = append(g.out[e.Source], r)
	}
	return g
}

func (g *Graph) ID() string { return g.Flow.ID }

func (g *Graph) node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// next returns the single outgoing target of a message or action node.
// ok is false when the node has no outgoing edge.
func (g *Graph) next(n *Node) (string, bool, error) {
	routes := g.out[n.ID]
	switch len(routes) {
	case 0:
		return "", false, nil
	case 1:
		return routes[0].Target, true, nil
	default:
		return "", false, configErr(g.Flow.ID, n.ID, "%s node has %d outgoing edges", n.Type, len(routes))
	}
}

// choose picks the first guarded edge that matches, then the default edge.
// ok is false when nothing matches and no default exists.
func (g *Graph) choose(n *Node, text string, vars func(string) string) (string, bool, error) {
	var fallback *route
	for i := range g.out[n.ID] {
		r := &g.out[n.ID][i]
		if r.Default {
			if fallback == nil {
				fallback = r
			}
			continue
		}
		hit, err := g.matches(n, r, text, vars)
		if err != nil {
			return "", false, err
		}
		if hit {
			return r.Target, true, nil
		}
	}
	if fallback != nil {
		return fallback.Target, true, nil
	}
	return "", false, nil
}

func (g *Graph) matches(n *Node, r *route, text string, vars func(string) string) (bool, error) {
	if r.Guard == nil {
		return true, nil
	}
	in := normalize(text)
	want := normalize(r.Guard.Value)
	switch r.Guard.Op {
	case GuardAny:
		return true, nil
	case GuardEquals:
		return in == want, nil
	case GuardContains:
		return strings.Contains(in, want), nil
	case GuardPrefix:
		return strings.HasPrefix(in, want), nil
	case GuardRegex:
		if r.reErr != nil {
			return false, configErr(g.Flow.ID, n.ID, "invalid guard regex %q: %v", r.Guard.Value, r.reErr)
		}
		return r.re.MatchString(strings.TrimSpace(text)), nil
	case GuardVarEquals:
		return normalize(vars(r.Guard.Variable)) == want, nil
	default:
		return false, configErr(g.Flow.ID, n.ID, "unknown guard op %q", r.Guard.Op)
	}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
