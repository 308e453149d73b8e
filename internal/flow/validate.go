package flow

import (
	"errors"
	"regexp"
	"strings"
)

// Validate checks the graph before it is stored. All problems are returned
// joined; each one matches ErrFlowConfiguration.
func (f *Flow) Validate() error {
	var errs []error
	bad := func(nodeID, format string, args ...any) {
		errs = append(errs, configErr(f.ID, nodeID, format, args...))
	}

	if strings.TrimSpace(f.OrgID) == "" {
		bad("", "org_id is required")
	}
	if len(f.Nodes) == 0 {
		bad("", "flow has no nodes")
		return errors.Join(errs...)
	}

	nodes := make(map[string]*Node, len(f.Nodes))
	for i := range f.Nodes {
		n := &f.Nodes[i]
		if strings.TrimSpace(n.ID) == "" {
			bad("", "node %d has no id", i)
			continue
		}
		if _, dup := nodes[n.ID]; dup {
			bad(n.ID, "duplicate node id")
			continue
		}
		nodes[n.ID] = n
		if !n.Type.known() {
			bad(n.ID, "unknown node type %q", n.Type)
		}
		if n.Type == NodeAction && strings.TrimSpace(n.Action) == "" {
			bad(n.ID, "action node has no action")
		}
	}

	if f.EntryNodeID != "" {
		if _, ok := nodes[f.EntryNodeID]; !ok {
			bad("", "entry node %q does not exist", f.EntryNodeID)
		}
	}
	if len(f.Triggers) == 0 {
		bad("", "flow has no triggers")
	}
	var entries []string
	for _, t := range f.Triggers {
		if strings.TrimSpace(t.Keyword) == "" {
			bad("", "trigger keyword is empty")
		}
		if t.Mode != "" && t.Mode != MatchContains && t.Mode != MatchExact {
			bad("", "trigger %q has unknown mode %q", t.Keyword, t.Mode)
		}
		entry := t.entry(f)
		if entry == "" {
			bad("", "trigger %q has no entry node", t.Keyword)
			continue
		}
		if _, ok := nodes[entry]; !ok {
			bad("", "trigger %q entry node %q does not exist", t.Keyword, entry)
			continue
		}
		entries = append(entries, entry)
	}

	out := map[string]int{}
	defaults := map[string]int{}
	adj := map[string][]string{}
	for _, e := range f.Edges {
		src, srcOK := nodes[e.Source]
		if !srcOK {
			bad(e.Source, "edge source does not exist")
			continue
		}
		if _, ok := nodes[e.Target]; !ok {
			bad(e.Source, "edge target %q does not exist", e.Target)
			continue
		}
		out[e.Source]++
		adj[e.Source] = append(adj[e.Source], e.Target)
		if e.Default {
			defaults[e.Source]++
		}

		switch src.Type {
		case NodeEnd:
			bad(src.ID, "end node has an outgoing edge")
		case NodeMessage, NodeAction:
			if e.Guard != nil || e.Default {
				bad(src.ID, "%s node edges cannot be guarded", src.Type)
			}
		}
		if e.Guard != nil {
			validateGuard(src.ID, e.Guard, bad)
		}
	}
	for id, n := range nodes {
		if (n.Type == NodeMessage || n.Type == NodeAction) && out[id] > 1 {
			bad(id, "%s node has %d outgoing edges", n.Type, out[id])
		}
		if n.Type == NodeCondition && out[id] == 0 {
			bad(id, "condition node has no outgoing edges")
		}
		if defaults[id] > 1 {
			bad(id, "node has %d default edges", defaults[id])
		}
	}

	seen := map[string]bool{}
	queue := append([]string(nil), entries...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		queue = append(queue, adj[id]...)
	}
	if len(entries) > 0 {
		for _, n := range f.Nodes {
			if _, ok := nodes[n.ID]; ok && !seen[n.ID] {
				bad(n.ID, "node is unreachable from any trigger entry")
			}
		}
	}

	return errors.Join(errs...)
}

func validateGuard(nodeID string, g *Guard, bad func(string, string, ...any)) {
	switch g.Op {
	case GuardAny:
	case GuardEquals, GuardContains, GuardPrefix:
		if strings.TrimSpace(g.Value) == "" {
			bad(nodeID, "%s guard has no value", g.Op)
		}
	case GuardRegex:
		if _, err := regexp.Compile("(?i)" + g.Value); err != nil {
			bad(nodeID, "invalid guard regex %q: %v", g.Value, err)
		}
	case GuardVarEquals:
		if strings.TrimSpace(g.Variable) == "" {
			bad(nodeID, "var_equals guard has no variable")
		}
	default:
		bad(nodeID, "unknown guard op %q", g.Op)
	}
}
