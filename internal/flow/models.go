package flow

import (
	"time"
)

// Flow is an org-defined conversation graph.
//
// Notes:
// - Node ids are unique within a flow.
// - Every trigger designates an entry node; an empty EntryNodeID on a trigger
//   falls back to the flow's EntryNodeID.
// - Edges leaving a node are evaluated in declaration order.
type Flow struct {
	ID       string `json:"id"`
	OrgID    string `json:"org_id"`
	Name     string `json:"name"`
	Status   Status `json:"status"`
	Priority int    `json:"priority"`

	Triggers    []Trigger `json:"triggers"`
	EntryNodeID string    `json:"entry_node_id"`
	Nodes       []Node    `json:"nodes"`
	Edges       []Edge    `json:"edges"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Status string

const (
	StatusActive   Status = "active"
	StatusDraft    Status = "draft"
	StatusArchived Status = "archived"
)

type MatchMode string

const (
	MatchContains MatchMode = "contains"
	MatchExact    MatchMode = "exact"
)

type Trigger struct {
	Keyword     string    `json:"keyword"`
	Mode        MatchMode `json:"mode,omitempty"`
	EntryNodeID string    `json:"entry_node_id,omitempty"`
}

func (t Trigger) entry(f *Flow) string {
	if t.EntryNodeID != "" {
		return t.EntryNodeID
	}
	return f.EntryNodeID
}

type NodeType string

const (
	NodeMessage   NodeType = "message"
	NodeCondition NodeType = "condition"
	NodeInput     NodeType = "input"
	NodeAction    NodeType = "action"
	NodeEnd       NodeType = "end"
)

func (t NodeType) known() bool {
	switch t {
	case NodeMessage, NodeCondition, NodeInput, NodeAction, NodeEnd:
		return true
	}
	return false
}

// Node payload fields are interpreted per type:
//   - message: Content is sent.
//   - input: Content is the prompt; the reply is stored under Variable.
//   - action: Action and Params are handed to the side-effect handler.
//   - end: Content, when set, is sent before completing.
type Node struct {
	ID       string            `json:"id"`
	Type     NodeType          `json:"type"`
	Content  string            `json:"content,omitempty"`
	Variable string            `json:"variable,omitempty"`
	Action   string            `json:"action,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
}

type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`

	// Guard is evaluated by condition and input nodes. Nil means unguarded.
	Guard *Guard `json:"guard,omitempty"`

	// Default is taken when no guarded edge matches.
	Default bool `json:"default,omitempty"`
}

type GuardOp string

const (
	GuardEquals    GuardOp = "equals"
	GuardContains  GuardOp = "contains"
	GuardPrefix    GuardOp = "prefix"
	GuardRegex     GuardOp = "regex"
	GuardVarEquals GuardOp = "var_equals"
	GuardAny       GuardOp = "any"
)

// Guard compares the inbound text (or a session variable for var_equals).
// Text comparisons ignore case and surrounding whitespace.
type Guard struct {
	Op       GuardOp `json:"op"`
	Value    string  `json:"value,omitempty"`
	Variable string  `json:"variable,omitempty"`
}
