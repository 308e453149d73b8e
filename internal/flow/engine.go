package flow

import (
	"context"
	"strings"

	"chatflow-platform/internal/sessions"
)

const DefaultMaxHops = 20

// Effects executes node side effects for one conversation.
// Implementations own delivery and retries; an error here aborts the event.
type Effects interface {
	Send(ctx context.Context, text string) error
	Action(ctx context.Context, name string, params map[string]string) error
}

// Engine is the state machine over (current_step_id, status).
//
// It mutates the session it is handed and never persists it; callers save the
// result under the conversation lock.
//
// Node behaviour:
//   - message: send content, follow the single outgoing edge (none completes).
//   - condition: first matching guarded edge, else the default edge.
//   - input: send the prompt and wait. The next event stores the reply and
//     picks an edge; with no match and no default the prompt is repeated.
//   - action: run the side effect, follow the single outgoing edge.
//   - end: send content if any and complete.
//
// Any ConfigError expires the session. Side effects already dispatched are
// not undone.
type Engine struct {
	maxHops int
}

func NewEngine(maxHops int) *Engine {
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	return &Engine{maxHops: maxHops}
}

type Result struct {
	// Sent holds every text handed to Effects.Send, in order.
	Sent   []string
	Hops   int
	NodeID string
	Status sessions.Status
}

// Start enters g at entryNodeID for a freshly matched trigger.
func (e *Engine) Start(ctx context.Context, g *Graph, entryNodeID string, s *sessions.Session, text string, fx Effects) (Result, error) {
	if g == nil || s == nil || entryNodeID == "" {
		return Result{}, ErrInvalidArgument
	}
	s.ActiveFlowID = g.ID()
	s.CurrentStepID = entryNodeID
	s.Status = sessions.StatusActive

	var res Result
	return e.run(ctx, g, s, text, fx, &res)
}

// Resume handles the next inbound text for a live session of g.
func (e *Engine) Resume(ctx context.Context, g *Graph, s *sessions.Session, text string, fx Effects) (Result, error) {
	if g == nil || s == nil || s.ActiveFlowID != g.ID() {
		return Result{}, ErrInvalidArgument
	}
	if !s.Status.Live() {
		return Result{}, sessions.ErrTerminalTransition
	}

	var res Result
	if s.Status != sessions.StatusWaitingInput {
		// Left active by an interrupted event: run the current node again.
		return e.run(ctx, g, s, text, fx, &res)
	}

	n, ok := g.node(s.CurrentStepID)
	if !ok {
		return e.fail(s, &res, configErr(g.ID(), s.CurrentStepID, "current node does not exist"))
	}
	if n.Type != NodeInput {
		s.Status = sessions.StatusActive
		return e.run(ctx, g, s, text, fx, &res)
	}

	if n.Variable != "" {
		s.SetVar(n.Variable, strings.TrimSpace(text))
	}
	if len(g.out[n.ID]) == 0 {
		return e.complete(s, &res)
	}
	target, ok, err := g.choose(n, text, vars(s))
	if err != nil {
		return e.fail(s, &res, err)
	}
	if !ok {
		if err := e.send(ctx, s, n.Content, fx, &res); err != nil {
			return res, err
		}
		return e.finish(s, &res), nil
	}

	s.Status = sessions.StatusActive
	if err := e.hop(g, n, s, target, &res); err != nil {
		return e.fail(s, &res, err)
	}
	return e.run(ctx, g, s, text, fx, &res)
}

func (e *Engine) run(ctx context.Context, g *Graph, s *sessions.Session, text string, fx Effects, res *Result) (Result, error) {
	for {
		n, ok := g.node(s.CurrentStepID)
		if !ok {
			return e.fail(s, res, configErr(g.ID(), s.CurrentStepID, "node does not exist"))
		}

		var (
			target string
			more   bool
			err    error
		)
		switch n.Type {
		case NodeMessage:
			if err := e.send(ctx, s, n.Content, fx, res); err != nil {
				return *res, err
			}
			target, more, err = g.next(n)

		case NodeAction:
			if err := fx.Action(ctx, n.Action, n.Params); err != nil {
				return *res, err
			}
			target, more, err = g.next(n)

		case NodeCondition:
			target, more, err = g.choose(n, text, vars(s))
			if err == nil && !more {
				err = configErr(g.ID(), n.ID, "no edge matched and no default edge")
			}

		case NodeInput:
			if err := e.send(ctx, s, n.Content, fx, res); err != nil {
				return *res, err
			}
			s.Status = sessions.StatusWaitingInput
			return e.finish(s, res), nil

		case NodeEnd:
			if err := e.send(ctx, s, n.Content, fx, res); err != nil {
				return *res, err
			}
			return e.complete(s, res)

		default:
			err = configErr(g.ID(), n.ID, "unknown node type %q", n.Type)
		}

		if err != nil {
			return e.fail(s, res, err)
		}
		if !more {
			return e.complete(s, res)
		}
		if err := e.hop(g, n, s, target, res); err != nil {
			return e.fail(s, res, err)
		}
	}
}

func (e *Engine) hop(g *Graph, from *Node, s *sessions.Session, target string, res *Result) error {
	res.Hops++
	if res.Hops > e.maxHops {
		return configErr(g.ID(), from.ID, "exceeded %d node hops without waiting for input", e.maxHops)
	}
	s.CurrentStepID = target
	return nil
}

func (e *Engine) send(ctx context.Context, s *sessions.Session, content string, fx Effects, res *Result) error {
	text := strings.TrimSpace(Render(content, vars(s)))
	if text == "" {
		return nil
	}
	if err := fx.Send(ctx, text); err != nil {
		return err
	}
	res.Sent = append(res.Sent, text)
	return nil
}

func (e *Engine) complete(s *sessions.Session, res *Result) (Result, error) {
	s.Status = sessions.StatusCompleted
	return e.finish(s, res), nil
}

func (e *Engine) fail(s *sessions.Session, res *Result, err error) (Result, error) {
	s.Status = sessions.StatusExpired
	return e.finish(s, res), err
}

func (e *Engine) finish(s *sessions.Session, res *Result) Result {
	res.NodeID = s.CurrentStepID
	res.Status = s.Status
	return *res
}

func vars(s *sessions.Session) func(string) string {
	return func(name string) string {
		if v := s.Var(name); v != "" {
			return v
		}
		if name == "phone" {
			return s.Phone
		}
		return ""
	}
}
