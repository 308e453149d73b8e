package flow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func triggerFlow(id string, priority int, created time.Time, triggers ...Trigger) *Graph {
	return Compile(Flow{
		ID: id, OrgID: "o1", Status: StatusActive, Priority: priority,
		Triggers: triggers, EntryNodeID: "n", CreatedAt: created,
		Nodes: []Node{{ID: "n", Type: NodeEnd}},
	})
}

func TestMatchTrigger_Precedence(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	cases := []struct {
		name   string
		graphs []*Graph
		text   string
		want   string
	}{
		{
			name: "longest keyword wins",
			graphs: []*Graph{
				triggerFlow("short", 0, t0, Trigger{Keyword: "order"}),
				triggerFlow("long", 9, t1, Trigger{Keyword: "order status"}),
			},
			text: "Can I see my ORDER STATUS please",
			want: "long",
		},
		{
			name: "same keyword in both modes falls through to priority",
			graphs: []*Graph{
				triggerFlow("sub", 0, t0, Trigger{Keyword: "help"}),
				triggerFlow("exact", 5, t1, Trigger{Keyword: "HELP", Mode: MatchExact}),
			},
			text: " help ",
			want: "sub",
		},
		{
			name: "priority breaks ties",
			graphs: []*Graph{
				triggerFlow("p5", 5, t0, Trigger{Keyword: "hi"}),
				triggerFlow("p1", 1, t1, Trigger{Keyword: "hi"}),
			},
			text: "hi there",
			want: "p1",
		},
		{
			name: "creation order then id",
			graphs: []*Graph{
				triggerFlow("b", 0, t0, Trigger{Keyword: "hi"}),
				triggerFlow("a", 0, t0, Trigger{Keyword: "hi"}),
				triggerFlow("late", 0, t1, Trigger{Keyword: "hi"}),
			},
			text: "hi",
			want: "a",
		},
	}
	for _, tc := range cases {
		m, ok := MatchTrigger(tc.graphs, tc.text)
		if !ok {
			t.Fatalf("%s: expected a match", tc.name)
		}
		if m.Graph.ID() != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, m.Graph.ID())
		}
	}
}

func TestMatchTrigger_ExactModeAndInactive(t *testing.T) {
	t0 := time.Now()
	exact := triggerFlow("exact", 0, t0, Trigger{Keyword: "stop", Mode: MatchExact})
	if _, ok := MatchTrigger([]*Graph{exact}, "please stop"); ok {
		t.Fatalf("exact trigger must not match a substring")
	}
	if m, ok := MatchTrigger([]*Graph{exact}, "STOP"); !ok || !m.Exact {
		t.Fatalf("expected exact match")
	}

	draft := triggerFlow("draft", 0, t0, Trigger{Keyword: "stop"})
	draft.Flow.Status = StatusDraft
	if _, ok := MatchTrigger([]*Graph{draft}, "stop"); ok {
		t.Fatalf("draft flows must not match")
	}
	if _, ok := MatchTrigger([]*Graph{exact}, "   "); ok {
		t.Fatalf("blank text must not match")
	}
}

func TestMatchTrigger_EntryNodePerTrigger(t *testing.T) {
	g := Compile(Flow{
		ID: "f", OrgID: "o1", Status: StatusActive, EntryNodeID: "main",
		Triggers: []Trigger{{Keyword: "hello"}, {Keyword: "price", EntryNodeID: "pricing"}},
		Nodes:    []Node{{ID: "main", Type: NodeEnd}, {ID: "pricing", Type: NodeEnd}},
	})
	if m, _ := MatchTrigger([]*Graph{g}, "price list"); m.EntryNodeID != "pricing" {
		t.Fatalf("expected trigger entry node, got %q", m.EntryNodeID)
	}
	if m, _ := MatchTrigger([]*Graph{g}, "hello"); m.EntryNodeID != "main" {
		t.Fatalf("expected flow entry node, got %q", m.EntryNodeID)
	}
}

func TestValidate(t *testing.T) {
	ok := onboardingFlow()
	if err := ok.Validate(); err != nil {
		t.Fatalf("expected valid flow, got %v", err)
	}

	broken := Flow{
		ID: "f-bad", OrgID: "o1",
		Triggers:    []Trigger{{Keyword: "go"}},
		EntryNodeID: "a",
		Nodes: []Node{
			{ID: "a", Type: NodeMessage},
			{ID: "a", Type: NodeEnd},
			{ID: "c", Type: NodeCondition},
			{ID: "z", Type: "weird"},
		},
		Edges: []Edge{
			{Source: "a", Target: "c"},
			{Source: "a", Target: "missing"},
			{Source: "c", Target: "a", Guard: &Guard{Op: GuardRegex, Value: "("}},
		},
	}
	err := broken.Validate()
	if !errors.Is(err, ErrFlowConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	var cfg *ConfigError
	if !errors.As(err, &cfg) {
		t.Fatalf("expected ConfigError in joined error")
	}
	for _, want := range []string{"duplicate node id", "does not exist", "invalid guard regex", "unknown node type", "unreachable"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestCatalog_CachesAndInvalidates(t *testing.T) {
	f := onboardingFlow()
	archived := onboardingFlow()
	archived.ID = "f-old"
	archived.Status = StatusArchived

	repo := NewMemoryRepo(f, archived)
	c := NewCatalog(repo, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		graphs, err := c.Active(ctx, "o1")
		if err != nil || len(graphs) != 1 {
			t.Fatalf("expected one active graph, got %d err=%v", len(graphs), err)
		}
	}
	if repo.Loads != 1 {
		t.Fatalf("expected a single load, got %d", repo.Loads)
	}

	g, err := c.Graph(ctx, "o1", "f-old")
	if err != nil || g.ID() != "f-old" {
		t.Fatalf("expected archived flow to resolve for running sessions, err=%v", err)
	}
	if _, err := c.Graph(ctx, "o2", "f-onboard"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected org scoping, got %v", err)
	}

	updated := onboardingFlow()
	updated.Name = "Onboarding v2"
	if err := c.Save(ctx, updated); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	graphs, _ := c.Active(ctx, "o1")
	if graphs[0].Flow.Name != "Onboarding v2" {
		t.Fatalf("expected reload after save, got %q", graphs[0].Flow.Name)
	}

	bad := onboardingFlow()
	bad.Edges = append(bad.Edges, Edge{Source: "bye", Target: "welcome"})
	if err := c.Save(ctx, bad); !errors.Is(err, ErrFlowConfiguration) {
		t.Fatalf("expected validation to reject end node edge, got %v", err)
	}
}

// stalledRepo returns its first ListActive snapshot only after release closes.
type stalledRepo struct {
	*MemoryRepo
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (r *stalledRepo) ListActive(ctx context.Context, orgID string) ([]Flow, error) {
	flows, err := r.MemoryRepo.ListActive(ctx, orgID)
	r.once.Do(func() {
		close(r.entered)
		<-r.release
	})
	return flows, err
}

func TestCatalog_SaveDuringLoadIsNotCachedStale(t *testing.T) {
	repo := &stalledRepo{
		MemoryRepo: NewMemoryRepo(onboardingFlow()),
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	c := NewCatalog(repo, time.Minute)
	ctx := context.Background()

	done := make(chan []*Graph, 1)
	go func() {
		graphs, _ := c.Active(ctx, "o1")
		done <- graphs
	}()
	<-repo.entered

	updated := onboardingFlow()
	updated.Name = "Onboarding v2"
	if err := c.Save(ctx, updated); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	close(repo.release)

	if stale := <-done; len(stale) != 1 || stale[0].Flow.Name == "Onboarding v2" {
		t.Fatalf("expected the in-flight load to return its own snapshot, got %+v", stale)
	}
	graphs, err := c.Active(ctx, "o1")
	if err != nil || len(graphs) != 1 {
		t.Fatalf("expected one active graph, got %d err=%v", len(graphs), err)
	}
	if graphs[0].Flow.Name != "Onboarding v2" {
		t.Fatalf("expected the saved flow after invalidation, got %q", graphs[0].Flow.Name)
	}
}
