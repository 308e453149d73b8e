package audit

import (
	"context"
	"strings"
	"testing"
)

func TestService_AppendRequiresOrgAndType(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.Append(context.Background(), Event{Type: EventTypeAdminTopUp}); err == nil {
		t.Fatalf("expected error")
	}
	if err := svc.Append(context.Background(), Event{OrgID: "o1"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestService_AppendsImmutableEvents(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.LogAdminTopUp(context.Background(), "o1", "u", "super_admin", "1.2.3.4", "goodwill", 500, "e1"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event")
	}
	if evs[0].IPAddress != "1.2.3.4" {
		t.Fatalf("expected ip captured")
	}
	if evs[0].Type != EventTypeAdminTopUp {
		t.Fatalf("expected admin_topup")
	}
	if !strings.Contains(evs[0].Metadata, `"amount_minor":500`) {
		t.Fatalf("expected amount in metadata, got %s", evs[0].Metadata)
	}
	if evs[0].ID == "" || evs[0].CreatedAt.IsZero() {
		t.Fatalf("expected id and created_at to be assigned")
	}
}

func TestService_Alerts(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	ctx := context.Background()

	_ = svc.AlertFlowConfig(ctx, "o1", "f1", "s1", "m1", "node n9 missing")
	_ = svc.AlertInsufficientCredits(ctx, "o1", "m2", 10, 15)
	_ = svc.AlertDeliveryFailed(ctx, "o1", "m3", 3, "timeout")

	evs := repo.Events()
	if len(evs) != 3 {
		t.Fatalf("expected 3 alerts, got %d", len(evs))
	}
	want := []EventType{EventTypeFlowConfigError, EventTypeInsufficientCredits, EventTypeDeliveryFailed}
	for i, w := range want {
		if evs[i].Type != w {
			t.Fatalf("event %d: expected %s, got %s", i, w, evs[i].Type)
		}
	}
	if evs[0].FlowID != "f1" || evs[1].MessageID != "m2" {
		t.Fatalf("expected target ids to be captured")
	}
	if got := repo.OfType("o1", EventTypeDeliveryFailed); len(got) != 1 || got[0].MessageID != "m3" {
		t.Fatalf("expected one delivery alert for o1, got %+v", got)
	}
	if got := repo.OfType("o2", EventTypeDeliveryFailed); len(got) != 0 {
		t.Fatalf("expected org filter, got %+v", got)
	}
}

func TestService_RecordFlowAction(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	err := svc.RecordFlowAction(context.Background(), "o1", "f1", "s1", "m1", "handoff", map[string]string{"queue": "vip"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	evs := repo.OfType("o1", EventTypeFlowAction)
	if len(evs) != 1 || evs[0].Message != "handoff" || !strings.Contains(evs[0].Metadata, `"queue":"vip"`) {
		t.Fatalf("unexpected flow action event %+v", evs)
	}
}
