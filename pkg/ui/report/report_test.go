package report

import (
	"errors"
	"strings"
	"testing"
	"time"

	"botfleet/pkg/broadcast"
	"botfleet/pkg/registry"
	"botfleet/pkg/tenant"
)

func TestBroadcastResultListsFailures(t *testing.T) {
	start := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)
	out := BroadcastResult(broadcast.Result{
		RunID:      "run-1",
		Tenant:     "wx",
		Total:      3,
		Succeeded:  2,
		Failed:     1,
		Failures:   []broadcast.Failure{{UserID: "U2", Stage: broadcast.StageDeliver, Error: "blocked"}},
		Status:     broadcast.StatusPartialSuccess,
		Message:    "Broadcast sent to 2 of 3 subscribers, 1 failed",
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
	})

	for _, want := range []string{"Broadcast", "wx", "partial_success", "U2", "[deliver] blocked", "1.5s", "2 of 3"} {
		if !strings.Contains(out, want) {
			t.Fatalf("BroadcastResult() missing %q in:\n%s", want, out)
		}
	}
	if strings.Contains(out, "skipped") {
		t.Fatalf("uncancelled run should not show skipped:\n%s", out)
	}
}

func TestBroadcastResultTestAndCancelled(t *testing.T) {
	out := BroadcastResult(broadcast.Result{Tenant: "wx", Test: true, Cancelled: true, Skipped: 4, Status: broadcast.StatusSuccess})
	if !strings.Contains(out, "Test broadcast") || !strings.Contains(out, "skipped") {
		t.Fatalf("BroadcastResult() = %s", out)
	}
	if strings.Contains(out, "Failures") {
		t.Fatalf("no failures expected:\n%s", out)
	}
}

func TestBroadcastStatus(t *testing.T) {
	out := BroadcastStatus(broadcast.Status{Tenant: "food", Kind: "restaurant", Subscribers: 5})
	for _, want := range []string{"food", "restaurant", "5", "not supported"} {
		if !strings.Contains(out, want) {
			t.Fatalf("BroadcastStatus() missing %q in:\n%s", want, out)
		}
	}
}

func TestTenantLoad(t *testing.T) {
	bot := registry.NewBotInstance(tenant.Config{ID: "geodine-ai", Kind: tenant.KindRestaurant, Platform: tenant.PlatformLINE, WebhookPath: "/line/webhook"}, nil, nil)
	out := TenantLoad(registry.LoadReport{
		Registered: []string{"geodine-ai"},
		Skipped:    []error{errors.New("tenant \"dup\": duplicate_path")},
		Legacy:     true,
	}, []*registry.BotInstance{bot})

	for _, want := range []string{"1 registered", "geodine-ai", "/line/webhook", "legacy", "duplicate_path"} {
		if !strings.Contains(out, want) {
			t.Fatalf("TenantLoad() missing %q in:\n%s", want, out)
		}
	}
}
