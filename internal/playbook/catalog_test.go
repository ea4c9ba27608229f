package playbook_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"responder/internal/playbook"
)

func TestCatalogLookup(t *testing.T) {
	cat := playbook.NewCatalog(0)
	playbook.Seed(cat)

	pb, err := cat.Get("pb-ddos-high")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if pb.IncidentType != "ddos" || pb.Severity != "high" {
		t.Fatalf("unexpected playbook: %+v", pb)
	}
	if _, err := cat.Get("pb-nope"); !errors.Is(err, playbook.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestForIncidentExactMatch(t *testing.T) {
	cat := playbook.NewCatalog(0)
	playbook.Seed(cat)

	if got := cat.ForIncident("ddos", "high"); len(got) != 1 || got[0].ID != "pb-ddos-high" {
		t.Fatalf("ddos/high = %+v", got)
	}
	// severity must match exactly; critical does not fall back to high
	if got := cat.ForIncident("ddos", "critical"); len(got) != 0 {
		t.Fatalf("ddos/critical should have no match, got %+v", got)
	}
	if got := cat.ForIncident("ransomware", "critical"); len(got) != 0 {
		t.Fatalf("ransomware/critical should have no match, got %+v", got)
	}
}

func TestListSortedByID(t *testing.T) {
	cat := playbook.NewCatalog(0)
	cat.Add(playbook.Playbook{ID: "b"})
	cat.Add(playbook.Playbook{ID: "a"})
	cat.Add(playbook.Playbook{ID: "c"})
	list := cat.List()
	if len(list) != 3 || list[0].ID != "a" || list[2].ID != "c" {
		t.Fatalf("list = %+v", list)
	}
}

func TestAddOverwrites(t *testing.T) {
	cat := playbook.NewCatalog(0)
	cat.Add(playbook.Playbook{ID: "x", Name: "first"})
	cat.Add(playbook.Playbook{ID: "x", Name: "second"})
	pb, err := cat.Get("x")
	if err != nil {
		t.Fatal(err)
	}
	if pb.Name != "second" {
		t.Fatalf("name = %q", pb.Name)
	}
}

func TestExecuteStepManualIsNoop(t *testing.T) {
	cat := playbook.NewCatalog(0)
	result, err := cat.ExecuteStep(context.Background(), playbook.Step{
		ID: "manual", Name: "Call legal", Automated: false,
	})
	if err != nil || result != nil {
		t.Fatalf("manual step: result=%v err=%v", result, err)
	}
}

func TestExecuteStepReturnsResult(t *testing.T) {
	cat := playbook.NewCatalog(0)
	result, err := cat.ExecuteStep(context.Background(), playbook.Step{
		ID: "ok", Name: "isolate", Automated: true,
		Run: func(ctx context.Context) (map[string]any, error) {
			return map[string]any{"isolated": 3}, nil
		},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result["isolated"] != 3 {
		t.Fatalf("result = %v", result)
	}
}

func TestExecuteStepTimeoutRollsBack(t *testing.T) {
	cat := playbook.NewCatalog(time.Minute)
	rolledBack := false
	_, err := cat.ExecuteStep(context.Background(), playbook.Step{
		ID: "slow", Name: "slow", Automated: true,
		Timeout: 20 * time.Millisecond,
		Run: func(ctx context.Context) (map[string]any, error) {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return nil, ctx.Err()
		},
		Rollback: func(ctx context.Context) error {
			rolledBack = true
			return nil
		},
	})
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("err = %v", err)
	}
	if !rolledBack {
		t.Fatalf("rollback did not run on timeout")
	}
}

func TestExecuteStepFailureRollsBack(t *testing.T) {
	cat := playbook.NewCatalog(0)
	rolledBack := false
	_, err := cat.ExecuteStep(context.Background(), playbook.Step{
		ID: "boom", Name: "boom", Automated: true,
		Run: func(ctx context.Context) (map[string]any, error) {
			return nil, errors.New("api unavailable")
		},
		Rollback: func(ctx context.Context) error {
			rolledBack = true
			return nil
		},
	})
	if err == nil || !strings.Contains(err.Error(), "api unavailable") {
		t.Fatalf("err = %v", err)
	}
	if !rolledBack {
		t.Fatalf("rollback did not run on failure")
	}
}

func TestExecuteStepVerifyFailureRollsBack(t *testing.T) {
	cat := playbook.NewCatalog(0)
	rolledBack := false
	_, err := cat.ExecuteStep(context.Background(), playbook.Step{
		ID: "unverified", Name: "unverified", Automated: true,
		Run: func(ctx context.Context) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		},
		Verify: func(ctx context.Context) (bool, error) {
			return false, nil
		},
		Rollback: func(ctx context.Context) error {
			rolledBack = true
			return nil
		},
	})
	if err == nil || !strings.Contains(err.Error(), "verification failed") {
		t.Fatalf("err = %v", err)
	}
	if !rolledBack {
		t.Fatalf("rollback did not run on verification failure")
	}
}

func TestSeededPlaybookShapes(t *testing.T) {
	cat := playbook.NewCatalog(0)
	playbook.Seed(cat)

	pb, err := cat.Get("pb-data-breach-critical")
	if err != nil {
		t.Fatal(err)
	}
	if len(pb.Steps) != 4 {
		t.Fatalf("steps = %d", len(pb.Steps))
	}
	var manual int
	for _, step := range pb.Steps {
		if !step.Automated {
			manual++
			continue
		}
		if step.Run == nil {
			t.Fatalf("automated step %s has no run function", step.ID)
		}
	}
	if manual != 2 {
		t.Fatalf("manual steps = %d", manual)
	}
	if len(pb.RequiredRoles) == 0 || pb.RequiredRoles[0] != "security-lead" {
		t.Fatalf("required roles = %v", pb.RequiredRoles)
	}
}
