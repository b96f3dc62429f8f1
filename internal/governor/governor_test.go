package governor

import (
	"context"
	"testing"
	"time"

	"tci/internal/sandbox/spec"
)

func TestResolve(t *testing.T) {
	g, err := New(nil, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	p, err := g.Resolve("")
	if err != nil {
		t.Fatalf("Resolve default: %v", err)
	}
	if p.Name != "small" {
		t.Fatalf("default profile = %q, want small", p.Name)
	}

	if _, err := g.Resolve("medium"); err != nil {
		t.Fatalf("Resolve medium: %v", err)
	}
	if _, err := g.Resolve("nope"); err == nil {
		t.Fatal("expected error for unknown profile")
	}
}

func TestNewRejectsUnknownDefault(t *testing.T) {
	if _, err := New([]Profile{{Name: "a"}}, "b"); err == nil {
		t.Fatal("expected error when default names a missing profile")
	}
}

func TestLimitsClampToProfile(t *testing.T) {
	g, err := New(nil, "small")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p, _ := g.Resolve("small")

	got := g.Limits(p, spec.ResourceLimit{WallTimeMs: 2000, MemoryMB: 99999})
	if got.WallTimeMs != 2000 {
		t.Fatalf("tightened wall = %d, want 2000", got.WallTimeMs)
	}
	if got.MemoryMB != p.Limits.MemoryMB {
		t.Fatalf("memory override exceeded profile: %d", got.MemoryMB)
	}

	got = g.Limits(p, spec.ResourceLimit{})
	if got != p.Limits {
		t.Fatalf("empty override should keep profile limits, got %+v", got)
	}
}

func TestClampDeadline(t *testing.T) {
	g, err := New(nil, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := g.ClampDeadline(context.Background(), spec.ResourceLimit{WallTimeMs: 50})
	defer cancel()
	deadline, ok := ctx.Deadline()
	if !ok {
		t.Fatal("expected a deadline")
	}
	if until := time.Until(deadline); until > 60*time.Millisecond {
		t.Fatalf("deadline too far out: %v", until)
	}

	ctx2, cancel2 := g.ClampDeadline(context.Background(), spec.ResourceLimit{})
	defer cancel2()
	if _, ok := ctx2.Deadline(); ok {
		t.Fatal("zero wall limit should not attach a deadline")
	}
}

func TestAccounting(t *testing.T) {
	g, err := New(nil, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p, _ := g.Resolve("")

	end := g.Begin("exec-1", "sess-1", p)
	if got := g.InFlight(); got != 1 {
		t.Fatalf("InFlight = %d, want 1", got)
	}

	end(Usage{CPUTimeMs: 120, WallTimeMs: 300, MemoryKB: 2048})
	if got := g.InFlight(); got != 0 {
		t.Fatalf("InFlight after end = %d, want 0", got)
	}

	usage := g.RecentUsage("sess-1")
	if len(usage) != 1 {
		t.Fatalf("recent usage entries = %d, want 1", len(usage))
	}
	if usage[0].CPUTimeMs != 120 || usage[0].Profile != "small" {
		t.Fatalf("unexpected usage record: %+v", usage[0])
	}

	g.Forget("sess-1")
	if got := g.RecentUsage("sess-1"); len(got) != 0 {
		t.Fatalf("usage survived Forget: %d entries", len(got))
	}
}

func TestAccountingWindowBounded(t *testing.T) {
	g, err := New(nil, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p, _ := g.Resolve("")

	for i := 0; i < 100; i++ {
		end := g.Begin("exec", "sess", p)
		end(Usage{CPUTimeMs: int64(i)})
	}
	usage := g.RecentUsage("sess")
	if len(usage) != 32 {
		t.Fatalf("window size = %d, want 32", len(usage))
	}
	if usage[len(usage)-1].CPUTimeMs != 99 {
		t.Fatalf("window should keep newest entries, last = %d", usage[len(usage)-1].CPUTimeMs)
	}
}
