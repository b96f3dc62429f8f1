package dispatch

import (
	"context"
	"testing"

	"tci/internal/events"
	"tci/internal/execution"
	"tci/internal/governor"
	"tci/internal/pool"
	"tci/internal/reward"
	"tci/internal/runtime"
	"tci/internal/sandbox/engine"
	"tci/internal/sandbox/spec"
	"tci/internal/security"
	appErr "tci/pkg/errors"
)

type fakeRuntime struct {
	id     string
	result runtime.ExecResult
	err    error
	calls  int
}

func (f *fakeRuntime) ID() string { return f.id }

func (f *fakeRuntime) Prepare(ctx context.Context, workDir string) error { return nil }

func (f *fakeRuntime) Execute(ctx context.Context, req runtime.ExecRequest) (runtime.ExecResult, error) {
	f.calls++
	return f.result, f.err
}

type fakeResolver struct {
	rt *fakeRuntime
}

func (f *fakeResolver) Get(language string) (runtime.LanguageRuntime, error) {
	if language != f.rt.id {
		return nil, appErr.New(appErr.RuntimeNotSupported)
	}
	return f.rt, nil
}

type capturingPublisher struct {
	emitted []events.Event
}

func (c *capturingPublisher) Emit(ctx context.Context, event events.Event) {
	c.emitted = append(c.emitted, event)
}

func (c *capturingPublisher) types() []string {
	out := make([]string, 0, len(c.emitted))
	for _, e := range c.emitted {
		out = append(out, e.Type)
	}
	return out
}

type nopEngine struct{}

func (nopEngine) Run(ctx context.Context, rs spec.RunSpec, policy security.RuntimePolicy) (engine.RunResult, error) {
	return engine.RunResult{}, nil
}

func (nopEngine) Kill(ctx context.Context, executionID string) error { return nil }

func leasedInstance(t *testing.T) *pool.Instance {
	t.Helper()
	reg, err := runtime.NewRegistry(nil, nopEngine{})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	p, err := pool.New(pool.Config{Capacity: 1, WorkspaceRoot: t.TempDir()}, reg)
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	inst, err := p.Acquire(context.Background(), "sess-1", "python", security.DefaultPolicy())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	return inst
}

func newDispatcher(t *testing.T, rt *fakeRuntime) (*Dispatcher, *capturingPublisher) {
	t.Helper()
	gate, err := security.NewGate(nil)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	gov, err := governor.New(nil, "")
	if err != nil {
		t.Fatalf("governor.New: %v", err)
	}
	pub := &capturingPublisher{}
	d := New(&fakeResolver{rt: rt}, gate, gov, reward.New(reward.Config{}), pub)
	return d, pub
}

func TestDispatchSucceeded(t *testing.T) {
	rt := &fakeRuntime{
		id: "python",
		result: runtime.ExecResult{
			Run:    engine.RunResult{ExitCode: 0, Stdout: "42\n", CPUTimeMs: 10, WallTimeMs: 20},
			Result: `42`,
		},
	}
	d, pub := newDispatcher(t, rt)
	inst := leasedInstance(t)

	rec, flags, err := d.Dispatch(context.Background(), inst, "small", execution.Request{
		SessionID: "sess-1",
		Language:  "python",
		Code:      "result = 42\n",
		Tests: []execution.Test{
			{Name: "answer", Condition: `result == 42`, Weight: 2},
		},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if rec.Status != execution.StatusSucceeded {
		t.Fatalf("status = %s", rec.Status)
	}
	if flags.SecurityViolation || flags.ResourceBreached {
		t.Fatalf("unexpected flags: %+v", flags)
	}
	if rec.TotalReward != 2 || len(rec.TestResults) != 1 || !rec.TestResults[0].Passed {
		t.Fatalf("rewards not evaluated: %+v", rec)
	}
	got := pub.types()
	if len(got) != 2 || got[0] != events.TypeExecutionStarted || got[1] != events.TypeExecutionFinished {
		t.Fatalf("events = %v", got)
	}
}

func TestDispatchFailedIsNormalOutcome(t *testing.T) {
	rt := &fakeRuntime{
		id: "python",
		result: runtime.ExecResult{
			Run: engine.RunResult{ExitCode: 1, Stderr: "Traceback ...\n"},
		},
	}
	d, _ := newDispatcher(t, rt)
	inst := leasedInstance(t)

	rec, _, err := d.Dispatch(context.Background(), inst, "", execution.Request{
		SessionID: "sess-1", Language: "python", Code: "raise ValueError()\n",
	})
	if err != nil {
		t.Fatalf("failed execution must not be a system error: %v", err)
	}
	if rec.Status != execution.StatusFailed || rec.ExitCode != 1 {
		t.Fatalf("record = %+v", rec)
	}
}

func TestDispatchTimedOut(t *testing.T) {
	rt := &fakeRuntime{
		id:     "python",
		result: runtime.ExecResult{Run: engine.RunResult{ExitCode: -1, TimedOut: true}},
	}
	d, _ := newDispatcher(t, rt)
	inst := leasedInstance(t)

	rec, flags, err := d.Dispatch(context.Background(), inst, "", execution.Request{
		SessionID: "sess-1", Language: "python", Code: "while True: pass\n",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if rec.Status != execution.StatusTimedOut {
		t.Fatalf("status = %s", rec.Status)
	}
	if flags.ResourceBreached {
		t.Fatal("timeout alone should not destroy the instance")
	}
}

func TestDispatchOomKilled(t *testing.T) {
	rt := &fakeRuntime{
		id:     "python",
		result: runtime.ExecResult{Run: engine.RunResult{ExitCode: -1, OomKilled: true, Signal: "killed"}},
	}
	d, _ := newDispatcher(t, rt)
	inst := leasedInstance(t)

	rec, flags, err := d.Dispatch(context.Background(), inst, "", execution.Request{
		SessionID: "sess-1", Language: "python", Code: "x = 'a' * 10**10\n",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if rec.Status != execution.StatusResourceExceeded {
		t.Fatalf("status = %s", rec.Status)
	}
	if !flags.ResourceBreached {
		t.Fatal("oom kill should mark the instance for destruction")
	}
}

func TestDispatchSeccompKill(t *testing.T) {
	rt := &fakeRuntime{
		id:     "python",
		result: runtime.ExecResult{Run: engine.RunResult{ExitCode: -1, Signal: "bad system call"}},
	}
	d, pub := newDispatcher(t, rt)
	inst := leasedInstance(t)

	rec, flags, err := d.Dispatch(context.Background(), inst, "", execution.Request{
		SessionID: "sess-1", Language: "python", Code: "tricky\n",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if rec.Status != execution.StatusFailed || rec.Violation == "" {
		t.Fatalf("record = %+v", rec)
	}
	if !flags.SecurityViolation {
		t.Fatal("seccomp kill should flag a security violation")
	}
	found := false
	for _, e := range pub.emitted {
		if e.Type == events.TypeSecurityViolation {
			found = true
		}
	}
	if !found {
		t.Fatalf("no security violation event: %v", pub.types())
	}
}

func TestDispatchStaticScanRejection(t *testing.T) {
	rt := &fakeRuntime{id: "python"}
	d, pub := newDispatcher(t, rt)
	inst := leasedInstance(t)

	rec, flags, err := d.Dispatch(context.Background(), inst, "", execution.Request{
		SessionID: "sess-1", Language: "python", Code: "import socket\n",
	})
	if err != nil {
		t.Fatalf("rejection must be a recorded outcome: %v", err)
	}
	if rec.Status != execution.StatusSecurityRejected {
		t.Fatalf("status = %s", rec.Status)
	}
	if rt.calls != 0 {
		t.Fatal("rejected code must never reach the sandbox")
	}
	if flags.SecurityViolation {
		t.Fatal("static rejection alone does not taint the instance")
	}
	got := pub.types()
	if len(got) != 1 || got[0] != events.TypeSecurityViolation {
		t.Fatalf("events = %v", got)
	}
}

func TestForgetDropsAccounting(t *testing.T) {
	rt := &fakeRuntime{
		id:     "python",
		result: runtime.ExecResult{Run: engine.RunResult{ExitCode: 0, CPUTimeMs: 3}},
	}
	gate, err := security.NewGate(nil)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	gov, err := governor.New(nil, "")
	if err != nil {
		t.Fatalf("governor.New: %v", err)
	}
	d := New(&fakeResolver{rt: rt}, gate, gov, reward.New(reward.Config{}), nil)
	inst := leasedInstance(t)

	if _, _, err := d.Dispatch(context.Background(), inst, "", execution.Request{
		SessionID: "sess-1", Language: "python", Code: "result = 1\n",
	}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if usage := gov.RecentUsage("sess-1"); len(usage) != 1 {
		t.Fatalf("usage window = %v", usage)
	}

	d.Forget("sess-1")
	if usage := gov.RecentUsage("sess-1"); len(usage) != 0 {
		t.Fatalf("usage window survived Forget: %v", usage)
	}
}

func TestDispatchInvalidTestCondition(t *testing.T) {
	rt := &fakeRuntime{id: "python"}
	d, _ := newDispatcher(t, rt)
	inst := leasedInstance(t)

	_, _, err := d.Dispatch(context.Background(), inst, "", execution.Request{
		SessionID: "sess-1",
		Language:  "python",
		Code:      "result = 1\n",
		Tests:     []execution.Test{{Name: "bad", Condition: "==", Weight: 1}},
	})
	if !appErr.Is(err, appErr.TestEvalFailed) {
		t.Fatalf("expected TestEvalFailed, got %v", err)
	}
	if rt.calls != 0 {
		t.Fatal("invalid tests must be rejected before execution")
	}
}
