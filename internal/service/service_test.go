package service

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"tci/internal/dispatch"
	"tci/internal/events"
	"tci/internal/execution"
	"tci/internal/governor"
	"tci/internal/pool"
	"tci/internal/reward"
	"tci/internal/runtime"
	"tci/internal/sandbox/engine"
	"tci/internal/sandbox/spec"
	"tci/internal/security"
	"tci/internal/session"
	"tci/internal/store"
	appErr "tci/pkg/errors"
)

type nopEngine struct{}

func (nopEngine) Run(ctx context.Context, rs spec.RunSpec, policy security.RuntimePolicy) (engine.RunResult, error) {
	return engine.RunResult{}, nil
}

func (nopEngine) Kill(ctx context.Context, executionID string) error { return nil }

// echoRuntime simulates an interpreter: it exposes the code's last line as
// the result binding and writes out.txt into the workspace.
type echoRuntime struct{}

func (echoRuntime) ID() string { return "python" }

func (echoRuntime) Prepare(ctx context.Context, workDir string) error { return nil }

func (echoRuntime) Execute(ctx context.Context, req runtime.ExecRequest) (runtime.ExecResult, error) {
	outPath := filepath.Join(req.WorkDir, "out.txt")
	if err := os.WriteFile(outPath, []byte("execution artifact"), 0640); err != nil {
		return runtime.ExecResult{}, err
	}
	return runtime.ExecResult{
		Run:    engine.RunResult{ExitCode: 0, Stdout: "done\n", CPUTimeMs: 5, WallTimeMs: 9},
		Result: `3`,
		FileChanges: []execution.FileChange{
			{Path: "out.txt", SizeB: 18, Created: true},
		},
	}, nil
}

type echoResolver struct{}

func (echoResolver) Get(language string) (runtime.LanguageRuntime, error) {
	if language != "python" {
		return nil, appErr.New(appErr.RuntimeNotSupported)
	}
	return echoRuntime{}, nil
}

// memStore is an in-memory store.Client.
type memStore struct {
	mu         sync.Mutex
	sessions   map[string]store.Metadata
	executions map[string]execution.Record
	files      map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{
		sessions:   make(map[string]store.Metadata),
		executions: make(map[string]execution.Record),
		files:      make(map[string][]byte),
	}
}

func (m *memStore) PutSession(ctx context.Context, meta *store.Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[meta.ID] = *meta
	return nil
}

func (m *memStore) GetSession(ctx context.Context, id string) (*store.Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.sessions[id]
	if !ok {
		return nil, appErr.New(appErr.SessionNotFound)
	}
	out := meta
	return &out, nil
}

func (m *memStore) DeleteSession(ctx context.Context, id string) error { return nil }

func (m *memStore) ListSessions(ctx context.Context) ([]string, error) { return nil, nil }

func (m *memStore) PutExecution(ctx context.Context, rec *execution.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[rec.ID] = *rec
	return nil
}

func (m *memStore) GetExecution(ctx context.Context, id string) (*execution.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.executions[id]
	if !ok {
		return nil, appErr.NotFoundError("execution")
	}
	out := rec
	return &out, nil
}

func (m *memStore) ListExecutions(ctx context.Context, sessionID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, rec := range m.executions {
		if rec.SessionID == sessionID {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *memStore) PutFile(ctx context.Context, sessionID, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[sessionID+"/"+path] = append([]byte(nil), data...)
	return nil
}

func (m *memStore) GetFile(ctx context.Context, sessionID, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[sessionID+"/"+path]
	if !ok {
		return nil, appErr.New(appErr.FileNotFound)
	}
	return data, nil
}

func (m *memStore) ListFiles(ctx context.Context, sessionID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	prefix := sessionID + "/"
	for k := range m.files {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k[len(prefix):])
		}
	}
	return out, nil
}

func (m *memStore) DeleteAll(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := sessionID + "/"
	for k := range m.files {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(m.files, k)
		}
	}
	return nil
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	reg, err := runtime.NewRegistry(nil, nopEngine{})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	p, err := pool.New(pool.Config{Capacity: 4, WorkspaceRoot: t.TempDir()}, reg)
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	gate, err := security.NewGate(nil)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	gov, err := governor.New(nil, "")
	if err != nil {
		t.Fatalf("governor.New: %v", err)
	}
	d := dispatch.New(echoResolver{}, gate, gov, reward.New(reward.Config{}), events.Noop{})

	st := newMemStore()
	m, err := session.NewManager(session.Config{}, p, gate, d, st, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return New(m, st, gov)
}

func TestSessionFlow(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	meta, err := svc.CreateSession(ctx, session.CreateRequest{Language: "python", Profile: "small"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	input := []byte("1 2 3\n")
	if err := svc.UploadFile(ctx, meta.ID, "data/input.txt", input); err != nil {
		t.Fatalf("UploadFile: %v", err)
	}

	rec, err := svc.Execute(ctx, meta.ID, execution.Request{
		Code: "result = 1 + 2\n",
		Tests: []execution.Test{
			{Name: "sum", Condition: `result == 3`, Weight: 1},
			{Name: "artifact", Condition: `"out.txt" in files`, Weight: 2},
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rec.Status != execution.StatusSucceeded {
		t.Fatalf("status = %s", rec.Status)
	}
	if rec.TotalReward != 3 {
		t.Fatalf("total reward = %v, want 3", rec.TotalReward)
	}

	// record is retrievable after the run
	stored, err := svc.GetExecution(ctx, rec.ID)
	if err != nil || stored.TotalReward != 3 {
		t.Fatalf("GetExecution = %+v, %v", stored, err)
	}

	data, err := svc.DownloadFile(ctx, meta.ID, "out.txt")
	if err != nil || string(data) != "execution artifact" {
		t.Fatalf("DownloadFile out.txt = %q, %v", data, err)
	}
	data, err = svc.DownloadFile(ctx, meta.ID, "data/input.txt")
	if err != nil || string(data) != string(input) {
		t.Fatalf("DownloadFile input = %q, %v", data, err)
	}

	files, err := svc.ListFiles(ctx, meta.ID)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 2 || files[0] != "data/input.txt" || files[1] != "out.txt" {
		t.Fatalf("ListFiles = %v", files)
	}

	if err := svc.CloseSession(ctx, meta.ID); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	// the virtual filesystem dies with the session
	if _, err := svc.DownloadFile(ctx, meta.ID, "data/input.txt"); !appErr.Is(err, appErr.FileNotFound) {
		t.Fatalf("expected FileNotFound for uploaded file after close, got %v", err)
	}
	if _, err := svc.DownloadFile(ctx, meta.ID, "out.txt"); !appErr.Is(err, appErr.FileNotFound) {
		t.Fatalf("expected FileNotFound for artifact after close, got %v", err)
	}
	if files, err := svc.ListFiles(ctx, meta.ID); err != nil || len(files) != 0 {
		t.Fatalf("ListFiles after close = %v, %v", files, err)
	}
}

func TestRejectedCodeNeverRuns(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	meta, err := svc.CreateSession(ctx, session.CreateRequest{Language: "python"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	rec, err := svc.Execute(ctx, meta.ID, execution.Request{Code: "import socket\n"})
	if err != nil {
		t.Fatalf("rejection should be a recorded outcome: %v", err)
	}
	if rec.Status != execution.StatusSecurityRejected {
		t.Fatalf("status = %s", rec.Status)
	}

	// no artifact means the sandbox never ran
	if _, err := svc.DownloadFile(ctx, meta.ID, "out.txt"); err == nil {
		t.Fatal("rejected code produced a workspace artifact")
	}
}

func TestFilePathValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	meta, err := svc.CreateSession(ctx, session.CreateRequest{Language: "python"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	for _, bad := range []string{"", "/etc/passwd", "../escape.txt", "a/../../b"} {
		if err := svc.UploadFile(ctx, meta.ID, bad, []byte("x")); err == nil {
			t.Errorf("path %q accepted", bad)
		}
	}
}

func TestSessionIsolation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	a, err := svc.CreateSession(ctx, session.CreateRequest{Language: "python"})
	if err != nil {
		t.Fatalf("CreateSession a: %v", err)
	}
	b, err := svc.CreateSession(ctx, session.CreateRequest{Language: "python"})
	if err != nil {
		t.Fatalf("CreateSession b: %v", err)
	}

	if err := svc.UploadFile(ctx, a.ID, "secret.txt", []byte("a only")); err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if _, err := svc.DownloadFile(ctx, b.ID, "secret.txt"); err == nil {
		t.Fatal("session b can read session a's file")
	}

	files, err := svc.ListFiles(ctx, b.ID)
	if err != nil {
		t.Fatalf("ListFiles b: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("session b sees foreign files: %v", files)
	}
}

func TestStatusSnapshot(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	before := svc.Status()
	if before.LiveSessions != 0 || before.Pool.Leased != 0 || before.InFlightExecutions != 0 {
		t.Fatalf("initial status = %+v", before)
	}

	meta, err := svc.CreateSession(ctx, session.CreateRequest{Language: "python"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	during := svc.Status()
	if during.LiveSessions != 1 || during.Pool.Leased != 1 {
		t.Fatalf("status with live session = %+v", during)
	}

	if _, err := svc.Execute(ctx, meta.ID, execution.Request{Code: "result = 1\n"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// accounting drains once the execution finishes
	if got := svc.Status(); got.InFlightExecutions != 0 {
		t.Fatalf("in-flight after execution = %+v", got)
	}

	_ = svc.CloseSession(ctx, meta.ID)
	after := svc.Status()
	if after.LiveSessions != 0 {
		t.Fatalf("status after close = %+v", after)
	}
}
