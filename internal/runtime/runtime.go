// Package runtime adapts language interpreters to the sandbox engine. Each
// runtime stages submitted code in the instance workspace, runs it through
// a small driver that captures the submission's `result` binding, and
// reports workspace file changes.
package runtime

import (
	"context"

	"tci/internal/execution"
	"tci/internal/sandbox/engine"
	"tci/internal/sandbox/spec"
	"tci/internal/security"
)

// ExecRequest is one code execution against a leased instance workspace.
type ExecRequest struct {
	ExecutionID string
	InstanceID  string
	WorkDir     string
	Code        string
	Stdin       string
	Env         map[string]string
	Limits      spec.ResourceLimit
	Policy      security.RuntimePolicy
}

// ExecResult carries the raw sandbox outcome plus runtime-level captures.
type ExecResult struct {
	Run engine.RunResult

	// Result is the JSON serialization of the submission's `result`
	// binding, empty when none was set.
	Result string

	// FileChanges lists workspace files the execution created or
	// modified, driver internals excluded.
	FileChanges []execution.FileChange
}

// LanguageRuntime executes code for one language.
type LanguageRuntime interface {
	// ID returns the language identifier, e.g. "python".
	ID() string

	// Prepare warms the workspace for this runtime before first use.
	Prepare(ctx context.Context, workDir string) error

	// Execute stages and runs the code inside the sandbox.
	Execute(ctx context.Context, req ExecRequest) (ExecResult, error)
}
