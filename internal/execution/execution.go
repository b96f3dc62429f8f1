// Package execution defines the execution record and its terminal outcomes.
package execution

import (
	"time"

	"tci/internal/sandbox/spec"
)

// Status is the terminal classification of an execution.
type Status string

const (
	// StatusRunning marks an execution still in flight.
	StatusRunning Status = "running"

	// StatusSucceeded means the code ran to completion with exit code 0.
	StatusSucceeded Status = "succeeded"

	// StatusFailed means the code ran and exited non-zero or raised. A
	// failed user program is a normal outcome, not a system error.
	StatusFailed Status = "failed"

	// StatusTimedOut means the wall or CPU deadline fired.
	StatusTimedOut Status = "timed_out"

	// StatusSecurityRejected means the static scan or runtime policy
	// blocked the execution.
	StatusSecurityRejected Status = "security_rejected"

	// StatusResourceExceeded means a resource ceiling killed the process.
	StatusResourceExceeded Status = "resource_exceeded"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s != StatusRunning && s != ""
}

// Test declares one reward condition attached to an execution request.
type Test struct {
	Name      string  `json:"name"`
	Condition string  `json:"condition"`
	Weight    float64 `json:"weight"`
}

// TestResult is the evaluated outcome of one test. Reward equals the
// test weight when passed and zero otherwise.
type TestResult struct {
	Name   string  `json:"name"`
	Passed bool    `json:"passed"`
	Reward float64 `json:"reward"`
	Error  string  `json:"error,omitempty"`
}

// Request describes one code execution inside a session.
type Request struct {
	SessionID string             `json:"sessionId"`
	Language  string             `json:"language"`
	Code      string             `json:"code"`
	Stdin     string             `json:"stdin,omitempty"`
	Env       map[string]string  `json:"env,omitempty"`
	Limits    spec.ResourceLimit `json:"limits,omitempty"`
	Tests     []Test             `json:"tests,omitempty"`
	Normalize bool               `json:"normalize,omitempty"`
}

// FileChange records one workspace file created or modified by the
// execution, relative to the workspace root.
type FileChange struct {
	Path    string `json:"path"`
	SizeB   int64  `json:"sizeBytes"`
	Created bool   `json:"created"`
}

// Record is the immutable result of one execution. Once Status is
// terminal the record is never mutated.
type Record struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	Language  string `json:"language"`
	Status    Status `json:"status"`

	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`

	// Result carries the JSON-serialized value of the submission's
	// `result` binding, empty when the submission set none.
	Result string `json:"result,omitempty"`

	TestResults []TestResult `json:"testResults,omitempty"`
	TotalReward float64      `json:"totalReward"`

	FileChanges []FileChange `json:"fileChanges,omitempty"`

	CPUTimeMs  int64 `json:"cpuTimeMs"`
	WallTimeMs int64 `json:"wallTimeMs"`
	MemoryKB   int64 `json:"memoryKB"`

	// Violation names the policy breach when Status reflects one.
	Violation string `json:"violation,omitempty"`

	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}
