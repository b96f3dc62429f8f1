// Package engine executes sandboxed processes under namespace, cgroup and
// seccomp isolation via the sandbox-init helper binary.
package engine

import (
	"context"

	"tci/internal/sandbox/spec"
	"tci/internal/security"
)

// RunResult is the raw outcome of one sandboxed process.
type RunResult struct {
	ExitCode   int
	Signal     string
	CPUTimeMs  int64
	WallTimeMs int64
	MemoryKB   int64
	OutputKB   int64
	Stdout     string
	Stderr     string
	OomKilled  bool
	TimedOut   bool
}

// Engine runs a RunSpec under the given runtime policy.
type Engine interface {
	Run(ctx context.Context, runSpec spec.RunSpec, policy security.RuntimePolicy) (RunResult, error)
	Kill(ctx context.Context, executionID string) error
}

// Config controls the isolation layers. Flags exist so local development
// without root keeps working; production enables all three.
type Config struct {
	HelperPath           string `yaml:"helperPath"`
	CgroupRoot           string `yaml:"cgroupRoot"`
	EnableCgroup         bool   `yaml:"enableCgroup"`
	EnableNamespaces     bool   `yaml:"enableNamespaces"`
	EnableSeccomp        bool   `yaml:"enableSeccomp"`
	StdoutStderrMaxBytes int64  `yaml:"stdoutStderrMaxBytes"`
}
