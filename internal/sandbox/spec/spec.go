// Package spec defines the execution specification and resource limits.
package spec

// ResourceLimit describes hard ceilings enforced by the sandbox.
type ResourceLimit struct {
	CPUTimeMs  int64 `yaml:"cpuTimeMs" json:"CPUTimeMs"`
	WallTimeMs int64 `yaml:"wallTimeMs" json:"WallTimeMs"`
	MemoryMB   int64 `yaml:"memoryMB" json:"MemoryMB"`
	StackMB    int64 `yaml:"stackMB" json:"StackMB"`
	OutputMB   int64 `yaml:"outputMB" json:"OutputMB"`
	PIDs       int64 `yaml:"pids" json:"PIDs"`
}

// Merge overlays non-zero fields of override onto base.
func Merge(override, base ResourceLimit) ResourceLimit {
	out := base
	if override.CPUTimeMs > 0 {
		out.CPUTimeMs = override.CPUTimeMs
	}
	if override.WallTimeMs > 0 {
		out.WallTimeMs = override.WallTimeMs
	}
	if override.MemoryMB > 0 {
		out.MemoryMB = override.MemoryMB
	}
	if override.StackMB > 0 {
		out.StackMB = override.StackMB
	}
	if override.OutputMB > 0 {
		out.OutputMB = override.OutputMB
	}
	if override.PIDs > 0 {
		out.PIDs = override.PIDs
	}
	return out
}

// MountSpec describes a bind mount inside the sandbox.
type MountSpec struct {
	Source   string `json:"Source"`
	Target   string `json:"Target"`
	ReadOnly bool   `json:"ReadOnly"`
}

// RunSpec is the unified execution specification for one sandboxed process.
type RunSpec struct {
	ExecutionID string        `json:"ExecutionID"`
	InstanceID  string        `json:"InstanceID"`
	WorkDir     string        `json:"WorkDir"`
	Cmd         []string      `json:"Cmd"`
	Env         []string      `json:"Env"`
	StdinPath   string        `json:"StdinPath"`
	StdoutPath  string        `json:"StdoutPath"`
	StderrPath  string        `json:"StderrPath"`
	BindMounts  []MountSpec   `json:"BindMounts"`
	RootFS      string        `json:"RootFS"`
	Limits      ResourceLimit `json:"Limits"`
}
