// Package governor resolves resource profiles and tracks per-execution
// resource accounting.
package governor

import (
	"context"
	"sync"
	"time"

	"tci/internal/sandbox/spec"
	appErr "tci/pkg/errors"
	"tci/pkg/utils/logger"

	"go.uber.org/zap"
)

// Profile is a named set of resource ceilings applied to executions.
type Profile struct {
	Name   string             `yaml:"name"`
	Limits spec.ResourceLimit `yaml:"limits"`
}

// defaultProfiles covers the common tiers when no config is provided.
var defaultProfiles = []Profile{
	{
		Name: "small",
		Limits: spec.ResourceLimit{
			CPUTimeMs:  5000,
			WallTimeMs: 10000,
			MemoryMB:   256,
			StackMB:    16,
			OutputMB:   4,
			PIDs:       32,
		},
	},
	{
		Name: "medium",
		Limits: spec.ResourceLimit{
			CPUTimeMs:  15000,
			WallTimeMs: 30000,
			MemoryMB:   1024,
			StackMB:    32,
			OutputMB:   16,
			PIDs:       64,
		},
	},
	{
		Name: "large",
		Limits: spec.ResourceLimit{
			CPUTimeMs:  60000,
			WallTimeMs: 120000,
			MemoryMB:   4096,
			StackMB:    64,
			OutputMB:   64,
			PIDs:       128,
		},
	},
}

// Usage is the recorded consumption of one finished execution.
type Usage struct {
	ExecutionID string
	SessionID   string
	Profile     string
	CPUTimeMs   int64
	WallTimeMs  int64
	MemoryKB    int64
	OutputKB    int64
	FinishedAt  time.Time
}

// Governor resolves profiles and keeps a bounded in-memory accounting
// window of recent usage per session.
type Governor struct {
	profiles    map[string]Profile
	defaultName string

	mu      sync.Mutex
	inUse   map[string]string // executionID -> sessionID
	recent  map[string][]Usage
	maxKeep int
}

// New builds a governor from configured profiles. An empty list falls back
// to the built-in tiers. defaultName must name one of the profiles.
func New(profiles []Profile, defaultName string) (*Governor, error) {
	if len(profiles) == 0 {
		profiles = defaultProfiles
	}
	if defaultName == "" {
		defaultName = profiles[0].Name
	}
	byName := make(map[string]Profile, len(profiles))
	for _, p := range profiles {
		byName[p.Name] = p
	}
	if _, ok := byName[defaultName]; !ok {
		return nil, appErr.Newf(appErr.InvalidParams, "default profile %q is not defined", defaultName)
	}
	return &Governor{
		profiles:    byName,
		defaultName: defaultName,
		inUse:       make(map[string]string),
		recent:      make(map[string][]Usage),
		maxKeep:     32,
	}, nil
}

// Resolve returns the named profile, or the default when name is empty.
func (g *Governor) Resolve(name string) (Profile, error) {
	if name == "" {
		name = g.defaultName
	}
	p, ok := g.profiles[name]
	if !ok {
		return Profile{}, appErr.Newf(appErr.InvalidParams, "unknown resource profile %q", name)
	}
	return p, nil
}

// Limits merges per-execution overrides onto the profile ceilings. Overrides
// may only tighten, never exceed the profile.
func (g *Governor) Limits(p Profile, override spec.ResourceLimit) spec.ResourceLimit {
	merged := spec.Merge(override, p.Limits)
	if p.Limits.CPUTimeMs > 0 && merged.CPUTimeMs > p.Limits.CPUTimeMs {
		merged.CPUTimeMs = p.Limits.CPUTimeMs
	}
	if p.Limits.WallTimeMs > 0 && merged.WallTimeMs > p.Limits.WallTimeMs {
		merged.WallTimeMs = p.Limits.WallTimeMs
	}
	if p.Limits.MemoryMB > 0 && merged.MemoryMB > p.Limits.MemoryMB {
		merged.MemoryMB = p.Limits.MemoryMB
	}
	if p.Limits.OutputMB > 0 && merged.OutputMB > p.Limits.OutputMB {
		merged.OutputMB = p.Limits.OutputMB
	}
	if p.Limits.PIDs > 0 && merged.PIDs > p.Limits.PIDs {
		merged.PIDs = p.Limits.PIDs
	}
	return merged
}

// ClampDeadline derives a context deadline from the wall limit, never
// extending a deadline the parent context already carries.
func (g *Governor) ClampDeadline(ctx context.Context, limits spec.ResourceLimit) (context.Context, context.CancelFunc) {
	if limits.WallTimeMs <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(limits.WallTimeMs)*time.Millisecond)
}

// Begin registers an execution as consuming resources. The returned end
// function records the final usage; it is safe to call once.
func (g *Governor) Begin(executionID, sessionID string, profile Profile) func(Usage) {
	g.mu.Lock()
	g.inUse[executionID] = sessionID
	g.mu.Unlock()

	return func(u Usage) {
		u.ExecutionID = executionID
		u.SessionID = sessionID
		u.Profile = profile.Name
		u.FinishedAt = time.Now()

		g.mu.Lock()
		delete(g.inUse, executionID)
		window := append(g.recent[sessionID], u)
		if len(window) > g.maxKeep {
			window = window[len(window)-g.maxKeep:]
		}
		g.recent[sessionID] = window
		g.mu.Unlock()

		logger.Debug(context.Background(), "execution usage recorded",
			zap.String("execution_id", executionID),
			zap.String("session_id", sessionID),
			zap.Int64("cpu_ms", u.CPUTimeMs),
			zap.Int64("wall_ms", u.WallTimeMs),
			zap.Int64("memory_kb", u.MemoryKB))
	}
}

// InFlight returns the number of executions currently consuming resources.
func (g *Governor) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inUse)
}

// RecentUsage returns the accounting window for a session, newest last.
func (g *Governor) RecentUsage(sessionID string) []Usage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Usage(nil), g.recent[sessionID]...)
}

// Forget drops the accounting window for a closed session.
func (g *Governor) Forget(sessionID string) {
	g.mu.Lock()
	delete(g.recent, sessionID)
	g.mu.Unlock()
}
