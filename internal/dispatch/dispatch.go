// Package dispatch coordinates one code execution end to end: security
// scan, resource resolution, sandboxed run, outcome classification and
// reward evaluation.
package dispatch

import (
	"context"
	"time"

	"tci/internal/events"
	"tci/internal/execution"
	"tci/internal/governor"
	"tci/internal/pool"
	"tci/internal/reward"
	"tci/internal/runtime"
	"tci/internal/sandbox/engine"
	"tci/internal/security"
	appErr "tci/pkg/errors"
	"tci/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Signal names as reported by the kernel for killed processes.
const (
	sigBadSyscall    = "bad system call"
	sigCPULimit      = "CPU time limit exceeded"
	sigFileSizeLimit = "file size limit exceeded"
)

// Flags tells the session layer how the lease was affected.
type Flags struct {
	// SecurityViolation is set when the process tripped the runtime
	// policy; the instance must not be reused.
	SecurityViolation bool

	// ResourceBreached is set when a hard ceiling killed the process.
	ResourceBreached bool
}

// RuntimeResolver resolves a language to its runtime.
type RuntimeResolver interface {
	Get(language string) (runtime.LanguageRuntime, error)
}

// Dispatcher runs executions against leased instances.
type Dispatcher struct {
	registry RuntimeResolver
	gate     *security.Gate
	gov      *governor.Governor
	rewards  *reward.Evaluator
	events   events.Publisher
}

// New builds a dispatcher.
func New(registry RuntimeResolver, gate *security.Gate, gov *governor.Governor, rewards *reward.Evaluator, publisher events.Publisher) *Dispatcher {
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Dispatcher{
		registry: registry,
		gate:     gate,
		gov:      gov,
		rewards:  rewards,
		events:   publisher,
	}
}

// Dispatch executes one request on the leased instance. A failing or
// rejected submission is a normal outcome carried in the record; the error
// return is reserved for system faults.
func (d *Dispatcher) Dispatch(ctx context.Context, inst *pool.Instance, profileName string, req execution.Request) (*execution.Record, Flags, error) {
	rec := &execution.Record{
		ID:        "exec-" + uuid.NewString(),
		SessionID: req.SessionID,
		Language:  req.Language,
		Status:    execution.StatusRunning,
		StartedAt: time.Now(),
	}
	ctx = context.WithValue(ctx, "execution_id", rec.ID)

	for _, t := range req.Tests {
		if err := reward.Validate(t.Condition); err != nil {
			return nil, Flags{}, err
		}
	}

	rt, err := d.registry.Get(req.Language)
	if err != nil {
		return nil, Flags{}, err
	}

	// static scan runs before any sandbox resource is consumed
	if err := d.gate.Scan(req.Language, req.Code); err != nil {
		rec.Status = execution.StatusSecurityRejected
		rec.Violation = appErr.GetError(err).Error()
		rec.FinishedAt = time.Now()
		d.events.Emit(ctx, events.Event{
			Type:        events.TypeSecurityViolation,
			SessionID:   req.SessionID,
			ExecutionID: rec.ID,
			Payload:     map[string]interface{}{"stage": "static_scan", "reason": rec.Violation},
		})
		return rec, Flags{}, nil
	}

	profile, err := d.gov.Resolve(profileName)
	if err != nil {
		return nil, Flags{}, err
	}
	limits := d.gov.Limits(profile, req.Limits)

	runCtx, cancel := d.gov.ClampDeadline(ctx, limits)
	defer cancel()
	end := d.gov.Begin(rec.ID, req.SessionID, profile)

	d.events.Emit(ctx, events.Event{
		Type:        events.TypeExecutionStarted,
		SessionID:   req.SessionID,
		ExecutionID: rec.ID,
		Payload:     map[string]interface{}{"language": req.Language, "profile": profile.Name},
	})

	execReq := runtime.ExecRequest{
		ExecutionID: rec.ID,
		InstanceID:  inst.ID,
		WorkDir:     inst.WorkDir,
		Code:        req.Code,
		Stdin:       req.Stdin,
		Env:         req.Env,
		Limits:      limits,
		Policy:      inst.Policy(),
	}
	res, runErr := rt.Execute(runCtx, execReq)
	if runErr != nil {
		end(governor.Usage{})
		return nil, Flags{}, runErr
	}

	rec.ExitCode = res.Run.ExitCode
	rec.Stdout = res.Run.Stdout
	rec.Stderr = res.Run.Stderr
	rec.Result = res.Result
	rec.FileChanges = res.FileChanges
	rec.CPUTimeMs = res.Run.CPUTimeMs
	rec.WallTimeMs = res.Run.WallTimeMs
	rec.MemoryKB = res.Run.MemoryKB
	rec.FinishedAt = time.Now()

	flags := classify(rec, res.Run)
	end(governor.Usage{
		CPUTimeMs:  res.Run.CPUTimeMs,
		WallTimeMs: res.Run.WallTimeMs,
		MemoryKB:   res.Run.MemoryKB,
		OutputKB:   res.Run.OutputKB,
	})

	if flags.SecurityViolation {
		d.events.Emit(ctx, events.Event{
			Type:        events.TypeSecurityViolation,
			SessionID:   req.SessionID,
			ExecutionID: rec.ID,
			Payload:     map[string]interface{}{"stage": "runtime", "signal": res.Run.Signal},
		})
	}

	if len(req.Tests) > 0 && rec.Status != execution.StatusSecurityRejected {
		outcome := reward.Outcome{
			Status:   string(rec.Status),
			ExitCode: rec.ExitCode,
			Stdout:   rec.Stdout,
			Stderr:   rec.Stderr,
			Result:   rec.Result,
			Files:    rec.FileChanges,
		}
		rec.TestResults, rec.TotalReward = d.rewards.Evaluate(ctx, req.Tests, outcome, req.Normalize)
	}

	d.events.Emit(ctx, events.Event{
		Type:        events.TypeExecutionFinished,
		SessionID:   req.SessionID,
		ExecutionID: rec.ID,
		Payload: map[string]interface{}{
			"status":       string(rec.Status),
			"exit_code":    rec.ExitCode,
			"total_reward": rec.TotalReward,
			"wall_time_ms": rec.WallTimeMs,
		},
	})

	logger.Info(ctx, "execution finished",
		zap.String("execution_id", rec.ID),
		zap.String("session_id", req.SessionID),
		zap.String("status", string(rec.Status)),
		zap.Int("exit_code", rec.ExitCode),
		zap.Int64("wall_ms", rec.WallTimeMs))

	return rec, flags, nil
}

// Forget drops governor accounting for a session that has ended.
func (d *Dispatcher) Forget(sessionID string) {
	d.gov.Forget(sessionID)
}

// classify derives the terminal status from the raw sandbox outcome.
func classify(rec *execution.Record, run engine.RunResult) Flags {
	switch {
	case run.TimedOut:
		rec.Status = execution.StatusTimedOut
		return Flags{}
	case run.OomKilled:
		rec.Status = execution.StatusResourceExceeded
		return Flags{ResourceBreached: true}
	case run.Signal == sigBadSyscall:
		rec.Status = execution.StatusFailed
		rec.Violation = "process killed by seccomp policy"
		return Flags{SecurityViolation: true}
	case run.Signal == sigCPULimit || run.Signal == sigFileSizeLimit:
		rec.Status = execution.StatusResourceExceeded
		rec.Violation = run.Signal
		return Flags{ResourceBreached: true}
	case run.ExitCode != 0:
		rec.Status = execution.StatusFailed
		return Flags{}
	default:
		rec.Status = execution.StatusSucceeded
		return Flags{}
	}
}
