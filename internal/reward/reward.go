// Package reward evaluates declared test conditions against execution
// outcomes and aggregates rewards. Evaluation is pure: the same outcome
// and tests always produce the same result.
package reward

import (
	"context"
	"encoding/json"
	"time"

	"tci/internal/execution"
	appErr "tci/pkg/errors"
	"tci/pkg/utils/logger"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.uber.org/zap"
)

// Outcome is the read-only view of an execution that conditions see.
type Outcome struct {
	Status   string
	ExitCode int
	Stdout   string
	Stderr   string
	Result   string
	Files    []execution.FileChange
}

// Config bounds condition evaluation.
type Config struct {
	ConditionTimeout time.Duration `yaml:"conditionTimeout"`
}

// Evaluator compiles and runs test conditions.
type Evaluator struct {
	timeout time.Duration
}

// New builds an evaluator.
func New(cfg Config) *Evaluator {
	if cfg.ConditionTimeout <= 0 {
		cfg.ConditionTimeout = time.Second
	}
	return &Evaluator{timeout: cfg.ConditionTimeout}
}

// Validate checks a condition compiles before any execution runs.
func Validate(condition string) error {
	if condition == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("empty test condition")
	}
	if _, err := expr.Compile(condition); err != nil {
		return appErr.Wrapf(err, appErr.TestEvalFailed, "invalid test condition %q", condition)
	}
	return nil
}

// Evaluate runs every test against the outcome. A condition error or
// timeout marks that test failed with reward zero; it never fails the
// whole evaluation. When normalize is set the total is divided by the sum
// of weights, mapping it onto [0, 1].
func (e *Evaluator) Evaluate(ctx context.Context, tests []execution.Test, outcome Outcome, normalize bool) ([]execution.TestResult, float64) {
	if len(tests) == 0 {
		return nil, 0
	}

	env := buildEnv(outcome)
	results := make([]execution.TestResult, 0, len(tests))
	total := 0.0
	weightSum := 0.0

	for _, t := range tests {
		weightSum += t.Weight
		res := execution.TestResult{Name: t.Name}

		passed, err := e.evalCondition(ctx, t.Condition, env)
		if err != nil {
			res.Error = err.Error()
			logger.Debug(ctx, "test condition failed to evaluate",
				zap.String("test", t.Name), zap.Error(err))
		} else if passed {
			res.Passed = true
			res.Reward = t.Weight
			total += t.Weight
		}
		results = append(results, res)
	}

	if normalize && weightSum > 0 {
		total /= weightSum
	}
	return results, total
}

// evalCondition compiles and runs one condition under the timeout.
func (e *Evaluator) evalCondition(ctx context.Context, condition string, env map[string]interface{}) (bool, error) {
	if condition == "" {
		return false, appErr.New(appErr.TestEvalFailed).WithMessage("empty test condition")
	}
	program, err := expr.Compile(condition, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, appErr.Wrapf(err, appErr.TestEvalFailed, "compile condition %q", condition)
	}

	evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type evalOut struct {
		value interface{}
		err   error
	}
	done := make(chan evalOut, 1)
	go func() {
		value, err := runProgram(program, env)
		done <- evalOut{value: value, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return false, appErr.Wrapf(out.err, appErr.TestEvalFailed, "run condition %q", condition)
		}
		b, ok := out.value.(bool)
		if !ok {
			return false, appErr.Newf(appErr.TestEvalFailed, "condition %q returned %T, expected bool", condition, out.value)
		}
		return b, nil
	case <-evalCtx.Done():
		return false, appErr.New(appErr.TestEvalFailed).
			WithMessagef("condition %q timed out after %s", condition, e.timeout)
	}
}

func runProgram(program *vm.Program, env map[string]interface{}) (interface{}, error) {
	return expr.Run(program, env)
}

// buildEnv exposes the outcome to conditions. The result binding is
// decoded from JSON so conditions can address into structured values.
func buildEnv(outcome Outcome) map[string]interface{} {
	var result interface{}
	if outcome.Result != "" {
		if err := json.Unmarshal([]byte(outcome.Result), &result); err != nil {
			result = outcome.Result
		}
	}

	files := make([]string, 0, len(outcome.Files))
	for _, f := range outcome.Files {
		files = append(files, f.Path)
	}

	return map[string]interface{}{
		"status":    outcome.Status,
		"exit_code": outcome.ExitCode,
		"stdout":    outcome.Stdout,
		"stderr":    outcome.Stderr,
		"result":    result,
		"files":     files,
	}
}
