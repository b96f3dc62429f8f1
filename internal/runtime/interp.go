package runtime

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"tci/internal/execution"
	"tci/internal/sandbox/engine"
	"tci/internal/sandbox/spec"
	appErr "tci/pkg/errors"

	"github.com/google/shlex"
)

// runnerDir holds driver internals inside the workspace. Its contents are
// never reported as workspace file changes.
const runnerDir = ".runner"

// Config describes one interpreter runtime. Command is a template whose
// placeholders {driver}, {code} and {result} expand to staged file paths.
type Config struct {
	ID       string   `yaml:"id"`
	Command  string   `yaml:"command"`
	CodeFile string   `yaml:"codeFile"`
	Env      []string `yaml:"env"`
}

// interpRuntime runs code through an interpreter and a driver script.
type interpRuntime struct {
	id         string
	cmdArgs    []string
	codeFile   string
	driverFile string
	driver     string
	env        []string
	eng        engine.Engine
}

func newInterpRuntime(cfg Config, driverFile, driver string, eng engine.Engine) (*interpRuntime, error) {
	args, err := shlex.Split(cfg.Command)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "invalid command template for runtime %s", cfg.ID)
	}
	if len(args) == 0 {
		return nil, appErr.Newf(appErr.InvalidParams, "empty command template for runtime %s", cfg.ID)
	}
	return &interpRuntime{
		id:         cfg.ID,
		cmdArgs:    args,
		codeFile:   cfg.CodeFile,
		driverFile: driverFile,
		driver:     driver,
		env:        cfg.Env,
		eng:        eng,
	}, nil
}

func (r *interpRuntime) ID() string { return r.id }

// Prepare stages the driver script so the first execution pays no setup.
func (r *interpRuntime) Prepare(ctx context.Context, workDir string) error {
	dir := filepath.Join(workDir, runnerDir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return appErr.Wrap(err, appErr.RuntimePrepareError)
	}
	if err := os.WriteFile(filepath.Join(dir, r.driverFile), []byte(r.driver), 0640); err != nil {
		return appErr.Wrap(err, appErr.RuntimePrepareError)
	}
	return nil
}

func (r *interpRuntime) Execute(ctx context.Context, req ExecRequest) (ExecResult, error) {
	dir := filepath.Join(req.WorkDir, runnerDir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return ExecResult{}, appErr.Wrap(err, appErr.SandboxError)
	}

	driverPath := filepath.Join(dir, r.driverFile)
	if _, err := os.Stat(driverPath); err != nil {
		if err := os.WriteFile(driverPath, []byte(r.driver), 0640); err != nil {
			return ExecResult{}, appErr.Wrap(err, appErr.SandboxError)
		}
	}

	codePath := filepath.Join(dir, r.codeFile)
	if err := os.WriteFile(codePath, []byte(req.Code), 0640); err != nil {
		return ExecResult{}, appErr.Wrap(err, appErr.SandboxError)
	}

	resultPath := filepath.Join(dir, "result.json")
	_ = os.Remove(resultPath)

	stdinPath := ""
	if req.Stdin != "" {
		stdinPath = filepath.Join(dir, "stdin")
		if err := os.WriteFile(stdinPath, []byte(req.Stdin), 0640); err != nil {
			return ExecResult{}, appErr.Wrap(err, appErr.SandboxError)
		}
	}

	before, err := snapshotWorkspace(req.WorkDir)
	if err != nil {
		return ExecResult{}, appErr.Wrap(err, appErr.SandboxError)
	}

	cmd := make([]string, 0, len(r.cmdArgs))
	for _, arg := range r.cmdArgs {
		arg = strings.ReplaceAll(arg, "{driver}", driverPath)
		arg = strings.ReplaceAll(arg, "{code}", codePath)
		arg = strings.ReplaceAll(arg, "{result}", resultPath)
		cmd = append(cmd, arg)
	}

	runSpec := spec.RunSpec{
		ExecutionID: req.ExecutionID,
		InstanceID:  req.InstanceID,
		WorkDir:     req.WorkDir,
		Cmd:         cmd,
		Env:         buildEnv(r.env, req.Env),
		StdinPath:   stdinPath,
		StdoutPath:  filepath.Join(dir, "stdout"),
		StderrPath:  filepath.Join(dir, "stderr"),
		Limits:      req.Limits,
	}

	runResult, err := r.eng.Run(ctx, runSpec, req.Policy)
	if err != nil {
		return ExecResult{}, appErr.Wrap(err, appErr.SandboxError)
	}

	out := ExecResult{Run: runResult}
	if data, err := os.ReadFile(resultPath); err == nil {
		out.Result = strings.TrimSpace(string(data))
	}
	if changes, err := diffWorkspace(req.WorkDir, before); err == nil {
		out.FileChanges = changes
	}
	return out, nil
}

func buildEnv(base []string, extra map[string]string) []string {
	env := append([]string(nil), base...)
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

type fileStat struct {
	size    int64
	modUnix int64
}

func snapshotWorkspace(workDir string) (map[string]fileStat, error) {
	stats := make(map[string]fileStat)
	err := filepath.Walk(workDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(workDir, path)
		if relErr != nil {
			return relErr
		}
		if rel == runnerDir || strings.HasPrefix(rel, runnerDir+string(os.PathSeparator)) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}
		stats[rel] = fileStat{size: info.Size(), modUnix: info.ModTime().UnixNano()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func diffWorkspace(workDir string, before map[string]fileStat) ([]execution.FileChange, error) {
	after, err := snapshotWorkspace(workDir)
	if err != nil {
		return nil, err
	}
	var changes []execution.FileChange
	for rel, stat := range after {
		prev, existed := before[rel]
		if existed && prev == stat {
			continue
		}
		changes = append(changes, execution.FileChange{
			Path:    rel,
			SizeB:   stat.size,
			Created: !existed,
		})
	}
	// map iteration order is random; callers get a stable, path-sorted delta
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes, nil
}
