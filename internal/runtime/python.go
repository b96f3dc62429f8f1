package runtime

import "tci/internal/sandbox/engine"

// pythonDriver runs the submission with runpy so module-level bindings are
// visible, then serializes the `result` global when one was set. Values
// json cannot encode fall back to their repr.
const pythonDriver = `import json
import runpy
import sys

code_path = sys.argv[1]
result_path = sys.argv[2]

namespace = runpy.run_path(code_path, run_name="__main__")

if "result" in namespace:
    value = namespace["result"]
    try:
        encoded = json.dumps(value)
    except (TypeError, ValueError):
        encoded = json.dumps(repr(value))
    with open(result_path, "w") as fh:
        fh.write(encoded)
`

// DefaultPythonConfig is used when no runtimes are configured.
func DefaultPythonConfig() Config {
	return Config{
		ID:       "python",
		Command:  "python3 {driver} {code} {result}",
		CodeFile: "main.py",
		Env:      []string{"PATH=/usr/local/bin:/usr/bin:/bin", "PYTHONDONTWRITEBYTECODE=1"},
	}
}

// NewPython builds the Python runtime.
func NewPython(cfg Config, eng engine.Engine) (LanguageRuntime, error) {
	if cfg.ID == "" {
		cfg = DefaultPythonConfig()
	}
	if cfg.CodeFile == "" {
		cfg.CodeFile = "main.py"
	}
	return newInterpRuntime(cfg, "driver.py", pythonDriver, eng)
}
