package runtime

import (
	"sort"
	"strings"

	"tci/internal/sandbox/engine"
	appErr "tci/pkg/errors"
)

// Registry resolves language identifiers to runtimes.
type Registry struct {
	runtimes map[string]LanguageRuntime
}

// NewRegistry builds a registry from configured runtimes. An empty config
// registers the built-in Python and JavaScript runtimes.
func NewRegistry(cfgs []Config, eng engine.Engine) (*Registry, error) {
	if len(cfgs) == 0 {
		cfgs = []Config{DefaultPythonConfig(), DefaultJavaScriptConfig()}
	}
	runtimes := make(map[string]LanguageRuntime, len(cfgs))
	for _, cfg := range cfgs {
		var (
			rt  LanguageRuntime
			err error
		)
		switch strings.ToLower(cfg.ID) {
		case "python", "python3":
			rt, err = NewPython(cfg, eng)
		case "javascript", "node", "nodejs":
			rt, err = NewJavaScript(cfg, eng)
		default:
			return nil, appErr.Newf(appErr.RuntimeNotSupported, "no runtime implementation for %q", cfg.ID)
		}
		if err != nil {
			return nil, err
		}
		runtimes[strings.ToLower(cfg.ID)] = rt
	}
	return &Registry{runtimes: runtimes}, nil
}

// Get returns the runtime for a language.
func (r *Registry) Get(language string) (LanguageRuntime, error) {
	rt, ok := r.runtimes[strings.ToLower(language)]
	if !ok {
		return nil, appErr.New(appErr.RuntimeNotSupported).
			WithMessagef("language %q is not supported", language).
			WithDetail("language", language).
			WithDetail("supported", r.Languages())
	}
	return rt, nil
}

// Languages lists registered language identifiers, sorted.
func (r *Registry) Languages() []string {
	out := make([]string, 0, len(r.runtimes))
	for id := range r.runtimes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
