package security

import (
	"regexp"
	"strings"

	appErr "tci/pkg/errors"
)

// scanRule is one pattern the static scan rejects.
type scanRule struct {
	pattern *regexp.Regexp
	reason  string
}

// Gate performs the advisory pre-execution static scan and builds the
// runtime policy attached to a lease. The scan is best-effort filtering;
// the sandbox isolation remains the primary guarantee.
type Gate struct {
	rules map[string][]scanRule
}

var pythonRules = []scanRule{
	{regexp.MustCompile(`(?m)^\s*(?:import|from)\s+(?:socket|subprocess|ctypes|multiprocessing\.connection|pty|fcntl)\b`), "disallowed module import"},
	{regexp.MustCompile(`__import__\s*\(`), "dynamic import"},
	{regexp.MustCompile(`(?:os\.system|os\.popen|os\.exec[lv]p?e?)\s*\(`), "process spawn through os"},
	{regexp.MustCompile(`eval\s*\(\s*compile\s*\(`), "eval of compiled code"},
	{regexp.MustCompile(`(?:b64decode|a85decode|bytes\.fromhex)\s*\([^)]*\)\s*\)?\s*;?\s*\n?.*exec\s*\(`), "obfuscated payload"},
}

var javascriptRules = []scanRule{
	{regexp.MustCompile(`require\s*\(\s*['"](?:child_process|net|dgram|cluster|worker_threads)['"]\s*\)`), "disallowed module import"},
	{regexp.MustCompile(`(?:import\s*\(|import\s+[\w{,\s}]+\s+from\s+)['"]?(?:child_process|net|dgram)\b`), "disallowed module import"},
	{regexp.MustCompile(`process\.binding\s*\(`), "internal binding access"},
	{regexp.MustCompile(`Function\s*\(\s*['"]`), "dynamic code construction"},
}

// NewGate builds a gate with the built-in rule sets. Extra patterns from
// config are compiled and appended per language; an invalid pattern is
// reported rather than silently dropped.
func NewGate(extra map[string][]string) (*Gate, error) {
	rules := map[string][]scanRule{
		"python":     append([]scanRule(nil), pythonRules...),
		"javascript": append([]scanRule(nil), javascriptRules...),
	}
	for language, patterns := range extra {
		key := strings.ToLower(language)
		for _, raw := range patterns {
			re, err := regexp.Compile(raw)
			if err != nil {
				return nil, appErr.Wrapf(err, appErr.InvalidParams, "invalid scan pattern for %s", language)
			}
			rules[key] = append(rules[key], scanRule{pattern: re, reason: "configured pattern"})
		}
	}
	return &Gate{rules: rules}, nil
}

// Scan checks submitted code before any sandbox resource is consumed.
// A match rejects the execution with SecurityRejected.
func (g *Gate) Scan(language, code string) error {
	for _, rule := range g.rules[strings.ToLower(language)] {
		if loc := rule.pattern.FindStringIndex(code); loc != nil {
			return appErr.New(appErr.SecurityRejected).
				WithMessagef("static scan rejected submission: %s", rule.reason).
				WithDetail("reason", rule.reason).
				WithDetail("offset", loc[0])
		}
	}
	return nil
}

// PolicyFor builds the runtime policy for a session. The sandbox always runs
// with a detached network namespace, so a request that asks for egress is
// rejected instead of being granted a policy the engine cannot enforce.
func (g *Gate) PolicyFor(egress []EgressRule) (RuntimePolicy, error) {
	if len(egress) > 0 {
		return RuntimePolicy{}, appErr.New(appErr.InvalidParams).
			WithMessage("network egress is not supported: sandboxes run without network access").
			WithDetail("egress_rules", len(egress))
	}
	return DefaultPolicy(), nil
}
