package runtime

import "tci/internal/sandbox/engine"

// jsDriver loads the submission as a module and serializes the `result`
// binding. A top-level `result` assignment lands on globalThis; module
// exports are the fallback.
const jsDriver = `const fs = require('fs');
const path = require('path');

const codePath = path.resolve(process.argv[2]);
const resultPath = process.argv[3];

const exported = require(codePath);

let value;
if (globalThis.result !== undefined) {
  value = globalThis.result;
} else if (exported !== undefined && !(typeof exported === 'object' && exported !== null && Object.keys(exported).length === 0)) {
  value = exported;
}

if (value !== undefined) {
  let encoded;
  try {
    encoded = JSON.stringify(value);
  } catch (err) {
    encoded = JSON.stringify(String(value));
  }
  if (encoded !== undefined) {
    fs.writeFileSync(resultPath, encoded);
  }
}
`

// DefaultJavaScriptConfig is used when no runtimes are configured.
func DefaultJavaScriptConfig() Config {
	return Config{
		ID:       "javascript",
		Command:  "node {driver} {code} {result}",
		CodeFile: "main.js",
		Env:      []string{"PATH=/usr/local/bin:/usr/bin:/bin", "NODE_ENV=sandbox"},
	}
}

// NewJavaScript builds the Node.js runtime.
func NewJavaScript(cfg Config, eng engine.Engine) (LanguageRuntime, error) {
	if cfg.ID == "" {
		cfg = DefaultJavaScriptConfig()
	}
	if cfg.CodeFile == "" {
		cfg.CodeFile = "main.js"
	}
	return newInterpRuntime(cfg, "driver.js", jsDriver, eng)
}
