package executor

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/burrow/pkg/errdefs"
)

// stagingDir is the hidden directory inside the workspace holding the
// submitted code and wrapper scripts. Hidden so artifact scans skip it.
const stagingDir = ".burrow"

// pythonWrapper loads the submitted module and, when it defines a
// handler(event) function, prints its JSON-encoded return between the
// stdout sentinels. The event object arrives on stdin.
const pythonWrapper = `import json, sys, runpy

_event = None
try:
    _raw = sys.stdin.read()
    if _raw.strip():
        _event = json.loads(_raw)
except Exception:
    _event = None

_globals = runpy.run_path(%q)
_handler = _globals.get("handler")
if callable(_handler):
    _result = _handler(_event)
    sys.stdout.flush()
    print("` + ResultMarker + `")
    print(json.dumps(_result, default=str))
    print("` + ResultEndMarker + `")
`

// nodeWrapper mirrors the python wrapper for CommonJS modules.
const nodeWrapper = `const fs = require("fs");
const mod = require(%q);
let event = null;
try {
  const raw = fs.readFileSync(0, "utf8");
  if (raw.trim()) {
    event = JSON.parse(raw);
  }
} catch (err) {
  event = null;
}
Promise.resolve()
  .then(() => (typeof mod.handler === "function" ? mod.handler(event) : undefined))
  .then((result) => {
    if (typeof mod.handler === "function") {
      console.log("` + ResultMarker + `");
      console.log(JSON.stringify(result === undefined ? null : result));
      console.log("` + ResultEndMarker + `");
    }
  })
  .catch((err) => {
    console.error(err && err.stack ? err.stack : String(err));
    process.exit(1);
  });
`

// stageCode writes the submitted code and its wrapper into the staging
// directory and returns the interpreter argv to run.
func stageCode(workspace, language, code string) ([]string, error) {
	dir := filepath.Join(workspace, stagingDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}

	switch language {
	case "python":
		codePath := filepath.Join(dir, "handler.py")
		if err := os.WriteFile(codePath, []byte(code), 0o600); err != nil {
			return nil, err
		}
		wrapperPath := filepath.Join(dir, "main.py")
		if err := os.WriteFile(wrapperPath, []byte(fmt.Sprintf(pythonWrapper, codePath)), 0o600); err != nil {
			return nil, err
		}
		return []string{"python3", wrapperPath}, nil

	case "javascript":
		codePath := filepath.Join(dir, "handler.js")
		if err := os.WriteFile(codePath, []byte(code), 0o600); err != nil {
			return nil, err
		}
		wrapperPath := filepath.Join(dir, "main.js")
		if err := os.WriteFile(wrapperPath, []byte(fmt.Sprintf(nodeWrapper, codePath)), 0o600); err != nil {
			return nil, err
		}
		return []string{"node", wrapperPath}, nil

	case "shell":
		codePath := filepath.Join(dir, "script.sh")
		if err := os.WriteFile(codePath, []byte(code), 0o700); err != nil {
			return nil, err
		}
		return []string{"sh", codePath}, nil

	default:
		return nil, errdefs.New(errdefs.KindInvalidRequest, fmt.Sprintf("unsupported language %q", language))
	}
}
