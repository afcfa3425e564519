package executor

import (
	"encoding/json"
	"strings"
)

const (
	// ResultMarker opens the handler return value block on stdout.
	ResultMarker = "===SANDBOX_RESULT==="

	// ResultEndMarker closes it.
	ResultEndMarker = "===SANDBOX_RESULT_END==="
)

// ParseSentinel splits captured stdout into the user-visible stream and
// the handler's JSON return value. Stdout outside the markers is kept
// verbatim; absent or unparsable markers leave the return value nil.
func ParseSentinel(stdout string) (clean string, returnValue json.RawMessage) {
	start := strings.Index(stdout, ResultMarker)
	if start == -1 {
		return stdout, nil
	}
	afterStart := start + len(ResultMarker)
	end := strings.Index(stdout[afterStart:], ResultEndMarker)
	if end == -1 {
		// Opening marker without a close; treat everything as plain
		// output.
		return stdout, nil
	}
	end += afterStart

	payload := strings.TrimSpace(stdout[afterStart:end])
	after := strings.TrimPrefix(stdout[end+len(ResultEndMarker):], "\n")
	clean = stdout[:start] + after

	if payload == "" || !json.Valid([]byte(payload)) {
		return clean, nil
	}
	return clean, json.RawMessage(payload)
}
