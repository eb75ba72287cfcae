package signing

import (
	"fmt"
	"time"

	"github.com/jonwraymond/toolguard/canonical"
)

// InvocationPayload returns the canonical bytes signed for an in-process
// tool invocation.
func InvocationPayload(toolID, invocationID string, params map[string]any, ts time.Time) ([]byte, error) {
	if params == nil {
		params = map[string]any{}
	}
	b, err := canonical.Marshal(map[string]any{
		"tool_id":       toolID,
		"invocation_id": invocationID,
		"params":        params,
		"timestamp":     ts.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("signing: invocation payload: %w", err)
	}
	return b, nil
}

// HTTPPayload returns the bytes signed for an HTTP request: the method, the
// path and the body.
func HTTPPayload(method, path string, body []byte) []byte {
	out := make([]byte, 0, len(method)+len(path)+len(body)+2)
	out = append(out, method...)
	out = append(out, ' ')
	out = append(out, path...)
	out = append(out, '\n')
	return append(out, body...)
}
