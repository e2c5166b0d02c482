package task

import (
	"context"
	"encoding/json"
)

// NoopName is the registry key for the no-op task, useful for wiring checks
// and scheduler tests.
const NoopName = "noop"

// Noop does nothing and reports success.
func Noop(_ context.Context, _ []any, _ map[string]any) (json.RawMessage, error) {
	return json.RawMessage(`{"ok":true}`), nil
}
