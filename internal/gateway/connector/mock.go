package connector

import (
	"context"
	"encoding/json"
	"time"
)

// Mock acknowledges every action without side effects. It backs development
// environments and tests; Delay and Fail let tests exercise timeout and
// failure paths.
type Mock struct {
	Delay time.Duration
	Fail  error
}

func (m *Mock) Execute(ctx context.Context, action string, params map[string]any) ([]byte, error) {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.Fail != nil {
		return nil, m.Fail
	}
	return json.Marshal(map[string]any{
		"status":      "executed",
		"action":      action,
		"param_count": len(params),
	})
}
