package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/taskpilot/internal/invoker"
)

// DryRun answers every invocation without running an agent. It is used by
// `run --dry-run` to walk a plan end to end.
type DryRun struct {
	// Delay simulates agent latency.
	Delay time.Duration
	// Tokens is the usage reported per call. Zero leaves cost to the
	// scheduler's estimate.
	Tokens int
	// Respond overrides the canned output.
	Respond func(req invoker.Request) string
}

// Invoke implements invoker.Capability.
func (d *DryRun) Invoke(ctx context.Context, req invoker.Request) (invoker.Response, error) {
	if d.Delay > 0 {
		timer := time.NewTimer(d.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return invoker.Response{Status: invoker.StatusFailure, Error: ctx.Err().Error()}, ctx.Err()
		case <-timer.C:
		}
	}

	out := fmt.Sprintf("dry run: %s finished %s", req.AgentType, req.TaskID)
	if d.Respond != nil {
		out = d.Respond(req)
	}
	return invoker.Response{Status: invoker.StatusSuccess, Output: out, TokensUsed: d.Tokens}, nil
}
