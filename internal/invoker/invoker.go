// Package invoker is the boundary to the external agent execution capability.
// It redacts prompts, enforces per-call timeouts and supports cancellation.
// It never retries or interprets results; that policy belongs to the scheduler.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrAgentFailure wraps every failed invocation that is not a timeout.
	ErrAgentFailure = errors.New("agent invocation failed")
	// ErrAgentTimeout is returned when an invocation outlives its timeout.
	ErrAgentTimeout = errors.New("agent invocation timed out")
)

// Status is the outcome reported by the capability.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusTimeout Status = "timeout"
)

// Request is what the capability receives.
type Request struct {
	AgentType string
	Prompt    string
	TaskID    string
	Timeout   time.Duration
}

// Response is what the capability returns.
type Response struct {
	Status     Status
	Output     string
	Error      string
	TokensUsed int // 0 when the agent does not report usage
}

// Capability executes one prompt on one agent type. Implementations must
// return promptly once ctx is done.
type Capability interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// CapabilityFunc adapts a function to Capability.
type CapabilityFunc func(ctx context.Context, req Request) (Response, error)

// Invoke calls f.
func (f CapabilityFunc) Invoke(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Result is a successful invocation.
type Result struct {
	Output     string
	TokensUsed int
	Duration   time.Duration
}

// Invoker wraps a Capability.
type Invoker struct {
	capability Capability
	redactor   *Redactor
	logger     *slog.Logger
}

// New returns an Invoker over c using the default redaction patterns.
// A nil logger uses slog.Default().
func New(c Capability, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{capability: c, redactor: NewRedactor(), logger: logger}
}

// WithRedactor replaces the redactor and returns the invoker.
func (i *Invoker) WithRedactor(r *Redactor) *Invoker {
	i.redactor = r
	return i
}

type outcome struct {
	resp Response
	err  error
}

// Invoke runs prompt on agentType. A timeout <= 0 means no per-call limit.
// Cancelling ctx abandons the call and returns an error wrapping ctx.Err();
// the capability sees the cancelled context and the result is discarded.
func (i *Invoker) Invoke(ctx context.Context, agentType, prompt, taskID string, timeout time.Duration) (Result, error) {
	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	req := Request{
		AgentType: agentType,
		Prompt:    i.redactor.Redact(prompt),
		TaskID:    taskID,
		Timeout:   timeout,
	}

	start := time.Now()
	// Buffered so the goroutine can always deliver and exit after we stop listening
	done := make(chan outcome, 1)
	go func() {
		resp, err := i.capability.Invoke(callCtx, req)
		done <- outcome{resp: resp, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-callCtx.Done():
	}
	elapsed := time.Since(start)

	// Parent cancellation wins over everything else.
	if err := ctx.Err(); err != nil {
		i.logger.Debug("agent invocation abandoned", "task_id", taskID, "agent_type", agentType)
		return Result{}, fmt.Errorf("invoke %s on %s: %w", taskID, agentType, err)
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) && (out.err != nil || out.resp.Status != StatusSuccess) {
		return Result{}, fmt.Errorf("%w: %s on %s after %s", ErrAgentTimeout, taskID, agentType, timeout)
	}

	if out.err != nil {
		if errors.Is(out.err, ErrAgentTimeout) {
			return Result{}, out.err
		}
		return Result{}, fmt.Errorf("%w: %s on %s: %v", ErrAgentFailure, taskID, agentType, out.err)
	}

	switch out.resp.Status {
	case StatusSuccess:
		return Result{Output: out.resp.Output, TokensUsed: out.resp.TokensUsed, Duration: elapsed}, nil
	case StatusTimeout:
		return Result{}, fmt.Errorf("%w: %s on %s: %s", ErrAgentTimeout, taskID, agentType, out.resp.Error)
	default:
		msg := out.resp.Error
		if msg == "" {
			msg = fmt.Sprintf("status %q", out.resp.Status)
		}
		return Result{}, fmt.Errorf("%w: %s on %s: %s", ErrAgentFailure, taskID, agentType, msg)
	}
}
