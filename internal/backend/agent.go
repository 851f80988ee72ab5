// Package backend provides the agent execution capabilities behind the
// invoker: a subprocess agent that runs one configured command per agent
// type, and a dry-run agent that answers without running anything.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aristath/taskpilot/internal/invoker"
)

// Placeholders substituted in configured arguments.
const (
	PlaceholderPrompt    = "{prompt}"
	PlaceholderTaskID    = "{task_id}"
	PlaceholderAgentType = "{agent_type}"
)

// DefaultAgent is the key of the command used for agent types without
// their own entry.
const DefaultAgent = "default"

// Command describes how to run one agent type.
type Command struct {
	Command string
	// Args may contain placeholders. When no argument contains {prompt},
	// the prompt is written to the command's stdin.
	Args []string
	Env  []string
	Dir  string
}

// ProcessAgent runs one subprocess per invocation.
type ProcessAgent struct {
	commands map[string]Command
	procMgr  *ProcessManager
	logger   *slog.Logger
}

// NewProcessAgent returns an agent over commands, keyed by agent type plus
// an optional DefaultAgent entry. The ProcessManager is optional.
func NewProcessAgent(commands map[string]Command, procMgr *ProcessManager, logger *slog.Logger) (*ProcessAgent, error) {
	if len(commands) == 0 {
		return nil, errors.New("no agent commands configured")
	}
	for agent, c := range commands {
		if strings.TrimSpace(c.Command) == "" {
			return nil, fmt.Errorf("agent %q has an empty command", agent)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessAgent{commands: commands, procMgr: procMgr, logger: logger}, nil
}

// Invoke implements invoker.Capability. A command that exits non-zero is a
// failure response, not an error; errors are reserved for commands that
// cannot be started.
func (a *ProcessAgent) Invoke(ctx context.Context, req invoker.Request) (invoker.Response, error) {
	c, ok := a.commands[req.AgentType]
	if !ok {
		c, ok = a.commands[DefaultAgent]
	}
	if !ok {
		return invoker.Response{
			Status: invoker.StatusFailure,
			Error:  fmt.Sprintf("no command configured for agent type %q", req.AgentType),
		}, nil
	}

	args, stdinPrompt := buildArgs(c.Args, req)
	cmd := newCommand(ctx, c.Command, args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	var stdin io.Reader
	if stdinPrompt {
		stdin = strings.NewReader(req.Prompt)
	}

	start := time.Now()
	a.logger.Debug("starting agent process", "task_id", req.TaskID, "agent_type", req.AgentType, "command", c.Command)
	stdout, _, err := executeCommand(ctx, cmd, a.procMgr, stdin)
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return invoker.Response{Status: invoker.StatusTimeout, Error: err.Error()}, nil
		}
		if cmd.Process == nil {
			return invoker.Response{}, fmt.Errorf("start %s for %s: %w", c.Command, req.TaskID, err)
		}
		a.logger.Debug("agent process failed", "task_id", req.TaskID, "agent_type", req.AgentType, "elapsed", elapsed, "error", err)
		return invoker.Response{Status: invoker.StatusFailure, Output: string(stdout), Error: err.Error()}, nil
	}

	resp := parseOutput(stdout)
	a.logger.Debug("agent process finished",
		"task_id", req.TaskID,
		"agent_type", req.AgentType,
		"elapsed", elapsed,
		"status", resp.Status,
		"tokens", resp.TokensUsed)
	return resp, nil
}

// buildArgs substitutes placeholders and reports whether the prompt must go
// to stdin instead.
func buildArgs(template []string, req invoker.Request) ([]string, bool) {
	r := strings.NewReplacer(
		PlaceholderPrompt, req.Prompt,
		PlaceholderTaskID, req.TaskID,
		PlaceholderAgentType, req.AgentType,
	)
	args := make([]string, len(template))
	viaStdin := true
	for i, arg := range template {
		if strings.Contains(arg, PlaceholderPrompt) {
			viaStdin = false
		}
		args[i] = r.Replace(arg)
	}
	return args, viaStdin
}

// agentOutput is the JSON envelope agent CLIs print in JSON output mode.
// Example: {"result": "text", "is_error": false, "usage": {"input_tokens": 10, "output_tokens": 20}}
type agentOutput struct {
	Result     *string `json:"result"`
	Output     *string `json:"output"`
	IsError    bool    `json:"is_error"`
	Error      string  `json:"error"`
	TokensUsed int     `json:"tokens_used"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// parseOutput reads a JSON envelope when stdout is one, else treats stdout as
// the plain-text answer with no reported usage.
func parseOutput(stdout []byte) invoker.Response {
	text := strings.TrimSpace(string(stdout))
	if !strings.HasPrefix(text, "{") {
		return invoker.Response{Status: invoker.StatusSuccess, Output: text}
	}

	var out agentOutput
	if err := json.Unmarshal([]byte(text), &out); err != nil || (out.Result == nil && out.Output == nil) {
		return invoker.Response{Status: invoker.StatusSuccess, Output: text}
	}

	var content string
	switch {
	case out.Result != nil:
		content = *out.Result
	case out.Output != nil:
		content = *out.Output
	}
	tokens := out.TokensUsed
	if tokens == 0 {
		tokens = out.Usage.InputTokens + out.Usage.OutputTokens
	}

	if out.IsError {
		msg := out.Error
		if msg == "" {
			msg = content
		}
		return invoker.Response{Status: invoker.StatusFailure, Output: content, Error: msg, TokensUsed: tokens}
	}
	return invoker.Response{Status: invoker.StatusSuccess, Output: content, TokensUsed: tokens}
}
