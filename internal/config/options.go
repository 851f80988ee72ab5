package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aristath/taskpilot/internal/catalog"
	"github.com/aristath/taskpilot/internal/classifier"
	"github.com/aristath/taskpilot/internal/planner"
	"github.com/aristath/taskpilot/internal/scheduler"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Validate checks ranges and cross-field constraints.
func (c *OrchestratorConfig) Validate() error {
	s := c.Scheduler
	switch {
	case s.Concurrency < 1:
		return fmt.Errorf("%w: scheduler.concurrency must be at least 1", ErrInvalidConfig)
	case s.MaxConcurrency < s.Concurrency:
		return fmt.Errorf("%w: scheduler.max_concurrency %d is below concurrency %d", ErrInvalidConfig, s.MaxConcurrency, s.Concurrency)
	case s.MaxRetries < 1:
		return fmt.Errorf("%w: scheduler.max_retries must be at least 1", ErrInvalidConfig)
	case s.BudgetWarningThreshold <= 0 || s.BudgetWarningThreshold > 1:
		return fmt.Errorf("%w: scheduler.budget_warning_threshold must be in (0, 1]", ErrInvalidConfig)
	case s.TaskTimeout < 0:
		return fmt.Errorf("%w: scheduler.task_timeout is negative", ErrInvalidConfig)
	}
	if c.Dispatcher.SlippageFactor < 1 {
		return fmt.Errorf("%w: dispatcher.slippage_factor must be at least 1", ErrInvalidConfig)
	}
	if c.Dispatcher.MaxRemediations < 0 {
		return fmt.Errorf("%w: dispatcher.max_remediations is negative", ErrInvalidConfig)
	}
	if _, err := catalog.ParseComplexity(c.Planner.MaxComplexity); err != nil {
		return fmt.Errorf("%w: planner.max_complexity: %v", ErrInvalidConfig, err)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	if f := strings.ToLower(c.Log.Format); f != "" && f != "text" && f != "json" {
		return fmt.Errorf("%w: log.format %q is not text or json", ErrInvalidConfig, c.Log.Format)
	}
	if _, err := c.Commands(); err != nil {
		return err
	}
	return nil
}

// Command is one agent type's resolved command line.
type Command struct {
	Command string
	Args    []string
	Env     []string
	Dir     string
}

// Commands resolves every agent entry against its provider.
func (c *OrchestratorConfig) Commands() (map[string]Command, error) {
	out := make(map[string]Command, len(c.Agents))
	for name, a := range c.Agents {
		cmd := Command{Command: a.Command, Env: a.Env, Dir: a.Dir}
		if cmd.Command != "" {
			cmd.Args = append([]string(nil), a.Args...)
		} else {
			p, ok := c.Providers[a.Provider]
			if !ok {
				return nil, fmt.Errorf("%w: agent %q uses unknown provider %q", ErrInvalidConfig, name, a.Provider)
			}
			if p.Command == "" {
				return nil, fmt.Errorf("%w: provider %q has no command", ErrInvalidConfig, a.Provider)
			}
			cmd.Command = p.Command
			cmd.Args = append(append([]string(nil), p.Args...), a.Args...)
		}
		out[name] = cmd
	}
	return out, nil
}

// RetryPolicy converts the scheduler settings.
func (c *OrchestratorConfig) RetryPolicy() scheduler.RetryPolicy {
	b := c.Scheduler.Backoff
	return scheduler.RetryPolicy{
		MaxRetries:          c.Scheduler.MaxRetries,
		InitialInterval:     b.InitialInterval,
		MaxInterval:         b.MaxInterval,
		Multiplier:          b.Multiplier,
		RandomizationFactor: b.RandomizationFactor,
	}
}

// BreakerConfig converts the breaker settings.
func (c *OrchestratorConfig) BreakerConfig() scheduler.BreakerConfig {
	b := c.Scheduler.Breaker
	return scheduler.BreakerConfig{
		Enabled:             b.Enabled,
		ConsecutiveFailures: b.ConsecutiveFailures,
		OpenTimeout:         b.OpenTimeout,
		HalfOpenRequests:    1,
	}
}

// ClassifierOptions converts the classifier settings.
func (c *OrchestratorConfig) ClassifierOptions() classifier.Options {
	return classifier.Options{
		TopN:          c.Classifier.TopN,
		MinScore:      c.Classifier.MinScore,
		MinConfidence: c.Classifier.MinConfidence,
	}
}

// PlannerOptions converts the planner settings. Validate has already
// accepted MaxComplexity.
func (c *OrchestratorConfig) PlannerOptions() planner.Options {
	ceiling, _ := catalog.ParseComplexity(c.Planner.MaxComplexity)
	return planner.Options{
		MaxComplexity: ceiling,
		MaxTasks:      c.Planner.MaxTasks,
		MaxRetries:    c.Scheduler.MaxRetries,
		TaskTimeout:   c.Scheduler.TaskTimeout,
	}
}

// LogLevel parses log.level.
func (c *OrchestratorConfig) LogLevel() (slog.Level, error) {
	var level slog.Level
	if c.Log.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("%w: log.level %q", ErrInvalidConfig, c.Log.Level)
	}
	return level, nil
}
