package config

import (
	"time"

	"github.com/spf13/viper"
)

// DefaultConfig returns the default configuration with built-in providers.
// Every agent type not listed under agents runs on the "default" entry.
func DefaultConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		Scheduler: SchedulerConfig{
			Concurrency:            4,
			MaxConcurrency:         8,
			MaxRetries:             3,
			BudgetWarningThreshold: 0.8,
			Backoff: BackoffConfig{
				InitialInterval:     time.Second,
				MaxInterval:         30 * time.Second,
				Multiplier:          2.0,
				RandomizationFactor: 0.5,
			},
			Breaker: BreakerConfig{
				Enabled:             true,
				ConsecutiveFailures: 5,
				OpenTimeout:         30 * time.Second,
			},
		},
		Classifier: ClassifierConfig{
			TopN:          5,
			MinScore:      1.0,
			MinConfidence: 0.2,
		},
		Planner: PlannerConfig{
			MaxComplexity: "complex",
			MaxTasks:      24,
		},
		Dispatcher: DispatcherConfig{
			SlippageFactor:  1.2,
			MonitorInterval: 30 * time.Second,
			MaxRemediations: 2,
		},
		Storage: StorageConfig{
			Path: ".orchestrator/sessions.db",
		},
		Providers: map[string]ProviderConfig{
			"claude": {
				Command: "claude",
				Args:    []string{"-p", "{prompt}", "--output-format", "json"},
			},
			"codex": {
				Command: "codex",
				Args:    []string{"exec", "{prompt}"},
			},
			"goose": {
				Command: "goose",
				Args:    []string{"run", "--text", "{prompt}"},
			},
		},
		Agents: map[string]AgentConfig{
			"default": {Provider: "claude"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// setDefaults registers every default with v so that environment variables
// can override keys no file mentions.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("scheduler.concurrency", d.Scheduler.Concurrency)
	v.SetDefault("scheduler.max_concurrency", d.Scheduler.MaxConcurrency)
	v.SetDefault("scheduler.max_retries", d.Scheduler.MaxRetries)
	v.SetDefault("scheduler.task_timeout", d.Scheduler.TaskTimeout)
	v.SetDefault("scheduler.budget_warning_threshold", d.Scheduler.BudgetWarningThreshold)
	v.SetDefault("scheduler.backoff.initial_interval", d.Scheduler.Backoff.InitialInterval)
	v.SetDefault("scheduler.backoff.max_interval", d.Scheduler.Backoff.MaxInterval)
	v.SetDefault("scheduler.backoff.multiplier", d.Scheduler.Backoff.Multiplier)
	v.SetDefault("scheduler.backoff.randomization_factor", d.Scheduler.Backoff.RandomizationFactor)
	v.SetDefault("scheduler.breaker.enabled", d.Scheduler.Breaker.Enabled)
	v.SetDefault("scheduler.breaker.consecutive_failures", d.Scheduler.Breaker.ConsecutiveFailures)
	v.SetDefault("scheduler.breaker.open_timeout", d.Scheduler.Breaker.OpenTimeout)

	v.SetDefault("classifier.top_n", d.Classifier.TopN)
	v.SetDefault("classifier.min_score", d.Classifier.MinScore)
	v.SetDefault("classifier.min_confidence", d.Classifier.MinConfidence)

	v.SetDefault("planner.max_complexity", d.Planner.MaxComplexity)
	v.SetDefault("planner.max_tasks", d.Planner.MaxTasks)

	v.SetDefault("dispatcher.slippage_factor", d.Dispatcher.SlippageFactor)
	v.SetDefault("dispatcher.monitor_interval", d.Dispatcher.MonitorInterval)
	v.SetDefault("dispatcher.max_remediations", d.Dispatcher.MaxRemediations)
	v.SetDefault("dispatcher.token_budget", d.Dispatcher.TokenBudget)

	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("catalog.path", d.Catalog.Path)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	for name, p := range d.Providers {
		v.SetDefault("providers."+name+".command", p.Command)
		v.SetDefault("providers."+name+".args", p.Args)
	}
	for name, a := range d.Agents {
		v.SetDefault("agents."+name+".provider", a.Provider)
	}
}
