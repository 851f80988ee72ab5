package config

import "time"

// ProviderConfig defines a transport layer: the CLI command and the args
// every invocation gets. Several agent types can share one provider.
type ProviderConfig struct {
	Command string   `mapstructure:"command" yaml:"command"`
	Args    []string `mapstructure:"args" yaml:"args,omitempty"`
}

// AgentConfig defines how one agent type is run. A non-empty Command runs
// directly; otherwise Provider names the transport and Args are appended to
// the provider's.
type AgentConfig struct {
	Provider string   `mapstructure:"provider" yaml:"provider,omitempty"`
	Command  string   `mapstructure:"command" yaml:"command,omitempty"`
	Args     []string `mapstructure:"args" yaml:"args,omitempty"`
	Env      []string `mapstructure:"env" yaml:"env,omitempty"`
	Dir      string   `mapstructure:"dir" yaml:"dir,omitempty"`
}

// BackoffConfig shapes the delay between retries of one task.
type BackoffConfig struct {
	InitialInterval     time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval         time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	Multiplier          float64       `mapstructure:"multiplier" yaml:"multiplier"`
	RandomizationFactor float64       `mapstructure:"randomization_factor" yaml:"randomization_factor"`
}

// BreakerConfig configures the per-agent-type circuit breakers.
type BreakerConfig struct {
	Enabled             bool          `mapstructure:"enabled" yaml:"enabled"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures" yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `mapstructure:"open_timeout" yaml:"open_timeout"`
}

// SchedulerConfig holds worker pool, retry and budget settings.
type SchedulerConfig struct {
	Concurrency            int           `mapstructure:"concurrency" yaml:"concurrency"`
	MaxConcurrency         int           `mapstructure:"max_concurrency" yaml:"max_concurrency"`
	MaxRetries             int           `mapstructure:"max_retries" yaml:"max_retries"`
	TaskTimeout            time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"` // 0 keeps the per-task estimate
	BudgetWarningThreshold float64       `mapstructure:"budget_warning_threshold" yaml:"budget_warning_threshold"`
	Backoff                BackoffConfig `mapstructure:"backoff" yaml:"backoff"`
	Breaker                BreakerConfig `mapstructure:"breaker" yaml:"breaker"`
}

// ClassifierConfig holds scoring thresholds.
type ClassifierConfig struct {
	TopN          int     `mapstructure:"top_n" yaml:"top_n"`
	MinScore      float64 `mapstructure:"min_score" yaml:"min_score"`
	MinConfidence float64 `mapstructure:"min_confidence" yaml:"min_confidence"`
}

// PlannerConfig bounds plan size.
type PlannerConfig struct {
	MaxComplexity string `mapstructure:"max_complexity" yaml:"max_complexity"`
	MaxTasks      int    `mapstructure:"max_tasks" yaml:"max_tasks"`
}

// DispatcherConfig holds adaptive monitoring settings.
type DispatcherConfig struct {
	SlippageFactor  float64       `mapstructure:"slippage_factor" yaml:"slippage_factor"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval" yaml:"monitor_interval"`
	MaxRemediations int           `mapstructure:"max_remediations" yaml:"max_remediations"`
	TokenBudget     int           `mapstructure:"token_budget" yaml:"token_budget"` // 0 uses the classifier's estimate
}

// StorageConfig locates the session database.
type StorageConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// CatalogConfig locates an optional catalog override file.
type CatalogConfig struct {
	Path string `mapstructure:"path" yaml:"path,omitempty"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // "text" or "json"
}

// OrchestratorConfig is the top-level configuration.
type OrchestratorConfig struct {
	Scheduler  SchedulerConfig           `mapstructure:"scheduler" yaml:"scheduler"`
	Classifier ClassifierConfig          `mapstructure:"classifier" yaml:"classifier"`
	Planner    PlannerConfig             `mapstructure:"planner" yaml:"planner"`
	Dispatcher DispatcherConfig          `mapstructure:"dispatcher" yaml:"dispatcher"`
	Storage    StorageConfig             `mapstructure:"storage" yaml:"storage"`
	Catalog    CatalogConfig             `mapstructure:"catalog" yaml:"catalog"`
	Providers  map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`
	Agents     map[string]AgentConfig    `mapstructure:"agents" yaml:"agents"`
	Log        LogConfig                 `mapstructure:"log" yaml:"log"`
}
