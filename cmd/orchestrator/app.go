package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aristath/taskpilot/internal/backend"
	"github.com/aristath/taskpilot/internal/catalog"
	"github.com/aristath/taskpilot/internal/classifier"
	"github.com/aristath/taskpilot/internal/config"
	"github.com/aristath/taskpilot/internal/dispatcher"
	"github.com/aristath/taskpilot/internal/events"
	"github.com/aristath/taskpilot/internal/invoker"
	"github.com/aristath/taskpilot/internal/persistence"
	"github.com/aristath/taskpilot/internal/planner"
	"github.com/aristath/taskpilot/internal/scheduler"
)

// appOptions selects how the process is wired.
type appOptions struct {
	DryRun      bool
	DryRunDelay time.Duration
	// LogFile sends logs to a file next to the database instead of stderr,
	// so they do not draw over the TUI.
	LogFile bool
	// NoStore skips opening the session database.
	NoStore bool
	// TokenBudget overrides the configured budget when positive.
	TokenBudget int
}

// app holds everything one command needs.
type app struct {
	cfg     *config.OrchestratorConfig
	logger  *slog.Logger
	catalog *catalog.Catalog
	store   *persistence.SQLiteStore
	pm      *backend.ProcessManager
	bus     *events.EventBus
	disp    *dispatcher.Dispatcher

	logOut io.Closer
}

// loadConfig applies the persistent flags on top of the merged config.
func loadConfig() (*config.OrchestratorConfig, error) {
	globalPath, err := config.GlobalPath()
	if err != nil {
		return nil, err
	}
	projectPath := config.ProjectPath()
	if flagConfig != "" {
		projectPath = flagConfig
	}

	cfg, err := config.Load(globalPath, projectPath)
	if err != nil {
		return nil, err
	}
	if flagCatalog != "" {
		cfg.Catalog.Path = flagCatalog
	}
	if flagDB != "" {
		cfg.Storage.Path = flagDB
	}
	if flagLog != "" {
		cfg.Log.Level = flagLog
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg *config.OrchestratorConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.TokenBudget > 0 {
		cfg.Dispatcher.TokenBudget = opts.TokenBudget
	}

	a := &app{cfg: cfg, pm: backend.NewProcessManager(), bus: events.NewEventBus()}

	var logOut io.Writer = os.Stderr
	if opts.LogFile {
		path := filepath.Join(filepath.Dir(cfg.Storage.Path), "orchestrator.log")
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		a.logOut = f
		logOut = f
	}
	if a.logger, err = newLogger(cfg, logOut); err != nil {
		a.close()
		return nil, err
	}
	slog.SetDefault(a.logger)

	if a.catalog, err = catalog.Load(cfg.Catalog.Path); err != nil {
		a.close()
		return nil, err
	}

	if !opts.NoStore {
		if a.store, err = persistence.NewSQLiteStore(ctx, cfg.Storage.Path); err != nil {
			a.close()
			return nil, fmt.Errorf("open session store: %w", err)
		}
	}

	capability, err := a.capability(opts)
	if err != nil {
		a.close()
		return nil, err
	}

	dcfg := dispatcher.Config{
		Catalog:    a.catalog,
		Classifier: classifier.New(a.catalog, cfg.ClassifierOptions(), a.logger),
		Planner:    planner.New(a.catalog, cfg.PlannerOptions(), a.logger),
		Bus:        a.bus,
		Logger:     a.logger,
		Scheduler: scheduler.Config{
			Invoker:                invoker.New(capability, a.logger),
			Concurrency:            cfg.Scheduler.Concurrency,
			MaxConcurrency:         cfg.Scheduler.MaxConcurrency,
			Retry:                  cfg.RetryPolicy(),
			Breaker:                cfg.BreakerConfig(),
			BudgetWarningThreshold: cfg.Scheduler.BudgetWarningThreshold,
			DefaultTimeout:         cfg.Scheduler.TaskTimeout,
		},
		TokenBudget:     cfg.Dispatcher.TokenBudget,
		SlippageFactor:  cfg.Dispatcher.SlippageFactor,
		MonitorInterval: cfg.Dispatcher.MonitorInterval,
		MaxRemediations: cfg.Dispatcher.MaxRemediations,
	}
	// A nil *SQLiteStore must not become a non-nil interface
	if a.store != nil {
		dcfg.Store = a.store
	}
	if a.disp, err = dispatcher.New(dcfg); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) capability(opts appOptions) (invoker.Capability, error) {
	if opts.DryRun {
		return &backend.DryRun{Delay: opts.DryRunDelay}, nil
	}
	resolved, err := a.cfg.Commands()
	if err != nil {
		return nil, err
	}
	commands := make(map[string]backend.Command, len(resolved))
	for agentType, c := range resolved {
		commands[agentType] = backend.Command{Command: c.Command, Args: c.Args, Env: c.Env, Dir: c.Dir}
	}
	return backend.NewProcessAgent(commands, a.pm, a.logger)
}

// requestContext builds the classifier hints from the --context and
// --category flags. A forced category must be custom or have a template.
func (a *app) requestContext(extra, category string) (classifier.RequestContext, error) {
	rc := classifier.RequestContext{Extra: extra, Category: catalog.Category(category)}
	if category == "" || rc.Category == catalog.CategoryCustom {
		return rc, nil
	}
	if _, ok := a.catalog.Template(rc.Category); ok {
		return rc, nil
	}
	valid := []string{string(catalog.CategoryCustom)}
	for c := range a.catalog.Templates {
		valid = append(valid, string(c))
	}
	sort.Strings(valid)
	return rc, fmt.Errorf("unknown category %q (valid: %s)", category, strings.Join(valid, ", "))
}

// close kills leftover agent processes and releases resources.
func (a *app) close() {
	if a.pm != nil {
		if err := a.pm.KillAll(); err != nil && a.logger != nil {
			a.logger.Warn("cannot kill agent processes", "error", err)
		}
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.logOut != nil {
		a.logOut.Close()
	}
}
