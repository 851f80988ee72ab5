package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/aristath/taskpilot/internal/backend"
	"github.com/aristath/taskpilot/internal/classifier"
	"github.com/aristath/taskpilot/internal/config"
	"github.com/aristath/taskpilot/internal/dispatcher"
	"github.com/aristath/taskpilot/internal/persistence"
	"github.com/aristath/taskpilot/internal/scheduler"
)

// isolate points every config lookup at a temp dir and resets the
// persistent flags afterwards.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	color.NoColor = true

	saved := [...]string{flagConfig, flagCatalog, flagDB, flagLog}
	t.Cleanup(func() {
		flagConfig, flagCatalog, flagDB, flagLog = saved[0], saved[1], saved[2], saved[3]
	})
	flagConfig = filepath.Join(dir, "project.yaml")
	flagCatalog = ""
	flagDB = filepath.Join(dir, "sessions.db")
	flagLog = ""
	return dir
}

// TestAppCloseKillsAgentProcesses verifies that shutting the app down
// terminates tracked agent processes.
func TestAppCloseKillsAgentProcesses(t *testing.T) {
	pm := backend.NewProcessManager()

	cmd := exec.Command("sleep", "60")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start subprocess: %v", err)
	}
	pm.Track(cmd)
	defer pm.Untrack(cmd)

	a := &app{pm: pm}
	a.close()

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected process to be killed (non-zero exit), got nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Process did not terminate after close()")
	}
}

// TestSignalContextCancellation verifies that signal.NotifyContext produces
// a context that cancels correctly when a signal is received.
func TestSignalContextCancellation(t *testing.T) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGUSR1)
	defer stop()

	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("Failed to send SIGUSR1: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("Context did not cancel after SIGUSR1")
	}
	if err := ctx.Err(); err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestLoadConfigFlagOverrides(t *testing.T) {
	dir := isolate(t)
	yaml := "scheduler:\n  concurrency: 2\nlog:\n  level: warn\n"
	if err := os.WriteFile(flagConfig, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	flagLog = "debug"
	flagCatalog = filepath.Join(dir, "catalog.yaml")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Scheduler.Concurrency != 2 {
		t.Errorf("Concurrency = %d, want 2 from project file", cfg.Scheduler.Concurrency)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want flag value debug", cfg.Log.Level)
	}
	if cfg.Storage.Path != flagDB {
		t.Errorf("Storage.Path = %q, want %q", cfg.Storage.Path, flagDB)
	}
	if cfg.Catalog.Path != flagCatalog {
		t.Errorf("Catalog.Path = %q, want %q", cfg.Catalog.Path, flagCatalog)
	}
}

func TestLoadConfigRejectsBadLogLevel(t *testing.T) {
	isolate(t)
	flagLog = "loud"

	_, err := loadConfig()
	if !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("loadConfig() error = %v, want ErrInvalidConfig", err)
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		format string
		want   string
	}{
		{"text", "text", "msg=hello"},
		{"json", "json", `"msg":"hello"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Log.Format = tt.format

			var buf bytes.Buffer
			logger, err := newLogger(cfg, &buf)
			if err != nil {
				t.Fatalf("newLogger() error = %v", err)
			}
			logger.Debug("hidden")
			logger.Info("hello")

			out := buf.String()
			if !strings.Contains(out, tt.want) {
				t.Errorf("output %q does not contain %q", out, tt.want)
			}
			if strings.Contains(out, "hidden") {
				t.Errorf("debug line written at info level: %q", out)
			}
		})
	}
}

func reportWith(fn func(r *scheduler.Report)) *dispatcher.ExecutionReport {
	r := &scheduler.Report{SessionID: "s1"}
	fn(r)
	return &dispatcher.ExecutionReport{Report: r}
}

func TestSummaryLine(t *testing.T) {
	tests := []struct {
		name   string
		report *dispatcher.ExecutionReport
		want   string
	}{
		{"nil", nil, ""},
		{"finished", reportWith(func(r *scheduler.Report) {
			r.Completed = []scheduler.TaskOutcome{{ID: "a"}, {ID: "b"}}
			r.TokensUsed = 40
		}), "finished: 2 completed, 0 failed, 0 cancelled, 40 tokens"},
		{"failures", reportWith(func(r *scheduler.Report) {
			r.Failed = []scheduler.TaskOutcome{{ID: "a"}}
		}), "finished with failures: 0 completed, 1 failed, 0 cancelled, 0 tokens"},
		{"interrupted", reportWith(func(r *scheduler.Report) {
			r.Interrupted = true
		}), "interrupted: 0 completed, 0 failed, 0 cancelled, 0 tokens"},
		{"abandoned", reportWith(func(r *scheduler.Report) {
			r.Abandoned = true
			r.Interrupted = true
		}), "abandoned: 0 completed, 0 failed, 0 cancelled, 0 tokens"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := summaryLine(tt.report); got != tt.want {
				t.Errorf("summaryLine() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPrintReport(t *testing.T) {
	color.NoColor = true
	r := reportWith(func(r *scheduler.Report) {
		r.Completed = []scheduler.TaskOutcome{{ID: "a"}}
		r.Failed = []scheduler.TaskOutcome{{ID: "b", AgentType: "developer", RetryCount: 3,
			Errors: []scheduler.ErrorRecord{{Message: "agent\nexploded"}}}}
		r.Pending = []scheduler.TaskOutcome{{ID: "c"}}
		r.Interrupted = true
		r.AddError(scheduler.KindRetriesExhausted, "b", "gave up")
		r.Summary.Recommendations = []string{"review escalated tasks: [b]"}
		r.Summary.TokenUsage = map[string]scheduler.TokenUsage{"developer": {Estimated: 8000, Charged: 16000}}
	})

	var buf bytes.Buffer
	printReport(&buf, r)
	out := buf.String()
	for _, want := range []string{
		"Session s1",
		"1 completed",
		"1 failed",
		"1 pending",
		"✗ b (developer, 3 retries)",
		"agent exploded",
		"RetriesExhausted (1)",
		"review escalated tasks",
		"Token usage",
		"16000 charged /    8000 estimated  (50%)",
		"orchestrator resume s1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}

func TestFinish(t *testing.T) {
	color.NoColor = true
	old := os.Stdout
	devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer devnull.Close()
	os.Stdout = devnull
	defer func() { os.Stdout = old }()

	ok := reportWith(func(r *scheduler.Report) { r.Completed = []scheduler.TaskOutcome{{ID: "a"}} })
	if err := finish(ok, nil); err != nil {
		t.Errorf("finish(succeeded) = %v, want nil", err)
	}

	failed := reportWith(func(r *scheduler.Report) { r.Failed = []scheduler.TaskOutcome{{ID: "a"}} })
	if err := finish(failed, nil); !errors.Is(err, errRunIncomplete) {
		t.Errorf("finish(failed) = %v, want errRunIncomplete", err)
	}

	boom := errors.New("boom")
	if err := finish(nil, boom); !errors.Is(err, boom) {
		t.Errorf("finish(nil, boom) = %v, want boom", err)
	}
}

func TestRequestContextCategory(t *testing.T) {
	isolate(t)

	a, err := newApp(context.Background(), appOptions{DryRun: true, NoStore: true})
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	defer a.close()

	tests := []struct {
		category string
		wantErr  bool
	}{
		{"", false},
		{"custom", false},
		{"security-audit", false},
		{"development", false},
		{"analytics", true},
		{"Development", true},
	}
	for _, tt := range tests {
		t.Run(tt.category, func(t *testing.T) {
			rc, err := a.requestContext("go service", tt.category)
			if tt.wantErr {
				if err == nil || !strings.Contains(err.Error(), "valid: custom, development") {
					t.Fatalf("requestContext(%q) error = %v, want list of valid categories", tt.category, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("requestContext(%q) error = %v", tt.category, err)
			}
			if string(rc.Category) != tt.category || rc.Extra != "go service" {
				t.Errorf("requestContext(%q) = %+v", tt.category, rc)
			}
		})
	}
}

func TestClassifyPreview(t *testing.T) {
	isolate(t)

	a, err := newApp(context.Background(), appOptions{DryRun: true, NoStore: true})
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	defer a.close()

	if a.store != nil {
		t.Error("store opened with NoStore")
	}

	plan, err := a.disp.Preview("implement secure login with tests", classifier.RequestContext{})
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}

	var text bytes.Buffer
	printPlan(&text, plan)
	for _, want := range []string{"security-audit", "moderate", "Strategy:    template", "Tasks"} {
		if !strings.Contains(text.String(), want) {
			t.Errorf("plan output missing %q:\n%s", want, text.String())
		}
	}

	var js bytes.Buffer
	if err := writePlanJSON(&js, plan); err != nil {
		t.Fatalf("writePlanJSON() error = %v", err)
	}
	var view planView
	if err := json.Unmarshal(js.Bytes(), &view); err != nil {
		t.Fatalf("plan JSON does not decode: %v", err)
	}
	if view.Analysis.Category != "security-audit" {
		t.Errorf("JSON category = %q, want security-audit", view.Analysis.Category)
	}
	if len(view.Tasks) != len(plan.Tasks) || len(view.Tasks) == 0 {
		t.Errorf("JSON has %d tasks, plan has %d", len(view.Tasks), len(plan.Tasks))
	}
}

func TestDryRunDispatchHeadless(t *testing.T) {
	isolate(t)

	a, err := newApp(context.Background(), appOptions{DryRun: true, DryRunDelay: time.Millisecond, TokenBudget: 10_000_000})
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	defer a.close()

	report, err := a.disp.Dispatch(context.Background(), "implement secure login with tests", classifier.RequestContext{})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if !report.Succeeded() {
		t.Fatalf("dry run did not succeed: %s", summaryLine(report))
	}

	list, err := a.store.ListSessions(context.Background(), persistence.ListOptions{IncludeArchived: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != report.SessionID || !list[0].Archived {
		t.Errorf("ListSessions() = %+v, want one archived session %s", list, report.SessionID)
	}
}
