package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
)

// newCommand creates an exec.Cmd with process group isolation.
// The subprocess gets its own process group so that cancelling ctx kills the
// whole tree, not just the immediate child.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}
	return cmd
}

// maxOutput caps how much of each stream an agent call keeps. The rest is
// read and discarded so the child never blocks on a full pipe.
var maxOutput = 16 << 20

// stderrTail is how much stderr a failure message quotes.
const stderrTail = 1024

// cappedBuffer keeps the first limit bytes written to it. It exposes only
// Write, so io.Copy cannot bypass the cap through ReadFrom.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room < len(p) {
		b.truncated = true
		if room > 0 {
			b.buf.Write(p[:room])
		}
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) Bytes() []byte {
	return b.buf.Bytes()
}

// executeCommand runs an agent command with stdin as its input and returns
// stdout and stderr, each capped at maxOutput. Both pipes are drained
// concurrently before cmd.Wait. A non-nil pm tracks the process while it
// runs.
func executeCommand(ctx context.Context, cmd *exec.Cmd, pm *ProcessManager, stdin io.Reader) (stdout []byte, stderr []byte, err error) {
	if stdin != nil {
		cmd.Stdin = stdin
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start command: %w", err)
	}
	if pm != nil {
		pm.Track(cmd)
		defer pm.Untrack(cmd)
	}

	var wg sync.WaitGroup
	stdoutBuf := &cappedBuffer{limit: maxOutput}
	stderrBuf := &cappedBuffer{limit: maxOutput}
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(stdoutBuf, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(stderrBuf, stderrPipe)
	}()

	// Pipes must be drained before Wait closes them
	wg.Wait()
	waitErr := cmd.Wait()

	stdout = stdoutBuf.Bytes()
	stderr = stderrBuf.Bytes()

	if waitErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stdout, stderr, fmt.Errorf("agent command interrupted: %w", ctxErr)
		}
		if tail := bytes.TrimSpace(stderr); len(tail) > 0 {
			if len(tail) > stderrTail {
				tail = tail[len(tail)-stderrTail:]
			}
			return stdout, stderr, fmt.Errorf("agent command failed: %w (stderr: %s)", waitErr, tail)
		}
		return stdout, stderr, fmt.Errorf("agent command failed: %w", waitErr)
	}
	if stdoutBuf.truncated {
		return stdout, stderr, fmt.Errorf("agent output exceeds %d bytes", maxOutput)
	}
	return stdout, stderr, nil
}

// killProcessGroup kills the entire process group associated with the command.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}

	// Negative PID signals the whole group
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill process group: %w", err)
	}
	return nil
}

// ProcessManager tracks every running agent subprocess so a shutdown can
// terminate them all. The CLI calls KillAll when a command exits.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates a new ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{
		procs: make(map[int]*exec.Cmd),
	}
}

// Track registers a started subprocess.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack removes a subprocess once it has been waited for.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll terminates all tracked subprocess groups.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid, cmd := range pm.procs {
		// An already exited group is not an error
		if err := killProcessGroup(cmd); err != nil && !errors.Is(err, syscall.ESRCH) {
			errs = append(errs, fmt.Errorf("agent process %d: %w", pid, err))
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of currently tracked processes.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
