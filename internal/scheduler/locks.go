package scheduler

import "sync"

// AgentLocks provides per-agent-type exclusion for non-reentrant agents.
// Uses a keyed pattern: each agent type gets its own slot, so different agent
// types run side by side while a second task of a held type must wait.
// Acquisition never blocks; the scheduler skips a task whose key is held and
// retries it on the next dispatch pass.
type AgentLocks struct {
	mu      sync.Mutex        // Guards the holders map itself
	holders map[string]string // agent type -> task ID holding it
	waits   map[string]int    // agent type -> failed acquisitions, for diagnostics
}

// NewAgentLocks creates a new AgentLocks.
func NewAgentLocks() *AgentLocks {
	return &AgentLocks{
		holders: make(map[string]string),
		waits:   make(map[string]int),
	}
}

// TryAcquire claims agentType for taskID. Returns false if another task holds it.
// Re-acquiring a key already held by the same task succeeds.
func (l *AgentLocks) TryAcquire(agentType, taskID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if holder, held := l.holders[agentType]; held && holder != taskID {
		l.waits[agentType]++
		return false
	}
	l.holders[agentType] = taskID
	return true
}

// Release frees agentType if taskID holds it.
func (l *AgentLocks) Release(agentType, taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holders[agentType] == taskID {
		delete(l.holders, agentType)
	}
}

// Holder returns the task currently holding agentType.
func (l *AgentLocks) Holder(agentType string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id, ok := l.holders[agentType]
	return id, ok
}

// Waits returns how many acquisitions of each agent type were refused.
func (l *AgentLocks) Waits() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]int, len(l.waits))
	for k, n := range l.waits {
		out[k] = n
	}
	return out
}
