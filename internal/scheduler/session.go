package scheduler

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSessionCorrupted is wrapped by every restore failure.
var ErrSessionCorrupted = errors.New("session corrupted")

// Milestones are the progress percentages that trigger a checkpoint.
var Milestones = []int{25, 50, 75, 100}

// PhaseFor returns the checkpoint label for a progress percentage.
func PhaseFor(progress float64) string {
	switch {
	case progress >= 100:
		return "complete"
	case progress >= 75:
		return "integration"
	case progress >= 50:
		return "validation"
	case progress >= 25:
		return "implementation"
	default:
		return "discovery"
	}
}

// NewSessionID returns a fresh session identifier.
func NewSessionID() string {
	return "sess_" + uuid.NewString()
}

// Session is the full state of one orchestrated request. The scheduler is
// its only writer; the accessors are safe to call from other goroutines.
type Session struct {
	ID                string
	Request           string
	Category          string
	TokenBudget       int // 0 means unlimited
	// Extra and ForcedCategory are the caller hints the request was
	// classified with; resuming re-plans with the same hints.
	Extra             string
	ForcedCategory    string
	EstimatedDuration time.Duration
	CreatedAt         time.Time
	DAG               *DAG

	mu               sync.RWMutex
	phase            string
	progress         float64
	tokensUsed       int
	milestones       map[int]bool
	lastCheckpointAt time.Time
}

// NewSession creates a session over dag with a fresh ID.
func NewSession(request string, dag *DAG, tokenBudget int) *Session {
	return &Session{
		ID:          NewSessionID(),
		Request:     request,
		TokenBudget: tokenBudget,
		CreatedAt:   time.Now().UTC(),
		DAG:         dag,
		phase:       PhaseFor(0),
		milestones:  make(map[int]bool),
	}
}

// Phase returns the current checkpoint label.
func (s *Session) Phase() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Progress returns overall progress in [0, 100]. It never decreases.
func (s *Session) Progress() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.progress
}

// TokensUsed returns the tokens charged so far.
func (s *Session) TokensUsed() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokensUsed
}

// LastCheckpointAt returns when a checkpoint was last persisted.
func (s *Session) LastCheckpointAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCheckpointAt
}

// Milestones returns the milestones already crossed, ascending.
func (s *Session) Milestones() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.crossed()
}

func (s *Session) crossed() []int {
	out := make([]int, 0, len(s.milestones))
	for m := range s.milestones {
		out = append(out, m)
	}
	sort.Ints(out)
	return out
}

// NextMilestones returns the milestones not yet crossed, ascending.
func (s *Session) NextMilestones() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []int
	for _, m := range Milestones {
		if !s.milestones[m] {
			out = append(out, m)
		}
	}
	return out
}

func (s *Session) addTokens(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokensUsed += n
	return s.tokensUsed
}

// advance recomputes progress from the DAG, keeping it monotonic, and
// returns the milestones crossed for the first time.
func (s *Session) advance() []int {
	computed := s.DAG.Progress()

	s.mu.Lock()
	defer s.mu.Unlock()

	if computed > s.progress {
		s.progress = computed
	}
	var crossed []int
	for _, m := range Milestones {
		if s.progress >= float64(m) && !s.milestones[m] {
			s.milestones[m] = true
			crossed = append(crossed, m)
		}
	}
	s.phase = PhaseFor(s.progress)
	return crossed
}

func (s *Session) markCheckpoint(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCheckpointAt = at
}

// Snapshot is the persisted form of a Session.
type Snapshot struct {
	SessionID         string        `json:"session_id"`
	Request           string        `json:"request"`
	Category          string        `json:"category"`
	Extra             string        `json:"extra,omitempty"`
	ForcedCategory    string        `json:"forced_category,omitempty"`
	Phase             string        `json:"phase"`
	Progress          float64       `json:"progress"`
	TokenBudget       int           `json:"token_budget"`
	TokensUsed        int           `json:"tokens_used"`
	Milestones        []int         `json:"milestones"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	CreatedAt         time.Time     `json:"created_at"`
	LastCheckpointAt  time.Time     `json:"last_checkpoint_at"`
	Tasks             []Task        `json:"tasks"` // Insertion order
}

// Snapshot captures the session. Safe to call while the scheduler runs.
func (s *Session) Snapshot() *Snapshot {
	tasks := s.DAG.Tasks()

	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{
		SessionID:         s.ID,
		Request:           s.Request,
		Category:          s.Category,
		Extra:             s.Extra,
		ForcedCategory:    s.ForcedCategory,
		Phase:             s.phase,
		Progress:          s.progress,
		TokenBudget:       s.TokenBudget,
		TokensUsed:        s.tokensUsed,
		Milestones:        s.crossed(),
		EstimatedDuration: s.EstimatedDuration,
		CreatedAt:         s.CreatedAt,
		LastCheckpointAt:  s.lastCheckpointAt,
		Tasks:             make([]Task, len(tasks)),
	}
	for i, t := range tasks {
		snap.Tasks[i] = *t
	}
	return snap
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSessionCorrupted, fmt.Sprintf(format, args...))
}

// RestoreSession rebuilds a Session from snap after checking every invariant.
// A task recorded as Running lost its attempt and comes back Ready.
// Any violation returns an error wrapping ErrSessionCorrupted; nothing is repaired.
func RestoreSession(snap *Snapshot) (*Session, error) {
	if snap == nil {
		return nil, corrupt("nil snapshot")
	}
	if snap.SessionID == "" {
		return nil, corrupt("missing session id")
	}
	if math.IsNaN(snap.Progress) || snap.Progress < 0 || snap.Progress > 100 {
		return nil, corrupt("progress %.2f outside [0,100]", snap.Progress)
	}
	if snap.TokensUsed < 0 || snap.TokenBudget < 0 {
		return nil, corrupt("negative token counters (used %d, budget %d)", snap.TokensUsed, snap.TokenBudget)
	}

	validMilestone := make(map[int]bool, len(Milestones))
	for _, m := range Milestones {
		validMilestone[m] = true
	}
	crossed := make(map[int]bool, len(snap.Milestones))
	for _, m := range snap.Milestones {
		if !validMilestone[m] || float64(m) > snap.Progress {
			return nil, corrupt("milestone %d inconsistent with progress %.2f", m, snap.Progress)
		}
		crossed[m] = true
	}

	byID := make(map[string]*Task, len(snap.Tasks))
	batch := make([]*Task, 0, len(snap.Tasks))
	for i := range snap.Tasks {
		t := snap.Tasks[i]
		if t.MaxRetries < 0 || t.RetryCount < 0 || t.RetryCount > t.MaxRetries {
			return nil, corrupt("task %q retry count %d outside [0,%d]", t.ID, t.RetryCount, t.MaxRetries)
		}
		if t.Status == TaskFailed || t.Status < TaskPending || t.Status > TaskCancelled {
			return nil, corrupt("task %q has non-restorable status %s", t.ID, t.Status)
		}
		if t.Status == TaskCancelled && t.CancelReason == ReasonNone {
			return nil, corrupt("task %q cancelled without reason", t.ID)
		}
		if t.Status == TaskRunning {
			t.Status = TaskReady
			t.StartedAt = time.Time{}
		}
		cp := cloneTask(&t)
		byID[t.ID] = cp
		batch = append(batch, cp)
	}

	dag := NewDAG()
	if err := dag.AddTasks(batch); err != nil {
		return nil, corrupt("%v", err)
	}

	for _, t := range batch {
		for _, depID := range t.DependsOn {
			dep := byID[depID]
			switch {
			case (t.Status == TaskCompleted || t.Status == TaskReady) && dep.Status != TaskCompleted:
				return nil, corrupt("task %q is %s but dependency %q is %s", t.ID, t.Status, depID, dep.Status)
			case !t.Status.Terminal() && dep.Status == TaskCancelled:
				return nil, corrupt("task %q is %s but dependency %q was cancelled", t.ID, t.Status, depID)
			}
		}
	}

	if computed := dag.Progress(); snap.Progress+1e-9 < computed {
		return nil, corrupt("stored progress %.2f below completed weight %.2f", snap.Progress, computed)
	}

	return &Session{
		ID:                snap.SessionID,
		Request:           snap.Request,
		Category:          snap.Category,
		Extra:             snap.Extra,
		ForcedCategory:    snap.ForcedCategory,
		TokenBudget:       snap.TokenBudget,
		EstimatedDuration: snap.EstimatedDuration,
		CreatedAt:         snap.CreatedAt,
		DAG:               dag,
		phase:             PhaseFor(snap.Progress),
		progress:          snap.Progress,
		tokensUsed:        snap.TokensUsed,
		milestones:        crossed,
		lastCheckpointAt:  snap.LastCheckpointAt,
	}, nil
}
