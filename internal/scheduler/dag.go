package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/toposort"
)

// ErrCycle is wrapped by every error caused by a dependency cycle.
var ErrCycle = errors.New("dependency cycle")

// DAG represents a directed acyclic graph of tasks.
// Tasks are kept in insertion order so every listing is deterministic.
type DAG struct {
	mu         sync.RWMutex
	tasks      map[string]*Task    // All tasks indexed by ID
	order      []string            // Insertion order
	dependents map[string][]string // Maps taskID -> list of tasks that depend on it
}

// NewDAG creates an empty DAG.
func NewDAG() *DAG {
	return &DAG{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
	}
}

// AddTask adds a task to the DAG. Returns error if task ID already exists.
// Dependencies are not checked until Validate.
func (d *DAG) AddTask(task *Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %q already exists", task.ID)
	}
	d.insert(cloneTask(task))
	return nil
}

func (d *DAG) insert(task *Task) {
	d.tasks[task.ID] = task
	d.order = append(d.order, task.ID)

	// Build dependents map for efficient downstream lookup
	for _, depID := range task.DependsOn {
		d.dependents[depID] = append(d.dependents[depID], task.ID)
	}
}

// AddTasks adds a batch atomically: either every task is added or none is.
// IDs must be new, every dependency must exist in the graph or the batch,
// and the combined graph must stay acyclic.
func (d *DAG) AddTasks(batch []*Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	incoming := make(map[string]*Task, len(batch))
	for _, t := range batch {
		if t.ID == "" {
			return fmt.Errorf("task with empty ID")
		}
		if _, exists := d.tasks[t.ID]; exists {
			return fmt.Errorf("task with ID %q already exists", t.ID)
		}
		if _, dup := incoming[t.ID]; dup {
			return fmt.Errorf("task ID %q repeated in batch", t.ID)
		}
		incoming[t.ID] = t
	}
	for _, t := range batch {
		for _, depID := range t.DependsOn {
			_, inGraph := d.tasks[depID]
			_, inBatch := incoming[depID]
			if !inGraph && !inBatch {
				return fmt.Errorf("task %q depends on non-existent task %q", t.ID, depID)
			}
		}
	}

	combined := make([]*Task, 0, len(d.order)+len(batch))
	for _, id := range d.order {
		combined = append(combined, d.tasks[id])
	}
	combined = append(combined, batch...)
	if _, err := sortTasks(combined); err != nil {
		return err
	}

	for _, t := range batch {
		d.insert(cloneTask(t))
	}
	return nil
}

// Validate runs topological sort using gammazero/toposort.
// Returns ordered task IDs or error if cycle detected.
// Also verifies all task IDs in DependsOn exist in the DAG.
func (d *DAG) Validate() ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	// First, verify all dependencies exist
	for _, taskID := range d.order {
		for _, depID := range d.tasks[taskID].DependsOn {
			if _, exists := d.tasks[depID]; !exists {
				return nil, fmt.Errorf("task %q depends on non-existent task %q", taskID, depID)
			}
		}
	}

	return sortTasks(d.list())
}

func sortTasks(tasks []*Task) ([]string, error) {
	// Build edges for topological sort
	var edges []toposort.Edge
	for _, task := range tasks {
		if len(task.DependsOn) == 0 {
			// Task with no dependencies - add edge from nil to ensure it's included
			edges = append(edges, toposort.Edge{nil, task.ID})
			continue
		}
		for _, depID := range task.DependsOn {
			if depID == task.ID {
				return nil, fmt.Errorf("task %q depends on itself: %w", task.ID, ErrCycle)
			}
			// Edge (depID, taskID) means depID must come before taskID
			edges = append(edges, toposort.Edge{depID, task.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCycle, err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	// Every task must appear; a missing one sits on a cycle unreachable from a root
	if len(order) < len(tasks) {
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		var missing []string
		for _, t := range tasks {
			if !found[t.ID] {
				missing = append(missing, t.ID)
			}
		}
		return nil, fmt.Errorf("%w: unsortable tasks %s", ErrCycle, strings.Join(missing, ", "))
	}

	return order, nil
}

// Promote moves every Pending task whose dependencies are all Completed and
// whose retry delay has elapsed to Ready. Returns the promoted IDs in
// insertion order.
func (d *DAG) Promote(now time.Time) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var promoted []string
	for _, id := range d.order {
		task := d.tasks[id]
		if task.Status != TaskPending || now.Before(task.NotBefore) {
			continue
		}
		if d.depsCompleted(task) {
			task.Status = TaskReady
			promoted = append(promoted, id)
		}
	}
	return promoted
}

func (d *DAG) depsCompleted(task *Task) bool {
	for _, depID := range task.DependsOn {
		dep, exists := d.tasks[depID]
		if !exists || dep.Status != TaskCompleted {
			return false
		}
	}
	return true
}

// ReadySet returns the IDs of Ready tasks in insertion order.
func (d *DAG) ReadySet() []string {
	return d.IDsWithStatus(TaskReady)
}

// IDsWithStatus returns the IDs of tasks in the given status, in insertion order.
func (d *DAG) IDsWithStatus(status TaskStatus) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ids []string
	for _, id := range d.order {
		if d.tasks[id].Status == status {
			ids = append(ids, id)
		}
	}
	return ids
}

// NextRetryAt returns the earliest NotBefore among Pending tasks whose
// dependencies are complete, or false when none is waiting on a delay.
func (d *DAG) NextRetryAt(now time.Time) (time.Time, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var next time.Time
	found := false
	for _, id := range d.order {
		task := d.tasks[id]
		if task.Status != TaskPending || !now.Before(task.NotBefore) || !d.depsCompleted(task) {
			continue
		}
		if !found || task.NotBefore.Before(next) {
			next = task.NotBefore
			found = true
		}
	}
	return next, found
}

// MarkRunning moves a Ready task to Running.
func (d *DAG) MarkRunning(taskID string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, err := d.lookup(taskID, TaskReady)
	if err != nil {
		return err
	}
	task.Status = TaskRunning
	task.StartedAt = at
	return nil
}

// MarkCompleted sets task status to TaskCompleted and stores result.
func (d *DAG) MarkCompleted(taskID, result string, tokens int, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, err := d.lookup(taskID, TaskRunning)
	if err != nil {
		return err
	}
	task.Status = TaskCompleted
	task.Result = result
	task.TokensUsed += tokens
	task.FinishedAt = at
	return nil
}

// RecordFailure marks a Running task Failed, increments its retry count and
// appends rec to its error log. Returns the updated task.
func (d *DAG) RecordFailure(taskID string, rec ErrorRecord, tokens int) (*Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, err := d.lookup(taskID, TaskRunning)
	if err != nil {
		return nil, err
	}
	task.RetryCount++
	rec.Attempt = task.RetryCount
	task.ErrorLog = append(task.ErrorLog, rec)
	task.Status = TaskFailed
	task.TokensUsed += tokens
	task.FinishedAt = rec.At
	return cloneTask(task), nil
}

// Requeue returns a Failed task to Pending, eligible again after notBefore.
func (d *DAG) Requeue(taskID string, notBefore time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, err := d.lookup(taskID, TaskFailed)
	if err != nil {
		return err
	}
	task.Status = TaskPending
	task.NotBefore = notBefore
	return nil
}

// Revert returns an interrupted Running task to Ready without charging a retry.
func (d *DAG) Revert(taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, err := d.lookup(taskID, TaskRunning)
	if err != nil {
		return err
	}
	task.Status = TaskReady
	task.StartedAt = time.Time{}
	return nil
}

// CascadeCancel cancels taskID with reason and every non-terminal transitive
// dependent with ReasonDependency. Dependents of shed work are shed too.
// Cancellation never flows to dependencies. Returns the IDs that changed,
// starting with taskID.
func (d *DAG) CascadeCancel(taskID string, reason CancelReason) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("task %q not found", taskID)
	}

	var changed []string
	if !task.Status.Terminal() {
		task.Status = TaskCancelled
		task.CancelReason = reason
		changed = append(changed, taskID)
	}

	downstream := ReasonDependency
	if reason == ReasonShed {
		downstream = ReasonShed
	}

	visited := map[string]bool{taskID: true}
	queue := append([]string(nil), d.dependents[taskID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		dep := d.tasks[id]
		if !dep.Status.Terminal() {
			dep.Status = TaskCancelled
			dep.CancelReason = downstream
			changed = append(changed, id)
		}
		queue = append(queue, d.dependents[id]...)
	}
	return changed, nil
}

// CriticalSet returns the tasks on the heaviest root-to-sink path together
// with all of their transitive dependencies. Optional tasks are never critical.
func (d *DAG) CriticalSet() map[string]bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	order, err := sortTasks(d.list())
	if err != nil {
		return nil
	}

	dist := make(map[string]float64, len(order))
	prev := make(map[string]string, len(order))
	for _, id := range order {
		task := d.tasks[id]
		if task.Optional {
			continue
		}
		best, bestDep := 0.0, ""
		for _, depID := range task.DependsOn {
			if dd, ok := dist[depID]; ok && (bestDep == "" || dd > best) {
				best, bestDep = dd, depID
			}
		}
		if bestDep != "" {
			prev[id] = bestDep
		}
		dist[id] = best + task.EffectiveWeight()
	}

	// Heaviest sink, first in insertion order on ties
	end, endDist := "", -1.0
	for _, id := range d.order {
		if dd, ok := dist[id]; ok && dd > endDist {
			end, endDist = id, dd
		}
	}

	critical := make(map[string]bool)
	for id := end; id != ""; id = prev[id] {
		critical[id] = true
	}

	// Pull in everything the path depends on
	queue := make([]string, 0, len(critical))
	for id := range critical {
		queue = append(queue, id)
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, depID := range d.tasks[id].DependsOn {
			if !critical[depID] {
				critical[depID] = true
				queue = append(queue, depID)
			}
		}
	}
	return critical
}

// Progress returns completed weight over total weight as a percentage.
// Shed tasks are left out of the total.
func (d *DAG) Progress() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var done, total float64
	for _, id := range d.order {
		task := d.tasks[id]
		if task.Status == TaskCancelled && task.CancelReason == ReasonShed {
			continue
		}
		w := task.EffectiveWeight()
		total += w
		if task.Status == TaskCompleted {
			done += w
		}
	}
	if total == 0 {
		return 0
	}
	return done / total * 100
}

// Counts returns the number of tasks per status.
func (d *DAG) Counts() map[TaskStatus]int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	counts := make(map[TaskStatus]int)
	for _, task := range d.tasks {
		counts[task.Status]++
	}
	return counts
}

// Finished reports whether every task is terminal.
func (d *DAG) Finished() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, task := range d.tasks {
		if !task.Status.Terminal() {
			return false
		}
	}
	return true
}

// Get returns task by ID.
func (d *DAG) Get(taskID string) (*Task, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return nil, false
	}
	return cloneTask(task), true
}

// Tasks returns copies of all tasks in insertion order.
func (d *DAG) Tasks() []*Task {
	d.mu.RLock()
	defer d.mu.RUnlock()

	tasks := make([]*Task, 0, len(d.order))
	for _, task := range d.list() {
		tasks = append(tasks, cloneTask(task))
	}
	return tasks
}

// Len returns the number of tasks.
func (d *DAG) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.order)
}

// list returns the live tasks in insertion order. Caller holds the lock.
func (d *DAG) list() []*Task {
	out := make([]*Task, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.tasks[id])
	}
	return out
}

func (d *DAG) lookup(taskID string, want TaskStatus) (*Task, error) {
	task, exists := d.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("task %q not found", taskID)
	}
	if task.Status != want {
		return nil, fmt.Errorf("task %q is %s, want %s", taskID, task.Status, want)
	}
	return task, nil
}

// CancelAll cancels every non-terminal task with reason, Running ones included.
// Returns the IDs that changed.
func (d *DAG) CancelAll(reason CancelReason) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var changed []string
	for _, id := range d.order {
		task := d.tasks[id]
		if !task.Status.Terminal() {
			task.Status = TaskCancelled
			task.CancelReason = reason
			changed = append(changed, id)
		}
	}
	return changed
}

// defaultRetries sets MaxRetries on every task that has none.
func (d *DAG) defaultRetries(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, task := range d.tasks {
		if task.MaxRetries <= 0 {
			task.MaxRetries = n
		}
	}
}
