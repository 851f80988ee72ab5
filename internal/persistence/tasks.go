package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/taskpilot/internal/scheduler"
)

// execer is the subset of *sql.Tx used for writes.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// replaceTasks deletes the stored tasks of a session and writes tasks in order.
func replaceTasks(ctx context.Context, tx execer, sessionID string, tasks []scheduler.Task) error {
	// Children first so foreign keys hold at every step
	for _, table := range []string{"task_errors", "task_dependencies", "tasks"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	for i := range tasks {
		t := &tasks[i]
		deliverables := ""
		if len(t.Deliverables) > 0 {
			b, err := json.Marshal(t.Deliverables)
			if err != nil {
				return fmt.Errorf("failed to encode deliverables of %s: %w", t.ID, err)
			}
			deliverables = string(b)
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (session_id, id, position, description, agent_type, phase, status,
				retry_count, max_retries, result, cancel_reason, tokens_used, weight, optional,
				quality_gate, timeout, deliverables, not_before, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, sessionID, t.ID, i, t.Description, t.AgentType, t.Phase, t.Status.String(),
			t.RetryCount, t.MaxRetries, t.Result, string(t.CancelReason), t.TokensUsed, t.Weight, t.Optional,
			t.QualityGate, int64(t.Timeout), deliverables, formatTime(t.NotBefore), formatTime(t.StartedAt), formatTime(t.FinishedAt))
		if err != nil {
			return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
		}
	}

	// Dependencies after every task exists (enforces foreign key)
	for i := range tasks {
		t := &tasks[i]
		for pos, depID := range t.DependsOn {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO task_dependencies (session_id, task_id, depends_on_id, position)
				VALUES (?, ?, ?, ?)
			`, sessionID, t.ID, depID, pos)
			if err != nil {
				return fmt.Errorf("failed to insert dependency %s -> %s: %w", t.ID, depID, err)
			}
		}
		for _, rec := range t.ErrorLog {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO task_errors (session_id, task_id, attempt, kind, message, at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, sessionID, t.ID, rec.Attempt, string(rec.Kind), rec.Message, formatTime(rec.At))
			if err != nil {
				return fmt.Errorf("failed to insert error record %s#%d: %w", t.ID, rec.Attempt, err)
			}
		}
	}
	return nil
}

// loadTasks reads the tasks of a session in insertion order. Each table is
// read in its own query, so no two result sets are open at once.
func loadTasks(ctx context.Context, db querier, sessionID string) ([]scheduler.Task, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, description, agent_type, phase, status, retry_count, max_retries, result,
			cancel_reason, tokens_used, weight, optional, quality_gate, timeout, deliverables,
			not_before, started_at, finished_at
		FROM tasks
		WHERE session_id = ?
		ORDER BY position
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	tasks := []scheduler.Task{}
	index := make(map[string]int)
	for rows.Next() {
		var t scheduler.Task
		var status, reason, deliverables, notBefore, startedAt, finishedAt string
		var timeout int64
		if err := rows.Scan(&t.ID, &t.Description, &t.AgentType, &t.Phase, &status, &t.RetryCount,
			&t.MaxRetries, &t.Result, &reason, &t.TokensUsed, &t.Weight, &t.Optional, &t.QualityGate,
			&timeout, &deliverables, &notBefore, &startedAt, &finishedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}

		if err := decodeTask(&t, status, reason, deliverables, notBefore, startedAt, finishedAt); err != nil {
			rows.Close()
			return nil, corrupted(sessionID, fmt.Errorf("task %s: %w", t.ID, err))
		}
		t.Timeout = time.Duration(timeout)

		index[t.ID] = len(tasks)
		tasks = append(tasks, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	if err := loadDependencies(ctx, db, sessionID, tasks, index); err != nil {
		return nil, err
	}
	if err := loadErrors(ctx, db, sessionID, tasks, index); err != nil {
		return nil, err
	}
	return tasks, nil
}

func decodeTask(t *scheduler.Task, status, reason, deliverables, notBefore, startedAt, finishedAt string) error {
	if err := t.Status.UnmarshalText([]byte(status)); err != nil {
		return err
	}
	t.CancelReason = scheduler.CancelReason(reason)
	if deliverables != "" {
		if err := json.Unmarshal([]byte(deliverables), &t.Deliverables); err != nil {
			return fmt.Errorf("invalid deliverables: %w", err)
		}
	}

	var err error
	if t.NotBefore, err = parseTime(notBefore); err != nil {
		return err
	}
	if t.StartedAt, err = parseTime(startedAt); err != nil {
		return err
	}
	if t.FinishedAt, err = parseTime(finishedAt); err != nil {
		return err
	}
	return nil
}

func loadDependencies(ctx context.Context, db querier, sessionID string, tasks []scheduler.Task, index map[string]int) error {
	rows, err := db.QueryContext(ctx, `
		SELECT task_id, depends_on_id
		FROM task_dependencies
		WHERE session_id = ?
		ORDER BY task_id, position
	`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var taskID, depID string
		if err := rows.Scan(&taskID, &depID); err != nil {
			return fmt.Errorf("failed to scan dependency: %w", err)
		}
		i, ok := index[taskID]
		if !ok {
			return corrupted(sessionID, fmt.Errorf("dependency row for unknown task %s", taskID))
		}
		tasks[i].DependsOn = append(tasks[i].DependsOn, depID)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating dependencies: %w", err)
	}
	return nil
}

func loadErrors(ctx context.Context, db querier, sessionID string, tasks []scheduler.Task, index map[string]int) error {
	rows, err := db.QueryContext(ctx, `
		SELECT task_id, attempt, kind, message, at
		FROM task_errors
		WHERE session_id = ?
		ORDER BY task_id, attempt
	`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to query error records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var taskID, kind, at string
		var rec scheduler.ErrorRecord
		if err := rows.Scan(&taskID, &rec.Attempt, &kind, &rec.Message, &at); err != nil {
			return fmt.Errorf("failed to scan error record: %w", err)
		}
		i, ok := index[taskID]
		if !ok {
			return corrupted(sessionID, fmt.Errorf("error row for unknown task %s", taskID))
		}
		rec.Kind = scheduler.ErrorKind(kind)
		if rec.At, err = parseTime(at); err != nil {
			return corrupted(sessionID, err)
		}
		tasks[i].ErrorLog = append(tasks[i].ErrorLog, rec)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating error records: %w", err)
	}
	return nil
}
