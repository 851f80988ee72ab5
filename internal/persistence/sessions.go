package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/taskpilot/internal/scheduler"
)

const opTimeout = 5 * time.Second

// SaveSession writes the whole snapshot, replacing any earlier version of the
// same session. The write is a single transaction, so a crash leaves either
// the previous checkpoint or the new one.
func (s *SQLiteStore) SaveSession(ctx context.Context, snap *scheduler.Snapshot) error {
	if snap == nil || snap.SessionID == "" {
		return fmt.Errorf("cannot save session without an id")
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	// Begin transaction with serializable isolation (BEGIN IMMEDIATE)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Upsert session (insert or update on conflict); archive state is untouched
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, request, category, extra, forced_category, phase, progress,
			token_budget, tokens_used, milestones, estimated_duration, created_at, last_checkpoint_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			request = excluded.request,
			category = excluded.category,
			extra = excluded.extra,
			forced_category = excluded.forced_category,
			phase = excluded.phase,
			progress = excluded.progress,
			token_budget = excluded.token_budget,
			tokens_used = excluded.tokens_used,
			milestones = excluded.milestones,
			estimated_duration = excluded.estimated_duration,
			created_at = excluded.created_at,
			last_checkpoint_at = excluded.last_checkpoint_at,
			updated_at = CURRENT_TIMESTAMP
	`, snap.SessionID, snap.Request, snap.Category, snap.Extra, snap.ForcedCategory, snap.Phase, snap.Progress,
		snap.TokenBudget, snap.TokensUsed,
		formatMilestones(snap.Milestones), int64(snap.EstimatedDuration), formatTime(snap.CreatedAt), formatTime(snap.LastCheckpointAt))
	if err != nil {
		return fmt.Errorf("failed to upsert session %s: %w", snap.SessionID, err)
	}

	if err := replaceTasks(ctx, tx, snap.SessionID, snap.Tasks); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadSession reads a snapshot back. Rows that cannot be decoded yield an
// error wrapping scheduler.ErrSessionCorrupted; invariants are checked later
// by scheduler.RestoreSession.
func (s *SQLiteStore) LoadSession(ctx context.Context, sessionID string) (*scheduler.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	snap := &scheduler.Snapshot{}
	var milestones, createdAt, checkpointAt string
	var estimated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, request, category, extra, forced_category, phase, progress, token_budget, tokens_used,
			milestones, estimated_duration, created_at, last_checkpoint_at
		FROM sessions
		WHERE id = ?
	`, sessionID).Scan(&snap.SessionID, &snap.Request, &snap.Category, &snap.Extra, &snap.ForcedCategory, &snap.Phase, &snap.Progress,
		&snap.TokenBudget, &snap.TokensUsed, &milestones, &estimated, &createdAt, &checkpointAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}

	snap.EstimatedDuration = time.Duration(estimated)
	if snap.Milestones, err = parseMilestones(milestones); err != nil {
		return nil, corrupted(sessionID, err)
	}
	if snap.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, corrupted(sessionID, err)
	}
	if snap.LastCheckpointAt, err = parseTime(checkpointAt); err != nil {
		return nil, corrupted(sessionID, err)
	}

	if snap.Tasks, err = loadTasks(ctx, s.db, sessionID); err != nil {
		return nil, err
	}
	return snap, nil
}

// ListSessions returns session summaries, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, opts ListOptions) ([]SessionSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `
		SELECT s.id, s.request, s.category, s.phase, s.progress, s.token_budget, s.tokens_used,
			s.created_at, s.last_checkpoint_at, s.archived, s.archived_at,
			(SELECT COUNT(*) FROM tasks t WHERE t.session_id = s.id),
			(SELECT COUNT(*) FROM tasks t WHERE t.session_id = s.id AND t.status = 'completed')
		FROM sessions s`
	if !opts.IncludeArchived {
		query += ` WHERE s.archived = 0`
	}
	query += ` ORDER BY s.created_at DESC, s.id`
	if opts.Limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	// Return empty slice (not nil) if there are no sessions
	out := []SessionSummary{}
	for rows.Next() {
		var sum SessionSummary
		var createdAt, checkpointAt, archivedAt string
		if err := rows.Scan(&sum.ID, &sum.Request, &sum.Category, &sum.Phase, &sum.Progress,
			&sum.TokenBudget, &sum.TokensUsed, &createdAt, &checkpointAt, &sum.Archived, &archivedAt,
			&sum.Tasks, &sum.Completed); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		// Listings are best effort; an unreadable time shows as zero
		sum.CreatedAt, _ = parseTime(createdAt)
		sum.LastCheckpointAt, _ = parseTime(checkpointAt)
		sum.ArchivedAt, _ = parseTime(archivedAt)
		out = append(out, sum)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return out, nil
}

// ArchiveSession marks a session archived. Archived sessions are hidden from
// default listings but can still be loaded.
func (s *SQLiteStore) ArchiveSession(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET archived = 1, archived_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, formatTime(time.Now()), sessionID)
	if err != nil {
		return fmt.Errorf("failed to archive session: %w", err)
	}

	// Check if session was found
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return nil
}

func corrupted(sessionID string, err error) error {
	return fmt.Errorf("%w: session %s: %v", scheduler.ErrSessionCorrupted, sessionID, err)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

func formatMilestones(ms []int) string {
	parts := make([]string, len(ms))
	for i, m := range ms {
		parts[i] = strconv.Itoa(m)
	}
	return strings.Join(parts, ",")
}

func parseMilestones(s string) ([]int, error) {
	out := []int{}
	if s == "" {
		return out, nil
	}
	for _, part := range strings.Split(s, ",") {
		m, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid milestone %q", part)
		}
		out = append(out, m)
	}
	return out, nil
}
