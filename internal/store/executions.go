package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/ShayCichocki/loom/internal/faults"
	"github.com/ShayCichocki/loom/pkg/models"
)

// SaveExecution inserts or updates an execution record.
func (s *Store) SaveExecution(rec *models.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt sql.NullString
	if rec.FinishedAt != nil {
		finishedAt = nullString(formatTime(*rec.FinishedAt))
	}

	_, err := s.db.Exec(`
		INSERT INTO executions (id, work_item_id, state, attempts, last_error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			finished_at = excluded.finished_at
	`, rec.ID, rec.WorkItemID, string(rec.State), rec.Attempts,
		nullString(rec.LastError), formatTime(rec.StartedAt), finishedAt)
	if err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}

// MarkExecutionRunning moves a pending execution record to running.
// Returns false without touching the row when the record is no longer
// pending, so a record settled while its job sat in the queue stays
// settled.
func (s *Store) MarkExecutionRunning(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE executions SET state = ? WHERE id = ? AND state = ?
	`, string(models.ExecutionRunning), id, string(models.ExecutionPending))
	if err != nil {
		return false, fmt.Errorf("mark execution running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// GetExecution returns the execution record with the given ID.
func (s *Store) GetExecution(id string) (*models.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, work_item_id, state, attempts, last_error, started_at, finished_at
		FROM executions WHERE id = ?
	`, id)

	rec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.New(faults.KindNotFound, "execution %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return rec, nil
}

// ActiveExecution returns the non-terminal execution record for a work
// item, or nil if none exists.
func (s *Store) ActiveExecution(workItemID string) (*models.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, work_item_id, state, attempts, last_error, started_at, finished_at
		FROM executions
		WHERE work_item_id = ? AND state IN ('pending', 'running')
		ORDER BY started_at DESC
		LIMIT 1
	`, workItemID)

	rec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active execution: %w", err)
	}
	return rec, nil
}

// ListExecutions returns execution records, most recent first.
// A non-empty workItemID restricts results to one item.
func (s *Store) ListExecutions(workItemID string, limit int) ([]*models.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, work_item_id, state, attempts, last_error, started_at, finished_at
		FROM executions
	`
	var args []interface{}
	if workItemID != "" {
		query += " WHERE work_item_id = ?"
		args = append(args, workItemID)
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*models.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// scanExecution scans one execution record row.
func scanExecution(row rowScanner) (*models.ExecutionRecord, error) {
	var (
		rec        models.ExecutionRecord
		state      string
		lastError  sql.NullString
		startedAt  string
		finishedAt sql.NullString
	)

	err := row.Scan(&rec.ID, &rec.WorkItemID, &state, &rec.Attempts,
		&lastError, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	rec.State = models.ExecutionState(state)
	rec.LastError = lastError.String

	sa, err := parseTime(startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	rec.StartedAt = sa
	rec.FinishedAt = parseNullableTime(finishedAt)

	return &rec, nil
}
