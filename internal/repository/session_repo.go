package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/remote-agent-terminal/broker/internal/model"
)

// SessionRepository stores the session ledger.
type SessionRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db, now: time.Now}
}

const selectColumns = `id, status, term_cols, term_rows, attach_count, created_at, updated_at, detached_at, ended_at`

// Record upserts the ledger row for id with a new status. Attaching bumps the
// attach count, detaching stamps detached_at, and terminal statuses stamp
// ended_at once.
func (r *SessionRepository) Record(ctx context.Context, id string, status model.SessionStatus, cols, rows int) error {
	now := r.now()

	attached := 0
	if status == model.SessionStatusAttached {
		attached = 1
	}
	var detachedAt, endedAt *time.Time
	if status == model.SessionStatusDetached {
		detachedAt = &now
	}
	if status.Terminal() {
		endedAt = &now
	}

	query := `
		INSERT INTO sessions (id, status, term_cols, term_rows, attach_count, created_at, updated_at, detached_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			term_cols = excluded.term_cols,
			term_rows = excluded.term_rows,
			attach_count = sessions.attach_count + excluded.attach_count,
			updated_at = excluded.updated_at,
			detached_at = CASE excluded.status
				WHEN 'detached' THEN excluded.detached_at
				WHEN 'attached' THEN NULL
				ELSE sessions.detached_at
			END,
			ended_at = COALESCE(sessions.ended_at, excluded.ended_at)
	`

	_, err := r.db.ExecContext(ctx, query,
		id,
		status,
		cols,
		rows,
		attached,
		now,
		now,
		detachedAt,
		endedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record session %s: %w", id, err)
	}

	return nil
}

// Get retrieves the ledger row for id.
func (r *SessionRepository) Get(ctx context.Context, id string) (*model.SessionRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM sessions WHERE id = ?`

	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return rec, nil
}

// ListOpen returns every row whose session has not ended.
func (r *SessionRepository) ListOpen(ctx context.Context) ([]*model.SessionRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM sessions WHERE ended_at IS NULL ORDER BY created_at`
	return r.query(ctx, query)
}

// List returns the most recently updated rows, newest first.
func (r *SessionRepository) List(ctx context.Context, limit int) ([]*model.SessionRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM sessions ORDER BY updated_at DESC LIMIT ?`
	return r.query(ctx, query, limit)
}

// PruneEnded deletes ended rows older than before and returns how many went.
func (r *SessionRepository) PruneEnded(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}

func (r *SessionRepository) query(ctx context.Context, query string, args ...any) ([]*model.SessionRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var records []*model.SessionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*model.SessionRecord, error) {
	rec := &model.SessionRecord{}
	var detachedAt, endedAt sql.NullTime

	err := row.Scan(
		&rec.ID,
		&rec.Status,
		&rec.Cols,
		&rec.Rows,
		&rec.AttachCount,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&detachedAt,
		&endedAt,
	)
	if err != nil {
		return nil, err
	}

	if detachedAt.Valid {
		t := detachedAt.Time
		rec.DetachedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		rec.EndedAt = &t
	}
	return rec, nil
}
