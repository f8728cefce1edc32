package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lewtec/harvestmark/internal/domain"
)

// SessionRepository implements domain.SessionRepository on SQLite.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// EnsureAnnotator registers the annotator on first login; repeated logins
// are no-ops so an existing session is resumed, never replaced.
func (r *SessionRepository) EnsureAnnotator(ctx context.Context, name string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO annotators (name, first_login) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("while registering annotator %s: %w", name, err)
	}
	return nil
}

// HasAnnotator reports whether the annotator has logged in before.
func (r *SessionRepository) HasAnnotator(ctx context.Context, name string) (bool, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM annotators WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("while looking up annotator %s: %w", name, err)
	}
	return n > 0, nil
}

// Get returns the annotator's session, or nil when there is none.
func (r *SessionRepository) Get(ctx context.Context, annotator string) (*domain.Session, error) {
	var sess domain.Session
	err := r.db.QueryRowContext(ctx,
		`SELECT annotator, batch_id, cursor, visited FROM sessions WHERE annotator = ?`,
		annotator).Scan(&sess.Annotator, &sess.BatchID, &sess.Cursor, &sess.Visited)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("while loading session of %s: %w", annotator, err)
	}
	return &sess, nil
}

// Upsert creates or replaces the annotator's session.
func (r *SessionRepository) Upsert(ctx context.Context, sess *domain.Session) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (annotator, batch_id, cursor, visited) VALUES (?, ?, ?, ?)
		 ON CONFLICT(annotator) DO UPDATE SET batch_id=excluded.batch_id,
		 cursor=excluded.cursor, visited=excluded.visited`,
		sess.Annotator, sess.BatchID, sess.Cursor, sess.Visited)
	if err != nil {
		return fmt.Errorf("while persisting session of %s: %w", sess.Annotator, err)
	}
	return nil
}

// SaveOutcome records the outcome and the advanced cursor in one
// transaction. If either write fails nothing is committed, preserving the
// save-commits-fully-or-not-at-all guarantee.
func (r *SessionRepository) SaveOutcome(ctx context.Context, sess *domain.Session, out *domain.FarmOutcome) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("while starting save transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO outcomes (annotator, batch_id, farm_id, outcome, selected_image, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(annotator, farm_id) DO UPDATE SET outcome=excluded.outcome,
		 selected_image=excluded.selected_image, recorded_at=excluded.recorded_at,
		 batch_id=excluded.batch_id`,
		out.Annotator, out.BatchID, out.FarmID, out.Outcome, out.SelectedImage, out.RecordedAt)
	if err != nil {
		return fmt.Errorf("while recording outcome for farm %s: %w", out.FarmID, err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET cursor = ?, visited = ? WHERE annotator = ?`,
		sess.Cursor, sess.Visited, sess.Annotator)
	if err != nil {
		return fmt.Errorf("while advancing cursor of %s: %w", sess.Annotator, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: session of %s vanished mid-save", domain.ErrNoActiveBatch, sess.Annotator)
	}

	return tx.Commit()
}

// Outcomes returns the annotator's outcomes within a batch.
func (r *SessionRepository) Outcomes(ctx context.Context, annotator string, batchID int64) ([]*domain.FarmOutcome, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT annotator, batch_id, farm_id, outcome, selected_image, recorded_at
		 FROM outcomes WHERE annotator = ? AND batch_id = ? ORDER BY id`,
		annotator, batchID)
	if err != nil {
		return nil, fmt.Errorf("while loading outcomes of %s: %w", annotator, err)
	}
	defer rows.Close()

	var outcomes []*domain.FarmOutcome
	for rows.Next() {
		var out domain.FarmOutcome
		var selected sql.NullString
		if err := rows.Scan(&out.Annotator, &out.BatchID, &out.FarmID, &out.Outcome, &selected, &out.RecordedAt); err != nil {
			return nil, fmt.Errorf("while scanning outcome row: %w", err)
		}
		out.SelectedImage = selected.String
		outcomes = append(outcomes, &out)
	}
	return outcomes, rows.Err()
}

// Outcome returns the annotator's outcome for one farm, or nil.
func (r *SessionRepository) Outcome(ctx context.Context, annotator, farmID string) (*domain.FarmOutcome, error) {
	var out domain.FarmOutcome
	var selected sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT annotator, batch_id, farm_id, outcome, selected_image, recorded_at
		 FROM outcomes WHERE annotator = ? AND farm_id = ?`,
		annotator, farmID).Scan(&out.Annotator, &out.BatchID, &out.FarmID, &out.Outcome, &selected, &out.RecordedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("while loading outcome of %s for farm %s: %w", annotator, farmID, err)
	}
	out.SelectedImage = selected.String
	return &out, nil
}

// SelectedFarms returns farm ids in the batch already selected by anyone.
func (r *SessionRepository) SelectedFarms(ctx context.Context, batchID int64) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT farm_id FROM outcomes WHERE batch_id = ? AND outcome = ?`,
		batchID, domain.OutcomeSelected)
	if err != nil {
		return nil, fmt.Errorf("while loading selected farms of batch %d: %w", batchID, err)
	}
	defer rows.Close()

	selected := make(map[string]bool)
	for rows.Next() {
		var farmID string
		if err := rows.Scan(&farmID); err != nil {
			return nil, fmt.Errorf("while scanning selected farm row: %w", err)
		}
		selected[farmID] = true
	}
	return selected, rows.Err()
}

// ListSessions returns all sessions for diagnostics.
func (r *SessionRepository) ListSessions(ctx context.Context) ([]*domain.Session, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT annotator, batch_id, cursor, visited FROM sessions ORDER BY annotator`)
	if err != nil {
		return nil, fmt.Errorf("while listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		var sess domain.Session
		if err := rows.Scan(&sess.Annotator, &sess.BatchID, &sess.Cursor, &sess.Visited); err != nil {
			return nil, fmt.Errorf("while scanning session row: %w", err)
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// Verify that SessionRepository implements domain.SessionRepository
var _ domain.SessionRepository = (*SessionRepository)(nil)
