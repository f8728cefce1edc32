package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lewtec/harvestmark/internal/domain"
)

// BatchRepository implements domain.BatchRepository on SQLite.
type BatchRepository struct {
	db *sql.DB
}

// NewBatchRepository creates a new BatchRepository.
func NewBatchRepository(db *sql.DB) *BatchRepository {
	return &BatchRepository{db: db}
}

// Seed partitions farmIDs into batches of batchSize. Existing batches are
// left untouched so restarts never reshuffle assignments.
func (r *BatchRepository) Seed(ctx context.Context, farmIDs []string, batchSize int) error {
	if batchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("while starting seed transaction: %w", err)
	}
	defer tx.Rollback()

	var existing int64
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM batches`).Scan(&existing); err != nil {
		return fmt.Errorf("while counting batches: %w", err)
	}
	if existing > 0 {
		return nil
	}

	batchID := int64(0)
	for start := 0; start < len(farmIDs); start += batchSize {
		batchID++
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO batches (id, status) VALUES (?, ?)`, batchID, domain.BatchUnclaimed); err != nil {
			return fmt.Errorf("while creating batch %d: %w", batchID, err)
		}
		end := start + batchSize
		if end > len(farmIDs) {
			end = len(farmIDs)
		}
		for pos, farmID := range farmIDs[start:end] {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO batch_farms (batch_id, position, farm_id) VALUES (?, ?, ?)`,
				batchID, pos, farmID); err != nil {
				return fmt.Errorf("while adding farm %s to batch %d: %w", farmID, batchID, err)
			}
		}
	}

	return tx.Commit()
}

// Count returns the number of batches.
func (r *BatchRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM batches`).Scan(&n)
	return n, err
}

// GetByID returns a batch with its ordered farm list.
func (r *BatchRepository) GetByID(ctx context.Context, id int64) (*domain.Batch, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, status, claimant, claimed_at FROM batches WHERE id = ?`, id)
	b, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: batch %d", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("while loading batch %d: %w", id, err)
	}
	if b.FarmIDs, err = r.farmsOf(ctx, r.db, id); err != nil {
		return nil, err
	}
	return b, nil
}

// GetClaimedBy returns the batch claimed by the annotator, or nil.
func (r *BatchRepository) GetClaimedBy(ctx context.Context, annotator string) (*domain.Batch, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, status, claimant, claimed_at FROM batches WHERE claimant = ? AND status = ?`,
		annotator, domain.BatchClaimed)
	b, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("while loading claimed batch of %s: %w", annotator, err)
	}
	if b.FarmIDs, err = r.farmsOf(ctx, r.db, b.ID); err != nil {
		return nil, err
	}
	return b, nil
}

// ClaimNextUnclaimed scans batches in id order and transitions the first
// unclaimed one to claimed. Scan and transition run in one transaction; the
// guarding UPDATE re-checks the status, so two racing claims can never both
// take the same batch.
func (r *BatchRepository) ClaimNextUnclaimed(ctx context.Context, annotator string) (*domain.Batch, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("while starting claim transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM batches WHERE status = ? ORDER BY id LIMIT 1`,
		domain.BatchUnclaimed).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNoBatchesAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("while scanning for an unclaimed batch: %w", err)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE batches SET status = ?, claimant = ?, claimed_at = ? WHERE id = ? AND status = ?`,
		domain.BatchClaimed, annotator, now, id, domain.BatchUnclaimed)
	if err != nil {
		return nil, fmt.Errorf("while claiming batch %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("while claiming batch %d: %w", id, err)
	}
	if affected != 1 {
		return nil, domain.ErrNoBatchesAvailable
	}

	farms, err := r.farmsOf(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("while committing claim of batch %d: %w", id, err)
	}

	return &domain.Batch{
		ID:        id,
		FarmIDs:   farms,
		Status:    domain.BatchClaimed,
		Claimant:  annotator,
		ClaimedAt: &now,
	}, nil
}

// Release transitions claimed -> unclaimed for the claimant.
func (r *BatchRepository) Release(ctx context.Context, id int64, annotator string) error {
	return r.transition(ctx, id, annotator, domain.BatchUnclaimed)
}

// SetCompleted transitions claimed -> completed (terminal).
func (r *BatchRepository) SetCompleted(ctx context.Context, id int64, annotator string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE batches SET status = ? WHERE id = ? AND claimant = ? AND status = ?`,
		domain.BatchCompleted, id, annotator, domain.BatchClaimed)
	if err != nil {
		return fmt.Errorf("while completing batch %d: %w", id, err)
	}
	return requireClaimant(res)
}

func (r *BatchRepository) transition(ctx context.Context, id int64, annotator string, to domain.BatchStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE batches SET status = ?, claimant = NULL, claimed_at = NULL
		 WHERE id = ? AND claimant = ? AND status = ?`,
		to, id, annotator, domain.BatchClaimed)
	if err != nil {
		return fmt.Errorf("while releasing batch %d: %w", id, err)
	}
	return requireClaimant(res)
}

// List returns all batches in one transaction so admin readers never see a
// batch mid-transition.
func (r *BatchRepository) List(ctx context.Context) ([]*domain.Batch, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("while starting snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, status, claimant, claimed_at FROM batches ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("while listing batches: %w", err)
	}
	var batches []*domain.Batch
	byID := make(map[int64]*domain.Batch)
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("while scanning batch row: %w", err)
		}
		batches = append(batches, b)
		byID[b.ID] = b
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("while listing batches: %w", err)
	}

	farmRows, err := tx.QueryContext(ctx,
		`SELECT batch_id, farm_id FROM batch_farms ORDER BY batch_id, position`)
	if err != nil {
		return nil, fmt.Errorf("while listing batch farms: %w", err)
	}
	defer farmRows.Close()
	for farmRows.Next() {
		var batchID int64
		var farmID string
		if err := farmRows.Scan(&batchID, &farmID); err != nil {
			return nil, fmt.Errorf("while scanning batch farm row: %w", err)
		}
		if b, ok := byID[batchID]; ok {
			b.FarmIDs = append(b.FarmIDs, farmID)
		}
	}
	if err := farmRows.Err(); err != nil {
		return nil, fmt.Errorf("while listing batch farms: %w", err)
	}

	return batches, tx.Commit()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func (r *BatchRepository) farmsOf(ctx context.Context, q querier, id int64) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT farm_id FROM batch_farms WHERE batch_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("while loading farms of batch %d: %w", id, err)
	}
	defer rows.Close()

	var farms []string
	for rows.Next() {
		var farmID string
		if err := rows.Scan(&farmID); err != nil {
			return nil, fmt.Errorf("while scanning farm of batch %d: %w", id, err)
		}
		farms = append(farms, farmID)
	}
	return farms, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBatch(row rowScanner) (*domain.Batch, error) {
	var b domain.Batch
	var claimant sql.NullString
	var claimedAt sql.NullTime
	if err := row.Scan(&b.ID, &b.Status, &claimant, &claimedAt); err != nil {
		return nil, err
	}
	b.Claimant = claimant.String
	if claimedAt.Valid {
		t := claimedAt.Time
		b.ClaimedAt = &t
	}
	return &b, nil
}

func requireClaimant(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrNotClaimant
	}
	return nil
}

// Verify that BatchRepository implements domain.BatchRepository
var _ domain.BatchRepository = (*BatchRepository)(nil)
