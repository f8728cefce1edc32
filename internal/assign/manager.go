// Package assign is the batch claim manager: it hands out exclusive farm
// batches to annotators and tracks claim, release and completion.
package assign

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/lewtec/harvestmark/internal/domain"
)

// Manager serializes all batch transitions through one mutex, the single
// global ordering point. Claims either succeed or fail immediately; there
// are no retry loops to starve under contention.
type Manager struct {
	mu      sync.Mutex
	batches domain.BatchRepository
}

// NewManager creates a Manager over the authoritative batch store.
func NewManager(batches domain.BatchRepository) *Manager {
	return &Manager{batches: batches}
}

// Claim returns the annotator's already-claimed batch if one exists
// (idempotent resume), otherwise claims the lowest-id unclaimed batch.
// Returns ErrNoBatchesAvailable when all work is claimed or completed.
func (m *Manager) Claim(ctx context.Context, annotator string) (*domain.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.batches.GetClaimedBy(ctx, annotator)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	b, err := m.batches.ClaimNextUnclaimed(ctx, annotator)
	if err != nil {
		return nil, err
	}
	log.Info().Int64("batch", b.ID).Str("annotator", annotator).Int("farms", len(b.FarmIDs)).Msg("assign: batch claimed")
	return b, nil
}

// Current returns the annotator's claimed batch, or nil.
func (m *Manager) Current(ctx context.Context, annotator string) (*domain.Batch, error) {
	return m.batches.GetClaimedBy(ctx, annotator)
}

// Get returns a batch by id regardless of its status.
func (m *Manager) Get(ctx context.Context, id int64) (*domain.Batch, error) {
	return m.batches.GetByID(ctx, id)
}

// Release transitions the annotator's claimed batch back to unclaimed.
// Only the claimant may release; otherwise ErrNotClaimant.
func (m *Manager) Release(ctx context.Context, annotator string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.batches.GetClaimedBy(ctx, annotator)
	if err != nil {
		return err
	}
	if b == nil {
		return fmt.Errorf("%w: %s holds no batch", domain.ErrNotClaimant, annotator)
	}
	if err := m.batches.Release(ctx, b.ID, annotator); err != nil {
		return err
	}
	log.Info().Int64("batch", b.ID).Str("annotator", annotator).Msg("assign: batch released")
	return nil
}

// Complete marks the annotator's claimed batch completed. Completed is
// terminal: the batch is never reassigned.
func (m *Manager) Complete(ctx context.Context, annotator string, batchID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.batches.SetCompleted(ctx, batchID, annotator); err != nil {
		return err
	}
	log.Info().Int64("batch", batchID).Str("annotator", annotator).Msg("assign: batch completed")
	return nil
}

// Requeue puts the annotator's claimed batch back in the unclaimed pool,
// used when the skip policy re-queues batches finished with skipped farms.
func (m *Manager) Requeue(ctx context.Context, annotator string, batchID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.batches.Release(ctx, batchID, annotator); err != nil {
		return err
	}
	log.Info().Int64("batch", batchID).Str("annotator", annotator).Msg("assign: batch requeued with skipped farms")
	return nil
}

// Status returns a consistent snapshot of all batches for diagnostics.
func (m *Manager) Status(ctx context.Context) ([]*domain.Batch, error) {
	return m.batches.List(ctx)
}
