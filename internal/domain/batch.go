package domain

import (
	"context"
	"time"
)

// BatchStatus is the lifecycle state of a batch.
type BatchStatus string

const (
	BatchUnclaimed BatchStatus = "unclaimed"
	BatchClaimed   BatchStatus = "claimed"
	BatchCompleted BatchStatus = "completed"
)

// Batch is a fixed-size group of farms assigned as a unit of work to one
// annotator. Batches are created once when the farm index is partitioned
// and are never deleted, only re-claimed.
type Batch struct {
	ID        int64
	FarmIDs   []string
	Status    BatchStatus
	Claimant  string
	ClaimedAt *time.Time
}

// BatchRepository is the authoritative store for the batch table. All
// transition methods are single transactions against the store.
type BatchRepository interface {
	// Seed partitions farmIDs into batches of batchSize. It is a no-op if
	// batches already exist, so restarts keep the existing assignment.
	Seed(ctx context.Context, farmIDs []string, batchSize int) error

	// Count returns the number of batches.
	Count(ctx context.Context) (int64, error)

	// GetByID returns a batch with its ordered farm list, or ErrNotFound.
	GetByID(ctx context.Context, id int64) (*Batch, error)

	// GetClaimedBy returns the batch currently claimed by the annotator,
	// or nil when there is none.
	GetClaimedBy(ctx context.Context, annotator string) (*Batch, error)

	// ClaimNextUnclaimed atomically transitions the lowest-id unclaimed
	// batch to claimed for the annotator. Returns ErrNoBatchesAvailable
	// when everything is claimed or completed.
	ClaimNextUnclaimed(ctx context.Context, annotator string) (*Batch, error)

	// Release transitions claimed -> unclaimed. Only the claimant may
	// release; otherwise ErrNotClaimant.
	Release(ctx context.Context, id int64, annotator string) error

	// SetCompleted transitions claimed -> completed (terminal). Only the
	// claimant may complete; otherwise ErrNotClaimant.
	SetCompleted(ctx context.Context, id int64, annotator string) error

	// List returns a consistent snapshot of all batches ordered by id.
	List(ctx context.Context) ([]*Batch, error)
}
