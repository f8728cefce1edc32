package domain

import (
	"context"
	"time"
)

// Outcome is the per-farm result inside an annotator's batch.
type Outcome string

const (
	OutcomePending  Outcome = "pending"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeSelected Outcome = "selected"
)

// Session is one annotator's cursor over their claimed batch. There is at
// most one session per annotator; a second login resumes it.
type Session struct {
	Annotator string
	BatchID   int64
	// Cursor indexes into the batch farm list. Cursor == len(farms) means
	// the batch is complete.
	Cursor int
	// Visited is the highest cursor position reached, bounding backwards
	// navigation.
	Visited int
}

// FarmOutcome records what an annotator did with one farm.
type FarmOutcome struct {
	Annotator     string
	BatchID       int64
	FarmID        string
	Outcome       Outcome
	SelectedImage string
	RecordedAt    time.Time
}

// SessionRepository persists sessions and per-farm outcomes. It is
// authoritative state and must survive restarts.
type SessionRepository interface {
	// EnsureAnnotator registers an annotator name on first login.
	EnsureAnnotator(ctx context.Context, name string) error

	// HasAnnotator reports whether the annotator has logged in before.
	HasAnnotator(ctx context.Context, name string) (bool, error)

	// Get returns the annotator's session, or nil when there is none.
	Get(ctx context.Context, annotator string) (*Session, error)

	// Upsert creates or replaces the annotator's session.
	Upsert(ctx context.Context, sess *Session) error

	// SaveOutcome records an outcome and persists the advanced cursor in
	// one transaction, so a save commits fully or not at all.
	SaveOutcome(ctx context.Context, sess *Session, out *FarmOutcome) error

	// Outcomes returns the annotator's outcomes within a batch.
	Outcomes(ctx context.Context, annotator string, batchID int64) ([]*FarmOutcome, error)

	// Outcome returns the annotator's outcome for one farm, or nil.
	Outcome(ctx context.Context, annotator, farmID string) (*FarmOutcome, error)

	// SelectedFarms returns the ids of farms in the batch that already
	// have a selection by any annotator.
	SelectedFarms(ctx context.Context, batchID int64) (map[string]bool, error)

	// ListSessions returns all sessions, for diagnostics.
	ListSessions(ctx context.Context) ([]*Session, error)
}
