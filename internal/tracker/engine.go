// Package tracker is the per-annotator session and navigation engine. Each
// annotator has an explicit session keyed by their id; all mutations for
// one annotator are serialized through a per-key lock, and annotators never
// contend with each other.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lewtec/harvestmark/internal/assign"
	"github.com/lewtec/harvestmark/internal/domain"
)

// State is the session state machine position.
type State string

const (
	StateNoBatch       State = "no_batch"
	StateInProgress    State = "in_progress"
	StateBatchComplete State = "batch_complete"
)

// Status is the externally visible session snapshot.
type Status struct {
	State     State
	Annotator string
	BatchID   int64
	FarmID    string
	Cursor    int
	BatchSize int
	Completed bool
}

// Engine drives save/skip/navigate over claimed batches.
type Engine struct {
	sessions domain.SessionRepository
	manager  *assign.Manager
	farms    domain.FarmSource
	sink     domain.AnnotationSink

	// requeueSkipped controls the skip policy: when true, a batch finished
	// with skipped farms goes back to the unclaimed pool instead of
	// completing, so another annotator can pick up the leftovers.
	requeueSkipped bool

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine creates an Engine.
func NewEngine(sessions domain.SessionRepository, manager *assign.Manager, farms domain.FarmSource, sink domain.AnnotationSink, requeueSkipped bool) *Engine {
	return &Engine{
		sessions:       sessions,
		manager:        manager,
		farms:          farms,
		sink:           sink,
		requeueSkipped: requeueSkipped,
		locks:          make(map[string]*sync.Mutex),
	}
}

// Login registers the annotator. A second login with the same id resumes
// the existing session; nothing is reset.
func (e *Engine) Login(ctx context.Context, annotator string) error {
	return e.sessions.EnsureAnnotator(ctx, annotator)
}

// Claim obtains work for the annotator: their already-claimed batch when
// one exists, otherwise the next unclaimed batch. The session cursor starts
// past any leading farms that already carry a selection from a previous
// claimant of a requeued batch.
func (e *Engine) Claim(ctx context.Context, annotator string) (*Status, error) {
	lock := e.lockFor(annotator)
	lock.Lock()
	defer lock.Unlock()

	b, err := e.manager.Claim(ctx, annotator)
	if err != nil {
		return nil, err
	}

	sess, err := e.sessions.Get(ctx, annotator)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.BatchID != b.ID {
		selected, err := e.sessions.SelectedFarms(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		cursor := 0
		for cursor < len(b.FarmIDs) && selected[b.FarmIDs[cursor]] {
			cursor++
		}
		sess = &domain.Session{Annotator: annotator, BatchID: b.ID, Cursor: cursor, Visited: cursor}
		if err := e.sessions.Upsert(ctx, sess); err != nil {
			return nil, err
		}
	}

	return statusFor(sess, b), nil
}

// Status reports the annotator's current position. An annotator without a
// session is in NoBatch, which is a state, not an error.
func (e *Engine) Status(ctx context.Context, annotator string) (*Status, error) {
	lock := e.lockFor(annotator)
	lock.Lock()
	defer lock.Unlock()

	sess, err := e.sessions.Get(ctx, annotator)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return &Status{State: StateNoBatch, Annotator: annotator}, nil
	}
	b, err := e.manager.Get(ctx, sess.BatchID)
	if err != nil {
		return nil, err
	}
	return statusFor(sess, b), nil
}

// Save records an AnnotationRecord for the farm at the cursor and advances
// by one. The CSV rows are appended first; the cursor and outcome then
// commit in one transaction, so success is never reported without both.
func (e *Engine) Save(ctx context.Context, annotator, farmID, selectedImage string) (*Status, error) {
	lock := e.lockFor(annotator)
	lock.Lock()
	defer lock.Unlock()

	if selectedImage == "" {
		return nil, domain.ErrNoSelection
	}

	sess, b, err := e.activeSession(ctx, annotator)
	if err != nil {
		return nil, err
	}

	current := b.FarmIDs[sess.Cursor]
	if farmID != "" && farmID != current {
		return nil, fmt.Errorf("%w: farm %s is not at the cursor (expected %s)", domain.ErrNotFound, farmID, current)
	}

	farm, err := e.farms.Farm(current)
	if err != nil {
		return nil, err
	}
	img, ok := farm.ImageByFilename(selectedImage)
	if !ok {
		return nil, fmt.Errorf("%w: image %s in farm %s", domain.ErrNotFound, selectedImage, current)
	}

	now := time.Now().UTC()
	rec := &domain.AnnotationRecord{
		FarmID:        current,
		SelectedImage: img.Filename,
		ImagePath:     img.Path,
		TotalImages:   len(farm.Images),
		Timestamp:     now,
	}
	if err := e.sink.Append(annotator, rec); err != nil {
		return nil, fmt.Errorf("while appending annotation record: %w", err)
	}

	sess.Cursor++
	if sess.Cursor > sess.Visited {
		sess.Visited = sess.Cursor
	}
	out := &domain.FarmOutcome{
		Annotator:     annotator,
		BatchID:       b.ID,
		FarmID:        current,
		Outcome:       domain.OutcomeSelected,
		SelectedImage: img.Filename,
		RecordedAt:    now,
	}
	if err := e.sessions.SaveOutcome(ctx, sess, out); err != nil {
		return nil, err
	}

	log.Info().Str("annotator", annotator).Str("farm", current).Str("image", img.Filename).Msg("tracker: annotation saved")

	if sess.Cursor == len(b.FarmIDs) {
		if err := e.finishBatch(ctx, annotator, b); err != nil {
			return nil, err
		}
	}
	return statusFor(sess, b), nil
}

// Skip advances past the farm at the cursor without recording a selection.
// The farm keeps a skipped outcome so it can be revisited.
func (e *Engine) Skip(ctx context.Context, annotator string) (*Status, error) {
	lock := e.lockFor(annotator)
	lock.Lock()
	defer lock.Unlock()

	sess, b, err := e.activeSession(ctx, annotator)
	if err != nil {
		return nil, err
	}

	current := b.FarmIDs[sess.Cursor]
	sess.Cursor++
	if sess.Cursor > sess.Visited {
		sess.Visited = sess.Cursor
	}
	out := &domain.FarmOutcome{
		Annotator:  annotator,
		BatchID:    b.ID,
		FarmID:     current,
		Outcome:    domain.OutcomeSkipped,
		RecordedAt: time.Now().UTC(),
	}
	if err := e.sessions.SaveOutcome(ctx, sess, out); err != nil {
		return nil, err
	}

	log.Info().Str("annotator", annotator).Str("farm", current).Msg("tracker: farm skipped")

	if sess.Cursor == len(b.FarmIDs) {
		if err := e.finishBatch(ctx, annotator, b); err != nil {
			return nil, err
		}
	}
	return statusFor(sess, b), nil
}

// Navigate moves the cursor within the already-visited range. Moving before
// the first farm or past the last visited one is a no-op, not an error.
func (e *Engine) Navigate(ctx context.Context, annotator, direction string) (*Status, error) {
	lock := e.lockFor(annotator)
	lock.Lock()
	defer lock.Unlock()

	sess, err := e.sessions.Get(ctx, annotator)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, domain.ErrNoActiveBatch
	}
	b, err := e.manager.Get(ctx, sess.BatchID)
	if err != nil {
		return nil, err
	}

	maxIndex := sess.Visited
	if maxIndex > len(b.FarmIDs)-1 {
		maxIndex = len(b.FarmIDs) - 1
	}
	switch direction {
	case "prev":
		if sess.Cursor > 0 {
			sess.Cursor--
		}
	case "next":
		if sess.Cursor < maxIndex {
			sess.Cursor++
		}
	default:
		return nil, fmt.Errorf("%w: direction %q", domain.ErrNotFound, direction)
	}

	if err := e.sessions.Upsert(ctx, sess); err != nil {
		return nil, err
	}
	return statusFor(sess, b), nil
}

// activeSession returns the session and claimed batch, requiring the
// cursor to point at a farm still to do.
func (e *Engine) activeSession(ctx context.Context, annotator string) (*domain.Session, *domain.Batch, error) {
	sess, err := e.sessions.Get(ctx, annotator)
	if err != nil {
		return nil, nil, err
	}
	if sess == nil {
		return nil, nil, domain.ErrNoActiveBatch
	}
	b, err := e.manager.Current(ctx, annotator)
	if err != nil {
		return nil, nil, err
	}
	if b == nil || b.ID != sess.BatchID {
		return nil, nil, domain.ErrNoActiveBatch
	}
	if sess.Cursor >= len(b.FarmIDs) {
		return nil, nil, fmt.Errorf("%w: batch %d already complete", domain.ErrNoActiveBatch, b.ID)
	}
	return sess, b, nil
}

// finishBatch decides the terminal transition once every farm was visited:
// completed, or back to unclaimed when the skip policy re-queues batches
// with leftover skips.
func (e *Engine) finishBatch(ctx context.Context, annotator string, b *domain.Batch) error {
	if e.requeueSkipped {
		outcomes, err := e.sessions.Outcomes(ctx, annotator, b.ID)
		if err != nil {
			return err
		}
		for _, out := range outcomes {
			if out.Outcome == domain.OutcomeSkipped {
				return e.manager.Requeue(ctx, annotator, b.ID)
			}
		}
	}
	return e.manager.Complete(ctx, annotator, b.ID)
}

func (e *Engine) lockFor(annotator string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[annotator]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[annotator] = lock
	}
	return lock
}

func statusFor(sess *domain.Session, b *domain.Batch) *Status {
	st := &Status{
		Annotator: sess.Annotator,
		BatchID:   b.ID,
		Cursor:    sess.Cursor,
		BatchSize: len(b.FarmIDs),
	}
	if sess.Cursor >= len(b.FarmIDs) {
		st.State = StateBatchComplete
		st.Completed = true
	} else {
		st.State = StateInProgress
		st.FarmID = b.FarmIDs[sess.Cursor]
	}
	return st
}
