package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lewtec/harvestmark/internal/domain"
)

func setupSessionRepo(t *testing.T) (*SessionRepository, context.Context) {
	t.Helper()
	db := SetupTestDB(t)
	t.Cleanup(func() { CleanupTestDB(t, db) })
	return NewSessionRepository(db), context.Background()
}

func TestSessionRepository_Annotators(t *testing.T) {
	repo, ctx := setupSessionRepo(t)

	t.Run("registers on first login", func(t *testing.T) {
		if err := repo.EnsureAnnotator(ctx, "alice"); err != nil {
			t.Fatalf("EnsureAnnotator() error = %v", err)
		}
		ok, err := repo.HasAnnotator(ctx, "alice")
		if err != nil {
			t.Fatalf("HasAnnotator() error = %v", err)
		}
		if !ok {
			t.Error("alice should be registered")
		}
	})

	t.Run("repeated login is a no-op", func(t *testing.T) {
		if err := repo.EnsureAnnotator(ctx, "alice"); err != nil {
			t.Fatalf("EnsureAnnotator() error = %v", err)
		}
	})

	t.Run("unknown annotator is absent", func(t *testing.T) {
		ok, err := repo.HasAnnotator(ctx, "mallory")
		if err != nil {
			t.Fatalf("HasAnnotator() error = %v", err)
		}
		if ok {
			t.Error("mallory should not be registered")
		}
	})
}

func TestSessionRepository_Sessions(t *testing.T) {
	repo, ctx := setupSessionRepo(t)

	t.Run("returns nil when absent", func(t *testing.T) {
		sess, err := repo.Get(ctx, "alice")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if sess != nil {
			t.Errorf("Get() = %+v, want nil", sess)
		}
	})

	t.Run("round trips a session", func(t *testing.T) {
		want := &domain.Session{Annotator: "alice", BatchID: 3, Cursor: 2, Visited: 4}
		if err := repo.Upsert(ctx, want); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
		got, err := repo.Get(ctx, "alice")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if *got != *want {
			t.Errorf("Get() = %+v, want %+v", got, want)
		}
	})

	t.Run("upsert replaces", func(t *testing.T) {
		if err := repo.Upsert(ctx, &domain.Session{Annotator: "alice", BatchID: 7, Cursor: 0, Visited: 0}); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
		got, _ := repo.Get(ctx, "alice")
		if got.BatchID != 7 || got.Cursor != 0 {
			t.Errorf("Get() = %+v, want batch 7 cursor 0", got)
		}
	})

	t.Run("lists all sessions", func(t *testing.T) {
		if err := repo.Upsert(ctx, &domain.Session{Annotator: "bob", BatchID: 1}); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
		sessions, err := repo.ListSessions(ctx)
		if err != nil {
			t.Fatalf("ListSessions() error = %v", err)
		}
		if len(sessions) != 2 {
			t.Errorf("got %d sessions, want 2", len(sessions))
		}
	})
}

func TestSessionRepository_SaveOutcome(t *testing.T) {
	repo, ctx := setupSessionRepo(t)

	sess := &domain.Session{Annotator: "alice", BatchID: 1, Cursor: 0, Visited: 0}
	if err := repo.Upsert(ctx, sess); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	outcome := func(farmID string, out domain.Outcome, image string) *domain.FarmOutcome {
		return &domain.FarmOutcome{
			Annotator:     "alice",
			BatchID:       1,
			FarmID:        farmID,
			Outcome:       out,
			SelectedImage: image,
			RecordedAt:    time.Now().UTC(),
		}
	}

	t.Run("records outcome and advances cursor together", func(t *testing.T) {
		sess.Cursor, sess.Visited = 1, 1
		if err := repo.SaveOutcome(ctx, sess, outcome("farm_a", domain.OutcomeSelected, "2024_10_03.png")); err != nil {
			t.Fatalf("SaveOutcome() error = %v", err)
		}

		got, _ := repo.Get(ctx, "alice")
		if got.Cursor != 1 || got.Visited != 1 {
			t.Errorf("session = %+v, want cursor 1 visited 1", got)
		}
		out, err := repo.Outcome(ctx, "alice", "farm_a")
		if err != nil {
			t.Fatalf("Outcome() error = %v", err)
		}
		if out == nil || out.Outcome != domain.OutcomeSelected || out.SelectedImage != "2024_10_03.png" {
			t.Errorf("Outcome() = %+v", out)
		}
	})

	t.Run("re-annotating a farm replaces the outcome", func(t *testing.T) {
		sess.Cursor = 2
		if err := repo.SaveOutcome(ctx, sess, outcome("farm_a", domain.OutcomeSelected, "2024_6_01.png")); err != nil {
			t.Fatalf("SaveOutcome() error = %v", err)
		}
		outs, err := repo.Outcomes(ctx, "alice", 1)
		if err != nil {
			t.Fatalf("Outcomes() error = %v", err)
		}
		if len(outs) != 1 {
			t.Fatalf("got %d outcomes, want 1", len(outs))
		}
		if outs[0].SelectedImage != "2024_6_01.png" {
			t.Errorf("SelectedImage = %q, want replacement", outs[0].SelectedImage)
		}
	})

	t.Run("fails without a session", func(t *testing.T) {
		ghost := &domain.Session{Annotator: "nobody", BatchID: 1, Cursor: 1}
		err := repo.SaveOutcome(ctx, ghost, outcome("farm_b", domain.OutcomeSkipped, ""))
		if !errors.Is(err, domain.ErrNoActiveBatch) {
			t.Errorf("SaveOutcome() error = %v, want ErrNoActiveBatch", err)
		}
	})

	t.Run("missing outcome is nil", func(t *testing.T) {
		out, err := repo.Outcome(ctx, "alice", "farm_z")
		if err != nil {
			t.Fatalf("Outcome() error = %v", err)
		}
		if out != nil {
			t.Errorf("Outcome() = %+v, want nil", out)
		}
	})
}

func TestSessionRepository_SelectedFarms(t *testing.T) {
	repo, ctx := setupSessionRepo(t)

	for _, annotator := range []string{"alice", "bob"} {
		if err := repo.Upsert(ctx, &domain.Session{Annotator: annotator, BatchID: 1}); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}

	record := func(annotator, farmID string, out domain.Outcome) {
		t.Helper()
		err := repo.SaveOutcome(ctx,
			&domain.Session{Annotator: annotator, BatchID: 1},
			&domain.FarmOutcome{
				Annotator:  annotator,
				BatchID:    1,
				FarmID:     farmID,
				Outcome:    out,
				RecordedAt: time.Now().UTC(),
			})
		if err != nil {
			t.Fatalf("SaveOutcome() error = %v", err)
		}
	}

	record("alice", "farm_a", domain.OutcomeSelected)
	record("alice", "farm_b", domain.OutcomeSkipped)
	record("bob", "farm_c", domain.OutcomeSelected)

	selected, err := repo.SelectedFarms(ctx, 1)
	if err != nil {
		t.Fatalf("SelectedFarms() error = %v", err)
	}
	if len(selected) != 2 || !selected["farm_a"] || !selected["farm_c"] {
		t.Errorf("SelectedFarms() = %v, want farm_a and farm_c", selected)
	}
	if selected["farm_b"] {
		t.Error("skipped farm should not count as selected")
	}
}
