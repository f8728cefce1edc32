package harvest

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/lewtec/harvestmark/internal/domain"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open(%s) error = %v", path, err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll(%s) error = %v", path, err)
	}
	return rows
}

func TestCSVStore_Append(t *testing.T) {
	dir := t.TempDir()
	store := NewCSVStore(filepath.Join(dir, "annotations.csv"), filepath.Join(dir, "by_user"))

	ts := time.Date(2026, 8, 24, 12, 30, 0, 0, time.UTC)
	rec := &domain.AnnotationRecord{
		FarmID:        "farm_a",
		SelectedImage: "2024_10_03.png",
		ImagePath:     "dataset/farm_a/2024_10_03.png",
		TotalImages:   7,
		Timestamp:     ts,
	}
	if err := store.Append("alice", rec); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	wantRow := []string{"farm_a", "2024_10_03.png", "dataset/farm_a/2024_10_03.png", "7", "2026-08-24T12:30:00Z"}

	t.Run("writes header and row to the shared file", func(t *testing.T) {
		rows := readCSV(t, filepath.Join(dir, "annotations.csv"))
		if len(rows) != 2 {
			t.Fatalf("got %d rows, want 2", len(rows))
		}
		if !reflect.DeepEqual(rows[0], csvHeader) {
			t.Errorf("header = %v, want %v", rows[0], csvHeader)
		}
		if !reflect.DeepEqual(rows[1], wantRow) {
			t.Errorf("row = %v, want %v", rows[1], wantRow)
		}
	})

	t.Run("writes the identical row to the annotator backup", func(t *testing.T) {
		rows := readCSV(t, filepath.Join(dir, "by_user", "alice.csv"))
		if len(rows) != 2 {
			t.Fatalf("got %d rows, want 2", len(rows))
		}
		if !reflect.DeepEqual(rows[1], wantRow) {
			t.Errorf("row = %v, want %v", rows[1], wantRow)
		}
	})

	t.Run("appends without repeating the header", func(t *testing.T) {
		if err := store.Append("alice", rec); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		rows := readCSV(t, filepath.Join(dir, "annotations.csv"))
		if len(rows) != 3 {
			t.Errorf("got %d rows, want 3", len(rows))
		}
	})

	t.Run("separates backups per annotator", func(t *testing.T) {
		if err := store.Append("bob", rec); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		shared := readCSV(t, filepath.Join(dir, "annotations.csv"))
		if len(shared) != 4 {
			t.Errorf("shared rows = %d, want 4", len(shared))
		}
		bob := readCSV(t, filepath.Join(dir, "by_user", "bob.csv"))
		if len(bob) != 2 {
			t.Errorf("bob rows = %d, want 2", len(bob))
		}
	})
}

func TestBackupFilename(t *testing.T) {
	tests := []struct {
		annotator string
		want      string
	}{
		{"alice", "alice.csv"},
		{"Alice-Smith_2", "Alice-Smith_2.csv"},
		{"../../etc/passwd", "______etc_passwd.csv"},
		{"a b", "a_b.csv"},
	}
	for _, tt := range tests {
		if got := backupFilename(tt.annotator); got != tt.want {
			t.Errorf("backupFilename(%q) = %q, want %q", tt.annotator, got, tt.want)
		}
	}
}
