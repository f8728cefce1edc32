package harvest

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lewtec/harvestmark/internal/domain"
)

var csvHeader = []string{"farm_id", "selected_image", "image_path", "total_images", "timestamp"}

// CSVStore appends annotation records to the shared CSV and to one backup
// CSV per annotator, with the identical row schema. Files are append-only;
// a re-annotated farm produces a new row.
type CSVStore struct {
	mu        sync.Mutex
	path      string
	backupDir string
}

// NewCSVStore creates a CSVStore writing to path, with per-annotator
// backups under backupDir.
func NewCSVStore(path, backupDir string) *CSVStore {
	return &CSVStore{path: path, backupDir: backupDir}
}

// Append writes the record to both files. If either write fails the caller
// must not report the save as successful.
func (s *CSVStore) Append(annotator string, rec *domain.AnnotationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := appendRow(s.path, rec); err != nil {
		return fmt.Errorf("while appending to shared CSV: %w", err)
	}
	if err := os.MkdirAll(s.backupDir, 0755); err != nil {
		return fmt.Errorf("while creating backup directory: %w", err)
	}
	backup := filepath.Join(s.backupDir, backupFilename(annotator))
	if err := appendRow(backup, rec); err != nil {
		return fmt.Errorf("while appending to backup CSV of %s: %w", annotator, err)
	}
	return nil
}

func appendRow(path string, rec *domain.AnnotationRecord) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(csvHeader); err != nil {
			return err
		}
	}
	row := []string{
		rec.FarmID,
		rec.SelectedImage,
		rec.ImagePath,
		strconv.Itoa(rec.TotalImages),
		rec.Timestamp.UTC().Format(time.RFC3339),
	}
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Sync()
}

// backupFilename keeps annotator names from escaping the backup directory.
func backupFilename(annotator string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, annotator)
	return safe + ".csv"
}

// Verify that CSVStore implements domain.AnnotationSink
var _ domain.AnnotationSink = (*CSVStore)(nil)
