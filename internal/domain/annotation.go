package domain

import "time"

// AnnotationRecord is one harvest-ready selection. Records are append-only:
// a farm annotated again produces a new record, never an edit.
type AnnotationRecord struct {
	FarmID        string
	SelectedImage string
	ImagePath     string
	TotalImages   int
	Timestamp     time.Time
}

// AnnotationSink receives finished records. The CSV store appends each
// record to the shared file and to the annotator's backup file.
type AnnotationSink interface {
	Append(annotator string, rec *AnnotationRecord) error
}
