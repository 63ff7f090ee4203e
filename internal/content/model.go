// Package content owns the domain entities the pipeline produces: documents,
// their extracted segments and per-segment artifacts, and the final study
// guide. All writes are overwrite-based so a re-run of an interrupted tick is
// safe.
package content

import (
	"time"

	"github.com/studyforge/studyforge/internal/job"
)

type DocumentStatus string

const (
	DocumentProcessing DocumentStatus = "processing"
	DocumentCompleted  DocumentStatus = "completed"
	DocumentFailed     DocumentStatus = "failed"
)

// Document is the owner aggregate every job of one pipeline contributes to.
// Callers poll its status; there is no push notification.
type Document struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	SourceRef   string         `json:"source_ref"`
	ContentType string         `json:"content_type"`
	Status      DocumentStatus `json:"status"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Segment is one fan-out unit (a chapter or page range) detected in a
// document, covering the chunk range [FirstChunk, LastChunk].
type Segment struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Index      int    `json:"index"`
	Title      string `json:"title"`
	FirstChunk int    `json:"first_chunk"`
	LastChunk  int    `json:"last_chunk"`
}

// Artifact is the analysis of one segment, written once (overwritten on
// re-run) by its segment_analyze job.
type Artifact struct {
	DocumentID  string          `json:"document_id"`
	SegmentID   string          `json:"segment_id"`
	Summary     string          `json:"summary"`
	FocusPoints []job.FocusItem `json:"focus_points,omitempty"`
	QuizItems   []job.QuizItem  `json:"quiz_items,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// StudyGuide is the synthesized result for a document, written by the
// terminal barrier job. SkippedSegments records siblings whose contribution
// is missing because they failed permanently.
type StudyGuide struct {
	DocumentID      string          `json:"document_id"`
	Summary         string          `json:"summary"`
	FocusPoints     []job.FocusItem `json:"focus_points,omitempty"`
	QuizItems       []job.QuizItem  `json:"quiz_items,omitempty"`
	SkippedSegments []string        `json:"skipped_segments,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}
