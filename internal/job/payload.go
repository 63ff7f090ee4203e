package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Payloads form a discriminated union keyed by job type. Each variant carries
// the job's original input plus whatever checkpoint state its worker needs to
// resume mid-stage. The engine itself never interprets them; it only validates
// shape at claim time so a malformed row is dead-lettered instead of crashing
// a worker mid-tick.

var validContentTypes = map[string]bool{
	"pdf_scan":   true,
	"audio":      true,
	"note_image": true,
	"text":       true,
}

// IngestPayload is the input of a TypeIngest job.
type IngestPayload struct {
	SourceRef   string `json:"source_ref"`
	ContentType string `json:"content_type"`
	// WordCount is checkpoint state recorded after extraction, used for
	// progress reporting in later stages.
	WordCount int `json:"word_count,omitempty"`
}

func (p *IngestPayload) Validate() error {
	if p.SourceRef == "" {
		return errors.New("source_ref must not be empty")
	}
	if !validContentTypes[p.ContentType] {
		return fmt.Errorf("content_type %q must be one of: pdf_scan, audio, note_image, text", p.ContentType)
	}
	return nil
}

// DetectSegmentsPayload is the input of a TypeDetectSegments job.
type DetectSegmentsPayload struct {
	ContentType string `json:"content_type"`
}

func (p *DetectSegmentsPayload) Validate() error { return nil }

// ChunkAnalysis is the analysis of a single chunk, keyed by chunk offset in
// SegmentAnalyzePayload so a re-run of the same chunk overwrites rather than
// duplicates its contribution.
type ChunkAnalysis struct {
	Summary     string      `json:"summary,omitempty"`
	FocusPoints []FocusItem `json:"focus_points,omitempty"`
	QuizItems   []QuizItem  `json:"quiz_items,omitempty"`
}

type FocusItem struct {
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
}

type QuizItem struct {
	Question string `json:"question"`
	Answer   string `json:"answer,omitempty"`
}

// SegmentAnalyzePayload is the input and checkpoint state of a
// TypeSegmentAnalyze job. Results maps chunk offset (within the segment) to
// that chunk's analysis; the job's checkpoint cursor is the next offset to
// process.
type SegmentAnalyzePayload struct {
	SegmentID string                   `json:"segment_id"`
	Results   map[string]ChunkAnalysis `json:"results,omitempty"`
}

func (p *SegmentAnalyzePayload) Validate() error {
	if p.SegmentID == "" {
		return errors.New("segment_id must not be empty")
	}
	return nil
}

// SynthesizePayload is the input of a TypeSynthesize barrier job.
type SynthesizePayload struct {
	// SkippedSegments accumulates ids of siblings that failed permanently and
	// were excluded from the wait set, recorded in the merged result.
	SkippedSegments []string `json:"skipped_segments,omitempty"`
}

func (p *SynthesizePayload) Validate() error { return nil }

// ValidatePayload checks that raw decodes into the payload variant for t.
// Unknown fields are rejected so schema drift surfaces as a dead letter, not
// silent data loss.
func ValidatePayload(t Type, raw json.RawMessage) error {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	var v interface{ Validate() error }
	switch t {
	case TypeIngest:
		v = &IngestPayload{}
	case TypeDetectSegments:
		v = &DetectSegmentsPayload{}
	case TypeSegmentAnalyze:
		v = &SegmentAnalyzePayload{}
	case TypeSynthesize:
		v = &SynthesizePayload{}
	default:
		return fmt.Errorf("unknown job type %q", t)
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode %s payload: %w", t, err)
	}
	return v.Validate()
}

// DedupeKeyFor builds the deterministic dedupe key for a logical unit of work.
// Every spawn site that can plausibly run twice for the same unit must use it.
func DedupeKeyFor(owner string, t Type, sub ...string) string {
	parts := append([]string{owner, string(t)}, sub...)
	return strings.Join(parts, ":")
}
