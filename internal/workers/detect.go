package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/studyforge/studyforge/internal/content"
	"github.com/studyforge/studyforge/internal/engine"
	"github.com/studyforge/studyforge/internal/job"
)

// segmentSpan is how many chunks one segment covers. A detected segment is
// the fan-out unit: one segment_analyze job per segment.
const segmentSpan = 4

// DetectSegments splits a chunked document into segments and fans out the
// per-segment analysis jobs plus the synthesize barrier. Every spawn carries
// a deterministic dedupe key, so re-running detection never duplicates a
// pipeline branch.
type DetectSegments struct {
	jobs    job.Store
	content *content.SQLiteStore
	log     *slog.Logger
}

func NewDetectSegments(jobs job.Store, cs *content.SQLiteStore, log *slog.Logger) *DetectSegments {
	return &DetectSegments{jobs: jobs, content: cs, log: log}
}

func (w *DetectSegments) Tick(ctx context.Context, j *job.Job, b *engine.Budget) engine.Outcome {
	total, err := w.content.CountChunks(ctx, j.OwnerRef)
	if err != nil {
		return engine.Retry(err)
	}
	if total == 0 {
		return engine.Fail(fmt.Errorf("document %s has no chunks to segment", j.OwnerRef))
	}

	for idx, first := 0, 0; first < total; idx, first = idx+1, first+segmentSpan {
		last := first + segmentSpan - 1
		if last >= total {
			last = total - 1
		}

		seg := &content.Segment{
			// Deterministic id: a second detection run upserts the same rows.
			ID:         segmentID(j.OwnerRef, idx),
			DocumentID: j.OwnerRef,
			Index:      idx,
			Title:      fmt.Sprintf("Part %d", idx+1),
			FirstChunk: first,
			LastChunk:  last,
		}
		if err := w.content.UpsertSegment(ctx, seg); err != nil {
			return engine.Retry(err)
		}

		payload, err := json.Marshal(&job.SegmentAnalyzePayload{SegmentID: seg.ID})
		if err != nil {
			return engine.Fail(fmt.Errorf("encode segment payload: %w", err))
		}
		if _, err := w.jobs.Spawn(ctx, job.SpawnRequest{
			Type:      job.TypeSegmentAnalyze,
			OwnerRef:  j.OwnerRef,
			Payload:   payload,
			DedupeKey: job.DedupeKeyFor(j.OwnerRef, job.TypeSegmentAnalyze, seg.ID),
		}); err != nil {
			return engine.Retry(err)
		}
	}

	// The barrier that joins the fan-out set.
	if _, err := w.jobs.Spawn(ctx, job.SpawnRequest{
		Type:      job.TypeSynthesize,
		OwnerRef:  j.OwnerRef,
		DedupeKey: job.DedupeKeyFor(j.OwnerRef, job.TypeSynthesize),
	}); err != nil {
		return engine.Retry(err)
	}

	segments := (total + segmentSpan - 1) / segmentSpan
	w.log.Info("segments detected", "document_id", j.OwnerRef, "segments", segments)
	return engine.Complete()
}

// segmentID derives a stable UUID from the document and segment index.
func segmentID(documentID string, idx int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, fmt.Appendf(nil, "%s/segment/%d", documentID, idx)).String()
}
