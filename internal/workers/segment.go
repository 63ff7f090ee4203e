package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/studyforge/studyforge/internal/content"
	"github.com/studyforge/studyforge/internal/engine"
	"github.com/studyforge/studyforge/internal/extract"
	"github.com/studyforge/studyforge/internal/job"
)

// Analyzer produces the analysis of one chunk of text.
type Analyzer interface {
	Analyze(ctx context.Context, text string) (*extract.Analysis, error)
}

// SegmentAnalyze works one segment chunk by chunk. The job's checkpoint
// cursor is the next chunk offset within the segment; per-chunk results are
// accumulated in the payload keyed by offset, so re-running a chunk after a
// crash or retry overwrites its old contribution instead of duplicating it.
// A permanent failure here is Covered: the synthesize barrier records the
// missing segment rather than failing the document.
type SegmentAnalyze struct {
	jobs     job.Store
	content  *content.SQLiteStore
	analyzer Analyzer
	log      *slog.Logger
}

func NewSegmentAnalyze(jobs job.Store, cs *content.SQLiteStore, a Analyzer, log *slog.Logger) *SegmentAnalyze {
	return &SegmentAnalyze{jobs: jobs, content: cs, analyzer: a, log: log}
}

func (w *SegmentAnalyze) Tick(ctx context.Context, j *job.Job, b *engine.Budget) engine.Outcome {
	var p job.SegmentAnalyzePayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return engine.Fail(fmt.Errorf("decode segment payload: %w", err)).Covered()
	}
	if p.Results == nil {
		p.Results = make(map[string]job.ChunkAnalysis)
	}

	seg, err := w.content.GetSegment(ctx, p.SegmentID)
	if err != nil {
		return engine.Fail(fmt.Errorf("load segment: %w", err)).Covered()
	}

	chunks, err := w.content.GetChunks(ctx, seg.DocumentID, seg.FirstChunk, seg.LastChunk)
	if err != nil {
		return engine.Retry(err)
	}
	total := len(chunks)
	if total == 0 {
		return engine.Fail(fmt.Errorf("segment %s covers no chunks", seg.ID)).Covered()
	}

	heartbeaten := false
	for cursor := j.Cursor; cursor < total; cursor++ {
		if !b.Allows(analyzeEstimate) {
			// Checkpoint what this tick finished and resume at cursor.
			return w.checkpoint(j, &p, cursor, total)
		}
		if !heartbeaten {
			if err := w.jobs.Heartbeat(ctx, j.ID, j.LockedBy); err != nil {
				w.log.Warn("heartbeat before analyze", "job_id", j.ID, "error", err)
			}
			heartbeaten = true
		}

		analysis, err := w.analyzer.Analyze(ctx, chunks[cursor])
		if err != nil {
			if extract.IsTransient(err) {
				return engine.Retry(err).Covered()
			}
			return engine.Fail(fmt.Errorf("analyze chunk %d of segment %s: %w", cursor, seg.ID, err)).Covered()
		}

		p.Results[strconv.Itoa(cursor)] = job.ChunkAnalysis{
			Summary:     analysis.Summary,
			FocusPoints: analysis.FocusPoints,
			QuizItems:   analysis.QuizItems,
		}
	}

	artifact := buildArtifact(seg, &p)
	if err := w.content.UpsertArtifact(ctx, artifact); err != nil {
		return engine.Retry(err)
	}
	w.log.Info("segment analyzed", "document_id", seg.DocumentID, "segment_id", seg.ID, "chunks", total)
	return engine.Complete()
}

func (w *SegmentAnalyze) checkpoint(j *job.Job, p *job.SegmentAnalyzePayload, cursor, total int) engine.Outcome {
	payload, err := json.Marshal(p)
	if err != nil {
		return engine.Fail(fmt.Errorf("encode segment payload: %w", err)).Covered()
	}
	progress := 10 + (85*cursor)/total
	return engine.Advance(job.StageAnalyze, progress, payload, cursor)
}

// buildArtifact flattens the per-chunk results, in chunk order, into the
// segment's artifact.
func buildArtifact(seg *content.Segment, p *job.SegmentAnalyzePayload) *content.Artifact {
	offsets := make([]int, 0, len(p.Results))
	for k := range p.Results {
		if n, err := strconv.Atoi(k); err == nil {
			offsets = append(offsets, n)
		}
	}
	sort.Ints(offsets)

	a := &content.Artifact{DocumentID: seg.DocumentID, SegmentID: seg.ID}
	for i, off := range offsets {
		r := p.Results[strconv.Itoa(off)]
		if r.Summary != "" {
			if i > 0 && a.Summary != "" {
				a.Summary += " "
			}
			a.Summary += r.Summary
		}
		a.FocusPoints = append(a.FocusPoints, r.FocusPoints...)
		a.QuizItems = append(a.QuizItems, r.QuizItems...)
	}
	return a
}
