// Package workers implements the pipeline's job types against the engine's
// Tick contract. Each worker does one bounded slice of work per invocation
// and checkpoints through the outcome it returns; none of them self-schedule.
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/studyforge/studyforge/internal/content"
	"github.com/studyforge/studyforge/internal/engine"
	"github.com/studyforge/studyforge/internal/extract"
	"github.com/studyforge/studyforge/internal/job"
)

// extractEstimate and analyzeEstimate bound how long one inference call is
// assumed to take; a tick with less budget than this left defers instead of
// starting the call.
const (
	extractEstimate = 2 * time.Minute
	analyzeEstimate = 30 * time.Second
)

// Extractor turns a source file reference into extracted text.
type Extractor interface {
	Extract(ctx context.Context, sourceRef, contentType string) (string, error)
}

// ChunkOptions control the word-count chunking of extracted text.
type ChunkOptions struct {
	Size    int
	Overlap int
}

// Ingest is the root worker of a document pipeline:
// fetch (validate inputs) -> extract (slow inference call) -> chunk (persist
// chunks, spawn segment detection).
type Ingest struct {
	jobs      job.Store
	content   *content.SQLiteStore
	extractor Extractor
	chunking  ChunkOptions
	log       *slog.Logger
}

func NewIngest(jobs job.Store, cs *content.SQLiteStore, ex Extractor, chunking ChunkOptions, log *slog.Logger) *Ingest {
	return &Ingest{jobs: jobs, content: cs, extractor: ex, chunking: chunking, log: log}
}

func (w *Ingest) Tick(ctx context.Context, j *job.Job, b *engine.Budget) engine.Outcome {
	var p job.IngestPayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return engine.Fail(fmt.Errorf("decode ingest payload: %w", err))
	}

	switch j.Stage {
	case job.StageFetch:
		if _, err := w.content.GetDocument(ctx, j.OwnerRef); err != nil {
			return engine.Fail(fmt.Errorf("document %s: %w", j.OwnerRef, err))
		}
		return engine.Advance(job.StageExtract, 10, j.Payload, 0)

	case job.StageExtract:
		if !b.Allows(extractEstimate) {
			// Not enough budget to survive the call; resume here next cycle.
			return engine.Advance(job.StageExtract, j.Progress, j.Payload, j.Cursor)
		}
		if err := w.jobs.Heartbeat(ctx, j.ID, j.LockedBy); err != nil {
			w.log.Warn("heartbeat before extract", "job_id", j.ID, "error", err)
		}

		text, err := w.extractor.Extract(ctx, p.SourceRef, p.ContentType)
		if err != nil {
			if extract.IsTransient(err) {
				return engine.Retry(err)
			}
			return engine.Fail(fmt.Errorf("extract %s: %w", p.SourceRef, err))
		}

		if err := w.content.SaveExtraction(ctx, j.OwnerRef, text); err != nil {
			return engine.Retry(err)
		}

		p.WordCount = wordCount(text)
		payload, err := json.Marshal(&p)
		if err != nil {
			return engine.Fail(fmt.Errorf("encode ingest payload: %w", err))
		}
		return engine.Advance(job.StageChunk, 60, payload, 0)

	case job.StageChunk:
		text, err := w.content.GetExtraction(ctx, j.OwnerRef)
		if err != nil {
			return engine.Fail(fmt.Errorf("load extraction: %w", err))
		}
		chunks := extract.Chunk(text, w.chunking.Size, w.chunking.Overlap)
		if len(chunks) == 0 {
			return engine.Fail(fmt.Errorf("source %s extracted to no content", p.SourceRef))
		}
		if err := w.content.ReplaceChunks(ctx, j.OwnerRef, chunks); err != nil {
			return engine.Retry(err)
		}

		detectPayload, err := json.Marshal(&job.DetectSegmentsPayload{ContentType: p.ContentType})
		if err != nil {
			return engine.Fail(fmt.Errorf("encode detect payload: %w", err))
		}
		// Idempotent successor spawn: safe to repeat if this tick re-runs.
		if _, err := w.jobs.Spawn(ctx, job.SpawnRequest{
			Type:      job.TypeDetectSegments,
			OwnerRef:  j.OwnerRef,
			Payload:   detectPayload,
			DedupeKey: job.DedupeKeyFor(j.OwnerRef, job.TypeDetectSegments),
		}); err != nil {
			return engine.Retry(err)
		}
		w.log.Info("document ingested", "document_id", j.OwnerRef, "chunks", len(chunks), "words", p.WordCount)
		return engine.Complete()

	default:
		return engine.Fail(fmt.Errorf("ingest: unknown stage %q", j.Stage))
	}
}

func wordCount(text string) int {
	n := 0
	inWord := false
	for _, r := range text {
		switch r {
		case ' ', '\t', '\n', '\r':
			inWord = false
		default:
			if !inWord {
				n++
			}
			inWord = true
		}
	}
	return n
}
