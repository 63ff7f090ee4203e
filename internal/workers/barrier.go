package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/studyforge/studyforge/internal/content"
	"github.com/studyforge/studyforge/internal/engine"
	"github.com/studyforge/studyforge/internal/job"
)

// Synthesize is the fan-in barrier of the pipeline. Its wait stage does no
// domain work: it re-checks how many segment_analyze siblings are still
// pending or processing and defers with a poll delay while any remain.
// Permanently failed siblings are excluded from the wait set; their absence
// is recorded in the study guide instead of blocking the join forever.
// Once drained it advances to merge, pulls every sibling artifact and writes
// the document's study guide.
type Synthesize struct {
	jobs     job.Store
	content  *content.SQLiteStore
	pollWait time.Duration
	log      *slog.Logger
}

func NewSynthesize(jobs job.Store, cs *content.SQLiteStore, pollWait time.Duration, log *slog.Logger) *Synthesize {
	return &Synthesize{jobs: jobs, content: cs, pollWait: pollWait, log: log}
}

func (w *Synthesize) Tick(ctx context.Context, j *job.Job, b *engine.Budget) engine.Outcome {
	var p job.SynthesizePayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return engine.Fail(fmt.Errorf("decode synthesize payload: %w", err))
	}

	switch j.Stage {
	case job.StageWait:
		outstanding, err := w.jobs.CountActive(ctx, j.OwnerRef, job.TypeSegmentAnalyze)
		if err != nil {
			return engine.Retry(err)
		}
		if outstanding > 0 {
			// Keep polling; the dispatcher owns the interval via the delay.
			return engine.Advance(job.StageWait, 20, j.Payload, 0).WithDelay(w.pollWait)
		}

		skipped, err := w.failedSegments(ctx, j.OwnerRef)
		if err != nil {
			return engine.Retry(err)
		}
		p.SkippedSegments = skipped
		payload, err := json.Marshal(&p)
		if err != nil {
			return engine.Fail(fmt.Errorf("encode synthesize payload: %w", err))
		}
		// The join decision is durable: merge happens on the next tick even
		// if this worker dies right after this checkpoint.
		return engine.Advance(job.StageMerge, 50, payload, 0)

	case job.StageMerge:
		guide, err := w.merge(ctx, j.OwnerRef, p.SkippedSegments)
		if err != nil {
			return engine.Retry(err)
		}
		if err := w.content.SaveStudyGuide(ctx, guide); err != nil {
			return engine.Retry(err)
		}
		if err := w.content.MarkCompleted(ctx, j.OwnerRef); err != nil {
			return engine.Retry(err)
		}
		w.log.Info("study guide synthesized", "document_id", j.OwnerRef,
			"focus_points", len(guide.FocusPoints), "quiz_items", len(guide.QuizItems),
			"skipped_segments", len(guide.SkippedSegments))
		return engine.Complete()

	default:
		return engine.Fail(fmt.Errorf("synthesize: unknown stage %q", j.Stage))
	}
}

// failedSegments returns the segment ids of siblings that failed permanently.
func (w *Synthesize) failedSegments(ctx context.Context, owner string) ([]string, error) {
	siblings, err := w.jobs.ListByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	var skipped []string
	for _, sib := range siblings {
		if sib.Type != job.TypeSegmentAnalyze || sib.Status != job.StatusFailed {
			continue
		}
		var sp job.SegmentAnalyzePayload
		if err := json.Unmarshal(sib.Payload, &sp); err != nil || sp.SegmentID == "" {
			skipped = append(skipped, sib.ID)
			continue
		}
		skipped = append(skipped, sp.SegmentID)
	}
	return skipped, nil
}

// merge combines all sibling artifacts into one study guide. Focus points and
// quiz items are deduplicated by normalized logical identity, not row id, so
// a segment that was retried twice still contributes each item exactly once.
func (w *Synthesize) merge(ctx context.Context, owner string, skipped []string) (*content.StudyGuide, error) {
	artifacts, err := w.content.ListArtifacts(ctx, owner)
	if err != nil {
		return nil, err
	}

	guide := &content.StudyGuide{DocumentID: owner, SkippedSegments: skipped}
	var summaries []string
	seenFocus := make(map[string]bool)
	seenQuiz := make(map[string]bool)

	for _, a := range artifacts {
		if a.Summary != "" {
			summaries = append(summaries, a.Summary)
		}
		for _, f := range a.FocusPoints {
			key := normalizeTitle(f.Title)
			if key == "" || seenFocus[key] {
				continue
			}
			seenFocus[key] = true
			guide.FocusPoints = append(guide.FocusPoints, f)
		}
		for _, q := range a.QuizItems {
			key := normalizeTitle(q.Question)
			if key == "" || seenQuiz[key] {
				continue
			}
			seenQuiz[key] = true
			guide.QuizItems = append(guide.QuizItems, q)
		}
	}
	guide.Summary = strings.Join(summaries, "\n\n")
	return guide, nil
}

// normalizeTitle lowercases and collapses whitespace so near-identical titles
// from different chunks dedupe to one.
func normalizeTitle(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
