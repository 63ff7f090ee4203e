package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/studyforge/studyforge/internal/content"
	"github.com/studyforge/studyforge/internal/engine"
	"github.com/studyforge/studyforge/internal/extract"
	"github.com/studyforge/studyforge/internal/job"
)

// newStores opens the job and content stores on one shared database file,
// the same layout the server runs with.
func newStores(t *testing.T) (*job.SQLiteStore, *content.SQLiteStore) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "studyforge.db")
	jobs, err := job.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("job store: %v", err)
	}
	t.Cleanup(func() { jobs.Close() })

	cs, err := content.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("content store: %v", err)
	}
	t.Cleanup(func() { cs.Close() })
	return jobs, cs
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeExtractor returns fixed text, optionally failing transiently first.
type fakeExtractor struct {
	text          string
	transientLeft int
	calls         int
}

func (f *fakeExtractor) Extract(_ context.Context, _, _ string) (string, error) {
	f.calls++
	if f.transientLeft > 0 {
		f.transientLeft--
		return "", &extract.TransientError{Err: errors.New("extractor busy")}
	}
	return f.text, nil
}

// fakeAnalyzer derives a deterministic analysis from the chunk's first word.
// It can be told to fail, transiently or permanently, on a specific chunk.
type fakeAnalyzer struct {
	transientOn   string
	transientLeft int
	permanentOn   string
	calls         int
}

func (f *fakeAnalyzer) Analyze(_ context.Context, text string) (*extract.Analysis, error) {
	f.calls++
	first := firstWord(text)
	if f.permanentOn != "" && first == f.permanentOn {
		return nil, errors.New("analyzer rejected content")
	}
	if f.transientLeft > 0 && first == f.transientOn {
		f.transientLeft--
		return nil, &extract.TransientError{Err: errors.New("analyzer 503")}
	}
	return &extract.Analysis{
		Summary:     "about " + first,
		FocusPoints: []job.FocusItem{{Title: "focus " + first}},
		QuizItems:   []job.QuizItem{{Question: "what is " + first + "?", Answer: first}},
	}, nil
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func pipelineOptions() engine.Options {
	return engine.Options{
		MaxAttempts:        5,
		BackoffBase:        0,
		BackoffCap:         time.Minute,
		StalenessThreshold: time.Hour,
		ClaimBatchSize:     20,
		TickTimeBudget:     time.Hour,
	}
}

// newPipelineDispatcher wires all four workers the way cmd/studyforge does.
func newPipelineDispatcher(jobs *job.SQLiteStore, cs *content.SQLiteStore, ex Extractor, an Analyzer, opts engine.Options) *engine.Dispatcher {
	log := discardLogger()
	d := engine.New(jobs, cs, opts, log)
	d.Register(job.TypeIngest, NewIngest(jobs, cs, ex, ChunkOptions{Size: 10, Overlap: 0}, log))
	d.Register(job.TypeDetectSegments, NewDetectSegments(jobs, cs, log))
	d.Register(job.TypeSegmentAnalyze, NewSegmentAnalyze(jobs, cs, an, log))
	d.Register(job.TypeSynthesize, NewSynthesize(jobs, cs, 0, log))
	return d
}

// submitDocument creates the document row and its root ingest job.
func submitDocument(t *testing.T, jobs *job.SQLiteStore, cs *content.SQLiteStore, id string) {
	t.Helper()
	ctx := context.Background()
	doc := &content.Document{ID: id, Title: "Bio 101 notes", SourceRef: "blob/" + id + ".pdf", ContentType: "pdf_scan"}
	if err := cs.CreateDocument(ctx, doc); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	payload, _ := json.Marshal(&job.IngestPayload{SourceRef: doc.SourceRef, ContentType: doc.ContentType})
	if _, err := jobs.Spawn(ctx, job.SpawnRequest{
		Type:      job.TypeIngest,
		OwnerRef:  id,
		Payload:   payload,
		DedupeKey: job.DedupeKeyFor(id, job.TypeIngest),
	}); err != nil {
		t.Fatalf("Spawn ingest: %v", err)
	}
}

// runUntilDrained dispatches until every job is terminal.
func runUntilDrained(t *testing.T, d *engine.Dispatcher, jobs *job.SQLiteStore) {
	t.Helper()
	ctx := context.Background()
	for cycle := 0; cycle < 100; cycle++ {
		if _, err := d.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce cycle %d: %v", cycle, err)
		}
		all, _, err := jobs.List(ctx, 100, 0)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		drained := true
		for _, j := range all {
			if !j.Status.IsTerminal() {
				drained = false
				break
			}
		}
		if drained {
			return
		}
	}
	t.Fatal("pipeline did not drain within 100 cycles")
}

// sourceText builds a 90-word document: 9 chunks of 10 words, 3 segments.
func sourceText() string {
	words := make([]string, 90)
	for i := range words {
		words[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(words, " ")
}

func TestPipeline_EndToEnd(t *testing.T) {
	ctx := context.Background()
	jobs, cs := newStores(t)

	// One transient extractor failure and one transient analyzer failure on
	// the middle segment: the pipeline must absorb both and still produce
	// every contribution exactly once.
	ex := &fakeExtractor{text: sourceText(), transientLeft: 1}
	an := &fakeAnalyzer{transientOn: "w50", transientLeft: 1}
	d := newPipelineDispatcher(jobs, cs, ex, an, pipelineOptions())

	submitDocument(t, jobs, cs, "doc-1")
	runUntilDrained(t, d, jobs)

	doc, err := cs.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Status != content.DocumentCompleted {
		t.Fatalf("document status = %q (error %q), want completed", doc.Status, doc.Error)
	}

	all, total, _ := jobs.List(ctx, 100, 0)
	if total != 6 {
		t.Errorf("job count = %d, want 6 (ingest, detect, 3 analyze, synthesize)", total)
	}
	byType := map[job.Type]int{}
	for _, j := range all {
		if j.Status != job.StatusCompleted {
			t.Errorf("job %s (%s) status = %q, want completed", j.ID, j.Type, j.Status)
		}
		byType[j.Type]++
	}
	if byType[job.TypeSegmentAnalyze] != 3 {
		t.Errorf("segment_analyze jobs = %d, want 3", byType[job.TypeSegmentAnalyze])
	}

	if n, _ := cs.CountChunks(ctx, "doc-1"); n != 9 {
		t.Errorf("chunks = %d, want 9", n)
	}
	segs, _ := cs.ListSegments(ctx, "doc-1")
	if len(segs) != 3 {
		t.Errorf("segments = %d, want 3", len(segs))
	}
	arts, _ := cs.ListArtifacts(ctx, "doc-1")
	if len(arts) != 3 {
		t.Errorf("artifacts = %d, want 3", len(arts))
	}

	guide, err := cs.GetStudyGuide(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetStudyGuide: %v", err)
	}
	if len(guide.FocusPoints) != 9 {
		t.Errorf("focus points = %d, want one per chunk", len(guide.FocusPoints))
	}
	if len(guide.QuizItems) != 9 {
		t.Errorf("quiz items = %d, want one per chunk", len(guide.QuizItems))
	}
	if len(guide.SkippedSegments) != 0 {
		t.Errorf("skipped segments = %v, want none", guide.SkippedSegments)
	}
	// The retried segment re-ran some chunks; their contributions must still
	// appear exactly once.
	for _, w := range []string{"about w40", "about w50"} {
		if n := strings.Count(guide.Summary, w); n != 1 {
			t.Errorf("summary contains %q %d times, want exactly once", w, n)
		}
	}
}

func TestPipeline_FailedSegmentIsSkippedNotFatal(t *testing.T) {
	ctx := context.Background()
	jobs, cs := newStores(t)

	// The last segment (chunk 8, first word w80) fails permanently.
	ex := &fakeExtractor{text: sourceText()}
	an := &fakeAnalyzer{permanentOn: "w80"}
	d := newPipelineDispatcher(jobs, cs, ex, an, pipelineOptions())

	submitDocument(t, jobs, cs, "doc-1")
	runUntilDrained(t, d, jobs)

	doc, _ := cs.GetDocument(ctx, "doc-1")
	if doc.Status != content.DocumentCompleted {
		t.Fatalf("document status = %q, want completed despite the failed segment", doc.Status)
	}

	segs, _ := cs.ListSegments(ctx, "doc-1")
	if len(segs) != 3 {
		t.Fatalf("segments = %d, want 3", len(segs))
	}
	failedSegID := segs[2].ID

	guide, err := cs.GetStudyGuide(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetStudyGuide: %v", err)
	}
	if len(guide.SkippedSegments) != 1 || guide.SkippedSegments[0] != failedSegID {
		t.Errorf("skipped segments = %v, want [%s]", guide.SkippedSegments, failedSegID)
	}
	// 8 chunks contributed; the failed segment's single chunk did not.
	if len(guide.FocusPoints) != 8 {
		t.Errorf("focus points = %d, want 8", len(guide.FocusPoints))
	}
	if strings.Contains(guide.Summary, "about w80") {
		t.Error("failed segment leaked a contribution into the study guide")
	}

	arts, _ := cs.ListArtifacts(ctx, "doc-1")
	if len(arts) != 2 {
		t.Errorf("artifacts = %d, want 2", len(arts))
	}

	all, _, _ := jobs.List(ctx, 100, 0)
	var failedAnalyze int
	for _, j := range all {
		if j.Type == job.TypeSegmentAnalyze && j.Status == job.StatusFailed {
			failedAnalyze++
		}
	}
	if failedAnalyze != 1 {
		t.Errorf("failed segment_analyze jobs = %d, want 1", failedAnalyze)
	}
}

func TestPipeline_RetryExhaustedSegmentStillSkipped(t *testing.T) {
	ctx := context.Background()
	jobs, cs := newStores(t)

	opts := pipelineOptions()
	opts.MaxAttempts = 2
	// Every analysis of w80 fails transiently, so the job burns through its
	// retry budget and dies covered.
	ex := &fakeExtractor{text: sourceText()}
	an := &fakeAnalyzer{transientOn: "w80", transientLeft: 1 << 30}
	d := newPipelineDispatcher(jobs, cs, ex, an, opts)

	submitDocument(t, jobs, cs, "doc-1")
	runUntilDrained(t, d, jobs)

	doc, _ := cs.GetDocument(ctx, "doc-1")
	if doc.Status != content.DocumentCompleted {
		t.Fatalf("document status = %q, want completed", doc.Status)
	}
	guide, err := cs.GetStudyGuide(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetStudyGuide: %v", err)
	}
	if len(guide.SkippedSegments) != 1 {
		t.Errorf("skipped segments = %v, want exactly one", guide.SkippedSegments)
	}

	letters, _ := jobs.ListDeadLetters(ctx)
	if len(letters) != 1 {
		t.Errorf("dead letters = %d, want 1 for the exhausted segment", len(letters))
	}
}

func TestIngest_StageProgression(t *testing.T) {
	ctx := context.Background()
	jobs, cs := newStores(t)
	ex := &fakeExtractor{text: sourceText()}
	d := newPipelineDispatcher(jobs, cs, ex, &fakeAnalyzer{}, pipelineOptions())

	submitDocument(t, jobs, cs, "doc-1")
	byOwner := func() *job.Job {
		list, err := jobs.ListByOwner(ctx, "doc-1")
		if err != nil {
			t.Fatalf("ListByOwner: %v", err)
		}
		for _, j := range list {
			if j.Type == job.TypeIngest {
				return j
			}
		}
		t.Fatal("ingest job missing")
		return nil
	}

	// fetch -> extract
	if _, err := d.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if j := byOwner(); j.Stage != job.StageExtract {
		t.Fatalf("stage = %q, want extract", j.Stage)
	}

	// extract -> chunk, with the extraction persisted and word count checkpointed
	if _, err := d.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	j := byOwner()
	if j.Stage != job.StageChunk {
		t.Fatalf("stage = %q, want chunk", j.Stage)
	}
	var p job.IngestPayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.WordCount != 90 {
		t.Errorf("word_count = %d, want 90", p.WordCount)
	}
	if _, err := cs.GetExtraction(ctx, "doc-1"); err != nil {
		t.Errorf("extraction not persisted: %v", err)
	}

	// chunk -> completed, successor spawned
	if _, err := d.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if j := byOwner(); j.Status != job.StatusCompleted {
		t.Fatalf("status = %q, want completed", j.Status)
	}
	list, _ := jobs.ListByOwner(ctx, "doc-1")
	var detects int
	for _, j := range list {
		if j.Type == job.TypeDetectSegments {
			detects++
		}
	}
	if detects != 1 {
		t.Errorf("detect_segments jobs = %d, want 1", detects)
	}
}

func TestIngest_DefersExtractWhenBudgetShort(t *testing.T) {
	ctx := context.Background()
	jobs, cs := newStores(t)
	ex := &fakeExtractor{text: sourceText()}

	opts := pipelineOptions()
	opts.TickTimeBudget = 90 * time.Second // less than one extraction estimate
	d := newPipelineDispatcher(jobs, cs, ex, &fakeAnalyzer{}, opts)

	submitDocument(t, jobs, cs, "doc-1")

	// Cycle 1 moves fetch -> extract; cycle 2 must defer instead of calling out.
	if _, err := d.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	report, err := d.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Advanced != 1 {
		t.Errorf("report = %+v, want one deferral", report)
	}
	if ex.calls != 0 {
		t.Errorf("extractor called %d times with insufficient budget", ex.calls)
	}

	list, _ := jobs.ListByOwner(ctx, "doc-1")
	if list[0].Stage != job.StageExtract || list[0].Status != job.StatusPending {
		t.Errorf("deferred job = stage %q status %q", list[0].Stage, list[0].Status)
	}
	if list[0].AttemptCount != 0 {
		t.Errorf("deferral counted as an attempt: %d", list[0].AttemptCount)
	}
}

func TestDetect_FanOutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	jobs, cs := newStores(t)
	d := newPipelineDispatcher(jobs, cs, &fakeExtractor{}, &fakeAnalyzer{}, pipelineOptions())

	doc := &content.Document{ID: "doc-1", Title: "t", SourceRef: "s", ContentType: "text"}
	if err := cs.CreateDocument(ctx, doc); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	chunks := make([]string, 9)
	for i := range chunks {
		chunks[i] = fmt.Sprintf("chunk %d", i)
	}
	if err := cs.ReplaceChunks(ctx, "doc-1", chunks); err != nil {
		t.Fatalf("ReplaceChunks: %v", err)
	}

	// Two detection jobs for the same document, as after a requeue.
	for i := 0; i < 2; i++ {
		if _, err := jobs.Spawn(ctx, job.SpawnRequest{Type: job.TypeDetectSegments, OwnerRef: "doc-1"}); err != nil {
			t.Fatalf("Spawn: %v", err)
		}
	}
	if _, err := d.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	segs, _ := cs.ListSegments(ctx, "doc-1")
	if len(segs) != 3 {
		t.Errorf("segments = %d, want 3 despite double detection", len(segs))
	}

	list, _ := jobs.ListByOwner(ctx, "doc-1")
	byType := map[job.Type]int{}
	for _, j := range list {
		byType[j.Type]++
	}
	if byType[job.TypeSegmentAnalyze] != 3 {
		t.Errorf("segment_analyze jobs = %d, want 3 (deduped)", byType[job.TypeSegmentAnalyze])
	}
	if byType[job.TypeSynthesize] != 1 {
		t.Errorf("synthesize jobs = %d, want 1 (deduped)", byType[job.TypeSynthesize])
	}
}

func TestSynthesize_WaitsForSiblings(t *testing.T) {
	ctx := context.Background()
	jobs, cs := newStores(t)
	log := discardLogger()

	// Only the barrier worker is registered, so the sibling is never claimed
	// and stays in the wait set until the test resolves it.
	d := engine.New(jobs, cs, pipelineOptions(), log)
	d.Register(job.TypeSynthesize, NewSynthesize(jobs, cs, 0, log))

	doc := &content.Document{ID: "doc-1", Title: "t", SourceRef: "s", ContentType: "text"}
	if err := cs.CreateDocument(ctx, doc); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	seg := &content.Segment{ID: "seg-1", DocumentID: "doc-1", Index: 0, Title: "Part 1", FirstChunk: 0, LastChunk: 0}
	if err := cs.UpsertSegment(ctx, seg); err != nil {
		t.Fatalf("UpsertSegment: %v", err)
	}

	payload, _ := json.Marshal(&job.SegmentAnalyzePayload{SegmentID: "seg-1"})
	sibling, _ := jobs.Spawn(ctx, job.SpawnRequest{Type: job.TypeSegmentAnalyze, OwnerRef: "doc-1", Payload: payload})
	barrier, _ := jobs.Spawn(ctx, job.SpawnRequest{Type: job.TypeSynthesize, OwnerRef: "doc-1"})

	// Sibling active: the barrier keeps waiting and writes nothing.
	if _, err := d.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	j, _ := jobs.Get(ctx, barrier)
	if j.Stage != job.StageWait || j.Status != job.StatusPending {
		t.Fatalf("barrier = stage %q status %q, want polling in wait", j.Stage, j.Status)
	}
	if _, err := cs.GetStudyGuide(ctx, "doc-1"); !errors.Is(err, content.ErrNotFound) {
		t.Fatalf("study guide written while a sibling was active: %v", err)
	}

	// Resolve the sibling and let the barrier advance to merge, then merge.
	if err := cs.UpsertArtifact(ctx, &content.Artifact{
		DocumentID: "doc-1", SegmentID: "seg-1", Summary: "about cells",
		FocusPoints: []job.FocusItem{{Title: "Cells"}},
	}); err != nil {
		t.Fatalf("UpsertArtifact: %v", err)
	}
	if err := jobs.Complete(ctx, sibling, ""); err != nil {
		t.Fatalf("Complete sibling: %v", err)
	}

	if _, err := d.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	j, _ = jobs.Get(ctx, barrier)
	if j.Stage != job.StageMerge {
		t.Fatalf("barrier stage = %q, want merge after the wait set drained", j.Stage)
	}

	if _, err := d.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	j, _ = jobs.Get(ctx, barrier)
	if j.Status != job.StatusCompleted {
		t.Fatalf("barrier status = %q, want completed", j.Status)
	}

	guide, err := cs.GetStudyGuide(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetStudyGuide: %v", err)
	}
	if guide.Summary != "about cells" || len(guide.FocusPoints) != 1 {
		t.Errorf("guide = %+v", guide)
	}
	doc, _ = cs.GetDocument(ctx, "doc-1")
	if doc.Status != content.DocumentCompleted {
		t.Errorf("document status = %q, want completed", doc.Status)
	}
}

func TestSegmentAnalyze_ResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	jobs, cs := newStores(t)
	an := &fakeAnalyzer{}
	log := discardLogger()

	doc := &content.Document{ID: "doc-1", Title: "t", SourceRef: "s", ContentType: "text"}
	if err := cs.CreateDocument(ctx, doc); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	chunks := []string{"alpha text", "beta text", "gamma text", "delta text"}
	if err := cs.ReplaceChunks(ctx, "doc-1", chunks); err != nil {
		t.Fatalf("ReplaceChunks: %v", err)
	}
	seg := &content.Segment{ID: "seg-1", DocumentID: "doc-1", Index: 0, Title: "Part 1", FirstChunk: 0, LastChunk: 3}
	if err := cs.UpsertSegment(ctx, seg); err != nil {
		t.Fatalf("UpsertSegment: %v", err)
	}

	payload, _ := json.Marshal(&job.SegmentAnalyzePayload{SegmentID: "seg-1"})
	id, _ := jobs.Spawn(ctx, job.SpawnRequest{Type: job.TypeSegmentAnalyze, OwnerRef: "doc-1", Payload: payload})

	// Simulate an earlier invocation that analyzed chunks 0 and 1 and
	// checkpointed before being cut off.
	checkpointed, _ := json.Marshal(&job.SegmentAnalyzePayload{
		SegmentID: "seg-1",
		Results: map[string]job.ChunkAnalysis{
			"0": {Summary: "about alpha", FocusPoints: []job.FocusItem{{Title: "focus alpha"}}},
			"1": {Summary: "about beta", FocusPoints: []job.FocusItem{{Title: "focus beta"}}},
		},
	})
	if err := jobs.Advance(ctx, id, "", job.StageAnalyze, 52, checkpointed, 2, 0); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	// A budget too small for even one analysis call: the worker must
	// checkpoint in place without touching the analyzer or burning an attempt.
	short := pipelineOptions()
	short.TickTimeBudget = 10 * time.Second
	d := engine.New(jobs, cs, short, log)
	d.Register(job.TypeSegmentAnalyze, NewSegmentAnalyze(jobs, cs, an, log))
	if _, err := d.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	j, _ := jobs.Get(ctx, id)
	if j.Status != job.StatusPending || j.Stage != job.StageAnalyze || j.Cursor != 2 {
		t.Fatalf("deferred job = status %q stage %q cursor %d", j.Status, j.Stage, j.Cursor)
	}
	if j.AttemptCount != 0 {
		t.Errorf("budget deferral counted as attempt: %d", j.AttemptCount)
	}
	if an.calls != 0 {
		t.Errorf("analyzer called %d times with insufficient budget", an.calls)
	}

	// With a real budget the job resumes at its cursor; chunks 0 and 1 are
	// never re-analyzed.
	d = engine.New(jobs, cs, pipelineOptions(), log)
	d.Register(job.TypeSegmentAnalyze, NewSegmentAnalyze(jobs, cs, an, log))
	if _, err := d.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	j, _ = jobs.Get(ctx, id)
	if j.Status != job.StatusCompleted {
		t.Fatalf("status = %q, want completed", j.Status)
	}
	if an.calls != 2 {
		t.Errorf("analyzer calls = %d, want 2 (only the unprocessed chunks)", an.calls)
	}

	arts, _ := cs.ListArtifacts(ctx, "doc-1")
	if len(arts) != 1 {
		t.Fatalf("artifacts = %d, want 1", len(arts))
	}
	for _, w := range []string{"about alpha", "about beta", "about gamma", "about delta"} {
		if n := strings.Count(arts[0].Summary, w); n != 1 {
			t.Errorf("artifact summary contains %q %d times, want once", w, n)
		}
	}
}
