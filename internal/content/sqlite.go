package content

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a document or segment does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore persists documents, extractions, chunks, segments, artifacts
// and study guides.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err = db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			id           TEXT PRIMARY KEY,
			title        TEXT NOT NULL,
			source_ref   TEXT NOT NULL,
			content_type TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'processing',
			error        TEXT NOT NULL DEFAULT '',
			created_at   DATETIME NOT NULL,
			updated_at   DATETIME NOT NULL,
			completed_at DATETIME
		);

		CREATE TABLE IF NOT EXISTS extractions (
			document_id TEXT PRIMARY KEY,
			body        TEXT NOT NULL,
			updated_at  DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS chunks (
			document_id TEXT NOT NULL,
			idx         INTEGER NOT NULL,
			body        TEXT NOT NULL,
			PRIMARY KEY (document_id, idx)
		);

		CREATE TABLE IF NOT EXISTS segments (
			id          TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			idx         INTEGER NOT NULL,
			title       TEXT NOT NULL,
			first_chunk INTEGER NOT NULL,
			last_chunk  INTEGER NOT NULL,
			UNIQUE (document_id, idx)
		);
		CREATE INDEX IF NOT EXISTS idx_segments_document ON segments(document_id);

		CREATE TABLE IF NOT EXISTS artifacts (
			document_id  TEXT NOT NULL,
			segment_id   TEXT NOT NULL,
			summary      TEXT NOT NULL DEFAULT '',
			focus_points TEXT NOT NULL DEFAULT '[]',
			quiz_items   TEXT NOT NULL DEFAULT '[]',
			updated_at   DATETIME NOT NULL,
			PRIMARY KEY (document_id, segment_id)
		);

		CREATE TABLE IF NOT EXISTS study_guides (
			document_id      TEXT PRIMARY KEY,
			summary          TEXT NOT NULL DEFAULT '',
			focus_points     TEXT NOT NULL DEFAULT '[]',
			quiz_items       TEXT NOT NULL DEFAULT '[]',
			skipped_segments TEXT NOT NULL DEFAULT '[]',
			created_at       DATETIME NOT NULL
		);
	`)
	return err
}

func (s *SQLiteStore) CreateDocument(ctx context.Context, d *Document) error {
	now := s.now().UTC()
	d.Status = DocumentProcessing
	d.CreatedAt = now
	d.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, source_ref, content_type, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.Title, d.SourceRef, d.ContentType, d.Status, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, source_ref, content_type, status, error, created_at, updated_at, completed_at
		FROM documents WHERE id = ?
	`, id)

	d := &Document{}
	var completedAt sql.NullTime
	err := row.Scan(&d.ID, &d.Title, &d.SourceRef, &d.ContentType, &d.Status, &d.Error,
		&d.CreatedAt, &d.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		d.CompletedAt = &t
	}
	return d, nil
}

// ListDocuments returns all documents, newest first.
func (s *SQLiteStore) ListDocuments(ctx context.Context) ([]*Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, source_ref, content_type, status, error, created_at, updated_at, completed_at
		FROM documents ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		d := &Document{}
		var completedAt sql.NullTime
		if err := rows.Scan(&d.ID, &d.Title, &d.SourceRef, &d.ContentType, &d.Status, &d.Error,
			&d.CreatedAt, &d.UpdatedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if completedAt.Valid {
			t := completedAt.Time
			d.CompletedAt = &t
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

// MarkCompleted transitions the document to completed. Idempotent: a barrier
// re-run overwrites the same terminal state.
func (s *SQLiteStore) MarkCompleted(ctx context.Context, id string) error {
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = ?, error = '', completed_at = ?, updated_at = ? WHERE id = ?
	`, DocumentCompleted, now, now, id)
	if err != nil {
		return fmt.Errorf("mark document %s completed: %w", id, err)
	}
	return nil
}

// MarkFailed transitions the document to failed. Satisfies engine.OwnerStore.
func (s *SQLiteStore) MarkFailed(ctx context.Context, id, reason string) error {
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = ?, error = ?, completed_at = ?, updated_at = ? WHERE id = ?
	`, DocumentFailed, reason, now, now, id)
	if err != nil {
		return fmt.Errorf("mark document %s failed: %w", id, err)
	}
	return nil
}

// SaveExtraction stores the extracted text of a document, replacing any
// previous extraction.
func (s *SQLiteStore) SaveExtraction(ctx context.Context, documentID, body string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO extractions (document_id, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at
	`, documentID, body, s.now().UTC())
	if err != nil {
		return fmt.Errorf("save extraction for %s: %w", documentID, err)
	}
	return nil
}

func (s *SQLiteStore) GetExtraction(ctx context.Context, documentID string) (string, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM extractions WHERE document_id = ?`, documentID).Scan(&body)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("extraction for %s: %w", documentID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get extraction for %s: %w", documentID, err)
	}
	return body, nil
}

// ReplaceChunks replaces the full chunk set of a document in one transaction.
func (s *SQLiteStore) ReplaceChunks(ctx context.Context, documentID string, chunks []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace chunks for %s: begin: %w", documentID, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("replace chunks for %s: clear: %w", documentID, err)
	}
	for i, body := range chunks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (document_id, idx, body) VALUES (?, ?, ?)
		`, documentID, i, body); err != nil {
			return fmt.Errorf("replace chunks for %s: insert %d: %w", documentID, i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replace chunks for %s: commit: %w", documentID, err)
	}
	return nil
}

// GetChunks returns chunk bodies for idx in [first, last], ordered by idx.
func (s *SQLiteStore) GetChunks(ctx context.Context, documentID string, first, last int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM chunks WHERE document_id = ? AND idx BETWEEN ? AND ? ORDER BY idx ASC
	`, documentID, first, last)
	if err != nil {
		return nil, fmt.Errorf("get chunks for %s: %w", documentID, err)
	}
	defer rows.Close()

	var chunks []string
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, body)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return chunks, nil
}

func (s *SQLiteStore) CountChunks(ctx context.Context, documentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE document_id = ?`, documentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count chunks for %s: %w", documentID, err)
	}
	return n, nil
}

// UpsertSegment inserts a segment, overwriting the row with the same
// (document_id, idx) so a re-run of segment detection is idempotent.
func (s *SQLiteStore) UpsertSegment(ctx context.Context, seg *Segment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO segments (id, document_id, idx, title, first_chunk, last_chunk)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title, first_chunk = excluded.first_chunk, last_chunk = excluded.last_chunk
	`, seg.ID, seg.DocumentID, seg.Index, seg.Title, seg.FirstChunk, seg.LastChunk)
	if err != nil {
		return fmt.Errorf("upsert segment %s: %w", seg.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetSegment(ctx context.Context, id string) (*Segment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, idx, title, first_chunk, last_chunk FROM segments WHERE id = ?
	`, id)
	seg := &Segment{}
	err := row.Scan(&seg.ID, &seg.DocumentID, &seg.Index, &seg.Title, &seg.FirstChunk, &seg.LastChunk)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("segment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get segment %s: %w", id, err)
	}
	return seg, nil
}

func (s *SQLiteStore) ListSegments(ctx context.Context, documentID string) ([]*Segment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, idx, title, first_chunk, last_chunk
		FROM segments WHERE document_id = ? ORDER BY idx ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list segments for %s: %w", documentID, err)
	}
	defer rows.Close()

	var segs []*Segment
	for rows.Next() {
		seg := &Segment{}
		if err := rows.Scan(&seg.ID, &seg.DocumentID, &seg.Index, &seg.Title, &seg.FirstChunk, &seg.LastChunk); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		segs = append(segs, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate segments: %w", err)
	}
	return segs, nil
}

// UpsertArtifact writes a segment's analysis, overwriting any previous run.
func (s *SQLiteStore) UpsertArtifact(ctx context.Context, a *Artifact) error {
	focus, err := json.Marshal(a.FocusPoints)
	if err != nil {
		return fmt.Errorf("marshal focus points: %w", err)
	}
	quiz, err := json.Marshal(a.QuizItems)
	if err != nil {
		return fmt.Errorf("marshal quiz items: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO artifacts (document_id, segment_id, summary, focus_points, quiz_items, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(document_id, segment_id) DO UPDATE SET
			summary = excluded.summary, focus_points = excluded.focus_points,
			quiz_items = excluded.quiz_items, updated_at = excluded.updated_at
	`, a.DocumentID, a.SegmentID, a.Summary, string(focus), string(quiz), s.now().UTC())
	if err != nil {
		return fmt.Errorf("upsert artifact %s/%s: %w", a.DocumentID, a.SegmentID, err)
	}
	return nil
}

func (s *SQLiteStore) ListArtifacts(ctx context.Context, documentID string) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.document_id, a.segment_id, a.summary, a.focus_points, a.quiz_items, a.updated_at
		FROM artifacts a
		JOIN segments s ON s.id = a.segment_id
		WHERE a.document_id = ?
		ORDER BY s.idx ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts for %s: %w", documentID, err)
	}
	defer rows.Close()

	var arts []*Artifact
	for rows.Next() {
		a := &Artifact{}
		var focus, quiz string
		if err := rows.Scan(&a.DocumentID, &a.SegmentID, &a.Summary, &focus, &quiz, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		if err := json.Unmarshal([]byte(focus), &a.FocusPoints); err != nil {
			return nil, fmt.Errorf("unmarshal focus points: %w", err)
		}
		if err := json.Unmarshal([]byte(quiz), &a.QuizItems); err != nil {
			return nil, fmt.Errorf("unmarshal quiz items: %w", err)
		}
		arts = append(arts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return arts, nil
}

// SaveStudyGuide writes the final merged result, overwriting on barrier re-run.
func (s *SQLiteStore) SaveStudyGuide(ctx context.Context, g *StudyGuide) error {
	focus, err := json.Marshal(g.FocusPoints)
	if err != nil {
		return fmt.Errorf("marshal focus points: %w", err)
	}
	quiz, err := json.Marshal(g.QuizItems)
	if err != nil {
		return fmt.Errorf("marshal quiz items: %w", err)
	}
	skipped, err := json.Marshal(g.SkippedSegments)
	if err != nil {
		return fmt.Errorf("marshal skipped segments: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO study_guides (document_id, summary, focus_points, quiz_items, skipped_segments, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET
			summary = excluded.summary, focus_points = excluded.focus_points,
			quiz_items = excluded.quiz_items, skipped_segments = excluded.skipped_segments,
			created_at = excluded.created_at
	`, g.DocumentID, g.Summary, string(focus), string(quiz), string(skipped), s.now().UTC())
	if err != nil {
		return fmt.Errorf("save study guide for %s: %w", g.DocumentID, err)
	}
	return nil
}

func (s *SQLiteStore) GetStudyGuide(ctx context.Context, documentID string) (*StudyGuide, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT document_id, summary, focus_points, quiz_items, skipped_segments, created_at
		FROM study_guides WHERE document_id = ?
	`, documentID)

	g := &StudyGuide{}
	var focus, quiz, skipped string
	err := row.Scan(&g.DocumentID, &g.Summary, &focus, &quiz, &skipped, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("study guide for %s: %w", documentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get study guide for %s: %w", documentID, err)
	}
	if err := json.Unmarshal([]byte(focus), &g.FocusPoints); err != nil {
		return nil, fmt.Errorf("unmarshal focus points: %w", err)
	}
	if err := json.Unmarshal([]byte(quiz), &g.QuizItems); err != nil {
		return nil, fmt.Errorf("unmarshal quiz items: %w", err)
	}
	if err := json.Unmarshal([]byte(skipped), &g.SkippedSegments); err != nil {
		return nil, fmt.Errorf("unmarshal skipped segments: %w", err)
	}
	return g, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
