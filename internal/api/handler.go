package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/studyforge/studyforge/internal/content"
	"github.com/studyforge/studyforge/internal/engine"
	"github.com/studyforge/studyforge/internal/job"
)

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	jobs       job.Store
	content    *content.SQLiteStore
	dispatcher *engine.Dispatcher
}

// NewHandler constructs a Handler with the given dependencies.
func NewHandler(jobs job.Store, cs *content.SQLiteStore, d *engine.Dispatcher) *Handler {
	return &Handler{jobs: jobs, content: cs, dispatcher: d}
}

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/documents", h.CreateDocument)
	mux.HandleFunc("GET /api/v1/documents/{id}", h.GetDocument)
	mux.HandleFunc("GET /api/v1/jobs", h.ListJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.GetJob)
	mux.HandleFunc("POST /api/v1/dispatch", h.Dispatch)
	mux.HandleFunc("GET /api/v1/health", h.Health)
}

// CreateDocumentRequest is the payload used to submit a new source document.
type CreateDocumentRequest struct {
	Title       string `json:"title"`
	SourceRef   string `json:"source_ref"`
	ContentType string `json:"content_type"`
}

// CreateDocument handles POST /api/v1/documents: it creates the owner
// aggregate and spawns the root ingest job, then responds 202. Processing is
// asynchronous; callers poll GET /api/v1/documents/{id}.
func (h *Handler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB max
	var req CreateDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	payload := job.IngestPayload{SourceRef: req.SourceRef, ContentType: req.ContentType}
	if err := payload.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title must not be empty")
		return
	}

	doc := &content.Document{
		ID:          uuid.New().String(),
		Title:       req.Title,
		SourceRef:   req.SourceRef,
		ContentType: req.ContentType,
	}
	if err := h.content.CreateDocument(r.Context(), doc); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create document")
		return
	}

	raw, err := json.Marshal(&payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode payload")
		return
	}
	jobID, err := h.jobs.Spawn(r.Context(), job.SpawnRequest{
		Type:      job.TypeIngest,
		OwnerRef:  doc.ID,
		Payload:   raw,
		DedupeKey: job.DedupeKeyFor(doc.ID, job.TypeIngest),
	})
	if err != nil {
		// Without a root job the document would sit in processing forever;
		// give pollers a terminal state instead.
		if ferr := h.content.MarkFailed(r.Context(), doc.ID, "ingest job could not be created"); ferr != nil {
			slog.Error("mark document failed", "document_id", doc.ID, "error", ferr)
		}
		writeError(w, http.StatusInternalServerError, "failed to spawn ingest job")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"document_id": doc.ID,
		"job_id":      jobID,
		"status":      string(doc.Status),
	})
}

// DocumentResponse is the polled view of a document: its status, the jobs
// contributing to it, and the study guide once completed.
type DocumentResponse struct {
	Document   *content.Document   `json:"document"`
	Jobs       []*job.Job          `json:"jobs,omitempty"`
	StudyGuide *content.StudyGuide `json:"study_guide,omitempty"`
}

func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	doc, err := h.content.GetDocument(r.Context(), id)
	if errors.Is(err, content.ErrNotFound) {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load document")
		return
	}

	resp := DocumentResponse{Document: doc}
	if resp.Jobs, err = h.jobs.ListByOwner(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load jobs")
		return
	}
	if doc.Status == content.DocumentCompleted {
		guide, err := h.content.GetStudyGuide(r.Context(), id)
		if err == nil {
			resp.StudyGuide = guide
		} else if !errors.Is(err, content.ErrNotFound) {
			writeError(w, http.StatusInternalServerError, "failed to load study guide")
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	j, err := h.jobs.Get(r.Context(), id)
	if errors.Is(err, job.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	jobs, total, err := h.jobs.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"total": total,
	})
}

// Dispatch handles POST /api/v1/dispatch: one dispatch cycle, invoked by an
// external scheduler or right after a document is submitted. Responds 200
// with the cycle report even when nothing was runnable; a non-200 means the
// store itself failed.
func (h *Handler) Dispatch(w http.ResponseWriter, r *http.Request) {
	report, err := h.dispatcher.RunOnce(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
