package job

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Type selects which worker handles a job and encodes its position in the
// ingestion pipeline.
type Type string

const (
	// TypeIngest is the root job of a document pipeline: fetch the source,
	// extract its content, chunk it.
	TypeIngest Type = "ingest"
	// TypeDetectSegments splits the extracted content into segments and fans
	// out one TypeSegmentAnalyze job per segment plus the synthesize barrier.
	TypeDetectSegments Type = "detect_segments"
	// TypeSegmentAnalyze analyzes one segment chunk by chunk.
	TypeSegmentAnalyze Type = "segment_analyze"
	// TypeSynthesize is the barrier job that joins all segment jobs and writes
	// the final study guide.
	TypeSynthesize Type = "synthesize"
)

// AllTypes lists every job type the dispatcher knows how to run.
var AllTypes = []Type{TypeIngest, TypeDetectSegments, TypeSegmentAnalyze, TypeSynthesize}

// Pipeline stages. Terminal stages are StageCompleted/StageFailed, written by
// the store on Complete/Fail. Within one job type the sequence only moves
// forward; re-entering the same stage is how a timed-out tick resumes.
const (
	StageFetch     = "fetch"
	StageExtract   = "extract"
	StageChunk     = "chunk"
	StageDetect    = "detect"
	StageAnalyze   = "analyze"
	StageWait      = "wait"
	StageMerge     = "merge"
	StageCompleted = "completed"
	StageFailed    = "failed"
)

// InitialStage returns the stage a freshly spawned job of type t starts in.
func InitialStage(t Type) string {
	switch t {
	case TypeIngest:
		return StageFetch
	case TypeDetectSegments:
		return StageDetect
	case TypeSegmentAnalyze:
		return StageAnalyze
	case TypeSynthesize:
		return StageWait
	default:
		return ""
	}
}

// Job is one durable unit of schedulable work. Rows are only mutated through
// the claim protocol and by the worker currently holding the lock.
type Job struct {
	ID           string          `json:"id"`
	OwnerRef     string          `json:"owner_ref"`
	Type         Type            `json:"job_type"`
	Status       Status          `json:"status"`
	Stage        string          `json:"stage"`
	Progress     int             `json:"progress"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Cursor       int             `json:"checkpoint_cursor"`
	DedupeKey    string          `json:"dedupe_key,omitempty"`
	LockedBy     string          `json:"locked_by,omitempty"`
	LockedAt     *time.Time      `json:"locked_at,omitempty"`
	AttemptCount int             `json:"attempt_count"`
	ErrorMessage string          `json:"error,omitempty"`
	NextRetryAt  *time.Time      `json:"next_retry_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// SpawnRequest describes a job to create. When DedupeKey is set and a job with
// that key already exists the spawn is a no-op returning the existing id.
type SpawnRequest struct {
	Type      Type
	OwnerRef  string
	Payload   json.RawMessage
	DedupeKey string
}

// DeadLetter captures a job that exhausted its retry budget, retained for
// operational triage.
type DeadLetter struct {
	ID        string          `json:"id"`
	JobID     string          `json:"job_id"`
	OwnerRef  string          `json:"owner_ref"`
	Type      Type            `json:"job_type"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
