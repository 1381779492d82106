// Package harvest defines core types shared across subsystems.
package harvest

import "time"

// SourceKind identifies the fetch executor responsible for a source.
type SourceKind string

// Supported source kinds.
const (
	KindRepository SourceKind = "repository"
	KindPage       SourceKind = "page"
	KindArchive    SourceKind = "archive"
)

// Valid reports whether the kind is one of the supported values.
func (k SourceKind) Valid() bool {
	switch k {
	case KindRepository, KindPage, KindArchive:
		return true
	}
	return false
}

// Priority ranks sources for operator filtering.
type Priority string

// Priority levels, highest first.
const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Rank maps a priority to a sortable integer (lower is more important).
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

// Source is a declared origin to be fetched. Sources are loaded from the
// catalog once and treated as read-only afterwards.
type Source struct {
	ID       string     `json:"id" yaml:"id"`
	Name     string     `json:"name" yaml:"name"`
	Kind     SourceKind `json:"kind" yaml:"kind"`
	Endpoint string     `json:"endpoint" yaml:"endpoint"`
	Category string     `json:"category" yaml:"category"`
	Priority Priority   `json:"priority" yaml:"priority"`

	// Render asks the page executor to drive a headless browser instead of
	// a plain GET. Only meaningful for KindPage.
	Render bool `json:"render,omitempty" yaml:"render,omitempty"`
	// CloneDepth overrides the default shallow clone depth for repositories.
	CloneDepth int `json:"clone_depth,omitempty" yaml:"clone_depth,omitempty"`
	// Sample switches the archive executor to streaming-sample mode.
	Sample bool `json:"sample,omitempty" yaml:"sample,omitempty"`
}

// TaskStatus is the lifecycle state of a fetch task.
type TaskStatus string

// Task status values recorded by the orchestrator.
const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskSucceeded  TaskStatus = "succeeded"
	TaskFailed     TaskStatus = "failed"
)

// FetchTask tracks one source through a fetch phase. Owned exclusively by
// the orchestrator.
type FetchTask struct {
	SourceID  string     `json:"source_id"`
	Attempts  int        `json:"attempts"`
	Status    TaskStatus `json:"status"`
	LastError string     `json:"last_error,omitempty"`
}

// RawArtifact describes one content-addressed artifact in the raw store.
// Immutable once written.
type RawArtifact struct {
	ContentHash string     `json:"content_hash"`
	SourceID    string     `json:"source_id"`
	StoragePath string     `json:"storage_path"`
	Kind        SourceKind `json:"kind"`
	ContentKind string     `json:"content_kind"`
	FetchedAt   time.Time  `json:"fetched_at"`
	Size        int64      `json:"size"`
}

// Phase names one stage of the pipeline state machine.
type Phase string

// Pipeline phases in execution order.
const (
	PhaseClone     Phase = "CLONE"
	PhaseScrape    Phase = "SCRAPE"
	PhaseDownload  Phase = "DOWNLOAD"
	PhaseNormalize Phase = "NORMALIZE"
	PhaseDedup     Phase = "DEDUP"
	PhaseIndex     Phase = "INDEX"
)

// Phases returns all phases in execution order.
func Phases() []Phase {
	return []Phase{PhaseClone, PhaseScrape, PhaseDownload, PhaseNormalize, PhaseDedup, PhaseIndex}
}

// Outcome is the terminal result of a task recorded in the checkpoint log.
type Outcome string

// Checkpointed task outcomes.
const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// RecordType classifies normalized records.
type RecordType string

// Record types persisted by the indexer, one table each.
const (
	RecordVulnerability RecordType = "vulnerability"
	RecordAudit         RecordType = "audit"
	RecordExploit       RecordType = "exploit"
)

// RecordTypes returns all record types.
func RecordTypes() []RecordType {
	return []RecordType{RecordVulnerability, RecordAudit, RecordExploit}
}

func (t RecordType) Valid() bool {
	switch t {
	case RecordVulnerability, RecordAudit, RecordExploit:
		return true
	}
	return false
}

// NormalizedRecord is the canonical record shape produced by normalization.
// ID is the hex digest of the canonicalized content, so byte-equivalent
// records from different sources collapse to a single record whose
// Provenance lists every contributing source.
type NormalizedRecord struct {
	ID          string     `json:"id"`
	Source      string     `json:"source"`
	Type        RecordType `json:"type"`
	Severity    string     `json:"severity,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	CodeSnippet string     `json:"code_snippet,omitempty"`
	Tags        []string   `json:"tags"`
	Timestamp   time.Time  `json:"timestamp"`
	Provenance  []string   `json:"provenance"`
}

// TaskFailure enumerates one failed task in a phase summary.
type TaskFailure struct {
	SourceID string `json:"source_id"`
	Class    string `json:"class"`
	Error    string `json:"error"`
}

// PhaseSummary reports the result of one phase run.
type PhaseSummary struct {
	Phase     Phase         `json:"phase"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Failures  []TaskFailure `json:"failures,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// RunSummary aggregates all phase summaries of one pipeline run.
type RunSummary struct {
	RunID     string         `json:"run_id"`
	StartedAt time.Time      `json:"started_at"`
	Phases    []PhaseSummary `json:"phases"`
}

// Failed reports whether any phase ended with fatal task failures.
func (r RunSummary) Failed() bool {
	for _, p := range r.Phases {
		if p.Failed > 0 {
			return true
		}
	}
	return false
}
