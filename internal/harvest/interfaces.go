package harvest

import (
	"context"
	"time"
)

// Fetcher executes the fetch for one source kind. A successful fetch
// returns every artifact it persisted (a page fetch may return the raw
// response, rendered text, and attachments).
type Fetcher interface {
	Kind() SourceKind
	Fetch(ctx context.Context, src Source) ([]RawArtifact, error)
}

// PutRequest carries one artifact's bytes into the raw store.
type PutRequest struct {
	SourceID    string
	Kind        SourceKind
	ContentKind string
	// Sub optionally nests the artifact under a sub-path of the source
	// directory (e.g. "attachments").
	Sub       string
	Data      []byte
	FetchedAt time.Time
}

// RawStore persists artifacts content-addressed. Put is idempotent:
// storing identical bytes twice returns the existing artifact.
type RawStore interface {
	Put(ctx context.Context, req PutRequest) (RawArtifact, error)
	Open(ctx context.Context, art RawArtifact) ([]byte, error)
	List(ctx context.Context, kind SourceKind) ([]RawArtifact, error)
}

// CheckpointStore records task outcomes per phase so interrupted runs can
// resume by skipping completed tasks. Append must be safe under concurrent
// workers.
type CheckpointStore interface {
	Append(ctx context.Context, phase Phase, taskID string, outcome Outcome, note string) error
	IsComplete(phase Phase, taskID string) bool
	Completed(phase Phase) map[string]struct{}
	Reset(ctx context.Context, phase Phase) error
}

// Publisher pushes completion events to Pub/Sub (or an in-memory sink).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Parser converts one raw artifact into normalized records. Site-specific
// parsing is injected through this contract rather than inherited.
type Parser interface {
	ContentKinds() []string
	Parse(ctx context.Context, art RawArtifact, data []byte) ([]NormalizedRecord, error)
}

// Hasher computes the digests used for content addressing and dedup keys.
type Hasher interface {
	Hash(data []byte) string
}

// Clock returns the current time (a seam for tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
