package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	ckptmem "github.com/chainscope/harvester/internal/checkpoint/memory"
	"github.com/chainscope/harvester/internal/dedup"
	eventmem "github.com/chainscope/harvester/internal/events/memory"
	"github.com/chainscope/harvester/internal/harvest"
	"github.com/chainscope/harvester/internal/hash/sha256"
	"github.com/chainscope/harvester/internal/index"
	"github.com/chainscope/harvester/internal/normalize"
	rawmem "github.com/chainscope/harvester/internal/rawstore/memory"
	"github.com/chainscope/harvester/internal/records"
	"github.com/chainscope/harvester/internal/retry"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type seqIDs struct{ n int }

func (g *seqIDs) NewID() (string, error) {
	g.n++
	return "run-1", nil
}

// fakeFetcher succeeds for every source except those listed in fail.
type fakeFetcher struct {
	kind harvest.SourceKind
	fail map[string]error

	mu      sync.Mutex
	fetched []string
}

func (f *fakeFetcher) Kind() harvest.SourceKind { return f.kind }

func (f *fakeFetcher) Fetch(_ context.Context, src harvest.Source) ([]harvest.RawArtifact, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, src.ID)
	f.mu.Unlock()
	if err, ok := f.fail[src.ID]; ok {
		return nil, err
	}
	return []harvest.RawArtifact{{SourceID: src.ID}}, nil
}

func (f *fakeFetcher) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

func noSleep(context.Context, time.Duration) error { return nil }

type fixture struct {
	orch        *Orchestrator
	checkpoints *ckptmem.Store
	publisher   *eventmem.Publisher
	records     *records.Store
	summaries   *SummaryStore
}

func newFixture(t *testing.T, d Deps) *fixture {
	t.Helper()
	base := t.TempDir()

	checkpoints := ckptmem.New()
	publisher := eventmem.New()
	recStore, err := records.NewStore(base)
	require.NoError(t, err)
	summaries, err := NewSummaryStore(base)
	require.NoError(t, err)

	hasher := sha256.New()
	if d.Normalizer == nil {
		registry := normalize.NewRegistry()
		require.NoError(t, registry.Register(normalize.NewReportParser()))
		d.Normalizer = normalize.NewService(registry, rawmem.New(hasher), recStore, hasher, 2, zap.NewNop())
	}
	d.Checkpoints = checkpoints
	d.Publisher = publisher
	d.Records = recStore
	d.Summaries = summaries
	d.Dedup = dedup.New(hasher, zap.NewNop())
	d.Policy = retry.NewPolicy(2, time.Millisecond, time.Millisecond, retry.WithSleep(noSleep))
	d.Clock = fixedClock{now: time.Unix(1700000000, 0).UTC()}
	d.IDs = &seqIDs{}
	d.Logger = zap.NewNop()

	orch, err := New(d)
	require.NoError(t, err)
	return &fixture{
		orch:        orch,
		checkpoints: checkpoints,
		publisher:   publisher,
		records:     recStore,
		summaries:   summaries,
	}
}

func TestNewRejectsDuplicateFetcherKind(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{
		Fetchers: []harvest.Fetcher{
			&fakeFetcher{kind: harvest.KindPage},
			&fakeFetcher{kind: harvest.KindPage},
		},
		Logger: zap.NewNop(),
	})
	require.ErrorContains(t, err, "duplicate fetcher")
}

func TestRunPhaseFetchesPendingSources(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{kind: harvest.KindPage}
	fx := newFixture(t, Deps{
		Sources: []harvest.Source{
			{ID: "page/a", Kind: harvest.KindPage},
			{ID: "page/b", Kind: harvest.KindPage},
			{ID: "repository/c", Kind: harvest.KindRepository},
		},
		Fetchers: []harvest.Fetcher{fetcher},
	})

	summary, err := fx.orch.RunPhase(context.Background(), harvest.PhaseScrape, Options{})
	require.NoError(t, err)

	assert.Equal(t, harvest.PhaseScrape, summary.Phase)
	assert.Equal(t, 2, summary.Total, "only page sources participate")
	assert.Equal(t, 2, summary.Succeeded)
	assert.Zero(t, summary.Failed)
	assert.ElementsMatch(t, []string{"page/a", "page/b"}, fetcher.calls())

	assert.True(t, fx.checkpoints.IsComplete(harvest.PhaseScrape, "page/a"))
	assert.True(t, fx.checkpoints.IsComplete(harvest.PhaseScrape, "page/b"))

	persisted, ok, err := fx.summaries.ReadPhase(harvest.PhaseScrape)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, persisted.Succeeded)

	msgs := fx.publisher.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "phase.completed", msgs[0].Topic)
}

func TestRunPhaseResumesFromCheckpoints(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{kind: harvest.KindPage}
	fx := newFixture(t, Deps{
		Sources: []harvest.Source{
			{ID: "page/a", Kind: harvest.KindPage},
			{ID: "page/b", Kind: harvest.KindPage},
		},
		Fetchers: []harvest.Fetcher{fetcher},
	})
	ctx := context.Background()
	require.NoError(t, fx.checkpoints.Append(ctx, harvest.PhaseScrape, "page/a", harvest.OutcomeSucceeded, ""))

	summary, err := fx.orch.RunPhase(ctx, harvest.PhaseScrape, Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, []string{"page/b"}, fetcher.calls(), "completed work is not repeated")
}

func TestRunPhaseForceResetsCheckpoints(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{kind: harvest.KindPage}
	fx := newFixture(t, Deps{
		Sources:  []harvest.Source{{ID: "page/a", Kind: harvest.KindPage}},
		Fetchers: []harvest.Fetcher{fetcher},
	})
	ctx := context.Background()
	require.NoError(t, fx.checkpoints.Append(ctx, harvest.PhaseScrape, "page/a", harvest.OutcomeSucceeded, ""))

	summary, err := fx.orch.RunPhase(ctx, harvest.PhaseScrape, Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Zero(t, summary.Skipped)
	assert.Equal(t, []string{"page/a"}, fetcher.calls())
}

func TestRunPhaseDryRunExecutesNothing(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{kind: harvest.KindPage}
	fx := newFixture(t, Deps{
		Sources:  []harvest.Source{{ID: "page/a", Kind: harvest.KindPage}},
		Fetchers: []harvest.Fetcher{fetcher},
	})

	summary, err := fx.orch.RunPhase(context.Background(), harvest.PhaseScrape, Options{DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, 1, summary.Skipped)
	assert.Empty(t, fetcher.calls())
	assert.Empty(t, fx.publisher.Messages(), "dry runs publish no events")

	_, ok, err := fx.summaries.ReadPhase(harvest.PhaseScrape)
	require.NoError(t, err)
	assert.False(t, ok, "dry runs persist no summary")
}

func TestRunPhaseFailureThreshold(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		kind: harvest.KindPage,
		fail: map[string]error{"page/bad": harvest.AuthFailure(errors.New("token rejected"))},
	}
	fx := newFixture(t, Deps{
		Sources: []harvest.Source{
			{ID: "page/ok", Kind: harvest.KindPage},
			{ID: "page/bad", Kind: harvest.KindPage},
		},
		Fetchers: []harvest.Fetcher{fetcher},
	})

	summary, err := fx.orch.RunPhase(context.Background(), harvest.PhaseScrape, Options{})
	require.ErrorIs(t, err, ErrTooManyFailures)

	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "page/bad", summary.Failures[0].SourceID)
	assert.Equal(t, string(harvest.ClassAuth), summary.Failures[0].Class)
	assert.False(t, fx.checkpoints.IsComplete(harvest.PhaseScrape, "page/bad"))
}

func TestRunPhaseToleratesFailuresBelowThreshold(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		kind: harvest.KindPage,
		fail: map[string]error{"page/bad": harvest.AuthFailure(errors.New("token rejected"))},
	}
	fx := newFixture(t, Deps{
		Sources: []harvest.Source{
			{ID: "page/ok", Kind: harvest.KindPage},
			{ID: "page/bad", Kind: harvest.KindPage},
		},
		Fetchers:    []harvest.Fetcher{fetcher},
		MaxFailures: 1,
	})

	summary, err := fx.orch.RunPhase(context.Background(), harvest.PhaseScrape, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
}

func TestRunPhaseRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		kind: harvest.KindPage,
		fail: map[string]error{"page/flaky": harvest.Transient(errors.New("connection reset"))},
	}
	fx := newFixture(t, Deps{
		Sources:     []harvest.Source{{ID: "page/flaky", Kind: harvest.KindPage}},
		Fetchers:    []harvest.Fetcher{fetcher},
		MaxFailures: 1,
	})

	_, err := fx.orch.RunPhase(context.Background(), harvest.PhaseScrape, Options{})
	require.NoError(t, err)
	assert.Len(t, fetcher.calls(), 2, "a transient failure is retried before giving up")
}

func TestRunDedupPhaseMergesRecords(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, Deps{})
	at := time.Unix(1700000000, 0).UTC()
	require.NoError(t, fx.records.WriteAll([]harvest.NormalizedRecord{
		{ID: "x1", Source: "page/a", Type: harvest.RecordVulnerability, Title: "Same finding", Timestamp: at},
		{ID: "x2", Source: "page/b", Type: harvest.RecordVulnerability, Title: "same finding", Timestamp: at.Add(time.Hour)},
	}))

	summary, err := fx.orch.RunPhase(context.Background(), harvest.PhaseDedup, Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Skipped)

	remaining, err := fx.records.ReadAll()
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Len(t, remaining[0].Provenance, 2)
}

func TestRunIndexPhaseRequiresIndexer(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, Deps{})
	_, err := fx.orch.RunPhase(context.Background(), harvest.PhaseIndex, Options{})
	require.ErrorContains(t, err, "indexer is not configured")
}

func TestRunExecutesPhasesInOrder(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	for range harvest.RecordTypes() {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	mock.ExpectBegin()
	for _, table := range []string{"vulnerabilities", "audits", "exploits"} {
		mock.ExpectExec("TRUNCATE " + table).WillReturnResult(pgxmock.NewResult("TRUNCATE", 0))
	}
	mock.ExpectCommit()
	mock.ExpectRollback()

	repoFetcher := &fakeFetcher{kind: harvest.KindRepository}
	pageFetcher := &fakeFetcher{kind: harvest.KindPage}
	archiveFetcher := &fakeFetcher{kind: harvest.KindArchive}
	fx := newFixture(t, Deps{
		Sources: []harvest.Source{
			{ID: "repository/a", Kind: harvest.KindRepository},
			{ID: "page/b", Kind: harvest.KindPage},
			{ID: "archive/c", Kind: harvest.KindArchive},
		},
		Fetchers: []harvest.Fetcher{repoFetcher, pageFetcher, archiveFetcher},
		Indexer:  index.New(mock, zap.NewNop()),
	})

	run, err := fx.orch.Run(context.Background(), harvest.PhaseClone, Options{})
	require.NoError(t, err)

	assert.Equal(t, "run-1", run.RunID)
	require.Len(t, run.Phases, len(harvest.Phases()))
	for i, phase := range harvest.Phases() {
		assert.Equal(t, phase, run.Phases[i].Phase)
	}
	assert.False(t, run.Failed())

	persisted, ok, err := fx.summaries.ReadRun()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, run.RunID, persisted.RunID)

	topics := make([]string, 0)
	for _, msg := range fx.publisher.Messages() {
		topics = append(topics, msg.Topic)
	}
	assert.Equal(t, "run.completed", topics[len(topics)-1])
	assert.Equal(t, len(harvest.Phases())+1, len(topics), "one event per phase plus the run event")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStartsAtRequestedPhase(t *testing.T) {
	t.Parallel()

	pageFetcher := &fakeFetcher{kind: harvest.KindPage}
	repoFetcher := &fakeFetcher{kind: harvest.KindRepository}
	archiveFetcher := &fakeFetcher{kind: harvest.KindArchive}
	fx := newFixture(t, Deps{
		Sources: []harvest.Source{
			{ID: "repository/a", Kind: harvest.KindRepository},
			{ID: "page/b", Kind: harvest.KindPage},
		},
		Fetchers: []harvest.Fetcher{repoFetcher, pageFetcher, archiveFetcher},
	})

	// Starting at SCRAPE must skip CLONE entirely. The run still fails at
	// INDEX since no indexer is wired, which is fine for this assertion.
	_, err := fx.orch.Run(context.Background(), harvest.PhaseScrape, Options{})
	require.Error(t, err)
	assert.Empty(t, repoFetcher.calls())
	assert.Equal(t, []string{"page/b"}, pageFetcher.calls())
}

func TestRunContinuesPastFailureThreshold(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	for range harvest.RecordTypes() {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	mock.ExpectBegin()
	for _, table := range []string{"vulnerabilities", "audits", "exploits"} {
		mock.ExpectExec("TRUNCATE " + table).WillReturnResult(pgxmock.NewResult("TRUNCATE", 0))
	}
	mock.ExpectCommit()
	mock.ExpectRollback()

	repoFetcher := &fakeFetcher{kind: harvest.KindRepository}
	pageFetcher := &fakeFetcher{
		kind: harvest.KindPage,
		fail: map[string]error{"page/bad": harvest.AuthFailure(errors.New("token rejected"))},
	}
	archiveFetcher := &fakeFetcher{kind: harvest.KindArchive}
	fx := newFixture(t, Deps{
		Sources: []harvest.Source{
			{ID: "repository/a", Kind: harvest.KindRepository},
			{ID: "page/bad", Kind: harvest.KindPage},
			{ID: "archive/c", Kind: harvest.KindArchive},
		},
		Fetchers: []harvest.Fetcher{repoFetcher, pageFetcher, archiveFetcher},
		Indexer:  index.New(mock, zap.NewNop()),
	})

	// A breached failure threshold marks the run failed but must not stop
	// the pipeline: downstream phases still process whatever did land.
	run, err := fx.orch.Run(context.Background(), harvest.PhaseClone, Options{})
	require.ErrorIs(t, err, ErrTooManyFailures)
	require.ErrorContains(t, err, "phase SCRAPE")

	require.Len(t, run.Phases, len(harvest.Phases()))
	for i, phase := range harvest.Phases() {
		assert.Equal(t, phase, run.Phases[i].Phase)
	}
	assert.True(t, run.Failed())
	assert.Equal(t, []string{"archive/c"}, archiveFetcher.calls(), "DOWNLOAD still ran after the SCRAPE breach")

	topics := make([]string, 0)
	for _, msg := range fx.publisher.Messages() {
		topics = append(topics, msg.Topic)
	}
	require.NotEmpty(t, topics)
	assert.Equal(t, "run.completed", topics[len(topics)-1])
	require.NoError(t, mock.ExpectationsWereMet())
}

// cancelingFetcher succeeds once and then fires cancel, simulating an
// interrupt arriving mid-phase.
type cancelingFetcher struct {
	kind   harvest.SourceKind
	cancel context.CancelFunc

	mu      sync.Mutex
	fetched []string
}

func (f *cancelingFetcher) Kind() harvest.SourceKind { return f.kind }

func (f *cancelingFetcher) Fetch(ctx context.Context, src harvest.Source) ([]harvest.RawArtifact, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, src.ID)
	first := len(f.fetched) == 1
	f.mu.Unlock()
	if first {
		f.cancel()
		return []harvest.RawArtifact{{SourceID: src.ID}}, nil
	}
	return nil, ctx.Err()
}

func TestRunPhaseStopsWhenContextCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetcher := &cancelingFetcher{kind: harvest.KindPage, cancel: cancel}
	fx := newFixture(t, Deps{
		Sources: []harvest.Source{
			{ID: "page/a", Kind: harvest.KindPage},
			{ID: "page/b", Kind: harvest.KindPage},
		},
		Fetchers:    []harvest.Fetcher{fetcher},
		Pools:       map[harvest.SourceKind]int{harvest.KindPage: 1},
		MaxFailures: 10,
	})

	_, err := fx.orch.RunPhase(ctx, harvest.PhaseScrape, Options{})
	require.ErrorIs(t, err, context.Canceled)

	// The task that finished before the interrupt stays checkpointed, so a
	// rerun resumes instead of repeating it.
	assert.True(t, fx.checkpoints.IsComplete(harvest.PhaseScrape, "page/a"))
	assert.False(t, fx.checkpoints.IsComplete(harvest.PhaseScrape, "page/b"))
}
