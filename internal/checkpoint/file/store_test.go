package file

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainscope/harvester/internal/harvest"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := New(dir, fixedClock{now: time.Unix(1700000000, 0).UTC()})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestAppendMarksComplete(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, t.TempDir())
	ctx := context.Background()

	assert.False(t, s.IsComplete(harvest.PhaseClone, "repository/a"))

	require.NoError(t, s.Append(ctx, harvest.PhaseClone, "repository/a", harvest.OutcomeSucceeded, ""))
	assert.True(t, s.IsComplete(harvest.PhaseClone, "repository/a"))

	require.NoError(t, s.Append(ctx, harvest.PhaseClone, "repository/b", harvest.OutcomeFailed, "timeout"))
	assert.False(t, s.IsComplete(harvest.PhaseClone, "repository/b"), "a failed task is retried on resume")

	require.NoError(t, s.Append(ctx, harvest.PhaseClone, "repository/c", harvest.OutcomeSkipped, ""))
	assert.True(t, s.IsComplete(harvest.PhaseClone, "repository/c"))
}

func TestReplayOnReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	s := newTestStore(t, dir)
	require.NoError(t, s.Append(ctx, harvest.PhaseScrape, "page/a", harvest.OutcomeSucceeded, ""))
	require.NoError(t, s.Append(ctx, harvest.PhaseScrape, "page/b", harvest.OutcomeFailed, "503"))
	require.NoError(t, s.Append(ctx, harvest.PhaseDownload, "archive/c", harvest.OutcomeSucceeded, ""))
	s.Close()

	reopened := newTestStore(t, dir)
	assert.True(t, reopened.IsComplete(harvest.PhaseScrape, "page/a"))
	assert.False(t, reopened.IsComplete(harvest.PhaseScrape, "page/b"))
	assert.True(t, reopened.IsComplete(harvest.PhaseDownload, "archive/c"))
	assert.False(t, reopened.IsComplete(harvest.PhaseClone, "page/a"), "phases are independent")
}

func TestReplayToleratesTornLine(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	s := newTestStore(t, dir)
	require.NoError(t, s.Append(ctx, harvest.PhaseClone, "repository/a", harvest.OutcomeSucceeded, ""))
	s.Close()

	logPath := filepath.Join(dir, "checkpoints", "clone.jsonl")
	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"phase":"CLONE","task_id":"repository/b","outc`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened := newTestStore(t, dir)
	assert.True(t, reopened.IsComplete(harvest.PhaseClone, "repository/a"), "intact lines survive a crash")
	assert.False(t, reopened.IsComplete(harvest.PhaseClone, "repository/b"))
}

func TestResetClearsPhase(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	s := newTestStore(t, dir)
	require.NoError(t, s.Append(ctx, harvest.PhaseClone, "repository/a", harvest.OutcomeSucceeded, ""))
	require.NoError(t, s.Append(ctx, harvest.PhaseScrape, "page/b", harvest.OutcomeSucceeded, ""))

	require.NoError(t, s.Reset(ctx, harvest.PhaseClone))
	assert.False(t, s.IsComplete(harvest.PhaseClone, "repository/a"))
	assert.True(t, s.IsComplete(harvest.PhaseScrape, "page/b"), "reset touches one phase only")

	// Appending after a reset reopens the log.
	require.NoError(t, s.Append(ctx, harvest.PhaseClone, "repository/a", harvest.OutcomeSucceeded, ""))
	assert.True(t, s.IsComplete(harvest.PhaseClone, "repository/a"))

	require.NoError(t, s.Reset(ctx, harvest.PhaseDownload), "resetting a phase with no log is fine")
}

func TestCompletedReturnsCopy(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, harvest.PhaseClone, "repository/a", harvest.OutcomeSucceeded, ""))

	done := s.Completed(harvest.PhaseClone)
	assert.Len(t, done, 1)
	delete(done, "repository/a")
	assert.True(t, s.IsComplete(harvest.PhaseClone, "repository/a"), "mutating the copy does not affect the store")
}

func TestConcurrentAppends(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := newTestStore(t, dir)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := []string{"page/a", "page/b", "page/c", "page/d", "page/e", "page/f"}
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			assert.NoError(t, s.Append(ctx, harvest.PhaseScrape, id, harvest.OutcomeSucceeded, ""))
		}(id)
	}
	wg.Wait()
	s.Close()

	reopened := newTestStore(t, dir)
	for _, id := range ids {
		assert.True(t, reopened.IsComplete(harvest.PhaseScrape, id))
	}
}
