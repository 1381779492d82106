package bulk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainscope/harvester/internal/harvest"
	"github.com/chainscope/harvester/internal/hash/sha256"
	rawmem "github.com/chainscope/harvester/internal/rawstore/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type noopLimiter struct{}

func (noopLimiter) Acquire(context.Context, string) error { return nil }

func newFetcher(t *testing.T, force bool) (*Fetcher, *rawmem.Store, string) {
	t.Helper()
	dir := t.TempDir()
	store := rawmem.New(sha256.New())
	f, err := New(Config{DatasetsDir: dir, Force: force}, noopLimiter{}, store, fixedClock{now: time.Unix(1700000000, 0).UTC()}, zap.NewNop())
	require.NoError(t, err)
	return f, store, dir
}

func TestFetchDownloadsArchive(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("archive bytes"))
	}))
	defer srv.Close()

	f, store, dir := newFetcher(t, false)
	src := harvest.Source{
		ID:       "archive/big_dataset",
		Name:     "big dataset",
		Kind:     harvest.KindArchive,
		Endpoint: srv.URL + "/dumps/big.tar.gz",
		Category: "datasets",
	}

	arts, err := f.Fetch(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, "json", arts[0].ContentKind)

	archive := filepath.Join(dir, "big_dataset", "big.tar.gz")
	content, err := os.ReadFile(archive)
	require.NoError(t, err)
	assert.Equal(t, "archive bytes", string(content))

	markerData, err := os.ReadFile(filepath.Join(dir, "big_dataset", markerName))
	require.NoError(t, err)
	var m manifest
	require.NoError(t, json.Unmarshal(markerData, &m))
	assert.Equal(t, src.Endpoint, m.URL)
	assert.Equal(t, int64(13), m.Size)
	assert.NotEmpty(t, m.Checksum)
	assert.Equal(t, "datasets", m.Category)

	stored, err := store.Open(context.Background(), arts[0])
	require.NoError(t, err)
	var artifactManifest manifest
	require.NoError(t, json.Unmarshal(stored, &artifactManifest))
	assert.Empty(t, artifactManifest.Path, "host-local path is stripped from the artifact")
	assert.Equal(t, m.Checksum, artifactManifest.Checksum)

	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchSkipsCompletedDownload(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("archive bytes"))
	}))
	defer srv.Close()

	f, store, _ := newFetcher(t, false)
	src := harvest.Source{ID: "archive/d", Name: "d", Endpoint: srv.URL + "/d.zip"}
	ctx := context.Background()

	first, err := f.Fetch(ctx, src)
	require.NoError(t, err)
	second, err := f.Fetch(ctx, src)
	require.NoError(t, err)

	assert.Equal(t, int32(1), hits.Load(), "the marker short-circuits the second fetch")
	assert.Equal(t, first, second, "an unchanged dataset yields the identical artifact")
	assert.Equal(t, 1, store.Len())
}

func TestFetchForceRedownloads(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("archive bytes"))
	}))
	defer srv.Close()

	f, _, _ := newFetcher(t, true)
	src := harvest.Source{ID: "archive/d", Name: "d", Endpoint: srv.URL + "/d.zip"}
	ctx := context.Background()

	_, err := f.Fetch(ctx, src)
	require.NoError(t, err)
	_, err = f.Fetch(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetchSampleModeMarksManifest(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("small body"))
	}))
	defer srv.Close()

	f, _, dir := newFetcher(t, false)
	src := harvest.Source{ID: "archive/s", Name: "s", Endpoint: srv.URL + "/s.tar", Sample: true}

	_, err := f.Fetch(context.Background(), src)
	require.NoError(t, err)

	markerData, err := os.ReadFile(filepath.Join(dir, "s", markerName))
	require.NoError(t, err)
	var m manifest
	require.NoError(t, json.Unmarshal(markerData, &m))
	assert.True(t, m.Sampled)
}

func TestFetchMalformedEndpoint(t *testing.T) {
	t.Parallel()

	f, _, _ := newFetcher(t, false)
	_, err := f.Fetch(context.Background(), harvest.Source{ID: "archive/bad", Name: "bad", Endpoint: "::not a url::"})
	require.Error(t, err)
	assert.Equal(t, harvest.ClassMalformed, harvest.Classify(err))
}

func TestFetchNotFoundIsRetried(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f, _, dir := newFetcher(t, false)
	src := harvest.Source{ID: "archive/gone", Name: "gone", Endpoint: srv.URL + "/gone.zip"}

	_, err := f.Fetch(context.Background(), src)
	require.Error(t, err)
	assert.Equal(t, harvest.ClassNotFound, harvest.Classify(err))
	assert.True(t, harvest.Retryable(err), "dump archives can appear after a publishing delay")

	_, statErr := os.Stat(filepath.Join(dir, "gone", markerName))
	assert.True(t, os.IsNotExist(statErr), "no marker is written for a failed download")
}

func TestArchiveName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		endpoint string
		want     string
	}{
		{"https://example.com/dumps/big.tar.gz", "big.tar.gz"},
		{"https://example.com/", "dataset.bin"},
		{"https://example.com", "dataset.bin"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, archiveName(tc.endpoint), tc.endpoint)
	}
}
