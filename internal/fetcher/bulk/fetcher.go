// Package bulk downloads large dataset archives from bulk providers.
package bulk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/chainscope/harvester/internal/harvest"
	"github.com/chainscope/harvester/internal/metrics"
	"github.com/chainscope/harvester/internal/source"
)

// Service is the rate-limit bucket shared by all bulk downloads.
const Service = "bulk"

// markerName is written beside a dataset once its download completed, so a
// later run can skip it without re-reading the bytes.
const markerName = ".download_complete"

// sampleLimit bounds how much of an archive is materialized in sample mode.
const sampleLimit int64 = 16 << 20

// Limiter gates outbound calls for a named service.
type Limiter interface {
	Acquire(ctx context.Context, service string) error
}

// Config controls the archive fetcher.
type Config struct {
	// DatasetsDir is where downloaded archives land, one subdirectory per
	// source.
	DatasetsDir string
	UserAgent   string
	Timeout     time.Duration
	// Force re-downloads datasets even when a completion marker exists.
	Force bool
}

// manifest is stored as the raw artifact for a dataset download. It carries
// no timestamps so an unchanged dataset produces an identical artifact.
type manifest struct {
	URL      string `json:"url"`
	Checksum string `json:"checksum"`
	Size     int64  `json:"size"`
	Path     string `json:"path"`
	Sampled  bool   `json:"sampled,omitempty"`
	Category string `json:"category"`
}

// Fetcher streams dataset archives to disk and records a manifest artifact
// for each one.
type Fetcher struct {
	cfg     Config
	client  *http.Client
	limiter Limiter
	store   harvest.RawStore
	clock   harvest.Clock
	logger  *zap.Logger
}

func New(cfg Config, limiter Limiter, store harvest.RawStore, clock harvest.Clock, logger *zap.Logger) (*Fetcher, error) {
	if cfg.DatasetsDir == "" {
		return nil, errors.New("bulk: datasets directory is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if err := os.MkdirAll(cfg.DatasetsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create datasets dir: %w", err)
	}
	return &Fetcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		store:   store,
		clock:   clock,
		logger:  logger.Named("bulk"),
	}, nil
}

func (f *Fetcher) Kind() harvest.SourceKind { return harvest.KindArchive }

// Fetch downloads the archive unless a completion marker says it is already
// present. In sample mode only a bounded prefix is materialized.
func (f *Fetcher) Fetch(ctx context.Context, src harvest.Source) ([]harvest.RawArtifact, error) {
	if _, err := url.ParseRequestURI(src.Endpoint); err != nil {
		metrics.CountFetch(string(f.Kind()), "malformed")
		return nil, harvest.MalformedSource(fmt.Errorf("invalid archive endpoint %q: %w", src.Endpoint, err))
	}

	dir := filepath.Join(f.cfg.DatasetsDir, source.Sanitize(src.Name))
	marker := filepath.Join(dir, markerName)

	if !f.cfg.Force {
		if _, err := os.Stat(marker); err == nil {
			f.logger.Info("dataset already downloaded, skipping",
				zap.String("source", src.ID),
				zap.String("dir", dir),
			)
			metrics.CountFetch(string(f.Kind()), "skipped")
			return f.storeManifest(ctx, src, dir)
		}
	}

	if err := f.limiter.Acquire(ctx, Service); err != nil {
		metrics.CountFetch(string(f.Kind()), "failed")
		return nil, fmt.Errorf("acquire %s limiter: %w", Service, err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		metrics.CountFetch(string(f.Kind()), "failed")
		return nil, harvest.StorageFailure(fmt.Errorf("create dataset dir: %w", err))
	}

	m, err := f.download(ctx, src, dir)
	if err != nil {
		metrics.CountFetch(string(f.Kind()), "failed")
		return nil, err
	}
	metrics.AddFetchBytes(string(f.Kind()), m.Size)

	if err := f.writeMarker(marker, m); err != nil {
		metrics.CountFetch(string(f.Kind()), "failed")
		return nil, harvest.StorageFailure(err)
	}

	arts, err := f.storeManifest(ctx, src, dir)
	if err != nil {
		metrics.CountFetch(string(f.Kind()), "failed")
		return nil, err
	}
	metrics.CountFetch(string(f.Kind()), "succeeded")
	f.logger.Info("dataset downloaded",
		zap.String("source", src.ID),
		zap.Int64("bytes", m.Size),
		zap.Bool("sampled", m.Sampled),
	)
	return arts, nil
}

// download streams the archive to a temp file, hashing as it goes, then
// renames it into place. Sample mode stops after sampleLimit bytes.
func (f *Fetcher) download(ctx context.Context, src harvest.Source, dir string) (*manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.Endpoint, nil)
	if err != nil {
		return nil, harvest.MalformedSource(fmt.Errorf("build request: %w", err))
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, harvest.Transient(fmt.Errorf("download %s: %w", src.Endpoint, err))
	}
	defer resp.Body.Close()

	if ferr := harvest.FromStatus(resp.StatusCode, src.Endpoint); ferr != nil {
		return nil, ferr
	}

	name := archiveName(src.Endpoint)
	dest := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return nil, harvest.StorageFailure(fmt.Errorf("create temp file: %w", err))
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	var body io.Reader = resp.Body
	sampled := false
	if src.Sample {
		body = io.LimitReader(resp.Body, sampleLimit)
		sampled = true
	}

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), body)
	if err != nil {
		return nil, harvest.Transient(fmt.Errorf("stream archive body: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return nil, harvest.StorageFailure(fmt.Errorf("close temp file: %w", err))
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return nil, harvest.StorageFailure(fmt.Errorf("finalize archive: %w", err))
	}

	return &manifest{
		URL:      src.Endpoint,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
		Size:     size,
		Path:     dest,
		Sampled:  sampled,
		Category: src.Category,
	}, nil
}

// writeMarker records the manifest in the completion marker itself, so the
// marker doubles as local metadata for the dataset.
func (f *Fetcher) writeMarker(path string, m *manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal marker: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write completion marker: %w", err)
	}
	return nil
}

// storeManifest records the dataset manifest as the raw artifact for this
// source. Re-running against an unchanged dataset stores identical bytes,
// which the raw store deduplicates.
func (f *Fetcher) storeManifest(ctx context.Context, src harvest.Source, dir string) ([]harvest.RawArtifact, error) {
	marker := filepath.Join(dir, markerName)
	data, err := os.ReadFile(marker)
	if err != nil {
		return nil, harvest.StorageFailure(fmt.Errorf("read completion marker: %w", err))
	}
	// Strip the local path before hashing; it varies across hosts while the
	// dataset itself does not.
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, harvest.StorageFailure(fmt.Errorf("decode completion marker: %w", err))
	}
	m.Path = ""
	stable, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, harvest.StorageFailure(fmt.Errorf("marshal manifest: %w", err))
	}

	art, err := f.store.Put(ctx, harvest.PutRequest{
		SourceID:    src.ID,
		Kind:        f.Kind(),
		ContentKind: "json",
		Data:        stable,
		FetchedAt:   f.clock.Now(),
	})
	if err != nil {
		return nil, harvest.StorageFailure(fmt.Errorf("store dataset manifest: %w", err))
	}
	return []harvest.RawArtifact{art}, nil
}

func archiveName(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Path == "" || u.Path == "/" {
		return "dataset.bin"
	}
	base := filepath.Base(u.Path)
	if base == "." || base == "/" {
		return "dataset.bin"
	}
	return source.Sanitize(base)
}
