// Package fs implements the content-addressed raw store on the local
// filesystem.
package fs

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/chainscope/harvester/internal/harvest"
	"github.com/chainscope/harvester/internal/metrics"
)

// Mirror receives a best-effort copy of every stored artifact (e.g. a GCS
// bucket).
type Mirror interface {
	PutObject(ctx context.Context, objectPath string, contentType string, data []byte) (string, error)
}

// Config captures the parameters for the filesystem raw store.
type Config struct {
	// BaseDir is the root under which raw/ is created.
	BaseDir string
}

// Store writes artifacts under raw/{kind}/{source}/{hash}.{ext} with a
// sibling {hash}.meta.json. Writes go to a temp file and are renamed into
// place, so partially written files are never observable as artifacts.
type Store struct {
	baseDir string
	hasher  harvest.Hasher
	clock   harvest.Clock
	mirror  Mirror
	logger  *zap.Logger
}

// New creates the store, validating that the base directory is usable.
func New(cfg Config, hasher harvest.Hasher, clock harvest.Clock, mirror Mirror, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if err := os.MkdirAll(filepath.Join(cfg.BaseDir, "raw"), 0o750); err != nil {
		return nil, fmt.Errorf("create raw directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		baseDir: cfg.BaseDir,
		hasher:  hasher,
		clock:   clock,
		mirror:  mirror,
		logger:  logger,
	}, nil
}

// Put stores one artifact content-addressed. Storing identical bytes twice
// is a cheap no-op returning the existing artifact.
func (s *Store) Put(ctx context.Context, req harvest.PutRequest) (harvest.RawArtifact, error) {
	if req.SourceID == "" {
		return harvest.RawArtifact{}, harvest.StorageFailure(fmt.Errorf("source id is required"))
	}
	if !req.Kind.Valid() {
		return harvest.RawArtifact{}, harvest.StorageFailure(fmt.Errorf("invalid source kind %q", req.Kind))
	}

	hash := s.hasher.Hash(req.Data)

	relDir := s.relDir(req)
	relPath := path.Join(relDir, hash+"."+extFor(req.ContentKind))
	fullPath := filepath.Join(s.baseDir, filepath.FromSlash(relPath))

	if existing, err := s.readMeta(metaPath(fullPath)); err == nil {
		metrics.CountArtifact(req.ContentKind, "dedup")
		return existing, nil
	}

	fetchedAt := req.FetchedAt
	if fetchedAt.IsZero() && s.clock != nil {
		fetchedAt = s.clock.Now()
	}
	art := harvest.RawArtifact{
		ContentHash: hash,
		SourceID:    req.SourceID,
		StoragePath: relPath,
		Kind:        req.Kind,
		ContentKind: req.ContentKind,
		FetchedAt:   fetchedAt,
		Size:        int64(len(req.Data)),
	}

	if err := atomicWrite(fullPath, req.Data); err != nil {
		return harvest.RawArtifact{}, harvest.StorageFailure(err)
	}
	meta, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return harvest.RawArtifact{}, harvest.StorageFailure(fmt.Errorf("marshal artifact meta: %w", err))
	}
	if err := atomicWrite(metaPath(fullPath), meta); err != nil {
		return harvest.RawArtifact{}, harvest.StorageFailure(err)
	}
	metrics.CountArtifact(req.ContentKind, "stored")

	s.mirrorObject(ctx, relPath, req)
	return art, nil
}

// Open returns the stored bytes for an artifact.
func (s *Store) Open(_ context.Context, art harvest.RawArtifact) ([]byte, error) {
	full := filepath.Join(s.baseDir, filepath.FromSlash(art.StoragePath))
	data, err := os.ReadFile(full) // #nosec G304 -- path derives from store-owned metadata
	if err != nil {
		return nil, harvest.StorageFailure(fmt.Errorf("open artifact %s: %w", art.ContentHash, err))
	}
	return data, nil
}

// List returns every artifact of a kind, discovered via meta files.
func (s *Store) List(_ context.Context, kind harvest.SourceKind) ([]harvest.RawArtifact, error) {
	root := filepath.Join(s.baseDir, "raw", string(kind))
	var artifacts []harvest.RawArtifact
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, ".meta.json") {
			return nil
		}
		art, err := s.readMeta(p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		artifacts = append(artifacts, art)
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, harvest.StorageFailure(fmt.Errorf("list %s artifacts: %w", kind, err))
	}
	return artifacts, nil
}

func (s *Store) relDir(req harvest.PutRequest) string {
	dir := path.Join("raw", string(req.Kind), sourceSegment(req.SourceID))
	if req.Sub != "" {
		dir = path.Join(dir, req.Sub)
	}
	return dir
}

func (s *Store) readMeta(p string) (harvest.RawArtifact, error) {
	data, err := os.ReadFile(p) // #nosec G304 -- paths come from store-owned layout
	if err != nil {
		return harvest.RawArtifact{}, err
	}
	var art harvest.RawArtifact
	if err := json.Unmarshal(data, &art); err != nil {
		return harvest.RawArtifact{}, err
	}
	return art, nil
}

func (s *Store) mirrorObject(ctx context.Context, relPath string, req harvest.PutRequest) {
	if s.mirror == nil {
		return
	}
	contentType := mime.TypeByExtension("." + extFor(req.ContentKind))
	if _, err := s.mirror.PutObject(ctx, relPath, contentType, req.Data); err != nil {
		s.logger.Warn("mirror upload failed",
			zap.String("path", relPath),
			zap.Error(err),
		)
	}
}

func atomicWrite(fullPath string, data []byte) error {
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, fullPath); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("commit artifact: %w", err)
	}
	return nil
}

func metaPath(fullPath string) string {
	ext := filepath.Ext(fullPath)
	return strings.TrimSuffix(fullPath, ext) + ".meta.json"
}

// sourceSegment strips the kind prefix from a source id, since the kind is
// already a path component.
func sourceSegment(sourceID string) string {
	if i := strings.IndexByte(sourceID, '/'); i >= 0 {
		return sourceID[i+1:]
	}
	return sourceID
}

func extFor(contentKind string) string {
	switch contentKind {
	case "", "binary":
		return "bin"
	case "markdown":
		return "md"
	case "text":
		return "txt"
	default:
		return contentKind
	}
}
