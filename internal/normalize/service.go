package normalize

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chainscope/harvester/internal/dedup"
	"github.com/chainscope/harvester/internal/harvest"
	"github.com/chainscope/harvester/internal/records"
)

// Summary reports what a normalization pass produced.
type Summary struct {
	Artifacts int
	Records   int
	Skipped   int
	Failures  []harvest.TaskFailure
}

// Service walks the raw store, runs the registered parser for each artifact,
// and rewrites the canonical record files. The pass is a pure function of
// the raw store, so deleting the records directory and re-running reproduces
// the same output.
type Service struct {
	registry *Registry
	store    harvest.RawStore
	recs     *records.Store
	hasher   harvest.Hasher
	workers  int
	logger   *zap.Logger
}

func NewService(registry *Registry, store harvest.RawStore, recs *records.Store, hasher harvest.Hasher, workers int, logger *zap.Logger) *Service {
	if workers <= 0 {
		workers = 4
	}
	return &Service{
		registry: registry,
		store:    store,
		recs:     recs,
		hasher:   hasher,
		workers:  workers,
		logger:   logger.Named("normalize"),
	}
}

// Run normalizes every raw artifact of every kind. A parse failure skips
// the artifact's records but never the artifact itself; the raw bytes stay
// on disk for reprocessing once the parser is fixed.
func (s *Service) Run(ctx context.Context) (Summary, error) {
	var arts []harvest.RawArtifact
	for _, kind := range []harvest.SourceKind{harvest.KindRepository, harvest.KindPage, harvest.KindArchive} {
		found, err := s.store.List(ctx, kind)
		if err != nil {
			return Summary{}, fmt.Errorf("list %s artifacts: %w", kind, err)
		}
		arts = append(arts, found...)
	}

	var (
		mu      sync.Mutex
		out     []harvest.NormalizedRecord
		summary = Summary{Artifacts: len(arts)}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, art := range arts {
		g.Go(func() error {
			recs, err := s.normalizeOne(gctx, art)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				summary.Failures = append(summary.Failures, harvest.TaskFailure{
					SourceID: art.SourceID,
					Class:    string(harvest.Classify(err)),
					Error:    err.Error(),
				})
			case recs == nil:
				summary.Skipped++
			default:
				out = append(out, recs...)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}

	if err := s.recs.WriteAll(out); err != nil {
		return summary, fmt.Errorf("write record files: %w", err)
	}
	summary.Records = len(out)
	s.logger.Info("normalization pass complete",
		zap.Int("artifacts", summary.Artifacts),
		zap.Int("records", summary.Records),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", len(summary.Failures)),
	)
	return summary, nil
}

// normalizeOne returns nil records with nil error when no parser claims the
// artifact's content kind.
func (s *Service) normalizeOne(ctx context.Context, art harvest.RawArtifact) ([]harvest.NormalizedRecord, error) {
	parser := s.registry.For(art.ContentKind)
	if parser == nil {
		s.logger.Debug("no parser for artifact",
			zap.String("source", art.SourceID),
			zap.String("content_kind", art.ContentKind),
		)
		return nil, nil
	}

	data, err := s.store.Open(ctx, art)
	if err != nil {
		return nil, harvest.StorageFailure(fmt.Errorf("open artifact %s: %w", art.StoragePath, err))
	}

	recs, err := parser.Parse(ctx, art, data)
	if err != nil {
		s.logger.Warn("parse failed, raw artifact retained",
			zap.String("source", art.SourceID),
			zap.String("path", art.StoragePath),
			zap.Error(err),
		)
		return nil, harvest.ParseFailure(err)
	}

	for i := range recs {
		if recs[i].Source == "" {
			recs[i].Source = art.SourceID
		}
		if recs[i].Timestamp.IsZero() {
			recs[i].Timestamp = art.FetchedAt
		}
		if !recs[i].Type.Valid() {
			return nil, harvest.ParseFailure(fmt.Errorf("parser produced record with invalid type %q", recs[i].Type))
		}
		recs[i].ID = dedup.Key(s.hasher, recs[i])
	}
	return recs, nil
}
