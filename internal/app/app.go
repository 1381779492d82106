// Package app assembles the harvester's collaborators from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/chainscope/harvester/internal/api"
	"github.com/chainscope/harvester/internal/checkpoint/file"
	"github.com/chainscope/harvester/internal/clock/system"
	"github.com/chainscope/harvester/internal/config"
	"github.com/chainscope/harvester/internal/dedup"
	eventspubsub "github.com/chainscope/harvester/internal/events/pubsub"
	"github.com/chainscope/harvester/internal/fetcher/bulk"
	"github.com/chainscope/harvester/internal/fetcher/gitrepo"
	"github.com/chainscope/harvester/internal/fetcher/headless"
	"github.com/chainscope/harvester/internal/fetcher/page"
	"github.com/chainscope/harvester/internal/harvest"
	"github.com/chainscope/harvester/internal/hash/sha256"
	"github.com/chainscope/harvester/internal/id/uuid"
	"github.com/chainscope/harvester/internal/index"
	"github.com/chainscope/harvester/internal/metrics"
	"github.com/chainscope/harvester/internal/normalize"
	"github.com/chainscope/harvester/internal/orchestrator"
	"github.com/chainscope/harvester/internal/ratelimit"
	"github.com/chainscope/harvester/internal/rawstore/fs"
	"github.com/chainscope/harvester/internal/rawstore/gcs"
	"github.com/chainscope/harvester/internal/records"
	"github.com/chainscope/harvester/internal/retry"
	"github.com/chainscope/harvester/internal/source"
)

// App holds everything a command needs to run the pipeline.
type App struct {
	Cfg          config.Config
	Logger       *zap.Logger
	Sources      []harvest.Source
	Orchestrator *orchestrator.Orchestrator
	Summaries    *orchestrator.SummaryStore
	Indexer      *index.Indexer

	checkpoints   *file.Store
	renderer      *headless.Renderer
	pool          *pgxpool.Pool
	storageClient *storage.Client
	pubsubClient  *gcppubsub.Client
	publisher     *eventspubsub.Publisher
}

// Options tweak construction for individual commands.
type Options struct {
	// Force is passed through to the bulk fetcher so a forced run
	// re-downloads completed datasets.
	Force bool
}

// New builds the full application graph. Optional subsystems (GCS mirror,
// Pub/Sub, Postgres index, headless rendering) are wired only when their
// configuration enables them.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	metrics.Init()

	sources, err := source.Load(cfg.Catalog)
	if err != nil {
		return nil, fmt.Errorf("load source catalog: %w", err)
	}

	hasher := sha256.New()
	clk := system.New()
	ids := uuid.NewGenerator()

	limits := make(map[string]ratelimit.ServiceConfig, len(cfg.RateLimits))
	for svc, rl := range cfg.RateLimits {
		limits[svc] = ratelimit.ServiceConfig{Calls: rl.Calls, Period: rl.Period}
	}
	limiter := ratelimit.NewRegistry(limits)

	a := &App{Cfg: cfg, Logger: logger, Sources: sources}

	var mirror fs.Mirror
	if cfg.Mirror.Enabled {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		a.storageClient = client
		m, err := gcs.New(client, gcs.Config{Bucket: cfg.Mirror.Bucket, Prefix: cfg.Mirror.Prefix})
		if err != nil {
			a.Close()
			return nil, err
		}
		mirror = m
	}

	rawStore, err := fs.New(fs.Config{BaseDir: cfg.Output.BaseDir}, hasher, clk, mirror, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	checkpoints, err := file.New(cfg.Output.BaseDir, clk)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.checkpoints = checkpoints

	var renderer page.Renderer
	if hasRenderedPages(sources) {
		r, err := headless.New(headless.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.HTTP.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init headless renderer: %w", err)
		}
		a.renderer = r
		renderer = r
	}

	gitFetcher := gitrepo.New(gitrepo.Config{
		ReposDir:      filepath.Join(cfg.Output.BaseDir, "repos"),
		CloneTimeout:  time.Duration(cfg.GitHub.CloneTimeoutS) * time.Second,
		UpdateTimeout: time.Duration(cfg.GitHub.UpdateTimeoutS) * time.Second,
		Token:         cfg.GitHub.Token,
	}, limiter, rawStore, clk, logger)

	pageFetcher := page.New(page.Config{
		UserAgent: cfg.HTTP.UserAgent,
		Timeout:   cfg.FetchTimeout(),
	}, limiter, rawStore, clk, renderer, logger)

	bulkFetcher, err := bulk.New(bulk.Config{
		DatasetsDir: filepath.Join(cfg.Output.BaseDir, "datasets"),
		UserAgent:   cfg.HTTP.UserAgent,
		Force:       opts.Force,
	}, limiter, rawStore, clk, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	recordStore, err := records.NewStore(cfg.Output.BaseDir)
	if err != nil {
		a.Close()
		return nil, err
	}

	registry := normalize.NewRegistry()
	if err := registry.Register(normalize.NewReportParser()); err != nil {
		a.Close()
		return nil, err
	}
	if err := registry.Register(normalize.NewPageParser(harvest.RecordVulnerability, "advisory")); err != nil {
		a.Close()
		return nil, err
	}
	normalizer := normalize.NewService(registry, rawStore, recordStore, hasher, cfg.Pools.Normalize, logger)

	if cfg.DB.DSN != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.DB.DSN)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse db dsn: %w", err)
		}
		if cfg.DB.MaxConns > 0 {
			poolCfg.MaxConns = cfg.DB.MaxConns
		}
		if cfg.DB.MinConns > 0 {
			poolCfg.MinConns = cfg.DB.MinConns
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("create db pool: %w", err)
		}
		a.pool = pool
		a.Indexer = index.New(pool, logger)
	}

	var publisher harvest.Publisher
	if cfg.PubSub.Enabled {
		client, err := gcppubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("create pubsub client: %w", err)
		}
		a.pubsubClient = client
		a.publisher = eventspubsub.New(client, cfg.PubSub.TopicName)
		publisher = a.publisher
	}

	summaries, err := orchestrator.NewSummaryStore(cfg.Output.BaseDir)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Summaries = summaries

	orch, err := orchestrator.New(orchestrator.Deps{
		Sources:  sources,
		Fetchers: []harvest.Fetcher{gitFetcher, pageFetcher, bulkFetcher},
		Pools: map[harvest.SourceKind]int{
			harvest.KindRepository: cfg.Pools.Repository,
			harvest.KindPage:       cfg.Pools.Page,
			harvest.KindArchive:    cfg.Pools.Archive,
		},
		Policy:      retry.NewPolicy(cfg.Retry.MaxAttempts, cfg.Retry.BackoffMin, cfg.Retry.BackoffMax),
		Checkpoints: checkpoints,
		Normalizer:  normalizer,
		Dedup:       dedup.New(hasher, logger),
		Records:     recordStore,
		Indexer:     a.Indexer,
		Publisher:   publisher,
		Summaries:   summaries,
		Clock:       clk,
		IDs:         ids,
		MaxFailures: cfg.Orchestrator.MaxFailures,
		Logger:      logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Orchestrator = orch

	return a, nil
}

// hasRenderedPages reports whether any page source asks for browser
// rendering; the allocator is expensive, so it only starts when needed.
func hasRenderedPages(sources []harvest.Source) bool {
	for _, src := range sources {
		if src.Kind == harvest.KindPage && src.Render {
			return true
		}
	}
	return false
}

// Serve runs the status/metrics HTTP server until the context is canceled.
func (a *App) Serve(ctx context.Context) error {
	var searcher api.Searcher
	if a.Indexer != nil {
		searcher = a.Indexer
	}
	server := api.NewServer(a.Summaries, searcher, a.Logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("http server started", zap.Int("port", a.Cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// Close releases every held resource. Safe to call on a partially built App.
func (a *App) Close() {
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.Logger.Warn("close pubsub client", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.renderer != nil {
		a.renderer.Close()
	}
	if a.checkpoints != nil {
		a.checkpoints.Close()
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			a.Logger.Warn("close storage client", zap.Error(err))
		}
	}
}
