// Package orchestrator drives the pipeline state machine across its six
// phases, from repository cloning through index rebuild.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chainscope/harvester/internal/dedup"
	"github.com/chainscope/harvester/internal/harvest"
	"github.com/chainscope/harvester/internal/index"
	"github.com/chainscope/harvester/internal/logging"
	"github.com/chainscope/harvester/internal/metrics"
	"github.com/chainscope/harvester/internal/normalize"
	"github.com/chainscope/harvester/internal/records"
	"github.com/chainscope/harvester/internal/retry"
	"github.com/chainscope/harvester/internal/source"
)

// kindFor maps fetch phases onto the source kind they process.
func kindFor(phase harvest.Phase) (harvest.SourceKind, bool) {
	switch phase {
	case harvest.PhaseClone:
		return harvest.KindRepository, true
	case harvest.PhaseScrape:
		return harvest.KindPage, true
	case harvest.PhaseDownload:
		return harvest.KindArchive, true
	}
	return "", false
}

// Options control one invocation of the orchestrator.
type Options struct {
	// Filter narrows which sources participate in fetch phases.
	Filter source.Filter
	// Force resets the checkpoint log of each phase before running it.
	Force bool
	// DryRun enumerates pending work without executing anything.
	DryRun bool
}

// ErrTooManyFailures is returned when a phase exceeds the configured
// failure threshold.
var ErrTooManyFailures = errors.New("phase exceeded failure threshold")

// Orchestrator owns the fetch tasks and sequences the pipeline. Workers
// never share task state; all mutation happens here.
type Orchestrator struct {
	sources     []harvest.Source
	fetchers    map[harvest.SourceKind]harvest.Fetcher
	pools       map[harvest.SourceKind]int
	policy      *retry.Policy
	checkpoints harvest.CheckpointStore
	normalizer  *normalize.Service
	dedup       *dedup.Deduplicator
	records     *records.Store
	indexer     *index.Indexer
	publisher   harvest.Publisher
	summaries   *SummaryStore
	clock       harvest.Clock
	ids         harvest.IDGenerator
	maxFailures int
	logger      *zap.Logger
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Sources     []harvest.Source
	Fetchers    []harvest.Fetcher
	Pools       map[harvest.SourceKind]int
	Policy      *retry.Policy
	Checkpoints harvest.CheckpointStore
	Normalizer  *normalize.Service
	Dedup       *dedup.Deduplicator
	Records     *records.Store
	Indexer     *index.Indexer
	Publisher   harvest.Publisher
	Summaries   *SummaryStore
	Clock       harvest.Clock
	IDs         harvest.IDGenerator
	MaxFailures int
	Logger      *zap.Logger
}

func New(d Deps) (*Orchestrator, error) {
	fetchers := make(map[harvest.SourceKind]harvest.Fetcher, len(d.Fetchers))
	for _, f := range d.Fetchers {
		if _, ok := fetchers[f.Kind()]; ok {
			return nil, fmt.Errorf("duplicate fetcher for kind %q", f.Kind())
		}
		fetchers[f.Kind()] = f
	}
	return &Orchestrator{
		sources:     d.Sources,
		fetchers:    fetchers,
		pools:       d.Pools,
		policy:      d.Policy,
		checkpoints: d.Checkpoints,
		normalizer:  d.Normalizer,
		dedup:       d.Dedup,
		records:     d.Records,
		indexer:     d.Indexer,
		publisher:   d.Publisher,
		summaries:   d.Summaries,
		clock:       d.Clock,
		ids:         d.IDs,
		maxFailures: d.MaxFailures,
		logger:      d.Logger.Named("orchestrator"),
	}, nil
}

// Run executes phases in order starting at from. A phase that exceeds the
// failure threshold marks the run failed but later phases still execute
// against whatever upstream artifacts exist; only infrastructure errors and
// cancellation stop the pipeline early.
func (o *Orchestrator) Run(ctx context.Context, from harvest.Phase, opts Options) (harvest.RunSummary, error) {
	runID, err := o.ids.NewID()
	if err != nil {
		return harvest.RunSummary{}, fmt.Errorf("generate run id: %w", err)
	}
	run := harvest.RunSummary{RunID: runID, StartedAt: o.clock.Now()}

	var breaches []error
	started := false
	for _, phase := range harvest.Phases() {
		if phase == from {
			started = true
		}
		if !started {
			continue
		}
		summary, err := o.RunPhase(ctx, phase, opts)
		run.Phases = append(run.Phases, summary)
		if err != nil {
			if !errors.Is(err, ErrTooManyFailures) {
				o.writeRunSummary(run)
				return run, fmt.Errorf("phase %s: %w", phase, err)
			}
			breaches = append(breaches, fmt.Errorf("phase %s: %w", phase, err))
		}
	}
	o.writeRunSummary(run)
	o.publish(ctx, "run.completed", run)
	return run, errors.Join(breaches...)
}

// RunPhase executes a single phase and persists its summary.
func (o *Orchestrator) RunPhase(ctx context.Context, phase harvest.Phase, opts Options) (harvest.PhaseSummary, error) {
	start := o.clock.Now()
	log := logging.ForPhase(o.logger, string(phase))
	log.Info("phase starting", zap.Bool("dry_run", opts.DryRun))

	if opts.Force && !opts.DryRun {
		if err := o.checkpoints.Reset(ctx, phase); err != nil {
			return harvest.PhaseSummary{Phase: phase, StartedAt: start}, fmt.Errorf("reset %s checkpoints: %w", phase, err)
		}
	}

	var (
		summary harvest.PhaseSummary
		err     error
	)
	if kind, ok := kindFor(phase); ok {
		summary, err = o.runFetchPhase(ctx, phase, kind, opts)
	} else {
		summary, err = o.runProcessingPhase(ctx, phase, opts)
	}
	summary.Phase = phase
	summary.StartedAt = start
	summary.Duration = o.clock.Now().Sub(start)
	metrics.ObservePhaseDuration(string(phase), summary.Duration)

	if err != nil {
		return summary, err
	}
	if !opts.DryRun {
		if werr := o.summaries.WritePhase(summary); werr != nil {
			return summary, werr
		}
		o.publish(ctx, "phase.completed", summary)
	}
	log.Info("phase complete",
		zap.Int("total", summary.Total),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
	)
	if summary.Failed > o.maxFailures {
		return summary, fmt.Errorf("%w: %d failures (threshold %d)", ErrTooManyFailures, summary.Failed, o.maxFailures)
	}
	return summary, nil
}

// runFetchPhase dispatches every pending source of the phase's kind to a
// bounded worker pool. Pending work is the filtered source set minus what
// the checkpoint log already marks complete, so an interrupted run resumes
// where it left off.
func (o *Orchestrator) runFetchPhase(ctx context.Context, phase harvest.Phase, kind harvest.SourceKind, opts Options) (harvest.PhaseSummary, error) {
	fetcher, ok := o.fetchers[kind]
	if !ok {
		return harvest.PhaseSummary{}, fmt.Errorf("no fetcher registered for kind %q", kind)
	}

	filter := opts.Filter
	filter.Kinds = []harvest.SourceKind{kind}
	selected := filter.Apply(o.sources)

	var summary harvest.PhaseSummary
	summary.Total = len(selected)

	pending := make([]harvest.Source, 0, len(selected))
	for _, src := range selected {
		if !opts.Force && o.checkpoints.IsComplete(phase, src.ID) {
			summary.Skipped++
			continue
		}
		pending = append(pending, src)
	}

	if opts.DryRun {
		for _, src := range pending {
			o.logger.Info("dry run: would fetch",
				zap.String("phase", string(phase)),
				zap.String("source", src.ID),
				zap.String("endpoint", src.Endpoint),
			)
		}
		summary.Skipped = summary.Total
		return summary, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.poolSize(kind))
	for _, src := range pending {
		g.Go(func() error {
			failure := o.runTask(gctx, phase, fetcher, src)
			mu.Lock()
			defer mu.Unlock()
			if failure != nil {
				summary.Failed++
				summary.Failures = append(summary.Failures, *failure)
			} else {
				summary.Succeeded++
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
	return summary, nil
}

// runTask executes one fetch with retries and records the outcome in the
// checkpoint log. Failures are contained here; they never abort the phase.
func (o *Orchestrator) runTask(ctx context.Context, phase harvest.Phase, fetcher harvest.Fetcher, src harvest.Source) *harvest.TaskFailure {
	task := harvest.FetchTask{SourceID: src.ID, Status: harvest.TaskInProgress}

	err := o.policy.Do(ctx, func(ctx context.Context) error {
		task.Attempts++
		_, ferr := fetcher.Fetch(ctx, src)
		return ferr
	})
	if err != nil {
		task.Status = harvest.TaskFailed
		task.LastError = err.Error()
		class := harvest.Classify(err)
		o.logger.Warn("task failed",
			zap.String("phase", string(phase)),
			zap.String("source", src.ID),
			zap.String("class", string(class)),
			zap.Int("attempts", task.Attempts),
			zap.Error(err),
		)
		metrics.CountTask(string(phase), "failed")
		if cerr := o.checkpoints.Append(ctx, phase, src.ID, harvest.OutcomeFailed, err.Error()); cerr != nil {
			o.logger.Error("checkpoint append failed", zap.String("source", src.ID), zap.Error(cerr))
		}
		return &harvest.TaskFailure{SourceID: src.ID, Class: string(class), Error: err.Error()}
	}

	task.Status = harvest.TaskSucceeded
	metrics.CountTask(string(phase), "succeeded")
	if cerr := o.checkpoints.Append(ctx, phase, src.ID, harvest.OutcomeSucceeded, ""); cerr != nil {
		o.logger.Error("checkpoint append failed", zap.String("source", src.ID), zap.Error(cerr))
	}
	return nil
}

// runProcessingPhase handles NORMALIZE, DEDUP, and INDEX. These are full
// idempotent passes over the corpus, so they carry no per-task checkpoints;
// re-running one is always safe.
func (o *Orchestrator) runProcessingPhase(ctx context.Context, phase harvest.Phase, opts Options) (harvest.PhaseSummary, error) {
	if opts.DryRun {
		o.logger.Info("dry run: would run processing phase", zap.String("phase", string(phase)))
		return harvest.PhaseSummary{}, nil
	}

	switch phase {
	case harvest.PhaseNormalize:
		return o.runNormalize(ctx)
	case harvest.PhaseDedup:
		return o.runDedup(ctx)
	case harvest.PhaseIndex:
		return o.runIndex(ctx)
	}
	return harvest.PhaseSummary{}, fmt.Errorf("unknown phase %q", phase)
}

func (o *Orchestrator) runNormalize(ctx context.Context) (harvest.PhaseSummary, error) {
	ns, err := o.normalizer.Run(ctx)
	if err != nil {
		return harvest.PhaseSummary{}, err
	}
	summary := harvest.PhaseSummary{
		Total:    ns.Artifacts,
		Failed:   len(ns.Failures),
		Skipped:  ns.Skipped,
		Failures: ns.Failures,
	}
	summary.Succeeded = summary.Total - summary.Failed - summary.Skipped
	for i := 0; i < summary.Succeeded; i++ {
		metrics.CountTask(string(harvest.PhaseNormalize), "succeeded")
	}
	return summary, nil
}

func (o *Orchestrator) runDedup(ctx context.Context) (harvest.PhaseSummary, error) {
	recs, err := o.records.ReadAll()
	if err != nil {
		return harvest.PhaseSummary{}, err
	}
	if err := ctx.Err(); err != nil {
		return harvest.PhaseSummary{}, err
	}
	deduped, stats := o.dedup.Run(recs)
	if err := o.records.WriteAll(deduped); err != nil {
		return harvest.PhaseSummary{}, err
	}
	return harvest.PhaseSummary{
		Total:     stats.Input,
		Succeeded: stats.Output,
		Skipped:   stats.Merged,
	}, nil
}

func (o *Orchestrator) runIndex(ctx context.Context) (harvest.PhaseSummary, error) {
	if o.indexer == nil {
		return harvest.PhaseSummary{}, errors.New("indexer is not configured")
	}
	recs, err := o.records.ReadAll()
	if err != nil {
		return harvest.PhaseSummary{}, err
	}
	if err := o.indexer.EnsureSchema(ctx); err != nil {
		return harvest.PhaseSummary{}, err
	}
	if err := o.indexer.Rebuild(ctx, recs); err != nil {
		return harvest.PhaseSummary{}, err
	}
	return harvest.PhaseSummary{Total: len(recs), Succeeded: len(recs)}, nil
}

func (o *Orchestrator) poolSize(kind harvest.SourceKind) int {
	if n := o.pools[kind]; n > 0 {
		return n
	}
	return 4
}

func (o *Orchestrator) writeRunSummary(run harvest.RunSummary) {
	if err := o.summaries.WriteRun(run); err != nil {
		o.logger.Error("write run summary failed", zap.Error(err))
	}
}

// publish is best effort; losing an event never fails a phase.
func (o *Orchestrator) publish(ctx context.Context, topic string, payload any) {
	if o.publisher == nil {
		return
	}
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := o.publisher.Publish(publishCtx, topic, payload); err != nil {
		o.logger.Warn("event publish failed", zap.String("topic", topic), zap.Error(err))
	}
}
