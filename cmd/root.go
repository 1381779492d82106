// Package cmd defines the CLI commands for the harvester executable.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chainscope/harvester/internal/app"
	"github.com/chainscope/harvester/internal/config"
	"github.com/chainscope/harvester/internal/harvest"
	"github.com/chainscope/harvester/internal/logging"
	"github.com/chainscope/harvester/internal/orchestrator"
	"github.com/chainscope/harvester/internal/source"
)

// rootFlags are shared across all pipeline subcommands.
type rootFlags struct {
	cfgFile    string
	categories []string
	priorities []string
	dryRun     bool
	force      bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Acquires and consolidates security artifacts from many sources.",
		Long: `harvester syncs repositories, scrapes advisory pages, and downloads bulk
datasets, then normalizes, deduplicates, and indexes everything it fetched
into a searchable store. Each pipeline phase checkpoints its progress, so an
interrupted run resumes where it stopped.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&flags.cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().StringSliceVar(&flags.categories, "category", nil, "only process sources in these categories")
	cmd.PersistentFlags().StringSliceVar(&flags.priorities, "priority", nil, "only process sources with these priorities (high, medium, low)")
	cmd.PersistentFlags().BoolVar(&flags.dryRun, "dry-run", false, "list pending work without executing it")
	cmd.PersistentFlags().BoolVar(&flags.force, "force", false, "ignore checkpoints and redo completed work")

	cmd.AddCommand(
		newPhaseCmd(flags, "clone", "Sync repository sources", harvest.PhaseClone),
		newPhaseCmd(flags, "scrape", "Fetch page sources", harvest.PhaseScrape),
		newPhaseCmd(flags, "download", "Download bulk dataset sources", harvest.PhaseDownload),
		newProcessCmd(flags),
		newRunCmd(flags),
		newStatusCmd(flags),
		newServeCmd(flags),
	)
	return cmd
}

// Execute runs the CLI and returns a process exit code. Any phase that ends
// with fatal task failures surfaces as an error, so the exit code is
// non-zero exactly when the pipeline was not fully successful.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// buildApp constructs the application graph for one command invocation.
func buildApp(cmd *cobra.Command, flags *rootFlags) (*app.App, error) {
	cfg, err := config.Load(flags.cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a, err := app.New(cmd.Context(), cfg, logger, app.Options{Force: flags.force})
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return a, nil
}

func closeApp(a *app.App) {
	a.Close()
	_ = a.Logger.Sync()
}

func (f *rootFlags) orchestratorOptions() (orchestrator.Options, error) {
	filter := source.Filter{Categories: f.categories}
	for _, p := range f.priorities {
		prio := harvest.Priority(strings.ToLower(p))
		if !prio.Valid() {
			return orchestrator.Options{}, fmt.Errorf("unknown priority %q", p)
		}
		filter.Priorities = append(filter.Priorities, prio)
	}
	return orchestrator.Options{
		Filter: filter,
		Force:  f.force,
		DryRun: f.dryRun,
	}, nil
}

func logSummary(logger *zap.Logger, s harvest.PhaseSummary) {
	logger.Info("phase summary",
		zap.String("phase", string(s.Phase)),
		zap.Int("total", s.Total),
		zap.Int("succeeded", s.Succeeded),
		zap.Int("failed", s.Failed),
		zap.Int("skipped", s.Skipped),
	)
	for _, f := range s.Failures {
		logger.Warn("task failure",
			zap.String("source", f.SourceID),
			zap.String("class", f.Class),
			zap.String("error", f.Error),
		)
	}
}
