package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chainscope/harvester/internal/harvest"
)

// newPhaseCmd builds a subcommand that runs exactly one fetch phase.
func newPhaseCmd(flags *rootFlags, use, short string, phase harvest.Phase) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd, flags)
			if err != nil {
				return err
			}
			defer closeApp(a)

			opts, err := flags.orchestratorOptions()
			if err != nil {
				return err
			}
			summary, err := a.Orchestrator.RunPhase(cmd.Context(), phase, opts)
			logSummary(a.Logger, summary)
			return err
		},
	}
}

// newProcessCmd runs the post-fetch phases: normalize, dedup, index.
func newProcessCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Normalize, deduplicate, and index fetched artifacts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd, flags)
			if err != nil {
				return err
			}
			defer closeApp(a)

			opts, err := flags.orchestratorOptions()
			if err != nil {
				return err
			}
			for _, phase := range []harvest.Phase{harvest.PhaseNormalize, harvest.PhaseDedup, harvest.PhaseIndex} {
				summary, err := a.Orchestrator.RunPhase(cmd.Context(), phase, opts)
				logSummary(a.Logger, summary)
				if err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// newRunCmd drives the whole pipeline, optionally starting midway.
func newRunCmd(flags *rootFlags) *cobra.Command {
	var from string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline end to end",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fromPhase, err := parsePhase(from)
			if err != nil {
				return err
			}

			a, err := buildApp(cmd, flags)
			if err != nil {
				return err
			}
			defer closeApp(a)

			opts, err := flags.orchestratorOptions()
			if err != nil {
				return err
			}

			// When the status server is enabled it runs alongside the
			// pipeline and is torn down once the run finishes.
			srvDone := make(chan error, 1)
			srvCtx, stopSrv := context.WithCancel(cmd.Context())
			defer stopSrv()
			if a.Cfg.Server.Enabled {
				go func() { srvDone <- a.Serve(srvCtx) }()
			}

			run, err := a.Orchestrator.Run(cmd.Context(), fromPhase, opts)
			if a.Cfg.Server.Enabled {
				stopSrv()
				if serr := <-srvDone; serr != nil {
					a.Logger.Warn("status server exited with error", zap.Error(serr))
				}
			}
			for _, s := range run.Phases {
				logSummary(a.Logger, s)
			}
			if err != nil {
				return err
			}
			if run.Failed() {
				return fmt.Errorf("run %s finished with task failures", run.RunID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", string(harvest.PhaseClone), "phase to start from (CLONE, SCRAPE, DOWNLOAD, NORMALIZE, DEDUP, INDEX)")
	return cmd
}

func parsePhase(s string) (harvest.Phase, error) {
	phase := harvest.Phase(strings.ToUpper(strings.TrimSpace(s)))
	for _, p := range harvest.Phases() {
		if p == phase {
			return phase, nil
		}
	}
	return "", fmt.Errorf("unknown phase %q", s)
}
