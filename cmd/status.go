package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chainscope/harvester/internal/checkpoint/file"
	"github.com/chainscope/harvester/internal/clock/system"
	"github.com/chainscope/harvester/internal/config"
	"github.com/chainscope/harvester/internal/harvest"
	"github.com/chainscope/harvester/internal/orchestrator"
	"github.com/chainscope/harvester/internal/source"
)

type sourceStatus struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Category string `json:"category,omitempty"`
	Fetched  bool   `json:"fetched"`
}

type statusReport struct {
	Run     *harvest.RunSummary    `json:"run,omitempty"`
	Phases  []harvest.PhaseSummary `json:"phases"`
	Sources []sourceStatus         `json:"sources,omitempty"`
}

// newStatusCmd prints the latest phase summaries and per-source fetch state
// as JSON. It reads the summary and checkpoint files directly, so it needs
// no fetchers, database, or network.
func newStatusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the latest result of each pipeline phase",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			summaries, err := orchestrator.NewSummaryStore(cfg.Output.BaseDir)
			if err != nil {
				return err
			}

			phases, err := summaries.Status()
			if err != nil {
				return err
			}
			report := statusReport{Phases: phases}
			if run, ok, err := summaries.ReadRun(); err == nil && ok {
				report.Run = &run
			}
			report.Sources = sourceStatuses(cfg)

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}

// sourceStatuses reports each cataloged source against its fetch phase's
// checkpoint log. A missing or unreadable catalog just omits the section;
// status stays usable in a fresh working directory.
func sourceStatuses(cfg config.Config) []sourceStatus {
	sources, err := source.Load(cfg.Catalog)
	if err != nil {
		return nil
	}
	checkpoints, err := file.New(cfg.Output.BaseDir, system.New())
	if err != nil {
		return nil
	}
	defer checkpoints.Close()

	phaseFor := map[harvest.SourceKind]harvest.Phase{
		harvest.KindRepository: harvest.PhaseClone,
		harvest.KindPage:       harvest.PhaseScrape,
		harvest.KindArchive:    harvest.PhaseDownload,
	}

	out := make([]sourceStatus, 0, len(sources))
	for _, src := range sources {
		out = append(out, sourceStatus{
			ID:       src.ID,
			Kind:     string(src.Kind),
			Category: src.Category,
			Fetched:  checkpoints.IsComplete(phaseFor[src.Kind], src.ID),
		})
	}
	return out
}
