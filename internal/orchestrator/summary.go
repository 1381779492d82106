package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chainscope/harvester/internal/harvest"
)

// SummaryStore persists phase and run summaries as JSON under the output
// directory so the status command and the HTTP API can read them back.
type SummaryStore struct {
	dir string
}

func NewSummaryStore(baseDir string) (*SummaryStore, error) {
	dir := filepath.Join(baseDir, "summaries")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create summaries dir: %w", err)
	}
	return &SummaryStore{dir: dir}, nil
}

// WritePhase stores the summary for one phase, replacing any earlier run's.
func (s *SummaryStore) WritePhase(summary harvest.PhaseSummary) error {
	return s.write(s.phasePath(summary.Phase), summary)
}

// WriteRun stores the master summary aggregating all phases of a run.
func (s *SummaryStore) WriteRun(run harvest.RunSummary) error {
	return s.write(filepath.Join(s.dir, "run.json"), run)
}

// ReadPhase loads the latest summary for the phase. Missing files mean the
// phase has never completed; callers get ok=false, not an error.
func (s *SummaryStore) ReadPhase(phase harvest.Phase) (harvest.PhaseSummary, bool, error) {
	data, err := os.ReadFile(s.phasePath(phase))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return harvest.PhaseSummary{}, false, nil
		}
		return harvest.PhaseSummary{}, false, fmt.Errorf("read %s summary: %w", phase, err)
	}
	var summary harvest.PhaseSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return harvest.PhaseSummary{}, false, fmt.Errorf("decode %s summary: %w", phase, err)
	}
	return summary, true, nil
}

// ReadRun loads the latest master summary.
func (s *SummaryStore) ReadRun() (harvest.RunSummary, bool, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, "run.json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return harvest.RunSummary{}, false, nil
		}
		return harvest.RunSummary{}, false, fmt.Errorf("read run summary: %w", err)
	}
	var run harvest.RunSummary
	if err := json.Unmarshal(data, &run); err != nil {
		return harvest.RunSummary{}, false, fmt.Errorf("decode run summary: %w", err)
	}
	return run, true, nil
}

// Status collects the latest summary of every phase that has one.
func (s *SummaryStore) Status() ([]harvest.PhaseSummary, error) {
	var out []harvest.PhaseSummary
	for _, phase := range harvest.Phases() {
		summary, ok, err := s.ReadPhase(phase)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, summary)
		}
	}
	return out, nil
}

func (s *SummaryStore) phasePath(phase harvest.Phase) string {
	return filepath.Join(s.dir, strings.ToLower(string(phase))+".json")
}

func (s *SummaryStore) write(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp summary: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp summary: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("finalize summary: %w", err)
	}
	return nil
}
