// Package file implements the checkpoint store as an append-only JSONL log
// per phase.
package file

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chainscope/harvester/internal/harvest"
)

// Entry is one checkpoint log line.
type Entry struct {
	Phase   harvest.Phase   `json:"phase"`
	TaskID  string          `json:"task_id"`
	Outcome harvest.Outcome `json:"outcome"`
	Note    string          `json:"note,omitempty"`
	At      time.Time       `json:"at"`
}

// Store appends outcomes to checkpoints/{phase}.jsonl. Appends are
// serialized by a mutex so concurrent workers never interleave lines; the
// in-memory completed set is rebuilt from the logs at startup, which is the
// whole resume mechanism.
type Store struct {
	dir   string
	clock harvest.Clock

	mu        sync.Mutex
	completed map[harvest.Phase]map[string]struct{}
	files     map[harvest.Phase]*os.File
}

// New opens (creating if needed) the checkpoint directory and replays every
// phase log into memory.
func New(baseDir string, clock harvest.Clock) (*Store, error) {
	dir := filepath.Join(baseDir, "checkpoints")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	s := &Store{
		dir:       dir,
		clock:     clock,
		completed: make(map[harvest.Phase]map[string]struct{}),
		files:     make(map[harvest.Phase]*os.File),
	}
	for _, phase := range harvest.Phases() {
		if err := s.replay(phase); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) replay(phase harvest.Phase) error {
	s.completed[phase] = make(map[string]struct{})
	f, err := os.Open(s.logPath(phase)) // #nosec G304 -- store-owned path
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open checkpoint log for %s: %w", phase, err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			// A torn final line from a crash is expected; everything
			// before it is intact because appends are line-atomic.
			continue
		}
		if entry.Outcome == harvest.OutcomeSucceeded || entry.Outcome == harvest.OutcomeSkipped {
			s.completed[phase][entry.TaskID] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan checkpoint log for %s: %w", phase, err)
	}
	return nil
}

// Append records one task outcome and updates the completed set.
func (s *Store) Append(_ context.Context, phase harvest.Phase, taskID string, outcome harvest.Outcome, note string) error {
	entry := Entry{
		Phase:   phase,
		TaskID:  taskID,
		Outcome: outcome,
		Note:    note,
		At:      s.clock.Now(),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return harvest.StorageFailure(fmt.Errorf("marshal checkpoint entry: %w", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.logFile(phase)
	if err != nil {
		return harvest.StorageFailure(err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return harvest.StorageFailure(fmt.Errorf("append checkpoint entry: %w", err))
	}
	if outcome == harvest.OutcomeSucceeded || outcome == harvest.OutcomeSkipped {
		s.completed[phase][taskID] = struct{}{}
	}
	return nil
}

// IsComplete reports whether the task already succeeded in a prior run.
func (s *Store) IsComplete(phase harvest.Phase, taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.completed[phase][taskID]
	return ok
}

// Completed returns a copy of the completed task set for a phase.
func (s *Store) Completed(phase harvest.Phase) map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{}, len(s.completed[phase]))
	for id := range s.completed[phase] {
		out[id] = struct{}{}
	}
	return out
}

// Reset truncates a phase log so the operator can force a full re-run.
func (s *Store) Reset(_ context.Context, phase harvest.Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.files[phase]; ok {
		_ = f.Close()
		delete(s.files, phase)
	}
	if err := os.Remove(s.logPath(phase)); err != nil && !os.IsNotExist(err) {
		return harvest.StorageFailure(fmt.Errorf("reset checkpoint log for %s: %w", phase, err))
	}
	s.completed[phase] = make(map[string]struct{})
	return nil
}

// Close closes all open log files.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for phase, f := range s.files {
		_ = f.Close()
		delete(s.files, phase)
	}
}

func (s *Store) logFile(phase harvest.Phase) (*os.File, error) {
	if f, ok := s.files[phase]; ok {
		return f, nil
	}
	f, err := os.OpenFile(s.logPath(phase), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) // #nosec G304 -- store-owned path
	if err != nil {
		return nil, fmt.Errorf("open checkpoint log for %s: %w", phase, err)
	}
	s.files[phase] = f
	return f, nil
}

func (s *Store) logPath(phase harvest.Phase) string {
	return filepath.Join(s.dir, strings.ToLower(string(phase))+".jsonl")
}
