// Package memory provides an in-memory checkpoint store for tests.
package memory

import (
	"context"
	"sync"

	"github.com/chainscope/harvester/internal/harvest"
)

// Store keeps checkpoint state in memory.
type Store struct {
	mu        sync.Mutex
	completed map[harvest.Phase]map[string]struct{}
	entries   []Entry
}

// Entry records one Append call for inspection.
type Entry struct {
	Phase   harvest.Phase
	TaskID  string
	Outcome harvest.Outcome
	Note    string
}

// New returns an empty Store.
func New() *Store {
	return &Store{completed: make(map[harvest.Phase]map[string]struct{})}
}

// Append records the outcome.
func (s *Store) Append(_ context.Context, phase harvest.Phase, taskID string, outcome harvest.Outcome, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, Entry{Phase: phase, TaskID: taskID, Outcome: outcome, Note: note})
	if outcome == harvest.OutcomeSucceeded || outcome == harvest.OutcomeSkipped {
		if s.completed[phase] == nil {
			s.completed[phase] = make(map[string]struct{})
		}
		s.completed[phase][taskID] = struct{}{}
	}
	return nil
}

// IsComplete reports whether the task has a terminal success outcome.
func (s *Store) IsComplete(phase harvest.Phase, taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.completed[phase][taskID]
	return ok
}

// Completed returns a copy of the completed set.
func (s *Store) Completed(phase harvest.Phase) map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{}, len(s.completed[phase]))
	for id := range s.completed[phase] {
		out[id] = struct{}{}
	}
	return out
}

// Reset clears a phase.
func (s *Store) Reset(_ context.Context, phase harvest.Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.completed, phase)
	return nil
}

// Entries returns all recorded appends.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}
