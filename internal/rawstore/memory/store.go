// Package memory provides an in-memory raw store for tests.
package memory

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/chainscope/harvester/internal/harvest"
)

// Store keeps artifacts in memory keyed by storage path.
type Store struct {
	mu        sync.RWMutex
	artifacts map[string]harvest.RawArtifact
	contents  map[string][]byte
	hasher    harvest.Hasher
	now       func() time.Time
}

// New returns an empty Store.
func New(hasher harvest.Hasher) *Store {
	return &Store{
		artifacts: make(map[string]harvest.RawArtifact),
		contents:  make(map[string][]byte),
		hasher:    hasher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Put stores the bytes, deduplicating on the content-addressed path.
func (s *Store) Put(_ context.Context, req harvest.PutRequest) (harvest.RawArtifact, error) {
	hash := s.hasher.Hash(req.Data)
	segment := req.SourceID
	if i := strings.IndexByte(segment, '/'); i >= 0 {
		segment = segment[i+1:]
	}
	relPath := path.Join("raw", string(req.Kind), segment, req.Sub, hash+"."+req.ContentKind)

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.artifacts[relPath]; ok {
		return existing, nil
	}
	fetchedAt := req.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = s.now()
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
	s.artifacts[relPath] = art
	s.contents[relPath] = append([]byte(nil), req.Data...)
	return art, nil
}

// Open returns the stored bytes.
func (s *Store) Open(_ context.Context, art harvest.RawArtifact) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.contents[art.StoragePath]
	if !ok {
		return nil, harvest.StorageFailure(fmt.Errorf("artifact %s not found", art.ContentHash))
	}
	return append([]byte(nil), data...), nil
}

// List returns artifacts of one kind.
func (s *Store) List(_ context.Context, kind harvest.SourceKind) ([]harvest.RawArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []harvest.RawArtifact
	for _, art := range s.artifacts {
		if art.Kind == kind {
			out = append(out, art)
		}
	}
	return out, nil
}

// Len reports the number of distinct stored artifacts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.artifacts)
}
