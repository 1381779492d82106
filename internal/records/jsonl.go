// Package records persists canonical normalized records as JSONL, one file
// per record type.
package records

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/chainscope/harvester/internal/harvest"
)

// Store reads and writes the canonical record files under a base directory.
type Store struct {
	dir string
}

func NewStore(baseDir string) (*Store, error) {
	dir := filepath.Join(baseDir, "records")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create records dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(t harvest.RecordType) string {
	return filepath.Join(s.dir, string(t)+".jsonl")
}

// Read returns every record of the given type, or an empty slice when the
// file does not exist yet.
func (s *Store) Read(t harvest.RecordType) ([]harvest.NormalizedRecord, error) {
	f, err := os.Open(s.path(t))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s records: %w", t, err)
	}
	defer f.Close()

	var out []harvest.NormalizedRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec harvest.NormalizedRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("decode %s record: %w", t, err)
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s records: %w", t, err)
	}
	return out, nil
}

// ReadAll returns the whole normalized corpus across every record type.
func (s *Store) ReadAll() ([]harvest.NormalizedRecord, error) {
	var all []harvest.NormalizedRecord
	for _, t := range harvest.RecordTypes() {
		recs, err := s.Read(t)
		if err != nil {
			return nil, err
		}
		all = append(all, recs...)
	}
	return all, nil
}

// Write replaces the file for the given type with the supplied records,
// sorted by id for a deterministic layout. The write is atomic so a crash
// never leaves a truncated file behind.
func (s *Store) Write(t harvest.RecordType, recs []harvest.NormalizedRecord) error {
	sorted := make([]harvest.NormalizedRecord, len(recs))
	copy(sorted, recs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp records file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, rec := range sorted {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode %s record: %w", t, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush %s records: %w", t, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp records file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(t)); err != nil {
		return fmt.Errorf("finalize %s records: %w", t, err)
	}
	return nil
}

// WriteAll partitions records by type and rewrites every record file,
// including emptying types that have no records left.
func (s *Store) WriteAll(recs []harvest.NormalizedRecord) error {
	byType := make(map[harvest.RecordType][]harvest.NormalizedRecord)
	for _, rec := range recs {
		byType[rec.Type] = append(byType[rec.Type], rec)
	}
	for _, t := range harvest.RecordTypes() {
		if err := s.Write(t, byType[t]); err != nil {
			return err
		}
	}
	return nil
}
