// Package dedup collapses normalized records that share canonical content.
package dedup

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/chainscope/harvester/internal/harvest"
)

// Canonicalize reduces a record to the bytes that define its identity.
// Whitespace runs collapse to a single space and text is lowercased, so
// formatting differences between sources never split a record. Source,
// timestamp, and provenance are excluded because they legitimately differ
// between copies of the same content.
func Canonicalize(rec harvest.NormalizedRecord) []byte {
	tags := make([]string, 0, len(rec.Tags))
	for _, t := range rec.Tags {
		tags = append(tags, canonicalText(t))
	}
	sort.Strings(tags)

	var b strings.Builder
	b.WriteString(string(rec.Type))
	b.WriteByte('\n')
	b.WriteString(canonicalText(rec.Severity))
	b.WriteByte('\n')
	b.WriteString(canonicalText(rec.Title))
	b.WriteByte('\n')
	b.WriteString(canonicalText(rec.Description))
	b.WriteByte('\n')
	b.WriteString(canonicalText(rec.CodeSnippet))
	b.WriteByte('\n')
	b.WriteString(strings.Join(tags, ","))
	return []byte(b.String())
}

func canonicalText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Key returns the canonical hash used as the record id and dedup key.
func Key(hasher harvest.Hasher, rec harvest.NormalizedRecord) string {
	return hasher.Hash(Canonicalize(rec))
}

// Group is a set of records sharing one canonical hash.
type Group struct {
	Key     string
	Records []harvest.NormalizedRecord
}

// GroupBy buckets records by canonical hash. Groups come back sorted by key
// so downstream processing is deterministic regardless of input order.
func GroupBy(hasher harvest.Hasher, recs []harvest.NormalizedRecord) []Group {
	buckets := make(map[string][]harvest.NormalizedRecord)
	for _, rec := range recs {
		key := Key(hasher, rec)
		buckets[key] = append(buckets[key], rec)
	}

	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	groups := make([]Group, 0, len(keys))
	for _, k := range keys {
		groups = append(groups, Group{Key: k, Records: buckets[k]})
	}
	return groups
}

// Merge resolves a group into one surviving record. The representative is
// the earliest-fetched member, with id ties broken by source so the result
// does not depend on input order. Provenance is the sorted union across all
// members.
func Merge(g Group) harvest.NormalizedRecord {
	rep := g.Records[0]
	for _, rec := range g.Records[1:] {
		if rec.Timestamp.Before(rep.Timestamp) ||
			(rec.Timestamp.Equal(rep.Timestamp) && rec.Source < rep.Source) {
			rep = rec
		}
	}

	seen := make(map[string]struct{})
	for _, rec := range g.Records {
		for _, p := range rec.Provenance {
			seen[p] = struct{}{}
		}
		if rec.Source != "" {
			seen[rec.Source] = struct{}{}
		}
	}
	provenance := make([]string, 0, len(seen))
	for p := range seen {
		provenance = append(provenance, p)
	}
	sort.Strings(provenance)

	rep.ID = g.Key
	rep.Provenance = provenance
	return rep
}

// Stats reports what a dedup pass did.
type Stats struct {
	Input  int
	Output int
	Merged int
}

// Deduplicator runs the canonicalize, group, merge pipeline over a record
// set. Running it again over its own output is a no-op.
type Deduplicator struct {
	hasher harvest.Hasher
	logger *zap.Logger
}

func New(hasher harvest.Hasher, logger *zap.Logger) *Deduplicator {
	return &Deduplicator{hasher: hasher, logger: logger.Named("dedup")}
}

// Run collapses duplicates and returns the surviving records.
func (d *Deduplicator) Run(recs []harvest.NormalizedRecord) ([]harvest.NormalizedRecord, Stats) {
	groups := GroupBy(d.hasher, recs)
	out := make([]harvest.NormalizedRecord, 0, len(groups))
	merged := 0
	for _, g := range groups {
		if len(g.Records) > 1 {
			merged += len(g.Records) - 1
			d.logger.Debug("merging duplicate records",
				zap.String("key", g.Key),
				zap.Int("copies", len(g.Records)),
			)
		}
		out = append(out, Merge(g))
	}
	stats := Stats{Input: len(recs), Output: len(out), Merged: merged}
	d.logger.Info("dedup pass complete",
		zap.Int("input", stats.Input),
		zap.Int("output", stats.Output),
		zap.Int("merged", stats.Merged),
	)
	return out, stats
}
