// Package index persists deduplicated records into Postgres with one typed
// table per record type and a full-text search column over each.
package index

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/chainscope/harvester/internal/harvest"
)

// DB is the slice of pgxpool.Pool the indexer needs. pgxmock satisfies it
// in tests.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// tableFor maps record types onto their tables. The set is closed, so table
// names never come from input data.
func tableFor(t harvest.RecordType) string {
	switch t {
	case harvest.RecordVulnerability:
		return "vulnerabilities"
	case harvest.RecordAudit:
		return "audits"
	case harvest.RecordExploit:
		return "exploits"
	}
	return ""
}

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS %[1]s (
    id           TEXT PRIMARY KEY,
    source       TEXT NOT NULL,
    severity     TEXT NOT NULL DEFAULT '',
    title        TEXT NOT NULL,
    description  TEXT NOT NULL DEFAULT '',
    code_snippet TEXT NOT NULL DEFAULT '',
    tags         TEXT[] NOT NULL DEFAULT '{}',
    recorded_at  TIMESTAMPTZ NOT NULL,
    provenance   TEXT[] NOT NULL DEFAULT '{}',
    search       TSVECTOR GENERATED ALWAYS AS (
        to_tsvector('english',
            coalesce(title, '') || ' ' ||
            coalesce(description, '') || ' ' ||
            array_to_string(tags, ' '))
    ) STORED
);
CREATE INDEX IF NOT EXISTS %[1]s_search_idx ON %[1]s USING GIN (search);
CREATE INDEX IF NOT EXISTS %[1]s_severity_idx ON %[1]s (severity);
`

// Indexer writes and queries the search store. The index is derived state:
// it can always be rebuilt from the record files without loss.
type Indexer struct {
	db     DB
	logger *zap.Logger
}

func New(db DB, logger *zap.Logger) *Indexer {
	return &Indexer{db: db, logger: logger.Named("index")}
}

// EnsureSchema creates the typed tables and their search indexes.
func (ix *Indexer) EnsureSchema(ctx context.Context) error {
	for _, t := range harvest.RecordTypes() {
		if _, err := ix.db.Exec(ctx, fmt.Sprintf(schemaTemplate, tableFor(t))); err != nil {
			return fmt.Errorf("create %s schema: %w", tableFor(t), err)
		}
	}
	return nil
}

// Rebuild replaces the index contents with the given record set in one
// transaction, so readers never observe a half-built index.
func (ix *Indexer) Rebuild(ctx context.Context, recs []harvest.NormalizedRecord) error {
	byType := make(map[harvest.RecordType][]harvest.NormalizedRecord)
	for _, rec := range recs {
		if !rec.Type.Valid() {
			return fmt.Errorf("record %s has invalid type %q", rec.ID, rec.Type)
		}
		byType[rec.Type] = append(byType[rec.Type], rec)
	}

	tx, err := ix.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin index rebuild: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, t := range harvest.RecordTypes() {
		table := tableFor(t)
		if _, err := tx.Exec(ctx, "TRUNCATE "+table); err != nil {
			return fmt.Errorf("truncate %s: %w", table, err)
		}
		for _, rec := range byType[t] {
			if _, err := tx.Exec(ctx,
				`INSERT INTO `+table+` (id, source, severity, title, description, code_snippet, tags, recorded_at, provenance)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				rec.ID, rec.Source, rec.Severity, rec.Title, rec.Description,
				rec.CodeSnippet, rec.Tags, rec.Timestamp, rec.Provenance,
			); err != nil {
				return fmt.Errorf("insert into %s: %w", table, err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit index rebuild: %w", err)
	}
	ix.logger.Info("index rebuilt", zap.Int("records", len(recs)))
	return nil
}

// Filters narrow a search. Zero values mean "no constraint". Tag matches
// records carrying the tag, which is how category filtering surfaces in the
// index.
type Filters struct {
	Types    []harvest.RecordType
	Severity string
	Source   string
	Tag      string
}

func (f Filters) types() []harvest.RecordType {
	if len(f.Types) == 0 {
		return harvest.RecordTypes()
	}
	return f.Types
}

// Search runs a ranked free-text query across the selected tables. An empty
// query returns filtered records ordered by id.
func (ix *Indexer) Search(ctx context.Context, query string, f Filters) ([]harvest.NormalizedRecord, error) {
	var out []harvest.NormalizedRecord
	for _, t := range f.types() {
		if !t.Valid() {
			return nil, fmt.Errorf("invalid record type filter %q", t)
		}
		recs, err := ix.searchTable(ctx, t, query, f)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

func (ix *Indexer) searchTable(ctx context.Context, t harvest.RecordType, query string, f Filters) ([]harvest.NormalizedRecord, error) {
	table := tableFor(t)

	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	sel := `SELECT id, source, severity, title, description, code_snippet, tags, recorded_at, provenance FROM ` + table
	order := " ORDER BY id"
	if strings.TrimSpace(query) != "" {
		conds = append(conds, "search @@ plainto_tsquery('english', "+arg(query)+")")
		order = " ORDER BY ts_rank(search, plainto_tsquery('english', " + arg(query) + ")) DESC, id"
	}
	if f.Severity != "" {
		conds = append(conds, "severity = "+arg(strings.ToLower(f.Severity)))
	}
	if f.Source != "" {
		conds = append(conds, "source = "+arg(f.Source))
	}
	if f.Tag != "" {
		conds = append(conds, arg(f.Tag)+" = ANY(tags)")
	}
	if len(conds) > 0 {
		sel += " WHERE " + strings.Join(conds, " AND ")
	}
	sel += order

	rows, err := ix.db.Query(ctx, sel, args...)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", table, err)
	}
	defer rows.Close()

	var out []harvest.NormalizedRecord
	for rows.Next() {
		rec := harvest.NormalizedRecord{Type: t}
		if err := rows.Scan(
			&rec.ID, &rec.Source, &rec.Severity, &rec.Title, &rec.Description,
			&rec.CodeSnippet, &rec.Tags, &rec.Timestamp, &rec.Provenance,
		); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", table, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s rows: %w", table, err)
	}
	return out, nil
}
