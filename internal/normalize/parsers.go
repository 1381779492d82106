package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chainscope/harvester/internal/harvest"
)

// reportEntry is the shape a structured security report entry is expected
// to carry. Unknown fields are ignored.
type reportEntry struct {
	Type        string   `json:"type"`
	Severity    string   `json:"severity"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	CodeSnippet string   `json:"code_snippet"`
	Tags        []string `json:"tags"`
}

// ReportParser handles JSON artifacts. It accepts either a top-level array
// of report entries or an object wrapping one under a "findings" or
// "records" key. JSON that does not look like a report (repository
// manifests, dataset metadata) yields no records rather than an error.
type ReportParser struct{}

func NewReportParser() *ReportParser { return &ReportParser{} }

func (p *ReportParser) ContentKinds() []string { return []string{"json"} }

func (p *ReportParser) Parse(_ context.Context, art harvest.RawArtifact, data []byte) ([]harvest.NormalizedRecord, error) {
	entries, err := decodeEntries(data)
	if err != nil {
		return nil, fmt.Errorf("decode report %s: %w", art.StoragePath, err)
	}
	var out []harvest.NormalizedRecord
	for i, e := range entries {
		if e.Title == "" {
			return nil, fmt.Errorf("report %s entry %d has no title", art.StoragePath, i)
		}
		t, ok := recordTypeFor(e.Type)
		if !ok {
			return nil, fmt.Errorf("report %s entry %d has unknown type %q", art.StoragePath, i, e.Type)
		}
		out = append(out, harvest.NormalizedRecord{
			Type:        t,
			Severity:    strings.ToLower(e.Severity),
			Title:       e.Title,
			Description: e.Description,
			CodeSnippet: e.CodeSnippet,
			Tags:        e.Tags,
		})
	}
	return out, nil
}

func decodeEntries(data []byte) ([]reportEntry, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var entries []reportEntry
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, err
		}
		return entries, nil
	}

	var wrapper struct {
		Findings []reportEntry `json:"findings"`
		Records  []reportEntry `json:"records"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, err
	}
	if wrapper.Findings != nil {
		return wrapper.Findings, nil
	}
	return wrapper.Records, nil
}

func recordTypeFor(s string) (harvest.RecordType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "vulnerability", "vuln", "cve":
		return harvest.RecordVulnerability, true
	case "audit", "finding":
		return harvest.RecordAudit, true
	case "exploit", "poc":
		return harvest.RecordExploit, true
	}
	return "", false
}

// PageParser turns rendered page text into a single record. The first
// non-empty line becomes the title and the remainder the description. The
// record type is fixed at construction since page artifacts carry no type
// of their own.
type PageParser struct {
	recordType harvest.RecordType
	tags       []string
}

func NewPageParser(t harvest.RecordType, tags ...string) *PageParser {
	return &PageParser{recordType: t, tags: tags}
}

func (p *PageParser) ContentKinds() []string { return []string{"text", "markdown"} }

func (p *PageParser) Parse(_ context.Context, art harvest.RawArtifact, data []byte) ([]harvest.NormalizedRecord, error) {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, nil
	}
	title, description := splitTitle(text)
	if title == "" {
		return nil, fmt.Errorf("page %s has no usable text", art.StoragePath)
	}
	return []harvest.NormalizedRecord{{
		Type:        p.recordType,
		Title:       title,
		Description: description,
		Tags:        append([]string(nil), p.tags...),
	}}, nil
}

func splitTitle(text string) (string, string) {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		line = strings.TrimSpace(strings.TrimLeft(line, "# "))
		if line != "" {
			rest := strings.TrimSpace(strings.Join(lines[i+1:], "\n"))
			return line, rest
		}
	}
	return "", ""
}
