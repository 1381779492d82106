// Package source loads the declarative source catalog and filters it.
package source

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/chainscope/harvester/internal/harvest"
)

var unsafeChars = regexp.MustCompile(`[<>:"/\\|?*\s]+`)

// Sanitize converts a source name into a filesystem-safe identifier.
func Sanitize(name string) string {
	s := unsafeChars.ReplaceAllString(strings.TrimSpace(name), "_")
	s = strings.Trim(s, "._")
	if len(s) > 255 {
		s = s[:255]
	}
	return s
}

type catalogFile struct {
	Repositories []entry `yaml:"repositories"`
	Pages        []entry `yaml:"pages"`
	Archives     []entry `yaml:"archives"`
}

type entry struct {
	Name       string `yaml:"name"`
	Endpoint   string `yaml:"endpoint"`
	Category   string `yaml:"category"`
	Priority   string `yaml:"priority"`
	Render     bool   `yaml:"render"`
	CloneDepth int    `yaml:"clone_depth"`
	Sample     bool   `yaml:"sample"`
}

// Load reads the YAML catalog and returns validated sources. The catalog
// schema is owned by a collaborator; this loader only maps it onto
// harvest.Source values.
func Load(path string) ([]harvest.Source, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied catalog path
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	var sources []harvest.Source
	for _, group := range []struct {
		kind    harvest.SourceKind
		entries []entry
	}{
		{harvest.KindRepository, file.Repositories},
		{harvest.KindPage, file.Pages},
		{harvest.KindArchive, file.Archives},
	} {
		for _, e := range group.entries {
			src, err := build(group.kind, e)
			if err != nil {
				return nil, err
			}
			sources = append(sources, src)
		}
	}

	if err := checkUnique(sources); err != nil {
		return nil, err
	}
	return sources, nil
}

func build(kind harvest.SourceKind, e entry) (harvest.Source, error) {
	if strings.TrimSpace(e.Name) == "" {
		return harvest.Source{}, fmt.Errorf("catalog %s entry: name is required", kind)
	}
	if strings.TrimSpace(e.Endpoint) == "" {
		return harvest.Source{}, fmt.Errorf("catalog source %q: endpoint is required", e.Name)
	}
	priority := harvest.Priority(e.Priority)
	if e.Priority == "" {
		priority = harvest.PriorityMedium
	}
	if priority.Rank() > harvest.PriorityLow.Rank() {
		return harvest.Source{}, fmt.Errorf("catalog source %q: unknown priority %q", e.Name, e.Priority)
	}
	category := e.Category
	if category == "" {
		category = "general"
	}
	return harvest.Source{
		ID:         fmt.Sprintf("%s/%s", kind, Sanitize(e.Name)),
		Name:       e.Name,
		Kind:       kind,
		Endpoint:   e.Endpoint,
		Category:   category,
		Priority:   priority,
		Render:     e.Render,
		CloneDepth: e.CloneDepth,
		Sample:     e.Sample,
	}, nil
}

func checkUnique(sources []harvest.Source) error {
	seen := make(map[string]struct{}, len(sources))
	for _, s := range sources {
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("catalog contains duplicate source id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}

// Filter narrows a source list by kind, category, and priority.
type Filter struct {
	Kinds      []harvest.SourceKind
	Categories []string
	Priorities []harvest.Priority
}

// Match reports whether the source passes the filter.
func (f Filter) Match(src harvest.Source) bool {
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, src.Kind) {
		return false
	}
	if len(f.Categories) > 0 && !containsFold(f.Categories, src.Category) {
		return false
	}
	if len(f.Priorities) > 0 && !containsPriority(f.Priorities, src.Priority) {
		return false
	}
	return true
}

// Apply returns the matching sources ordered by priority, then id, so work
// lists are deterministic across runs.
func (f Filter) Apply(sources []harvest.Source) []harvest.Source {
	var out []harvest.Source
	for _, s := range sources {
		if f.Match(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority.Rank() != out[j].Priority.Rank() {
			return out[i].Priority.Rank() < out[j].Priority.Rank()
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func containsKind(kinds []harvest.SourceKind, k harvest.SourceKind) bool {
	for _, kind := range kinds {
		if kind == k {
			return true
		}
	}
	return false
}

func containsPriority(priorities []harvest.Priority, p harvest.Priority) bool {
	for _, priority := range priorities {
		if priority == p {
			return true
		}
	}
	return false
}

func containsFold(values []string, v string) bool {
	for _, value := range values {
		if strings.EqualFold(value, v) {
			return true
		}
	}
	return false
}
