// Package normalize converts raw artifacts into canonical typed records.
package normalize

import (
	"fmt"
	"strings"

	"github.com/chainscope/harvester/internal/harvest"
)

// Registry maps artifact content kinds to the parser responsible for them.
// Parsing is pluggable; the service only defines the contract and the
// record shape.
type Registry struct {
	parsers map[string]harvest.Parser
}

func NewRegistry() *Registry {
	return &Registry{parsers: make(map[string]harvest.Parser)}
}

// Register binds a parser to every content kind it declares. Registering a
// second parser for the same kind is a configuration bug, so it fails loudly.
func (r *Registry) Register(p harvest.Parser) error {
	for _, kind := range p.ContentKinds() {
		kind = strings.ToLower(kind)
		if _, ok := r.parsers[kind]; ok {
			return fmt.Errorf("parser already registered for content kind %q", kind)
		}
		r.parsers[kind] = p
	}
	return nil
}

// For returns the parser for a content kind, or nil when none is registered.
func (r *Registry) For(contentKind string) harvest.Parser {
	return r.parsers[strings.ToLower(contentKind)]
}
