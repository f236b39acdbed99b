package chunker

import (
	"path/filepath"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
)

// LanguageSpec pairs a tree-sitter grammar with the query used to
// capture top-level definitions worth chunking on their own.
type LanguageSpec struct {
	Language *sitter.Language
	// Query is a tree-sitter S-expression query. It must capture the
	// definition node as @chunk and, optionally, its identifier as
	// @name.
	Query      string
	Extensions []string
}

// Registry maps file extensions to language specs.
type Registry struct {
	mu    sync.RWMutex
	byExt map[string]*LanguageSpec
	names map[string]*LanguageSpec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byExt: make(map[string]*LanguageSpec), names: make(map[string]*LanguageSpec)}
}

// Register adds a language spec under name, indexing it by every
// extension it declares.
func (r *Registry) Register(name string, spec *LanguageSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names[name] = spec
	for _, ext := range spec.Extensions {
		r.byExt[ext] = spec
	}
}

// Lookup returns the spec registered for path's extension, or nil if
// none is registered.
func (r *Registry) Lookup(path string) (*LanguageSpec, string) {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.byExt[ext]
	if !ok {
		return nil, ""
	}
	for name, s := range r.names {
		if s == spec {
			return spec, name
		}
	}
	return spec, ext
}

// DefaultRegistry returns a Registry with every bundled language spec
// registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	registerBuiltins(r)
	return r
}
