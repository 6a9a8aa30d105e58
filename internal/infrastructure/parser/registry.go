package parser

import (
	"fmt"
	"net/http"
	"sort"

	"papertrail/internal/ports"
)

// Registry keeps a mapping from feed source names to their implementations.
type Registry struct {
	sources map[string]ports.FeedSource
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: map[string]ports.FeedSource{}}
}

// NewDefaultRegistry registers the arXiv API and listing sources against baseURL.
func NewDefaultRegistry(client *http.Client, baseURL string, pageSize int) *Registry {
	reg := NewRegistry()
	reg.Register(NewArxivAPISource(client, baseURL, pageSize))
	reg.Register(NewArxivListingSource(client, baseURL, pageSize))
	return reg
}

// Register adds or replaces a source implementation.
func (r *Registry) Register(source ports.FeedSource) {
	if r.sources == nil {
		r.sources = map[string]ports.FeedSource{}
	}
	r.sources[source.Name()] = source
}

// Resolve returns a source by name or an error if it is absent.
func (r *Registry) Resolve(name string) (ports.FeedSource, error) {
	if source, ok := r.sources[name]; ok {
		return source, nil
	}
	return nil, fmt.Errorf("feed source %s is not registered", name)
}

// Names lists registered sources alphabetically.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
