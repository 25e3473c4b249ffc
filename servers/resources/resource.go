// Package resources serves the resources/* methods over a fixed catalogue of code and
// document resources, and pushes update notifications to subscribed sessions.
package resources

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrNotFound is returned for unknown resource ids.
var ErrNotFound = errors.New("resource not found")

// Resource is a catalogue entry as listed by resources/list.
type Resource struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Type     string         `json:"type"`
	Path     string         `json:"path"`
	Metadata map[string]any `json:"metadata,omitempty"`

	content string
}

// Contents is a Resource together with its content, as returned by resources/get. The size
// in Metadata is the length of Content.
type Contents struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Type     string         `json:"type"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Match is one result of resources/search.
type Match struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Type      string  `json:"type"`
	Path      string  `json:"path"`
	Relevance float64 `json:"relevance"`
}

// NewResource creates a Resource with the given content.
func NewResource(id, name, typ, path, content string, metadata map[string]any) Resource {
	return Resource{
		ID:       id,
		Name:     name,
		Type:     typ,
		Path:     path,
		Metadata: metadata,
		content:  content,
	}
}

// DefaultResources returns an example code file and an example document.
func DefaultResources() []Resource {
	code := `
def hello_world():
    print("Hello, MCP!")

if __name__ == "__main__":
    hello_world()
`
	doc := `
# Example document

A sample Markdown document demonstrating resource management.

## Features

- Several resource types
- Dynamic resource loading
- Resource lifecycle management
`
	return []Resource{
		NewResource("resource1", "Example code file", "code", "/examples/example.py", code,
			map[string]any{"language": "python", "size": 1024}),
		NewResource("resource2", "Example document", "document", "/docs/example.md", doc,
			map[string]any{"format": "markdown", "size": 2048}),
	}
}

// Catalogue is an immutable set of Resources kept in id order.
type Catalogue struct {
	resources []Resource
}

// NewCatalogue creates a Catalogue. Later duplicates of an id replace earlier ones.
func NewCatalogue(resources ...Resource) *Catalogue {
	byID := make(map[string]Resource, len(resources))
	for _, r := range resources {
		byID[r.ID] = r
	}
	c := &Catalogue{resources: make([]Resource, 0, len(byID))}
	for _, r := range byID {
		c.resources = append(c.resources, r)
	}
	slices.SortFunc(c.resources, func(a, b Resource) int { return cmp.Compare(a.ID, b.ID) })
	return c
}

// List returns every Resource.
func (c *Catalogue) List() []Resource {
	return slices.Clone(c.resources)
}

// Get returns the Contents of the Resource with the given id.
func (c *Catalogue) Get(id string) (Contents, error) {
	i := slices.IndexFunc(c.resources, func(r Resource) bool { return r.ID == id })
	if i < 0 {
		return Contents{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r := c.resources[i]

	metadata := make(map[string]any, len(r.Metadata)+1)
	for k, v := range r.Metadata {
		metadata[k] = v
	}
	metadata["size"] = len(r.content)

	return Contents{
		ID:       r.ID,
		Name:     r.Name,
		Type:     r.Type,
		Content:  r.content,
		Metadata: metadata,
	}, nil
}

// Has reports whether a Resource with the given id exists.
func (c *Catalogue) Has(id string) bool {
	return slices.ContainsFunc(c.resources, func(r Resource) bool { return r.ID == id })
}

// Search matches query case-insensitively against name, type, path and string metadata. A
// match on the name ranks highest, one on metadata lowest. Results are ordered by relevance,
// then id.
func (c *Catalogue) Search(query string) []Match {
	q := strings.ToLower(strings.TrimSpace(query))
	matches := []Match{}
	if q == "" {
		return matches
	}

	for _, r := range c.resources {
		relevance := 0.0
		switch {
		case strings.Contains(strings.ToLower(r.Name), q):
			relevance = 0.95
		case strings.Contains(strings.ToLower(r.Type), q):
			relevance = 0.9
		case strings.Contains(strings.ToLower(r.Path), q):
			relevance = 0.85
		case metadataContains(r.Metadata, q):
			relevance = 0.8
		default:
			continue
		}
		matches = append(matches, Match{
			ID:        r.ID,
			Name:      r.Name,
			Type:      r.Type,
			Path:      r.Path,
			Relevance: relevance,
		})
	}

	slices.SortStableFunc(matches, func(a, b Match) int {
		return cmp.Compare(b.Relevance, a.Relevance)
	})
	return matches
}

func metadataContains(metadata map[string]any, q string) bool {
	for _, v := range metadata {
		if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), q) {
			return true
		}
	}
	return false
}
