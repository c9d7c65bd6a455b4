// Package depgraph tracks which source files import which, and answers the
// question of which pages must recompile when a given path changes.
package depgraph

import (
	"path/filepath"
	"sort"
	"sync"
)

// Kind distinguishes page sources from shared dependencies.
type Kind int

const (
	KindShared Kind = iota
	KindPage
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindPage:
		return "page"
	case KindShared:
		return "shared"
	default:
		return "unknown"
	}
}

// SourceNode is one file known to the graph.
type SourceNode struct {
	Path       string
	Kind       Kind
	imports    map[string]struct{}
	dependents map[string]struct{}
}

// Graph is a bidirectional import graph. Forward edges point from a file to
// what it imports, reverse edges from a file to its dependents.
type Graph struct {
	nodes map[string]*SourceNode
	mutex sync.RWMutex
}

// New creates an empty graph
func New() *Graph {
	return &Graph{
		nodes: make(map[string]*SourceNode),
	}
}

// Normalize returns the key a path is stored under.
func Normalize(path string) string {
	return filepath.ToSlash(filepath.Clean(path))
}

func (g *Graph) node(path string) *SourceNode {
	n, ok := g.nodes[path]
	if !ok {
		n = &SourceNode{
			Path:       path,
			Kind:       KindShared,
			imports:    make(map[string]struct{}),
			dependents: make(map[string]struct{}),
		}
		g.nodes[path] = n
	}
	return n
}

// RecordImports replaces the import set of source with deps. Page sources
// are registered with KindPage; any other source keeps its kind.
func (g *Graph) RecordImports(source string, kind Kind, deps []string) {
	source = Normalize(source)

	g.mutex.Lock()
	defer g.mutex.Unlock()

	n := g.node(source)
	if kind == KindPage {
		n.Kind = KindPage
	}

	for dep := range n.imports {
		if d, ok := g.nodes[dep]; ok {
			delete(d.dependents, source)
			if d != n {
				g.prune(d)
			}
		}
	}
	n.imports = make(map[string]struct{}, len(deps))

	for _, dep := range deps {
		dep = Normalize(dep)
		n.imports[dep] = struct{}{}
		g.node(dep).dependents[source] = struct{}{}
	}
}

// AddPage registers a page without imports. Existing edges are kept.
func (g *Graph) AddPage(source string) {
	source = Normalize(source)

	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.node(source).Kind = KindPage
}

// Remove drops the forward edges of path. The node itself is kept as a
// shared placeholder while other files still import it, so that recreating
// it later reaches the same dependents.
func (g *Graph) Remove(path string) {
	path = Normalize(path)

	g.mutex.Lock()
	defer g.mutex.Unlock()

	n, ok := g.nodes[path]
	if !ok {
		return
	}
	for dep := range n.imports {
		if d, ok := g.nodes[dep]; ok {
			delete(d.dependents, path)
			g.prune(d)
		}
	}
	n.imports = make(map[string]struct{})
	n.Kind = KindShared
	g.prune(n)
}

// prune deletes a shared node that has no edges left. Caller holds the lock.
func (g *Graph) prune(n *SourceNode) {
	if n.Kind == KindShared && len(n.imports) == 0 && len(n.dependents) == 0 {
		delete(g.nodes, n.Path)
	}
}

// AffectedBy returns every page reachable from changed by following
// dependent edges, including changed itself when it is a page. The result
// is sorted.
func (g *Graph) AffectedBy(changed string) []string {
	changed = Normalize(changed)

	g.mutex.RLock()
	defer g.mutex.RUnlock()

	start, ok := g.nodes[changed]
	if !ok {
		return nil
	}

	visited := map[string]bool{changed: true}
	queue := []*SourceNode{start}
	var pages []string

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if n.Kind == KindPage {
			pages = append(pages, n.Path)
		}
		for dep := range n.dependents {
			if visited[dep] {
				continue
			}
			visited[dep] = true
			if d, ok := g.nodes[dep]; ok {
				queue = append(queue, d)
			}
		}
	}

	sort.Strings(pages)
	return pages
}

// Dependents returns the direct dependents of path, sorted.
func (g *Graph) Dependents(path string) []string {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	n, ok := g.nodes[Normalize(path)]
	if !ok {
		return nil
	}
	return sortedKeys(n.dependents)
}

// Imports returns the direct imports of path, sorted.
func (g *Graph) Imports(path string) []string {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	n, ok := g.nodes[Normalize(path)]
	if !ok {
		return nil
	}
	return sortedKeys(n.imports)
}

// Kind returns the kind of path and whether the graph knows it.
func (g *Graph) Kind(path string) (Kind, bool) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	n, ok := g.nodes[Normalize(path)]
	if !ok {
		return KindShared, false
	}
	return n.Kind, true
}

// Pages returns all page sources, sorted.
func (g *Graph) Pages() []string {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	var pages []string
	for path, n := range g.nodes {
		if n.Kind == KindPage {
			pages = append(pages, path)
		}
	}
	sort.Strings(pages)
	return pages
}

// Len returns the number of nodes
func (g *Graph) Len() int {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	return len(g.nodes)
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
