package depgraph

import "sort"

// Entry is the serialisable form of one node's forward edges.
type Entry struct {
	Path    string   `json:"path"`
	Kind    Kind     `json:"kind"`
	Imports []string `json:"imports,omitempty"`
}

// Snapshot returns every node with its imports, ordered by path.
func (g *Graph) Snapshot() []Entry {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	entries := make([]Entry, 0, len(g.nodes))
	for path, n := range g.nodes {
		entries = append(entries, Entry{
			Path:    path,
			Kind:    n.Kind,
			Imports: sortedKeys(n.imports),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})
	return entries
}

// Restore rebuilds the graph from a snapshot, discarding current content.
func (g *Graph) Restore(entries []Entry) {
	g.mutex.Lock()
	g.nodes = make(map[string]*SourceNode, len(entries))
	g.mutex.Unlock()

	for _, e := range entries {
		g.RecordImports(e.Path, e.Kind, e.Imports)
	}
}

// Cycles returns the import cycles present in the graph. Cycles are legal;
// they are reported for diagnostics only.
func (g *Graph) Cycles() [][]string {
	g.mutex.RLock()
	graph := make(map[string][]string, len(g.nodes))
	for path, n := range g.nodes {
		graph[path] = sortedKeys(n.imports)
	}
	g.mutex.RUnlock()

	roots := make([]string, 0, len(graph))
	for path := range graph {
		roots = append(roots, path)
	}
	sort.Strings(roots)

	var cycles [][]string
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, root := range roots {
		if !visited[root] {
			cycles = append(cycles, detectCycles(root, graph, visited, recStack, nil)...)
		}
	}
	return cycles
}

// detectCycles performs DFS and closes every back edge into a cycle
func detectCycles(path string, graph map[string][]string, visited, recStack map[string]bool, stack []string) [][]string {
	visited[path] = true
	recStack[path] = true
	stack = append(stack, path)

	var cycles [][]string
	for _, dep := range graph[path] {
		if !visited[dep] {
			cycles = append(cycles, detectCycles(dep, graph, visited, recStack, stack)...)
		} else if recStack[dep] {
			for i, p := range stack {
				if p == dep {
					cycle := make([]string, len(stack)-i+1)
					copy(cycle, stack[i:])
					cycle[len(cycle)-1] = dep
					cycles = append(cycles, cycle)
					break
				}
			}
		}
	}

	recStack[path] = false
	return cycles
}
