package registry

import "sort"

// LinkGraph maps a permalink to the pages linking to it.
type LinkGraph struct {
	incoming map[string]map[string]struct{}
}

// BuildLinkGraph inverts the outgoing link sets keyed by source permalink.
// Self links are ignored.
func BuildLinkGraph(outgoing map[string][]string) *LinkGraph {
	g := &LinkGraph{incoming: make(map[string]map[string]struct{})}
	for from, targets := range outgoing {
		for _, to := range targets {
			to = NormalizePermalink(to)
			if to == from {
				continue
			}
			set, ok := g.incoming[to]
			if !ok {
				set = make(map[string]struct{})
				g.incoming[to] = set
			}
			set[from] = struct{}{}
		}
	}
	return g
}

// LinkedBy returns the pages linking to permalink, sorted.
func (g *LinkGraph) LinkedBy(permalink string) []string {
	set := g.incoming[permalink]
	out := make([]string, 0, len(set))
	for from := range set {
		out = append(out, from)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of link targets.
func (g *LinkGraph) Len() int {
	return len(g.incoming)
}
