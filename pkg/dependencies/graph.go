package dependencies

import (
	"fmt"
	"io"
	"sort"

	"github.com/platinummonkey/hangar/pkg/plugins"
)

// Edge is a "requires" relation from one plugin to another.
type Edge struct {
	From       string
	To         string
	Constraint string
	Optional   bool
}

// Node is a plugin name together with every available version of it.
type Node struct {
	Name      string
	Manifests []*plugins.Manifest // sorted by descending version
}

// DependencyGraph represents the dependency graph. Nodes are plugin names;
// an edge A -> B means A requires B.
type DependencyGraph struct {
	nodes map[string]*Node
	edges map[string][]Edge // keyed by requester, sorted by target
}

// NewGraph builds a graph from a manifest set. Several manifests may share a
// name; their edges are merged onto the name's node.
func NewGraph(manifests []*plugins.Manifest) *DependencyGraph {
	g := &DependencyGraph{
		nodes: make(map[string]*Node),
		edges: make(map[string][]Edge),
	}
	for _, m := range manifests {
		g.AddManifest(m)
	}
	for name, node := range g.nodes {
		sort.SliceStable(node.Manifests, func(i, j int) bool {
			vi, erri := node.Manifests[i].SemVer()
			vj, errj := node.Manifests[j].SemVer()
			if erri != nil || errj != nil {
				return erri == nil
			}
			return vi.GreaterThan(vj)
		})
		edges := g.edges[name]
		sort.SliceStable(edges, func(i, j int) bool { return edges[i].To < edges[j].To })
	}
	return g
}

// AddManifest adds a manifest to the graph
func (g *DependencyGraph) AddManifest(m *plugins.Manifest) {
	node, ok := g.nodes[m.Name]
	if !ok {
		node = &Node{Name: m.Name}
		g.nodes[m.Name] = node
	}
	node.Manifests = append(node.Manifests, m)

	for _, dep := range m.Dependencies {
		if g.hasEdge(m.Name, dep.Name) {
			continue
		}
		g.edges[m.Name] = append(g.edges[m.Name], Edge{
			From:       m.Name,
			To:         dep.Name,
			Constraint: dep.ConstraintOrAny(),
			Optional:   dep.Optional,
		})
	}
}

func (g *DependencyGraph) hasEdge(from, to string) bool {
	for _, e := range g.edges[from] {
		if e.To == to {
			return true
		}
	}
	return false
}

// Node returns the node for name, or nil.
func (g *DependencyGraph) Node(name string) *Node {
	return g.nodes[name]
}

// Names returns every node name in alphabetical order.
func (g *DependencyGraph) Names() []string {
	names := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Edges returns the outgoing edges of name sorted by target.
func (g *DependencyGraph) Edges(name string) []Edge {
	return g.edges[name]
}

// TransitiveDependencies returns every plugin reachable from name, in
// alphabetical order. Optional edges are followed only when includeOptional is set.
func (g *DependencyGraph) TransitiveDependencies(name string, includeOptional bool) []string {
	visited := make(map[string]bool)

	var traverse func(string)
	traverse = func(n string) {
		for _, e := range g.edges[n] {
			if e.Optional && !includeOptional {
				continue
			}
			if visited[e.To] {
				continue
			}
			visited[e.To] = true
			traverse(e.To)
		}
	}
	traverse(name)
	delete(visited, name)
	return sortedKeys(visited)
}

// Dependents returns the plugins with a direct edge to name.
func (g *DependencyGraph) Dependents(name string, includeOptional bool) []string {
	dependents := make(map[string]bool)
	for from, edges := range g.edges {
		for _, e := range edges {
			if e.To == name && (includeOptional || !e.Optional) {
				dependents[from] = true
				break
			}
		}
	}
	return sortedKeys(dependents)
}

// ImpactAnalysis represents what would be affected by removing or changing a plugin
type ImpactAnalysis struct {
	Plugin               string   `json:"plugin"`
	DirectDependents     []string `json:"direct_dependents"`
	TransitiveDependents []string `json:"transitive_dependents"`
	TotalImpact          int      `json:"total_impact"`
}

// ImpactAnalysis returns the direct and transitive required-by closure of name.
func (g *DependencyGraph) ImpactAnalysis(name string) *ImpactAnalysis {
	direct := g.Dependents(name, false)

	visited := map[string]bool{name: true}
	var all []string
	queue := append([]string(nil), direct...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		all = append(all, cur)
		queue = append(queue, g.Dependents(cur, false)...)
	}
	sort.Strings(all)

	return &ImpactAnalysis{
		Plugin:               name,
		DirectDependents:     direct,
		TransitiveDependents: all,
		TotalImpact:          len(all),
	}
}

// WriteDOT renders the graph in Graphviz DOT format. Optional edges are dashed.
func (g *DependencyGraph) WriteDOT(w io.Writer) error {
	if _, err := fmt.Fprintln(w, "digraph plugins {"); err != nil {
		return err
	}
	for _, name := range g.Names() {
		label := name
		if node := g.nodes[name]; len(node.Manifests) > 0 {
			label = node.Manifests[0].Key()
		}
		if _, err := fmt.Fprintf(w, "  %q [label=%q];\n", name, label); err != nil {
			return err
		}
		for _, e := range g.edges[name] {
			style := ""
			if e.Optional {
				style = ", style=dashed"
			}
			if _, err := fmt.Fprintf(w, "  %q -> %q [label=%q%s];\n", e.From, e.To, e.Constraint, style); err != nil {
				return err
			}
		}
	}
	_, err := fmt.Fprintln(w, "}")
	return err
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
