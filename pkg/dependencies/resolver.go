package dependencies

import (
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/platinummonkey/hangar/pkg/plugins"
	"github.com/sirupsen/logrus"
)

// HostTarget is the Target of a DependencyConflictError raised by a
// min_host_version requirement.
const HostTarget = "host"

// Resolution is the outcome of a successful resolve.
type Resolution struct {
	// Order lists every plugin after all of its dependencies.
	Order []string
	// Selected maps each name to the manifest chosen for it.
	Selected map[string]*plugins.Manifest
	// Warnings carries unsatisfied optional dependencies.
	Warnings []string
}

// Position returns the index of name in Order, or -1.
func (r *Resolution) Position(name string) int {
	for i, n := range r.Order {
		if n == name {
			return i
		}
	}
	return -1
}

// Resolver solves a manifest set into an installation order. It keeps no
// state between calls.
type Resolver struct {
	hostVersion *semver.Version
	logger      *logrus.Logger
}

// Option configures a Resolver
type Option func(*Resolver)

// WithHostVersion enables min_host_version checks against v.
func WithHostVersion(v *semver.Version) Option {
	return func(r *Resolver) {
		r.hostVersion = v
	}
}

// WithLogger sets the logger
func WithLogger(logger *logrus.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// NewResolver creates a new resolver
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logrus.New()
	}
	return r
}

// Resolve validates the dependency graph formed by manifests and returns a
// topological order. Cycles produce *plugins.CircularDependencyError; an
// unsatisfiable required constraint produces *plugins.DependencyConflictError.
func (r *Resolver) Resolve(manifests []*plugins.Manifest) (*Resolution, error) {
	g := NewGraph(manifests)
	res := &Resolution{Selected: make(map[string]*plugins.Manifest)}

	// Optional edges to absent targets never take part in ordering.
	active := make(map[string][]Edge)
	for _, name := range g.Names() {
		for _, e := range g.Edges(name) {
			if g.Node(e.To) == nil {
				if e.Optional {
					res.Warnings = append(res.Warnings,
						fmt.Sprintf("%s: optional dependency %s%s not available", e.From, e.To, e.Constraint))
					continue
				}
				return nil, &plugins.DependencyConflictError{Requester: e.From, Target: e.To, Constraint: e.Constraint}
			}
			active[name] = append(active[name], e)
		}
	}

	if cycle := findCycle(g.Names(), active); cycle != nil {
		return nil, &plugins.CircularDependencyError{Cycle: cycle}
	}

	if err := r.selectVersions(g, active, res); err != nil {
		return nil, err
	}

	if err := r.checkHost(res); err != nil {
		return nil, err
	}

	res.Order = topoSort(g.Names(), active)
	r.logger.Debugf("Resolved %d plugins: %v", len(res.Order), res.Order)
	return res, nil
}

// selectVersions narrows each target's versions by every incoming constraint
// and picks the highest survivor. Unsatisfied optional edges are dropped from
// active and reported as warnings.
func (r *Resolver) selectVersions(g *DependencyGraph, active map[string][]Edge, res *Resolution) error {
	candidates := make(map[string][]*plugins.Manifest)
	for _, name := range g.Names() {
		candidates[name] = g.Node(name).Manifests
	}

	for _, from := range g.Names() {
		kept := active[from][:0]
		for _, e := range active[from] {
			c, err := semver.NewConstraint(e.Constraint)
			if err != nil {
				return &plugins.ManifestError{
					Kind:    plugins.ManifestInvalidVersion,
					Field:   "dependencies",
					Message: fmt.Sprintf("%s: invalid constraint %q for %s", from, e.Constraint, e.To),
					Err:     err,
				}
			}

			matching := filterVersions(candidates[e.To], c)
			if len(matching) == 0 {
				found := highestVersion(g.Node(e.To).Manifests)
				if e.Optional {
					res.Warnings = append(res.Warnings,
						fmt.Sprintf("%s: optional dependency %s%s not satisfied, found %s", e.From, e.To, e.Constraint, found))
					continue
				}
				return &plugins.DependencyConflictError{Requester: e.From, Target: e.To, Constraint: e.Constraint, Found: found}
			}
			if !e.Optional {
				candidates[e.To] = matching
			}
			kept = append(kept, e)
		}
		active[from] = kept
	}

	for name, ms := range candidates {
		if len(ms) > 0 {
			res.Selected[name] = ms[0]
		}
	}
	return nil
}

func (r *Resolver) checkHost(res *Resolution) error {
	if r.hostVersion == nil {
		return nil
	}
	names := make([]string, 0, len(res.Selected))
	for name := range res.Selected {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		m := res.Selected[name]
		ok, err := plugins.IsCompatibleHostVersion(m, r.hostVersion.String())
		if err != nil {
			return err
		}
		if !ok {
			return &plugins.DependencyConflictError{
				Requester:  name,
				Target:     HostTarget,
				Constraint: ">=" + m.MinHostVersion,
				Found:      r.hostVersion.String(),
			}
		}
	}
	return nil
}

func filterVersions(ms []*plugins.Manifest, c *semver.Constraints) []*plugins.Manifest {
	var out []*plugins.Manifest
	for _, m := range ms {
		v, err := m.SemVer()
		if err != nil {
			continue
		}
		if c.Check(v) {
			out = append(out, m)
		}
	}
	return out
}

func highestVersion(ms []*plugins.Manifest) string {
	if len(ms) == 0 {
		return ""
	}
	return ms[0].Version
}

const (
	white = iota
	grey
	black
)

// findCycle runs a three-colour DFS in alphabetical order and returns the
// first cycle found, closed with its starting node.
func findCycle(names []string, edges map[string][]Edge) []string {
	color := make(map[string]int, len(names))
	var stack []string
	var cycle []string

	var visit func(string) bool
	visit = func(n string) bool {
		color[n] = grey
		stack = append(stack, n)
		for _, e := range edges[n] {
			switch color[e.To] {
			case grey:
				for i, s := range stack {
					if s == e.To {
						cycle = append(append([]string(nil), stack[i:]...), e.To)
						break
					}
				}
				return true
			case white:
				if visit(e.To) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}

	for _, n := range names {
		if color[n] == white && visit(n) {
			return cycle
		}
	}
	return nil
}

// topoSort is Kahn's algorithm over "requires" edges. Dependencies come
// first; the ready set is always drained alphabetically.
func topoSort(names []string, edges map[string][]Edge) []string {
	pending := make(map[string]int, len(names))
	dependents := make(map[string][]string)
	for _, n := range names {
		pending[n] = len(edges[n])
		for _, e := range edges[n] {
			dependents[e.To] = append(dependents[e.To], n)
		}
	}

	var ready []string
	for _, n := range names {
		if pending[n] == 0 {
			ready = append(ready, n)
		}
	}

	order := make([]string, 0, len(names))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)

		for _, d := range dependents[n] {
			pending[d]--
			if pending[d] == 0 {
				ready = append(ready, d)
				sort.Strings(ready)
			}
		}
	}
	return order
}
