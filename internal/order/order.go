// Package order provides task-ordering adapters for the coordinate space.
// The external task graph is exported either as explicit positions or as a
// dependency list, and both are loadable from a YAML file.
package order

import (
	"cmp"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kokistudios/vmem/internal/coord"
)

// Positions orders tasks by an explicit position, e.g. a topological sort
// exported by the issue tracker. Unknown tasks, and distinct tasks sharing a
// position, are incomparable.
type Positions map[string]int

func (p Positions) Compare(a, b string) (int, bool) {
	pa, oka := p[a]
	pb, okb := p[b]
	if !oka || !okb || pa == pb {
		return 0, false
	}
	return cmp.Compare(pa, pb), true
}

func (p Positions) Rank(task string) (int, bool) {
	r, ok := p[task]
	return r, ok
}

// Graph orders tasks by dependency: a precedes b when b transitively
// depends on a. Tasks on unrelated branches are incomparable.
type Graph struct {
	deps    map[string][]string
	reach   map[string]map[string]bool // reach[b][a]: b depends on a
	rank    map[string]int
	ordered []string
}

// NewGraph builds a Graph from task -> direct dependencies. Cycles are
// rejected.
func NewGraph(deps map[string][]string) (*Graph, error) {
	g := &Graph{
		deps:  make(map[string][]string),
		reach: make(map[string]map[string]bool),
		rank:  make(map[string]int),
	}
	nodes := make(map[string]bool)
	for task, ds := range deps {
		if err := coord.ValidateTask(task); err != nil {
			return nil, fmt.Errorf("dependency graph: %w", err)
		}
		nodes[task] = true
		for _, d := range ds {
			if err := coord.ValidateTask(d); err != nil {
				return nil, fmt.Errorf("dependency graph: %w", err)
			}
			if d == task {
				return nil, fmt.Errorf("dependency graph: %s depends on itself", task)
			}
			nodes[d] = true
			if !slices.Contains(g.deps[task], d) {
				g.deps[task] = append(g.deps[task], d)
			}
		}
	}

	// Kahn's algorithm, smallest ready task first.
	indeg := make(map[string]int, len(nodes))
	dependents := make(map[string][]string)
	for n := range nodes {
		indeg[n] = len(g.deps[n])
		for _, d := range g.deps[n] {
			dependents[d] = append(dependents[d], n)
		}
	}
	var ready []string
	for n, d := range indeg {
		if d == 0 {
			ready = append(ready, n)
		}
	}
	slices.Sort(ready)
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		g.rank[n] = len(g.ordered)
		g.ordered = append(g.ordered, n)
		for _, m := range dependents[n] {
			indeg[m]--
			if indeg[m] == 0 {
				i, _ := slices.BinarySearch(ready, m)
				ready = slices.Insert(ready, i, m)
			}
		}
	}
	if len(g.ordered) != len(nodes) {
		var stuck []string
		for n, d := range indeg {
			if d > 0 {
				stuck = append(stuck, n)
			}
		}
		slices.Sort(stuck)
		return nil, fmt.Errorf("dependency graph has a cycle through %s", strings.Join(stuck, ", "))
	}

	// Topological order guarantees every dependency's closure is complete
	// before its dependents are visited.
	for _, n := range g.ordered {
		r := make(map[string]bool)
		for _, d := range g.deps[n] {
			r[d] = true
			for a := range g.reach[d] {
				r[a] = true
			}
		}
		g.reach[n] = r
	}
	return g, nil
}

func (g *Graph) Compare(a, b string) (int, bool) {
	switch {
	case g.reach[b][a]:
		return -1, true
	case g.reach[a][b]:
		return 1, true
	}
	return 0, false
}

func (g *Graph) Rank(task string) (int, bool) {
	r, ok := g.rank[task]
	return r, ok
}

// Tasks returns every task in rank order.
func (g *Graph) Tasks() []string {
	return slices.Clone(g.ordered)
}

// File is the on-disk form of an order.
type File struct {
	Positions    map[string]int      `yaml:"positions,omitempty"`
	Dependencies map[string][]string `yaml:"dependencies,omitempty"`
}

// Load reads an order file. Exactly one of positions or dependencies must be
// present.
func Load(path string) (coord.Order, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read order file: %w", err)
	}
	return Parse(data)
}

// Parse decodes the YAML order format.
func Parse(data []byte) (coord.Order, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse order file: %w", err)
	}
	switch {
	case len(f.Positions) > 0 && len(f.Dependencies) > 0:
		return nil, fmt.Errorf("order file must set positions or dependencies, not both")
	case len(f.Positions) > 0:
		for task := range f.Positions {
			if err := coord.ValidateTask(task); err != nil {
				return nil, fmt.Errorf("order positions: %w", err)
			}
		}
		return Positions(f.Positions), nil
	case len(f.Dependencies) > 0:
		return NewGraph(f.Dependencies)
	}
	return nil, fmt.Errorf("order file is empty")
}
