// Package depgraph computes module load order from declared dependencies:
// topological sort with deterministic tie-breaking, and cycle detection with
// a reconstructed cycle path for diagnostics.
package depgraph

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/singleflight"
)

// Node is one module's identity and declared dependencies as seen by the
// resolver. Names are compared case-insensitively.
type Node struct {
	Name         string
	Category     int
	Dependencies []string
}

// MissingDependencyError reports that a module declared a dependency on a
// name absent from the input set.
type MissingDependencyError struct {
	Module  string
	Missing string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("depgraph: module %q depends on unknown module %q", e.Module, e.Missing)
}

// CyclicDependencyError reports a dependency cycle and the path that
// produced it, e.g. "A -> C -> B -> A".
type CyclicDependencyError struct {
	Path []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("depgraph: cyclic dependency: %s", strings.Join(e.Path, " -> "))
}

type color int

const (
	white color = iota
	gray
	black
)

// Resolve returns nodes in a topological order where every module appears
// after all of its dependencies. Within the freedom the topological order
// allows, nodes are ordered by dependency depth ascending, then category
// ascending; remaining ties keep the order of a DFS that visits roots and
// dependencies by name, so leaves load first and the order is reproducible
// across runs.
func Resolve(nodes []Node) ([]Node, error) {
	byName := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		byName[strings.ToLower(n.Name)] = n
	}
	for _, n := range nodes {
		for _, dep := range n.Dependencies {
			if _, ok := byName[strings.ToLower(dep)]; !ok {
				return nil, &MissingDependencyError{Module: n.Name, Missing: dep}
			}
		}
	}

	colors := make(map[string]color, len(nodes))
	var order []string
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		key := strings.ToLower(name)
		switch colors[key] {
		case black:
			return nil
		case gray:
			cyclePath := append(append([]string{}, path...), name)
			return &CyclicDependencyError{Path: cyclePath}
		}
		colors[key] = gray
		path = append(path, name)

		n := byName[key]
		deps := append([]string{}, n.Dependencies...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}

		path = path[:len(path)-1]
		colors[key] = black
		order = append(order, n.Name)
		return nil
	}

	sortedNames := make([]string, 0, len(nodes))
	for _, n := range nodes {
		sortedNames = append(sortedNames, n.Name)
	}
	sort.Strings(sortedNames)

	for _, name := range sortedNames {
		key := strings.ToLower(name)
		if colors[key] == white {
			if err := visit(byName[key].Name); err != nil {
				return nil, err
			}
		}
	}

	depth := computeDepths(byName, order)
	result := make([]Node, len(order))
	for i, name := range order {
		result[i] = byName[strings.ToLower(name)]
	}
	return stableWithinDepth(result, depth), nil
}

// computeDepths assigns each module a depth equal to one more than the
// maximum depth of its dependencies (0 for leaves), used purely as a
// secondary sort key — the DFS order already satisfies the topological
// constraint on its own.
func computeDepths(byName map[string]Node, order []string) map[string]int {
	depth := make(map[string]int, len(order))
	for _, name := range order {
		key := strings.ToLower(name)
		n := byName[key]
		max := -1
		for _, dep := range n.Dependencies {
			if d, ok := depth[strings.ToLower(dep)]; ok && d > max {
				max = d
			}
		}
		depth[key] = max + 1
	}
	return depth
}

// stableWithinDepth re-sorts by (depth, category) while preserving the
// original DFS order's relative positions among ties, guaranteeing the
// topological invariant is never broken by the secondary sort.
func stableWithinDepth(nodes []Node, depth map[string]int) []Node {
	out := make([]Node, len(nodes))
	copy(out, nodes)
	sort.SliceStable(out, func(i, j int) bool {
		di, dj := depth[strings.ToLower(out[i].Name)], depth[strings.ToLower(out[j].Name)]
		if di != dj {
			return di < dj
		}
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return false
	})
	return out
}

// group merges concurrent Resolve calls that share a module-set fingerprint
// so they compute the topological order once. No result is kept after the
// shared call returns.
var group singleflight.Group

// ResolveCached is Resolve with concurrent calls for the same fingerprint
// merged through singleflight; later calls recompute the order.
func ResolveCached(nodes []Node) ([]Node, error) {
	key := fingerprint(nodes)
	v, err, _ := group.Do(key, func() (any, error) {
		return Resolve(nodes)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Node), nil
}

func fingerprint(nodes []Node) string {
	names := make([]string, len(nodes))
	for i, n := range nodes {
		deps := append([]string{}, n.Dependencies...)
		sort.Strings(deps)
		names[i] = fmt.Sprintf("%s:%s(%d)", strings.ToLower(n.Name), strings.Join(deps, ","), n.Category)
	}
	sort.Strings(names)
	return strings.Join(names, "|")
}
