// Package graph orders workflow nodes by their dependencies.
package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/songzhibin97/genflow/types"
)

// ErrCycle is matched by every CycleError.
var ErrCycle = errors.New("workflow graph contains a cycle")

// CycleError is returned when no topological order exists.
type CycleError struct {
	// Remaining holds the nodes that could not be ordered, in node order.
	Remaining []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: unresolved nodes [%s]", ErrCycle, strings.Join(e.Remaining, ", "))
}

// Is reports whether target is ErrCycle.
func (e *CycleError) Is(target error) bool {
	return target == ErrCycle
}

// Graph is the adjacency view of a node list and its edges.
type Graph struct {
	nodes      []types.Node
	index      map[string]int
	deps       map[string][]string
	dependents map[string][]string
}

// New builds a Graph. Edges whose endpoints are not in nodes are ignored,
// as are repeated edges.
func New(nodes []types.Node, edges []types.Edge) *Graph {
	g := &Graph{
		nodes:      nodes,
		index:      make(map[string]int, len(nodes)),
		deps:       make(map[string][]string, len(nodes)),
		dependents: make(map[string][]string, len(nodes)),
	}
	for i, n := range nodes {
		if _, dup := g.index[n.ID]; !dup {
			g.index[n.ID] = i
		}
	}

	seen := make(map[types.Edge]bool, len(edges))
	for _, e := range edges {
		if _, ok := g.index[e.Source]; !ok {
			continue
		}
		if _, ok := g.index[e.Target]; !ok {
			continue
		}
		if seen[e] {
			continue
		}
		seen[e] = true
		g.deps[e.Target] = append(g.deps[e.Target], e.Source)
		g.dependents[e.Source] = append(g.dependents[e.Source], e.Target)
	}
	return g
}

// ResolveOrder returns the node ids in dependency order using Kahn's
// algorithm. Nodes that become ready together keep their node-list order.
func (g *Graph) ResolveOrder() ([]string, error) {
	inDegree := make(map[string]int, len(g.index))
	remaining := make([]string, 0, len(g.index))
	for _, n := range g.nodes {
		if _, counted := inDegree[n.ID]; counted {
			continue
		}
		inDegree[n.ID] = len(g.deps[n.ID])
		remaining = append(remaining, n.ID)
	}

	order := make([]string, 0, len(remaining))
	for len(remaining) > 0 {
		var ready, rest []string
		for _, id := range remaining {
			if inDegree[id] == 0 {
				ready = append(ready, id)
			} else {
				rest = append(rest, id)
			}
		}
		if len(ready) == 0 {
			return nil, &CycleError{Remaining: rest}
		}
		for _, id := range ready {
			order = append(order, id)
			for _, dep := range g.dependents[id] {
				inDegree[dep]--
			}
		}
		remaining = rest
	}
	return order, nil
}

// Roots returns the nodes with no incoming edge, in node order.
func (g *Graph) Roots() []string {
	var roots []string
	for _, n := range g.nodes {
		if len(g.deps[n.ID]) == 0 {
			roots = append(roots, n.ID)
		}
	}
	return roots
}

// IsRoot reports whether id has no incoming edge.
func (g *Graph) IsRoot(id string) bool {
	return len(g.deps[id]) == 0
}

// Dependencies returns the direct upstream nodes of id.
func (g *Graph) Dependencies(id string) []string {
	return g.deps[id]
}

// Dependents returns the direct downstream nodes of id.
func (g *Graph) Dependents(id string) []string {
	return g.dependents[id]
}

// Descendants returns every node reachable from id, breadth first.
func (g *Graph) Descendants(id string) []string {
	var out []string
	visited := map[string]bool{id: true}
	queue := append([]string(nil), g.dependents[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if visited[next] {
			continue
		}
		visited[next] = true
		out = append(out, next)
		queue = append(queue, g.dependents[next]...)
	}
	return out
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (types.Node, bool) {
	i, ok := g.index[id]
	if !ok {
		return types.Node{}, false
	}
	return g.nodes[i], true
}

// ResolveOrder is a convenience wrapper around New(nodes, edges).ResolveOrder.
func ResolveOrder(nodes []types.Node, edges []types.Edge) ([]string, error) {
	return New(nodes, edges).ResolveOrder()
}
