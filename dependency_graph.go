// dependency_graph.go: module dependency graph and load ordering
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import (
	"sort"
	"sync"
)

// DependencyGraph tracks declared dependencies between modules and derives
// load and unload orders from them.
//
// Example usage:
//
//	graph := NewDependencyGraph()
//	graph.AddModule("auth", []string{"logging", "config"})
//	graph.AddModule("api", []string{"auth"})
//	order, err := graph.LoadOrder()
type DependencyGraph struct {
	mu    sync.RWMutex
	nodes map[string]*DependencyNode
}

// DependencyNode represents a single module in the dependency graph.
type DependencyNode struct {
	ID           string   `json:"id"`
	Dependencies []string `json:"dependencies"`
	Dependents   []string `json:"dependents"`

	// Placeholder nodes are referenced as dependencies but were never added.
	Placeholder bool `json:"placeholder,omitempty"`
}

// NewDependencyGraph creates a new dependency graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{nodes: make(map[string]*DependencyNode)}
}

// AddModule adds or replaces a module and its dependencies.
func (dg *DependencyGraph) AddModule(id string, dependencies []string) {
	dg.mu.Lock()
	defer dg.mu.Unlock()

	node := dg.nodeLocked(id)
	for _, dep := range node.Dependencies {
		if depNode, ok := dg.nodes[dep]; ok {
			depNode.Dependents = removeString(depNode.Dependents, id)
		}
	}
	node.Placeholder = false
	node.Dependencies = append([]string(nil), dependencies...)

	for _, dep := range dependencies {
		depNode := dg.nodeLocked(dep)
		if !containsString(depNode.Dependents, id) {
			depNode.Dependents = append(depNode.Dependents, id)
		}
	}
}

func (dg *DependencyGraph) nodeLocked(id string) *DependencyNode {
	node, ok := dg.nodes[id]
	if !ok {
		node = &DependencyNode{ID: id, Placeholder: true}
		dg.nodes[id] = node
	}
	return node
}

// RemoveModule removes a module. Modules that still depend on it keep a
// placeholder node so their dependents remain visible.
func (dg *DependencyGraph) RemoveModule(id string) {
	dg.mu.Lock()
	defer dg.mu.Unlock()

	node, ok := dg.nodes[id]
	if !ok {
		return
	}
	for _, dep := range node.Dependencies {
		if depNode, ok := dg.nodes[dep]; ok {
			depNode.Dependents = removeString(depNode.Dependents, id)
			if depNode.Placeholder && len(depNode.Dependents) == 0 {
				delete(dg.nodes, dep)
			}
		}
	}
	if len(node.Dependents) > 0 {
		node.Placeholder = true
		node.Dependencies = nil
		return
	}
	delete(dg.nodes, id)
}

// Has reports whether id was added (placeholders excluded).
func (dg *DependencyGraph) Has(id string) bool {
	dg.mu.RLock()
	defer dg.mu.RUnlock()
	node, ok := dg.nodes[id]
	return ok && !node.Placeholder
}

// GetDependencies returns the declared dependencies of a module.
func (dg *DependencyGraph) GetDependencies(id string) []string {
	dg.mu.RLock()
	defer dg.mu.RUnlock()
	if node, ok := dg.nodes[id]; ok {
		return append([]string(nil), node.Dependencies...)
	}
	return []string{}
}

// GetDependents returns the modules that declare id as a dependency, sorted.
func (dg *DependencyGraph) GetDependents(id string) []string {
	dg.mu.RLock()
	defer dg.mu.RUnlock()
	if node, ok := dg.nodes[id]; ok {
		out := append([]string(nil), node.Dependents...)
		sort.Strings(out)
		return out
	}
	return []string{}
}

// Copy returns a deep copy of the graph.
func (dg *DependencyGraph) Copy() *DependencyGraph {
	dg.mu.RLock()
	defer dg.mu.RUnlock()

	out := NewDependencyGraph()
	for id, node := range dg.nodes {
		out.nodes[id] = &DependencyNode{
			ID:           node.ID,
			Dependencies: append([]string(nil), node.Dependencies...),
			Dependents:   append([]string(nil), node.Dependents...),
			Placeholder:  node.Placeholder,
		}
	}
	return out
}

// LoadOrder returns every added module with dependencies before dependents
// (Kahn's algorithm, ties broken by id). Placeholders are skipped. A cycle
// fails with a circular dependency error carrying one cycle path.
func (dg *DependencyGraph) LoadOrder() ([]string, error) {
	dg.mu.RLock()
	defer dg.mu.RUnlock()

	inDegree := make(map[string]int, len(dg.nodes))
	for id, node := range dg.nodes {
		inDegree[id] = len(node.Dependencies)
	}

	var queue []string
	for id, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(dg.nodes))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)

		var ready []string
		for _, dependent := range dg.nodes[current].Dependents {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
		sort.Strings(ready)
		queue = append(queue, ready...)
	}

	if len(order) != len(dg.nodes) {
		return nil, NewCircularDependencyError(dg.findCycleLocked())
	}

	out := order[:0]
	for _, id := range order {
		if !dg.nodes[id].Placeholder {
			out = append(out, id)
		}
	}
	return out, nil
}

// UnloadOrder returns the reverse of LoadOrder.
func (dg *DependencyGraph) UnloadOrder() ([]string, error) {
	order, err := dg.LoadOrder()
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}

// findCycleLocked returns one dependency cycle, first id repeated at the end.
func (dg *DependencyGraph) findCycleLocked() []string {
	ids := make([]string, 0, len(dg.nodes))
	for id := range dg.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	const (
		unvisited = iota
		visiting
		visited
	)
	color := make(map[string]int, len(ids))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = visiting
		stack = append(stack, id)
		for _, dep := range dg.nodes[id].Dependencies {
			switch color[dep] {
			case visiting:
				for i, s := range stack {
					if s == dep {
						return append(append([]string(nil), stack[i:]...), dep)
					}
				}
			case unvisited:
				if _, ok := dg.nodes[dep]; ok {
					if cycle := visit(dep); cycle != nil {
						return cycle
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = visited
		return nil
	}

	for _, id := range ids {
		if color[id] == unvisited {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	for i, v := range list {
		if v == s {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
