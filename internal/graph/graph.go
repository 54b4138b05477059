// Package graph provides the dependency graph over work items.
// The graph is derived from the store's depends_on fields rather than
// persisted separately; mutations write through to the store and the
// in-memory view is updated only after the store commit succeeds.
package graph

import (
	"sort"
	"sync"
	"time"

	"github.com/ShayCichocki/loom/internal/faults"
	"github.com/ShayCichocki/loom/internal/store"
	"github.com/ShayCichocki/loom/pkg/models"
)

// node holds the per-item facts the graph needs for ordering and
// readiness decisions.
type node struct {
	created time.Time
	status  models.Status
}

// Graph is a directed acyclic dependency graph over work items.
// Edges point from an item to the items it depends on.
type Graph struct {
	mu sync.RWMutex
	// store is written through on edge mutations.
	store *store.Store
	// nodes maps item ID to its graph-relevant facts.
	nodes map[string]*node
	// edges maps item ID to IDs of items it depends on.
	edges map[string][]string
	// reverse maps item ID to IDs of items that depend on it.
	reverse map[string][]string
}

// New creates an empty graph writing through to the given store.
func New(s *store.Store) *Graph {
	return &Graph{
		store:   s,
		nodes:   make(map[string]*node),
		edges:   make(map[string][]string),
		reverse: make(map[string][]string),
	}
}

// Rebuild reloads the graph from the store.
func (g *Graph) Rebuild() error {
	items, err := g.store.List(store.Filter{})
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.nodes = make(map[string]*node, len(items))
	g.edges = make(map[string][]string, len(items))
	g.reverse = make(map[string][]string)

	for _, item := range items {
		g.nodes[item.ID] = &node{created: item.CreatedAt, status: item.Status}
	}
	for _, item := range items {
		for _, dep := range item.DependsOn {
			g.edges[item.ID] = append(g.edges[item.ID], dep)
			g.reverse[dep] = append(g.reverse[dep], item.ID)
		}
	}
	return nil
}

// Observe records an item creation or update in the in-memory view.
// Called by the service layer after every store mutation that touches
// status or dependencies.
func (g *Graph) Observe(item *models.WorkItem) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nodes[item.ID] = &node{created: item.CreatedAt, status: item.Status}

	// Re-derive this item's outgoing edges.
	for _, dep := range g.edges[item.ID] {
		g.reverse[dep] = removeID(g.reverse[dep], item.ID)
	}
	g.edges[item.ID] = append([]string(nil), item.DependsOn...)
	for _, dep := range item.DependsOn {
		g.reverse[dep] = append(g.reverse[dep], item.ID)
	}
}

// Forget removes an item and all edges touching it.
func (g *Graph) Forget(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, dep := range g.edges[id] {
		g.reverse[dep] = removeID(g.reverse[dep], id)
	}
	for _, dependent := range g.reverse[id] {
		g.edges[dependent] = removeID(g.edges[dependent], id)
	}
	delete(g.nodes, id)
	delete(g.edges, id)
	delete(g.reverse, id)
}

// AddEdge records that `from` depends on `to`, writing through to the
// store. The edge is rejected with a CycleDetected fault if a path
// already exists from `to` to `from`; on any failure neither the store
// nor the in-memory view changes.
func (g *Graph) AddEdge(from, to string) error {
	if from == to {
		return faults.New(faults.KindCycleDetected, "%s cannot depend on itself", from)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[from]; !ok {
		return faults.New(faults.KindNotFound, "work item %s not found", from)
	}
	if _, ok := g.nodes[to]; !ok {
		return faults.New(faults.KindNotFound, "work item %s not found", to)
	}
	for _, dep := range g.edges[from] {
		if dep == to {
			// Edge already present, nothing to do.
			return nil
		}
	}

	// The new edge from->to creates a cycle iff `from` is already
	// reachable from `to` along existing dependency edges.
	if g.reachableLocked(to, from) {
		return faults.New(faults.KindCycleDetected,
			"adding %s -> %s would create a cycle", from, to)
	}

	item, err := g.store.Get(from)
	if err != nil {
		return err
	}
	deps := append(append([]string(nil), item.DependsOn...), to)
	if _, err := g.store.Update(from, store.Patch{DependsOn: &deps}, item.Version); err != nil {
		return err
	}

	g.edges[from] = append(g.edges[from], to)
	g.reverse[to] = append(g.reverse[to], from)
	return nil
}

// RemoveEdge deletes the dependency of `from` on `to`, writing through
// to the store. Removing an absent edge is a no-op.
func (g *Graph) RemoveEdge(from, to string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	present := false
	for _, dep := range g.edges[from] {
		if dep == to {
			present = true
			break
		}
	}
	if !present {
		return nil
	}

	item, err := g.store.Get(from)
	if err != nil {
		return err
	}
	deps := removeID(append([]string(nil), item.DependsOn...), to)
	if _, err := g.store.Update(from, store.Patch{DependsOn: &deps}, item.Version); err != nil {
		return err
	}

	g.edges[from] = removeID(g.edges[from], to)
	g.reverse[to] = removeID(g.reverse[to], from)
	return nil
}

// ReplaceEdges swaps the full dependency set of `from` for deps. The
// cycle check and the store commit run under the same exclusive lock,
// so two concurrent replacements cannot each pass the check and then
// jointly commit a cycle. `commit` performs the store write (typically
// the caller's full patch); the in-memory view is updated only when it
// succeeds.
func (g *Graph) ReplaceEdges(from string, deps []string, commit func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, dep := range deps {
		if dep == from {
			return faults.New(faults.KindCycleDetected, "%s cannot depend on itself", from)
		}
		// `from`'s current outgoing edges do not matter: any path that
		// reaches `from` closes the loop regardless of what it pointed
		// at before the replacement.
		if g.reachableLocked(dep, from) {
			return faults.New(faults.KindCycleDetected,
				"adding %s -> %s would create a cycle", from, dep)
		}
	}

	if err := commit(); err != nil {
		return err
	}

	for _, dep := range g.edges[from] {
		g.reverse[dep] = removeID(g.reverse[dep], from)
	}
	g.edges[from] = append([]string(nil), deps...)
	for _, dep := range deps {
		g.reverse[dep] = append(g.reverse[dep], from)
	}
	return nil
}

// CreatesCycle reports whether replacing the dependencies of `from`
// with deps would introduce a cycle. `from`'s current outgoing edges do
// not matter: any path that reaches `from` closes the loop regardless.
func (g *Graph) CreatesCycle(from string, deps []string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, dep := range deps {
		if dep == from || g.reachableLocked(dep, from) {
			return true
		}
	}
	return false
}

// reachableLocked returns true if `target` can be reached from `start`
// along dependency edges. Caller must hold the lock.
func (g *Graph) reachableLocked(start, target string) bool {
	seen := make(map[string]bool)
	stack := []string{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == target {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, g.edges[id]...)
	}
	return false
}

// DependenciesOf returns the IDs the given item depends on.
func (g *Graph) DependenciesOf(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.edges[id]...)
}

// DependentsOf returns the IDs of items that depend on the given item.
func (g *Graph) DependentsOf(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.reverse[id]...)
}

// HasCycle returns true if the graph contains a circular dependency.
// Uses depth-first search with coloring to detect back edges. Edge
// insertion rejects cycles up front, so this only reports true when the
// underlying store was modified out of band.
func (g *Graph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.hasCycleLocked()
}

// hasCycleLocked is the internal implementation that assumes the lock is held.
func (g *Graph) hasCycleLocked() bool {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1

		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				// Found a back edge - cycle detected.
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
			// color == 2 means already processed, skip.
		}

		colors[id] = 2
		return false
	}

	for id := range g.nodes {
		if colors[id] == 0 {
			if visit(id) {
				return true
			}
		}
	}
	return false
}

// MissingReferences returns dependency IDs of the given item that do
// not resolve to a known node.
func (g *Graph) MissingReferences(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var missing []string
	for _, dep := range g.edges[id] {
		if _, ok := g.nodes[dep]; !ok {
			missing = append(missing, dep)
		}
	}
	return missing
}

// TopologicalOrder returns item IDs such that every dependency precedes
// its dependents. Ties among unconstrained items are broken by creation
// timestamp, then by ID, so the order is deterministic.
func (g *Graph) TopologicalOrder() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.hasCycleLocked() {
		return nil, faults.New(faults.KindCycleDetected, "dependency graph contains a cycle")
	}

	// Kahn's algorithm over a (created, id)-sorted frontier. An item
	// enters the frontier once all its dependencies have been emitted.
	remaining := make(map[string]int, len(g.nodes))
	var frontier []string
	for id := range g.nodes {
		n := 0
		for _, dep := range g.edges[id] {
			if _, ok := g.nodes[dep]; ok {
				n++
			}
		}
		remaining[id] = n
		if n == 0 {
			frontier = append(frontier, id)
		}
	}
	g.sortByCreationLocked(frontier)

	order := make([]string, 0, len(g.nodes))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)

		var released []string
		for _, dependent := range g.reverse[id] {
			remaining[dependent]--
			if remaining[dependent] == 0 {
				released = append(released, dependent)
			}
		}
		if len(released) > 0 {
			g.sortByCreationLocked(released)
			frontier = mergeOrdered(frontier, released, g.nodes)
		}
	}

	return order, nil
}

// sortByCreationLocked orders IDs by (created, id). Caller must hold the lock.
func (g *Graph) sortByCreationLocked(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		return lessByCreation(ids[i], ids[j], g.nodes)
	})
}

// mergeOrdered merges two (created, id)-sorted slices.
func mergeOrdered(a, b []string, nodes map[string]*node) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if lessByCreation(a[i], b[j], nodes) {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

// lessByCreation orders two IDs by creation time, then ID.
func lessByCreation(a, b string, nodes map[string]*node) bool {
	na, nb := nodes[a], nodes[b]
	if na == nil || nb == nil {
		return a < b
	}
	if !na.created.Equal(nb.created) {
		return na.created.Before(nb.created)
	}
	return a < b
}

// DependencyStatuses returns the status of each direct dependency of
// the given item.
func (g *Graph) DependencyStatuses(id string) map[string]models.Status {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[string]models.Status, len(g.edges[id]))
	for _, dep := range g.edges[id] {
		if n, ok := g.nodes[dep]; ok {
			out[dep] = n.status
		}
	}
	return out
}

// DependenciesDone returns true if every dependency of the item is done.
func (g *Graph) DependenciesDone(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, dep := range g.edges[id] {
		n, ok := g.nodes[dep]
		if !ok || n.status != models.StatusDone {
			return false
		}
	}
	return true
}

// Size returns the number of items in the graph.
func (g *Graph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// removeID returns ids with the first occurrence of id removed.
func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}
