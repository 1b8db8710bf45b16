package graph

import (
	"cmp"
	"iter"
	"slices"
)

// Ego returns the induced subgraph of all nodes within hops of entity.
// With hops <= 0 only the entity itself is returned, without edges. An
// unknown entity yields an empty graph rather than an error.
func (g *Graph) Ego(entity string, hops int) *Graph {
	if _, ok := g.nodes[entity]; !ok {
		return newGraph()
	}
	if hops <= 0 {
		return single(entity)
	}
	visited, _ := g.within(entity, hops, 0)
	return g.induced(visited)
}

// single returns a graph holding only id, without edges.
func single(id string) *Graph {
	sub := newGraph()
	sub.nodes[id] = &Node{ID: id}
	sub.adj[id] = make(map[string]*Edge)
	return sub
}

// EgoBounded is Ego with the visited set capped at maxNodes (in BFS order).
// The second result reports whether the cap cut the traversal short.
func (g *Graph) EgoBounded(entity string, hops, maxNodes int) (*Graph, bool) {
	if _, ok := g.nodes[entity]; !ok {
		return newGraph(), false
	}
	if hops <= 0 {
		return single(entity), false
	}
	visited, truncated := g.within(entity, hops, maxNodes)
	return g.induced(visited), truncated
}

type queueItem struct {
	id    string
	depth int
}

// within runs a breadth-first search from start. maxNodes <= 0 means no cap.
func (g *Graph) within(start string, hops, maxNodes int) (map[string]struct{}, bool) {
	visited := map[string]struct{}{start: {}}
	queue := []queueItem{{id: start}}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		if item.depth >= hops {
			continue
		}
		for _, next := range g.order[item.id] {
			if _, seen := visited[next]; seen {
				continue
			}
			if maxNodes > 0 && len(visited) >= maxNodes {
				return visited, true
			}
			visited[next] = struct{}{}
			queue = append(queue, queueItem{id: next, depth: item.depth + 1})
		}
	}
	return visited, false
}

// Top returns the induced subgraph of the n nodes with the highest degree,
// ties broken by id. Selected nodes without an edge to another selected node
// are left out, so the result may hold fewer than n nodes. n <= 0 or
// n >= node count returns g itself.
func (g *Graph) Top(n int) *Graph {
	if n <= 0 || n >= len(g.nodes) {
		return g
	}
	nodes := g.Nodes()
	slices.SortStableFunc(nodes, func(a, b Node) int {
		return cmp.Compare(b.Degree, a.Degree)
	})

	keep := make(map[string]struct{}, n)
	for _, node := range nodes[:n] {
		keep[node.ID] = struct{}{}
	}
	sub := g.induced(keep)
	for id, node := range sub.nodes {
		if node.Degree == 0 {
			delete(sub.nodes, id)
			delete(sub.adj, id)
			delete(sub.order, id)
		}
	}
	return sub
}

// induced copies the nodes in keep and every edge between them. Node
// attributes are recomputed within the subgraph. Each kept node costs at most
// min(degree, len(keep)) lookups.
func (g *Graph) induced(keep map[string]struct{}) *Graph {
	sub := newGraph()
	for id := range keep {
		sub.nodes[id] = &Node{ID: id}
		sub.adj[id] = make(map[string]*Edge)
	}
	for id := range keep {
		for e := range g.between(id, keep) {
			key := e.Key()
			if _, done := sub.edges[key]; done {
				continue
			}
			cp := *e
			sub.edges[key] = &cp
			sub.adj[key.A][key.B] = &cp
			sub.adj[key.B][key.A] = &cp
		}
	}
	sub.finish()
	return sub
}

// between yields the edges from id to members of keep, walking whichever of
// the two sets is smaller.
func (g *Graph) between(id string, keep map[string]struct{}) iter.Seq[*Edge] {
	return func(yield func(*Edge) bool) {
		adj := g.adj[id]
		if len(adj) <= len(keep) {
			for other, e := range adj {
				if _, ok := keep[other]; ok && !yield(e) {
					return
				}
			}
			return
		}
		for other := range keep {
			if e, ok := adj[other]; ok && !yield(e) {
				return
			}
		}
	}
}
