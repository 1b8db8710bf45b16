// Package graph builds the undirected relationship graph between
// communicating entities and derives ego networks and summaries from it.
package graph

import (
	"cmp"
	"slices"
	"time"

	"github.com/OFFIS-RIT/ipdr/pkg/dataset"
	"github.com/OFFIS-RIT/ipdr/pkg/record"
)

// PairKey identifies an unordered entity pair. A is always <= B, so both
// directions of a conversation map to the same key.
type PairKey struct {
	A string
	B string
}

// NewPairKey returns the canonical key for the pair (x, y).
func NewPairKey(x, y string) PairKey {
	if y < x {
		x, y = y, x
	}
	return PairKey{A: x, B: y}
}

// Node is an entity in the graph.
//
// Degree counts distinct neighbors; a self-loop counts as one incident edge.
// TotalDuration sums the durations of all records the entity took part in.
// Size is a presentation hint and equals Degree.
type Node struct {
	ID            string `json:"id"`
	Degree        int    `json:"degree"`
	TotalDuration int64  `json:"total_duration"`
	Size          int    `json:"size"`
}

// Edge aggregates every record exchanged by one unordered pair.
//
// Weight is the number of records. From and To carry the direction of the
// most recent record, which is what visualizations draw.
type Edge struct {
	A             string    `json:"a"`
	B             string    `json:"b"`
	Weight        int       `json:"weight"`
	TotalDuration int64     `json:"total_duration"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	FirstContact  time.Time `json:"first_contact"`
	LastContact   time.Time `json:"last_contact"`
}

// Key returns the canonical pair key of the edge.
func (e *Edge) Key() PairKey {
	return PairKey{A: e.A, B: e.B}
}

// Other returns the endpoint of e that is not id.
func (e *Edge) Other(id string) string {
	if e.A == id {
		return e.B
	}
	return e.A
}

// Summary reports graph size.
type Summary struct {
	NodeCount int `json:"node_count"`
	EdgeCount int `json:"edge_count"`
}

// Graph is an undirected weighted graph. It is never modified once returned
// by Build or one of the subgraph functions and may be shared freely.
type Graph struct {
	nodes map[string]*Node
	edges map[PairKey]*Edge
	adj   map[string]map[string]*Edge
	// order holds the sorted neighbor ids of each node.
	order map[string][]string
}

func newGraph() *Graph {
	return &Graph{
		nodes: make(map[string]*Node),
		edges: make(map[PairKey]*Edge),
		adj:   make(map[string]map[string]*Edge),
		order: make(map[string][]string),
	}
}

// Build derives the relationship graph of ds in a single pass. Every record
// contributes to exactly one edge, so the edge weights sum to ds.Len().
func Build(ds *dataset.Dataset) *Graph {
	g := newGraph()
	for _, r := range ds.All() {
		g.add(r)
	}
	g.finish()
	return g
}

func (g *Graph) add(r record.Record) {
	key := NewPairKey(r.AParty, r.BParty)
	e, ok := g.edges[key]
	if !ok {
		e = &Edge{A: key.A, B: key.B, FirstContact: r.Timestamp, LastContact: r.Timestamp, From: r.AParty, To: r.BParty}
		g.edges[key] = e
		g.link(e)
	}

	e.Weight++
	e.TotalDuration += r.DurationSeconds
	if r.Timestamp.Before(e.FirstContact) {
		e.FirstContact = r.Timestamp
	}
	// Later ingestion position wins timestamp ties.
	if !r.Timestamp.Before(e.LastContact) {
		e.LastContact = r.Timestamp
		e.From, e.To = r.AParty, r.BParty
	}
}

func (g *Graph) link(e *Edge) {
	for _, id := range []string{e.A, e.B} {
		if _, ok := g.nodes[id]; !ok {
			g.nodes[id] = &Node{ID: id}
			g.adj[id] = make(map[string]*Edge)
		}
	}
	g.adj[e.A][e.B] = e
	g.adj[e.B][e.A] = e
}

// finish derives node attributes from the edge set.
func (g *Graph) finish() {
	for id, n := range g.nodes {
		n.Degree = len(g.adj[id])
		n.Size = n.Degree
		n.TotalDuration = 0
		order := make([]string, 0, n.Degree)
		for other, e := range g.adj[id] {
			n.TotalDuration += e.TotalDuration
			order = append(order, other)
		}
		slices.Sort(order)
		g.order[id] = order
	}
}

// Summary returns node and edge counts.
func (g *Graph) Summary() Summary {
	return Summary{NodeCount: len(g.nodes), EdgeCount: len(g.edges)}
}

// Node returns the node for id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Edge returns the edge between x and y in either direction.
func (g *Graph) Edge(x, y string) (Edge, bool) {
	e, ok := g.edges[NewPairKey(x, y)]
	if !ok {
		return Edge{}, false
	}
	return *e, true
}

// Neighbors returns the sorted neighbors of id. A self-loop lists id itself.
func (g *Graph) Neighbors(id string) []string {
	return slices.Clone(g.order[id])
}

// Nodes returns all nodes sorted by id.
func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, *n)
	}
	slices.SortFunc(out, func(a, b Node) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Edges returns all edges sorted by their canonical key.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, *e)
	}
	slices.SortFunc(out, func(x, y Edge) int {
		return cmp.Or(cmp.Compare(x.A, y.A), cmp.Compare(x.B, y.B))
	})
	return out
}

// TotalWeight sums all edge weights.
func (g *Graph) TotalWeight() int {
	total := 0
	for _, e := range g.edges {
		total += e.Weight
	}
	return total
}

// Density is the share of possible links between distinct nodes that
// exist. Self-loops are ignored.
func (g *Graph) Density() float64 {
	n := len(g.nodes)
	if n < 2 {
		return 0
	}
	links := 0
	for k := range g.edges {
		if k.A != k.B {
			links++
		}
	}
	return 2 * float64(links) / float64(n*(n-1))
}
