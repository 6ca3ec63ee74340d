package plugin

import (
	"cmp"
	"slices"
)

// Graph holds subscriber edges between instances. An edge publisher ->
// subscriber is stored in both directions so either side can be dropped
// without a scan. Graph is not safe for concurrent use; the Registry
// serializes access.
type Graph struct {
	subscribers map[ID]map[ID]struct{} // publisher -> its subscribers
	publishers  map[ID]map[ID]struct{} // subscriber -> its publishers
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		subscribers: make(map[ID]map[ID]struct{}),
		publishers:  make(map[ID]map[ID]struct{}),
	}
}

// Subscribe adds the edge publisher -> subscriber. It reports whether the
// edge is new.
func (g *Graph) Subscribe(subscriber, publisher ID) bool {
	if _, ok := g.subscribers[publisher][subscriber]; ok {
		return false
	}
	addEdge(g.subscribers, publisher, subscriber)
	addEdge(g.publishers, subscriber, publisher)
	return true
}

// UnsubscribeAll drops every publisher edge of subscriber. Edges where it
// is the publisher are kept; they belong to the subscribers.
func (g *Graph) UnsubscribeAll(subscriber ID) {
	for pub := range g.publishers[subscriber] {
		delEdge(g.subscribers, pub, subscriber)
	}
	delete(g.publishers, subscriber)
}

// Remove drops every edge touching id.
func (g *Graph) Remove(id ID) {
	g.UnsubscribeAll(id)
	for sub := range g.subscribers[id] {
		delEdge(g.publishers, sub, id)
	}
	delete(g.subscribers, id)
}

// Subscribers returns the direct subscribers of id.
func (g *Graph) Subscribers(id ID) []ID {
	return sortedIDs(g.subscribers[id])
}

// Publishers returns the instances id subscribes to.
func (g *Graph) Publishers(id ID) []ID {
	return sortedIDs(g.publishers[id])
}

// Reachable returns id followed by every instance reachable from it over
// subscriber edges, in breadth-first order. Cycles are visited once.
func (g *Graph) Reachable(id ID) []ID {
	seen := map[ID]struct{}{id: {}}
	out := []ID{id}
	for i := 0; i < len(out); i++ {
		for _, sub := range sortedIDs(g.subscribers[out[i]]) {
			if _, ok := seen[sub]; ok {
				continue
			}
			seen[sub] = struct{}{}
			out = append(out, sub)
		}
	}
	return out
}

// Edges returns the number of edges.
func (g *Graph) Edges() int {
	n := 0
	for _, subs := range g.subscribers {
		n += len(subs)
	}
	return n
}

// consistent reports whether both edge maps describe the same relation.
func (g *Graph) consistent() bool {
	for pub, subs := range g.subscribers {
		for sub := range subs {
			if _, ok := g.publishers[sub][pub]; !ok {
				return false
			}
		}
	}
	for sub, pubs := range g.publishers {
		for pub := range pubs {
			if _, ok := g.subscribers[pub][sub]; !ok {
				return false
			}
		}
	}
	return true
}

func addEdge(m map[ID]map[ID]struct{}, from, to ID) {
	set, ok := m[from]
	if !ok {
		set = make(map[ID]struct{})
		m[from] = set
	}
	set[to] = struct{}{}
}

func delEdge(m map[ID]map[ID]struct{}, from, to ID) {
	set, ok := m[from]
	if !ok {
		return
	}
	delete(set, to)
	if len(set) == 0 {
		delete(m, from)
	}
}

func sortedIDs(set map[ID]struct{}) []ID {
	out := make([]ID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.SortFunc(out, compareID)
	return out
}

func compareID(a, b ID) int {
	if c := cmp.Compare(a.Category, b.Category); c != 0 {
		return c
	}
	return cmp.Compare(a.Name, b.Name)
}
