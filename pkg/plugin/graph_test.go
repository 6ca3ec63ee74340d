package plugin

import (
	"fmt"
	"math/rand"
	"testing"
)

func id(cat, name string) ID { return ID{Category: cat, Name: name} }

func TestGraphSubscribeIdempotent(t *testing.T) {
	g := NewGraph()
	a, b := id("interface", "eth0"), id("dhcp", "lan")
	if !g.Subscribe(b, a) {
		t.Fatal("first Subscribe reported existing edge")
	}
	if g.Subscribe(b, a) {
		t.Error("second Subscribe reported new edge")
	}
	if g.Edges() != 1 {
		t.Errorf("Edges = %d, want 1", g.Edges())
	}
	if subs := g.Subscribers(a); len(subs) != 1 || subs[0] != b {
		t.Errorf("Subscribers(a) = %v", subs)
	}
	if pubs := g.Publishers(b); len(pubs) != 1 || pubs[0] != a {
		t.Errorf("Publishers(b) = %v", pubs)
	}
}

func TestGraphUnsubscribeAllKeepsInboundEdges(t *testing.T) {
	g := NewGraph()
	a, b, c := id("x", "a"), id("x", "b"), id("x", "c")
	g.Subscribe(b, a) // a -> b
	g.Subscribe(c, b) // b -> c

	g.UnsubscribeAll(b)
	if len(g.Subscribers(a)) != 0 {
		t.Errorf("a still has subscribers %v", g.Subscribers(a))
	}
	if subs := g.Subscribers(b); len(subs) != 1 || subs[0] != c {
		t.Errorf("b lost its own subscribers: %v", subs)
	}
	if !g.consistent() {
		t.Error("graph inconsistent after UnsubscribeAll")
	}
}

func TestGraphRemove(t *testing.T) {
	g := NewGraph()
	a, b, c := id("x", "a"), id("x", "b"), id("x", "c")
	g.Subscribe(b, a)
	g.Subscribe(c, b)
	g.Remove(b)
	if g.Edges() != 0 {
		t.Errorf("Edges = %d after Remove, want 0", g.Edges())
	}
	if !g.consistent() {
		t.Error("graph inconsistent after Remove")
	}
}

func TestGraphReachableCycle(t *testing.T) {
	g := NewGraph()
	a, b, c := id("x", "a"), id("x", "b"), id("x", "c")
	g.Subscribe(b, a)
	g.Subscribe(c, b)
	g.Subscribe(a, c)
	got := g.Reachable(a)
	if len(got) != 3 {
		t.Fatalf("Reachable = %v, want 3 entries", got)
	}
	if got[0] != a {
		t.Errorf("Reachable[0] = %v, want origin", got[0])
	}
}

// Marking any instance dirty reaches exactly its transitive subscribers.
func TestPropagationClosure(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		n := 2 + rng.Intn(10)
		reg := NewRegistry()
		ids := make([]ID, n)
		for i := range ids {
			ids[i] = id("cat", fmt.Sprintf("i%d", i))
			reg.Ensure(ids[i], 0, newNop)
		}
		adj := make(map[ID][]ID)
		for e := 0; e < rng.Intn(n*2); e++ {
			pub, sub := ids[rng.Intn(n)], ids[rng.Intn(n)]
			if pub == sub {
				continue
			}
			if err := reg.Subscribe(sub, pub); err != nil {
				t.Fatalf("Subscribe: %v", err)
			}
			adj[pub] = append(adj[pub], sub)
		}

		origin := ids[rng.Intn(n)]
		reg.MarkChanged(origin)

		want := map[ID]bool{origin: true}
		stack := []ID{origin}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, s := range adj[cur] {
				if !want[s] {
					want[s] = true
					stack = append(stack, s)
				}
			}
		}
		for _, x := range ids {
			if got := reg.Changed(x); got != want[x] {
				t.Fatalf("round %d: %v changed=%v, want %v", round, x, got, want[x])
			}
		}
		if !reg.graph.consistent() {
			t.Fatalf("round %d: graph inconsistent", round)
		}
	}
}
