package gossip

import (
	"math/rand"
	"testing"

	"clusterd/internal/member"
	"clusterd/internal/reachability"
)

var pool = []member.UniqueAddress{nodeA, nodeB, nodeC, node("d")}

func randomGossip(r *rand.Rand) Gossip {
	var ms []member.Member
	for _, n := range pool {
		if r.Intn(3) == 0 {
			continue
		}
		m := member.Member{Node: n, Status: member.Status(r.Intn(int(member.Down) + 1))}
		if m.Status >= member.Up && r.Intn(2) == 0 {
			m.UpNumber = 1 + r.Intn(3)
		}
		if r.Intn(3) == 0 {
			m.Roles = []string{"r" + string(rune('a'+r.Intn(2)))}
		}
		ms = append(ms, m)
	}
	g := New(ms...)
	nodes := g.Members()
	if len(nodes) > 1 {
		rt := reachability.Empty()
		for i := 0; i < r.Intn(4); i++ {
			o, s := nodes[r.Intn(len(nodes))].Node, nodes[r.Intn(len(nodes))].Node
			if o != s {
				rt = rt.Unreachable(o, s)
			}
		}
		g = g.WithReachability(rt)
	}
	for _, m := range nodes {
		if r.Intn(2) == 0 {
			g = g.Seen(m.Node)
		}
		if r.Intn(3) == 0 {
			g = g.Increment(m.Node)
		}
	}
	return g
}

// TestGossip_Property_MergeCommutative tests that merge order does not matter
func TestGossip_Property_MergeCommutative(t *testing.T) {
	r := rand.New(rand.NewSource(21))
	for i := 0; i < 500; i++ {
		a, b := randomGossip(r), randomGossip(r)
		if !Merge(a, b).Equal(Merge(b, a)) {
			t.Fatalf("merge not commutative:\n%s\n%s", a, b)
		}
	}
}

// TestGossip_Property_MergeAssociative tests that grouping does not matter
func TestGossip_Property_MergeAssociative(t *testing.T) {
	r := rand.New(rand.NewSource(22))
	for i := 0; i < 500; i++ {
		a, b, c := randomGossip(r), randomGossip(r), randomGossip(r)
		left := Merge(Merge(a, b), c)
		right := Merge(a, Merge(b, c))
		if !left.Equal(right) {
			t.Fatalf("merge not associative:\n%s\n%s", left, right)
		}
	}
}

// TestGossip_Property_MergeIdempotentAndValid tests that merging is idempotent and keeps the invariants
func TestGossip_Property_MergeIdempotentAndValid(t *testing.T) {
	r := rand.New(rand.NewSource(23))
	for i := 0; i < 500; i++ {
		a, b := randomGossip(r), randomGossip(r)
		if !Merge(a, a).Equal(a) {
			t.Fatalf("merge not idempotent: %s", a)
		}
		m := Merge(a, b)
		if err := m.Validate(); err != nil {
			t.Fatalf("merged gossip invalid: %v", err)
		}
		for _, x := range a.Members() {
			if !m.HasMember(x.Node) {
				t.Fatalf("merge lost member %s", x.Node)
			}
		}
	}
}
