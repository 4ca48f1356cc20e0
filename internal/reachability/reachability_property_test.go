package reachability

import (
	"math/rand"
	"testing"

	"clusterd/internal/member"
)

var pool = []member.UniqueAddress{nodeA, nodeB, nodeC, nodeD}

// randomTable applies random changes; observers are split between tables
// by the caller so each observer's history stays linear as in a real cluster.
func randomTable(r *rand.Rand, base Reachability, observers []member.UniqueAddress) Reachability {
	out := base
	for i := 0; i < r.Intn(8); i++ {
		o := observers[r.Intn(len(observers))]
		s := pool[r.Intn(len(pool))]
		if o == s {
			continue
		}
		switch r.Intn(3) {
		case 0:
			out = out.Unreachable(o, s)
		case 1:
			out = out.Reachable(o, s)
		default:
			if r.Intn(4) == 0 {
				out = out.Terminated(o, s)
			}
		}
	}
	return out
}

// TestReachability_Property_MergeLattice tests commutativity, associativity and idempotence of Merge
func TestReachability_Property_MergeLattice(t *testing.T) {
	rnd := rand.New(rand.NewSource(11))
	for i := 0; i < 300; i++ {
		shared := randomTable(rnd, Empty(), pool)
		a := randomTable(rnd, shared, pool[:2])
		b := randomTable(rnd, shared, pool[2:])
		c := randomTable(rnd, shared.Merge(a), pool[:1])

		if !a.Merge(b).Equal(b.Merge(a)) {
			t.Fatalf("merge not commutative:\n%s\n%s", a, b)
		}
		if !a.Merge(b).Merge(c).Equal(a.Merge(b.Merge(c))) {
			t.Fatalf("merge not associative:\n%s\n%s\n%s", a, b, c)
		}
		if !a.Merge(a).Equal(a) {
			t.Fatalf("merge not idempotent: %s", a)
		}
	}
}

// TestReachability_Property_OneUnreachableWins tests that a single unreachable observation decides the aggregate
func TestReachability_Property_OneUnreachableWins(t *testing.T) {
	rnd := rand.New(rand.NewSource(12))
	for i := 0; i < 200; i++ {
		r := Empty()
		for _, o := range []member.UniqueAddress{nodeA, nodeB, nodeC} {
			if rnd.Intn(2) == 0 {
				r = r.Unreachable(o, nodeD).Reachable(o, nodeD)
			}
		}
		r = r.Unreachable(pool[rnd.Intn(3)], nodeD)
		if r.AggregateStatus(nodeD) != Unreachable {
			t.Fatalf("expected Unreachable aggregate, got %s in %s", r.AggregateStatus(nodeD), r)
		}
	}
}
