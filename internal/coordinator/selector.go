package coordinator

import (
	"math/rand"

	"clusterd/internal/member"
	"clusterd/internal/membership"
)

// ViewProbability decides how often gossip prefers a member that has not
// seen the current version, given the cluster size.
type ViewProbability interface {
	Probability(clusterSize int) float64
}

// LinearReduction keeps Base up to ReduceAfter members, then lowers the
// probability linearly to Base/10 at three times ReduceAfter and keeps it
// there.
type LinearReduction struct {
	Base        float64
	ReduceAfter int
}

// Probability implements ViewProbability.
func (l LinearReduction) Probability(clusterSize int) float64 {
	if l.ReduceAfter <= 0 || clusterSize <= l.ReduceAfter {
		return l.Base
	}
	low := l.Base / 10
	if clusterSize >= 3*l.ReduceAfter {
		return low
	}
	k := (low - l.Base) / float64(2*l.ReduceAfter)
	return l.Base + float64(clusterSize-l.ReduceAfter)*k
}

// TargetSelector picks the member to gossip with.
type TargetSelector struct {
	Probability ViewProbability
}

// Select returns a random valid gossip target, preferring one that has not
// seen the current version with the configured probability. ok is false
// when there is no other reachable member.
func (s TargetSelector) Select(st *membership.State, rnd *rand.Rand) (member.UniqueAddress, bool) {
	members := st.Members()
	var all, preferred []member.UniqueAddress
	g := st.Gossip()
	for _, m := range members {
		if !st.ValidNodeForGossip(m.Node) {
			continue
		}
		all = append(all, m.Node)
		if !g.SeenBy(m.Node) {
			preferred = append(preferred, m.Node)
		}
	}
	if len(all) == 0 {
		return member.UniqueAddress{}, false
	}
	if len(preferred) > 0 && s.Probability != nil && rnd.Float64() < s.Probability.Probability(len(members)) {
		return preferred[rnd.Intn(len(preferred))], true
	}
	return all[rnd.Intn(len(all))], true
}
