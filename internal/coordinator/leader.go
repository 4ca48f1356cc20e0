package coordinator

import (
	"go.uber.org/zap"

	"clusterd/internal/gossip"
	"clusterd/internal/member"
)

// leaderActions applies the transitions only the leader may make. With
// convergence it removes Exiting and Down members, then promotes Joining
// and WeaklyUp members to Up and Leaving members to Exiting, at most one
// step per member. Without convergence it can only move Joining members
// to WeaklyUp, and only while some member is unreachable.
func (c *Coordinator) leaderActions() {
	st := c.state.Load()
	if c.halted || !st.IsLeader(c.self) {
		return
	}
	g := st.Gossip()
	var removed []member.UniqueAddress
	changed := false
	var self member.Member
	selfGone := false

	if st.Convergence() {
		for _, m := range g.Members() {
			if m.Status == member.Exiting || m.Status == member.Down {
				if m.Node == c.self {
					// The next leader removes this node.
					self, selfGone = m, true
					continue
				}
				c.log.Info("leader removing member", zap.Stringer("member", m.Node), zap.Stringer("status", m.Status))
				g = g.WithoutMember(m.Node)
				removed = append(removed, m.Node)
				c.metrics.LeaderAction(member.Removed)
				changed = true
			}
		}
		upNumber := maxUpNumber(g)
		for _, m := range g.Members() {
			var next member.Member
			var err error
			switch m.Status {
			case member.Joining, member.WeaklyUp:
				upNumber++
				next, err = m.WithStatus(member.Up)
				next = next.WithUpNumber(upNumber)
			case member.Leaving:
				next, err = m.WithStatus(member.Exiting)
			default:
				continue
			}
			if err != nil {
				c.log.Error("leader transition", zap.Error(err))
				continue
			}
			c.log.Info("leader moving member", zap.Stringer("member", m.Node), zap.Stringer("from", m.Status), zap.Stringer("to", next.Status))
			g = g.WithMember(next)
			c.metrics.LeaderAction(next.Status)
			changed = true
		}
	} else if c.cfg.AllowWeaklyUpMembers && len(st.Unreachable()) > 0 {
		for _, m := range g.Members() {
			if m.Status != member.Joining {
				continue
			}
			next, err := m.WithStatus(member.WeaklyUp)
			if err != nil {
				continue
			}
			c.log.Info("leader moving member to WeaklyUp", zap.Stringer("member", m.Node))
			g = g.WithMember(next)
			c.metrics.LeaderAction(member.WeaklyUp)
			changed = true
		}
	}
	// Without another member left there is no next leader.
	last := selfGone && g.Len() == 1
	if changed {
		c.setGossip(g.Increment(c.self).OnlySeen(c.self))
		for _, n := range removed {
			// A removed node learns about it from a gossip without itself.
			c.sendGossip(n)
		}
		c.gossipTick()
	}
	if last {
		c.shutdownRemoved(self)
	}
}

func maxUpNumber(g gossip.Gossip) int {
	n := 0
	for _, m := range g.Members() {
		n = max(n, m.UpNumber)
	}
	return n
}
