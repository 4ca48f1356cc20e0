package coordinator

import (
	"fmt"

	"go.uber.org/zap"

	"clusterd/internal/clock"
	"clusterd/internal/gossip"
	"clusterd/internal/member"
	"clusterd/internal/membership"
	"clusterd/internal/transport"
)

// gossipTick sends the local gossip, or only its version when the target
// has already seen it, to one member picked by the selector.
func (c *Coordinator) gossipTick() {
	st := c.state.Load()
	if !st.IsMember(c.self) {
		return
	}
	target, ok := c.selector.Select(st, c.rnd)
	if !ok {
		return
	}
	c.gossipTo(target)
}

func (c *Coordinator) gossipTo(node member.UniqueAddress) {
	g := c.state.Load().Gossip()
	if g.SeenBy(node) {
		c.send(node, transport.GossipStatus{From: c.self, To: node, Version: g.Version()})
		return
	}
	c.send(node, transport.GossipEnvelope{From: c.self, To: node, Gossip: g})
}

// sendGossip sends the full gossip regardless of what node has seen.
func (c *Coordinator) sendGossip(node member.UniqueAddress) {
	c.send(node, transport.GossipEnvelope{From: c.self, To: node, Gossip: c.state.Load().Gossip()})
}

func (c *Coordinator) receiveGossipStatus(m transport.GossipStatus) {
	st := c.state.Load()
	if m.To != c.self || !st.IsMember(c.self) || !st.IsMember(m.From) {
		return
	}
	switch st.Gossip().Version().Compare(m.Version) {
	case clock.After, clock.Concurrent:
		c.sendGossip(m.From)
	case clock.Before:
		// Ask for the newer gossip by telling the sender our version.
		c.send(m.From, transport.GossipStatus{From: c.self, To: m.From, Version: st.Gossip().Version()})
	}
}

// receiveGossip merges a remote gossip into the local one.
func (c *Coordinator) receiveGossip(env transport.GossipEnvelope) {
	log := c.log.With(zap.Stringer("from", env.From))
	if env.To != c.self {
		log.Debug("ignoring gossip addressed to another incarnation", zap.Stringer("to", env.To))
		c.metrics.GossipOutcome("misaddressed")
		return
	}
	st := c.state.Load()
	local := st.Gossip()
	if c.isTombstoned(env.From) {
		// The sender does not know it was removed yet; tell it.
		log.Debug("ignoring gossip from removed node")
		c.metrics.GossipOutcome("tombstoned")
		if st.IsMember(c.self) {
			c.sendGossip(env.From)
		}
		return
	}
	selfMember, err := st.SelfMember()
	if err != nil {
		log.Debug("ignoring gossip, not a member yet")
		c.metrics.GossipOutcome("not_member")
		return
	}
	remote := env.Gossip
	if err := remote.Validate(); err != nil {
		log.Warn("dropping invalid gossip", zap.Error(err))
		c.metrics.GossipOutcome("invalid")
		return
	}
	if !remote.HasMember(c.self) {
		switch selfMember.Status {
		case member.Leaving, member.Exiting, member.Down:
			c.shutdownRemoved(selfMember)
		default:
			log.Debug("ignoring gossip that does not contain self")
			c.metrics.GossipOutcome("without_self")
		}
		return
	}
	for _, m := range remote.Members() {
		if c.isTombstoned(m.Node) {
			remote = remote.WithoutMember(m.Node)
		}
	}

	var merged gossip.Gossip
	var outcome string
	switch cmp := local.Compare(remote); cmp {
	case clock.Equal:
		merged, outcome = local.MergeSeen(remote), "same"
	case clock.After:
		merged, outcome = local, "older"
	case clock.Before:
		merged, outcome = remote, "newer"
	default:
		merged, outcome = gossip.Merge(local, remote).ClearSeen(), "merged"
		for _, m := range merged.Members() {
			if c.isTombstoned(m.Node) {
				merged = merged.WithoutMember(m.Node)
			}
		}
	}
	c.metrics.GossipOutcome(outcome)
	merged = merged.Seen(c.self)
	if !merged.HasMember(c.self) {
		c.halt(fmt.Errorf("%w: after merging gossip from %s", membership.ErrSelfNotFound, env.From))
		return
	}
	log.Debug("received gossip", zap.String("outcome", outcome), zap.Int("members", merged.Len()))

	if !merged.Equal(local) {
		c.setGossip(merged)
	}
	// Talk back unless the sender already knew we had seen its version.
	if !remote.SeenBy(c.self) {
		c.sendGossip(env.From)
	}
	c.leaderActions()
}
