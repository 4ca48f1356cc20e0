package coordinator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"clusterd/internal/gossip"
	"clusterd/internal/member"
	"clusterd/internal/transport"
)

// Join makes the node part of a cluster. Without seeds, or when the first
// seed is the node's own address, it starts a new cluster of its own.
// Otherwise it asks every seed to let it in and keeps asking until one
// answers with a Welcome.
func (c *Coordinator) Join(ctx context.Context, seeds []member.Address) error {
	return c.do(ctx, func() error { return c.join(seeds) })
}

// Leave asks the cluster to move the member at addr to Leaving.
func (c *Coordinator) Leave(ctx context.Context, addr member.Address) error {
	return c.do(ctx, func() error { return c.changeStatus(addr, member.Leaving) })
}

// Down marks the member at addr as Down. The leader removes it on the next
// convergence.
func (c *Coordinator) Down(ctx context.Context, addr member.Address) error {
	return c.do(ctx, func() error { return c.changeStatus(addr, member.Down) })
}

func (c *Coordinator) join(seeds []member.Address) error {
	if c.state.Load().IsMember(c.self) {
		return ErrAlreadyMember
	}
	if len(seeds) == 0 || seeds[0] == c.self.Address {
		c.log.Info("joining self, starting a new cluster")
		c.joining = false
		c.setGossip(gossip.New(member.New(c.self, c.cfg.Roles...)).Increment(c.self).Seen(c.self))
		c.leaderActions()
		return nil
	}
	c.seeds = c.seeds[:0]
	for _, s := range seeds {
		if s != c.self.Address {
			c.seeds = append(c.seeds, s)
		}
	}
	c.joining = true
	c.log.Info("joining cluster", zap.Int("seeds", len(c.seeds)))
	c.sendJoinRequests()
	return nil
}

func (c *Coordinator) sendJoinRequests() {
	req := transport.JoinRequest{Node: c.self, Roles: c.cfg.Roles}
	for _, s := range c.seeds {
		c.metrics.MessageSent(req.Kind().String())
		c.tr.Send(s, req)
	}
}

func (c *Coordinator) retryJoin() {
	if !c.joining {
		return
	}
	c.log.Debug("retrying join")
	c.sendJoinRequests()
}

// changeStatus applies an operator command to the local gossip.
func (c *Coordinator) changeStatus(addr member.Address, to member.Status) error {
	st := c.state.Load()
	if !st.IsMember(c.self) {
		return fmt.Errorf("%w: %s", ErrUnknownMember, c.self.Address)
	}
	g := st.Gossip()
	m, ok := g.MemberByAddress(addr)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMember, addr)
	}
	if m.Status == to {
		return nil
	}
	next, err := m.WithStatus(to)
	if err != nil {
		return err
	}
	c.log.Info("marking member", zap.Stringer("member", m.Node), zap.Stringer("status", to))
	c.setGossip(g.WithMember(next).Increment(c.self).OnlySeen(c.self))
	c.gossipTick()
	c.leaderActions()
	return nil
}

// receiveJoin admits a joining node. A new incarnation of an existing
// member's address first downs the old incarnation; the joiner is admitted
// on a later retry, after the old one was removed.
func (c *Coordinator) receiveJoin(req transport.JoinRequest) {
	st := c.state.Load()
	log := c.log.With(zap.Stringer("joiner", req.Node))
	if !st.IsMember(c.self) {
		log.Debug("ignoring join request, not a member")
		return
	}
	if c.isTombstoned(req.Node) {
		log.Warn("ignoring join request from removed incarnation")
		return
	}
	g := st.Gossip()
	if existing, ok := g.MemberByAddress(req.Node.Address); ok && existing.Node != req.Node {
		if existing.Status != member.Down {
			log.Info("new incarnation joining, downing the old one", zap.Stringer("old", existing.Node))
			down, err := existing.WithStatus(member.Down)
			if err != nil {
				log.Warn("cannot down old incarnation", zap.Error(err))
				return
			}
			c.setGossip(g.WithMember(down).Increment(c.self).OnlySeen(c.self))
			c.gossipTick()
			c.leaderActions()
		}
		return
	}
	if !g.HasMember(req.Node) {
		log.Info("admitting joining member", zap.Strings("roles", req.Roles))
		g = g.WithMember(member.New(req.Node, req.Roles...)).Increment(c.self).OnlySeen(c.self)
		c.setGossip(g)
	}
	c.send(req.Node, transport.Welcome{From: c.self, To: req.Node, Gossip: c.state.Load().Gossip()})
}

// receiveWelcome adopts the gossip of the member that admitted this node.
func (c *Coordinator) receiveWelcome(w transport.Welcome) {
	if w.To != c.self || !c.joining || c.state.Load().IsMember(c.self) {
		return
	}
	log := c.log.With(zap.Stringer("from", w.From))
	if err := w.Gossip.Validate(); err != nil {
		log.Warn("dropping invalid welcome", zap.Error(err))
		return
	}
	if !w.Gossip.HasMember(c.self) {
		log.Warn("dropping welcome that does not contain self")
		return
	}
	log.Info("welcomed into cluster", zap.Int("members", w.Gossip.Len()))
	c.joining = false
	c.setGossip(w.Gossip.Seen(c.self))
	c.sendGossip(w.From)
	c.leaderActions()
}
