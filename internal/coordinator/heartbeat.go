package coordinator

import (
	"slices"
	"time"

	"go.uber.org/zap"

	"clusterd/internal/member"
	"clusterd/internal/membership"
	"clusterd/internal/reachability"
	"clusterd/internal/ring"
	"clusterd/internal/transport"
)

// updateHeartbeatReceivers rebuilds the heartbeat ring when the member set
// changed and recomputes which peers this node monitors.
func (c *Coordinator) updateHeartbeatReceivers(st *membership.State) {
	nodes := st.Gossip().Nodes()
	if c.ringMembers != nil && sameSet(c.ringMembers, nodes) {
		return
	}
	c.ringMembers = nodes

	byKey := make(map[string]member.UniqueAddress, len(nodes))
	keys := make([]string, 0, len(nodes))
	for n := range nodes {
		byKey[n.String()] = n
		keys = append(keys, n.String())
	}
	next := make(map[member.UniqueAddress]struct{})
	if st.IsMember(c.self) && len(keys) > 1 {
		r, err := ring.New(keys, c.cfg.VirtualNodesFactor, c.cfg.Hasher)
		if err != nil {
			c.log.Error("building heartbeat ring", zap.Error(err))
			return
		}
		c.hbRing = r
		prefs, err := r.NodesFor([]byte(c.self.String()), c.cfg.MonitoredByNrOfMembers+1)
		if err != nil {
			c.log.Error("selecting heartbeat receivers", zap.Error(err))
			return
		}
		for _, k := range prefs {
			if n := byKey[k]; n != c.self && len(next) < c.cfg.MonitoredByNrOfMembers {
				next[n] = struct{}{}
			}
		}
	} else {
		c.hbRing = nil
	}

	now := c.now()
	for n := range c.receivers {
		if _, ok := next[n]; !ok {
			c.detectors.Remove(n.String())
			delete(c.firstHB, n)
			c.metrics.ForgetPeer(n.String())
		}
	}
	for n := range next {
		if _, ok := c.receivers[n]; !ok {
			c.firstHB[n] = now.Add(c.cfg.ExpectedResponseAfter)
		}
	}
	c.receivers = next
}

func sameSet(a, b member.Set) bool {
	if len(a) != len(b) {
		return false
	}
	for n := range a {
		if !b.Contains(n) {
			return false
		}
	}
	return true
}

// heartbeatReceivers returns the monitored peers in address order.
func (c *Coordinator) heartbeatReceivers() []member.UniqueAddress {
	out := make([]member.UniqueAddress, 0, len(c.receivers))
	for n := range c.receivers {
		out = append(out, n)
	}
	slices.SortFunc(out, member.UniqueAddress.Compare)
	return out
}

// heartbeatTick sends a heartbeat to every receiver and starts monitoring
// receivers that missed their first expected response.
func (c *Coordinator) heartbeatTick() {
	if !c.state.Load().IsMember(c.self) {
		return
	}
	c.hbSeq++
	now := c.now()
	for _, n := range c.heartbeatReceivers() {
		c.send(n, transport.Heartbeat{From: c.self, To: n, Seq: c.hbSeq})
		c.checkFirstHeartbeat(n, now)
	}
}

func (c *Coordinator) checkFirstHeartbeat(n member.UniqueAddress, now time.Time) {
	deadline, ok := c.firstHB[n]
	if !ok || now.Before(deadline) {
		return
	}
	delete(c.firstHB, n)
	if !c.detectors.IsMonitoring(n.String()) {
		c.log.Debug("no first heartbeat response, starting to monitor", zap.Stringer("peer", n))
		c.detectors.Heartbeat(n.String(), now)
	}
}

func (c *Coordinator) receiveHeartbeat(m transport.Heartbeat) {
	if m.To != c.self {
		return
	}
	c.send(m.From, transport.HeartbeatResponse{From: c.self, Seq: m.Seq})
}

// heartbeatFrom feeds the failure detector of a monitored peer.
func (c *Coordinator) heartbeatFrom(from member.UniqueAddress, at time.Time) {
	if _, ok := c.receivers[from]; !ok {
		return
	}
	delete(c.firstHB, from)
	c.detectors.Heartbeat(from.String(), at)
}

// reapUnreachable compares the failure detectors with the local rows of
// the reachability table and records every change.
func (c *Coordinator) reapUnreachable() {
	st := c.state.Load()
	if !st.IsMember(c.self) {
		return
	}
	now := c.now()
	for n := range c.firstHB {
		c.checkFirstHeartbeat(n, now)
	}
	g := st.Gossip()
	r := g.Reachability()
	changed := false
	for _, m := range g.Members() {
		if m.Node == c.self {
			continue
		}
		key := m.Node.String()
		if c.detectors.IsMonitoring(key) {
			c.metrics.SetPhi(key, c.detectors.Phi(key, now))
		}
		available := c.detectors.IsAvailable(key, now)
		switch status := r.Status(c.self, m.Node); {
		case !available && status == reachability.Reachable:
			c.log.Warn("marking member unreachable", zap.Stringer("member", m.Node), zap.Float64("phi", c.detectors.Phi(key, now)))
			r = r.Unreachable(c.self, m.Node)
			changed = true
		case available && status == reachability.Unreachable:
			c.log.Info("marking member reachable", zap.Stringer("member", m.Node))
			r = r.Reachable(c.self, m.Node)
			changed = true
		}
	}
	if !changed {
		return
	}
	c.setGossip(g.WithReachability(r).Increment(c.self).OnlySeen(c.self))
}
