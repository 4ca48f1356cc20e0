package membership

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"clusterd/internal/gossip"
	"clusterd/internal/member"
	"clusterd/internal/reachability"
)

// ErrSelfNotFound is returned when the local node is missing from the
// gossip it is supposed to be part of.
var ErrSelfNotFound = errors.New("self not found in gossip")

// Policy holds the decisions that are not fixed by the protocol.
type Policy struct {
	// WeaklyUpAsUp lets WeaklyUp members take part in leader election and
	// block convergence exactly like Up members.
	WeaklyUpAsUp bool
	// StrictUnreachableConvergence makes an unreachable member block
	// convergence until it is Down or Exiting.
	StrictUnreachableConvergence bool
}

func (p Policy) leaderStatus(s member.Status) bool {
	return s == member.Up || s == member.Leaving || (p.WeaklyUpAsUp && s == member.WeaklyUp)
}

func (p Policy) convergenceStatus(s member.Status) bool {
	return p.leaderStatus(s)
}

// State is a read-only view of a gossip from one node's point of view.
// Derived values are computed once on first use; a State is safe for
// concurrent readers.
type State struct {
	self   member.UniqueAddress
	gossip gossip.Gossip
	policy Policy

	reachOnce sync.Once
	reachEx   reachability.Reachability

	leaderOnce sync.Once
	leader     member.UniqueAddress
	hasLeader  bool

	convOnce  sync.Once
	converged bool
}

// New creates the state of self for g.
func New(self member.UniqueAddress, g gossip.Gossip, policy Policy) *State {
	return &State{self: self, gossip: g, policy: policy}
}

// Self returns the local unique address.
func (s *State) Self() member.UniqueAddress { return s.self }

// Gossip returns the underlying gossip.
func (s *State) Gossip() gossip.Gossip { return s.gossip }

// Policy returns the policy the state was built with.
func (s *State) Policy() Policy { return s.policy }

// Members returns the members in address order.
func (s *State) Members() []member.Member { return s.gossip.Members() }

// Member returns the entry for node.
func (s *State) Member(node member.UniqueAddress) (member.Member, bool) {
	return s.gossip.Member(node)
}

// IsMember reports whether node is part of the gossip.
func (s *State) IsMember(node member.UniqueAddress) bool {
	return s.gossip.HasMember(node)
}

// SelfMember returns the local member entry.
func (s *State) SelfMember() (member.Member, error) {
	m, ok := s.gossip.Member(s.self)
	if !ok {
		return member.Member{}, fmt.Errorf("%w: %s", ErrSelfNotFound, s.self)
	}
	return m, nil
}

// Reachability returns the full reachability table.
func (s *State) Reachability() reachability.Reachability {
	return s.gossip.Reachability()
}

// ReachabilityExcludingDownedObservers ignores judgements made by members
// that are already Down.
func (s *State) ReachabilityExcludingDownedObservers() reachability.Reachability {
	s.reachOnce.Do(func() {
		downed := member.NewSet()
		for _, m := range s.gossip.Members() {
			if m.Status == member.Down {
				downed[m.Node] = struct{}{}
			}
		}
		s.reachEx = s.gossip.Reachability().RemoveObservers(downed)
	})
	return s.reachEx
}

// Leader returns the deterministic leader of the gossip. Members that are
// Down or unreachable (other than self) are not eligible. The lowest
// address in the leader statuses wins; otherwise the first member by
// member.LeaderStatusCompare.
func (s *State) Leader() (member.UniqueAddress, bool) {
	s.leaderOnce.Do(func() {
		s.leader, s.hasLeader = s.leaderOf(s.gossip.Members())
	})
	return s.leader, s.hasLeader
}

func (s *State) leaderOf(members []member.Member) (member.UniqueAddress, bool) {
	r := s.ReachabilityExcludingDownedObservers()
	allReachable := r.IsAllReachable()
	candidates := members[:0:0]
	for _, m := range members {
		if m.Status == member.Down {
			continue
		}
		if allReachable || m.Node == s.self || r.IsReachable(m.Node) {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return member.UniqueAddress{}, false
	}
	for _, m := range candidates {
		if s.policy.leaderStatus(m.Status) {
			return m.Node, true
		}
	}
	return slices.MinFunc(candidates, member.LeaderStatusCompare).Node, true
}

// IsLeader reports whether node is the leader.
func (s *State) IsLeader(node member.UniqueAddress) bool {
	l, ok := s.Leader()
	return ok && l == node
}

// Convergence reports whether every member in a convergence status has
// seen the current version. Down and Exiting members never block, and
// unreachable members only block under StrictUnreachableConvergence.
func (s *State) Convergence() bool {
	s.convOnce.Do(func() {
		s.converged = s.convergence()
	})
	return s.converged
}

func (s *State) convergence() bool {
	unreachable := s.ReachabilityExcludingDownedObservers().AllUnreachableOrTerminated()
	for _, m := range s.gossip.Members() {
		if unreachable.Contains(m.Node) {
			if s.policy.StrictUnreachableConvergence && m.Status != member.Down && m.Status != member.Exiting {
				return false
			}
			continue
		}
		if s.policy.convergenceStatus(m.Status) && !s.gossip.SeenBy(m.Node) {
			return false
		}
	}
	return true
}

// ValidNodeForGossip reports whether node is another reachable member.
func (s *State) ValidNodeForGossip(node member.UniqueAddress) bool {
	return node != s.self && s.gossip.HasMember(node) && s.gossip.Reachability().IsReachable(node)
}

// Unreachable returns the members that some non-downed observer cannot
// reach.
func (s *State) Unreachable() []member.Member {
	r := s.ReachabilityExcludingDownedObservers()
	if r.IsAllReachable() {
		return nil
	}
	var out []member.Member
	for _, m := range s.gossip.Members() {
		if !r.IsReachable(m.Node) {
			out = append(out, m)
		}
	}
	return out
}

// YoungestMember returns the member with the highest up number. Members
// that are not up yet count as the oldest.
func (s *State) YoungestMember() (member.Member, bool) {
	members := s.gossip.Members()
	if len(members) == 0 {
		return member.Member{}, false
	}
	youngest := members[0]
	for _, m := range members[1:] {
		if m.UpNumber > youngest.UpNumber {
			youngest = m
		}
	}
	return youngest, true
}
