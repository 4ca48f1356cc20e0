package gossip

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"clusterd/internal/clock"
	"clusterd/internal/member"
	"clusterd/internal/reachability"
)

// ErrInvalid is returned when a gossip violates its structural invariants.
var ErrInvalid = errors.New("invalid gossip")

// Gossip is the replicated membership view: the members, which nodes have
// seen this version, the reachability table and the version vector. A
// Gossip is immutable; every modifier returns a new value and the zero value
// is an empty gossip.
type Gossip struct {
	members      []member.Member // sorted by node, unique, never Removed
	seen         member.Set
	reachability reachability.Reachability
	version      clock.VectorClock
}

// New builds a gossip from members. Duplicates are resolved by
// member.HighestPriority and Removed members are dropped.
func New(members ...member.Member) Gossip {
	return Gossip{members: normalize(members)}
}

func normalize(members []member.Member) []member.Member {
	byNode := make(map[member.UniqueAddress]member.Member, len(members))
	for _, m := range members {
		if cur, ok := byNode[m.Node]; ok {
			m = member.HighestPriority(cur, m)
		}
		byNode[m.Node] = m
	}
	out := make([]member.Member, 0, len(byNode))
	for _, m := range byNode {
		if m.Status != member.Removed {
			out = append(out, m)
		}
	}
	member.Sort(out)
	return out
}

// Members returns the members sorted by unique address.
func (g Gossip) Members() []member.Member {
	return slices.Clone(g.members)
}

// Len returns the number of members.
func (g Gossip) Len() int {
	return len(g.members)
}

func (g Gossip) index(node member.UniqueAddress) (int, bool) {
	return slices.BinarySearchFunc(g.members, node, func(m member.Member, n member.UniqueAddress) int {
		return m.Node.Compare(n)
	})
}

// Member returns the entry for node.
func (g Gossip) Member(node member.UniqueAddress) (member.Member, bool) {
	if i, ok := g.index(node); ok {
		return g.members[i], true
	}
	return member.Member{}, false
}

// HasMember reports whether node is part of the gossip.
func (g Gossip) HasMember(node member.UniqueAddress) bool {
	_, ok := g.index(node)
	return ok
}

// MemberByAddress finds a member by network address regardless of
// incarnation.
func (g Gossip) MemberByAddress(addr member.Address) (member.Member, bool) {
	for _, m := range g.members {
		if m.Node.Address == addr {
			return m, true
		}
	}
	return member.Member{}, false
}

// Nodes returns the set of member addresses.
func (g Gossip) Nodes() member.Set {
	s := make(member.Set, len(g.members))
	for _, m := range g.members {
		s[m.Node] = struct{}{}
	}
	return s
}

// Version returns a copy of the version vector.
func (g Gossip) Version() clock.VectorClock {
	return g.version.Copy()
}

// Reachability returns the reachability table.
func (g Gossip) Reachability() reachability.Reachability {
	return g.reachability
}

// SeenBy reports whether node has seen this version.
func (g Gossip) SeenBy(node member.UniqueAddress) bool {
	return g.seen.Contains(node)
}

// SeenNodes returns the nodes that have seen this version in address order.
func (g Gossip) SeenNodes() []member.UniqueAddress {
	out := make([]member.UniqueAddress, 0, len(g.seen))
	for n := range g.seen {
		out = append(out, n)
	}
	slices.SortFunc(out, member.UniqueAddress.Compare)
	return out
}

func (g Gossip) withSeen(seen member.Set) Gossip {
	g.seen = seen
	return g
}

func copySet(s member.Set) member.Set {
	out := make(member.Set, len(s)+1)
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

// WithMember inserts or replaces m. A Removed member is dropped instead.
func (g Gossip) WithMember(m member.Member) Gossip {
	if m.Status == member.Removed {
		return g.WithoutMember(m.Node)
	}
	members := slices.Clone(g.members)
	if i, ok := g.index(m.Node); ok {
		members[i] = m
	} else {
		members = slices.Insert(members, i, m)
	}
	g.members = members
	return g
}

// WithoutMember drops node together with its reachability rows and seen
// entry.
func (g Gossip) WithoutMember(node member.UniqueAddress) Gossip {
	i, ok := g.index(node)
	if !ok {
		return g
	}
	g.members = slices.Delete(slices.Clone(g.members), i, i+1)
	g.reachability = g.reachability.Remove(node)
	if g.seen.Contains(node) {
		seen := copySet(g.seen)
		delete(seen, node)
		g.seen = seen
	}
	return g
}

// WithReachability replaces the reachability table.
func (g Gossip) WithReachability(r reachability.Reachability) Gossip {
	g.reachability = r
	return g
}

// Increment bumps node's counter in the version vector.
func (g Gossip) Increment(node member.UniqueAddress) Gossip {
	g.version = g.version.Incremented(node.String())
	return g
}

// Seen marks node as having seen this version.
func (g Gossip) Seen(node member.UniqueAddress) Gossip {
	if g.seen.Contains(node) {
		return g
	}
	seen := copySet(g.seen)
	seen[node] = struct{}{}
	return g.withSeen(seen)
}

// OnlySeen resets the seen set to node alone.
func (g Gossip) OnlySeen(node member.UniqueAddress) Gossip {
	return g.withSeen(member.NewSet(node))
}

// ClearSeen empties the seen set.
func (g Gossip) ClearSeen() Gossip {
	return g.withSeen(nil)
}

// MergeSeen unions the seen sets of two gossips carrying the same version.
func (g Gossip) MergeSeen(other Gossip) Gossip {
	seen := copySet(g.seen)
	for n := range other.seen {
		if g.HasMember(n) {
			seen[n] = struct{}{}
		}
	}
	return g.withSeen(seen)
}

// Compare orders the two versions.
func (g Gossip) Compare(other Gossip) clock.CompareResult {
	return g.version.Compare(other.version)
}

// Merge combines two gossips: version vectors take the per node maximum,
// members are unioned with conflicts resolved by member.HighestPriority,
// reachability tables are merged and restricted to the merged members and
// seen sets are unioned. Merge is commutative and associative.
func Merge(a, b Gossip) Gossip {
	members := normalize(append(slices.Clone(a.members), b.members...))
	out := Gossip{members: members, version: a.version.Merged(b.version)}
	nodes := out.Nodes()
	out.reachability = a.reachability.Merge(b.reachability).RestrictTo(nodes)

	seen := make(member.Set, len(a.seen)+len(b.seen))
	for _, s := range []member.Set{a.seen, b.seen} {
		for n := range s {
			if nodes.Contains(n) {
				seen[n] = struct{}{}
			}
		}
	}
	out.seen = seen
	return out
}

// Validate checks the structural invariants: sorted unique members, no
// Removed member, and seen and reachability only mentioning members.
func (g Gossip) Validate() error {
	for i, m := range g.members {
		if !m.Status.Valid() {
			return fmt.Errorf("%w: member %s has status %d", ErrInvalid, m.Node, m.Status)
		}
		if m.Status == member.Removed {
			return fmt.Errorf("%w: removed member %s", ErrInvalid, m.Node)
		}
		if m.UpNumber < 0 {
			return fmt.Errorf("%w: member %s has up number %d", ErrInvalid, m.Node, m.UpNumber)
		}
		if m.Node.Address.Host == "" || m.Node.Address.Port <= 0 {
			return fmt.Errorf("%w: member with empty address", ErrInvalid)
		}
		if i > 0 && g.members[i-1].Node.Compare(m.Node) >= 0 {
			return fmt.Errorf("%w: members not sorted or duplicated at %s", ErrInvalid, m.Node)
		}
	}
	for n := range g.seen {
		if !g.HasMember(n) {
			return fmt.Errorf("%w: seen by non-member %s", ErrInvalid, n)
		}
	}
	for _, rec := range g.reachability.Records() {
		if !g.HasMember(rec.Observer) || !g.HasMember(rec.Subject) {
			return fmt.Errorf("%w: reachability mentions non-member in %s->%s", ErrInvalid, rec.Observer, rec.Subject)
		}
	}
	return nil
}

// Equal compares members, seen, reachability and version.
func (g Gossip) Equal(o Gossip) bool {
	if !slices.EqualFunc(g.members, o.members, member.Member.Equal) {
		return false
	}
	if len(g.seen) != len(o.seen) {
		return false
	}
	for n := range g.seen {
		if !o.seen.Contains(n) {
			return false
		}
	}
	return g.reachability.Equal(o.reachability) && g.version.Equal(o.version)
}

func (g Gossip) String() string {
	parts := make([]string, 0, len(g.members))
	for _, m := range g.members {
		parts = append(parts, m.String())
	}
	return fmt.Sprintf("Gossip(members=[%s], seen=%d, %s, version=%s)",
		strings.Join(parts, ", "), len(g.seen), g.reachability, g.version)
}
