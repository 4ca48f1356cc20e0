package event

import (
	"fmt"

	"clusterd/internal/member"
	"clusterd/internal/membership"
)

// Type describes the kind of membership event.
type Type int

const (
	MemberJoined Type = iota
	MemberWeaklyUp
	MemberUp
	MemberLeft
	MemberExited
	MemberDowned
	MemberRemoved
	UnreachableMember
	ReachableMember
	LeaderChanged
	ConvergenceChanged
)

func (t Type) String() string {
	switch t {
	case MemberJoined:
		return "MemberJoined"
	case MemberWeaklyUp:
		return "MemberWeaklyUp"
	case MemberUp:
		return "MemberUp"
	case MemberLeft:
		return "MemberLeft"
	case MemberExited:
		return "MemberExited"
	case MemberDowned:
		return "MemberDowned"
	case MemberRemoved:
		return "MemberRemoved"
	case UnreachableMember:
		return "UnreachableMember"
	case ReachableMember:
		return "ReachableMember"
	case LeaderChanged:
		return "LeaderChanged"
	case ConvergenceChanged:
		return "ConvergenceChanged"
	default:
		return "Unknown"
	}
}

// Event is a change observed between two membership states. Only the
// fields relevant to Type are set.
type Event struct {
	Type   Type
	Member member.Member
	// PreviousStatus is set for MemberRemoved.
	PreviousStatus member.Status
	// Leader and HasLeader are set for LeaderChanged.
	Leader    member.UniqueAddress
	HasLeader bool
	// Converged is set for ConvergenceChanged.
	Converged bool
}

func (e Event) String() string {
	switch e.Type {
	case MemberRemoved:
		return fmt.Sprintf("%s(%s, previous=%s)", e.Type, e.Member.Node, e.PreviousStatus)
	case LeaderChanged:
		if !e.HasLeader {
			return "LeaderChanged(none)"
		}
		return fmt.Sprintf("LeaderChanged(%s)", e.Leader)
	case ConvergenceChanged:
		return fmt.Sprintf("ConvergenceChanged(%t)", e.Converged)
	default:
		return fmt.Sprintf("%s(%s)", e.Type, e.Member.Node)
	}
}

// Publisher delivers events to local subscribers.
type Publisher interface {
	Publish(e Event)
}

// Handler receives events.
type Handler interface {
	OnEvent(e Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Event)

// OnEvent calls f(e).
func (f HandlerFunc) OnEvent(e Event) { f(e) }

func statusEvent(s member.Status) (Type, bool) {
	switch s {
	case member.Joining:
		return MemberJoined, true
	case member.WeaklyUp:
		return MemberWeaklyUp, true
	case member.Up:
		return MemberUp, true
	case member.Leaving:
		return MemberLeft, true
	case member.Exiting:
		return MemberExited, true
	case member.Down:
		return MemberDowned, true
	}
	return 0, false
}

// Diff returns the events that lead from old to cur in a deterministic
// order: member status changes and removals by address, then reachability
// changes, then leader and convergence changes. A nil old is treated as an
// empty cluster.
func Diff(old, cur *membership.State) []Event {
	var events []Event

	oldMembers := map[member.UniqueAddress]member.Member{}
	var oldUnreachable member.Set
	var oldLeader member.UniqueAddress
	var oldHasLeader, oldConverged bool
	if old != nil {
		for _, m := range old.Members() {
			oldMembers[m.Node] = m
		}
		oldUnreachable = nodesOf(old.Unreachable())
		oldLeader, oldHasLeader = old.Leader()
		oldConverged = old.Convergence()
	}

	curMembers := cur.Members()
	seen := make(member.Set, len(curMembers))
	for _, m := range curMembers {
		seen[m.Node] = struct{}{}
		prev, existed := oldMembers[m.Node]
		if existed && prev.Status == m.Status {
			continue
		}
		if t, ok := statusEvent(m.Status); ok {
			events = append(events, Event{Type: t, Member: m})
		}
	}
	var removed []member.Member
	for n, m := range oldMembers {
		if !seen.Contains(n) {
			removed = append(removed, m)
		}
	}
	member.Sort(removed)
	for _, m := range removed {
		gone, _ := m.WithStatus(member.Removed)
		events = append(events, Event{Type: MemberRemoved, Member: gone, PreviousStatus: m.Status})
	}

	curUnreachableList := cur.Unreachable()
	curUnreachable := nodesOf(curUnreachableList)
	for _, m := range curUnreachableList {
		if !oldUnreachable.Contains(m.Node) {
			events = append(events, Event{Type: UnreachableMember, Member: m})
		}
	}
	for _, m := range curMembers {
		if oldUnreachable.Contains(m.Node) && !curUnreachable.Contains(m.Node) {
			events = append(events, Event{Type: ReachableMember, Member: m})
		}
	}

	leader, hasLeader := cur.Leader()
	if leader != oldLeader || hasLeader != oldHasLeader {
		events = append(events, Event{Type: LeaderChanged, Leader: leader, HasLeader: hasLeader})
	}
	if converged := cur.Convergence(); converged != oldConverged {
		events = append(events, Event{Type: ConvergenceChanged, Converged: converged})
	}
	return events
}

func nodesOf(ms []member.Member) member.Set {
	s := make(member.Set, len(ms))
	for _, m := range ms {
		s[m.Node] = struct{}{}
	}
	return s
}
