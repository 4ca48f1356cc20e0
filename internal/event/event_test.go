package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clusterd/internal/gossip"
	"clusterd/internal/member"
	"clusterd/internal/membership"
	"clusterd/internal/reachability"
)

func node(host string) member.UniqueAddress {
	return member.UniqueAddress{Address: member.Address{Host: host, Port: 2552}, Incarnation: 1}
}

var (
	nodeA = node("a")
	nodeB = node("b")
	nodeC = node("c")
)

func state(g gossip.Gossip) *membership.State {
	return membership.New(nodeA, g, membership.Policy{})
}

func types(events []Event) []Type {
	out := make([]Type, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func TestDiff_FromNothing(t *testing.T) {
	g := gossip.New(member.Member{Node: nodeA, Status: member.Up, UpNumber: 1}, member.New(nodeB)).Seen(nodeA)
	events := Diff(nil, state(g))
	assert.Equal(t, []Type{MemberUp, MemberJoined, LeaderChanged, ConvergenceChanged}, types(events))
	assert.Equal(t, nodeA, events[2].Leader)
	assert.True(t, events[3].Converged)
}

func TestDiff_StatusChangesAndRemoval(t *testing.T) {
	old := gossip.New(
		member.Member{Node: nodeA, Status: member.Up, UpNumber: 1},
		member.Member{Node: nodeB, Status: member.Up, UpNumber: 2},
		member.Member{Node: nodeC, Status: member.Down, UpNumber: 3},
	).Seen(nodeA).Seen(nodeB)
	cur := old.WithMember(member.Member{Node: nodeB, Status: member.Leaving, UpNumber: 2}).WithoutMember(nodeC)

	events := Diff(state(old), state(cur))
	require.Equal(t, []Type{MemberLeft, MemberRemoved}, types(events))
	assert.Equal(t, nodeB, events[0].Member.Node)
	assert.Equal(t, member.Removed, events[1].Member.Status)
	assert.Equal(t, member.Down, events[1].PreviousStatus)
}

func TestDiff_Reachability(t *testing.T) {
	base := gossip.New(
		member.Member{Node: nodeA, Status: member.Up, UpNumber: 1},
		member.Member{Node: nodeB, Status: member.Up, UpNumber: 2},
	).Seen(nodeA).Seen(nodeB)
	r := reachability.Empty().Unreachable(nodeA, nodeB)
	unreachable := base.WithReachability(r)
	back := base.WithReachability(r.Reachable(nodeA, nodeB))

	assert.Equal(t, []Type{UnreachableMember}, types(Diff(state(base), state(unreachable))))
	assert.Equal(t, []Type{ReachableMember}, types(Diff(state(unreachable), state(back))))
	assert.Empty(t, Diff(state(back), state(back)))
}

func TestDiff_LeaderChange(t *testing.T) {
	old := gossip.New(
		member.Member{Node: nodeA, Status: member.Up, UpNumber: 1},
		member.Member{Node: nodeB, Status: member.Up, UpNumber: 2},
	).Seen(nodeA).Seen(nodeB)
	cur := old.WithMember(member.Member{Node: nodeA, Status: member.Down, UpNumber: 1})

	events := Diff(state(old), membership.New(nodeB, cur, membership.Policy{}))
	assert.Contains(t, types(events), LeaderChanged)
	for _, e := range events {
		if e.Type == LeaderChanged {
			assert.Equal(t, nodeB, e.Leader)
		}
	}
}

func TestBus_PublishSubscribe(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(4)
	b.Publish(Event{Type: MemberUp, Member: member.New(nodeA)})

	select {
	case e := <-ch:
		assert.Equal(t, MemberUp, e.Type)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestBus_DropsWhenFull(t *testing.T) {
	b := NewBus()
	_, cancel := b.Subscribe(1)
	defer cancel()
	for i := 0; i < 3; i++ {
		b.Publish(Event{Type: MemberJoined})
	}
	assert.Equal(t, uint64(2), b.Dropped())
}

func TestBus_HandleAndClose(t *testing.T) {
	b := NewBus()
	got := make(chan Event, 1)
	b.Handle(1, HandlerFunc(func(e Event) { got <- e }))
	b.Publish(Event{Type: ConvergenceChanged, Converged: true})

	select {
	case e := <-got:
		assert.True(t, e.Converged)
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}

	b.Close()
	ch, _ := b.Subscribe(1)
	_, open := <-ch
	assert.False(t, open)
}
