package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clusterd/internal/clock"
	"clusterd/internal/codec"
	"clusterd/internal/event"
	"clusterd/internal/gossip"
	"clusterd/internal/member"
	"clusterd/internal/membership"
	"clusterd/internal/reachability"
	"clusterd/internal/transport"
	"clusterd/internal/transport/loopback"
)

func testAddr(port int) member.Address { return member.Address{Host: "127.0.0.1", Port: port} }

func testNode(port int) member.UniqueAddress {
	return member.UniqueAddress{Address: testAddr(port), Incarnation: uint64(port)}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) Publish(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) has(typ event.Type, node member.UniqueAddress) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == typ && e.Member.Node == node {
			return true
		}
	}
	return false
}

// cluster steps several coordinators synchronously over a loopback
// network.
type cluster struct {
	t       *testing.T
	net     *loopback.Network
	clock   *fakeClock
	cfg     Config
	nodes   []*Coordinator
	events  map[member.UniqueAddress]*recorder
	crashed map[member.UniqueAddress]bool
}

func newCluster(t *testing.T, cfg Config) *cluster {
	t.Helper()
	return &cluster{
		t:       t,
		net:     loopback.NewNetwork(loopback.WithCodec(codec.Proto{})),
		clock:   &fakeClock{t: time.Unix(1_700_000_000, 0)},
		cfg:     cfg,
		events:  make(map[member.UniqueAddress]*recorder),
		crashed: make(map[member.UniqueAddress]bool),
	}
}

func (cl *cluster) add(self member.UniqueAddress) *Coordinator {
	cl.t.Helper()
	rec := &recorder{}
	c, err := New(cl.cfg, self, cl.net.NewTransport(self.Address),
		WithClock(cl.clock.Now), WithPublisher(rec))
	require.NoError(cl.t, err)
	cl.nodes = append(cl.nodes, c)
	cl.events[self] = rec
	return c
}

func (cl *cluster) live() []*Coordinator {
	var out []*Coordinator
	for _, c := range cl.nodes {
		if !c.halted && !cl.crashed[c.self] {
			out = append(out, c)
		}
	}
	return out
}

// pump processes messages until every mailbox is empty.
func (cl *cluster) pump() {
	cl.t.Helper()
	for i := 0; i < 1000; i++ {
		n := 0
		for _, c := range cl.live() {
			n += c.drain()
		}
		if n == 0 {
			return
		}
	}
	cl.t.Fatal("message storm: mailboxes never drained")
}

// rounds advances the clock by d and runs every periodic task once, n
// times.
func (cl *cluster) rounds(n int, d time.Duration) {
	cl.t.Helper()
	for i := 0; i < n; i++ {
		cl.clock.Advance(d)
		for _, c := range cl.live() {
			c.heartbeatTick()
			c.gossipTick()
			c.retryJoin()
		}
		cl.pump()
		for _, c := range cl.live() {
			c.reapUnreachable()
			c.leaderActions()
		}
		cl.pump()
	}
}

func (cl *cluster) crash(c *Coordinator) {
	cl.crashed[c.self] = true
	cl.net.Kill(c.self.Address)
}

func statuses(c *Coordinator) map[member.UniqueAddress]member.Status {
	out := map[member.UniqueAddress]member.Status{}
	for _, m := range c.CurrentMembers() {
		out[m.Node] = m.Status
	}
	return out
}

// formCluster self-joins the first node and joins the others through it.
func (cl *cluster) formCluster(ports ...int) []*Coordinator {
	cl.t.Helper()
	var cs []*Coordinator
	for _, p := range ports {
		cs = append(cs, cl.add(testNode(p)))
	}
	require.NoError(cl.t, cs[0].join(nil))
	for _, c := range cs[1:] {
		require.NoError(cl.t, c.join([]member.Address{cs[0].self.Address}))
		cl.pump()
	}
	cl.rounds(10, time.Second)
	return cs
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MailboxSize = 4096
	return cfg
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.VirtualNodesFactor = 0
	_, err := New(cfg, testNode(1), loopback.NewNetwork().NewTransport(testAddr(1)))
	assert.Error(t, err)

	_, err = New(testConfig(), member.UniqueAddress{}, loopback.NewNetwork().NewTransport(testAddr(1)))
	assert.ErrorIs(t, err, member.ErrInvalidAddress)
}

func TestSelfJoin(t *testing.T) {
	cl := newCluster(t, testConfig())
	a := cl.add(testNode(1))

	_, ok := a.SelfStatus()
	assert.False(t, ok, "not a member before joining")

	require.NoError(t, a.join(nil))
	status, ok := a.SelfStatus()
	require.True(t, ok)
	assert.Equal(t, member.Up, status)
	leader, ok := a.Leader()
	require.True(t, ok)
	assert.Equal(t, a.self, leader)
	assert.True(t, a.State().Convergence())

	m, err := a.State().SelfMember()
	require.NoError(t, err)
	assert.Equal(t, 1, m.UpNumber)
	assert.True(t, cl.events[a.self].has(event.MemberUp, a.self))

	assert.ErrorIs(t, a.join(nil), ErrAlreadyMember)
}

func TestSelfJoin_FirstSeedIsSelf(t *testing.T) {
	cl := newCluster(t, testConfig())
	a := cl.add(testNode(1))
	require.NoError(t, a.join([]member.Address{testAddr(1), testAddr(2)}))
	status, _ := a.SelfStatus()
	assert.Equal(t, member.Up, status)
}

func TestJoin_ThreeNodesConverge(t *testing.T) {
	cl := newCluster(t, testConfig())
	cs := cl.formCluster(1, 2, 3)

	for _, c := range cs {
		st := statuses(c)
		require.Len(t, st, 3, "node %s", c.self)
		for n, s := range st {
			assert.Equal(t, member.Up, s, "%s seen by %s", n, c.self)
		}
		leader, ok := c.Leader()
		require.True(t, ok)
		assert.Equal(t, cs[0].self, leader)
		assert.True(t, c.State().Convergence(), "node %s", c.self)
	}

	ups := map[int]bool{}
	for _, m := range cs[0].CurrentMembers() {
		ups[m.UpNumber] = true
	}
	assert.Equal(t, map[int]bool{1: true, 2: true, 3: true}, ups)
	assert.True(t, cl.events[cs[2].self].has(event.MemberUp, cs[1].self))
}

func TestCrashedNodeIsDownedAndRemoved(t *testing.T) {
	cl := newCluster(t, testConfig())
	cs := cl.formCluster(1, 2, 3)
	a, b, c := cs[0], cs[1], cs[2]

	cl.crash(c)
	cl.rounds(10, time.Second)

	for _, n := range []*Coordinator{a, b} {
		un := n.CurrentUnreachable()
		require.Len(t, un, 1, "node %s", n.self)
		assert.Equal(t, c.self, un[0].Node)
		assert.True(t, n.State().Convergence(), "unreachable members do not block convergence")
		assert.Len(t, n.CurrentMembers(), 3, "unreachability alone never removes")
	}
	assert.True(t, cl.events[a.self].has(event.UnreachableMember, c.self))

	require.NoError(t, a.changeStatus(c.self.Address, member.Down))
	cl.pump()
	cl.rounds(3, time.Second)

	for _, n := range []*Coordinator{a, b} {
		st := statuses(n)
		assert.Len(t, st, 2, "node %s", n.self)
		assert.NotContains(t, st, c.self)
		assert.Empty(t, n.CurrentUnreachable())
	}
	assert.True(t, cl.events[b.self].has(event.MemberRemoved, c.self))
	assert.True(t, a.isTombstoned(c.self))
	assert.True(t, b.isTombstoned(c.self))
}

func TestLeave_NodeExitsAndShutsDown(t *testing.T) {
	cl := newCluster(t, testConfig())
	cs := cl.formCluster(1, 2, 3)
	a, b, c := cs[0], cs[1], cs[2]

	require.NoError(t, c.changeStatus(c.self.Address, member.Leaving))
	cl.pump()
	cl.rounds(5, time.Second)

	for _, n := range []*Coordinator{a, b} {
		assert.NotContains(t, statuses(n), c.self, "node %s", n.self)
	}
	assert.True(t, c.Removed())
	status, ok := c.SelfStatus()
	require.True(t, ok)
	assert.Equal(t, member.Removed, status)
	assert.True(t, cl.events[c.self].has(event.MemberRemoved, c.self))
	assert.True(t, cl.events[a.self].has(event.MemberExited, c.self))
	assert.NoError(t, c.Err())
}

func TestLeave_LastMemberRemovesItself(t *testing.T) {
	cl := newCluster(t, testConfig())
	a := cl.add(testNode(1))
	require.NoError(t, a.join(nil))

	require.NoError(t, a.changeStatus(a.self.Address, member.Leaving))
	cl.pump()
	cl.rounds(3, time.Second)

	assert.True(t, a.halted)
	assert.True(t, a.Removed())
	status, ok := a.SelfStatus()
	require.True(t, ok)
	assert.Equal(t, member.Removed, status)
	assert.True(t, cl.events[a.self].has(event.MemberExited, a.self))
	assert.True(t, cl.events[a.self].has(event.MemberRemoved, a.self))
	assert.NoError(t, a.Err())
}

func TestLeave_LeaderHandsOver(t *testing.T) {
	cl := newCluster(t, testConfig())
	cs := cl.formCluster(1, 2, 3)
	a, b := cs[0], cs[1]

	require.NoError(t, a.changeStatus(a.self.Address, member.Leaving))
	cl.pump()
	cl.rounds(6, time.Second)

	assert.True(t, a.Removed())
	leader, ok := b.Leader()
	require.True(t, ok)
	assert.Equal(t, b.self, leader)
	assert.Len(t, b.CurrentMembers(), 2)
}

func TestCommands_Errors(t *testing.T) {
	cl := newCluster(t, testConfig())
	cs := cl.formCluster(1, 2)
	a, b := cs[0], cs[1]

	assert.ErrorIs(t, a.changeStatus(testAddr(9), member.Leaving), ErrUnknownMember)

	require.NoError(t, a.changeStatus(b.self.Address, member.Down))
	assert.ErrorIs(t, a.changeStatus(b.self.Address, member.Leaving), member.ErrInvalidTransition)
	assert.NoError(t, a.changeStatus(b.self.Address, member.Down), "repeating a command is a no-op")

	lonely := cl.add(testNode(5))
	assert.ErrorIs(t, lonely.changeStatus(testAddr(5), member.Leaving), ErrUnknownMember)
}

func TestStaleIncarnationRejoin(t *testing.T) {
	cfg := testConfig()
	cl := newCluster(t, cfg)
	cs := cl.formCluster(1, 2)
	a, b := cs[0], cs[1]

	// b restarts with a new incarnation on the same address.
	cl.crash(b)
	require.NoError(t, b.tr.Close())
	cl.net.Revive(b.self.Address)
	b2 := cl.add(member.UniqueAddress{Address: b.self.Address, Incarnation: 99})
	require.NoError(t, b2.join([]member.Address{a.self.Address}))
	cl.pump()

	old, ok := a.State().Member(b.self)
	if ok {
		assert.Equal(t, member.Down, old.Status)
	}
	cl.rounds(5, time.Second)

	st := statuses(a)
	assert.NotContains(t, st, b.self)
	assert.Equal(t, member.Up, st[b2.self])
	status, ok := b2.SelfStatus()
	require.True(t, ok)
	assert.Equal(t, member.Up, status)
}

func TestInvalidGossipIsDropped(t *testing.T) {
	cl := newCluster(t, testConfig())
	cs := cl.formCluster(1, 2)
	a, b := cs[0], cs[1]
	before := a.State().Gossip()

	bad := gossip.New(upMember(a.self, 1), upMember(b.self, 2)).
		WithReachability(reachability.Empty().Unreachable(b.self, testNode(7))).
		Increment(b.self).Increment(b.self).Increment(b.self)
	require.Error(t, bad.Validate())
	a.receiveGossip(transport.GossipEnvelope{From: b.self, To: a.self, Gossip: bad})
	assert.True(t, before.Equal(a.State().Gossip()))

	err := cl.net.Inject(a.self.Address, []byte{0x0a, 0xff})
	assert.ErrorIs(t, err, codec.ErrMalformed)
	cl.pump()
	assert.True(t, before.Equal(a.State().Gossip()))
}

func TestGossipToAnotherIncarnationIsDropped(t *testing.T) {
	cl := newCluster(t, testConfig())
	cs := cl.formCluster(1, 2)
	a, b := cs[0], cs[1]
	before := a.State().Gossip()

	g := b.State().Gossip().WithMember(member.New(testNode(8))).Increment(b.self)
	a.receiveGossip(transport.GossipEnvelope{From: b.self, To: member.UniqueAddress{Address: a.self.Address, Incarnation: 42}, Gossip: g})
	assert.True(t, before.Equal(a.State().Gossip()))
}

func TestTombstoneBlocksResurrection(t *testing.T) {
	cl := newCluster(t, testConfig())
	cs := cl.formCluster(1, 2, 3)
	a, b, c := cs[0], cs[1], cs[2]
	stale := b.State().Gossip()

	cl.crash(c)
	require.NoError(t, a.changeStatus(c.self.Address, member.Down))
	cl.pump()
	cl.rounds(3, time.Second)
	require.NotContains(t, statuses(a), c.self)

	// A gossip that never saw the removal, concurrent with a's.
	resurrect := stale.OnlySeen(b.self)
	for i := 0; i < 20; i++ {
		resurrect = resurrect.Increment(b.self)
	}
	require.Equal(t, clock.Concurrent, a.State().Gossip().Compare(resurrect))
	a.receiveGossip(transport.GossipEnvelope{From: b.self, To: a.self, Gossip: resurrect})
	assert.NotContains(t, statuses(a), c.self)
	assert.Contains(t, statuses(a), b.self)

	// The removed node itself is ignored.
	before := a.State().Gossip()
	a.receiveGossip(transport.GossipEnvelope{From: c.self, To: a.self, Gossip: stale})
	assert.True(t, before.Equal(a.State().Gossip()))
}

func TestTombstonesArePruned(t *testing.T) {
	cfg := testConfig()
	cfg.PruneTombstonesAfter = time.Hour
	cl := newCluster(t, cfg)
	a := cl.add(testNode(1))
	a.tombstones[testNode(9)] = cl.clock.Now()
	cl.clock.Advance(30 * time.Minute)
	a.pruneTombstones()
	assert.True(t, a.isTombstoned(testNode(9)))
	cl.clock.Advance(31 * time.Minute)
	a.pruneTombstones()
	assert.False(t, a.isTombstoned(testNode(9)))
}

func TestWeaklyUpWhileUnreachable(t *testing.T) {
	cfg := testConfig()
	cfg.Policy.StrictUnreachableConvergence = true
	cl := newCluster(t, cfg)
	cs := cl.formCluster(1, 2, 3)
	a, c := cs[0], cs[2]

	cl.crash(c)
	cl.rounds(10, time.Second)
	require.False(t, a.State().Convergence())

	d := cl.add(testNode(4))
	require.NoError(t, d.join([]member.Address{a.self.Address}))
	cl.pump()
	cl.rounds(3, time.Second)

	assert.Equal(t, member.WeaklyUp, statuses(a)[d.self])
	assert.True(t, cl.events[a.self].has(event.MemberWeaklyUp, d.self))
}

func TestHeartbeatsFeedDetectors(t *testing.T) {
	cl := newCluster(t, testConfig())
	cs := cl.formCluster(1, 2, 3)
	a := cs[0]

	assert.ElementsMatch(t, []member.UniqueAddress{cs[1].self, cs[2].self}, a.heartbeatReceivers())
	for _, n := range cs[1:] {
		assert.True(t, a.detectors.IsMonitoring(n.self.String()))
		assert.True(t, a.detectors.IsAvailable(n.self.String(), cl.clock.Now()))
	}

	// Responses from non receivers are ignored.
	a.heartbeatFrom(testNode(9), cl.clock.Now())
	assert.False(t, a.detectors.IsMonitoring(testNode(9).String()))
}

func TestHeartbeatReceiversAreBounded(t *testing.T) {
	cfg := testConfig()
	cfg.MonitoredByNrOfMembers = 2
	cl := newCluster(t, cfg)
	cs := cl.formCluster(1, 2, 3, 4, 5)
	for _, c := range cs {
		recv := c.heartbeatReceivers()
		assert.Len(t, recv, 2)
		assert.NotContains(t, recv, c.self)
	}
}

func TestGossipStatusExchange(t *testing.T) {
	cl := newCluster(t, testConfig())
	cs := cl.formCluster(1, 2)
	a, b := cs[0], cs[1]

	// b lags behind; a version-only message makes it ask for the gossip.
	newer := a.State().Gossip().Increment(a.self).OnlySeen(a.self)
	a.setGossip(newer)
	b.receiveGossipStatus(transport.GossipStatus{From: a.self, To: b.self, Version: newer.Version()})
	cl.pump()
	assert.True(t, b.State().Gossip().Version().Equal(newer.Version()))
}

func TestHalt(t *testing.T) {
	var got error
	cl := newCluster(t, testConfig())
	c, err := New(testConfig(), testNode(1), cl.net.NewTransport(testAddr(1)),
		WithFatalHandler(func(err error) { got = err }))
	require.NoError(t, err)

	c.halt(membership.ErrSelfNotFound)
	assert.ErrorIs(t, c.Err(), membership.ErrSelfNotFound)
	assert.ErrorIs(t, got, membership.ErrSelfNotFound)
	assert.True(t, c.halted)
}

func TestRunLoop(t *testing.T) {
	cfg := testConfig()
	cfg.GossipInterval = 10 * time.Millisecond
	cfg.LeaderActionsInterval = 10 * time.Millisecond
	net := loopback.NewNetwork()
	c, err := New(cfg, testNode(1), net.NewTransport(testAddr(1)))
	require.NoError(t, err)
	c.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Join(ctx, nil))
	assert.Eventually(t, func() bool {
		s, ok := c.SelfStatus()
		return ok && s == member.Up
	}, time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, c.Join(ctx, nil), ErrAlreadyMember)
	assert.ErrorIs(t, c.Leave(ctx, testAddr(9)), ErrUnknownMember)

	c.Stop()
	select {
	case <-c.Done():
	default:
		t.Fatal("done not closed after Stop")
	}
	err = c.Down(ctx, testAddr(1))
	assert.True(t, errors.Is(err, ErrStopped), "got %v", err)
}
