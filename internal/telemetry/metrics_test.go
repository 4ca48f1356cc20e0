package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clusterd/internal/gossip"
	"clusterd/internal/member"
	"clusterd/internal/membership"
	"clusterd/internal/reachability"
)

func node(host string) member.UniqueAddress {
	return member.UniqueAddress{Address: member.Address{Host: host, Port: 7946}, Incarnation: 1}
}

func TestInstrument(t *testing.T) {
	h := Instrument("test_op", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("test_op", "4xx"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(RequestsTotal.WithLabelValues("test_op", "4xx")))
	assert.Equal(t, 0.0, testutil.ToFloat64(InFlight.WithLabelValues("test_op")))
}

func TestMembership_ObserveState(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMembership(reg, "a")
	require.NoError(t, err)

	a, b, c := node("a"), node("b"), node("c")
	g := gossip.New(
		member.Member{Node: a, Status: member.Up, UpNumber: 1},
		member.Member{Node: b, Status: member.Up, UpNumber: 2},
		member.Member{Node: c, Status: member.Joining},
	).WithReachability(reachability.Empty().Unreachable(a, b))
	m.ObserveState(membership.New(a, g, membership.Policy{}))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Members.WithLabelValues("Up")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Members.WithLabelValues("Joining")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Members.WithLabelValues("Down")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Unreachable))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IsLeader))
}

func TestMembership_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMembership(reg, "a")
	require.NoError(t, err)

	m.GossipOutcome("newer")
	m.GossipOutcome("newer")
	m.MessageSent("heartbeat")
	m.MailboxDropped()
	m.LeaderAction(member.Up)
	m.SetPhi("b", 1.5)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.GossipResult.WithLabelValues("newer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Sent.WithLabelValues("heartbeat")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MailboxDrops))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LeaderActions.WithLabelValues("Up")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.Phi))
	m.ForgetPeer("b")
	assert.Equal(t, 0, testutil.CollectAndCount(m.Phi))
}

func TestMembership_TwoNodesShareRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMembership(reg, "a")
	require.NoError(t, err)
	_, err = NewMembership(reg, "b")
	require.NoError(t, err)
	_, err = NewMembership(reg, "a")
	assert.Error(t, err)
}

func TestMembership_NilIsNoop(t *testing.T) {
	var m *Membership
	m.GossipOutcome("x")
	m.MessageReceived("x")
	m.SetPhi("x", 1)
	m.ForgetPeer("x")
	m.ObserveState(nil)
}
