package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"clusterd/internal/member"
	"clusterd/internal/membership"
)

// Membership collects the metrics of one coordinator. A nil *Membership is
// valid and records nothing.
type Membership struct {
	Members       *prometheus.GaugeVec
	Unreachable   prometheus.Gauge
	IsLeader      prometheus.Gauge
	Converged     prometheus.Gauge
	Tombstones    prometheus.Gauge
	GossipResult  *prometheus.CounterVec
	Received      *prometheus.CounterVec
	Sent          *prometheus.CounterVec
	MailboxDrops  prometheus.Counter
	LeaderActions *prometheus.CounterVec
	Phi           *prometheus.GaugeVec
}

// NewMembership creates the membership metrics and registers them with
// reg. The node label distinguishes several nodes sharing one registry.
func NewMembership(reg prometheus.Registerer, node string) (*Membership, error) {
	labels := prometheus.Labels{"node": node}
	m := &Membership{
		Members: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "membership", Name: "members",
			Help: "Number of members by status.", ConstLabels: labels,
		}, []string{"status"}),
		Unreachable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "membership", Name: "unreachable_members",
			Help: "Number of members some observer cannot reach.", ConstLabels: labels,
		}),
		IsLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "membership", Name: "is_leader",
			Help: "1 if this node is the leader.", ConstLabels: labels,
		}),
		Converged: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "membership", Name: "converged",
			Help: "1 if the local gossip has converged.", ConstLabels: labels,
		}),
		Tombstones: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "membership", Name: "tombstones",
			Help: "Number of removed nodes remembered.", ConstLabels: labels,
		}),
		GossipResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gossip", Name: "received_total",
			Help: "Received gossips by outcome.", ConstLabels: labels,
		}, []string{"outcome"}),
		Received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "messages_received_total",
			Help: "Inbound messages by kind.", ConstLabels: labels,
		}, []string{"kind"}),
		Sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "messages_sent_total",
			Help: "Outbound messages by kind.", ConstLabels: labels,
		}, []string{"kind"}),
		MailboxDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "coordinator", Name: "mailbox_dropped_total",
			Help: "Inbound messages dropped because the mailbox was full.", ConstLabels: labels,
		}),
		LeaderActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "coordinator", Name: "leader_actions_total",
			Help: "Member transitions applied by the leader.", ConstLabels: labels,
		}, []string{"to"}),
		Phi: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "detector", Name: "phi",
			Help: "Current phi value per monitored peer.", ConstLabels: labels,
		}, []string{"peer"}),
	}
	for _, c := range []prometheus.Collector{
		m.Members, m.Unreachable, m.IsLeader, m.Converged, m.Tombstones,
		m.GossipResult, m.Received, m.Sent, m.MailboxDrops, m.LeaderActions, m.Phi,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveState updates the gauges derived from s.
func (m *Membership) ObserveState(s *membership.State) {
	if m == nil {
		return
	}
	counts := map[member.Status]int{}
	for _, mem := range s.Members() {
		counts[mem.Status]++
	}
	for st := member.Joining; st < member.Removed; st++ {
		m.Members.WithLabelValues(st.String()).Set(float64(counts[st]))
	}
	m.Unreachable.Set(float64(len(s.Unreachable())))
	m.IsLeader.Set(boolGauge(s.IsLeader(s.Self())))
	m.Converged.Set(boolGauge(s.Convergence()))
}

// GossipOutcome counts one received gossip.
func (m *Membership) GossipOutcome(outcome string) {
	if m == nil {
		return
	}
	m.GossipResult.WithLabelValues(outcome).Inc()
}

// MessageReceived counts one inbound message.
func (m *Membership) MessageReceived(kind string) {
	if m == nil {
		return
	}
	m.Received.WithLabelValues(kind).Inc()
}

// MessageSent counts one outbound message.
func (m *Membership) MessageSent(kind string) {
	if m == nil {
		return
	}
	m.Sent.WithLabelValues(kind).Inc()
}

// MailboxDropped counts one message lost to a full mailbox.
func (m *Membership) MailboxDropped() {
	if m == nil {
		return
	}
	m.MailboxDrops.Inc()
}

// LeaderAction counts one transition to status to.
func (m *Membership) LeaderAction(to member.Status) {
	if m == nil {
		return
	}
	m.LeaderActions.WithLabelValues(to.String()).Inc()
}

// SetTombstones records the size of the tombstone registry.
func (m *Membership) SetTombstones(n int) {
	if m == nil {
		return
	}
	m.Tombstones.Set(float64(n))
}

// SetPhi records the phi value of peer.
func (m *Membership) SetPhi(peer string, phi float64) {
	if m == nil {
		return
	}
	m.Phi.WithLabelValues(peer).Set(phi)
}

// ForgetPeer drops the per-peer series of peer.
func (m *Membership) ForgetPeer(peer string) {
	if m == nil {
		return
	}
	m.Phi.DeleteLabelValues(peer)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
