package it

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"clusterd/internal/codec"
	"clusterd/internal/coordinator"
	"clusterd/internal/detector"
	"clusterd/internal/event"
	"clusterd/internal/member"
	"clusterd/internal/membership"
	"clusterd/internal/transport/loopback"
)

// FastConfig returns coordinator settings scaled down so that scenarios
// finish in seconds.
func FastConfig() coordinator.Config {
	cfg := coordinator.DefaultConfig()
	cfg.GossipInterval = 20 * time.Millisecond
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.LeaderActionsInterval = 20 * time.Millisecond
	cfg.UnreachableReaperInterval = 20 * time.Millisecond
	cfg.RetryJoinInterval = 100 * time.Millisecond
	cfg.ExpectedResponseAfter = 200 * time.Millisecond
	cfg.Detector = detector.Settings{
		Threshold:                8,
		MaxSampleSize:            200,
		MinStdDeviation:          20 * time.Millisecond,
		AcceptableHeartbeatPause: 200 * time.Millisecond,
		FirstHeartbeatEstimate:   20 * time.Millisecond,
	}
	return cfg
}

// Cluster represents a test cluster of in-process nodes on a loopback
// network.
type Cluster struct {
	cfg   coordinator.Config
	net   *loopback.Network
	log   *zap.Logger
	nodes []*Node
	mu    sync.Mutex
}

// Node represents a single node in the test cluster.
type Node struct {
	ID     string
	Addr   member.Address
	coord  *coordinator.Coordinator
	tr     *loopback.Transport
	events *event.Bus

	mu   sync.Mutex
	seen []event.Event
	stop func()
}

// NewCluster creates a new test cluster harness. Messages are encoded and
// decoded with c on every hop; a nil codec passes them through.
func NewCluster(cfg coordinator.Config, c codec.Codec) *Cluster {
	var opts []loopback.Option
	if c != nil {
		opts = append(opts, loopback.WithCodec(c))
	}
	return &Cluster{
		cfg: cfg,
		net: loopback.NewNetwork(opts...),
		log: zap.NewNop(),
	}
}

// Network returns the loopback network, for partitions and filters.
func (c *Cluster) Network() *loopback.Network { return c.net }

func nodeAddr(port int) member.Address {
	return member.Address{Host: "127.0.0.1", Port: port}
}

// StartNode starts a node on port and joins it through seeds. Without
// seeds the node starts a cluster of its own.
func (c *Cluster) StartNode(ctx context.Context, nodeID string, port int, seeds []member.Address) (*Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	addr := nodeAddr(port)
	self := member.UniqueAddress{Address: addr, Incarnation: member.NewIncarnation()}
	bus := event.NewBus()
	tr := c.net.NewTransport(addr)
	coord, err := coordinator.New(c.cfg, self, tr,
		coordinator.WithLogger(c.log.With(zap.String("id", nodeID))),
		coordinator.WithPublisher(bus),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create node %s: %w", nodeID, err)
	}
	node := &Node{ID: nodeID, Addr: addr, coord: coord, tr: tr, events: bus}
	node.stop = bus.Handle(1024, event.HandlerFunc(node.record))
	coord.Start()

	if err := coord.Join(ctx, seeds); err != nil {
		node.Stop()
		return nil, fmt.Errorf("node %s failed to join: %w", nodeID, err)
	}
	for i, n := range c.nodes {
		if n.ID == nodeID {
			c.nodes[i] = node
			return node, nil
		}
	}
	c.nodes = append(c.nodes, node)
	return node, nil
}

// StartCluster starts size nodes; the first one is the seed of the others.
func (c *Cluster) StartCluster(ctx context.Context, size int) error {
	basePort := 60051
	for i := 1; i <= size; i++ {
		var seeds []member.Address
		if i > 1 {
			seeds = []member.Address{nodeAddr(basePort)}
		}
		if _, err := c.StartNode(ctx, fmt.Sprintf("n%d", i), basePort+i-1, seeds); err != nil {
			c.Stop()
			return err
		}
	}
	return c.WaitFor(ctx, 10*time.Second, func() bool { return c.AllUp(size) })
}

// GetNode returns a node by ID.
func (c *Cluster) GetNode(nodeID string) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, n := range c.nodes {
		if n.ID == nodeID {
			return n
		}
	}
	return nil
}

// Running returns the nodes whose coordinator is still running.
func (c *Cluster) Running() []*Node {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*Node
	for _, n := range c.nodes {
		select {
		case <-n.coord.Done():
		default:
			out = append(out, n)
		}
	}
	return out
}

// AllUp reports whether every running node sees exactly size Up members
// and convergence.
func (c *Cluster) AllUp(size int) bool {
	running := c.Running()
	if len(running) == 0 {
		return false
	}
	for _, n := range running {
		if n.CountStatus(member.Up) != size || len(n.Members()) != size || !n.State().Convergence() {
			return false
		}
	}
	return true
}

// KillNode crashes a node: its traffic is dropped and its loop stops.
func (c *Cluster) KillNode(nodeID string) error {
	n := c.GetNode(nodeID)
	if n == nil {
		return fmt.Errorf("node %s not found", nodeID)
	}
	c.net.Kill(n.Addr)
	n.Stop()
	return nil
}

// RestartNode starts a new incarnation of a killed node on the same
// address and joins it through seeds.
func (c *Cluster) RestartNode(ctx context.Context, nodeID string, seeds []member.Address) (*Node, error) {
	n := c.GetNode(nodeID)
	if n == nil {
		return nil, fmt.Errorf("node %s not found", nodeID)
	}
	n.Stop()
	c.net.Revive(n.Addr)
	return c.StartNode(ctx, nodeID, n.Addr.Port, seeds)
}

// WaitFor polls cond until it holds or timeout expires.
func (c *Cluster) WaitFor(ctx context.Context, timeout time.Duration, cond func() bool) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if cond() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return fmt.Errorf("timeout after %s", timeout)
			}
		}
	}
}

// Stop stops all nodes in the cluster.
func (c *Cluster) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, node := range c.nodes {
		node.Stop()
	}
	c.nodes = nil
}

// Stop stops the node's loop and closes its transport and event bus.
func (n *Node) Stop() {
	n.coord.Stop()
	n.tr.Close()
	n.stop()
	n.events.Close()
}

func (n *Node) record(e event.Event) {
	n.mu.Lock()
	n.seen = append(n.seen, e)
	n.mu.Unlock()
}

// Coordinator returns the node's coordinator.
func (n *Node) Coordinator() *coordinator.Coordinator { return n.coord }

// Self returns the node's unique address.
func (n *Node) Self() member.UniqueAddress { return n.coord.Self() }

// State returns the node's current membership state.
func (n *Node) State() *membership.State { return n.coord.State() }

// Members returns the node's current members.
func (n *Node) Members() []member.Member { return n.coord.CurrentMembers() }

// CountStatus counts the members with status s.
func (n *Node) CountStatus(s member.Status) int {
	count := 0
	for _, m := range n.Members() {
		if m.Status == s {
			count++
		}
	}
	return count
}

// Status returns the status the node has for node, if it is a member.
func (n *Node) Status(node member.UniqueAddress) (member.Status, bool) {
	m, ok := n.coord.State().Member(node)
	return m.Status, ok
}

// Unreachable returns the nodes some observer cannot reach, as seen by n.
func (n *Node) Unreachable() []member.UniqueAddress {
	var out []member.UniqueAddress
	for _, m := range n.coord.CurrentUnreachable() {
		out = append(out, m.Node)
	}
	return out
}

// Saw reports whether n published an event of type typ about node.
func (n *Node) Saw(typ event.Type, node member.UniqueAddress) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range n.seen {
		if e.Type == typ && e.Member.Node == node {
			return true
		}
	}
	return false
}
