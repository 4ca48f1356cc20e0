package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"clusterd/internal/detector"
	"clusterd/internal/event"
	"clusterd/internal/gossip"
	"clusterd/internal/member"
	"clusterd/internal/membership"
	"clusterd/internal/ring"
	"clusterd/internal/telemetry"
	"clusterd/internal/transport"
)

var (
	// ErrStopped is returned by commands issued after the coordinator
	// stopped.
	ErrStopped = errors.New("coordinator stopped")
	// ErrUnknownMember is returned by Leave and Down for an address that
	// is not a member.
	ErrUnknownMember = errors.New("unknown member")
	// ErrAlreadyMember is returned by Join when the node is already part
	// of a cluster.
	ErrAlreadyMember = errors.New("already a member")
)

// Config holds the protocol settings. Zero intervals disable the matching
// periodic task.
type Config struct {
	Roles []string

	GossipInterval            time.Duration
	HeartbeatInterval         time.Duration
	LeaderActionsInterval     time.Duration
	UnreachableReaperInterval time.Duration
	RetryJoinInterval         time.Duration
	PruneTombstonesAfter      time.Duration
	ExpectedResponseAfter     time.Duration

	MonitoredByNrOfMembers int
	VirtualNodesFactor     int
	Hasher                 ring.Hasher

	Detector             detector.Settings
	Policy               membership.Policy
	AllowWeaklyUpMembers bool

	GossipDifferentViewProbability       float64
	ReduceGossipDifferentViewProbability int

	MailboxSize int
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		GossipInterval:                       time.Second,
		HeartbeatInterval:                    time.Second,
		LeaderActionsInterval:                time.Second,
		UnreachableReaperInterval:            time.Second,
		RetryJoinInterval:                    10 * time.Second,
		PruneTombstonesAfter:                 24 * time.Hour,
		ExpectedResponseAfter:                time.Second,
		MonitoredByNrOfMembers:               5,
		VirtualNodesFactor:                   10,
		Detector:                             detector.DefaultSettings(),
		AllowWeaklyUpMembers:                 true,
		GossipDifferentViewProbability:       0.8,
		ReduceGossipDifferentViewProbability: 400,
		MailboxSize:                          1024,
	}
}

// Validate checks the settings the coordinator cannot run without.
func (c Config) Validate() error {
	if err := c.Detector.Validate(); err != nil {
		return err
	}
	if c.VirtualNodesFactor < 1 {
		return fmt.Errorf("%w: %d", ring.ErrInvalidFactor, c.VirtualNodesFactor)
	}
	if c.MonitoredByNrOfMembers < 1 {
		return fmt.Errorf("monitored-by-nr-of-members must be positive, got %d", c.MonitoredByNrOfMembers)
	}
	if c.MailboxSize < 1 {
		return fmt.Errorf("mailbox size must be positive, got %d", c.MailboxSize)
	}
	if c.GossipDifferentViewProbability < 0 || c.GossipDifferentViewProbability > 1 {
		return fmt.Errorf("gossip different view probability must be in [0, 1], got %v", c.GossipDifferentViewProbability)
	}
	return nil
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithPublisher sets where membership events are delivered.
func WithPublisher(p event.Publisher) Option {
	return func(c *Coordinator) { c.pub = p }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Membership) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithRand sets the random source used for gossip target selection.
func WithRand(r *rand.Rand) Option {
	return func(c *Coordinator) { c.rnd = r }
}

// WithViewProbability replaces the gossip different-view probability.
func WithViewProbability(p ViewProbability) Option {
	return func(c *Coordinator) { c.selector.Probability = p }
}

// WithFatalHandler sets the function called with an invariant violation
// right before the coordinator halts.
func WithFatalHandler(f func(error)) Option {
	return func(c *Coordinator) { c.fatal = f }
}

type nopPublisher struct{}

func (nopPublisher) Publish(event.Event) {}

// Coordinator runs the membership protocol for one node. All protocol
// state is owned by a single goroutine fed by a mailbox; readers use the
// atomically published membership.State.
type Coordinator struct {
	cfg      Config
	self     member.UniqueAddress
	tr       transport.Transport
	log      *zap.Logger
	pub      event.Publisher
	metrics  *telemetry.Membership
	now      func() time.Time
	rnd      *rand.Rand
	selector TargetSelector
	fatal    func(error)

	mailbox chan any
	state   atomic.Pointer[membership.State]
	err     atomic.Pointer[error]
	removed atomic.Bool

	// Owned by the loop goroutine.
	detectors   *detector.Registry
	hbRing      *ring.Ring
	receivers   map[member.UniqueAddress]struct{}
	firstHB     map[member.UniqueAddress]time.Time
	hbSeq       uint64
	tombstones  map[member.UniqueAddress]time.Time
	seeds       []member.Address
	joining     bool
	halted      bool
	ringMembers member.Set

	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	done      chan struct{}
}

// New creates a coordinator for self. It installs itself as the handler of
// tr; call Start to run the protocol.
func New(cfg Config, self member.UniqueAddress, tr transport.Transport, opts ...Option) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if self.IsZero() {
		return nil, fmt.Errorf("%w: empty self address", member.ErrInvalidAddress)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:        cfg,
		self:       self,
		tr:         tr,
		log:        zap.NewNop(),
		pub:        nopPublisher{},
		now:        time.Now,
		mailbox:    make(chan any, cfg.MailboxSize),
		detectors:  detector.NewRegistry(cfg.Detector),
		receivers:  make(map[member.UniqueAddress]struct{}),
		firstHB:    make(map[member.UniqueAddress]time.Time),
		tombstones: make(map[member.UniqueAddress]time.Time),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	c.selector = TargetSelector{Probability: LinearReduction{
		Base:        cfg.GossipDifferentViewProbability,
		ReduceAfter: cfg.ReduceGossipDifferentViewProbability,
	}}
	for _, o := range opts {
		o(c)
	}
	if c.rnd == nil {
		c.rnd = rand.New(rand.NewSource(int64(self.Incarnation)))
	}
	c.log = c.log.With(zap.Stringer("node", self))
	c.state.Store(membership.New(self, gossip.New(), cfg.Policy))
	tr.SetHandler(transport.HandlerFuncs{Receive: c.enqueue, Disconnect: c.disconnected})
	return c, nil
}

// Start launches the protocol loop.
func (c *Coordinator) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.run()
	})
}

// Stop stops the loop and waits for it to exit.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
}

// Done is closed when the loop exits: after Stop, after the node was
// removed from the cluster, or after a fatal error.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Err returns the fatal error that halted the loop, if any.
func (c *Coordinator) Err() error {
	if p := c.err.Load(); p != nil {
		return *p
	}
	return nil
}

// Removed reports whether the node learned that it was removed from the
// cluster.
func (c *Coordinator) Removed() bool { return c.removed.Load() }

// Self returns the local unique address.
func (c *Coordinator) Self() member.UniqueAddress { return c.self }

// State returns the latest membership state.
func (c *Coordinator) State() *membership.State { return c.state.Load() }

// CurrentMembers returns the members of the latest state.
func (c *Coordinator) CurrentMembers() []member.Member { return c.State().Members() }

// CurrentUnreachable returns the members some observer cannot reach.
func (c *Coordinator) CurrentUnreachable() []member.Member { return c.State().Unreachable() }

// SelfStatus returns the local member status. ok is false before the node
// joined; a removed node reports Removed.
func (c *Coordinator) SelfStatus() (member.Status, bool) {
	if c.removed.Load() {
		return member.Removed, true
	}
	m, err := c.State().SelfMember()
	if err != nil {
		return 0, false
	}
	return m.Status, true
}

// Leader returns the leader of the latest state.
func (c *Coordinator) Leader() (member.UniqueAddress, bool) { return c.State().Leader() }

type disconnect struct{ addr member.Address }

type heartbeatAt struct {
	from member.UniqueAddress
	at   time.Time
}

type command struct {
	fn    func() error
	reply chan error
}

type tickKind int

const (
	tickGossip tickKind = iota
	tickHeartbeat
	tickReaper
	tickLeader
	tickJoinRetry
	tickPrune
)

// enqueue hands msg to the loop without blocking. Messages arriving while
// the mailbox is full are dropped.
func (c *Coordinator) enqueue(msg transport.Message) {
	c.metrics.MessageReceived(msg.Kind().String())
	select {
	case c.mailbox <- msg:
	default:
		c.metrics.MailboxDropped()
		c.log.Debug("mailbox full, dropping message", zap.Stringer("kind", msg.Kind()), zap.Stringer("from", msg.Sender()))
	}
}

func (c *Coordinator) disconnected(addr member.Address) {
	select {
	case c.mailbox <- disconnect{addr}:
	default:
		c.metrics.MailboxDropped()
	}
}

// OnHeartbeat records a heartbeat from a monitored peer observed outside
// the message flow.
func (c *Coordinator) OnHeartbeat(from member.UniqueAddress, at time.Time) {
	select {
	case c.mailbox <- heartbeatAt{from, at}:
	default:
		c.metrics.MailboxDropped()
	}
}

// do runs fn on the loop goroutine and returns its error.
func (c *Coordinator) do(ctx context.Context, fn func() error) error {
	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case c.mailbox <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

func ticker(d time.Duration) (<-chan time.Time, func()) {
	if d <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(d)
	return t.C, t.Stop
}

func (c *Coordinator) run() {
	defer c.wg.Done()
	defer close(c.done)

	gossipC, stopGossip := ticker(c.cfg.GossipInterval)
	defer stopGossip()
	heartbeatC, stopHeartbeat := ticker(c.cfg.HeartbeatInterval)
	defer stopHeartbeat()
	reaperC, stopReaper := ticker(c.cfg.UnreachableReaperInterval)
	defer stopReaper()
	leaderC, stopLeader := ticker(c.cfg.LeaderActionsInterval)
	defer stopLeader()
	joinC, stopJoin := ticker(c.cfg.RetryJoinInterval)
	defer stopJoin()
	pruneInterval := c.cfg.PruneTombstonesAfter / 10
	if pruneInterval > time.Minute {
		pruneInterval = time.Minute
	}
	pruneC, stopPrune := ticker(pruneInterval)
	defer stopPrune()

	for !c.halted {
		select {
		case <-c.ctx.Done():
			return
		case m := <-c.mailbox:
			c.process(m)
		case <-gossipC:
			c.tick(tickGossip)
		case <-heartbeatC:
			c.tick(tickHeartbeat)
		case <-reaperC:
			c.tick(tickReaper)
		case <-leaderC:
			c.tick(tickLeader)
		case <-joinC:
			c.tick(tickJoinRetry)
		case <-pruneC:
			c.tick(tickPrune)
		}
	}
}

func (c *Coordinator) tick(k tickKind) {
	switch k {
	case tickGossip:
		c.gossipTick()
	case tickHeartbeat:
		c.heartbeatTick()
	case tickReaper:
		c.reapUnreachable()
	case tickLeader:
		c.leaderActions()
	case tickJoinRetry:
		c.retryJoin()
	case tickPrune:
		c.pruneTombstones()
	}
}

func (c *Coordinator) process(m any) {
	switch m := m.(type) {
	case transport.GossipEnvelope:
		c.receiveGossip(m)
	case transport.GossipStatus:
		c.receiveGossipStatus(m)
	case transport.Heartbeat:
		c.receiveHeartbeat(m)
	case transport.HeartbeatResponse:
		c.heartbeatFrom(m.From, c.now())
	case heartbeatAt:
		c.heartbeatFrom(m.from, m.at)
	case transport.JoinRequest:
		c.receiveJoin(m)
	case transport.Welcome:
		c.receiveWelcome(m)
	case disconnect:
		c.log.Debug("disconnected", zap.Stringer("peer", m.addr))
	case command:
		m.reply <- m.fn()
	default:
		c.log.Warn("unexpected mailbox message", zap.String("type", fmt.Sprintf("%T", m)))
	}
}

// drain processes queued messages until the mailbox is empty. Tests use it
// to step the loop synchronously.
func (c *Coordinator) drain() int {
	n := 0
	for !c.halted {
		select {
		case m := <-c.mailbox:
			c.process(m)
			n++
		default:
			return n
		}
	}
	return n
}

func (c *Coordinator) send(to member.UniqueAddress, msg transport.Message) {
	c.metrics.MessageSent(msg.Kind().String())
	c.tr.Send(to.Address, msg)
}

// setGossip publishes g as the new state and derives everything that
// depends on the member set.
func (c *Coordinator) setGossip(g gossip.Gossip) *membership.State {
	old := c.state.Load()
	st := membership.New(c.self, g, c.cfg.Policy)
	c.state.Store(st)

	now := c.now()
	for _, m := range old.Members() {
		if !g.HasMember(m.Node) && m.Node != c.self {
			c.tombstones[m.Node] = now
		}
	}
	c.metrics.SetTombstones(len(c.tombstones))
	c.updateHeartbeatReceivers(st)

	for _, e := range event.Diff(old, st) {
		c.logEvent(e)
		c.pub.Publish(e)
	}
	c.metrics.ObserveState(st)
	return st
}

func (c *Coordinator) logEvent(e event.Event) {
	switch e.Type {
	case event.UnreachableMember:
		c.log.Warn("member unreachable", zap.Stringer("member", e.Member.Node))
	case event.ConvergenceChanged:
		c.log.Debug("convergence changed", zap.Bool("converged", e.Converged))
	default:
		c.log.Info("membership event", zap.Stringer("event", e))
	}
}

// halt records a fatal error, notifies the fatal handler and stops the
// loop.
func (c *Coordinator) halt(err error) {
	c.log.Error("halting coordinator", zap.Error(err))
	c.err.Store(&err)
	c.halted = true
	if c.fatal != nil {
		c.fatal(err)
	}
}

// shutdownRemoved stops the loop after the node learned it was removed.
func (c *Coordinator) shutdownRemoved(prev member.Member) {
	c.log.Info("removed from cluster, shutting down", zap.Stringer("previous", prev.Status))
	c.removed.Store(true)
	gone, _ := prev.WithStatus(member.Removed)
	c.pub.Publish(event.Event{Type: event.MemberRemoved, Member: gone, PreviousStatus: prev.Status})
	c.halted = true
}

func (c *Coordinator) isTombstoned(n member.UniqueAddress) bool {
	_, ok := c.tombstones[n]
	return ok
}

func (c *Coordinator) pruneTombstones() {
	cutoff := c.now().Add(-c.cfg.PruneTombstonesAfter)
	for n, at := range c.tombstones {
		if at.Before(cutoff) {
			delete(c.tombstones, n)
		}
	}
	c.metrics.SetTombstones(len(c.tombstones))
}
