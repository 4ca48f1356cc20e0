package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"clusterd/internal/codec"
	"clusterd/internal/config"
	"clusterd/internal/coordinator"
	"clusterd/internal/discovery"
	"clusterd/internal/event"
	"clusterd/internal/fanout"
	"clusterd/internal/member"
	"clusterd/internal/telemetry"
)

// Node represents a single cluster member process: the coordinator plus
// the gRPC transport, health service, admin API and optional discovery.
type Node struct {
	cfg     config.Config
	log     *zap.Logger
	self    member.UniqueAddress
	coord   *coordinator.Coordinator
	bus     *event.Bus
	clients *ClientManager
	tr      *Transport
	health  *health.Server

	grpcServer *grpc.Server
	admin      *http.Server
	adminAddr  net.Addr

	etcd     *clientv3.Client
	registry *discovery.Registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a node from cfg. Metrics are registered on reg, or on the
// process-wide registry when reg is nil.
func New(cfg config.Config, log *zap.Logger, reg prometheus.Registerer) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	if reg == nil {
		reg = telemetry.Registry
	}
	addr, err := cfg.ListenAddress()
	if err != nil {
		return nil, err
	}
	self := member.UniqueAddress{Address: addr, Incarnation: member.NewIncarnation()}
	log = log.With(zap.Stringer("node", self))

	wire, err := codec.ByName(cfg.Codec, cfg.Compression)
	if err != nil {
		return nil, err
	}
	metrics, err := telemetry.NewMembership(reg, self.String())
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	cc, err := cfg.Coordinator()
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:     cfg,
		log:     log,
		self:    self,
		bus:     event.NewBus(),
		clients: NewClientManager(),
		health:  health.NewServer(),
	}
	n.tr = NewTransport(addr, wire, n.clients, TransportConfig{
		QueueSize:   cfg.SendQueueSize,
		SendTimeout: cfg.SendTimeout,
	}, log)
	n.coord, err = coordinator.New(cc, self, n.tr,
		coordinator.WithLogger(log),
		coordinator.WithPublisher(n.bus),
		coordinator.WithMetrics(metrics),
		coordinator.WithFatalHandler(func(err error) {
			log.Error("membership halted", zap.Error(err))
		}),
	)
	if err != nil {
		n.tr.Close()
		return nil, err
	}
	n.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return n, nil
}

// Self returns the unique address of this node.
func (n *Node) Self() member.UniqueAddress { return n.self }

// Coordinator returns the membership coordinator.
func (n *Node) Coordinator() *coordinator.Coordinator { return n.coord }

// Events returns the bus membership events are published on.
func (n *Node) Events() *event.Bus { return n.bus }

// AdminAddr returns the address the admin API listens on, or nil.
func (n *Node) AdminAddr() net.Addr { return n.adminAddr }

// Start opens the listeners, starts the protocol and joins the configured
// or discovered seeds.
func (n *Node) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", n.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", n.cfg.Listen, err)
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	n.grpcServer = grpc.NewServer()
	RegisterMembershipServer(n.grpcServer, n.tr)
	healthpb.RegisterHealthServer(n.grpcServer, n.health)
	// Enable gRPC reflection for grpcurl
	reflection.Register(n.grpcServer)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.log.Info("starting node", zap.String("listen", n.cfg.Listen))
		if err := n.grpcServer.Serve(lis); err != nil {
			n.log.Error("grpc server stopped", zap.Error(err))
		}
	}()

	if n.cfg.AdminListen != "" {
		adminLis, err := net.Listen("tcp", n.cfg.AdminListen)
		if err != nil {
			n.grpcServer.Stop()
			return fmt.Errorf("failed to listen on %s: %w", n.cfg.AdminListen, err)
		}
		n.adminAddr = adminLis.Addr()
		n.admin = &http.Server{
			Handler:           NewAdmin(n.coord, n.JoinSeeds, n.log).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.log.Info("admin API listening", zap.Stringer("addr", n.adminAddr))
			if err := n.admin.Serve(adminLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				n.log.Error("admin server stopped", zap.Error(err))
			}
		}()
	}

	n.watchHealth()
	n.coord.Start()

	seeds, err := n.cfg.SeedAddresses()
	if err != nil {
		return err
	}
	if len(n.cfg.Etcd.Endpoints) > 0 {
		discovered, err := n.startDiscovery(ctx)
		if err != nil {
			return err
		}
		seeds = mergeSeeds(seeds, discovered)
	}
	if len(seeds) == 0 {
		seeds = []member.Address{n.self.Address}
	}
	return n.JoinSeeds(ctx, seeds)
}

// watchHealth keeps the health status in line with the own member status.
func (n *Node) watchHealth() {
	events, cancel := n.bus.Subscribe(64)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer cancel()
		for {
			select {
			case _, ok := <-events:
				if !ok {
					return
				}
				n.updateHealth()
			case <-n.coord.Done():
				n.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
				if err := n.coord.Err(); err != nil {
					n.log.Error("coordinator halted", zap.Error(err))
				} else if n.coord.Removed() {
					n.log.Info("removed from cluster")
				}
				return
			case <-n.ctx.Done():
				return
			}
		}
	}()
}

func (n *Node) updateHealth() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s, ok := n.coord.SelfStatus(); ok {
		switch s {
		case member.Joining, member.WeaklyUp, member.Up, member.Leaving:
			status = healthpb.HealthCheckResponse_SERVING
		}
	}
	n.health.SetServingStatus(ServiceName, status)
}

func (n *Node) startDiscovery(ctx context.Context) ([]member.Address, error) {
	cli, err := discovery.NewClient(n.cfg.Etcd.Endpoints)
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}
	n.etcd = cli
	n.registry = discovery.New(cli, n.cfg.Etcd.Prefix, n.cfg.Etcd.LeaseTTL, n.log)

	seeds, err := n.registry.Seeds(ctx)
	if err != nil {
		return nil, err
	}
	if err := n.registry.Register(ctx, n.self); err != nil {
		return nil, err
	}
	n.registry.Watch(n.ctx, func(seeds []member.Address) {
		if _, ok := n.coord.SelfStatus(); ok {
			return
		}
		others := slices.DeleteFunc(seeds, func(a member.Address) bool { return a == n.self.Address })
		if len(others) == 0 {
			return
		}
		n.log.Info("new seeds registered while joining", zap.Int("seeds", len(others)))
		if err := n.coord.Join(n.ctx, others); err != nil && !errors.Is(err, coordinator.ErrAlreadyMember) {
			n.log.Warn("joining discovered seeds", zap.Error(err))
		}
	})
	return seeds, nil
}

// mergeSeeds appends the addresses of b missing from a, keeping order.
func mergeSeeds(a, b []member.Address) []member.Address {
	out := slices.Clone(a)
	for _, s := range b {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// JoinSeeds joins the cluster through seeds. When this node is the first
// seed it only starts a new cluster if none of the other seeds is already
// a member; otherwise it joins the ones that are.
func (n *Node) JoinSeeds(ctx context.Context, seeds []member.Address) error {
	others := slices.DeleteFunc(slices.Clone(seeds), func(a member.Address) bool { return a == n.self.Address })
	if len(others) == 0 || len(seeds) == 0 {
		return n.coord.Join(ctx, nil)
	}
	if seeds[0] != n.self.Address {
		return n.coord.Join(ctx, others)
	}

	targets := make([]string, len(others))
	for i, s := range others {
		targets[i] = s.String()
	}
	res := fanout.Do(ctx, targets, 1, n.cfg.SendTimeout, func(ctx context.Context, target string) error {
		addr, err := member.ParseAddress(target)
		if err != nil {
			return err
		}
		return n.clients.Probe(ctx, addr)
	})
	if !res.Success() {
		n.log.Info("no seed answered, starting a new cluster", zap.Error(res.Err))
		return n.coord.Join(ctx, nil)
	}
	live := make([]member.Address, 0, len(res.Acked))
	for _, t := range res.Acked {
		addr, _ := member.ParseAddress(t)
		live = append(live, addr)
	}
	n.log.Info("joining running cluster", zap.Strings("seeds", res.Acked))
	return n.coord.Join(ctx, live)
}

// Leave asks the cluster to remove this node and waits until it was
// removed, the coordinator stopped or ctx is done.
func (n *Node) Leave(ctx context.Context) error {
	if err := n.coord.Leave(ctx, n.self.Address); err != nil {
		return err
	}
	select {
	case <-n.coord.Done():
		return n.coord.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop shuts everything down. ctx bounds the graceful shutdown of the
// servers.
func (n *Node) Stop(ctx context.Context) error {
	var errs *multierror.Error
	if n.registry != nil {
		if err := n.registry.Deregister(ctx); err != nil && !errors.Is(err, discovery.ErrNotRegistered) {
			errs = multierror.Append(errs, err)
		}
	}
	if n.cancel != nil {
		n.cancel()
	}
	n.coord.Stop()
	n.health.Shutdown()
	if n.admin != nil {
		if err := n.admin.Shutdown(ctx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("admin shutdown: %w", err))
		}
	}
	if n.grpcServer != nil {
		n.log.Info("stopping node")
		stopped := make(chan struct{})
		go func() {
			n.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			n.grpcServer.Stop()
		}
	}
	if err := n.tr.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := n.clients.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	n.bus.Close()
	if n.etcd != nil {
		if err := n.etcd.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("etcd close: %w", err))
		}
	}
	n.wg.Wait()
	return errs.ErrorOrNil()
}
