package discovery

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"clusterd/internal/member"
)

// ErrNotRegistered is returned by Deregister before Register succeeded.
var ErrNotRegistered = errors.New("not registered")

// Client is the part of the etcd client the registry uses.
// *clientv3.Client satisfies it.
type Client interface {
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
	KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error)
	Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error)
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Watch(ctx context.Context, key string, opts ...clientv3.OpOption) clientv3.WatchChan
}

// NewClient dials etcd.
func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// Registry publishes this node's gossip address under a prefix, bound to a
// lease, and lists the addresses other nodes published.
type Registry struct {
	cli    Client
	prefix string
	ttl    time.Duration
	log    *zap.Logger

	mu     sync.Mutex
	lease  clientv3.LeaseID
	cancel context.CancelFunc
}

// New returns a registry. A nil logger discards everything.
func New(cli Client, prefix string, ttl time.Duration, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		cli:    cli,
		prefix: strings.TrimSuffix(prefix, "/"),
		ttl:    ttl,
		log:    log.Named("discovery"),
	}
}

func (r *Registry) key(self member.UniqueAddress) string {
	return r.prefix + "/" + self.String()
}

// Register writes self under a fresh lease and keeps the lease alive until
// Deregister is called. The entry disappears on its own when the process
// dies.
func (r *Registry) Register(ctx context.Context, self member.UniqueAddress) error {
	ttl := int64(r.ttl / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	lease, err := r.cli.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}
	if _, err := r.cli.Put(ctx, r.key(self), self.Address.String(), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("register %s: %w", self, err)
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("keep lease alive: %w", err)
	}
	go func() {
		// Responses must be drained or the client buffers them.
		for range ch {
		}
		r.log.Debug("lease keepalive stopped", zap.Int64("lease", int64(lease.ID)))
	}()

	r.mu.Lock()
	r.lease, r.cancel = lease.ID, cancel
	r.mu.Unlock()
	r.log.Info("registered", zap.String("key", r.key(self)), zap.Int64("ttl", ttl))
	return nil
}

// Deregister stops the keepalive and revokes the lease, removing the entry.
func (r *Registry) Deregister(ctx context.Context) error {
	r.mu.Lock()
	lease, cancel := r.lease, r.cancel
	r.lease, r.cancel = 0, nil
	r.mu.Unlock()
	if cancel == nil {
		return ErrNotRegistered
	}
	cancel()
	if _, err := r.cli.Revoke(ctx, lease); err != nil {
		return fmt.Errorf("revoke lease: %w", err)
	}
	return nil
}

// Seeds lists every registered address, sorted and without duplicates.
func (r *Registry) Seeds(ctx context.Context) ([]member.Address, error) {
	resp, err := r.cli.Get(ctx, r.prefix+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("list seeds: %w", err)
	}
	return r.seedsFrom(resp.Kvs), nil
}

func (r *Registry) seedsFrom(kvs []*mvccpb.KeyValue) []member.Address {
	out := make([]member.Address, 0, len(kvs))
	for _, kv := range kvs {
		addr, err := member.ParseAddress(string(kv.Value))
		if err != nil {
			r.log.Warn("skipping bad registration", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		out = append(out, addr)
	}
	slices.SortFunc(out, member.Address.Compare)
	return slices.Compact(out)
}

// Watch calls fn with the full seed list whenever a registration changes,
// until ctx is done.
func (r *Registry) Watch(ctx context.Context, fn func([]member.Address)) {
	wch := r.cli.Watch(ctx, r.prefix+"/", clientv3.WithPrefix())
	go func() {
		for resp := range wch {
			if err := resp.Err(); err != nil {
				r.log.Warn("watch error", zap.Error(err))
				continue
			}
			seeds, err := r.Seeds(ctx)
			if err != nil {
				r.log.Warn("reloading seeds", zap.Error(err))
				continue
			}
			fn(seeds)
		}
	}()
}
