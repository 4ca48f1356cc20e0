package discovery

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"clusterd/internal/member"
)

// fakeEtcd keeps keys in memory. Keys written while a lease exists belong to
// the most recently granted lease.
type fakeEtcd struct {
	mu        sync.Mutex
	data      map[string]string
	owner     map[string]clientv3.LeaseID
	nextLease clientv3.LeaseID
	ttl       int64
	kaCtx     context.Context
	watch     chan clientv3.WatchResponse
	getErr    error
}

func newFakeEtcd() *fakeEtcd {
	return &fakeEtcd{
		data:  map[string]string{},
		owner: map[string]clientv3.LeaseID{},
		watch: make(chan clientv3.WatchResponse, 1),
	}
}

func (f *fakeEtcd) Grant(_ context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextLease++
	f.ttl = ttl
	return &clientv3.LeaseGrantResponse{ID: f.nextLease, TTL: ttl}, nil
}

func (f *fakeEtcd) KeepAlive(ctx context.Context, _ clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	f.mu.Lock()
	f.kaCtx = ctx
	f.mu.Unlock()
	ch := make(chan *clientv3.LeaseKeepAliveResponse)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (f *fakeEtcd) Revoke(_ context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, owner := range f.owner {
		if owner == id {
			delete(f.data, k)
			delete(f.owner, k)
		}
	}
	return &clientv3.LeaseRevokeResponse{}, nil
}

func (f *fakeEtcd) Put(_ context.Context, key, val string, _ ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = val
	if f.nextLease != 0 {
		f.owner[key] = f.nextLease
	}
	return &clientv3.PutResponse{}, nil
}

func (f *fakeEtcd) Get(_ context.Context, key string, _ ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	var keys []string
	for k := range f.data {
		if strings.HasPrefix(k, key) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	resp := &clientv3.GetResponse{}
	for _, k := range keys {
		resp.Kvs = append(resp.Kvs, &mvccpb.KeyValue{Key: []byte(k), Value: []byte(f.data[k])})
	}
	return resp, nil
}

func (f *fakeEtcd) Watch(context.Context, string, ...clientv3.OpOption) clientv3.WatchChan {
	return f.watch
}

func TestRegisterAndSeeds(t *testing.T) {
	etcd := newFakeEtcd()
	etcd.data["/clusterd/nodes/10.0.0.9:7000#1"] = "10.0.0.9:7000"
	etcd.data["/clusterd/nodes/10.0.0.9:7000#2"] = "10.0.0.9:7000"
	etcd.data["/clusterd/nodes/broken"] = "not-an-address"
	etcd.data["/other/10.0.0.8:7000#1"] = "10.0.0.8:7000"

	reg := New(etcd, "/clusterd/nodes/", 10*time.Second, nil)
	self := member.UniqueAddress{Address: member.Address{Host: "10.0.0.1", Port: 7000}, Incarnation: 42}
	require.NoError(t, reg.Register(context.Background(), self))

	assert.Equal(t, "10.0.0.1:7000", etcd.data["/clusterd/nodes/10.0.0.1:7000#42"])
	assert.Equal(t, int64(10), etcd.ttl)

	seeds, err := reg.Seeds(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []member.Address{
		{Host: "10.0.0.1", Port: 7000},
		{Host: "10.0.0.9", Port: 7000},
	}, seeds, "sorted, deduplicated, bad entries and other prefixes skipped")
}

func TestDeregister(t *testing.T) {
	etcd := newFakeEtcd()
	reg := New(etcd, "/clusterd/nodes", time.Second, nil)
	assert.ErrorIs(t, reg.Deregister(context.Background()), ErrNotRegistered)

	self := member.UniqueAddress{Address: member.Address{Host: "10.0.0.1", Port: 7000}, Incarnation: 1}
	require.NoError(t, reg.Register(context.Background(), self))
	require.NoError(t, reg.Deregister(context.Background()))

	seeds, err := reg.Seeds(context.Background())
	require.NoError(t, err)
	assert.Empty(t, seeds)

	etcd.mu.Lock()
	kaCtx := etcd.kaCtx
	etcd.mu.Unlock()
	assert.Error(t, kaCtx.Err(), "keepalive is stopped")
}

func TestRegister_ShortTTLIsRoundedUp(t *testing.T) {
	etcd := newFakeEtcd()
	reg := New(etcd, "/p", 10*time.Millisecond, nil)
	require.NoError(t, reg.Register(context.Background(), member.UniqueAddress{Address: member.Address{Host: "h", Port: 1}}))
	assert.Equal(t, int64(1), etcd.ttl)
}

func TestSeeds_Error(t *testing.T) {
	etcd := newFakeEtcd()
	etcd.getErr = errors.New("etcd down")
	_, err := New(etcd, "/p", time.Second, nil).Seeds(context.Background())
	assert.ErrorContains(t, err, "etcd down")
}

func TestWatch(t *testing.T) {
	etcd := newFakeEtcd()
	reg := New(etcd, "/p", time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan []member.Address, 1)
	reg.Watch(ctx, func(seeds []member.Address) { got <- seeds })

	etcd.mu.Lock()
	etcd.data["/p/10.0.0.2:1#1"] = "10.0.0.2:1"
	etcd.mu.Unlock()
	etcd.watch <- clientv3.WatchResponse{}

	select {
	case seeds := <-got:
		assert.Equal(t, []member.Address{{Host: "10.0.0.2", Port: 1}}, seeds)
	case <-time.After(2 * time.Second):
		t.Fatal("watch callback not called")
	}
}
