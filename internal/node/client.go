package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"clusterd/internal/member"
)

// ClientManager manages gRPC connections to peer nodes.
type ClientManager struct {
	mu    sync.RWMutex
	conns map[member.Address]*grpc.ClientConn
}

// NewClientManager creates a new client manager.
func NewClientManager() *ClientManager {
	return &ClientManager{
		conns: make(map[member.Address]*grpc.ClientConn),
	}
}

// Conn returns the connection to addr, creating it on first use. Creating
// a connection does not dial; gRPC connects on the first call.
func (cm *ClientManager) Conn(addr member.Address) (*grpc.ClientConn, error) {
	cm.mu.RLock()
	conn, exists := cm.conns[addr]
	cm.mu.RUnlock()

	if exists {
		return conn, nil
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	// Double-check after acquiring write lock
	if conn, exists := cm.conns[addr]; exists {
		return conn, nil
	}

	conn, err := grpc.NewClient(addr.String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", addr, err)
	}
	cm.conns[addr] = conn
	return conn, nil
}

// Forget closes and drops the connection to addr.
func (cm *ClientManager) Forget(addr member.Address) {
	cm.mu.Lock()
	conn, ok := cm.conns[addr]
	delete(cm.conns, addr)
	cm.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}

// Probe asks the peer at addr whether it is a cluster member, using the
// gRPC health service.
func (cm *ClientManager) Probe(ctx context.Context, addr member.Address) error {
	conn, err := cm.Conn(addr)
	if err != nil {
		return err
	}
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%s is %s", addr, resp.GetStatus())
	}
	return nil
}

// Close closes all client connections.
func (cm *ClientManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	var errs *multierror.Error
	for addr, conn := range cm.conns {
		if err := conn.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
	}
	cm.conns = make(map[member.Address]*grpc.ClientConn)
	return errs.ErrorOrNil()
}
