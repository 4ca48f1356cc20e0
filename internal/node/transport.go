package node

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"clusterd/internal/codec"
	"clusterd/internal/member"
	"clusterd/internal/transport"
)

// TransportConfig configures the gRPC transport.
type TransportConfig struct {
	// QueueSize bounds the outbound queue. Sends beyond it are dropped.
	QueueSize int
	// Workers is the number of goroutines draining the queue.
	Workers int
	// SendTimeout bounds each outbound call.
	SendTimeout time.Duration
}

type outbound struct {
	to  member.Address
	msg transport.Message
}

// Transport sends protocol messages as unary gRPC calls. Inbound calls are
// served by Deliver once the transport is registered on a gRPC server.
type Transport struct {
	self    member.Address
	codec   codec.Codec
	clients *ClientManager
	cfg     TransportConfig
	log     *zap.Logger

	handler atomic.Pointer[transport.Handler]
	queue   chan outbound
	closed  atomic.Bool
	dropped atomic.Uint64

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewTransport starts the send workers. The transport does not own
// clients; closing it leaves the connections open.
func NewTransport(self member.Address, c codec.Codec, clients *ClientManager, cfg TransportConfig, log *zap.Logger) *Transport {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers < 1 {
		cfg.Workers = 4
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	t := &Transport{
		self:    self,
		codec:   c,
		clients: clients,
		cfg:     cfg,
		log:     log.Named("transport"),
		queue:   make(chan outbound, cfg.QueueSize),
		stop:    make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		t.wg.Add(1)
		go t.worker()
	}
	return t
}

// LocalAddress implements transport.Transport.
func (t *Transport) LocalAddress() member.Address { return t.self }

// SetHandler implements transport.Transport.
func (t *Transport) SetHandler(h transport.Handler) { t.handler.Store(&h) }

// Send implements transport.Transport. It queues msg and returns at once.
func (t *Transport) Send(to member.Address, msg transport.Message) {
	if t.closed.Load() {
		return
	}
	select {
	case t.queue <- outbound{to: to, msg: msg}:
	default:
		t.dropped.Add(1)
		t.log.Debug("send queue full, dropping message", zap.Stringer("to", to), zap.Stringer("kind", msg.Kind()))
	}
}

// Dropped returns the number of messages dropped on a full queue.
func (t *Transport) Dropped() uint64 { return t.dropped.Load() }

// Close stops the workers. Queued messages are discarded.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.stop)
	})
	t.wg.Wait()
	return nil
}

func (t *Transport) worker() {
	defer t.wg.Done()
	for {
		select {
		case <-t.stop:
			return
		case o := <-t.queue:
			t.deliver(o)
		}
	}
}

func (t *Transport) deliver(o outbound) {
	log := t.log.With(zap.Stringer("to", o.to), zap.Stringer("kind", o.msg.Kind()))
	data, err := t.codec.Encode(o.msg)
	if err != nil {
		log.Error("encoding message", zap.Error(err))
		return
	}
	conn, err := t.clients.Conn(o.to)
	if err != nil {
		log.Debug("no connection", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.SendTimeout)
	defer cancel()
	err = conn.Invoke(ctx, deliverMethod, &frame{data: data}, &frame{}, grpc.CallContentSubtype(frameCodec))
	if err == nil {
		return
	}
	log.Debug("send failed", zap.Error(err))
	if status.Code(err) == codes.Unavailable {
		if h := t.handler.Load(); h != nil {
			(*h).OnDisconnect(o.to)
		}
	}
}
