// Package loopback is an in-process Transport used by tests and the
// integration harness. A Network routes messages between the transports it
// created and can kill nodes, cut links between pairs of nodes and run every
// message through a codec.
package loopback

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"clusterd/internal/codec"
	"clusterd/internal/member"
	"clusterd/internal/transport"
)

// Option configures a Network.
type Option func(*Network)

// WithCodec makes the network encode and decode every message, so that
// tests exercise the same validation as a real transport.
func WithCodec(c codec.Codec) Option {
	return func(n *Network) { n.codec = c }
}

// WithLogger sets the logger used for dropped messages.
func WithLogger(l *zap.Logger) Option {
	return func(n *Network) { n.log = l }
}

type link struct{ a, b member.Address }

func newLink(a, b member.Address) link {
	if b.Compare(a) < 0 {
		a, b = b, a
	}
	return link{a, b}
}

// Network routes messages between Transports.
type Network struct {
	codec codec.Codec
	log   *zap.Logger

	mu      sync.RWMutex
	routes  map[member.Address]*Transport
	killed  map[member.Address]bool
	cut     map[link]bool
	filters []Filter

	delivered atomic.Int64
	dropped   atomic.Int64
}

// Filter returns false to drop a message in flight.
type Filter func(from, to member.Address, msg transport.Message) bool

// NewNetwork creates an empty network.
func NewNetwork(opts ...Option) *Network {
	n := &Network{
		log:    zap.NewNop(),
		routes: make(map[member.Address]*Transport),
		killed: make(map[member.Address]bool),
		cut:    make(map[link]bool),
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// NewTransport returns the transport bound to addr, creating it if needed.
// A transport that was closed is replaced by a fresh one.
func (n *Network) NewTransport(addr member.Address) *Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.routes[addr]; ok && !t.closed.Load() {
		return t
	}
	t := &Transport{net: n, addr: addr}
	n.routes[addr] = t
	delete(n.killed, addr)
	return t
}

// Kill drops all traffic to and from addr until Revive.
func (n *Network) Kill(addr member.Address) {
	n.mu.Lock()
	n.killed[addr] = true
	n.mu.Unlock()
}

// Revive undoes Kill.
func (n *Network) Revive(addr member.Address) {
	n.mu.Lock()
	delete(n.killed, addr)
	n.mu.Unlock()
}

// Partition cuts the link between a and b in both directions.
func (n *Network) Partition(a, b member.Address) {
	n.mu.Lock()
	n.cut[newLink(a, b)] = true
	n.mu.Unlock()
}

// Heal restores the link between a and b.
func (n *Network) Heal(a, b member.Address) {
	n.mu.Lock()
	delete(n.cut, newLink(a, b))
	n.mu.Unlock()
}

// HealAll restores every link and revives every node.
func (n *Network) HealAll() {
	n.mu.Lock()
	n.cut = make(map[link]bool)
	n.killed = make(map[member.Address]bool)
	n.mu.Unlock()
}

// AddFilter installs f for all later sends.
func (n *Network) AddFilter(f Filter) {
	n.mu.Lock()
	n.filters = append(n.filters, f)
	n.mu.Unlock()
}

// Disconnect notifies both ends that the connection between a and b was
// lost. Traffic is not affected.
func (n *Network) Disconnect(a, b member.Address) {
	n.mu.RLock()
	ta, tb := n.routes[a], n.routes[b]
	n.mu.RUnlock()
	if ta != nil {
		ta.handler().OnDisconnect(b)
	}
	if tb != nil {
		tb.handler().OnDisconnect(a)
	}
}

// Delivered returns the number of messages handed to a handler.
func (n *Network) Delivered() int64 { return n.delivered.Load() }

// Dropped returns the number of messages lost to kills, partitions,
// filters, closed transports or codec failures.
func (n *Network) Dropped() int64 { return n.dropped.Load() }

// Inject delivers raw bytes to addr as if they arrived from the wire. It
// needs a codec and reports the decoding error, if any.
func (n *Network) Inject(to member.Address, data []byte) error {
	c := n.codec
	if c == nil {
		c = codec.Proto{}
	}
	msg, err := c.Decode(data)
	if err != nil {
		n.dropped.Add(1)
		return err
	}
	n.mu.RLock()
	t := n.routes[to]
	n.mu.RUnlock()
	if t == nil || t.closed.Load() {
		n.dropped.Add(1)
		return transport.ErrClosed
	}
	n.delivered.Add(1)
	t.handler().OnReceive(msg)
	return nil
}

func (n *Network) route(from, to member.Address, msg transport.Message) {
	n.mu.RLock()
	t := n.routes[to]
	blocked := n.killed[from] || n.killed[to] || n.cut[newLink(from, to)]
	filters := n.filters
	n.mu.RUnlock()

	if t == nil || t.closed.Load() || blocked {
		n.drop(from, to, msg, "unreachable")
		return
	}
	for _, f := range filters {
		if !f(from, to, msg) {
			n.drop(from, to, msg, "filtered")
			return
		}
	}
	if n.codec != nil {
		data, err := n.codec.Encode(msg)
		if err != nil {
			n.drop(from, to, msg, "encode: "+err.Error())
			return
		}
		msg, err = n.codec.Decode(data)
		if err != nil {
			n.drop(from, to, nil, "decode: "+err.Error())
			return
		}
	}
	n.delivered.Add(1)
	t.handler().OnReceive(msg)
}

func (n *Network) drop(from, to member.Address, msg transport.Message, reason string) {
	n.dropped.Add(1)
	if ce := n.log.Check(zap.DebugLevel, "loopback drop"); ce != nil {
		fields := []zap.Field{zap.Stringer("from", from), zap.Stringer("to", to), zap.String("reason", reason)}
		if msg != nil {
			fields = append(fields, zap.Stringer("kind", msg.Kind()))
		}
		ce.Write(fields...)
	}
}

// Transport is one endpoint of a Network.
type Transport struct {
	net    *Network
	addr   member.Address
	h      atomic.Pointer[transport.Handler]
	closed atomic.Bool
}

var _ transport.Transport = (*Transport)(nil)

var nopHandler transport.Handler = transport.HandlerFuncs{}

func (t *Transport) handler() transport.Handler {
	if h := t.h.Load(); h != nil {
		return *h
	}
	return nopHandler
}

// LocalAddress implements transport.Transport.
func (t *Transport) LocalAddress() member.Address { return t.addr }

// Send implements transport.Transport. Delivery is synchronous: the
// receiving handler runs on the caller's goroutine and must not block.
func (t *Transport) Send(to member.Address, msg transport.Message) {
	if t.closed.Load() {
		t.net.drop(t.addr, to, msg, "closed")
		return
	}
	t.net.route(t.addr, to, msg)
}

// SetHandler implements transport.Transport.
func (t *Transport) SetHandler(h transport.Handler) {
	t.h.Store(&h)
}

// Close implements transport.Transport.
func (t *Transport) Close() error {
	t.closed.Store(true)
	return nil
}
