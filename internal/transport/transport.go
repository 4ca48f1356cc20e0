package transport

import (
	"errors"

	"clusterd/internal/member"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport closed")

// Handler receives inbound traffic. Implementations must not block: the
// coordinator enqueues and returns.
type Handler interface {
	// OnReceive is called for every decoded inbound message.
	OnReceive(msg Message)
	// OnDisconnect is called when the transport loses its connection to
	// addr.
	OnDisconnect(addr member.Address)
}

// Transport moves messages between nodes.
type Transport interface {
	// LocalAddress is the address other nodes use to reach this one.
	LocalAddress() member.Address

	// Send delivers msg to addr on a best effort basis. It never blocks;
	// messages that cannot be delivered are dropped.
	Send(to member.Address, msg Message)

	// SetHandler installs the inbound handler. It must be called before
	// traffic is expected.
	SetHandler(h Handler)

	// Close releases the transport. Later sends are dropped.
	Close() error
}

// HandlerFuncs adapts two functions to Handler. Nil functions are skipped.
type HandlerFuncs struct {
	Receive    func(Message)
	Disconnect func(member.Address)
}

// OnReceive implements Handler.
func (h HandlerFuncs) OnReceive(msg Message) {
	if h.Receive != nil {
		h.Receive(msg)
	}
}

// OnDisconnect implements Handler.
func (h HandlerFuncs) OnDisconnect(addr member.Address) {
	if h.Disconnect != nil {
		h.Disconnect(addr)
	}
}
