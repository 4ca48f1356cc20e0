package member

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidAddress is returned when an address string cannot be parsed.
var ErrInvalidAddress = errors.New("invalid address")

// Address is the network location of a node.
type Address struct {
	Host string
	Port int
}

// ParseAddress parses "host:port".
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return Address{}, fmt.Errorf("%w: %s: %v", ErrInvalidAddress, s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Address{}, fmt.Errorf("%w: %s: bad port", ErrInvalidAddress, s)
	}
	if host == "" {
		return Address{}, fmt.Errorf("%w: %s: empty host", ErrInvalidAddress, s)
	}
	return Address{Host: host, Port: port}, nil
}

// String returns "host:port".
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

// Compare orders addresses by host, then port.
func (a Address) Compare(b Address) int {
	if c := strings.Compare(a.Host, b.Host); c != 0 {
		return c
	}
	switch {
	case a.Port < b.Port:
		return -1
	case a.Port > b.Port:
		return 1
	}
	return 0
}

// UniqueAddress identifies one incarnation of a node. Two values are the
// same node only if both address and incarnation match.
type UniqueAddress struct {
	Address     Address
	Incarnation uint64
}

// NewIncarnation returns a random incarnation number for a freshly started
// process.
func NewIncarnation() uint64 {
	id := uuid.New()
	inc := binary.BigEndian.Uint64(id[:8])
	if inc == 0 {
		inc = 1
	}
	return inc
}

// Compare orders unique addresses by address, then incarnation.
func (u UniqueAddress) Compare(o UniqueAddress) int {
	if c := u.Address.Compare(o.Address); c != 0 {
		return c
	}
	switch {
	case u.Incarnation < o.Incarnation:
		return -1
	case u.Incarnation > o.Incarnation:
		return 1
	}
	return 0
}

// Less reports whether u sorts before o.
func (u UniqueAddress) Less(o UniqueAddress) bool {
	return u.Compare(o) < 0
}

// IsZero reports whether the unique address is unset.
func (u UniqueAddress) IsZero() bool {
	return u.Address.IsZero() && u.Incarnation == 0
}

// String returns "host:port#incarnation". The form is stable and is used as
// the vector clock key and ring identity of the node.
func (u UniqueAddress) String() string {
	return u.Address.String() + "#" + strconv.FormatUint(u.Incarnation, 10)
}

// ParseUniqueAddress parses the String form.
func ParseUniqueAddress(s string) (UniqueAddress, error) {
	idx := strings.LastIndexByte(s, '#')
	if idx < 0 {
		return UniqueAddress{}, fmt.Errorf("%w: %s: missing incarnation", ErrInvalidAddress, s)
	}
	addr, err := ParseAddress(s[:idx])
	if err != nil {
		return UniqueAddress{}, err
	}
	inc, err := strconv.ParseUint(s[idx+1:], 10, 64)
	if err != nil {
		return UniqueAddress{}, fmt.Errorf("%w: %s: bad incarnation", ErrInvalidAddress, s)
	}
	return UniqueAddress{Address: addr, Incarnation: inc}, nil
}

// Set is a set of unique addresses.
type Set map[UniqueAddress]struct{}

// NewSet builds a set from the given addresses.
func NewSet(addrs ...UniqueAddress) Set {
	s := make(Set, len(addrs))
	for _, a := range addrs {
		s[a] = struct{}{}
	}
	return s
}

// Contains reports membership.
func (s Set) Contains(a UniqueAddress) bool {
	_, ok := s[a]
	return ok
}
