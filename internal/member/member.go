package member

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
)

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("invalid member status transition")

// Status is the lifecycle state of a member.
type Status int

const (
	Joining Status = iota
	WeaklyUp
	Up
	Leaving
	Exiting
	Down
	Removed
)

// String returns the string representation of Status.
func (s Status) String() string {
	switch s {
	case Joining:
		return "Joining"
	case WeaklyUp:
		return "WeaklyUp"
	case Up:
		return "Up"
	case Leaving:
		return "Leaving"
	case Exiting:
		return "Exiting"
	case Down:
		return "Down"
	case Removed:
		return "Removed"
	default:
		return "Unknown"
	}
}

// ParseStatus is the inverse of String.
func ParseStatus(s string) (Status, error) {
	for st := Joining; st <= Removed; st++ {
		if strings.EqualFold(st.String(), s) {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown member status %q", s)
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s >= Joining && s <= Removed
}

var allowedTransitions = map[Status][]Status{
	Joining:  {WeaklyUp, Up, Leaving, Down, Removed},
	WeaklyUp: {Up, Leaving, Down, Removed},
	Up:       {Leaving, Down, Removed},
	Leaving:  {Exiting, Down, Removed},
	Exiting:  {Removed, Down},
	Down:     {Removed},
	Removed:  nil,
}

// CanTransitionTo reports whether a member may move from s to to.
func (s Status) CanTransitionTo(to Status) bool {
	return slices.Contains(allowedTransitions[s], to)
}

// Member is an immutable view of one node in the cluster. Changes produce
// new values.
type Member struct {
	Node     UniqueAddress
	Status   Status
	Roles    []string
	UpNumber int
}

// New creates a Joining member with the given roles.
func New(node UniqueAddress, roles ...string) Member {
	return Member{Node: node, Status: Joining, Roles: normalizeRoles(roles)}
}

func normalizeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	out := slices.Clone(roles)
	slices.Sort(out)
	return slices.Compact(out)
}

// WithStatus returns a copy of m with the new status, or ErrInvalidTransition.
// Setting the current status again is allowed and returns m unchanged.
func (m Member) WithStatus(to Status) (Member, error) {
	if m.Status == to {
		return m, nil
	}
	if !m.Status.CanTransitionTo(to) {
		return m, fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, m.Node, m.Status, to)
	}
	out := m.clone()
	out.Status = to
	return out, nil
}

// WithUpNumber returns a copy of m with the given up number.
func (m Member) WithUpNumber(n int) Member {
	out := m.clone()
	out.UpNumber = n
	return out
}

func (m Member) clone() Member {
	out := m
	out.Roles = slices.Clone(m.Roles)
	return out
}

// HasRole reports whether the member carries role.
func (m Member) HasRole(role string) bool {
	_, found := slices.BinarySearch(m.Roles, role)
	return found
}

// upOrder is the age key; members not yet up sort last.
func (m Member) upOrder() int {
	if m.UpNumber <= 0 {
		return math.MaxInt
	}
	return m.UpNumber
}

// IsOlderThan reports whether m became Up before o. Ties fall back to
// address order so the relation is total.
func (m Member) IsOlderThan(o Member) bool {
	if m.upOrder() == o.upOrder() {
		return m.Node.Less(o.Node)
	}
	return m.upOrder() < o.upOrder()
}

// Equal compares all fields.
func (m Member) Equal(o Member) bool {
	return m.Node == o.Node && m.Status == o.Status && m.UpNumber == o.UpNumber &&
		slices.Equal(m.Roles, o.Roles)
}

func (m Member) String() string {
	if len(m.Roles) == 0 {
		return fmt.Sprintf("Member(%s, %s)", m.Node, m.Status)
	}
	return fmt.Sprintf("Member(%s, %s, roles=%s)", m.Node, m.Status, strings.Join(m.Roles, ","))
}

// HighestPriority picks the entry to keep when two views of the same node
// disagree. Status follows the lattice Joining < WeaklyUp < Up < Leaving <
// Exiting < Down < Removed; equal statuses prefer the older up number and
// then the lexically smaller role list, which keeps the choice commutative.
func HighestPriority(a, b Member) Member {
	if a.Status != b.Status {
		if a.Status > b.Status {
			return a
		}
		return b
	}
	if a.upOrder() != b.upOrder() {
		if a.upOrder() < b.upOrder() {
			return a
		}
		return b
	}
	if slices.Compare(a.Roles, b.Roles) <= 0 {
		return a
	}
	return b
}

// Sort orders members by unique address.
func Sort(ms []Member) {
	slices.SortFunc(ms, func(a, b Member) int { return a.Node.Compare(b.Node) })
}

// LeaderStatusCompare orders members for leader fallback selection: Down and
// Exiting sort after every other status, then by address.
func LeaderStatusCompare(a, b Member) int {
	ra, rb := leaderRank(a.Status), leaderRank(b.Status)
	if ra != rb {
		return ra - rb
	}
	return a.Node.Compare(b.Node)
}

func leaderRank(s Status) int {
	switch s {
	case Down:
		return 2
	case Exiting:
		return 1
	default:
		return 0
	}
}
