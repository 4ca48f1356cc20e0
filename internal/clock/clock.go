package clock

import (
	"fmt"
	"sort"
	"strings"
)

// VectorClock maps a node key (the node's unique address string) to a
// counter. Gossip versions are treated as values: the methods that return a
// VectorClock never modify the receiver. Zero counters are never stored.
type VectorClock map[string]int64

// New creates a new empty vector clock.
func New() VectorClock {
	return make(VectorClock)
}

// Entry is one counter of a vector clock.
type Entry struct {
	Node    string
	Counter int64
}

// FromEntries builds a clock from entries, ignoring non-positive counters.
// Duplicate nodes keep the highest counter.
func FromEntries(entries []Entry) VectorClock {
	vc := New()
	for _, e := range entries {
		if e.Counter > vc[e.Node] {
			vc[e.Node] = e.Counter
		}
	}
	return vc
}

// Entries returns the counters sorted by node key.
func (vc VectorClock) Entries() []Entry {
	out := make([]Entry, 0, len(vc))
	for node, counter := range vc {
		if counter > 0 {
			out = append(out, Entry{Node: node, Counter: counter})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	return out
}

// Get returns the counter value for the given node, or 0 if not present.
func (vc VectorClock) Get(node string) int64 {
	return vc[node]
}

// Incremented returns a copy with the node's counter increased by one.
func (vc VectorClock) Incremented(node string) VectorClock {
	out := vc.Copy()
	out[node]++
	return out
}

// Merged returns the per-node maximum of both clocks.
func (vc VectorClock) Merged(other VectorClock) VectorClock {
	out := vc.Copy()
	for node, counter := range other {
		if out[node] < counter {
			out[node] = counter
		}
	}
	return out
}

// Copy creates a deep copy of the vector clock.
func (vc VectorClock) Copy() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		if v > 0 {
			out[k] = v
		}
	}
	return out
}

// CompareResult represents the result of comparing two vector clocks.
type CompareResult int

const (
	// Before indicates this clock happened before the other.
	Before CompareResult = iota
	// After indicates this clock happened after the other.
	After
	// Concurrent indicates the clocks are concurrent (no causal relationship).
	Concurrent
	// Equal indicates the clocks are equal.
	Equal
)

func (r CompareResult) String() string {
	switch r {
	case Before:
		return "Before"
	case After:
		return "After"
	case Concurrent:
		return "Concurrent"
	case Equal:
		return "Equal"
	default:
		return "Unknown"
	}
}

// Compare compares two vector clocks and returns their relationship.
// Missing nodes count as zero.
//   - Equal: if all counters are equal
//   - Before: if this clock happened before other (all counters <=, at least one <)
//   - After: if this clock happened after other (all counters >=, at least one >)
//   - Concurrent: if neither dominates
func (vc VectorClock) Compare(other VectorClock) CompareResult {
	var thisLess, thisGreater bool
	for node, counter := range vc {
		switch o := other[node]; {
		case counter < o:
			thisLess = true
		case counter > o:
			thisGreater = true
		}
	}
	for node, counter := range other {
		if _, ok := vc[node]; !ok && counter > 0 {
			thisLess = true
		}
	}

	switch {
	case thisLess && thisGreater:
		return Concurrent
	case thisLess:
		return Before
	case thisGreater:
		return After
	default:
		return Equal
	}
}

// Equal checks if two vector clocks are equal.
func (vc VectorClock) Equal(other VectorClock) bool {
	return vc.Compare(other) == Equal
}

// Dominates returns true if this clock happened after the other.
func (vc VectorClock) Dominates(other VectorClock) bool {
	return vc.Compare(other) == After
}

// IsConcurrent returns true if this clock is concurrent with the other.
func (vc VectorClock) IsConcurrent(other VectorClock) bool {
	return vc.Compare(other) == Concurrent
}

// String returns a deterministic representation of the vector clock.
func (vc VectorClock) String() string {
	entries := vc.Entries()
	if len(entries) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, fmt.Sprintf("%s:%d", e.Node, e.Counter))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
