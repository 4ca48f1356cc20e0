package gossip

import (
	"fmt"

	"clusterd/internal/clock"
	"clusterd/internal/member"
	"clusterd/internal/reachability"
)

// Snapshot is the flat form of a Gossip used by wire codecs.
type Snapshot struct {
	Members          []member.Member
	Seen             []member.UniqueAddress
	Records          []reachability.Record
	ObserverVersions []reachability.ObserverVersion
	Version          []clock.Entry
}

// Snapshot flattens g. Every slice is in a deterministic order.
func (g Gossip) Snapshot() Snapshot {
	return Snapshot{
		Members:          g.Members(),
		Seen:             g.SeenNodes(),
		Records:          g.reachability.Records(),
		ObserverVersions: g.reachability.Versions(),
		Version:          g.version.Entries(),
	}
}

// FromSnapshot rebuilds and validates a gossip. Members must already be
// sorted and unique: a decoder must not repair a peer's view silently.
func FromSnapshot(s Snapshot) (Gossip, error) {
	r, err := reachability.FromRecords(s.Records, s.ObserverVersions)
	if err != nil {
		return Gossip{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	g := Gossip{
		members:      s.Members,
		seen:         member.NewSet(s.Seen...),
		reachability: r,
		version:      clock.FromEntries(s.Version),
	}
	for _, e := range s.Version {
		if e.Counter <= 0 {
			return Gossip{}, fmt.Errorf("%w: version entry %s has counter %d", ErrInvalid, e.Node, e.Counter)
		}
	}
	if err := g.Validate(); err != nil {
		return Gossip{}, err
	}
	return g, nil
}
