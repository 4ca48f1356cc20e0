package reachability

import (
	"errors"
	"fmt"
	"slices"

	"clusterd/internal/member"
)

// ErrInvalid is returned by FromRecords for an inconsistent table.
var ErrInvalid = errors.New("invalid reachability table")

// Status is an observer's opinion about a subject.
type Status int

const (
	Reachable Status = iota
	Unreachable
	Terminated
)

func (s Status) String() string {
	switch s {
	case Reachable:
		return "Reachable"
	case Unreachable:
		return "Unreachable"
	case Terminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s >= Reachable && s <= Terminated
}

// Record is one observer's view of one subject. Version is the observer's
// version counter at the time the record was written.
type Record struct {
	Observer member.UniqueAddress
	Subject  member.UniqueAddress
	Status   Status
	Version  int64
}

// ObserverVersion is the latest version written by an observer.
type ObserverVersion struct {
	Observer member.UniqueAddress
	Version  int64
}

type pair struct {
	observer, subject member.UniqueAddress
}

// Reachability is an immutable table of observer to subject records. The
// zero value is an empty table.
type Reachability struct {
	records  map[pair]Record
	versions map[member.UniqueAddress]int64
}

// Empty returns a table without records.
func Empty() Reachability {
	return Reachability{}
}

func (r Reachability) clone() Reachability {
	out := Reachability{
		records:  make(map[pair]Record, len(r.records)+1),
		versions: make(map[member.UniqueAddress]int64, len(r.versions)+1),
	}
	for k, v := range r.records {
		out.records[k] = v
	}
	for k, v := range r.versions {
		out.versions[k] = v
	}
	return out
}

// Unreachable records that observer can no longer reach subject.
func (r Reachability) Unreachable(observer, subject member.UniqueAddress) Reachability {
	return r.change(observer, subject, Unreachable)
}

// Reachable records that observer can reach subject again.
func (r Reachability) Reachable(observer, subject member.UniqueAddress) Reachability {
	return r.change(observer, subject, Reachable)
}

// Terminated records that observer considers subject gone for good.
func (r Reachability) Terminated(observer, subject member.UniqueAddress) Reachability {
	return r.change(observer, subject, Terminated)
}

func (r Reachability) change(observer, subject member.UniqueAddress, status Status) Reachability {
	k := pair{observer, subject}
	old, exists := r.records[k]
	switch {
	case !exists && status == Reachable:
		return r
	case exists && (old.Status == status || old.Status == Terminated):
		return r
	}
	out := r.clone()
	v := out.versions[observer] + 1
	out.versions[observer] = v
	out.records[k] = Record{Observer: observer, Subject: subject, Status: status, Version: v}
	return out
}

// Merge combines two tables. For each observer and subject the record with
// the higher version wins, with ties going to the more severe status. Per
// observer versions take the maximum.
func (r Reachability) Merge(other Reachability) Reachability {
	if len(other.records) == 0 && len(other.versions) == 0 {
		return r
	}
	out := r.clone()
	for k, rec := range other.records {
		if cur, ok := out.records[k]; !ok || supersedes(rec, cur) {
			out.records[k] = rec
		}
	}
	for o, v := range other.versions {
		if v > out.versions[o] {
			out.versions[o] = v
		}
	}
	return out
}

func supersedes(a, b Record) bool {
	if a.Version != b.Version {
		return a.Version > b.Version
	}
	return a.Status > b.Status
}

// RemoveObservers drops every record written by the given observers.
func (r Reachability) RemoveObservers(observers member.Set) Reachability {
	if len(observers) == 0 {
		return r
	}
	return r.filter(func(k pair) bool { return !observers.Contains(k.observer) }, func(o member.UniqueAddress) bool {
		return !observers.Contains(o)
	})
}

// Remove drops every record that mentions one of nodes as observer or
// subject.
func (r Reachability) Remove(nodes ...member.UniqueAddress) Reachability {
	if len(nodes) == 0 {
		return r
	}
	set := member.NewSet(nodes...)
	return r.filter(func(k pair) bool {
		return !set.Contains(k.observer) && !set.Contains(k.subject)
	}, func(o member.UniqueAddress) bool { return !set.Contains(o) })
}

// RestrictTo keeps only records whose observer and subject are both in
// nodes.
func (r Reachability) RestrictTo(nodes member.Set) Reachability {
	return r.filter(func(k pair) bool {
		return nodes.Contains(k.observer) && nodes.Contains(k.subject)
	}, nodes.Contains)
}

func (r Reachability) filter(keepRecord func(pair) bool, keepObserver func(member.UniqueAddress) bool) Reachability {
	var changed bool
	for k := range r.records {
		if !keepRecord(k) {
			changed = true
			break
		}
	}
	for o := range r.versions {
		if !keepObserver(o) {
			changed = true
			break
		}
	}
	if !changed {
		return r
	}
	out := Reachability{
		records:  make(map[pair]Record, len(r.records)),
		versions: make(map[member.UniqueAddress]int64, len(r.versions)),
	}
	for k, v := range r.records {
		if keepRecord(k) {
			out.records[k] = v
		}
	}
	for o, v := range r.versions {
		if keepObserver(o) {
			out.versions[o] = v
		}
	}
	return out
}

// Status returns observer's view of subject; Reachable without a record.
func (r Reachability) Status(observer, subject member.UniqueAddress) Status {
	if rec, ok := r.records[pair{observer, subject}]; ok {
		return rec.Status
	}
	return Reachable
}

// AggregateStatus returns the most severe status any observer holds for
// subject.
func (r Reachability) AggregateStatus(subject member.UniqueAddress) Status {
	agg := Reachable
	for k, rec := range r.records {
		if k.subject == subject && rec.Status > agg {
			agg = rec.Status
		}
	}
	return agg
}

// IsReachable reports whether no observer considers subject unreachable or
// terminated.
func (r Reachability) IsReachable(subject member.UniqueAddress) bool {
	return r.IsAllReachable() || r.AggregateStatus(subject) == Reachable
}

// IsAllReachable reports whether every record is Reachable.
func (r Reachability) IsAllReachable() bool {
	for _, rec := range r.records {
		if rec.Status != Reachable {
			return false
		}
	}
	return true
}

// AllUnreachable returns subjects whose aggregate status is Unreachable.
func (r Reachability) AllUnreachable() member.Set {
	return r.subjects(func(s Status) bool { return s == Unreachable })
}

// AllUnreachableOrTerminated returns subjects that are not reachable.
func (r Reachability) AllUnreachableOrTerminated() member.Set {
	return r.subjects(func(s Status) bool { return s != Reachable })
}

func (r Reachability) subjects(match func(Status) bool) member.Set {
	agg := make(map[member.UniqueAddress]Status)
	for k, rec := range r.records {
		if rec.Status > agg[k.subject] {
			agg[k.subject] = rec.Status
		}
	}
	out := member.NewSet()
	for s, st := range agg {
		if match(st) {
			out[s] = struct{}{}
		}
	}
	return out
}

// AllUnreachableFrom returns the subjects observer has marked Unreachable.
func (r Reachability) AllUnreachableFrom(observer member.UniqueAddress) member.Set {
	out := member.NewSet()
	for k, rec := range r.records {
		if k.observer == observer && rec.Status == Unreachable {
			out[k.subject] = struct{}{}
		}
	}
	return out
}

// Observers returns the observers that have written at least one record.
func (r Reachability) Observers() member.Set {
	out := member.NewSet()
	for k := range r.records {
		out[k.observer] = struct{}{}
	}
	return out
}

// Records returns all records ordered by observer, then subject.
func (r Reachability) Records() []Record {
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b Record) int {
		if c := a.Observer.Compare(b.Observer); c != 0 {
			return c
		}
		return a.Subject.Compare(b.Subject)
	})
	return out
}

// Versions returns the per observer versions ordered by observer.
func (r Reachability) Versions() []ObserverVersion {
	out := make([]ObserverVersion, 0, len(r.versions))
	for o, v := range r.versions {
		out = append(out, ObserverVersion{Observer: o, Version: v})
	}
	slices.SortFunc(out, func(a, b ObserverVersion) int { return a.Observer.Compare(b.Observer) })
	return out
}

// Version returns the latest version written by observer.
func (r Reachability) Version(observer member.UniqueAddress) int64 {
	return r.versions[observer]
}

// Len returns the number of records.
func (r Reachability) Len() int {
	return len(r.records)
}

// Equal compares records and versions.
func (r Reachability) Equal(o Reachability) bool {
	if len(r.records) != len(o.records) || len(r.versions) != len(o.versions) {
		return false
	}
	for k, v := range r.records {
		if o.records[k] != v {
			return false
		}
	}
	for k, v := range r.versions {
		if ov, ok := o.versions[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// FromRecords rebuilds a table received from the wire. Every record must
// have a valid status, a positive version not above its observer's version,
// and no pair may appear twice.
func FromRecords(records []Record, versions []ObserverVersion) (Reachability, error) {
	out := Reachability{
		records:  make(map[pair]Record, len(records)),
		versions: make(map[member.UniqueAddress]int64, len(versions)),
	}
	for _, ov := range versions {
		if ov.Version <= 0 {
			return Reachability{}, fmt.Errorf("%w: observer %s has version %d", ErrInvalid, ov.Observer, ov.Version)
		}
		if _, dup := out.versions[ov.Observer]; dup {
			return Reachability{}, fmt.Errorf("%w: duplicate observer %s", ErrInvalid, ov.Observer)
		}
		out.versions[ov.Observer] = ov.Version
	}
	for _, rec := range records {
		k := pair{rec.Observer, rec.Subject}
		switch {
		case !rec.Status.Valid():
			return Reachability{}, fmt.Errorf("%w: status %d", ErrInvalid, rec.Status)
		case rec.Version <= 0 || rec.Version > out.versions[rec.Observer]:
			return Reachability{}, fmt.Errorf("%w: record %s->%s version %d", ErrInvalid, rec.Observer, rec.Subject, rec.Version)
		}
		if _, dup := out.records[k]; dup {
			return Reachability{}, fmt.Errorf("%w: duplicate record %s->%s", ErrInvalid, rec.Observer, rec.Subject)
		}
		out.records[k] = rec
	}
	return out, nil
}

func (r Reachability) String() string {
	recs := r.Records()
	if len(recs) == 0 {
		return "Reachability()"
	}
	s := "Reachability("
	for i, rec := range recs {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%s->%s:%s@%d", rec.Observer, rec.Subject, rec.Status, rec.Version)
	}
	return s + ")"
}
