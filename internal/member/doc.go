// Package member defines node identity and the immutable Member value
// carried in gossip. A UniqueAddress pairs a network address with an
// incarnation so that a restarted process reusing the same address is a
// distinct node. Status values form a lattice used when merging concurrent
// views of the same member.
package member
