// Package gossip defines the replicated membership view exchanged between
// nodes and its merge.
//
// Merging two views never loses information: the version vectors, the
// member entries, the reachability tables and the seen sets are each
// combined with a commutative, associative and idempotent operation, so
// views received in any order and any number of times converge to the same
// result.
package gossip
