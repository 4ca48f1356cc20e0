// Package ring implements a consistent hashing ring with virtual nodes.
// The coordinator places every member on a ring keyed by its unique address
// and walks it clockwise from itself to choose which peers it monitors, so
// each node is watched by a small, stable set of observers.
package ring
