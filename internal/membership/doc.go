// Package membership derives leadership and convergence from a gossip.
//
// Both are pure functions of the gossip content, so every node that holds
// the same gossip elects the same leader without further coordination.
package membership
