// Package coordinator runs the cluster membership protocol of one node.
//
// A Coordinator owns the local gossip and everything derived from it. One
// goroutine processes a mailbox of inbound messages and operator commands
// together with periodic tasks:
//
//   - gossip: exchange the gossip, or only its version, with one member
//   - heartbeat: ping the peers this node monitors on the heartbeat ring
//   - reaper: turn failure detector verdicts into reachability records
//   - leader actions: move members through their lifecycle on convergence
//   - join retry and tombstone pruning
//
// Every accepted change is published as a new membership.State through an
// atomic pointer, and the differences are delivered as events.
package coordinator
