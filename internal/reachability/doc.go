// Package reachability tracks which members consider which other members
// unreachable. Every observer owns its own rows and version counter, so
// tables from different nodes can be merged without coordination.
package reachability
